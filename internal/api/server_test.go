package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/workfarm/internal/farm"
	"github.com/mattjoyce/workfarm/internal/journal"
	"github.com/mattjoyce/workfarm/internal/metrics"
)

type fakeJournal struct {
	calls  []journal.CallRecord
	filter journal.Filter
	err    error
}

func (j *fakeJournal) Calls(_ context.Context, f journal.Filter) ([]journal.CallRecord, error) {
	j.filter = f
	return j.calls, j.err
}

func (j *fakeJournal) Summarize(context.Context, string) (journal.Summary, error) {
	return journal.Summary{Resolved: len(j.calls)}, j.err
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthzWithoutAuth(t *testing.T) {
	fx := newFixture(t, 2)
	h := New(Config{APIKey: testKey}, fx.registry, discardLogger()).Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthzResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Farms)
	assert.Equal(t, 2, resp.Workers)
}

func TestProtectedRoutesRequireKey(t *testing.T) {
	h := New(Config{APIKey: testKey}, farm.NewRegistry(), discardLogger()).Handler()

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong scheme", "Basic abc"},
		{"wrong key", "Bearer nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/farms", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestFarmStatus(t *testing.T) {
	fx := newFixture(t, 2)
	h := New(Config{APIKey: testKey}, fx.registry, discardLogger()).Handler()

	list := decode[FarmsResponse](t, do(t, h, http.MethodGet, "/farms", nil))
	require.Len(t, list.Farms, 1)
	assert.Equal(t, fx.farm.ID(), list.Farms[0].FarmID)
	require.Len(t, list.Farms[0].Workers, 2)
	for _, w := range list.Farms[0].Workers {
		assert.Equal(t, farm.StateAvailable, w.State)
	}

	rec := do(t, h, http.MethodGet, "/farms/"+fx.farm.ID()+"/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st struct {
		Running bool `json:"running"`
		Workers []struct {
			ID    int    `json:"id"`
			State string `json:"state"`
		} `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Running)
	require.Len(t, st.Workers, 2)
	assert.Equal(t, "available", st.Workers[0].State)

	rec = do(t, h, http.MethodGet, "/farms/missing/", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRun(t *testing.T) {
	fx := newFixture(t, 1)
	h := New(Config{APIKey: testKey}, fx.registry, discardLogger()).Handler()
	base := "/farms/" + fx.farm.ID()

	rec := do(t, h, http.MethodPost, base+"/run", RunRequest{Args: []any{map[string]any{"n": 7.0}}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[RunResponse](t, rec)
	assert.Positive(t, resp.CallID)
	assert.Equal(t, map[string]any{"n": 7.0}, resp.Result)

	t.Run("remote error", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, base+"/run", RunRequest{Method: "quota"})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		body := decode[ErrorResponse](t, rec)
		assert.Equal(t, "quota exceeded", body.Error)
		assert.Equal(t, "application", body.Kind)
		assert.Equal(t, 3.0, body.Fields["limit"])
	})

	t.Run("unknown method", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, base+"/run", RunRequest{Method: "nope"})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "method_not_found", decode[ErrorResponse](t, rec).Kind)
	})

	t.Run("bad body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, base+"/run", strings.NewReader("{"))
		req.Header.Set("Authorization", "Bearer "+testKey)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRunTimesOutWaiting(t *testing.T) {
	fx := newFixture(t, 1)
	h := New(Config{APIKey: testKey, CallTimeout: 100 * time.Millisecond}, fx.registry, discardLogger()).Handler()

	rec := do(t, h, http.MethodPost, "/farms/"+fx.farm.ID()+"/run", RunRequest{Method: "block"})
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestBroadcast(t *testing.T) {
	fx := newFixture(t, 3)
	h := New(Config{APIKey: testKey}, fx.registry, discardLogger()).Handler()

	rec := do(t, h, http.MethodPost, "/farms/"+fx.farm.ID()+"/broadcast", RunRequest{Method: "pid"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[BroadcastResponse](t, rec)
	assert.Equal(t, 3, resp.Succeeded)
	assert.Zero(t, resp.Failed)

	pids := map[any]bool{}
	for _, r := range resp.Results {
		pids[r.Result] = true
	}
	assert.Len(t, pids, 3)

	rec = do(t, h, http.MethodPost, "/farms/"+fx.farm.ID()+"/broadcast", RunRequest{Method: "quota"})
	resp = decode[BroadcastResponse](t, rec)
	assert.Equal(t, 3, resp.Failed)
	require.NotNil(t, resp.Results[0].Error)
	assert.Equal(t, "quota exceeded", resp.Results[0].Error.Error)
}

func TestKillWorker(t *testing.T) {
	fx := newFixture(t, 1)
	h := New(Config{APIKey: testKey}, fx.registry, discardLogger()).Handler()
	base := "/farms/" + fx.farm.ID() + "/workers/"

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodDelete, base+"abc", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, base+"99", nil).Code)

	id := fx.farm.Stats().Workers[0].ID
	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, fmt.Sprintf("%s%d", base, id), nil).Code)

	require.Eventually(t, func() bool {
		ws := fx.farm.Stats().Workers
		return len(ws) == 1 && ws[0].ID != id
	}, 10*time.Second, 10*time.Millisecond)
}

func TestKillFarm(t *testing.T) {
	fx := newFixture(t, 1)
	h := New(Config{APIKey: testKey}, fx.registry, discardLogger()).Handler()
	path := "/farms/" + fx.farm.ID() + "/"

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, path, nil).Code)
	require.Eventually(t, func() bool {
		return do(t, h, http.MethodGet, path, nil).Code == http.StatusNotFound
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCalls(t *testing.T) {
	reg := farm.NewRegistry()

	t.Run("disabled", func(t *testing.T) {
		h := New(Config{APIKey: testKey}, reg, discardLogger()).Handler()
		assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/calls", nil).Code)
	})

	j := &fakeJournal{calls: []journal.CallRecord{{FarmID: "f1", CallID: 4, Outcome: "resolved"}}}
	h := New(Config{APIKey: testKey}, reg, discardLogger(), WithJournal(j)).Handler()

	rec := do(t, h, http.MethodGet, "/calls?farm=f1&outcome=resolved&method=echo&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[CallsResponse](t, rec)
	require.Len(t, resp.Calls, 1)
	assert.Equal(t, int64(4), resp.Calls[0].CallID)
	assert.Equal(t, journal.Filter{FarmID: "f1", Outcome: "resolved", Method: "echo", Limit: 5}, j.filter)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/calls?limit=x", nil).Code)

	rec = do(t, h, http.MethodGet, "/calls/summary?farm=f1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	j.err = errors.New("disk on fire")
	assert.Equal(t, http.StatusInternalServerError, do(t, h, http.MethodGet, "/calls", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	col, err := metrics.New(reg)
	require.NoError(t, err)
	col.RecordSubmit("f1")

	h := New(Config{APIKey: testKey}, farm.NewRegistry(), discardLogger(), WithGatherer(reg)).Handler()
	rec := do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `workfarm_calls_submitted_total{farm="f1"} 1`)
}

func TestEventsStream(t *testing.T) {
	fx := newFixture(t, 1)
	srv := httptest.NewServer(New(Config{APIKey: testKey}, fx.registry, discardLogger(), WithEvents(fx.hub)).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?farm="+fx.farm.ID(), nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The spawn happened before we connected, so it comes from the replay buffer.
	// The run below arrives live.
	go func() { _, _ = fx.farm.Run(ctx, "ping") }()

	seen := map[string]bool{}
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if kind, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			seen[kind] = true
		}
		if seen["worker.spawned"] && seen["call.settled"] {
			break
		}
	}
	assert.True(t, seen["worker.spawned"])
	assert.True(t, seen["call.settled"])
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"timeout", &farm.TimeoutError{CallID: 1, Timeout: time.Second}, http.StatusGatewayTimeout},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"backpressure", farm.ErrMaxConcurrentCalls, http.StatusTooManyRequests},
		{"killed", farm.ErrFarmKilled, http.StatusGone},
		{"worker gone", &farm.WorkerTerminatedError{WorkerID: 2}, http.StatusBadGateway},
		{"retries", &farm.CallMaxRetryError{CallID: 1, Retries: 2, Cause: &farm.RemoteError{Message: "x"}}, http.StatusBadGateway},
		{"remote", &farm.RemoteError{Kind: "application", Message: "x"}, http.StatusUnprocessableEntity},
		{"other", errors.New("x"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := errorBody(tt.err)
			assert.Equal(t, tt.want, got)
		})
	}
}
