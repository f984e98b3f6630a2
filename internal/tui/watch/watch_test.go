package watch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/workfarm/internal/events"
)

func TestReadSSE(t *testing.T) {
	stream := strings.Join([]string{
		": keep-alive",
		"",
		"id: 7",
		"event: call.settled",
		`data: {"id":7,"kind":"call.settled","farm_id":"f1","call_id":3,"outcome":"resolved"}`,
		"",
		"data: not json",
		"",
	}, "\n")

	ch := make(chan events.Event, 4)
	require.NoError(t, readSSE(strings.NewReader(stream), ch))
	close(ch)

	var got []events.Event
	for ev := range ch {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	assert.Equal(t, int64(7), got[0].ID)
	assert.Equal(t, events.CallSettled, got[0].Kind)
	assert.Equal(t, int64(3), got[0].CallID)
}

func TestWorkerRows(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	farms := []farmView{{
		FarmID: "0123456789abcdef",
		Workers: []workerView{
			{ID: 1, Pid: 100, State: "busy", PendingCalls: 2, TTL: -1, SpawnedAt: now.Add(-90 * time.Second)},
			{ID: 2, Pid: 101, State: "available", TTL: 5, SpawnedAt: now.Add(-5 * time.Second)},
		},
	}}

	rows, refs := workerRows(farms, now)
	require.Len(t, rows, 2)
	assert.Equal(t, "01234567", rows[0][0])
	assert.Equal(t, "∞", rows[0][5])
	assert.Equal(t, "1m 30s", rows[0][6])
	assert.Equal(t, "5", rows[1][5])
	assert.Equal(t, workerRef{farmID: "0123456789abcdef", workerID: 2}, refs[1])
}

func TestModelCountsSettledCalls(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := New("http://unused", "k")
	m.now = func() time.Time { return now }

	var model tea.Model = *m
	for i, ev := range []events.Event{
		{ID: 1, Kind: events.CallSettled, Outcome: events.OutcomeResolved},
		{ID: 2, Kind: events.CallSettled, Outcome: events.OutcomeRejected},
		{ID: 3, Kind: events.CallRetried},
		{ID: 3, Kind: events.CallRetried}, // replayed after reconnect
	} {
		var cmd tea.Cmd
		model, cmd = model.Update(eventMsg(ev))
		require.NotNil(t, cmd, "event %d", i)
	}

	got := model.(Model)
	assert.Equal(t, 1, got.summary.Resolved)
	assert.Equal(t, 1, got.summary.Rejected)
	assert.Equal(t, 1, got.summary.Retried)
	assert.Equal(t, int64(3), got.lastID)
	assert.Len(t, got.eventLog, 3)
	assert.Equal(t, events.CallRetried, got.eventLog[0].Kind)
}

func TestModelAppliesFarms(t *testing.T) {
	m := New("http://unused", "k")
	var model tea.Model = *m
	model, _ = model.Update(farmsMsg{
		{FarmID: "a", QueueLength: 3, PendingCalls: 2, Workers: []workerView{{ID: 1}, {ID: 2}}},
		{FarmID: "b", Workers: []workerView{{ID: 1}}},
	})

	got := model.(Model)
	assert.Equal(t, Summary{Connected: true, Farms: 2, Workers: 3, Queue: 3, Pending: 2}, got.summary)
	assert.Len(t, got.refs, 3)
}

func TestThroughput(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tp := NewThroughput(10 * time.Second)
	tp.Add(now.Add(-15 * time.Second))
	for range 5 {
		tp.Add(now.Add(-time.Second))
	}
	assert.InDelta(t, 0.5, tp.Rate(now), 1e-9)
}

func TestSpinnerDecay(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var s Spinner
	s.OnEvent(now)
	s.Decay(now.Add(5 * time.Second))
	assert.Equal(t, 3, s.dots)
	s.Decay(now.Add(11 * time.Second))
	assert.Equal(t, 0, s.dots)
}

func TestClient(t *testing.T) {
	var killed string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /farms", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"farms": []map[string]any{{"farm_id": "f1", "workers": []map[string]any{{"id": 1, "state": "available"}}}},
		})
	})
	mux.HandleFunc("DELETE /farms/{farm}/workers/{worker}", func(w http.ResponseWriter, r *http.Request) {
		killed = r.PathValue("farm") + "/" + r.PathValue("worker")
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL+"/", "k")
	farms, err := c.Farms(context.Background())
	require.NoError(t, err)
	require.Len(t, farms, 1)
	assert.Equal(t, "available", farms[0].Workers[0].State)

	require.NoError(t, c.KillWorker(context.Background(), "f1", 4))
	assert.Equal(t, "f1/4", killed)

	_, err = NewClient(srv.URL, "wrong").Farms(context.Background())
	assert.ErrorContains(t, err, "401")
}
