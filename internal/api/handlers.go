package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/workfarm/internal/farm"
	"github.com/mattjoyce/workfarm/internal/journal"
)

type ctxKey struct{}

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	for _, f := range s.farms.List() {
		st := f.Stats()
		resp.Farms++
		resp.Workers += len(st.Workers)
		resp.QueueLength += st.QueueLength
	}
	respondJSON(w, http.StatusOK, resp)
}

// farmCtx resolves {farmID} and stores the farm in the request context.
func (s *Server) farmCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, ok := s.farms.Get(chi.URLParam(r, "farmID"))
		if !ok {
			s.writeError(w, http.StatusNotFound, "farm not found")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, f)))
	})
}

func farmFrom(r *http.Request) *farm.Farm {
	return r.Context().Value(ctxKey{}).(*farm.Farm)
}

// handleListFarms handles GET /farms.
func (s *Server) handleListFarms(w http.ResponseWriter, r *http.Request) {
	resp := FarmsResponse{Farms: []farm.Stats{}}
	for _, f := range s.farms.List() {
		resp.Farms = append(resp.Farms, f.Stats())
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleFarmStatus handles GET /farms/{farmID}.
func (s *Server) handleFarmStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, farmFrom(r).Stats())
}

// handleRun handles POST /farms/{farmID}/run.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRun(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.CallTimeout)
	defer cancel()

	fut := farmFrom(r).GoMethod(req.Method, req.Args...)
	res, err := fut.Wait(ctx)
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	v, err := res.Value()
	if err != nil {
		s.logger.Error("failed to decode call result", "call_id", fut.ID(), "error", err)
		s.writeError(w, http.StatusBadGateway, "undecodable result")
		return
	}
	respondJSON(w, http.StatusOK, RunResponse{CallID: fut.ID(), Result: v})
}

// handleBroadcast handles POST /farms/{farmID}/broadcast. Per-worker failures are
// reported in the body; the status is 200 whenever every worker answered.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRun(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.CallTimeout)
	defer cancel()

	outcomes, err := farmFrom(r).BroadcastMethod(ctx, req.Method, req.Args...)
	if err != nil {
		s.writeCallError(w, err)
		return
	}

	resp := BroadcastResponse{Results: make([]BroadcastResult, 0, len(outcomes))}
	for _, out := range outcomes {
		br := BroadcastResult{WorkerID: out.WorkerID}
		if out.Err == nil {
			v, err := out.Result.Value()
			if err != nil {
				out.Err = err
			} else {
				br.Result = v
			}
		}
		if out.Err != nil {
			_, body := errorBody(out.Err)
			br.Error = &body
			resp.Failed++
		} else {
			resp.Succeeded++
		}
		resp.Results = append(resp.Results, br)
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleCreateWorkers handles POST /farms/{farmID}/workers.
func (s *Server) handleCreateWorkers(w http.ResponseWriter, r *http.Request) {
	f := farmFrom(r)
	f.CreateWorkers()
	respondJSON(w, http.StatusAccepted, f.Stats())
}

// handleKillWorker handles DELETE /farms/{farmID}/workers/{workerID}.
func (s *Server) handleKillWorker(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "workerID"))
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid worker id")
		return
	}
	if err := farmFrom(r).KillWorker(r.Context(), id); err != nil {
		s.writeCallError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleKillFarm handles DELETE /farms/{farmID}.
func (s *Server) handleKillFarm(w http.ResponseWriter, r *http.Request) {
	if err := farmFrom(r).Kill(r.Context()); err != nil {
		s.writeCallError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCalls handles GET /calls?farm=&outcome=&method=&limit=.
func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusNotFound, "journal disabled")
		return
	}

	q := r.URL.Query()
	filter := journal.Filter{
		FarmID:  q.Get("farm"),
		Outcome: q.Get("outcome"),
		Method:  q.Get("method"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}

	calls, err := s.journal.Calls(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to query journal", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to query journal")
		return
	}
	if calls == nil {
		calls = []journal.CallRecord{}
	}
	respondJSON(w, http.StatusOK, CallsResponse{Calls: calls})
}

// handleCallSummary handles GET /calls/summary?farm=.
func (s *Server) handleCallSummary(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusNotFound, "journal disabled")
		return
	}
	sum, err := s.journal.Summarize(r.Context(), r.URL.Query().Get("farm"))
	if err != nil {
		s.logger.Error("failed to summarize journal", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to summarize journal")
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

func (s *Server) decodeRun(w http.ResponseWriter, r *http.Request) (RunRequest, bool) {
	var req RunRequest
	if r.ContentLength == 0 {
		return req, true
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	return req, true
}

// writeCallError maps farm errors onto HTTP statuses.
func (s *Server) writeCallError(w http.ResponseWriter, err error) {
	status, body := errorBody(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("call failed", "status", status, "error", err)
	}
	respondJSON(w, status, body)
}

func errorBody(err error) (int, ErrorResponse) {
	body := ErrorResponse{Error: err.Error()}

	var remote *farm.RemoteError
	if errors.As(err, &remote) {
		body.Kind = remote.Kind
		body.Name = remote.Name
		body.Fields = remote.Fields
	}

	var retries *farm.CallMaxRetryError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, farm.ErrTimeout):
		return http.StatusGatewayTimeout, body
	case errors.Is(err, context.Canceled):
		return 499, body
	case errors.Is(err, farm.ErrMaxConcurrentCalls):
		return http.StatusTooManyRequests, body
	case errors.Is(err, farm.ErrFarmKilled):
		return http.StatusGone, body
	case errors.Is(err, farm.ErrWorkerNotFound):
		return http.StatusNotFound, body
	case errors.As(err, &retries), errors.Is(err, farm.ErrWorkerTerminated):
		return http.StatusBadGateway, body
	case remote != nil:
		return http.StatusUnprocessableEntity, body
	default:
		return http.StatusInternalServerError, body
	}
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
