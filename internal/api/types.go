package api

import (
	"github.com/mattjoyce/workfarm/internal/farm"
	"github.com/mattjoyce/workfarm/internal/journal"
)

// RunRequest is the JSON body for POST /farms/{farmID}/run and /broadcast.
// An empty Method calls the module's default function.
type RunRequest struct {
	Method string `json:"method,omitempty"`
	Args   []any  `json:"args,omitempty"`
}

// RunResponse is returned by POST /farms/{farmID}/run.
type RunResponse struct {
	CallID int64 `json:"call_id"`
	Result any   `json:"result"`
}

// BroadcastResult is one worker's answer within a BroadcastResponse.
type BroadcastResult struct {
	WorkerID int            `json:"worker_id"`
	Result   any            `json:"result,omitempty"`
	Error    *ErrorResponse `json:"error,omitempty"`
}

// BroadcastResponse is returned by POST /farms/{farmID}/broadcast.
type BroadcastResponse struct {
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Results   []BroadcastResult `json:"results"`
}

// ErrorResponse is returned on errors. Kind is set for errors raised inside a
// worker module.
type ErrorResponse struct {
	Error  string         `json:"error"`
	Kind   string         `json:"kind,omitempty"`
	Name   string         `json:"name,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Farms         int    `json:"farms"`
	Workers       int    `json:"workers"`
	QueueLength   int    `json:"queue_length"`
}

// FarmsResponse is returned by GET /farms.
type FarmsResponse struct {
	Farms []farm.Stats `json:"farms"`
}

// CallsResponse is returned by GET /calls.
type CallsResponse struct {
	Calls []journal.CallRecord `json:"calls"`
}
