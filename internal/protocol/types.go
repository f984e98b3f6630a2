// Package protocol defines the envelopes exchanged between a farm and its worker
// processes. Envelopes are newline-delimited JSON on the worker's stdin/stdout.
package protocol

// Version is the protocol version carried by the load handshake.
const Version = 1

// Request types (master -> worker).
const (
	TypeLoad = "load"
	TypeCall = "call"
)

// Reply types (worker -> master).
const (
	TypeLoaded = "loaded"
	TypeResult = "result"
)

// Error kinds carried by ErrorPayload.
const (
	KindApplication     = "application"
	KindMethodNotFound  = "method_not_found"
	KindModuleNotLoaded = "module_not_loaded"
	KindBadRequest      = "bad_request"
	KindPanic           = "panic"
)

// Request is the master -> worker envelope.
type Request struct {
	Type string `json:"type"` // load | call

	// load handshake
	Protocol   int    `json:"protocol,omitempty"`
	Module     string `json:"module,omitempty"`
	Serializer string `json:"serializer,omitempty"`

	// call
	CallID   int64    `json:"call_id,omitempty"`
	WorkerID int      `json:"worker_id,omitempty"`
	Method   string   `json:"method,omitempty"` // empty means the module's default function
	Args     [][]byte `json:"args,omitempty"`   // each argument encoded by the serializer
}

// Reply is the worker -> master envelope.
type Reply struct {
	Type string `json:"type"` // loaded | result

	// loaded
	OK bool `json:"ok,omitempty"`

	// result
	CallID int64  `json:"call_id,omitempty"`
	Res    []byte `json:"res,omitempty"` // encoded by the serializer

	Err *ErrorPayload `json:"err,omitempty"`
}

// ErrorPayload describes an error raised inside a worker.
type ErrorPayload struct {
	Kind    string         `json:"kind"`
	Name    string         `json:"name,omitempty"` // concrete error type on the worker side
	Message string         `json:"message"`
	Stack   string         `json:"stack,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// LoadRequest builds the one-time handshake sent after spawn.
func LoadRequest(module, serializer string) *Request {
	return &Request{
		Type:       TypeLoad,
		Protocol:   Version,
		Module:     module,
		Serializer: serializer,
	}
}
