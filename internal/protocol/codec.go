package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxEnvelopeBytes caps a single encoded envelope line.
const MaxEnvelopeBytes = 16 * 1024 * 1024

// Encoder writes envelopes, one per line. It is safe for concurrent use.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// EncodeRequest validates and writes a request.
func (e *Encoder) EncodeRequest(req *Request) error {
	if err := ValidateRequest(req); err != nil {
		return err
	}
	return e.encode(req)
}

// EncodeReply validates and writes a reply.
func (e *Encoder) EncodeReply(rep *Reply) error {
	if err := ValidateReply(rep); err != nil {
		return err
	}
	return e.encode(rep)
}

func (e *Encoder) encode(v any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	return nil
}

// Decoder reads newline-delimited envelopes.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), MaxEnvelopeBytes)
	return &Decoder{scanner: s}
}

// next returns the next non-empty line, or io.EOF.
func (d *Decoder) next() ([]byte, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
	if err := d.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, fmt.Errorf("envelope exceeds %d bytes: %w", MaxEnvelopeBytes, err)
		}
		return nil, err
	}
	return nil, io.EOF
}

// DecodeRequest reads the next request. It returns io.EOF at end of stream.
// A malformed line yields a *MalformedError; the stream remains usable.
func (d *Decoder) DecodeRequest() (*Request, error) {
	line, err := d.next()
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, &MalformedError{Line: truncate(line), Err: err}
	}
	if err := ValidateRequest(&req); err != nil {
		return &req, &MalformedError{Line: truncate(line), Err: err}
	}
	return &req, nil
}

// DecodeReply reads the next reply. It returns io.EOF at end of stream.
func (d *Decoder) DecodeReply() (*Reply, error) {
	line, err := d.next()
	if err != nil {
		return nil, err
	}
	var rep Reply
	if err := json.Unmarshal(line, &rep); err != nil {
		return nil, &MalformedError{Line: truncate(line), Err: err}
	}
	if err := ValidateReply(&rep); err != nil {
		return &rep, &MalformedError{Line: truncate(line), Err: err}
	}
	return &rep, nil
}

// MalformedError reports an envelope that could not be decoded or validated.
type MalformedError struct {
	Line string
	Err  error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed envelope %q: %v", e.Line, e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// ValidateRequest checks required fields for the request type.
func ValidateRequest(req *Request) error {
	switch req.Type {
	case TypeLoad:
		if req.Protocol != Version {
			return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
		}
		if req.Module == "" {
			return fmt.Errorf("load request missing required field: module")
		}
	case TypeCall:
		if req.CallID <= 0 {
			return fmt.Errorf("call request missing required field: call_id")
		}
	default:
		return fmt.Errorf("invalid request type: %q (must be 'load' or 'call')", req.Type)
	}
	return nil
}

// ValidateReply checks required fields for the reply type.
func ValidateReply(rep *Reply) error {
	switch rep.Type {
	case TypeLoaded:
		if !rep.OK && rep.Err == nil {
			return fmt.Errorf("loaded reply has ok=false but no error")
		}
	case TypeResult:
		if rep.CallID <= 0 {
			return fmt.Errorf("result reply missing required field: call_id")
		}
	default:
		return fmt.Errorf("invalid reply type: %q (must be 'loaded' or 'result')", rep.Type)
	}
	if rep.Err != nil && rep.Err.Message == "" {
		return fmt.Errorf("error payload has no message")
	}
	return nil
}

func truncate(line []byte) string {
	const maxLine = 256
	if len(line) > maxLine {
		return string(line[:maxLine]) + "..."
	}
	return string(line)
}
