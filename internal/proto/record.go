// Package proto defines the NDJSON wire records exchanged between the
// supervisor and a worker process: invoke requests on stdin, and ready,
// response, log, and error records on stdout.
package proto

import (
	"bytes"
	"encoding/json"
)

// Record types, stable across the wire.
const (
	TypeInvoke   = "invoke"
	TypeReady    = "ready"
	TypeResponse = "response"
	TypeLog      = "log"
	TypeError    = "error"
)

// Log levels carried in a LogPayload.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
	LevelDebug = "debug"
)

// BundleInvokeID is the id used for the bundle-load failure error record.
const BundleInvokeID = "bundle-load"

// BundleConsoleID is the id used to tag console.* calls made outside the
// scope of any invocation (top-level bundle code, not a load failure).
const BundleConsoleID = "bundle"

// Record is the single wire struct for both directions: {id, type, payload}.
// Payload is kept raw so the codec doesn't need to know every payload shape
// up front; callers decode/encode the concrete payload type they expect.
type Record struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// InvokePayload is the payload of an inbound "invoke" record.
type InvokePayload struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Query   map[string]string `json:"query"`
	Body    string            `json:"body"` // base64, may be empty
}

// ResponsePayload is the payload of an outbound "response" record.
type ResponsePayload struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"` // base64
}

// LogPayload is the payload of an outbound "log" record.
type LogPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// ErrorPayload is the payload of an outbound "error" record.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ReadyPayload is the (always empty) payload of the one "ready" record.
type ReadyPayload struct{}

// NewInvoke builds a Record of type "invoke" from a typed payload. Used by
// cmd/loadtest to construct synthetic traffic.
func NewInvoke(id string, p InvokePayload) (Record, error) {
	return newRecord(id, TypeInvoke, p)
}

// NewReady builds the one "ready" record a worker emits after init.
func NewReady(workerID string) (Record, error) {
	return newRecord(workerID, TypeReady, ReadyPayload{})
}

// NewResponse builds a "response" record for a given invocation id.
func NewResponse(id string, p ResponsePayload) (Record, error) {
	return newRecord(id, TypeResponse, p)
}

// NewLog builds a "log" record for a given invocation id (or BundleConsoleID).
func NewLog(id, level, message string) (Record, error) {
	return newRecord(id, TypeLog, LogPayload{Level: level, Message: message})
}

// NewError builds an "error" record for a given invocation id.
func NewError(id string, werr *WireError) (Record, error) {
	return newRecord(id, TypeError, ErrorPayload{Message: werr.Message, Code: werr.Code})
}

func newRecord(id, typ string, payload any) (Record, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return Record{}, err
	}
	// Encode appends a trailing newline; Payload must be a bare JSON value.
	raw := bytes.TrimRight(buf.Bytes(), "\n")
	return Record{ID: id, Type: typ, Payload: raw}, nil
}

// DecodeInvoke decodes r.Payload into an InvokePayload. Callers should only
// call this once r.Type == TypeInvoke.
func DecodeInvoke(r Record) (InvokePayload, error) {
	var p InvokePayload
	if err := json.Unmarshal(r.Payload, &p); err != nil {
		return InvokePayload{}, err
	}
	return p, nil
}
