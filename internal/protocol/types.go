package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the wire protocol version spoken by dispatchers and worker hosts.
const Version = 1

// CommandType names a request kind.
type CommandType string

const (
	CommandRegister CommandType = "register"
	CommandProcess  CommandType = "process"
	CommandHealth   CommandType = "health"
)

func (t CommandType) valid() bool {
	return t == CommandRegister || t == CommandProcess || t == CommandHealth
}

// ErrorKind classifies a failed response so the dispatcher can rebuild a typed error.
type ErrorKind string

const (
	KindExecution    ErrorKind = "execution"    // the callable returned an error or panicked
	KindRegistration ErrorKind = "registration" // the host could not bind the callable
	KindUnsupported  ErrorKind = "unsupported"  // the callable representation is not acceptable
	KindUnregistered ErrorKind = "unregistered" // process for a job id the host never registered
	KindProtocol     ErrorKind = "protocol"     // malformed request
)

func (k ErrorKind) valid() bool {
	switch k {
	case KindExecution, KindRegistration, KindUnsupported, KindUnregistered, KindProtocol:
		return true
	}
	return false
}

// Request is the envelope sent from a dispatcher to a worker host.
type Request struct {
	Protocol int             `json:"protocol" msgpack:"protocol"`
	Type     CommandType     `json:"type" msgpack:"type"`
	JobID    int64           `json:"job_id,omitempty" msgpack:"job_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

// Response is the single reply to a Request. Exactly one of Value or Error is meaningful;
// an empty success (register ack) carries neither.
type Response struct {
	Value json.RawMessage `json:"value,omitempty" msgpack:"value,omitempty"`
	Error string          `json:"error,omitempty" msgpack:"error,omitempty"`
	Kind  ErrorKind       `json:"kind,omitempty" msgpack:"kind,omitempty"`
}

// NewRequest builds a request for the current protocol version.
func NewRequest(t CommandType, jobID int64, payload json.RawMessage) *Request {
	return &Request{
		Protocol: Version,
		Type:     t,
		JobID:    jobID,
		Payload:  payload,
	}
}

// Validate checks the request envelope.
func (r *Request) Validate() error {
	if r.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", r.Protocol)
	}
	if !r.Type.valid() {
		return fmt.Errorf("invalid command type: %q", r.Type)
	}
	if r.Type != CommandHealth && r.JobID <= 0 {
		return fmt.Errorf("%s request requires a positive job_id, got %d", r.Type, r.JobID)
	}
	if r.Type == CommandRegister && len(r.Payload) == 0 {
		return fmt.Errorf("register request has no payload")
	}
	return nil
}

// OK returns a success response carrying value.
func OK(value json.RawMessage) *Response {
	return &Response{Value: value}
}

// Fail returns an error response of the given kind. An empty message is
// replaced so the response still reads as a failure on the wire.
func Fail(kind ErrorKind, format string, args ...any) *Response {
	msg := fmt.Sprintf(format, args...)
	if msg == "" {
		msg = fmt.Sprintf("unspecified %s error", kind)
	}
	return &Response{Error: msg, Kind: kind}
}

// Failed reports whether the response carries an error.
func (r *Response) Failed() bool {
	return r.Error != "" || r.Kind != ""
}

// Validate checks the response envelope.
func (r *Response) Validate() error {
	if r.Error == "" {
		if r.Kind != "" {
			return fmt.Errorf("response has kind=%q but no error message", r.Kind)
		}
		return nil
	}
	if len(r.Value) > 0 {
		return fmt.Errorf("response carries both value and error")
	}
	if !r.Kind.valid() {
		return fmt.Errorf("invalid error kind: %q", r.Kind)
	}
	return nil
}
