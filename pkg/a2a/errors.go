package a2a

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure so callers can decide whether to retry.
type ErrorKind string

const (
	KindDiscovery        ErrorKind = "discovery"
	KindDispatch         ErrorKind = "dispatch"
	KindMalformedPayload ErrorKind = "malformed_payload"
	KindProtocolMismatch ErrorKind = "protocol_mismatch"
	KindTimeout          ErrorKind = "timeout"
	KindTruncatedStream  ErrorKind = "truncated_stream"
	KindAgentFailure     ErrorKind = "agent_failure"
	KindNoCapableAgent   ErrorKind = "no_capable_agent"
	KindCanceled         ErrorKind = "canceled"
	KindSkipped          ErrorKind = "skipped"
)

// Retryable reports whether a failure of this kind may be retried with a new task.
func (k ErrorKind) Retryable() bool {
	return k == KindDispatch || k == KindTimeout
}

// Error is the host's typed error. Two Errors match with errors.Is when their kinds match.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Agent   string    `json:"agent,omitempty"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind)
	if e.Agent != "" {
		msg += " (" + e.Agent + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind so errors.Is(err, &Error{Kind: KindTimeout}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Agent == "" || t.Agent == e.Agent)
}

// NewError builds a typed error.
func NewError(kind ErrorKind, agent string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Agent: agent, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind of err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ErrorDescriptor is the serialisable form of a failure placed in a response slot.
type ErrorDescriptor struct {
	Kind    ErrorKind `json:"kind"`
	Agent   string    `json:"agent,omitempty"`
	Message string    `json:"message"`
}

// Describe converts any error into a descriptor, defaulting to kind dispatch.
func Describe(agent string, err error) *ErrorDescriptor {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Agent != "" {
			agent = e.Agent
		}
		msg := e.Message
		if e.Err != nil {
			if msg != "" {
				msg += ": "
			}
			msg += e.Err.Error()
		}
		return &ErrorDescriptor{Kind: e.Kind, Agent: agent, Message: msg}
	}
	return &ErrorDescriptor{Kind: KindDispatch, Agent: agent, Message: err.Error()}
}
