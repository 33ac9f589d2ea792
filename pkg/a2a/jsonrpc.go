package a2a

import (
	"encoding/json"
	"fmt"
)

// JSONRPCVersion is the only JSON-RPC version accepted on the wire
const JSONRPCVersion = "2.0"

// A2A method names
const (
	MethodMessageSend   = "message/send"
	MethodMessageStream = "message/stream"
)

// JSON-RPC 2.0 error codes
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
	// A2A-specific codes
	JSONRPCTaskNotFound         = -32001
	JSONRPCUnsupportedOperation = -32004
	// Host-specific codes
	JSONRPCNoCapableAgent = -32010
	JSONRPCQueryFailed    = -32011
)

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      RequestID       `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      RequestID       `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error
type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *JSONRPCError) Error() string {
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// RequestID can be a string or integer
type RequestID struct {
	value interface{}
}

// NewStringRequestID creates a string request ID
func NewStringRequestID(id string) RequestID {
	return RequestID{value: id}
}

// NewIntRequestID creates an integer request ID
func NewIntRequestID(id int64) RequestID {
	return RequestID{value: id}
}

// IsZero reports whether no id was set.
func (r RequestID) IsZero() bool {
	return r.value == nil
}

// MarshalJSON implements json.Marshaler
func (r RequestID) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.value)
}

// UnmarshalJSON implements json.Unmarshaler
func (r *RequestID) UnmarshalJSON(data []byte) error {
	var stringID string
	if err := json.Unmarshal(data, &stringID); err == nil {
		r.value = stringID
		return nil
	}
	var intID int64
	if err := json.Unmarshal(data, &intID); err == nil {
		r.value = intID
		return nil
	}
	return json.Unmarshal(data, &r.value)
}

// String returns the string representation of the request ID
func (r RequestID) String() string {
	if s, ok := r.value.(string); ok {
		return s
	}
	data, _ := json.Marshal(r.value)
	return string(data)
}
