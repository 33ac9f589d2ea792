package a2a

import "time"

// Query is one inbound user request. It is never mutated after creation.
type Query struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	ContextID string `json:"context_id"`
	// Timeout bounds the whole query when positive.
	Timeout time.Duration `json:"timeout,omitempty"`
	// Continuation answers a specialist's clarification request.
	Continuation *Continuation `json:"continuation,omitempty"`
}

// Continuation binds a follow-up to the task that asked for input.
type Continuation struct {
	Agent  string `json:"agent"`
	TaskID string `json:"task_id"`
}

// CallMode says whether a selected agent runs independently or after its predecessor.
type CallMode string

const (
	ModeParallel   CallMode = "parallel"
	ModeSequential CallMode = "sequential"
)

// ResponseStatus is the overall outcome of a query.
type ResponseStatus string

const (
	StatusCompleted      ResponseStatus = "completed"
	StatusPartial        ResponseStatus = "partial"
	StatusFailed         ResponseStatus = "failed"
	StatusNoCapableAgent ResponseStatus = "no_capable_agent"
	StatusInputRequired  ResponseStatus = "input_required"
)

// SlotStatus is the outcome of one selected agent.
type SlotStatus string

const (
	SlotCompleted     SlotStatus = "completed"
	SlotFailed        SlotStatus = "failed"
	SlotCanceled      SlotStatus = "canceled"
	SlotSkipped       SlotStatus = "skipped"
	SlotInputRequired SlotStatus = "input_required"
)

// Slot is one per-agent entry of an aggregated response.
type Slot struct {
	Agent     string           `json:"agent"`
	Mode      CallMode         `json:"mode"`
	Status    SlotStatus       `json:"status"`
	Text      string           `json:"text,omitempty"`
	Artifacts []Artifact       `json:"artifacts,omitempty"`
	Error     *ErrorDescriptor `json:"error,omitempty"`
	TaskIDs   []string         `json:"task_ids,omitempty"`
	Attempts  int              `json:"attempts"`
	// RemoteTaskID is the specialist's id for the last attempt; a continuation references it.
	RemoteTaskID string `json:"remote_task_id,omitempty"`
}

// AggregatedResponse is the host's reply to one query.
type AggregatedResponse struct {
	QueryID   string           `json:"query_id"`
	ContextID string           `json:"context_id"`
	Status    ResponseStatus   `json:"status"`
	Slots     []Slot           `json:"slots"`
	Text      string           `json:"text"`
	Error     *ErrorDescriptor `json:"error,omitempty"`
}
