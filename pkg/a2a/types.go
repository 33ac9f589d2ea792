// Package a2a holds the wire model shared by the host and the specialist agents it talks to.
package a2a

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ProtocolVersion is the A2A protocol version the host speaks.
const ProtocolVersion = "0.2"

// WellKnownCardPath is where every agent publishes its card.
const WellKnownCardPath = "/.well-known/agent.json"

// Event kinds used as the "kind" discriminator on the wire.
const (
	KindTask           = "task"
	KindMessage        = "message"
	KindStatusUpdate   = "status-update"
	KindArtifactUpdate = "artifact-update"
)

// AgentSkill describes a unit of capability an agent advertises
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Examples    []string `json:"examples,omitempty"`
}

// AgentCapabilities lists optional protocol features
type AgentCapabilities struct {
	Streaming bool `json:"streaming,omitempty"`
}

// AgentCard is a specialist's published capability manifest
type AgentCard struct {
	Name               string            `json:"name"`
	Description        string            `json:"description,omitempty"`
	URL                string            `json:"url"`
	Version            string            `json:"version,omitempty"`
	ProtocolVersion    string            `json:"protocolVersion,omitempty"`
	Capabilities       AgentCapabilities `json:"capabilities"`
	DefaultInputModes  []string          `json:"defaultInputModes,omitempty"`
	DefaultOutputModes []string          `json:"defaultOutputModes,omitempty"`
	Skills             []AgentSkill      `json:"skills"`
}

// SupportsStreaming reports whether the agent accepts message/stream.
func (c AgentCard) SupportsStreaming() bool {
	return c.Capabilities.Streaming
}

// Validate checks the fields discovery requires.
func (c AgentCard) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("agent card missing name")
	}
	if len(c.Skills) == 0 {
		return fmt.Errorf("agent card %q declares no skills", c.Name)
	}
	return nil
}

// Clone returns a deep copy so callers never share slices with the registry.
func (c AgentCard) Clone() AgentCard {
	out := c
	out.DefaultInputModes = append([]string(nil), c.DefaultInputModes...)
	out.DefaultOutputModes = append([]string(nil), c.DefaultOutputModes...)
	out.Skills = make([]AgentSkill, len(c.Skills))
	for i, s := range c.Skills {
		s.Tags = append([]string(nil), s.Tags...)
		s.Examples = append([]string(nil), s.Examples...)
		out.Skills[i] = s
	}
	return out
}

// Role identifies the sender of a message
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Part is one piece of message or artifact content. Kind is "text" or "data".
type Part struct {
	Kind string         `json:"kind"`
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Kind: "text", Text: text}
}

// DataPart builds a structured data part.
func DataPart(data map[string]any) Part {
	return Part{Kind: "data", Data: data}
}

// Message is one exchange unit within a task
type Message struct {
	Kind             string   `json:"kind"`
	MessageID        string   `json:"messageId"`
	Role             Role     `json:"role"`
	Parts            []Part   `json:"parts"`
	TaskID           string   `json:"taskId,omitempty"`
	ContextID        string   `json:"contextId,omitempty"`
	ReferenceTaskIDs []string `json:"referenceTaskIds,omitempty"`
}

// NewTextMessage builds a single-part text message.
func NewTextMessage(id string, role Role, text, contextID string) Message {
	return Message{
		Kind:      KindMessage,
		MessageID: id,
		Role:      role,
		Parts:     []Part{TextPart(text)},
		ContextID: contextID,
	}
}

// Text joins the text parts of the message.
func (m Message) Text() string {
	return joinText(m.Parts)
}

// Artifact is a named output attached to a task result
type Artifact struct {
	ArtifactID  string `json:"artifactId"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Parts       []Part `json:"parts"`
}

// Text joins the text parts of the artifact.
func (a Artifact) Text() string {
	return joinText(a.Parts)
}

func joinText(parts []Part) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Kind != "text" || p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// TaskState is the wire representation of a task's lifecycle state
type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateCanceled      TaskState = "canceled"
	TaskStateFailed        TaskState = "failed"
	TaskStateUnknown       TaskState = "unknown"
)

// Valid returns true if the state is a known value.
func (s TaskState) Valid() bool {
	switch s {
	case TaskStateSubmitted, TaskStateWorking, TaskStateInputRequired,
		TaskStateCompleted, TaskStateCanceled, TaskStateFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are possible.
func (s TaskState) Terminal() bool {
	return s == TaskStateCompleted || s == TaskStateCanceled || s == TaskStateFailed
}

// TaskStatus pairs a state with an optional message
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp string    `json:"timestamp,omitempty"`
}

// Task is a remote task as reported by a specialist
type Task struct {
	Kind      string     `json:"kind"`
	ID        string     `json:"id"`
	ContextID string     `json:"contextId"`
	Status    TaskStatus `json:"status"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	History   []Message  `json:"history,omitempty"`
}

// TaskStatusUpdateEvent is pushed by a specialist during message/stream
type TaskStatusUpdateEvent struct {
	Kind      string     `json:"kind"`
	TaskID    string     `json:"taskId"`
	ContextID string     `json:"contextId"`
	Status    TaskStatus `json:"status"`
	Final     bool       `json:"final"`
}

// TaskArtifactUpdateEvent carries an artifact (or a chunk of one) during message/stream
type TaskArtifactUpdateEvent struct {
	Kind      string   `json:"kind"`
	TaskID    string   `json:"taskId"`
	ContextID string   `json:"contextId"`
	Artifact  Artifact `json:"artifact"`
	Append    bool     `json:"append,omitempty"`
	LastChunk bool     `json:"lastChunk,omitempty"`
}

// MessageSendConfiguration tunes a message/send request
type MessageSendConfiguration struct {
	AcceptedOutputModes []string `json:"acceptedOutputModes,omitempty"`
	Blocking            bool     `json:"blocking,omitempty"`
}

// MessageSendParams are the params of message/send and message/stream
type MessageSendParams struct {
	Message       Message                   `json:"message"`
	Configuration *MessageSendConfiguration `json:"configuration,omitempty"`
	Metadata      map[string]any            `json:"metadata,omitempty"`
}

// PeekKind reads only the "kind" discriminator of a result payload.
func PeekKind(raw json.RawMessage) (string, error) {
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", err
	}
	return probe.Kind, nil
}

// Timestamp formats t the way status timestamps are sent on the wire.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status string `json:"status"`
}
