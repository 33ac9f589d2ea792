package server

import (
	"time"

	"github.com/retail-a2a/host/internal/orchestrator"
	"github.com/retail-a2a/host/internal/registry"
	"github.com/retail-a2a/host/pkg/a2a"
)

// QueryRequest is the body of POST /api/query, the params of host.query and
// the payload of a WebSocket query message
type QueryRequest struct {
	Query        string            `json:"query"`
	ContextID    string            `json:"context_id,omitempty"`
	TimeoutMS    int64             `json:"timeout_ms,omitempty"`
	Continuation *a2a.Continuation `json:"continuation,omitempty"`
}

// ToQuery builds the orchestrator query
func (r QueryRequest) ToQuery() a2a.Query {
	q := orchestrator.NewQuery(r.Query, r.ContextID, time.Duration(r.TimeoutMS)*time.Millisecond)
	if r.Continuation != nil && r.Continuation.Agent != "" {
		c := *r.Continuation
		q.Continuation = &c
	}
	return q
}

// AgentInfo is the public view of a registered specialist
type AgentInfo struct {
	Name                string           `json:"name"`
	Endpoint            string           `json:"endpoint"`
	URL                 string           `json:"url"`
	Description         string           `json:"description,omitempty"`
	Version             string           `json:"version,omitempty"`
	ProtocolVersion     string           `json:"protocol_version,omitempty"`
	Streaming           bool             `json:"streaming"`
	Skills              []a2a.AgentSkill `json:"skills"`
	AvgLatencyMS        int64            `json:"avg_latency_ms,omitempty"`
	ConsecutiveFailures int              `json:"consecutive_failures,omitempty"`
	FetchedAt           time.Time        `json:"fetched_at"`
}

// NewAgentInfo converts a registry entry
func NewAgentInfo(a registry.Agent) AgentInfo {
	info := AgentInfo{
		Name:                a.Name,
		Endpoint:            a.Endpoint,
		URL:                 a.URL(),
		Description:         a.Card.Description,
		Version:             a.Card.Version,
		ProtocolVersion:     a.Card.ProtocolVersion,
		Streaming:           a.Card.SupportsStreaming(),
		Skills:              a.Card.Skills,
		ConsecutiveFailures: a.ConsecutiveFailures,
		FetchedAt:           a.FetchedAt,
	}
	if a.LatencySamples > 0 {
		info.AvgLatencyMS = a.AvgLatency.Milliseconds()
	}
	return info
}

// AgentsResponse is returned by GET /api/agents and host.agents
type AgentsResponse struct {
	Agents []AgentInfo `json:"agents"`
	Count  int         `json:"count"`
}

// StatusResponse is returned by GET /api/status and host.status
type StatusResponse struct {
	Status string                 `json:"status"`
	Online int                    `json:"online"`
	Total  int                    `json:"total"`
	Agents []registry.AgentHealth `json:"agents"`
}

// RegisterParams are the params of host.register and host.refresh
type RegisterParams struct {
	URL  string `json:"url,omitempty"`
	Name string `json:"name,omitempty"`
}
