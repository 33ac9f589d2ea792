// Package server exposes the host over HTTP: its own A2A endpoint, a JSON
// API, JSON-RPC 2.0, server-sent events and a WebSocket feed.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/retail-a2a/host/internal/orchestrator"
	"github.com/retail-a2a/host/internal/registry"
	"github.com/retail-a2a/host/internal/sse"
	"github.com/retail-a2a/host/pkg/a2a"
)

// Querier answers queries; *orchestrator.Orchestrator implements it
type Querier interface {
	QueryStreamer
	Handle(ctx context.Context, q a2a.Query) (*a2a.AggregatedResponse, error)
}

// Options configures a Server
type Options struct {
	Registry     *registry.Registry
	Orchestrator Querier
	// Card is the host's own card; its skills are extended with the specialists' tags.
	Card a2a.AgentCard
}

// Server represents the HTTP server
type Server struct {
	registry *registry.Registry
	orch     Querier
	card     a2a.AgentCard
	mux      *http.ServeMux
	wsHub    *WSHub
	http     *http.Server
}

// NewServer creates the server, starts its WebSocket hub and subscribes the
// hub to registry changes
func NewServer(opts Options) *Server {
	card := opts.Card
	if card.ProtocolVersion == "" {
		card.ProtocolVersion = a2a.ProtocolVersion
	}
	card.Capabilities.Streaming = true

	s := &Server{
		registry: opts.Registry,
		orch:     opts.Orchestrator,
		card:     card,
		mux:      http.NewServeMux(),
		wsHub:    NewWSHub(opts.Orchestrator),
	}
	go s.wsHub.Run()

	s.registry.OnUpdate(func(a registry.Agent) {
		if err := s.wsHub.BroadcastMessage(MessageTypeAgentUpdate, NewAgentInfo(a)); err != nil {
			log.Printf("[server] agent update for %s not broadcast: %v", a.Name, err)
		}
	})

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc(a2a.WellKnownCardPath, s.handleCard)
	s.mux.HandleFunc("/", s.handleA2A)

	s.mux.HandleFunc("/api/query", s.handleQuery)
	s.mux.HandleFunc("/api/query/stream", s.handleQueryStream)
	s.mux.HandleFunc("/api/agents", s.handleAgents)
	s.mux.HandleFunc("/api/status", s.handleStatus)

	s.mux.HandleFunc("/api/v1/rpc", s.handleJSONRPC)
	s.mux.HandleFunc("/api/v1/ws", s.wsHub.HandleWebSocket)
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// GetWSHub returns the WebSocket hub for external use
func (s *Server) GetWSHub() *WSHub {
	return s.wsHub
}

// Start serves on addr until Shutdown. It returns http.ErrServerClosed after a clean shutdown.
func (s *Server) Start(addr string) error {
	log.Printf("[server] listening on %s", addr)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown stops accepting requests, waits for in-flight ones and disconnects WebSocket clients
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsHub.Stop()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Card returns the host card with the union of the specialists' skill tags
func (s *Server) Card() a2a.AgentCard {
	card := s.card.Clone()
	seen := make(map[string]bool)
	var tags []string
	var examples []string
	for _, a := range s.registry.ListAgents() {
		for _, skill := range a.Card.Skills {
			for _, tag := range skill.Tags {
				if !seen[tag] {
					seen[tag] = true
					tags = append(tags, tag)
				}
			}
			examples = append(examples, skill.Examples...)
		}
	}
	card.Skills = append(card.Skills, a2a.AgentSkill{
		ID:          "retail_assistant",
		Name:        "Retail assistant",
		Description: "Routes shopping, stock and order questions to the right specialist and merges their answers",
		Tags:        tags,
		Examples:    examples,
	})
	return card
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a2a.HealthResponse{Status: "ok"})
}

func (s *Server) handleCard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.Card())
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := s.orch.Handle(r.Context(), req.ToQuery())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, orchestrator.ErrEmptyQuery) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleQueryStream streams orchestrator updates as SSE events named by update kind.
func (s *Server) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	params := r.URL.Query()
	req := QueryRequest{
		Query:     params.Get("q"),
		ContextID: params.Get("context_id"),
	}
	if v := params.Get("timeout_ms"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms < 0 {
			http.Error(w, "Invalid timeout_ms", http.StatusBadRequest)
			return
		}
		req.TimeoutMS = ms
	}
	if strings.TrimSpace(req.Query) == "" {
		http.Error(w, orchestrator.ErrEmptyQuery.Error(), http.StatusBadRequest)
		return
	}

	writer, err := sse.Start(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for u := range s.orch.Stream(r.Context(), req.ToQuery()) {
		if err := writer.WriteEvent(string(u.Kind), u); err != nil {
			log.Printf("[server] stream write failed: %v", err)
			return
		}
	}
}

func (s *Server) agents() AgentsResponse {
	list := s.registry.ListAgents()
	infos := make([]AgentInfo, len(list))
	for i, a := range list {
		infos[i] = NewAgentInfo(a)
	}
	return AgentsResponse{Agents: infos, Count: len(infos)}
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.agents())

	case http.MethodPost:
		var params RegisterParams
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil || params.URL == "" {
			http.Error(w, "Invalid request: url is required", http.StatusBadRequest)
			return
		}
		card, err := s.registry.Register(r.Context(), params.URL)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusCreated, card)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) status(ctx context.Context) StatusResponse {
	health := s.registry.Health(ctx)
	resp := StatusResponse{Total: len(health), Agents: health}
	for _, h := range health {
		if h.Online {
			resp.Online++
		}
	}
	switch {
	case resp.Total > 0 && resp.Online == resp.Total:
		resp.Status = "online"
	case resp.Online > 0:
		resp.Status = "degraded"
	default:
		resp.Status = "offline"
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status(r.Context()))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encode response: %v", err)
	}
}
