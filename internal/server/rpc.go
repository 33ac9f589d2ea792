package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/retail-a2a/host/internal/orchestrator"
	"github.com/retail-a2a/host/internal/registry"
	"github.com/retail-a2a/host/pkg/a2a"
)

// Host management methods served on /api/v1/rpc
const (
	MethodQuery    = "host.query"
	MethodAgents   = "host.agents"
	MethodStatus   = "host.status"
	MethodRegister = "host.register"
	MethodRefresh  = "host.refresh"
)

func (s *Server) decodeJSONRPC(w http.ResponseWriter, r *http.Request) (*a2a.JSONRPCRequest, bool) {
	var req a2a.JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONRPCError(w, a2a.RequestID{}, a2a.JSONRPCParseError, "Parse error", err.Error())
		return nil, false
	}
	if req.JSONRPC != a2a.JSONRPCVersion {
		s.sendJSONRPCError(w, req.ID, a2a.JSONRPCInvalidRequest, "Invalid JSON-RPC version", nil)
		return nil, false
	}
	return &req, true
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendJSONRPCError(w, a2a.RequestID{}, a2a.JSONRPCInvalidRequest, "Method not allowed", nil)
		return
	}

	req, ok := s.decodeJSONRPC(w, r)
	if !ok {
		return
	}

	switch req.Method {
	case MethodQuery:
		s.handleRPCQuery(w, r, req)
	case MethodAgents:
		s.sendJSONRPCSuccess(w, req.ID, s.agents())
	case MethodStatus:
		s.sendJSONRPCSuccess(w, req.ID, s.status(r.Context()))
	case MethodRegister:
		s.handleRPCRegister(w, r, req)
	case MethodRefresh:
		s.handleRPCRefresh(w, r, req)
	default:
		s.sendJSONRPCError(w, req.ID, a2a.JSONRPCMethodNotFound, "Method not found", req.Method)
	}
}

// handleRPCQuery implements host.query. Unlike message/send, a failed query
// is still a successful call: the response carries the failure.
func (s *Server) handleRPCQuery(w http.ResponseWriter, r *http.Request, req *a2a.JSONRPCRequest) {
	var params QueryRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendJSONRPCError(w, req.ID, a2a.JSONRPCInvalidParams, "Invalid params", err.Error())
		return
	}

	resp, err := s.orch.Handle(r.Context(), params.ToQuery())
	if err != nil {
		code := a2a.JSONRPCInternalError
		if errors.Is(err, orchestrator.ErrEmptyQuery) {
			code = a2a.JSONRPCInvalidParams
		}
		s.sendJSONRPCError(w, req.ID, code, err.Error(), nil)
		return
	}
	s.sendJSONRPCSuccess(w, req.ID, resp)
}

// handleRPCRegister implements host.register
func (s *Server) handleRPCRegister(w http.ResponseWriter, r *http.Request, req *a2a.JSONRPCRequest) {
	var params RegisterParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URL == "" {
		s.sendJSONRPCError(w, req.ID, a2a.JSONRPCInvalidParams, "Invalid params", "url is required")
		return
	}

	card, err := s.registry.Register(r.Context(), params.URL)
	if err != nil {
		s.sendJSONRPCError(w, req.ID, a2a.JSONRPCInternalError, err.Error(), nil)
		return
	}
	log.Printf("[rpc] registered %s at %s", card.Name, params.URL)
	s.sendJSONRPCSuccess(w, req.ID, card)
}

// handleRPCRefresh implements host.refresh
func (s *Server) handleRPCRefresh(w http.ResponseWriter, r *http.Request, req *a2a.JSONRPCRequest) {
	var params RegisterParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		s.sendJSONRPCError(w, req.ID, a2a.JSONRPCInvalidParams, "Invalid params", "name is required")
		return
	}

	card, err := s.registry.Refresh(r.Context(), params.Name)
	if err != nil {
		code := a2a.JSONRPCInternalError
		if errors.Is(err, registry.ErrAgentNotFound) {
			code = a2a.JSONRPCInvalidParams
		}
		s.sendJSONRPCError(w, req.ID, code, err.Error(), nil)
		return
	}
	s.sendJSONRPCSuccess(w, req.ID, card)
}

// sendJSONRPCSuccess sends a successful JSON-RPC response
func (s *Server) sendJSONRPCSuccess(w http.ResponseWriter, id a2a.RequestID, result interface{}) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		s.sendJSONRPCError(w, id, a2a.JSONRPCInternalError, "Failed to marshal result", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, a2a.JSONRPCResponse{
		JSONRPC: a2a.JSONRPCVersion,
		Result:  resultJSON,
		ID:      id,
	})
}

// sendJSONRPCError sends a JSON-RPC error response
func (s *Server) sendJSONRPCError(w http.ResponseWriter, id a2a.RequestID, code int, message string, data interface{}) {
	resp := a2a.JSONRPCResponse{
		JSONRPC: a2a.JSONRPCVersion,
		Error: &a2a.JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}

	writeJSON(w, http.StatusOK, resp) // JSON-RPC errors are still HTTP 200
}
