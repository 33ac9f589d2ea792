package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/retail-a2a/host/internal/orchestrator"
	"github.com/retail-a2a/host/internal/sse"
	"github.com/retail-a2a/host/pkg/a2a"
)

// continuationKey is the message metadata key a client uses to answer a
// specialist's clarification request
const continuationKey = "continuation"

// handleA2A serves the host's own A2A endpoint so other agents can call it
// the same way it calls its specialists.
func (s *Server) handleA2A(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		s.sendJSONRPCError(w, a2a.RequestID{}, a2a.JSONRPCInvalidRequest, "Method not allowed", nil)
		return
	}

	req, ok := s.decodeJSONRPC(w, r)
	if !ok {
		return
	}
	if req.Method != a2a.MethodMessageSend && req.Method != a2a.MethodMessageStream {
		s.sendJSONRPCError(w, req.ID, a2a.JSONRPCMethodNotFound, "Method not found", req.Method)
		return
	}

	var params a2a.MessageSendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendJSONRPCError(w, req.ID, a2a.JSONRPCInvalidParams, "Invalid params", err.Error())
		return
	}
	q, err := queryFromMessage(params)
	if err != nil {
		s.sendJSONRPCError(w, req.ID, a2a.JSONRPCInvalidParams, "Invalid params", err.Error())
		return
	}

	if req.Method == a2a.MethodMessageStream {
		s.streamMessage(w, r, req.ID, q)
		return
	}

	resp, err := s.orch.Handle(r.Context(), q)
	if err != nil {
		s.sendJSONRPCError(w, req.ID, a2a.JSONRPCInvalidParams, err.Error(), nil)
		return
	}
	switch resp.Status {
	case a2a.StatusNoCapableAgent:
		s.sendJSONRPCError(w, req.ID, a2a.JSONRPCNoCapableAgent, resp.Text, resp)
	case a2a.StatusFailed:
		s.sendJSONRPCError(w, req.ID, a2a.JSONRPCQueryFailed, resp.Text, resp)
	default:
		s.sendJSONRPCSuccess(w, req.ID, responseTask(resp))
	}
}

// queryFromMessage builds a query from an inbound A2A message. The message's
// context id is kept so follow-ups stay in the same conversation.
func queryFromMessage(params a2a.MessageSendParams) (a2a.Query, error) {
	text := params.Message.Text()
	if strings.TrimSpace(text) == "" {
		return a2a.Query{}, orchestrator.ErrEmptyQuery
	}
	q := orchestrator.NewQuery(text, params.Message.ContextID, 0)

	raw, ok := params.Metadata[continuationKey]
	if !ok {
		return q, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return a2a.Query{}, err
	}
	var c a2a.Continuation
	if err := json.Unmarshal(data, &c); err != nil {
		return a2a.Query{}, err
	}
	if c.Agent != "" {
		q.Continuation = &c
	}
	return q, nil
}

// responseTask reports an aggregated response as a host task. Its id is the query id.
func responseTask(resp *a2a.AggregatedResponse) a2a.Task {
	now := a2a.Timestamp(time.Now())
	msg := responseMessage(resp)

	task := a2a.Task{
		Kind:      a2a.KindTask,
		ID:        resp.QueryID,
		ContextID: resp.ContextID,
		Status:    a2a.TaskStatus{State: responseState(resp.Status), Message: &msg, Timestamp: now},
	}
	if resp.Status != a2a.StatusInputRequired {
		task.Artifacts = []a2a.Artifact{responseArtifact(resp)}
	}
	return task
}

func responseState(status a2a.ResponseStatus) a2a.TaskState {
	switch status {
	case a2a.StatusCompleted, a2a.StatusPartial:
		return a2a.TaskStateCompleted
	case a2a.StatusInputRequired:
		return a2a.TaskStateInputRequired
	default:
		return a2a.TaskStateFailed
	}
}

// responseMessage carries the merged text plus a data part describing the
// outcome. When a specialist asked for input the data part holds the
// continuation the caller must send back.
func responseMessage(resp *a2a.AggregatedResponse) a2a.Message {
	msg := a2a.NewTextMessage(uuid.New().String(), a2a.RoleAgent, resp.Text, resp.ContextID)
	msg.TaskID = resp.QueryID

	data := map[string]any{"status": string(resp.Status)}
	for _, slot := range resp.Slots {
		if slot.Status == a2a.SlotInputRequired {
			data[continuationKey] = map[string]any{"agent": slot.Agent, "task_id": slot.RemoteTaskID}
			break
		}
	}
	msg.Parts = append(msg.Parts, a2a.DataPart(data))
	return msg
}

func responseArtifact(resp *a2a.AggregatedResponse) a2a.Artifact {
	return a2a.Artifact{
		ArtifactID: resp.QueryID,
		Name:       "response",
		Parts:      []a2a.Part{a2a.TextPart(resp.Text)},
	}
}

// streamMessage answers message/stream with a task, working status updates
// for specialist progress, the response artifact and a final status update.
func (s *Server) streamMessage(w http.ResponseWriter, r *http.Request, id a2a.RequestID, q a2a.Query) {
	writer, err := sse.Start(w)
	if err != nil {
		s.sendJSONRPCError(w, id, a2a.JSONRPCInternalError, err.Error(), nil)
		return
	}
	emit := func(result any) error {
		raw, err := json.Marshal(result)
		if err != nil {
			return err
		}
		return writer.WriteEvent("", a2a.JSONRPCResponse{JSONRPC: a2a.JSONRPCVersion, ID: id, Result: raw})
	}

	if err := emit(a2a.Task{
		Kind:      a2a.KindTask,
		ID:        q.ID,
		ContextID: q.ContextID,
		Status:    a2a.TaskStatus{State: a2a.TaskStateSubmitted, Timestamp: a2a.Timestamp(time.Now())},
	}); err != nil {
		log.Printf("[a2a] stream %s: %v", q.ID, err)
		return
	}

	for u := range s.orch.Stream(r.Context(), q) {
		var err error
		switch u.Kind {
		case orchestrator.UpdateMessage, orchestrator.UpdateArtifact:
			if u.Text == "" {
				continue
			}
			msg := a2a.NewTextMessage(uuid.New().String(), a2a.RoleAgent, u.Agent+": "+u.Text, q.ContextID)
			msg.TaskID = q.ID
			err = emit(a2a.TaskStatusUpdateEvent{
				Kind:      a2a.KindStatusUpdate,
				TaskID:    q.ID,
				ContextID: q.ContextID,
				Status:    a2a.TaskStatus{State: a2a.TaskStateWorking, Message: &msg, Timestamp: a2a.Timestamp(time.Now())},
			})

		case orchestrator.UpdateResponse:
			resp := u.Response
			if resp.Status != a2a.StatusInputRequired {
				err = emit(a2a.TaskArtifactUpdateEvent{
					Kind:      a2a.KindArtifactUpdate,
					TaskID:    q.ID,
					ContextID: q.ContextID,
					Artifact:  responseArtifact(resp),
					LastChunk: true,
				})
			}
			if err == nil {
				msg := responseMessage(resp)
				err = emit(a2a.TaskStatusUpdateEvent{
					Kind:      a2a.KindStatusUpdate,
					TaskID:    q.ID,
					ContextID: q.ContextID,
					Status:    a2a.TaskStatus{State: responseState(resp.Status), Message: &msg, Timestamp: a2a.Timestamp(time.Now())},
					Final:     true,
				})
			}

		case orchestrator.UpdateError:
			msg := "query failed"
			if u.Error != nil {
				msg = u.Error.Message
			}
			err = writer.WriteEvent("", a2a.JSONRPCResponse{
				JSONRPC: a2a.JSONRPCVersion,
				ID:      id,
				Error:   &a2a.JSONRPCError{Code: a2a.JSONRPCInternalError, Message: msg},
			})
		}
		if err != nil {
			log.Printf("[a2a] stream %s: %v", q.ID, err)
			return
		}
	}
}
