// Package specialisttest runs a scriptable A2A specialist on httptest for tests.
package specialisttest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/retail-a2a/host/internal/sse"
	"github.com/retail-a2a/host/pkg/a2a"
)

// Behavior selects how the agent answers message/send and message/stream
type Behavior string

const (
	// Complete answers with the reply and state completed.
	Complete Behavior = "complete"
	// Fail reports state failed with the reply as reason.
	Fail Behavior = "fail"
	// InputRequired asks a clarification question.
	InputRequired Behavior = "input-required"
	// Hang never answers until the request is canceled or Release is called.
	Hang Behavior = "hang"
	// Truncate streams partials then closes without a final event, or cuts a send body short.
	Truncate Behavior = "truncate"
	// Malformed returns a body that is not JSON.
	Malformed Behavior = "malformed"
	// RPCError returns a JSON-RPC error object (see WithRPCError).
	RPCError Behavior = "rpc-error"
	// Unavailable returns HTTP 503.
	Unavailable Behavior = "unavailable"
	// WrongVersion answers with jsonrpc "1.0".
	WrongVersion Behavior = "wrong-version"
	// ReplyMessage answers with a bare message instead of a task.
	ReplyMessage Behavior = "message"
)

// Agent is a fake specialist
type Agent struct {
	Server *httptest.Server

	mu        sync.Mutex
	card      a2a.AgentCard
	behavior  Behavior
	reply     func(text string) string
	partials  []string
	delay     time.Duration
	failFirst int
	rpcCode   int
	rpcMsg    string
	cardDown  bool
	messages  []a2a.Message
	methods   []string
	cardHits  int
	release   chan struct{}
	closeOnce sync.Once
	stopOnce  sync.Once
}

// Option configures an Agent
type Option func(*Agent)

// WithSkills replaces the advertised skills
func WithSkills(skills ...a2a.AgentSkill) Option {
	return func(a *Agent) { a.card.Skills = skills }
}

// WithDescription sets the card description
func WithDescription(desc string) Option {
	return func(a *Agent) { a.card.Description = desc }
}

// WithStreaming toggles capabilities.streaming
func WithStreaming(on bool) Option {
	return func(a *Agent) { a.card.Capabilities.Streaming = on }
}

// WithProtocolVersion overrides the advertised protocol version
func WithProtocolVersion(v string) Option {
	return func(a *Agent) { a.card.ProtocolVersion = v }
}

// WithBehavior sets the initial behavior
func WithBehavior(b Behavior) Option {
	return func(a *Agent) { a.behavior = b }
}

// WithReply sets the function producing the answer text from the inbound text
func WithReply(fn func(text string) string) Option {
	return func(a *Agent) { a.reply = fn }
}

// WithPartials streams these working messages before the final event
func WithPartials(partials ...string) Option {
	return func(a *Agent) { a.partials = partials }
}

// WithDelay waits before answering
func WithDelay(d time.Duration) Option {
	return func(a *Agent) { a.delay = d }
}

// WithFailFirst answers the first n dispatches with HTTP 503
func WithFailFirst(n int) Option {
	return func(a *Agent) { a.failFirst = n }
}

// WithRPCError sets the code and message used by the RPCError behavior
func WithRPCError(code int, msg string) Option {
	return func(a *Agent) {
		a.behavior = RPCError
		a.rpcCode = code
		a.rpcMsg = msg
	}
}

// New starts a fake specialist named name. It is closed by t.Cleanup when t is non-nil.
func New(t interface{ Cleanup(func()) }, name string, opts ...Option) *Agent {
	a := &Agent{
		card: a2a.AgentCard{
			Name:            name,
			Description:     name + " specialist",
			Version:         "1.0.0",
			ProtocolVersion: a2a.ProtocolVersion,
			Skills: []a2a.AgentSkill{{
				ID:   strings.ReplaceAll(strings.ToLower(name), " ", "_"),
				Name: name,
			}},
			DefaultInputModes:  []string{"text"},
			DefaultOutputModes: []string{"text"},
		},
		behavior: Complete,
		reply:    func(text string) string { return name + ": " + text },
		rpcCode:  a2a.JSONRPCInternalError,
		rpcMsg:   "internal error",
		release:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(a2a.WellKnownCardPath, a.handleCard)
	mux.HandleFunc("/", a.handleRPC)
	a.Server = httptest.NewServer(mux)
	a.card.URL = a.Server.URL + "/"

	if t != nil {
		t.Cleanup(a.Close)
	}
	return a
}

// URL returns the base endpoint
func (a *Agent) URL() string {
	return a.Server.URL
}

// Card returns the currently advertised card
func (a *Agent) Card() a2a.AgentCard {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.card.Clone()
}

// SetCard replaces the advertised card; the URL is kept
func (a *Agent) SetCard(card a2a.AgentCard) {
	a.mu.Lock()
	defer a.mu.Unlock()
	card.URL = a.card.URL
	a.card = card
}

// SetBehavior switches behavior for subsequent requests
func (a *Agent) SetBehavior(b Behavior) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.behavior = b
}

// SetCardAvailable makes the discovery endpoint answer 503 when false
func (a *Agent) SetCardAvailable(on bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cardDown = !on
}

// Messages returns every message received, in arrival order
func (a *Agent) Messages() []a2a.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]a2a.Message(nil), a.messages...)
}

// Methods returns the JSON-RPC methods called, in arrival order
func (a *Agent) Methods() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.methods...)
}

// Dispatches counts message/send and message/stream calls
func (a *Agent) Dispatches() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.methods)
}

// CardFetches counts discovery requests
func (a *Agent) CardFetches() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cardHits
}

// Release unblocks every hanging request
func (a *Agent) Release() {
	a.closeOnce.Do(func() { close(a.release) })
}

// Close releases hanging requests and stops the server
func (a *Agent) Close() {
	a.stopOnce.Do(func() {
		a.Release()
		a.Server.CloseClientConnections()
		a.Server.Close()
	})
}

func (a *Agent) handleCard(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.cardHits++
	down := a.cardDown
	card := a.card.Clone()
	a.mu.Unlock()

	if down {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(card)
}

type script struct {
	behavior Behavior
	reply    string
	partials []string
	delay    time.Duration
	rpcCode  int
	rpcMsg   string
	unavail  bool
}

func (a *Agent) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req a2a.JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, a2a.JSONRPCResponse{
			JSONRPC: a2a.JSONRPCVersion,
			Error:   &a2a.JSONRPCError{Code: a2a.JSONRPCParseError, Message: "Parse error"},
		})
		return
	}
	if req.Method != a2a.MethodMessageSend && req.Method != a2a.MethodMessageStream {
		writeRPC(w, a2a.JSONRPCResponse{
			JSONRPC: a2a.JSONRPCVersion,
			ID:      req.ID,
			Error:   &a2a.JSONRPCError{Code: a2a.JSONRPCMethodNotFound, Message: "Method not found"},
		})
		return
	}
	var params a2a.MessageSendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeRPC(w, a2a.JSONRPCResponse{
			JSONRPC: a2a.JSONRPCVersion,
			ID:      req.ID,
			Error:   &a2a.JSONRPCError{Code: a2a.JSONRPCInvalidParams, Message: "Invalid params"},
		})
		return
	}

	a.mu.Lock()
	a.messages = append(a.messages, params.Message)
	a.methods = append(a.methods, req.Method)
	sc := script{
		behavior: a.behavior,
		reply:    a.reply(params.Message.Text()),
		partials: append([]string(nil), a.partials...),
		delay:    a.delay,
		rpcCode:  a.rpcCode,
		rpcMsg:   a.rpcMsg,
	}
	if a.failFirst > 0 {
		a.failFirst--
		sc.unavail = true
	}
	a.mu.Unlock()

	if sc.unavail || sc.behavior == Unavailable {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	if sc.delay > 0 {
		select {
		case <-time.After(sc.delay):
		case <-r.Context().Done():
			return
		case <-a.release:
		}
	}
	if sc.behavior == Hang {
		select {
		case <-r.Context().Done():
		case <-a.release:
		}
		return
	}

	taskID := params.Message.TaskID
	if taskID == "" {
		taskID = uuid.New().String()
	}
	contextID := params.Message.ContextID
	if contextID == "" {
		contextID = uuid.New().String()
	}

	if req.Method == a2a.MethodMessageStream {
		a.stream(w, req.ID, taskID, contextID, sc)
		return
	}
	a.send(w, req.ID, taskID, contextID, sc)
}

func (a *Agent) send(w http.ResponseWriter, id a2a.RequestID, taskID, contextID string, sc script) {
	switch sc.behavior {
	case Malformed:
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("this is not json"))
		return
	case Truncate:
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"x","result":{"kind":"task","id":`))
		return
	case RPCError:
		writeRPC(w, a2a.JSONRPCResponse{
			JSONRPC: a2a.JSONRPCVersion,
			ID:      id,
			Error:   &a2a.JSONRPCError{Code: sc.rpcCode, Message: sc.rpcMsg},
		})
		return
	}

	var result any
	if sc.behavior == ReplyMessage {
		msg := a2a.NewTextMessage(uuid.New().String(), a2a.RoleAgent, sc.reply, contextID)
		result = msg
	} else {
		result = finalTask(taskID, contextID, sc)
	}
	raw, _ := json.Marshal(result)
	resp := a2a.JSONRPCResponse{JSONRPC: a2a.JSONRPCVersion, ID: id, Result: raw}
	if sc.behavior == WrongVersion {
		resp.JSONRPC = "1.0"
	}
	writeRPC(w, resp)
}

func (a *Agent) stream(w http.ResponseWriter, id a2a.RequestID, taskID, contextID string, sc script) {
	switch sc.behavior {
	case RPCError:
		writeRPC(w, a2a.JSONRPCResponse{
			JSONRPC: a2a.JSONRPCVersion,
			ID:      id,
			Error:   &a2a.JSONRPCError{Code: sc.rpcCode, Message: sc.rpcMsg},
		})
		return
	}

	writer, err := sse.Start(w)
	if err != nil {
		return
	}
	version := a2a.JSONRPCVersion
	if sc.behavior == WrongVersion {
		version = "1.0"
	}
	emit := func(result any) {
		raw, _ := json.Marshal(result)
		_ = writer.WriteEvent("", a2a.JSONRPCResponse{JSONRPC: version, ID: id, Result: raw})
	}

	if sc.behavior == Malformed {
		_ = writer.WriteRaw("", []byte("{not json"))
		return
	}

	_ = writer.WriteComment("stream open")
	emit(a2a.Task{
		Kind:      a2a.KindTask,
		ID:        taskID,
		ContextID: contextID,
		Status:    a2a.TaskStatus{State: a2a.TaskStateSubmitted, Timestamp: a2a.Timestamp(time.Now())},
	})
	for _, p := range sc.partials {
		msg := a2a.NewTextMessage(uuid.New().String(), a2a.RoleAgent, p, contextID)
		msg.TaskID = taskID
		emit(a2a.TaskStatusUpdateEvent{
			Kind:      a2a.KindStatusUpdate,
			TaskID:    taskID,
			ContextID: contextID,
			Status:    a2a.TaskStatus{State: a2a.TaskStateWorking, Message: &msg, Timestamp: a2a.Timestamp(time.Now())},
		})
	}
	if sc.behavior == Truncate {
		return
	}

	if sc.behavior == Complete || sc.behavior == WrongVersion {
		emit(a2a.TaskArtifactUpdateEvent{
			Kind:      a2a.KindArtifactUpdate,
			TaskID:    taskID,
			ContextID: contextID,
			Artifact: a2a.Artifact{
				ArtifactID: uuid.New().String(),
				Name:       "response",
				Parts:      []a2a.Part{a2a.TextPart(sc.reply)},
			},
			LastChunk: true,
		})
	}
	if sc.behavior == ReplyMessage {
		msg := a2a.NewTextMessage(uuid.New().String(), a2a.RoleAgent, sc.reply, contextID)
		emit(msg)
		return
	}

	final := finalTask(taskID, contextID, sc)
	status := final.Status
	if sc.behavior == Complete || sc.behavior == WrongVersion {
		status.Message = nil
	}
	emit(a2a.TaskStatusUpdateEvent{
		Kind:      a2a.KindStatusUpdate,
		TaskID:    taskID,
		ContextID: contextID,
		Status:    status,
		Final:     true,
	})
}

func finalTask(taskID, contextID string, sc script) a2a.Task {
	task := a2a.Task{
		Kind:      a2a.KindTask,
		ID:        taskID,
		ContextID: contextID,
	}
	now := a2a.Timestamp(time.Now())
	msg := a2a.NewTextMessage(uuid.New().String(), a2a.RoleAgent, sc.reply, contextID)
	msg.TaskID = taskID

	switch sc.behavior {
	case Fail:
		task.Status = a2a.TaskStatus{State: a2a.TaskStateFailed, Message: &msg, Timestamp: now}
	case InputRequired:
		task.Status = a2a.TaskStatus{State: a2a.TaskStateInputRequired, Message: &msg, Timestamp: now}
	default:
		task.Status = a2a.TaskStatus{State: a2a.TaskStateCompleted, Timestamp: now}
		task.Artifacts = []a2a.Artifact{{
			ArtifactID: uuid.New().String(),
			Name:       "response",
			Parts:      []a2a.Part{a2a.TextPart(sc.reply)},
		}}
	}
	return task
}

func writeRPC(w http.ResponseWriter, resp a2a.JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, fmt.Sprintf("encode: %v", err), http.StatusInternalServerError)
	}
}
