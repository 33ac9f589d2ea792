// Package transport dispatches A2A messages to specialists over JSON-RPC and SSE.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/retail-a2a/host/internal/sse"
	"github.com/retail-a2a/host/internal/telemetry"
	"github.com/retail-a2a/host/pkg/a2a"
)

const maxBodyBytes = 8 << 20

// ClientConfig holds configuration for the transport client
type ClientConfig struct {
	// ConnectTimeout bounds dialing; request lifetime is governed by the caller's context.
	ConnectTimeout time.Duration `json:"connect_timeout"`
	// UserAgent is sent on every request.
	UserAgent string `json:"user_agent"`
}

// DefaultClientConfig returns a default client configuration
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ConnectTimeout: 10 * time.Second,
		UserAgent:      "hostagent/1.0",
	}
}

// Request is one message dispatched to one agent
type Request struct {
	Message a2a.Message
	// Stream asks for message/stream; honored only when the card supports streaming.
	Stream   bool
	Metadata map[string]any
}

// NewRequest builds a user message request. taskID is set for continuations.
func NewRequest(text, contextID, taskID string, referenceTaskIDs ...string) Request {
	msg := a2a.NewTextMessage(uuid.New().String(), a2a.RoleUser, text, contextID)
	msg.TaskID = taskID
	msg.ReferenceTaskIDs = referenceTaskIDs
	return Request{Message: msg}
}

// Client sends A2A requests
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
	tracer     trace.Tracer
}

// NewClient creates a new transport client with the given configuration
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = 0
	if config.ConnectTimeout > 0 {
		transport.TLSHandshakeTimeout = config.ConnectTimeout
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Transport: transport},
		tracer:     telemetry.Tracer("transport"),
	}
}

// NewClientWithHTTP uses a caller-provided http.Client, e.g. an httptest server's client
func NewClientWithHTTP(config *ClientConfig, httpClient *http.Client) *Client {
	c := NewClient(config)
	if httpClient != nil {
		c.httpClient = httpClient
	}
	return c
}

// Send posts req to the agent described by card. The returned Response must be closed.
func (c *Client) Send(ctx context.Context, card a2a.AgentCard, req Request) (*Response, error) {
	agent := card.Name
	if err := checkProtocolVersion(card); err != nil {
		return nil, err
	}
	if card.URL == "" {
		return nil, a2a.NewError(a2a.KindDispatch, agent, nil, "agent card has no url")
	}

	streaming := req.Stream && card.SupportsStreaming()
	method := a2a.MethodMessageSend
	if streaming {
		method = a2a.MethodMessageStream
	}

	ctx, span := c.tracer.Start(ctx, "transport.send", trace.WithAttributes(
		attribute.String("a2a.agent", agent),
		attribute.String("a2a.method", method),
		attribute.String("a2a.message_id", req.Message.MessageID),
	))

	resp, err := c.send(ctx, agent, card.URL, method, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}
	resp.span = span
	return resp, nil
}

func (c *Client) send(ctx context.Context, agent, url, method string, req Request) (*Response, error) {
	params := a2a.MessageSendParams{
		Message:  req.Message,
		Metadata: req.Metadata,
	}
	if method == a2a.MethodMessageSend {
		params.Configuration = &a2a.MessageSendConfiguration{
			AcceptedOutputModes: []string{"text"},
			Blocking:            true,
		}
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, a2a.NewError(a2a.KindDispatch, agent, err, "failed to marshal params")
	}
	rpcReq := a2a.JSONRPCRequest{
		JSONRPC: a2a.JSONRPCVersion,
		ID:      a2a.NewStringRequestID(uuid.New().String()),
		Method:  method,
		Params:  rawParams,
	}
	reqData, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, a2a.NewError(a2a.KindDispatch, agent, err, "failed to marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqData))
	if err != nil {
		return nil, a2a.NewError(a2a.KindDispatch, agent, err, "failed to create HTTP request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if method == a2a.MethodMessageStream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	if c.config.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.config.UserAgent)
	}
	otelapi.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx, agent)
		}
		return nil, a2a.NewError(a2a.KindDispatch, agent, err, "HTTP request failed")
	}

	if httpResp.StatusCode >= http.StatusInternalServerError {
		httpResp.Body.Close()
		return nil, a2a.NewError(a2a.KindDispatch, agent, nil, "agent returned HTTP %d", httpResp.StatusCode)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		httpResp.Body.Close()
		return nil, a2a.NewError(a2a.KindProtocolMismatch, agent, nil, "agent returned HTTP %d for %s", httpResp.StatusCode, method)
	}

	resp := &Response{agent: agent, ctx: ctx}
	if strings.HasPrefix(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		resp.streaming = true
		resp.body = httpResp.Body
		resp.reader = sse.NewReader(httpResp.Body)
		return resp, nil
	}

	// Plain JSON: either message/send or an agent that answered message/stream without a stream.
	defer httpResp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx, agent)
		}
		return nil, a2a.NewError(a2a.KindDispatch, agent, err, "failed to read response")
	}
	ev, err := decodeFrame(agent, body)
	if err != nil {
		return nil, err
	}
	if !ev.Final {
		return nil, a2a.NewError(a2a.KindAgentFailure, agent, nil, "agent returned non-final state %q to a blocking send", ev.State)
	}
	resp.pending = []Event{ev}
	return resp, nil
}

// checkProtocolVersion rejects cards announcing a different major protocol version.
func checkProtocolVersion(card a2a.AgentCard) error {
	if card.ProtocolVersion == "" {
		return nil
	}
	major := func(v string) string {
		v = strings.TrimPrefix(strings.TrimSpace(v), "v")
		if i := strings.IndexByte(v, '.'); i >= 0 {
			return v[:i]
		}
		return v
	}
	if major(card.ProtocolVersion) != major(a2a.ProtocolVersion) {
		return a2a.NewError(a2a.KindProtocolMismatch, card.Name, nil,
			"agent speaks protocol %s, host speaks %s", card.ProtocolVersion, a2a.ProtocolVersion)
	}
	return nil
}

func contextError(ctx context.Context, agent string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return a2a.NewError(a2a.KindTimeout, agent, ctx.Err(), "deadline exceeded")
	}
	return a2a.NewError(a2a.KindCanceled, agent, ctx.Err(), "request canceled")
}

// decodeFrame turns one JSON-RPC response body into an Event
func decodeFrame(agent string, data []byte) (Event, error) {
	var rpcResp a2a.JSONRPCResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return Event{}, a2a.NewError(a2a.KindMalformedPayload, agent, err, "undecodable response")
	}
	if rpcResp.JSONRPC != a2a.JSONRPCVersion {
		return Event{}, a2a.NewError(a2a.KindProtocolMismatch, agent, nil, "unsupported jsonrpc version %q", rpcResp.JSONRPC)
	}
	if rpcResp.Error != nil {
		switch rpcResp.Error.Code {
		case a2a.JSONRPCInvalidRequest, a2a.JSONRPCMethodNotFound:
			return Event{}, a2a.NewError(a2a.KindProtocolMismatch, agent, rpcResp.Error, "agent rejected request")
		default:
			return Event{}, a2a.NewError(a2a.KindAgentFailure, agent, rpcResp.Error, "agent reported error")
		}
	}
	if len(rpcResp.Result) == 0 {
		return Event{}, a2a.NewError(a2a.KindMalformedPayload, agent, nil, "response has neither result nor error")
	}
	return decodeResult(agent, rpcResp.Result)
}

func decodeResult(agent string, raw json.RawMessage) (Event, error) {
	kind, err := a2a.PeekKind(raw)
	if err != nil {
		return Event{}, a2a.NewError(a2a.KindMalformedPayload, agent, err, "undecodable result")
	}
	malformed := func(err error) (Event, error) {
		return Event{}, a2a.NewError(a2a.KindMalformedPayload, agent, err, "undecodable %s", kind)
	}

	switch kind {
	case a2a.KindTask:
		var task a2a.Task
		if err := json.Unmarshal(raw, &task); err != nil {
			return malformed(err)
		}
		if !task.Status.State.Valid() {
			return malformed(fmt.Errorf("unknown task state %q", task.Status.State))
		}
		return Event{
			Kind:      kind,
			TaskID:    task.ID,
			ContextID: task.ContextID,
			State:     task.Status.State,
			Message:   task.Status.Message,
			Artifacts: task.Artifacts,
			Final:     settled(task.Status.State),
		}, nil
	case a2a.KindMessage:
		var msg a2a.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return malformed(err)
		}
		return Event{
			Kind:      kind,
			TaskID:    msg.TaskID,
			ContextID: msg.ContextID,
			State:     a2a.TaskStateCompleted,
			Message:   &msg,
			Final:     true,
		}, nil
	case a2a.KindStatusUpdate:
		var update a2a.TaskStatusUpdateEvent
		if err := json.Unmarshal(raw, &update); err != nil {
			return malformed(err)
		}
		if !update.Status.State.Valid() {
			return malformed(fmt.Errorf("unknown task state %q", update.Status.State))
		}
		return Event{
			Kind:      kind,
			TaskID:    update.TaskID,
			ContextID: update.ContextID,
			State:     update.Status.State,
			Message:   update.Status.Message,
			Final:     update.Final || settled(update.Status.State),
		}, nil
	case a2a.KindArtifactUpdate:
		var update a2a.TaskArtifactUpdateEvent
		if err := json.Unmarshal(raw, &update); err != nil {
			return malformed(err)
		}
		return Event{
			Kind:      kind,
			TaskID:    update.TaskID,
			ContextID: update.ContextID,
			Artifacts: []a2a.Artifact{update.Artifact},
			Append:    update.Append,
			LastChunk: update.LastChunk,
		}, nil
	default:
		return malformed(fmt.Errorf("unknown result kind %q", kind))
	}
}

func settled(state a2a.TaskState) bool {
	return state.Terminal() || state == a2a.TaskStateInputRequired
}
