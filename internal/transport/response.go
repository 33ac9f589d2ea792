package transport

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/retail-a2a/host/internal/sse"
	"github.com/retail-a2a/host/pkg/a2a"
)

// Event is one update received from an agent
type Event struct {
	Kind      string
	TaskID    string
	ContextID string
	// State is empty for artifact updates.
	State     a2a.TaskState
	Message   *a2a.Message
	Artifacts []a2a.Artifact
	Append    bool
	LastChunk bool
	// Final marks the last event of the response.
	Final     bool
}

// Response is the pull-based sequence of events for one Send
type Response struct {
	agent     string
	ctx       context.Context
	streaming bool
	pending   []Event
	body      io.ReadCloser
	reader    *sse.Reader
	span      trace.Span

	// mu serializes Next; Close only takes bodyMu so it can interrupt a blocked read.
	mu       sync.Mutex
	done     bool
	err      error
	bodyMu   sync.Mutex
	closed   bool
	spanOnce sync.Once
}

// Streaming reports whether events arrive over server-sent events
func (r *Response) Streaming() bool {
	return r.streaming
}

// Next returns the next event. After the final event it returns io.EOF.
// A stream that ends without a final event yields a truncated_stream error.
func (r *Response) Next() (Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return Event{}, r.err
	}
	if r.done {
		return Event{}, io.EOF
	}
	// A canceled or closed response yields nothing more, even events already buffered.
	if r.ctx.Err() != nil {
		return Event{}, r.finish(contextError(r.ctx, r.agent))
	}
	if r.isClosed() {
		return Event{}, r.finish(a2a.NewError(a2a.KindCanceled, r.agent, nil, "response closed"))
	}

	if !r.streaming {
		if len(r.pending) == 0 {
			return Event{}, r.finish(io.EOF)
		}
		ev := r.pending[0]
		r.pending = r.pending[1:]
		if ev.Final {
			r.done = true
			r.endSpan(ev.State, nil)
		}
		return ev, nil
	}

	for {
		frame, err := r.reader.Next()
		if err != nil {
			return Event{}, r.finish(r.readError(err))
		}
		if len(strings.TrimSpace(string(frame.Data))) == 0 {
			continue
		}
		ev, err := decodeFrame(r.agent, frame.Data)
		if err != nil {
			return Event{}, r.finish(err)
		}
		if ev.Final {
			r.done = true
			r.closeBody()
			r.endSpan(ev.State, nil)
		}
		return ev, nil
	}
}

func (r *Response) readError(err error) error {
	if r.ctx.Err() != nil {
		return contextError(r.ctx, r.agent)
	}
	if r.isClosed() {
		return a2a.NewError(a2a.KindCanceled, r.agent, err, "response closed")
	}
	if errors.Is(err, sse.ErrFrameTooLarge) {
		return a2a.NewError(a2a.KindMalformedPayload, r.agent, err, "oversized stream event")
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return a2a.NewError(a2a.KindTruncatedStream, r.agent, nil, "stream closed before final event")
	}
	return a2a.NewError(a2a.KindTruncatedStream, r.agent, err, "stream interrupted")
}

// finish records a sticky error and releases the connection.
func (r *Response) finish(err error) error {
	if err == io.EOF {
		r.done = true
		r.closeBody()
		r.endSpan("", nil)
		return err
	}
	r.err = err
	r.closeBody()
	r.endSpan("", err)
	return err
}

func (r *Response) closeBody() {
	r.bodyMu.Lock()
	defer r.bodyMu.Unlock()
	if r.body != nil && !r.closed {
		_ = r.body.Close()
	}
	r.closed = true
}

func (r *Response) isClosed() bool {
	r.bodyMu.Lock()
	defer r.bodyMu.Unlock()
	return r.closed
}

func (r *Response) endSpan(state a2a.TaskState, err error) {
	r.spanOnce.Do(func() {
		if r.span == nil {
			return
		}
		if state != "" {
			r.span.SetAttributes(attribute.String("a2a.task_state", string(state)))
		}
		if err != nil {
			r.span.RecordError(err)
			r.span.SetStatus(codes.Error, err.Error())
		}
		r.span.End()
	})
}

// Close stops the response and closes any server push channel. It is safe to
// call more than once and concurrently with Next.
func (r *Response) Close() error {
	r.closeBody()
	r.endSpan("", nil)
	return nil
}

// Result is the collapsed outcome of a response
type Result struct {
	TaskID    string
	ContextID string
	State     a2a.TaskState
	// Messages holds every agent message in arrival order, final status message last.
	Messages  []a2a.Message
	Artifacts []a2a.Artifact
}

// Text returns the artifact text, or the last message text when no artifact carries any.
func (res Result) Text() string {
	var parts []string
	for _, a := range res.Artifacts {
		if t := a.Text(); t != "" {
			parts = append(parts, t)
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, "\n")
	}
	if n := len(res.Messages); n > 0 {
		return res.Messages[n-1].Text()
	}
	return ""
}

// Apply folds one event into the result
func (res *Result) Apply(ev Event) {
	if ev.TaskID != "" {
		res.TaskID = ev.TaskID
	}
	if ev.ContextID != "" {
		res.ContextID = ev.ContextID
	}
	if ev.State != "" {
		res.State = ev.State
	}
	if ev.Message != nil {
		res.Messages = append(res.Messages, *ev.Message)
	}
	for _, a := range ev.Artifacts {
		res.Artifacts = mergeArtifact(res.Artifacts, a, ev.Append)
	}
}

func mergeArtifact(list []a2a.Artifact, a a2a.Artifact, appendParts bool) []a2a.Artifact {
	for i := range list {
		if list[i].ArtifactID == a.ArtifactID && a.ArtifactID != "" {
			if appendParts {
				list[i].Parts = append(list[i].Parts, a.Parts...)
			} else {
				list[i] = a
			}
			return list
		}
	}
	return append(list, a)
}

// Collect drains resp into a single result and closes it
func Collect(resp *Response) (Result, error) {
	defer resp.Close()

	var res Result
	for {
		ev, err := resp.Next()
		if err == io.EOF {
			return res, nil
		}
		if err != nil {
			return res, err
		}
		res.Apply(ev)
	}
}
