package orchestrator

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/retail-a2a/host/internal/router"
	"github.com/retail-a2a/host/internal/task"
	"github.com/retail-a2a/host/pkg/a2a"
)

const (
	streamBuffer = 64
	dropTimeout  = 100 * time.Millisecond
)

// UpdateKind identifies a stream update
type UpdateKind string

const (
	UpdateRouted   UpdateKind = "routed"
	UpdateTask     UpdateKind = "task"
	UpdateMessage  UpdateKind = "message"
	UpdateArtifact UpdateKind = "artifact"
	UpdateResponse UpdateKind = "response"
	UpdateError    UpdateKind = "error"
)

// Route is one routing decision as reported to stream readers
type Route struct {
	Agent string       `json:"agent"`
	Score float64      `json:"score"`
	Mode  a2a.CallMode `json:"mode"`
}

// Update is one step in the live construction of a response
type Update struct {
	Kind     UpdateKind              `json:"kind"`
	QueryID  string                  `json:"query_id"`
	Routes   []Route                 `json:"routes,omitempty"`
	Agent    string                  `json:"agent,omitempty"`
	TaskID   string                  `json:"task_id,omitempty"`
	Attempt  int                     `json:"attempt,omitempty"`
	State    a2a.TaskState           `json:"state,omitempty"`
	Text     string                  `json:"text,omitempty"`
	Error    *a2a.ErrorDescriptor    `json:"error,omitempty"`
	Response *a2a.AggregatedResponse `json:"response,omitempty"`
}

// Final reports whether u is the last update of its stream
func (u Update) Final() bool {
	return u.Kind == UpdateResponse || u.Kind == UpdateError
}

func routedUpdate(queryID string, selections []router.Selection) Update {
	routes := make([]Route, len(selections))
	for i, s := range selections {
		routes[i] = Route{Agent: s.Agent.Name, Score: s.Score, Mode: s.Mode}
	}
	return Update{Kind: UpdateRouted, QueryID: queryID, Routes: routes}
}

func taskUpdate(queryID string, ev task.Event) Update {
	u := Update{
		Kind:    UpdateTask,
		QueryID: queryID,
		Agent:   ev.Agent,
		TaskID:  ev.TaskID,
		Attempt: ev.Attempt,
		State:   ev.State,
		Error:   ev.Error,
	}
	switch ev.Kind {
	case task.EventMessage:
		u.Kind = UpdateMessage
		if ev.Message != nil {
			u.Text = ev.Message.Text()
		}
	case task.EventArtifact:
		u.Kind = UpdateArtifact
		if ev.Artifact != nil {
			u.Text = ev.Artifact.Text()
		}
	}
	return u
}

// emitter fans task events from many goroutines into one channel. emit never
// blocks the caller: updates queue up to a bound and a forwarding goroutine
// hands them to the reader, dropping progress the reader is too slow to take.
type emitter struct {
	out     chan Update
	wake    chan struct{}
	limit   int
	dropped atomic.Uint64

	mu     sync.Mutex
	queue  []Update
	closed bool
	last   *Update
}

// newEmitter starts the forwarding goroutine; it stops once the final update
// is delivered or ctx ends.
func newEmitter(ctx context.Context, size int) *emitter {
	e := &emitter{
		out:   make(chan Update, size),
		wake:  make(chan struct{}, 1),
		limit: size,
	}
	go e.forward(ctx)
	return e
}

func (e *emitter) updates() <-chan Update {
	return e.out
}

func (e *emitter) emit(u Update) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if len(e.queue) >= e.limit {
		e.mu.Unlock()
		e.drop(u)
		return
	}
	e.queue = append(e.queue, u)
	e.mu.Unlock()
	e.signal()
}

// finish queues u as the last update; later emits are ignored.
func (e *emitter) finish(u Update) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.last = &u
	e.mu.Unlock()
	e.signal()
}

func (e *emitter) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *emitter) drop(u Update) {
	if n := e.dropped.Add(1); n%10 == 1 {
		log.Printf("[orchestrator] stream reader is slow, dropped %d update(s), last kind=%s", n, u.Kind)
	}
}

func (e *emitter) forward(ctx context.Context) {
	defer close(e.out)
	for {
		e.mu.Lock()
		if len(e.queue) > 0 {
			u := e.queue[0]
			e.queue = e.queue[1:]
			e.mu.Unlock()
			e.deliver(ctx, u)
			continue
		}
		if e.closed {
			last := e.last
			e.mu.Unlock()
			select {
			case e.out <- *last:
			case <-ctx.Done():
				log.Printf("[orchestrator] stream reader gone, final %s update for %s dropped", last.Kind, last.QueryID)
			}
			return
		}
		e.mu.Unlock()
		<-e.wake
	}
}

// deliver waits briefly for the reader to take a progress update.
func (e *emitter) deliver(ctx context.Context, u Update) {
	select {
	case e.out <- u:
		return
	default:
	}

	timer := time.NewTimer(dropTimeout)
	defer timer.Stop()
	select {
	case e.out <- u:
	case <-timer.C:
		e.drop(u)
	case <-ctx.Done():
		e.drop(u)
	}
}
