// Package orchestrator answers one query by routing it, dispatching tasks and
// merging their outcomes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/retail-a2a/host/internal/aggregator"
	"github.com/retail-a2a/host/internal/registry"
	"github.com/retail-a2a/host/internal/router"
	"github.com/retail-a2a/host/internal/task"
	"github.com/retail-a2a/host/internal/telemetry"
	"github.com/retail-a2a/host/pkg/a2a"
)

// ErrEmptyQuery is returned for a query without text
var ErrEmptyQuery = errors.New("query text is empty")

// AgentLister provides the current agents; *registry.Registry implements it
type AgentLister interface {
	ListAgents() []registry.Agent
}

// Executor runs one dispatch to settlement; *task.Manager implements it
type Executor interface {
	Execute(ctx context.Context, spec task.Spec, observer task.Observer) task.Outcome
}

// Config bounds a query
type Config struct {
	// Timeout applies to queries that carry no deadline of their own.
	Timeout     time.Duration
	MaxParallel int
}

// Orchestrator is safe for concurrent queries; it keeps nothing between them.
type Orchestrator struct {
	agents  AgentLister
	router  *router.Router
	tasks   Executor
	config  Config
	tracer  trace.Tracer
	metrics *telemetry.Metrics
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithMetrics records query metrics
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = metrics }
}

// New creates an orchestrator
func New(agents AgentLister, r *router.Router, tasks Executor, config Config, opts ...Option) *Orchestrator {
	if r == nil {
		r = router.New(router.DefaultThreshold)
	}
	o := &Orchestrator{
		agents: agents,
		router: r,
		tasks:  tasks,
		config: config,
		tracer: telemetry.Tracer("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NewQuery builds a query with fresh ids. An empty contextID starts a new conversation.
func NewQuery(text, contextID string, timeout time.Duration) a2a.Query {
	if contextID == "" {
		contextID = uuid.New().String()
	}
	return a2a.Query{
		ID:        uuid.New().String(),
		Text:      strings.TrimSpace(text),
		ContextID: contextID,
		Timeout:   timeout,
	}
}

// Handle answers q and returns once every dispatched task has settled or the
// query deadline has passed.
func (o *Orchestrator) Handle(ctx context.Context, q a2a.Query) (*a2a.AggregatedResponse, error) {
	q, err := prepare(q)
	if err != nil {
		return nil, err
	}
	resp := o.run(ctx, q, func(Update) {})
	return &resp, nil
}

// Stream answers q like Handle and reports its construction as it happens.
// The channel ends with an UpdateResponse, or an UpdateError when q is invalid,
// and is then closed. Progress updates are dropped when the reader falls
// behind; the final update is dropped only when ctx ends first.
func (o *Orchestrator) Stream(ctx context.Context, q a2a.Query) <-chan Update {
	e := newEmitter(ctx, streamBuffer)
	go func() {
		prepared, err := prepare(q)
		if err != nil {
			e.finish(Update{Kind: UpdateError, QueryID: q.ID, Error: &a2a.ErrorDescriptor{
				Kind:    a2a.KindMalformedPayload,
				Message: err.Error(),
			}})
			return
		}
		resp := o.run(ctx, prepared, e.emit)
		e.finish(Update{Kind: UpdateResponse, QueryID: prepared.ID, Response: &resp})
	}()
	return e.updates()
}

func prepare(q a2a.Query) (a2a.Query, error) {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return q, ErrEmptyQuery
	}
	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	if q.ContextID == "" {
		q.ContextID = uuid.New().String()
	}
	return q, nil
}

func (o *Orchestrator) run(ctx context.Context, q a2a.Query, emit func(Update)) a2a.AggregatedResponse {
	started := time.Now()
	ctx, span := o.tracer.Start(ctx, "orchestrator.query", trace.WithAttributes(
		attribute.String("query.id", q.ID),
		attribute.String("a2a.context_id", q.ContextID),
		attribute.Bool("query.continuation", q.Continuation != nil),
	))
	defer span.End()

	timeout := q.Timeout
	if timeout <= 0 {
		timeout = o.config.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	selections := o.router.Route(q, o.agents.ListAgents())
	emit(routedUpdate(q.ID, selections))
	span.SetAttributes(attribute.Int("query.selected", len(selections)))

	var results []aggregator.Result
	if len(selections) > 0 {
		results = o.dispatch(ctx, q, selections, emit)
	}
	resp := aggregator.Merge(q.ID, q.ContextID, results)

	span.SetAttributes(attribute.String("query.status", string(resp.Status)))
	if resp.Status == a2a.StatusFailed || resp.Status == a2a.StatusNoCapableAgent {
		span.SetStatus(codes.Error, string(resp.Status))
	}
	o.metrics.RecordQuery(ctx, string(resp.Status))
	log.Printf("[orchestrator] query %s: %s with %d agent(s) in %s",
		q.ID, resp.Status, len(selections), time.Since(started).Round(time.Millisecond))
	return resp
}

// chain is a parallel selection followed by the sequential selections that depend on it.
type chain []int

func chains(selections []router.Selection) []chain {
	var out []chain
	for i, sel := range selections {
		if sel.Mode == a2a.ModeSequential && len(out) > 0 {
			out[len(out)-1] = append(out[len(out)-1], i)
			continue
		}
		out = append(out, chain{i})
	}
	return out
}

// dispatch runs every chain concurrently, at most MaxParallel at a time. Each
// goroutine writes only its own slots of results.
func (o *Orchestrator) dispatch(ctx context.Context, q a2a.Query, selections []router.Selection, emit func(Update)) []aggregator.Result {
	results := make([]aggregator.Result, len(selections))
	observer := func(ev task.Event) { emit(taskUpdate(q.ID, ev)) }

	var g errgroup.Group
	if o.config.MaxParallel > 0 {
		g.SetLimit(o.config.MaxParallel)
	}
	for _, c := range chains(selections) {
		c := c
		g.Go(func() error {
			o.runChain(ctx, q, selections, c, results, observer)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (o *Orchestrator) runChain(ctx context.Context, q a2a.Query, selections []router.Selection, c chain, results []aggregator.Result, observer task.Observer) {
	var prev *aggregator.Result
	for _, idx := range c {
		sel := selections[idx]
		if prev != nil && !(prev.State == a2a.TaskStateCompleted && prev.Err == nil) {
			results[idx] = aggregator.Skipped(sel.Agent.Name, sel.Mode,
				fmt.Sprintf("%s did not complete", prev.Agent))
			prev = &results[idx]
			continue
		}

		spec := task.Spec{
			QueryID:   q.ID,
			ContextID: q.ContextID,
			Card:      sel.Agent.Card,
			Text:      q.Text,
		}
		if q.Continuation != nil {
			spec.ContinuationOf = q.Continuation.TaskID
		}
		if prev != nil {
			spec.Text = feedForward(q.Text, prev.Agent, prev.Text)
			if id := prev.RemoteTaskID(); id != "" {
				spec.ReferenceTaskIDs = []string{id}
			}
		}

		results[idx] = aggregator.Result{Mode: sel.Mode, Outcome: o.execute(ctx, sel, spec, observer)}
		prev = &results[idx]
	}
}

func (o *Orchestrator) execute(ctx context.Context, sel router.Selection, spec task.Spec, observer task.Observer) task.Outcome {
	ctx, span := o.tracer.Start(ctx, "orchestrator.dispatch", trace.WithAttributes(
		attribute.String("a2a.agent", sel.Agent.Name),
		attribute.String("a2a.mode", string(sel.Mode)),
		attribute.Float64("router.score", sel.Score),
	))
	defer span.End()

	out := o.tasks.Execute(ctx, spec, observer)
	// Execute leaves Agent empty only for a card without a name.
	if out.Agent == "" {
		out.Agent = sel.Agent.Name
	}
	span.SetAttributes(
		attribute.String("task.state", string(out.State)),
		attribute.Int("task.attempts", len(out.Tasks)),
	)
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, string(a2a.KindOf(out.Err)))
	}
	return out
}

// feedForward builds the dependent step's text from the query and its predecessor's answer.
func feedForward(query, agent, result string) string {
	if strings.TrimSpace(result) == "" {
		return query
	}
	return fmt.Sprintf("%s\n\nResult from %s:\n%s", query, agent, strings.TrimSpace(result))
}
