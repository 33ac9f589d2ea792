package task

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/retail-a2a/host/internal/telemetry"
	"github.com/retail-a2a/host/internal/transport"
	"github.com/retail-a2a/host/pkg/a2a"
)

// Sender dispatches one request; *transport.Client implements it
type Sender interface {
	Send(ctx context.Context, card a2a.AgentCard, req transport.Request) (*transport.Response, error)
}

// Recorder receives per-agent health signals; *registry.Registry implements it
type Recorder interface {
	RecordLatency(name string, d time.Duration)
	ReportSuccess(name string)
	ReportFailure(name string)
}

// Config bounds task execution
type Config struct {
	// TaskTimeout bounds one attempt; zero leaves only the query deadline.
	TaskTimeout  time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	// Streaming requests message/stream from agents that support it.
	Streaming bool
}

// Manager runs tasks. It keeps no task history; callers own the returned outcomes.
type Manager struct {
	sender   Sender
	recorder Recorder
	metrics  *telemetry.Metrics
	config   Config
	now      func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithRecorder reports latency and failures, typically to the registry
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithMetrics records task metrics
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a task manager
func NewManager(sender Sender, config Config, opts ...Option) *Manager {
	m := &Manager{sender: sender, config: config, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Spec describes one dispatch of a query to an agent
type Spec struct {
	QueryID   string
	ContextID string
	Card      a2a.AgentCard
	Text      string
	// ContinuationOf is the specialist task id a follow-up answers.
	ContinuationOf string
	// ReferenceTaskIDs link this dispatch to earlier specialist tasks, e.g. a predecessor.
	ReferenceTaskIDs []string
}

// Outcome is the settled result of Execute across all attempts
type Outcome struct {
	Agent     string
	State     a2a.TaskState
	Text      string
	Artifacts []a2a.Artifact
	Err       error
	// Tasks holds one snapshot per attempt, oldest first.
	Tasks []Snapshot
}

// TaskIDs returns the host task id of every attempt
func (o Outcome) TaskIDs() []string {
	ids := make([]string, len(o.Tasks))
	for i, t := range o.Tasks {
		ids[i] = t.ID
	}
	return ids
}

// RemoteTaskID returns the specialist's id for the last attempt
func (o Outcome) RemoteTaskID() string {
	if n := len(o.Tasks); n > 0 {
		return o.Tasks[n-1].RemoteTaskID
	}
	return ""
}

// Execute dispatches spec until it settles. dispatch and timeout failures are
// retried as new tasks up to MaxRetries; other failures are final. Canceling
// ctx cancels the current attempt.
func (m *Manager) Execute(ctx context.Context, spec Spec, observer Observer) Outcome {
	agent := spec.Card.Name
	out := Outcome{Agent: agent}

	for attempt := 1; ; attempt++ {
		t := newTask(agent, spec.QueryID, spec.ContextID, attempt, m.now, observer)
		m.metrics.TaskStarted(ctx, agent)
		started := m.now()

		m.run(ctx, t, spec)

		snap := t.Snapshot()
		out.Tasks = append(out.Tasks, snap)
		out.State = snap.State
		out.Artifacts = snap.Artifacts
		out.Err = t.Err()
		out.Text = resultText(snap)
		elapsed := m.now().Sub(started)
		m.metrics.TaskSettled(ctx, agent, string(snap.State), elapsed)
		m.record(agent, out.Err, elapsed)

		if out.Err == nil || ctx.Err() != nil {
			return out
		}
		kind := a2a.KindOf(out.Err)
		if !kind.Retryable() || attempt > m.config.MaxRetries {
			return out
		}

		log.Printf("[task] %s attempt %d failed (%s), retrying", agent, attempt, kind)
		telemetry.RecordSpanEvent(ctx, "task.retry",
			attribute.String("a2a.agent", agent),
			attribute.Int("task.attempt", attempt),
			attribute.String("error.kind", string(kind)),
		)
		if m.config.RetryBackoff > 0 {
			timer := time.NewTimer(m.config.RetryBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return out
			case <-timer.C:
			}
		}
	}
}

func (m *Manager) record(agent string, err error, elapsed time.Duration) {
	if m.recorder == nil {
		return
	}
	switch {
	case err == nil:
		m.recorder.RecordLatency(agent, elapsed)
		m.recorder.ReportSuccess(agent)
	case a2a.KindOf(err) == a2a.KindCanceled:
	default:
		m.recorder.ReportFailure(agent)
	}
}

// run drives one attempt to a settled state. Every exit path settles t.
func (m *Manager) run(ctx context.Context, t *Task, spec Spec) {
	taskCtx, cancel := ctx, context.CancelFunc(func() {})
	if m.config.TaskTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, m.config.TaskTimeout)
	}
	defer cancel()

	req := transport.NewRequest(spec.Text, spec.ContextID, spec.ContinuationOf, spec.ReferenceTaskIDs...)
	req.Stream = m.config.Streaming
	req.Metadata = map[string]any{"host_task_id": t.ID(), "query_id": spec.QueryID}

	resp, err := m.sender.Send(taskCtx, spec.Card, req)
	if err != nil {
		_ = t.Fail(m.classify(ctx, taskCtx, t, err))
		return
	}
	defer resp.Close()

	if err := t.Transition(a2a.TaskStateWorking, nil); err != nil {
		log.Printf("[task] %s: %v", t.ID(), err)
	}

	for {
		ev, err := resp.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = t.Fail(m.classify(ctx, taskCtx, t, err))
			return
		}
		t.setRemoteID(ev.TaskID)
		for _, a := range ev.Artifacts {
			_ = t.AddArtifact(a, ev.Append, ev.LastChunk)
		}
		if !ev.Final {
			if ev.Message != nil {
				_ = t.AppendMessage(*ev.Message)
			}
			continue
		}
		m.settleFinal(t, ev)
		return
	}

	if !Settled(t.State()) {
		_ = t.Fail(a2a.NewError(a2a.KindTruncatedStream, t.snap.Agent, nil, "response ended without a final state"))
	}
}

func (m *Manager) settleFinal(t *Task, ev transport.Event) {
	agent := t.snap.Agent
	switch ev.State {
	case a2a.TaskStateCompleted:
		if ev.Message != nil {
			_ = t.AppendMessage(*ev.Message)
		}
		snap := t.Snapshot()
		_ = t.Complete(resultText(snap))
	case a2a.TaskStateInputRequired:
		_ = t.Transition(a2a.TaskStateInputRequired, ev.Message)
	case a2a.TaskStateFailed:
		reason := "agent reported failure"
		if ev.Message != nil && ev.Message.Text() != "" {
			reason = ev.Message.Text()
		}
		if ev.Message != nil {
			_ = t.AppendMessage(*ev.Message)
		}
		_ = t.Fail(a2a.NewError(a2a.KindAgentFailure, agent, nil, "%s", reason))
	case a2a.TaskStateCanceled:
		_ = t.Fail(a2a.NewError(a2a.KindAgentFailure, agent, nil, "agent canceled the task"))
	default:
		_ = t.Fail(a2a.NewError(a2a.KindTruncatedStream, agent, nil, "final event carried non-final state %q", ev.State))
	}
}

// classify maps a transport error onto the context that caused it: the query
// ending cancels the task, the per-task deadline fails it with a timeout.
func (m *Manager) classify(queryCtx, taskCtx context.Context, t *Task, err error) error {
	agent := t.snap.Agent
	if queryCtx.Err() != nil {
		return a2a.NewError(a2a.KindCanceled, agent, queryCtx.Err(), "query ended before %s answered", agent)
	}
	if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
		return a2a.NewError(a2a.KindTimeout, agent, taskCtx.Err(), "no answer within %s", m.config.TaskTimeout)
	}
	return err
}

// resultText prefers artifact text and falls back to the last agent message.
func resultText(s Snapshot) string {
	if s.Result != "" {
		return s.Result
	}
	var text string
	for _, a := range s.Artifacts {
		if at := a.Text(); at != "" {
			if text != "" {
				text += "\n"
			}
			text += at
		}
	}
	if text != "" {
		return text
	}
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role != a2a.RoleUser && s.Messages[i].Text() != "" {
			return s.Messages[i].Text()
		}
	}
	return ""
}
