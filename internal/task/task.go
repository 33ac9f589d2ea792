package task

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/retail-a2a/host/pkg/a2a"
)

// EventKind says what changed on a task
type EventKind string

const (
	EventState    EventKind = "state"
	EventMessage  EventKind = "message"
	EventArtifact EventKind = "artifact"
)

// Event is delivered to an Observer for every transition, message and artifact
type Event struct {
	Kind     EventKind
	TaskID   string
	Agent    string
	Attempt  int
	State    a2a.TaskState
	Message  *a2a.Message
	Artifact *a2a.Artifact
	Error    *a2a.ErrorDescriptor
	At       time.Time
}

// Observer receives task events. It is called synchronously and must not block.
type Observer func(Event)

// Snapshot is a read-only copy of a task
type Snapshot struct {
	ID           string               `json:"id"`
	Agent        string               `json:"agent"`
	QueryID      string               `json:"query_id"`
	ContextID    string               `json:"context_id"`
	RemoteTaskID string               `json:"remote_task_id,omitempty"`
	Attempt      int                  `json:"attempt"`
	State        a2a.TaskState        `json:"state"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
	Result       string               `json:"result,omitempty"`
	Error        *a2a.ErrorDescriptor `json:"error,omitempty"`
	Messages     []a2a.Message        `json:"messages,omitempty"`
	Artifacts    []a2a.Artifact       `json:"artifacts,omitempty"`
}

// Task is one dispatch of one query to one agent. Retries create new tasks.
type Task struct {
	mu        sync.RWMutex
	snap      Snapshot
	err       error
	done      chan struct{}
	now       func() time.Time
	observers []Observer
	// open holds artifacts whose chunks are still arriving.
	open []a2a.Artifact
}

func newTask(agent, queryID, contextID string, attempt int, now func() time.Time, observer Observer) *Task {
	created := now()
	t := &Task{
		snap: Snapshot{
			ID:        uuid.New().String(),
			Agent:     agent,
			QueryID:   queryID,
			ContextID: contextID,
			Attempt:   attempt,
			State:     a2a.TaskStateSubmitted,
			CreatedAt: created,
			UpdatedAt: created,
		},
		done: make(chan struct{}),
		now:  now,
	}
	if observer != nil {
		t.observers = append(t.observers, observer)
	}
	t.emit(Event{Kind: EventState, State: a2a.TaskStateSubmitted, At: created})
	return t
}

// ID returns the host-assigned task id
func (t *Task) ID() string {
	return t.snap.ID
}

// Done is closed once the task settles
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// State returns the current state
func (t *Task) State() a2a.TaskState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap.State
}

// Err returns the failure that settled the task, if any
func (t *Task) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

// Snapshot returns a deep copy of the task
func (t *Task) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.snap
	s.Messages = append([]a2a.Message(nil), t.snap.Messages...)
	s.Artifacts = append([]a2a.Artifact(nil), t.snap.Artifacts...)
	if t.snap.Error != nil {
		e := *t.snap.Error
		s.Error = &e
	}
	return s
}

// Transition moves the task to state to. msg, when set, is appended to the message log.
func (t *Task) Transition(to a2a.TaskState, msg *a2a.Message) error {
	return t.settle(to, msg, "", nil)
}

// Complete moves a working task to Completed with its result text
func (t *Task) Complete(result string) error {
	return t.settle(a2a.TaskStateCompleted, nil, result, nil)
}

// Fail moves the task to Failed, or Canceled when err is of kind canceled
func (t *Task) Fail(err error) error {
	to := a2a.TaskStateFailed
	if a2a.KindOf(err) == a2a.KindCanceled {
		to = a2a.TaskStateCanceled
	}
	return t.settle(to, nil, "", err)
}

func (t *Task) settle(to a2a.TaskState, msg *a2a.Message, result string, err error) error {
	t.mu.Lock()
	from := t.snap.State
	if !isAllowedTransition(from, to) {
		t.mu.Unlock()
		return transitionError(t.snap.ID, from, to)
	}
	at := t.now()
	if Settled(to) {
		t.attachOpenLocked()
	}
	t.snap.State = to
	t.snap.UpdatedAt = at
	if msg != nil {
		t.snap.Messages = append(t.snap.Messages, *msg)
	}
	if result != "" {
		t.snap.Result = result
	}
	if err != nil {
		t.err = err
		t.snap.Error = a2a.Describe(t.snap.Agent, err)
	}
	ev := Event{Kind: EventState, State: to, Message: msg, Error: t.snap.Error, At: at}
	settled := Settled(to)
	if settled {
		close(t.done)
	}
	t.mu.Unlock()

	t.emit(ev)
	return nil
}

// AppendMessage records a progress message. Settled tasks reject messages.
func (t *Task) AppendMessage(msg a2a.Message) error {
	t.mu.Lock()
	if Settled(t.snap.State) {
		t.mu.Unlock()
		return ErrSettled
	}
	at := t.now()
	t.snap.Messages = append(t.snap.Messages, msg)
	t.snap.UpdatedAt = at
	state := t.snap.State
	t.mu.Unlock()

	t.emit(Event{Kind: EventMessage, State: state, Message: &msg, At: at})
	return nil
}

// AddArtifact records one artifact chunk. Chunks sharing an id are assembled
// (appendParts extends, otherwise the chunk replaces what was assembled so far)
// and the artifact is attached on its last chunk or when the task settles.
// Attached artifacts never change: a chunk for one of them is rejected.
func (t *Task) AddArtifact(chunk a2a.Artifact, appendParts, lastChunk bool) error {
	t.mu.Lock()
	if Settled(t.snap.State) {
		t.mu.Unlock()
		return ErrSettled
	}
	if chunk.ArtifactID != "" {
		for _, a := range t.snap.Artifacts {
			if a.ArtifactID == chunk.ArtifactID {
				t.mu.Unlock()
				return ErrArtifactAttached
			}
		}
	}
	at := t.now()
	i := -1
	if chunk.ArtifactID != "" {
		for j := range t.open {
			if t.open[j].ArtifactID == chunk.ArtifactID {
				i = j
				break
			}
		}
	}
	switch {
	case i < 0:
		t.open = append(t.open, cloneArtifact(chunk))
		i = len(t.open) - 1
	case appendParts:
		t.open[i].Parts = append(t.open[i].Parts, chunk.Parts...)
	default:
		t.open[i] = cloneArtifact(chunk)
	}
	if lastChunk || chunk.ArtifactID == "" {
		t.snap.Artifacts = append(t.snap.Artifacts, t.open[i])
		t.open = append(t.open[:i], t.open[i+1:]...)
	}
	t.snap.UpdatedAt = at
	state := t.snap.State
	t.mu.Unlock()

	t.emit(Event{Kind: EventArtifact, State: state, Artifact: &chunk, At: at})
	return nil
}

// attachOpenLocked attaches every artifact still being assembled, in arrival order.
func (t *Task) attachOpenLocked() {
	t.snap.Artifacts = append(t.snap.Artifacts, t.open...)
	t.open = nil
}

func cloneArtifact(a a2a.Artifact) a2a.Artifact {
	a.Parts = append([]a2a.Part(nil), a.Parts...)
	return a
}

func (t *Task) setRemoteID(id string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.RemoteTaskID = id
}

func (t *Task) emit(ev Event) {
	ev.TaskID = t.snap.ID
	ev.Agent = t.snap.Agent
	ev.Attempt = t.snap.Attempt
	for _, fn := range t.observers {
		fn(ev)
	}
}
