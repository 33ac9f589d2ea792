package task

import (
	"errors"
	"testing"
	"time"

	"github.com/retail-a2a/host/pkg/a2a"
)

func testTask(observer Observer) *Task {
	return newTask("inventory", "q1", "ctx1", 1, time.Now, observer)
}

func TestTransitionTable(t *testing.T) {
	states := []a2a.TaskState{
		a2a.TaskStateSubmitted, a2a.TaskStateWorking, a2a.TaskStateInputRequired,
		a2a.TaskStateCompleted, a2a.TaskStateFailed, a2a.TaskStateCanceled,
	}
	allowed := map[[2]a2a.TaskState]bool{
		{a2a.TaskStateSubmitted, a2a.TaskStateWorking}:       true,
		{a2a.TaskStateSubmitted, a2a.TaskStateFailed}:        true,
		{a2a.TaskStateSubmitted, a2a.TaskStateCanceled}:      true,
		{a2a.TaskStateWorking, a2a.TaskStateInputRequired}:   true,
		{a2a.TaskStateWorking, a2a.TaskStateCompleted}:       true,
		{a2a.TaskStateWorking, a2a.TaskStateFailed}:          true,
		{a2a.TaskStateWorking, a2a.TaskStateCanceled}:        true,
	}

	for _, from := range states {
		for _, to := range states {
			want := allowed[[2]a2a.TaskState{from, to}]
			if got := isAllowedTransition(from, to); got != want {
				t.Errorf("%s -> %s: expected allowed=%v, got %v", from, to, want, got)
			}
		}
	}
}

func TestTask_MonotonicStates(t *testing.T) {
	task := testTask(nil)

	if task.State() != a2a.TaskStateSubmitted {
		t.Fatalf("Expected submitted, got %s", task.State())
	}
	if err := task.Transition(a2a.TaskStateWorking, nil); err != nil {
		t.Fatalf("Transition to working failed: %v", err)
	}
	if err := task.Complete("done"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if err := task.Transition(a2a.TaskStateWorking, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition leaving a terminal state, got %v", err)
	}
	if err := task.Fail(errors.New("late")); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected terminal task to reject failure, got %v", err)
	}
	if err := task.AppendMessage(a2a.NewTextMessage("m", a2a.RoleAgent, "late", "")); !errors.Is(err, ErrSettled) {
		t.Errorf("Expected ErrSettled, got %v", err)
	}

	snap := task.Snapshot()
	if snap.State != a2a.TaskStateCompleted || snap.Result != "done" {
		t.Errorf("Unexpected snapshot: %+v", snap)
	}
	if task.Err() != nil {
		t.Errorf("Expected no error, got %v", task.Err())
	}
}

func TestTask_SubmittedCannotComplete(t *testing.T) {
	task := testTask(nil)
	if err := task.Complete("x"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected submitted -> completed to be rejected, got %v", err)
	}
	if err := task.Transition(a2a.TaskStateInputRequired, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected submitted -> input-required to be rejected, got %v", err)
	}
}

func TestTask_InputRequiredIsSettled(t *testing.T) {
	task := testTask(nil)
	_ = task.Transition(a2a.TaskStateWorking, nil)

	question := a2a.NewTextMessage("q", a2a.RoleAgent, "Which size?", "ctx1")
	if err := task.Transition(a2a.TaskStateInputRequired, &question); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	select {
	case <-task.Done():
	default:
		t.Fatal("Expected Done to be closed for input-required")
	}
	if err := task.Transition(a2a.TaskStateWorking, nil); err == nil {
		t.Error("Expected input-required to reject further transitions")
	}
	if err := task.Complete("answer"); err == nil {
		t.Error("Expected input-required to reject completion")
	}
	if got := task.Snapshot().Messages; len(got) != 1 || got[0].Text() != "Which size?" {
		t.Errorf("Expected question in message log, got %+v", got)
	}
}

func TestTask_FailKinds(t *testing.T) {
	failed := testTask(nil)
	_ = failed.Fail(a2a.NewError(a2a.KindDispatch, "inventory", nil, "refused"))
	if failed.State() != a2a.TaskStateFailed {
		t.Errorf("Expected failed, got %s", failed.State())
	}
	if snap := failed.Snapshot(); snap.Error == nil || snap.Error.Kind != a2a.KindDispatch {
		t.Errorf("Expected dispatch descriptor, got %+v", snap.Error)
	}

	canceled := testTask(nil)
	_ = canceled.Transition(a2a.TaskStateWorking, nil)
	_ = canceled.Fail(a2a.NewError(a2a.KindCanceled, "inventory", nil, "query ended"))
	if canceled.State() != a2a.TaskStateCanceled {
		t.Errorf("Expected canceled, got %s", canceled.State())
	}
}

func TestTask_MessagesInArrivalOrder(t *testing.T) {
	var events []Event
	task := testTask(func(ev Event) { events = append(events, ev) })
	_ = task.Transition(a2a.TaskStateWorking, nil)

	for _, text := range []string{"one", "two", "three"} {
		if err := task.AppendMessage(a2a.NewTextMessage(text, a2a.RoleAgent, text, "")); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}
	_ = task.AddArtifact(a2a.Artifact{ArtifactID: "a", Parts: []a2a.Part{a2a.TextPart("part 1")}}, false, false)
	_ = task.AddArtifact(a2a.Artifact{ArtifactID: "a", Parts: []a2a.Part{a2a.TextPart("part 2")}}, true, false)
	_ = task.Complete("final")

	snap := task.Snapshot()
	for i, want := range []string{"one", "two", "three"} {
		if snap.Messages[i].Text() != want {
			t.Errorf("message %d: expected %s, got %s", i, want, snap.Messages[i].Text())
		}
	}
	if len(snap.Artifacts) != 1 || snap.Artifacts[0].Text() != "part 1\npart 2" {
		t.Errorf("Expected appended artifact chunks, got %+v", snap.Artifacts)
	}

	wantKinds := []EventKind{EventState, EventState, EventMessage, EventMessage, EventMessage, EventArtifact, EventArtifact, EventState}
	if len(events) != len(wantKinds) {
		t.Fatalf("Expected %d events, got %d", len(wantKinds), len(events))
	}
	for i, kind := range wantKinds {
		if events[i].Kind != kind {
			t.Errorf("event %d: expected %s, got %s", i, kind, events[i].Kind)
		}
		if events[i].TaskID != task.ID() || events[i].Agent != "inventory" {
			t.Errorf("event %d: missing task identity: %+v", i, events[i])
		}
	}
	if events[len(events)-1].State != a2a.TaskStateCompleted {
		t.Errorf("Expected final event completed, got %s", events[len(events)-1].State)
	}
}

func TestTask_UpdatedAtBumps(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	task := newTask("inventory", "q", "c", 1, clock, nil)
	created := task.Snapshot().CreatedAt

	_ = task.Transition(a2a.TaskStateWorking, nil)
	working := task.Snapshot().UpdatedAt
	if !working.After(created) {
		t.Errorf("Expected updated time to advance, got %s <= %s", working, created)
	}
	_ = task.AppendMessage(a2a.NewTextMessage("m", a2a.RoleAgent, "x", ""))
	if !task.Snapshot().UpdatedAt.After(working) {
		t.Error("Expected message append to bump updated time")
	}
}

func TestTask_SnapshotIsCopy(t *testing.T) {
	task := testTask(nil)
	_ = task.Transition(a2a.TaskStateWorking, nil)
	_ = task.AppendMessage(a2a.NewTextMessage("m", a2a.RoleAgent, "x", ""))

	snap := task.Snapshot()
	snap.Messages[0].MessageID = "changed"
	if task.Snapshot().Messages[0].MessageID != "m" {
		t.Error("Expected snapshot mutation not to leak into the task")
	}
}

func TestTask_ArtifactImmutableOnceAttached(t *testing.T) {
	task := testTask(nil)
	_ = task.Transition(a2a.TaskStateWorking, nil)

	chunk := a2a.Artifact{ArtifactID: "a", Parts: []a2a.Part{a2a.TextPart("part 1")}}
	if err := task.AddArtifact(chunk, false, false); err != nil {
		t.Fatalf("AddArtifact failed: %v", err)
	}
	if n := len(task.Snapshot().Artifacts); n != 0 {
		t.Errorf("Expected the artifact to stay unattached until its last chunk, got %d", n)
	}
	chunk.Parts[0] = a2a.TextPart("mutated by sender")

	if err := task.AddArtifact(a2a.Artifact{ArtifactID: "a", Parts: []a2a.Part{a2a.TextPart("part 2")}}, true, true); err != nil {
		t.Fatalf("AddArtifact failed: %v", err)
	}
	snap := task.Snapshot()
	if len(snap.Artifacts) != 1 || snap.Artifacts[0].Text() != "part 1\npart 2" {
		t.Fatalf("Expected assembled artifact, got %+v", snap.Artifacts)
	}

	for _, appendParts := range []bool{true, false} {
		err := task.AddArtifact(a2a.Artifact{ArtifactID: "a", Parts: []a2a.Part{a2a.TextPart("late")}}, appendParts, true)
		if !errors.Is(err, ErrArtifactAttached) {
			t.Errorf("append=%v: expected ErrArtifactAttached, got %v", appendParts, err)
		}
	}
	if got := task.Snapshot().Artifacts[0].Text(); got != "part 1\npart 2" {
		t.Errorf("Expected attached artifact unchanged, got %q", got)
	}
}

func TestTask_SettleAttachesOpenArtifacts(t *testing.T) {
	task := testTask(nil)
	_ = task.Transition(a2a.TaskStateWorking, nil)
	_ = task.AddArtifact(a2a.Artifact{ArtifactID: "b", Parts: []a2a.Part{a2a.TextPart("draft")}}, false, false)
	_ = task.AddArtifact(a2a.Artifact{ArtifactID: "b", Parts: []a2a.Part{a2a.TextPart("final")}}, false, false)
	_ = task.AddArtifact(a2a.Artifact{Parts: []a2a.Part{a2a.TextPart("anonymous")}}, false, false)

	if n := len(task.Snapshot().Artifacts); n != 1 {
		t.Errorf("Expected only the anonymous artifact attached, got %d", n)
	}
	_ = task.Complete("")

	snap := task.Snapshot()
	if len(snap.Artifacts) != 2 {
		t.Fatalf("Expected 2 artifacts after settling, got %+v", snap.Artifacts)
	}
	if snap.Artifacts[0].Text() != "anonymous" || snap.Artifacts[1].Text() != "final" {
		t.Errorf("Unexpected artifacts %+v", snap.Artifacts)
	}
}
