// Package aggregator merges per-agent task outcomes into one reply.
package aggregator

import (
	"fmt"
	"strings"

	"github.com/retail-a2a/host/internal/task"
	"github.com/retail-a2a/host/pkg/a2a"
)

// NoCapableAgentText is the reply when the router selected nobody
const NoCapableAgentText = "Sorry, none of our specialists can help with that request."

// Result is one routed agent's outcome, in router-selection order
type Result struct {
	Mode a2a.CallMode
	task.Outcome
}

// Skipped builds the result of a sequential step that was never dispatched.
func Skipped(agent string, mode a2a.CallMode, reason string) Result {
	return Result{
		Mode: mode,
		Outcome: task.Outcome{
			Agent: agent,
			Err:   a2a.NewError(a2a.KindSkipped, agent, nil, "%s", reason),
		},
	}
}

// Merge builds the aggregated response. It reads nothing but its arguments, so
// equal inputs give equal outputs, and it never modifies results.
func Merge(queryID, contextID string, results []Result) a2a.AggregatedResponse {
	resp := a2a.AggregatedResponse{
		QueryID:   queryID,
		ContextID: contextID,
		Slots:     make([]a2a.Slot, 0, len(results)),
	}
	if len(results) == 0 {
		resp.Status = a2a.StatusNoCapableAgent
		resp.Text = NoCapableAgentText
		resp.Error = &a2a.ErrorDescriptor{
			Kind:    a2a.KindNoCapableAgent,
			Message: "no registered specialist matched the query",
		}
		return resp
	}

	var completed, waiting int
	for _, r := range results {
		slot := newSlot(r)
		switch slot.Status {
		case a2a.SlotCompleted:
			completed++
		case a2a.SlotInputRequired:
			waiting++
		}
		resp.Slots = append(resp.Slots, slot)
	}

	switch {
	case waiting > 0:
		resp.Status = a2a.StatusInputRequired
	case completed == len(resp.Slots):
		resp.Status = a2a.StatusCompleted
	case completed > 0:
		resp.Status = a2a.StatusPartial
	default:
		resp.Status = a2a.StatusFailed
		resp.Error = overallError(resp.Slots)
	}
	resp.Text = combineText(resp.Slots, resp.Status)
	return resp
}

func newSlot(r Result) a2a.Slot {
	slot := a2a.Slot{
		Agent:        r.Agent,
		Mode:         r.Mode,
		Status:       slotStatus(r.Outcome),
		TaskIDs:      r.TaskIDs(),
		Attempts:     len(r.Tasks),
		RemoteTaskID: r.RemoteTaskID(),
	}
	if slot.Mode == "" {
		slot.Mode = a2a.ModeParallel
	}
	if len(r.Artifacts) > 0 {
		slot.Artifacts = append([]a2a.Artifact(nil), r.Artifacts...)
	}

	switch slot.Status {
	case a2a.SlotCompleted, a2a.SlotInputRequired:
		slot.Text = strings.TrimSpace(r.Text)
	default:
		slot.Error = a2a.Describe(r.Agent, r.Err)
		if slot.Error == nil {
			slot.Error = &a2a.ErrorDescriptor{
				Kind:    a2a.KindAgentFailure,
				Agent:   r.Agent,
				Message: fmt.Sprintf("task ended in state %q", r.State),
			}
		}
	}
	return slot
}

func slotStatus(o task.Outcome) a2a.SlotStatus {
	switch {
	case a2a.KindOf(o.Err) == a2a.KindSkipped:
		return a2a.SlotSkipped
	case o.State == a2a.TaskStateCompleted && o.Err == nil:
		return a2a.SlotCompleted
	case o.State == a2a.TaskStateInputRequired:
		return a2a.SlotInputRequired
	case o.State == a2a.TaskStateCanceled:
		return a2a.SlotCanceled
	default:
		return a2a.SlotFailed
	}
}

// overallError summarises a query in which no slot succeeded. The kind is the
// first slot's that was actually dispatched.
func overallError(slots []a2a.Slot) *a2a.ErrorDescriptor {
	kind := a2a.KindAgentFailure
	for _, s := range slots {
		if s.Error != nil && s.Error.Kind != a2a.KindSkipped {
			kind = s.Error.Kind
			break
		}
	}
	names := make([]string, len(slots))
	for i, s := range slots {
		names[i] = s.Agent
	}
	return &a2a.ErrorDescriptor{
		Kind:    kind,
		Message: "no selected specialist could answer: " + strings.Join(names, ", "),
	}
}

func combineText(slots []a2a.Slot, status a2a.ResponseStatus) string {
	var b strings.Builder
	headed := len(slots) > 1
	seen := make(map[string]bool)

	for _, s := range slots {
		if s.Text == "" || seen[s.Text] {
			continue
		}
		seen[s.Text] = true
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		if headed {
			b.WriteString(s.Agent)
			b.WriteString(":\n")
		}
		b.WriteString(s.Text)
	}

	var notes []string
	for _, s := range slots {
		switch s.Status {
		case a2a.SlotFailed, a2a.SlotCanceled:
			notes = append(notes, s.Agent+" is temporarily unavailable.")
		case a2a.SlotSkipped:
			notes = append(notes, s.Agent+" was not asked because an earlier step did not complete.")
		}
	}
	if len(notes) == 0 {
		return b.String()
	}

	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	if status == a2a.StatusFailed {
		b.WriteString("Sorry, I couldn't get an answer right now. ")
	} else {
		b.WriteString("Note: ")
	}
	b.WriteString(strings.Join(notes, " "))
	return b.String()
}
