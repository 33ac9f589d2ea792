package a2a

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func testCard() AgentCard {
	return AgentCard{
		Name:         "Inventory Management Agent",
		URL:          "http://localhost:8001/",
		Version:      "1.0.0",
		Capabilities: AgentCapabilities{Streaming: true},
		Skills: []AgentSkill{{
			ID:   "inventory_management",
			Name: "Inventory Management",
			Tags: []string{"inventory", "stock"},
		}},
	}
}

func TestAgentCard_Validate(t *testing.T) {
	card := testCard()
	if err := card.Validate(); err != nil {
		t.Fatalf("Expected valid card, got %v", err)
	}

	card.Name = "  "
	if err := card.Validate(); err == nil {
		t.Error("Expected error for blank name")
	}

	card = testCard()
	card.Skills = nil
	if err := card.Validate(); err == nil {
		t.Error("Expected error for card without skills")
	}
}

func TestAgentCard_CloneIsIndependent(t *testing.T) {
	card := testCard()
	clone := card.Clone()

	clone.Skills[0].Tags[0] = "mutated"
	clone.Skills = append(clone.Skills, AgentSkill{ID: "extra"})

	if card.Skills[0].Tags[0] != "inventory" {
		t.Errorf("Expected original tag to survive, got %s", card.Skills[0].Tags[0])
	}
	if len(card.Skills) != 1 {
		t.Errorf("Expected 1 skill on original, got %d", len(card.Skills))
	}
}

func TestAgentCard_DecodeWireShape(t *testing.T) {
	raw := `{
		"name": "Customer Service Agent",
		"url": "http://localhost:8002/",
		"version": "1.0.0",
		"capabilities": {"streaming": true},
		"skills": [{"id": "customer_service", "name": "Customer Service", "tags": ["orders", "returns"]}]
	}`

	var card AgentCard
	if err := json.Unmarshal([]byte(raw), &card); err != nil {
		t.Fatalf("Failed to decode card: %v", err)
	}
	if !card.SupportsStreaming() {
		t.Error("Expected streaming support")
	}
	if len(card.Skills) != 1 || card.Skills[0].Tags[1] != "returns" {
		t.Errorf("Unexpected skills: %+v", card.Skills)
	}
}

func TestMessage_Text(t *testing.T) {
	msg := Message{Parts: []Part{
		TextPart("first"),
		DataPart(map[string]any{"sku": "prod_001"}),
		TextPart("second"),
	}}
	if got := msg.Text(); got != "first\nsecond" {
		t.Errorf("Expected joined text, got %q", got)
	}
}

func TestTaskState_Terminal(t *testing.T) {
	tests := []struct {
		state    TaskState
		terminal bool
	}{
		{TaskStateSubmitted, false},
		{TaskStateWorking, false},
		{TaskStateInputRequired, false},
		{TaskStateCompleted, true},
		{TaskStateFailed, true},
		{TaskStateCanceled, true},
	}
	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.terminal {
			t.Errorf("%s: expected terminal=%v, got %v", tt.state, tt.terminal, got)
		}
	}
	if TaskState("paused").Valid() {
		t.Error("Expected unknown state to be invalid")
	}
}

func TestPeekKind(t *testing.T) {
	kind, err := PeekKind(json.RawMessage(`{"kind":"status-update","final":true}`))
	if err != nil {
		t.Fatalf("PeekKind failed: %v", err)
	}
	if kind != KindStatusUpdate {
		t.Errorf("Expected %s, got %s", KindStatusUpdate, kind)
	}
	if _, err := PeekKind(json.RawMessage(`[1,2]`)); err == nil {
		t.Error("Expected error for non-object payload")
	}
}

func TestRequestID_RoundTrip(t *testing.T) {
	for _, raw := range []string{`"abc-123"`, `42`} {
		var id RequestID
		if err := json.Unmarshal([]byte(raw), &id); err != nil {
			t.Fatalf("Failed to unmarshal %s: %v", raw, err)
		}
		out, err := json.Marshal(id)
		if err != nil {
			t.Fatalf("Failed to marshal: %v", err)
		}
		if string(out) != raw {
			t.Errorf("Expected %s, got %s", raw, out)
		}
	}
	if NewStringRequestID("x").String() != "x" {
		t.Error("Expected string id to print verbatim")
	}
	if !(RequestID{}).IsZero() {
		t.Error("Expected zero id")
	}
}

func TestError_KindMatching(t *testing.T) {
	base := errors.New("connection refused")
	err := fmt.Errorf("send: %w", NewError(KindDispatch, "inventory", base, "post failed"))

	if !errors.Is(err, &Error{Kind: KindDispatch}) {
		t.Error("Expected errors.Is to match by kind")
	}
	if errors.Is(err, &Error{Kind: KindTimeout}) {
		t.Error("Expected kinds to differ")
	}
	if !errors.Is(err, base) {
		t.Error("Expected wrapped cause to be reachable")
	}
	if KindOf(err) != KindDispatch {
		t.Errorf("Expected dispatch, got %s", KindOf(err))
	}
	if KindOf(base) != "" {
		t.Error("Expected no kind for plain error")
	}
}

func TestErrorKind_Retryable(t *testing.T) {
	retryable := map[ErrorKind]bool{
		KindDispatch:         true,
		KindTimeout:          true,
		KindAgentFailure:     false,
		KindDiscovery:        false,
		KindTruncatedStream:  false,
		KindMalformedPayload: false,
		KindProtocolMismatch: false,
	}
	for kind, want := range retryable {
		if kind.Retryable() != want {
			t.Errorf("%s: expected retryable=%v", kind, want)
		}
	}
}

func TestDescribe(t *testing.T) {
	d := Describe("inventory", NewError(KindAgentFailure, "", nil, "out of stock service down"))
	if d.Kind != KindAgentFailure || d.Agent != "inventory" {
		t.Errorf("Unexpected descriptor: %+v", d)
	}
	if d.Message != "out of stock service down" {
		t.Errorf("Unexpected message: %q", d.Message)
	}

	plain := Describe("cs", errors.New("boom"))
	if plain.Kind != KindDispatch || plain.Message != "boom" {
		t.Errorf("Unexpected descriptor for plain error: %+v", plain)
	}
	if Describe("cs", nil) != nil {
		t.Error("Expected nil descriptor for nil error")
	}
}
