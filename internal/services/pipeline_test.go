package services

import (
	"context"
	"testing"
	"time"
)

// The duplicate-delivery scenario end to end: an inbound email matches a rule
// twice (provider redelivery) and the reply goes out exactly once.
func TestPipeline_DuplicateDeliveryEndToEnd(t *testing.T) {
	f := newDispatcherFixture(t)
	handler := &countingHandler{result: Result{Message: "reply sent"}}
	f.registry.Register("email.reply", handler)

	f.createRule(t, RuleCreateRequest{
		UserID:    "u1",
		Name:      "vip auto-reply",
		EventType: EventEmailReceived,
		Conditions: []TriggerCondition{
			{Field: "from", Op: "eq", Value: "vip@example.com"},
		},
		ActionType: "email.reply",
	})

	evaluator := NewTriggerEvaluator(f.db, quietLogger())
	pipeline := NewPipeline(evaluator, f.dispatcher, quietLogger())
	ctx := context.Background()

	event := TriggerEvent{
		Type:      EventEmailReceived,
		UserID:    "u1",
		ContactID: "vip@example.com",
		SourceID:  "m1",
		Payload:   map[string]any{"from": "vip@example.com", "subject": "hi"},
		Timestamp: time.Now(),
	}

	first := pipeline.Submit(ctx, event)
	if len(first) != 1 || first[0].Status != OutcomeExecuted {
		t.Fatalf("first delivery outcomes = %+v, want one executed", first)
	}

	second := pipeline.Submit(ctx, event)
	if len(second) != 1 || second[0].Status != OutcomeDeduplicated {
		t.Fatalf("redelivery outcomes = %+v, want one deduplicated", second)
	}
	if handler.callCount() != 1 {
		t.Fatalf("handler calls = %d, want exactly 1", handler.callCount())
	}

	// A genuinely new message from the same sender executes again.
	event.SourceID = "m2"
	third := pipeline.Submit(ctx, event)
	if len(third) != 1 || third[0].Status != OutcomeExecuted {
		t.Fatalf("new message outcomes = %+v, want executed", third)
	}
}

func TestPipeline_NoMatchingRules(t *testing.T) {
	f := newDispatcherFixture(t)
	evaluator := NewTriggerEvaluator(f.db, quietLogger())
	pipeline := NewPipeline(evaluator, f.dispatcher, quietLogger())

	out := pipeline.Submit(context.Background(), TriggerEvent{
		Type: EventEmailReceived, UserID: "u1", SourceID: "m1", Payload: map[string]any{},
	})
	if len(out) != 0 {
		t.Fatalf("outcomes = %+v, want none", out)
	}
}
