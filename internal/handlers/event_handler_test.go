package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"flowpilot/internal/config"
	"flowpilot/internal/secrets"
	"flowpilot/internal/services"

	"github.com/gin-gonic/gin"
)

type fakeState struct{ engaged atomic.Bool }

func (f *fakeState) KillSwitch() bool { return f.engaged.Load() }
func (f *fakeState) SetKillSwitch(_ context.Context, enabled bool) error {
	f.engaged.Store(enabled)
	return nil
}

// newEventRouter builds the whole ingest path over sqlite: registry, gate,
// ledger, credentials, dispatcher, evaluator, pipeline.
func newEventRouter(t *testing.T) (*gin.Engine, *services.RuleService, *atomic.Int64) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := newHandlerTestDB(t)
	logger := testHandlerLogger()

	var handlerCalls atomic.Int64
	registry := services.NewRegistry()
	registry.Register("email.reply", services.ActionHandlerFunc(func(context.Context, string, map[string]any, map[string]any) (services.Result, error) {
		handlerCalls.Add(1)
		return services.Result{Message: "reply sent"}, nil
	}))

	rules := services.NewRuleService(db, registry, logger)
	gate := services.NewSafetyGate(config.SafetyConfig{
		ContactDailyCap:  2,
		ContactWindow:    24 * time.Hour,
		UserBurstCap:     50,
		UserBurstWindow:  5 * time.Minute,
		ThrottledActions: []string{"email.reply"},
	}, &fakeState{}, logger)
	ledger := services.NewIdempotencyLedger(db, logger, time.Hour)
	box, err := secrets.NewBox("test-passphrase")
	if err != nil {
		t.Fatalf("NewBox() error = %v", err)
	}
	creds := services.NewCredentialManager(db, box, config.CredentialsConfig{
		FailureThreshold: 3,
		ExpirySkew:       time.Minute,
		RefreshTimeout:   time.Second,
	}, rules, logger)
	usage := services.NewUsageService(db, logger)
	hub := services.NewExecutionHub()
	dispatcher := services.NewDispatcher(db, gate, ledger, creds, registry, usage, rules, hub,
		config.RetryConfig{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, logger)
	evaluator := services.NewTriggerEvaluator(db, logger)
	pipeline := services.NewPipeline(evaluator, dispatcher, logger)

	r := gin.New()
	hooks := r.Group("/hooks")
	RegisterEventRoutes(hooks, NewEventHandler(pipeline))
	return r, rules, &handlerCalls
}

func TestEventHandler_IngestExecutesMatchingRule(t *testing.T) {
	r, rules, calls := newEventRouter(t)
	_, err := rules.Create(context.Background(), &services.RuleCreateRequest{
		UserID:    "u1",
		Name:      "vip auto-reply",
		EventType: "email.received",
		Conditions: []services.TriggerCondition{
			{Field: "from", Op: "eq", Value: "vip@example.com"},
		},
		ActionType: "email.reply",
	})
	if err != nil {
		t.Fatalf("seed rule: %v", err)
	}

	body := map[string]any{
		"type":       "email.received",
		"user_id":    "u1",
		"contact_id": "vip@example.com",
		"source_id":  "m1",
		"payload":    map[string]any{"from": "vip@example.com", "subject": "hi"},
	}

	w := doJSON(t, r, http.MethodPost, "/hooks/events", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Matched int `json:"matched"`
		Results []struct {
			Outcome string `json:"outcome"`
		} `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Matched != 1 || resp.Results[0].Outcome != "executed" {
		t.Fatalf("response = %+v", resp)
	}

	// The provider redelivers the same webhook.
	w = doJSON(t, r, http.MethodPost, "/hooks/events", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("redelivery status = %d", w.Code)
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Matched != 1 || resp.Results[0].Outcome != "deduplicated" {
		t.Fatalf("redelivery response = %+v", resp)
	}
	if calls.Load() != 1 {
		t.Fatalf("handler calls = %d, want exactly 1", calls.Load())
	}
}

func TestEventHandler_IngestValidation(t *testing.T) {
	r, _, _ := newEventRouter(t)

	// Missing source_id.
	w := doJSON(t, r, http.MethodPost, "/hooks/events", map[string]any{
		"type": "email.received",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestEventHandler_IngestNoMatch(t *testing.T) {
	r, _, calls := newEventRouter(t)

	w := doJSON(t, r, http.MethodPost, "/hooks/events", map[string]any{
		"type":      "email.received",
		"user_id":   "u1",
		"source_id": "m1",
		"payload":   map[string]any{"from": "nobody@example.com"},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Matched int `json:"matched"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Matched != 0 {
		t.Fatalf("matched = %d, want 0", resp.Matched)
	}
	if calls.Load() != 0 {
		t.Fatal("no handler should run without a matching rule")
	}
}
