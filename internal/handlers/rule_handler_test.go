package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"flowpilot/internal/models"
	"flowpilot/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newHandlerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:handlers_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&models.AutomationRule{}, &models.RuleExecution{},
		&models.IdempotencyRecord{}, &models.CredentialRecord{},
		&models.SafetyFlag{}, &models.UsageCounter{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func testHandlerLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func newRuleRouter(t *testing.T) (*gin.Engine, *services.RuleService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := newHandlerTestDB(t)

	registry := services.NewRegistry()
	registry.Register("email.reply", services.ActionHandlerFunc(func(context.Context, string, map[string]any, map[string]any) (services.Result, error) {
		return services.Result{}, nil
	}))
	svc := services.NewRuleService(db, registry, testHandlerLogger())

	r := gin.New()
	api := r.Group("/api")
	RegisterRuleRoutes(api, NewRuleHandler(svc))
	return r, svc
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRuleHandler_CreateListGet(t *testing.T) {
	r, _ := newRuleRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/rules", map[string]any{
		"user_id":    "u1",
		"name":       "vip auto-reply",
		"event_type": "email.received",
		"conditions": []map[string]any{{"field": "from", "op": "eq", "value": "vip@example.com"}},
		"action_type": "email.reply",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	var created models.AutomationRule
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created rule: %v", err)
	}
	if created.Status != models.RuleStatusActive {
		t.Fatalf("status = %q, want active", created.Status)
	}

	w = doJSON(t, r, http.MethodGet, "/api/rules?user_id=u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var rules []models.AutomationRule
	json.Unmarshal(w.Body.Bytes(), &rules)
	if len(rules) != 1 {
		t.Fatalf("rules = %d, want 1", len(rules))
	}

	w = doJSON(t, r, http.MethodGet, "/api/rules/"+created.ID.String(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
}

func TestRuleHandler_CreateRejectsUnknownAction(t *testing.T) {
	r, _ := newRuleRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/rules", map[string]any{
		"user_id":     "u1",
		"name":        "bad",
		"event_type":  "email.received",
		"action_type": "not.registered",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestRuleHandler_CreateRejectsMissingFields(t *testing.T) {
	r, _ := newRuleRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/rules", map[string]any{"name": "no user"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestRuleHandler_PauseResume(t *testing.T) {
	r, svc := newRuleRouter(t)
	rule, err := svc.Create(context.Background(), &services.RuleCreateRequest{
		UserID: "u1", Name: "r", EventType: "email.received", ActionType: "email.reply",
	})
	if err != nil {
		t.Fatalf("seed rule: %v", err)
	}

	w := doJSON(t, r, http.MethodPost, "/api/rules/"+rule.ID.String()+"/pause", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pause status = %d", w.Code)
	}
	got, _ := svc.Get(context.Background(), rule.ID)
	if got.Status != models.RuleStatusPaused {
		t.Fatalf("status = %q, want paused", got.Status)
	}

	w = doJSON(t, r, http.MethodPost, "/api/rules/"+rule.ID.String()+"/resume", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("resume status = %d", w.Code)
	}

	// Disabled rules cannot be resumed through the API.
	svc.DisableRule(context.Background(), rule.ID)
	w = doJSON(t, r, http.MethodPost, "/api/rules/"+rule.ID.String()+"/resume", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("resume disabled status = %d, want 409", w.Code)
	}
}

func TestRuleHandler_InvalidID(t *testing.T) {
	r, _ := newRuleRouter(t)
	w := doJSON(t, r, http.MethodGet, "/api/rules/not-a-uuid", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestRuleHandler_DeleteMissing(t *testing.T) {
	r, _ := newRuleRouter(t)
	w := doJSON(t, r, http.MethodDelete, "/api/rules/00000000-0000-0000-0000-000000000001", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
