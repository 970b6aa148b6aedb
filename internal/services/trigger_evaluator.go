package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"flowpilot/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// TriggerCondition is a single predicate entry over the event payload.
type TriggerCondition struct {
	Field string `json:"field"`
	Op    string `json:"op"` // eq, neq, contains
	Value any    `json:"value"`
}

// TriggerEvaluator matches inbound events against stored rules. Matching is a
// pure predicate evaluation; no side effects.
type TriggerEvaluator struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewTriggerEvaluator(db *gorm.DB, logger *logrus.Logger) *TriggerEvaluator {
	if logger == nil {
		logger = logrus.New()
	}
	return &TriggerEvaluator{db: db, logger: logger}
}

// Evaluate returns the candidate executions for event: one per active rule of
// the event's owner (or any owner, for global events) whose conditions all
// hold. An empty result is not an error. A rule with malformed conditions is
// skipped and logged; the rest keep evaluating.
func (e *TriggerEvaluator) Evaluate(ctx context.Context, event TriggerEvent) ([]CandidateExecution, error) {
	q := e.db.WithContext(ctx).
		Where("event_type = ? AND status = ?", event.Type, models.RuleStatusActive)
	if event.UserID != "" {
		q = q.Where("user_id = ?", event.UserID)
	}
	var rules []models.AutomationRule
	if err := q.Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	var out []CandidateExecution
	for _, rule := range rules {
		matched, err := e.matchRule(rule, event)
		if err != nil {
			e.logger.Warnf("evaluator: skipping rule %s: %v", rule.ID, err)
			continue
		}
		if matched {
			out = append(out, CandidateExecution{Rule: rule, Event: event})
		}
	}
	return out, nil
}

func (e *TriggerEvaluator) matchRule(rule models.AutomationRule, event TriggerEvent) (bool, error) {
	conds := []TriggerCondition{}
	if rule.Conditions != "" {
		if err := json.Unmarshal([]byte(rule.Conditions), &conds); err != nil {
			return false, fmt.Errorf("invalid conditions: %w", err)
		}
	}
	for _, cond := range conds {
		if !evaluateCondition(cond, event.Payload) {
			return false, nil
		}
	}
	return true, nil
}

// evaluateCondition resolves cond.Field as a dot path into the payload and
// compares stringified values, the same loose matching the rule editor shows.
func evaluateCondition(cond TriggerCondition, payload map[string]any) bool {
	val, ok := lookupField(payload, cond.Field)
	if !ok {
		return false
	}
	actual := fmt.Sprintf("%v", val)
	expected := fmt.Sprintf("%v", cond.Value)

	switch cond.Op {
	case "eq":
		return actual == expected
	case "neq":
		return actual != expected
	case "contains":
		return strings.Contains(actual, expected)
	default:
		return false
	}
}

func lookupField(payload map[string]any, field string) (any, bool) {
	field = strings.TrimSpace(field)
	if field == "" {
		return nil, false
	}
	var cur any = payload
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
