package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flowpilot/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RuleCreateRequest carries a new rule definition from the API layer.
type RuleCreateRequest struct {
	UserID       string             `json:"user_id" binding:"required"`
	Name         string             `json:"name" binding:"required"`
	EventType    string             `json:"event_type" binding:"required"`
	Conditions   []TriggerCondition `json:"conditions"`
	ActionType   string             `json:"action_type" binding:"required"`
	ActionParams map[string]any     `json:"action_params"`
	Integration  string             `json:"integration"`
}

// RuleService owns rule CRUD and status transitions. Status is the only
// mutable surface after creation; rules referenced by execution history are
// soft-disabled, never deleted.
type RuleService struct {
	db       *gorm.DB
	registry *Registry
	logger   *logrus.Logger
}

func NewRuleService(db *gorm.DB, registry *Registry, logger *logrus.Logger) *RuleService {
	if logger == nil {
		logger = logrus.New()
	}
	return &RuleService{db: db, registry: registry, logger: logger}
}

func isSupportedEvent(event string) bool {
	switch event {
	case EventEmailReceived, EventWebhookInbound, EventScheduleTick:
		return true
	default:
		return false
	}
}

// Create validates and stores a rule. Unknown action types are rejected here
// rather than discovered at dispatch time.
func (s *RuleService) Create(ctx context.Context, req *RuleCreateRequest) (*models.AutomationRule, error) {
	if req == nil {
		return nil, fmt.Errorf("request required")
	}
	if !isSupportedEvent(req.EventType) {
		return nil, fmt.Errorf("unsupported event: %s", req.EventType)
	}
	if s.registry != nil && !s.registry.Known(req.ActionType) {
		return nil, fmt.Errorf("unknown action type: %s", req.ActionType)
	}

	condJSON, err := json.Marshal(req.Conditions)
	if err != nil {
		return nil, fmt.Errorf("invalid conditions: %w", err)
	}
	paramsJSON, err := json.Marshal(req.ActionParams)
	if err != nil {
		return nil, fmt.Errorf("invalid action params: %w", err)
	}

	rule := &models.AutomationRule{
		UserID:       req.UserID,
		Name:         req.Name,
		EventType:    req.EventType,
		Conditions:   string(condJSON),
		ActionType:   req.ActionType,
		ActionParams: string(paramsJSON),
		Integration:  req.Integration,
		Status:       models.RuleStatusActive,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return nil, err
	}
	return rule, nil
}

func (s *RuleService) Get(ctx context.Context, id uuid.UUID) (*models.AutomationRule, error) {
	var rule models.AutomationRule
	if err := s.db.WithContext(ctx).First(&rule, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &rule, nil
}

func (s *RuleService) List(ctx context.Context, userID string) ([]models.AutomationRule, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	var rules []models.AutomationRule
	if err := q.Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

// PauseRule moves an active rule to paused. Pausing a paused rule is a no-op.
func (s *RuleService) PauseRule(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, models.RuleStatusPaused, []string{models.RuleStatusActive, models.RuleStatusPaused})
}

// ResumeRule moves a paused rule back to active. Disabled rules stay disabled.
func (s *RuleService) ResumeRule(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, models.RuleStatusActive, []string{models.RuleStatusPaused, models.RuleStatusActive})
}

// DisableRule is terminal from the engine's perspective; only an explicit
// administrative flow brings a rule back from disabled.
func (s *RuleService) DisableRule(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, models.RuleStatusDisabled, []string{models.RuleStatusActive, models.RuleStatusPaused, models.RuleStatusDisabled})
}

func (s *RuleService) transition(ctx context.Context, id uuid.UUID, to string, from []string) error {
	res := s.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var rule models.AutomationRule
		if err := s.db.WithContext(ctx).First(&rule, "id = ?", id).Error; err != nil {
			return fmt.Errorf("rule not found")
		}
		return fmt.Errorf("invalid transition: %s -> %s", rule.Status, to)
	}
	return nil
}

// Delete removes a rule, or soft-disables it when execution history still
// references it.
func (s *RuleService) Delete(ctx context.Context, id uuid.UUID) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.RuleExecution{}).
		Where("rule_id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		s.logger.Infof("rules: %s has %d execution(s); disabling instead of deleting", id, count)
		return s.DisableRule(ctx, id)
	}
	res := s.db.WithContext(ctx).Delete(&models.AutomationRule{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("rule not found")
	}
	return nil
}

// PauseRulesForIntegration pauses every active rule the user owns for the
// integration. Called by the credential manager's suspension cascade.
func (s *RuleService) PauseRulesForIntegration(ctx context.Context, userID, integration string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("user_id = ? AND integration = ? AND status = ?", userID, integration, models.RuleStatusActive).
		Updates(map[string]any{"status": models.RuleStatusPaused, "updated_at": time.Now()})
	return res.RowsAffected, res.Error
}

// ListExecutions returns the execution history for a rule, newest first.
func (s *RuleService) ListExecutions(ctx context.Context, ruleID uuid.UUID, limit int) ([]models.RuleExecution, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var execs []models.RuleExecution
	err := s.db.WithContext(ctx).
		Where("rule_id = ?", ruleID).
		Order("created_at DESC").
		Limit(limit).
		Find(&execs).Error
	return execs, err
}
