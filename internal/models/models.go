package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Rule statuses. Rules are never hard-deleted while executions reference them;
// they are moved to disabled instead.
const (
	RuleStatusActive   = "active"
	RuleStatusPaused   = "paused"
	RuleStatusDisabled = "disabled"
)

// AutomationRule is a stored trigger→action mapping owned by a user.
// Trigger conditions and action parameters are flexible JSON, validated on write.
type AutomationRule struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID      string    `gorm:"index;not null" json:"user_id"`
	Name        string    `gorm:"not null" json:"name"`
	EventType   string    `gorm:"index;not null" json:"event_type"` // e.g. email.received, webhook.inbound, schedule.tick
	Conditions  string    `gorm:"type:text" json:"conditions"`      // JSON: [{field,op,value}]
	ActionType  string    `gorm:"not null" json:"action_type"`      // registry key, e.g. email.reply
	ActionParams string   `gorm:"type:text" json:"action_params"`   // JSON object passed to the handler
	Integration string    `gorm:"index" json:"integration"`         // credential integration the action uses
	Schedule    string    `json:"schedule,omitempty"`               // cron spec, schedule.tick rules only
	Status      string    `gorm:"index;default:'active'" json:"status"` // active, paused, disabled
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (r *AutomationRule) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// RuleExecution is the audit record for one dispatch attempt, keyed by the
// idempotency fingerprint. Surfaced to users through the API layer.
type RuleExecution struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	RuleID    uuid.UUID `gorm:"type:uuid;index;not null" json:"rule_id"`
	UserID    string    `gorm:"index;not null" json:"user_id"`
	Key       string    `gorm:"index" json:"key"` // idempotency fingerprint
	Outcome   string    `gorm:"index" json:"outcome"` // executed, skipped, deduplicated, failed
	Reason    string    `json:"reason,omitempty"`     // classified code, never raw payloads
	CreatedAt time.Time `json:"created_at"`
}

func (e *RuleExecution) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

// UsageCounter accumulates per-user, per-metric usage for a billing period.
// Incremented by the dispatcher on success; read, never mutated, by billing.
type UsageCounter struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    string    `gorm:"uniqueIndex:ux_usage_user_metric_period,priority:1;not null" json:"user_id"`
	Metric    string    `gorm:"uniqueIndex:ux_usage_user_metric_period,priority:2;not null" json:"metric"` // automation_actions, ai_responses, ...
	Period    string    `gorm:"uniqueIndex:ux_usage_user_metric_period,priority:3;not null" json:"period"` // YYYY-MM
	Count     int64     `gorm:"not null;default:0" json:"count"`
	UpdatedAt time.Time `json:"updated_at"`
}
