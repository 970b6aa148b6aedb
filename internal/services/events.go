package services

import (
	"time"

	"flowpilot/internal/models"
)

// Supported trigger event types. Collaborators (email sync, webhook receiver,
// schedule ticker) submit events of these types to the evaluator.
const (
	EventEmailReceived  = "email.received"
	EventWebhookInbound = "webhook.inbound"
	EventScheduleTick   = "schedule.tick"
)

// TriggerEvent is the transient value handed in by event sources. SourceID is
// the originating external id (e.g. an inbound message id) and anchors the
// idempotency fingerprint. ContactID identifies the counterparty a resulting
// action would be directed at (e.g. the sender address).
type TriggerEvent struct {
	Type      string         `json:"type"`
	UserID    string         `json:"user_id"` // empty for global events matched across users
	ContactID string         `json:"contact_id,omitempty"`
	SourceID  string         `json:"source_id"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// CandidateExecution pairs a matched rule with the event that matched it.
type CandidateExecution struct {
	Rule  models.AutomationRule
	Event TriggerEvent
}

// Result is the payload an action handler produced. Stored alongside the
// idempotency record so replays can return the original outcome.
type Result struct {
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}
