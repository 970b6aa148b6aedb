package models

import "time"

// Idempotency record states form a small per-attempt machine:
// in_progress → {succeeded, failed, aborted}; aborted/failed may re-enter
// in_progress on retry. Only one attempt is ever in_progress for a key.
const (
	IdemStateInProgress = "in_progress"
	IdemStateSucceeded  = "succeeded"
	IdemStateFailed     = "failed"
	IdemStateAborted    = "aborted"
)

// IdempotencyRecord answers "has this exact effect already been produced?".
// Key is the deterministic fingerprint hash(rule id, event source id, action type).
// Records expire after the retention window; an expired key re-triggering the
// action is an accepted tradeoff.
type IdempotencyRecord struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	State     string    `gorm:"index;not null" json:"state"`
	Result    string    `gorm:"type:text" json:"result,omitempty"` // JSON payload of the stored result
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `gorm:"index" json:"expires_at"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_records" }
