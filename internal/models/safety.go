package models

import "time"

// SafetyFlag is a persisted process-wide switch, keyed by name. The engine
// uses a single row ("kill_switch") so the flag survives restarts.
type SafetyFlag struct {
	Name      string    `gorm:"primaryKey" json:"name"`
	Enabled   bool      `gorm:"not null;default:false" json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (SafetyFlag) TableName() string { return "safety_flags" }
