package models

import "time"

const (
	CredentialStatusValid      = "valid"
	CredentialStatusRefreshing = "refreshing"
	CredentialStatusSuspended  = "suspended"
)

// CredentialRecord stores one user's OAuth tokens for an integration.
// Token columns hold ciphertext only; decryption happens in memory for the
// duration of a call. Suspended records serve no action until the user
// re-authorizes.
type CredentialRecord struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	UserID              string    `gorm:"uniqueIndex:ux_cred_user_integration,priority:1;not null" json:"user_id"`
	Integration         string    `gorm:"uniqueIndex:ux_cred_user_integration,priority:2;not null" json:"integration"`
	AccessTokenCipher   []byte    `gorm:"not null" json:"-"`
	RefreshTokenCipher  []byte    `gorm:"not null" json:"-"`
	Expiry              time.Time `json:"expiry"`
	ConsecutiveFailures int       `gorm:"not null;default:0" json:"consecutive_failures"`
	Status              string    `gorm:"index;default:'valid'" json:"status"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}
