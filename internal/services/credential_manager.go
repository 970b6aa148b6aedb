package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"flowpilot/internal/config"
	"flowpilot/internal/models"
	"flowpilot/internal/secrets"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

// TokenRefresher exchanges a refresh token for a fresh access token.
// One refresher is registered per integration.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// OAuthRefresher refreshes through a standard oauth2 endpoint configuration.
type OAuthRefresher struct {
	Config *oauth2.Config
}

func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	src := r.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return src.Token()
}

// RulePauser is the cascade hook: when a credential is suspended, every rule
// the user owns for that integration is paused.
type RulePauser interface {
	PauseRulesForIntegration(ctx context.Context, userID, integration string) (int64, error)
}

// CredentialManager owns OAuth tokens per (user, integration), refreshes them
// transparently and escalates to suspension after repeated failures. Token
// columns hold ciphertext; plaintext exists only in memory during a call.
type CredentialManager struct {
	db         *gorm.DB
	box        *secrets.Box
	logger     *logrus.Logger
	cfg        config.CredentialsConfig
	refreshers map[string]TokenRefresher
	pauser     RulePauser
	now        func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex // refresh serialization per (user, integration)
}

func NewCredentialManager(db *gorm.DB, box *secrets.Box, cfg config.CredentialsConfig, pauser RulePauser, logger *logrus.Logger) *CredentialManager {
	if logger == nil {
		logger = logrus.New()
	}
	return &CredentialManager{
		db:         db,
		box:        box,
		logger:     logger,
		cfg:        cfg,
		refreshers: make(map[string]TokenRefresher),
		pauser:     pauser,
		now:        time.Now,
		locks:      make(map[string]*sync.Mutex),
	}
}

// RegisterRefresher wires the refresh flow for one integration.
func (m *CredentialManager) RegisterRefresher(integration string, r TokenRefresher) {
	m.refreshers[integration] = r
}

// Store persists a credential after a successful authorization, sealing both
// tokens. Re-authorization resets failure state and lifts a suspension.
func (m *CredentialManager) Store(ctx context.Context, userID, integration, accessToken, refreshToken string, expiry time.Time) error {
	accessCipher, err := m.box.Seal([]byte(accessToken))
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refreshCipher, err := m.box.Seal([]byte(refreshToken))
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	now := m.now().UTC()

	var existing models.CredentialRecord
	err = m.db.WithContext(ctx).
		Where("user_id = ? AND integration = ?", userID, integration).
		First(&existing).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		rec := models.CredentialRecord{
			UserID:             userID,
			Integration:        integration,
			AccessTokenCipher:  accessCipher,
			RefreshTokenCipher: refreshCipher,
			Expiry:             expiry,
			Status:             models.CredentialStatusValid,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		return m.db.WithContext(ctx).Create(&rec).Error
	case err != nil:
		return err
	}

	return m.db.WithContext(ctx).Model(&existing).Updates(map[string]any{
		"access_token_cipher":  accessCipher,
		"refresh_token_cipher": refreshCipher,
		"expiry":               expiry,
		"consecutive_failures": 0,
		"status":               models.CredentialStatusValid,
		"updated_at":           now,
	}).Error
}

// GetValidToken returns a usable access token for (user, integration),
// refreshing it first when expired. Suspended credentials serve nothing.
func (m *CredentialManager) GetValidToken(ctx context.Context, userID, integration string) (string, error) {
	var rec models.CredentialRecord
	err := m.db.WithContext(ctx).
		Where("user_id = ? AND integration = ?", userID, integration).
		First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return "", ErrCredentialNotFound
	}
	if err != nil {
		return "", err
	}
	if rec.Status == models.CredentialStatusSuspended {
		return "", ErrCredentialSuspended
	}

	if rec.Expiry.After(m.now().Add(m.cfg.ExpirySkew)) {
		plain, err := m.box.Open(rec.AccessTokenCipher)
		if err != nil {
			return "", fmt.Errorf("open access token: %w", err)
		}
		return string(plain), nil
	}

	return m.refresh(ctx, userID, integration)
}

// refreshLock returns the mutex serializing refreshes for one credential, so
// concurrent expired reads trigger a single upstream exchange.
func (m *CredentialManager) refreshLock(userID, integration string) *sync.Mutex {
	key := userID + "|" + integration
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}

func (m *CredentialManager) refresh(ctx context.Context, userID, integration string) (string, error) {
	lock := m.refreshLock(userID, integration)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock: a caller we waited on may have refreshed or
	// suspended this credential already.
	var rec models.CredentialRecord
	err := m.db.WithContext(ctx).
		Where("user_id = ? AND integration = ?", userID, integration).
		First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return "", ErrCredentialNotFound
	}
	if err != nil {
		return "", err
	}
	if rec.Status == models.CredentialStatusSuspended {
		return "", ErrCredentialSuspended
	}
	if rec.Expiry.After(m.now().Add(m.cfg.ExpirySkew)) {
		plain, err := m.box.Open(rec.AccessTokenCipher)
		if err != nil {
			return "", fmt.Errorf("open access token: %w", err)
		}
		return string(plain), nil
	}

	refresher, ok := m.refreshers[integration]
	if !ok {
		return "", fmt.Errorf("no refresher for integration %s", integration)
	}
	refreshPlain, err := m.box.Open(rec.RefreshTokenCipher)
	if err != nil {
		return "", fmt.Errorf("open refresh token: %w", err)
	}

	m.db.WithContext(ctx).Model(&rec).Update("status", models.CredentialStatusRefreshing)

	refreshCtx, cancel := context.WithTimeout(ctx, m.cfg.RefreshTimeout)
	defer cancel()

	// Short in-call backoff absorbs blips; a failure here counts once
	// against the suspension threshold.
	var token *oauth2.Token
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), refreshCtx)
	err = backoff.Retry(func() error {
		var rerr error
		token, rerr = refresher.Refresh(refreshCtx, string(refreshPlain))
		return rerr
	}, bo)
	if err != nil {
		return "", m.onRefreshFailure(ctx, &rec, err)
	}

	accessCipher, err := m.box.Seal([]byte(token.AccessToken))
	if err != nil {
		return "", fmt.Errorf("seal access token: %w", err)
	}
	updates := map[string]any{
		"access_token_cipher":  accessCipher,
		"expiry":               token.Expiry,
		"consecutive_failures": 0,
		"status":               models.CredentialStatusValid,
		"updated_at":           m.now().UTC(),
	}
	if token.RefreshToken != "" {
		refreshCipher, err := m.box.Seal([]byte(token.RefreshToken))
		if err != nil {
			return "", fmt.Errorf("seal refresh token: %w", err)
		}
		updates["refresh_token_cipher"] = refreshCipher
	}
	if err := m.db.WithContext(ctx).Model(&rec).Updates(updates).Error; err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

func (m *CredentialManager) onRefreshFailure(ctx context.Context, rec *models.CredentialRecord, cause error) error {
	// The counter advances in SQL so a concurrent failure recorded by
	// another process is never overwritten with a stale value.
	if err := m.db.WithContext(ctx).Model(&models.CredentialRecord{}).
		Where("id = ?", rec.ID).
		Updates(map[string]any{
			"consecutive_failures": gorm.Expr("consecutive_failures + 1"),
			"status":               models.CredentialStatusValid,
			"updated_at":           m.now().UTC(),
		}).Error; err != nil {
		m.logger.Errorf("credentials: persist failure count failed: %v", err)
		return errors.Join(ErrCredentialRefresh, cause)
	}

	var fresh models.CredentialRecord
	if err := m.db.WithContext(ctx).First(&fresh, "id = ?", rec.ID).Error; err != nil {
		m.logger.Errorf("credentials: reload after failure failed: %v", err)
		return errors.Join(ErrCredentialRefresh, cause)
	}
	m.logger.Warnf("credentials: refresh failed for user=%s integration=%s (failure %d/%d)",
		fresh.UserID, fresh.Integration, fresh.ConsecutiveFailures, m.cfg.FailureThreshold)

	if fresh.ConsecutiveFailures < m.cfg.FailureThreshold {
		return errors.Join(ErrCredentialRefresh, cause)
	}

	if err := m.db.WithContext(ctx).Model(&models.CredentialRecord{}).
		Where("id = ? AND consecutive_failures >= ?", rec.ID, m.cfg.FailureThreshold).
		Updates(map[string]any{
			"status":     models.CredentialStatusSuspended,
			"updated_at": m.now().UTC(),
		}).Error; err != nil {
		m.logger.Errorf("credentials: persist suspension failed: %v", err)
	}
	if m.pauser != nil {
		paused, err := m.pauser.PauseRulesForIntegration(ctx, fresh.UserID, fresh.Integration)
		if err != nil {
			m.logger.Errorf("credentials: pause cascade failed for user=%s: %v", fresh.UserID, err)
		} else if paused > 0 {
			m.logger.Warnf("credentials: paused %d rule(s) for user=%s integration=%s", paused, fresh.UserID, fresh.Integration)
		}
	}
	return ErrCredentialSuspended
}
