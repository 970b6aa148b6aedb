package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"flowpilot/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FingerprintKey builds the deterministic idempotency key for one
// (rule, event, action) execution attempt.
func FingerprintKey(ruleID, sourceID, actionType string) string {
	h := sha256.Sum256([]byte(ruleID + "|" + sourceID + "|" + actionType))
	return hex.EncodeToString(h[:])
}

// IdempotencyLedger records one fingerprint per attempted action. TryBegin is
// the only entry point that may create a record; at most one attempt is ever
// in flight for a key.
type IdempotencyLedger struct {
	db        *gorm.DB
	logger    *logrus.Logger
	retention time.Duration
	now       func() time.Time
}

func NewIdempotencyLedger(db *gorm.DB, logger *logrus.Logger, retention time.Duration) *IdempotencyLedger {
	if logger == nil {
		logger = logrus.New()
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &IdempotencyLedger{db: db, logger: logger, retention: retention, now: time.Now}
}

// TryBegin claims key for a new attempt. alreadyDone=true means the caller
// must not invoke the handler: either the effect was produced (prior holds the
// stored result) or a concurrent attempt is underway (prior is nil).
func (l *IdempotencyLedger) TryBegin(ctx context.Context, key string) (alreadyDone bool, prior *Result, err error) {
	now := l.now().UTC()
	rec := models.IdempotencyRecord{
		Key:       key,
		State:     models.IdemStateInProgress,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(l.retention),
	}
	res := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		return false, nil, res.Error
	}
	if res.RowsAffected == 1 {
		return false, nil, nil
	}

	// Key exists. Inspect its state.
	var existing models.IdempotencyRecord
	if err := l.db.WithContext(ctx).Where("key = ?", key).First(&existing).Error; err != nil {
		return false, nil, err
	}

	if existing.ExpiresAt.Before(now) {
		// Expired record: the same event re-triggering is the accepted
		// tradeoff. Reclaim the row for a fresh attempt.
		claim := l.db.WithContext(ctx).Model(&models.IdempotencyRecord{}).
			Where("key = ? AND expires_at < ?", key, now).
			Updates(map[string]any{
				"state":      models.IdemStateInProgress,
				"result":     "",
				"updated_at": now,
				"expires_at": now.Add(l.retention),
			})
		if claim.Error != nil {
			return false, nil, claim.Error
		}
		if claim.RowsAffected == 1 {
			return false, nil, nil
		}
		return true, nil, nil // raced with another claimant
	}

	switch existing.State {
	case models.IdemStateSucceeded:
		return true, decodeResult(existing.Result, l.logger), nil
	case models.IdemStateInProgress:
		return true, nil, nil
	case models.IdemStateFailed, models.IdemStateAborted:
		// A legitimate retry re-enters from a released key. The guarded
		// update keeps at-most-one-in-flight under concurrent retries.
		claim := l.db.WithContext(ctx).Model(&models.IdempotencyRecord{}).
			Where("key = ? AND state IN ?", key, []string{models.IdemStateFailed, models.IdemStateAborted}).
			Updates(map[string]any{"state": models.IdemStateInProgress, "updated_at": now})
		if claim.Error != nil {
			return false, nil, claim.Error
		}
		if claim.RowsAffected == 1 {
			return false, nil, nil
		}
		return true, nil, nil
	default:
		l.logger.Warnf("ledger: record %s in unknown state %q", shortKey(key), existing.State)
		return true, nil, nil
	}
}

// Complete marks the attempt succeeded and stores its result.
func (l *IdempotencyLedger) Complete(ctx context.Context, key string, result Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		payload = []byte("{}")
	}
	return l.transition(ctx, key, models.IdemStateSucceeded, string(payload))
}

// MarkFailed records a permanent failure for the key. The rule continues; this
// specific event stays failed.
func (l *IdempotencyLedger) MarkFailed(ctx context.Context, key string) error {
	return l.transition(ctx, key, models.IdemStateFailed, "")
}

// Abort releases the key after a transient failure so a retry can re-enter
// TryBegin.
func (l *IdempotencyLedger) Abort(ctx context.Context, key string) error {
	return l.transition(ctx, key, models.IdemStateAborted, "")
}

func (l *IdempotencyLedger) transition(ctx context.Context, key, state, result string) error {
	updates := map[string]any{"state": state, "updated_at": l.now().UTC()}
	if result != "" {
		updates["result"] = result
	}
	res := l.db.WithContext(ctx).Model(&models.IdempotencyRecord{}).
		Where("key = ? AND state = ?", key, models.IdemStateInProgress).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		l.logger.Warnf("ledger: %s transition on %s matched no in-progress record", state, shortKey(key))
	}
	return nil
}

// PruneExpired deletes records past retention, bounding storage growth.
func (l *IdempotencyLedger) PruneExpired(ctx context.Context) error {
	return l.db.WithContext(ctx).
		Where("expires_at < ?", l.now().UTC()).
		Delete(&models.IdempotencyRecord{}).Error
}

// StartPruneLoop prunes on a ticker until ctx is cancelled.
func (l *IdempotencyLedger) StartPruneLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := l.PruneExpired(ctx); err != nil {
				l.logger.Warnf("ledger: prune failed: %v", err)
			}
		}
	}
}

func decodeResult(raw string, logger *logrus.Logger) *Result {
	if raw == "" {
		return nil
	}
	var r Result
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		logger.Warnf("ledger: stored result undecodable: %v", err)
		return nil
	}
	return &r
}

// shortKey truncates a fingerprint for logs.
func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
