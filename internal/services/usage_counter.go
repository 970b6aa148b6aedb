package services

import (
	"context"
	"time"

	"flowpilot/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Metric names the dispatcher increments.
const (
	MetricAutomationActions = "automation_actions"
	MetricAIResponses       = "ai_responses"
)

// UsageService increments per-user, per-metric counters for the current
// billing period. Billing reads these; the engine only ever adds. A counter
// failure is logged but never blocks or rolls back an executed action.
type UsageService struct {
	db     *gorm.DB
	logger *logrus.Logger
	now    func() time.Time
}

func NewUsageService(db *gorm.DB, logger *logrus.Logger) *UsageService {
	if logger == nil {
		logger = logrus.New()
	}
	return &UsageService{db: db, logger: logger, now: time.Now}
}

// Increment adds amount to (userID, metric) for the current period.
// At-least-once: the dispatcher calls this after the side effect happened, so
// the increment is a record of fact, not a gate.
func (s *UsageService) Increment(ctx context.Context, userID, metric string, amount int64) {
	if amount <= 0 {
		return
	}
	period := s.now().UTC().Format("2006-01")
	counter := models.UsageCounter{
		UserID:    userID,
		Metric:    metric,
		Period:    period,
		Count:     amount,
		UpdatedAt: s.now().UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "metric"}, {Name: "period"}},
		DoUpdates: clause.Assignments(map[string]any{
			"count":      gorm.Expr("count + ?", amount),
			"updated_at": s.now().UTC(),
		}),
	}).Create(&counter).Error
	if err != nil {
		// Billing correctness depends on this; make the failure loud.
		s.logger.Errorf("usage: increment %s/%s failed: %v", userID, metric, err)
	}
}

// Get returns the counter value for one (user, metric, period).
func (s *UsageService) Get(ctx context.Context, userID, metric, period string) (int64, error) {
	var counter models.UsageCounter
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND metric = ? AND period = ?", userID, metric, period).
		First(&counter).Error
	if err == gorm.ErrRecordNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return counter.Count, nil
}
