package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"flowpilot/internal/models"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// EventSink receives the events the scheduler produces. In production this is
// the evaluate-then-dispatch pipeline.
type EventSink func(ctx context.Context, event TriggerEvent)

// Scheduler turns the cron specs on active schedule rules into schedule.tick
// events. Entries are reconciled from the database on a fixed cadence so rule
// edits take effect without a restart.
type Scheduler struct {
	db     *gorm.DB
	sink   EventSink
	logger *logrus.Logger

	cron        *cron.Cron
	reloadEvery time.Duration

	mu          sync.Mutex
	cronEntries map[uuid.UUID]cron.EntryID
	cronSpecs   map[uuid.UUID]string
}

func NewScheduler(db *gorm.DB, sink EventSink, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scheduler{
		db:          db,
		sink:        sink,
		logger:      logger,
		cron:        cron.New(),
		reloadEvery: 30 * time.Second,
		cronEntries: map[uuid.UUID]cron.EntryID{},
		cronSpecs:   map[uuid.UUID]string{},
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.reconcile(ctx); err != nil {
		return err
	}
	s.cron.Start()
	go s.reloadLoop(ctx)
	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

func (s *Scheduler) reloadLoop(ctx context.Context) {
	t := time.NewTicker(s.reloadEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.reconcile(ctx); err != nil {
				s.logger.Warnf("scheduler: reconcile failed: %v", err)
			}
		}
	}
}

func (s *Scheduler) reconcile(ctx context.Context) error {
	var rules []models.AutomationRule
	err := s.db.WithContext(ctx).
		Where("event_type = ? AND status = ? AND schedule <> ''", EventScheduleTick, models.RuleStatusActive).
		Find(&rules).Error
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	expected := map[uuid.UUID]struct{}{}
	for _, rule := range rules {
		expected[rule.ID] = struct{}{}

		// Recreate the entry when the spec changed.
		if old, ok := s.cronSpecs[rule.ID]; ok && old != rule.Schedule {
			s.cron.Remove(s.cronEntries[rule.ID])
			delete(s.cronEntries, rule.ID)
			delete(s.cronSpecs, rule.ID)
		}
		if _, exists := s.cronEntries[rule.ID]; exists {
			continue
		}

		ruleID := rule.ID
		userID := rule.UserID
		id, err := s.cron.AddFunc(rule.Schedule, func() {
			s.fire(ruleID, userID)
		})
		if err != nil {
			s.logger.Warnf("scheduler: invalid cron spec %q on rule %s: %v", rule.Schedule, rule.ID, err)
			continue
		}
		s.cronEntries[rule.ID] = id
		s.cronSpecs[rule.ID] = rule.Schedule
	}

	// Drop entries for rules that were paused, disabled, or deleted.
	for ruleID, entryID := range s.cronEntries {
		if _, ok := expected[ruleID]; ok {
			continue
		}
		s.cron.Remove(entryID)
		delete(s.cronEntries, ruleID)
		delete(s.cronSpecs, ruleID)
	}
	return nil
}

func (s *Scheduler) fire(ruleID uuid.UUID, userID string) {
	now := time.Now().UTC()
	// SourceID is minute-stable so a restarted process does not double-fire
	// the same tick past the idempotency ledger.
	evt := TriggerEvent{
		Type:      EventScheduleTick,
		UserID:    userID,
		SourceID:  fmt.Sprintf("tick-%s-%s", ruleID, now.Format("200601021504")),
		Payload:   map[string]any{"rule_id": ruleID.String(), "ts": now.UnixMilli()},
		Timestamp: now,
	}
	s.sink(context.Background(), evt)
}
