package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"flowpilot/internal/config"
	"flowpilot/internal/metrics"
	"flowpilot/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Denial reasons returned by Authorize.
const (
	ReasonKillSwitch      = "kill_switch_engaged"
	ReasonContactThrottle = "contact_throttle_exceeded"
	ReasonBurstCap        = "burst_cap_exceeded"
)

const killSwitchFlag = "kill_switch"

// SafetyState owns the persisted kill switch. Reads are wait-free; toggling
// writes through to storage so the flag survives restarts.
type SafetyState interface {
	KillSwitch() bool
	SetKillSwitch(ctx context.Context, enabled bool) error
}

// GormSafetyState keeps the flag in an atomic for readers and mirrors it to a
// safety_flags row.
type GormSafetyState struct {
	db      *gorm.DB
	engaged atomic.Bool
}

func NewGormSafetyState(db *gorm.DB) (*GormSafetyState, error) {
	s := &GormSafetyState{db: db}
	var flag models.SafetyFlag
	err := db.Where("name = ?", killSwitchFlag).First(&flag).Error
	switch {
	case err == nil:
		s.engaged.Store(flag.Enabled)
	case err == gorm.ErrRecordNotFound:
		// First boot: flag defaults to off.
	default:
		return nil, err
	}
	return s, nil
}

func (s *GormSafetyState) KillSwitch() bool { return s.engaged.Load() }

func (s *GormSafetyState) SetKillSwitch(ctx context.Context, enabled bool) error {
	flag := models.SafetyFlag{Name: killSwitchFlag, Enabled: enabled, UpdatedAt: time.Now().UTC()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"enabled", "updated_at"}),
	}).Create(&flag).Error; err != nil {
		return err
	}
	s.engaged.Store(enabled)
	return nil
}

// SafetyGate is the composite guard consulted before every action attempt:
// kill switch, per-contact daily throttle, per-user burst cap. The three
// checks plus their increments happen under one lock so concurrent dispatches
// for the same user/contact cannot both squeeze past a cap.
type SafetyGate struct {
	cfg    config.SafetyConfig
	state  SafetyState
	logger *logrus.Logger

	throttled map[string]struct{}

	mu      sync.Mutex
	contact map[string][]time.Time // user|contact → throttled-action timestamps
	burst   map[string][]time.Time // user → action timestamps

	now func() time.Time
}

func NewSafetyGate(cfg config.SafetyConfig, state SafetyState, logger *logrus.Logger) *SafetyGate {
	if logger == nil {
		logger = logrus.New()
	}
	throttled := make(map[string]struct{}, len(cfg.ThrottledActions))
	for _, a := range cfg.ThrottledActions {
		throttled[a] = struct{}{}
	}
	return &SafetyGate{
		cfg:       cfg,
		state:     state,
		logger:    logger,
		throttled: throttled,
		contact:   make(map[string][]time.Time),
		burst:     make(map[string][]time.Time),
		now:       time.Now,
	}
}

// Authorize checks the gate for one action attempt and, on allow, counts it.
// Denials return a stable reason code; they are outcomes, not errors.
func (g *SafetyGate) Authorize(userID, contactID, actionType string) (bool, string) {
	if g.state.KillSwitch() {
		metrics.IncSafetyDenial(ReasonKillSwitch)
		return false, ReasonKillSwitch
	}

	now := g.now()
	_, counted := g.throttled[actionType]
	contactKey := userID + "|" + contactID

	g.mu.Lock()
	defer g.mu.Unlock()

	burstWin := pruneWindow(g.burst[userID], now.Add(-g.cfg.UserBurstWindow))
	var contactWin []time.Time
	if counted && contactID != "" {
		contactWin = pruneWindow(g.contact[contactKey], now.Add(-g.cfg.ContactWindow))
		if len(contactWin) >= g.cfg.ContactDailyCap {
			g.contact[contactKey] = contactWin
			g.burst[userID] = burstWin
			metrics.IncSafetyDenial(ReasonContactThrottle)
			return false, ReasonContactThrottle
		}
	}
	if len(burstWin) >= g.cfg.UserBurstCap {
		g.burst[userID] = burstWin
		if counted && contactID != "" {
			g.contact[contactKey] = contactWin
		}
		metrics.IncSafetyDenial(ReasonBurstCap)
		return false, ReasonBurstCap
	}

	g.burst[userID] = append(burstWin, now)
	if counted && contactID != "" {
		g.contact[contactKey] = append(contactWin, now)
	}
	return true, ""
}

// sweep drops window entries that have fully expired, so gate memory tracks
// currently active contacts and users rather than every key ever seen.
func (g *SafetyGate) sweep() {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	contactCutoff := now.Add(-g.cfg.ContactWindow)
	for key, win := range g.contact {
		if win = pruneWindow(win, contactCutoff); len(win) == 0 {
			delete(g.contact, key)
		} else {
			g.contact[key] = win
		}
	}
	burstCutoff := now.Add(-g.cfg.UserBurstWindow)
	for key, win := range g.burst {
		if win = pruneWindow(win, burstCutoff); len(win) == 0 {
			delete(g.burst, key)
		} else {
			g.burst[key] = win
		}
	}
}

// StartSweepLoop sweeps on a ticker until ctx is cancelled.
func (g *SafetyGate) StartSweepLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweep()
		}
	}
}

// SetKillSwitch toggles the global switch. In-flight actions already past the
// gate finish; nothing new passes once set.
func (g *SafetyGate) SetKillSwitch(ctx context.Context, enabled bool) error {
	if err := g.state.SetKillSwitch(ctx, enabled); err != nil {
		return err
	}
	g.logger.Warnf("safety: kill switch set to %v", enabled)
	return nil
}

// KillSwitchEngaged reports the current flag, for the admin API.
func (g *SafetyGate) KillSwitchEngaged() bool { return g.state.KillSwitch() }

// pruneWindow drops timestamps at or before cutoff. The slice is kept sorted
// by construction (appends only move forward in time).
func pruneWindow(win []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(win) && !win[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return win
	}
	return append(win[:0:0], win[i:]...)
}
