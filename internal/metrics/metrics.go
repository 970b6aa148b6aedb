package metrics

import (
	"sync"
	"sync/atomic"
)

// engineStats holds counters for gate denials and dispatch outcomes.
// Kept simple/thread-safe for use from the engine and exposition.
type engineStats struct {
	denialsTotal uint64
	mu           sync.Mutex
	denialsBy    map[string]uint64
	outcomesBy   map[string]uint64
}

var es engineStats

// IncSafetyDenial increments denial counters for the given reason
// (kill_switch_engaged, contact_throttle_exceeded, burst_cap_exceeded).
func IncSafetyDenial(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	atomic.AddUint64(&es.denialsTotal, 1)
	es.mu.Lock()
	if es.denialsBy == nil {
		es.denialsBy = make(map[string]uint64)
	}
	es.denialsBy[reason]++
	es.mu.Unlock()
}

// IncDispatchOutcome counts a finished dispatch by outcome
// (executed, skipped, deduplicated, failed).
func IncDispatchOutcome(outcome string) {
	if outcome == "" {
		return
	}
	es.mu.Lock()
	if es.outcomesBy == nil {
		es.outcomesBy = make(map[string]uint64)
	}
	es.outcomesBy[outcome]++
	es.mu.Unlock()
}

// SafetyDenialSnapshot returns a copy of the current denial counters.
func SafetyDenialSnapshot() (total uint64, by map[string]uint64) {
	total = atomic.LoadUint64(&es.denialsTotal)
	es.mu.Lock()
	defer es.mu.Unlock()
	by = make(map[string]uint64, len(es.denialsBy))
	for k, v := range es.denialsBy {
		by[k] = v
	}
	return total, by
}

// DispatchOutcomeSnapshot returns a copy of the outcome counters.
func DispatchOutcomeSnapshot() map[string]uint64 {
	es.mu.Lock()
	defer es.mu.Unlock()
	out := make(map[string]uint64, len(es.outcomesBy))
	for k, v := range es.outcomesBy {
		out[k] = v
	}
	return out
}
