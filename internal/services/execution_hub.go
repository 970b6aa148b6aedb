package services

import (
	"sync"
	"time"
)

// ExecutionEvent is streamed to admin clients as dispatches finish.
// It carries classified codes only, never payloads or tokens.
type ExecutionEvent struct {
	RuleID       string `json:"rule_id"`
	UserID       string `json:"user_id"`
	Key          string `json:"key"`
	Outcome      string `json:"outcome"`
	Reason       string `json:"reason,omitempty"`
	TSUnixMillis int64  `json:"ts"`
}

// ExecutionHub is a small in-memory pub/sub for the live event feed.
// Slow subscribers drop events rather than stalling the dispatcher.
type ExecutionHub struct {
	mu   sync.RWMutex
	subs map[chan ExecutionEvent]struct{}
}

func NewExecutionHub() *ExecutionHub {
	return &ExecutionHub{subs: map[chan ExecutionEvent]struct{}{}}
}

func (h *ExecutionHub) Subscribe() (<-chan ExecutionEvent, func()) {
	ch := make(chan ExecutionEvent, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *ExecutionHub) Publish(evt ExecutionEvent) {
	if evt.TSUnixMillis == 0 {
		evt.TSUnixMillis = time.Now().UTC().UnixMilli()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
