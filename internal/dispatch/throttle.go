package dispatch

import (
	"log/slog"
	"sync"
)

// Throttle adjusts worker concurrency from send outcomes. Growth is
// earned: one extra worker per unbroken streak of threshold successes.
// A provider rate-limit signal doubles the threshold and restarts the
// streak, so capacity only grows again after a longer proof of health.
type Throttle struct {
	mu        sync.Mutex
	successes int
	threshold int
	allowUp   bool
	spawn     func()
}

// NewThrottle builds a controller with the given initial threshold.
// spawn is called, outside any send path, each time the controller earns
// one more worker; a nil spawn disables growth entirely.
func NewThrottle(threshold int, spawn func()) *Throttle {
	return &Throttle{threshold: threshold, allowUp: spawn != nil, spawn: spawn}
}

func (t *Throttle) OnSuccess() {
	t.mu.Lock()
	t.successes++
	grow := t.allowUp && t.successes >= t.threshold
	if grow {
		t.successes = 0
	}
	t.mu.Unlock()

	if grow {
		slog.Info("throttle scaling up", "threshold", t.Threshold())
		t.spawn()
	}
}

// OnRateLimited makes future growth twice as hard to earn and restarts
// the success streak. The current worker count is left alone; shrink
// happens worker-side when rate limits persist.
func (t *Throttle) OnRateLimited() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.threshold *= 2
	t.successes = 0
	slog.Warn("provider rate limit, raising throttle threshold", "threshold", t.threshold)
}

// OnFailure restarts the success streak without touching the threshold.
func (t *Throttle) OnFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successes = 0
}

func (t *Throttle) Threshold() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.threshold
}

func (t *Throttle) Successes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.successes
}
