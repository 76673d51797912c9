// Package channel provides the persistent duplex transport to the
// conversational agent.
//
// This file implements the timer service used for reconnection scheduling.
// The service is injected as a capability so reconnection timing is
// deterministically testable without real wall-clock waits.
package channel

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TimerService schedules deferred work for the channel's reconnection logic.
type TimerService interface {
	// ScheduleAfter schedules fn to run after delay. Returns a cancellation ID.
	ScheduleAfter(delay time.Duration, fn func()) (string, error)

	// Cancel cancels a scheduled function by ID. Cancelling an unknown or
	// already-fired timer is a no-op.
	Cancel(id string) error

	// Stop cancels all scheduled timers.
	Stop()
}

// timerEntry tracks a scheduled timer.
type timerEntry struct {
	timer *time.Timer
}

// SimpleTimer implements TimerService using the standard time package.
type SimpleTimer struct {
	mu     sync.Mutex
	timers map[string]*timerEntry
	nextID int64
}

// NewSimpleTimer creates a new SimpleTimer.
func NewSimpleTimer() *SimpleTimer {
	return &SimpleTimer{timers: make(map[string]*timerEntry)}
}

// ScheduleAfter schedules a function to run after a delay.
func (t *SimpleTimer) ScheduleAfter(delay time.Duration, fn func()) (string, error) {
	t.mu.Lock()
	t.nextID++
	id := fmt.Sprintf("timer_%d", t.nextID)
	t.mu.Unlock()

	timer := time.AfterFunc(delay, func() {
		fn()
		t.mu.Lock()
		delete(t.timers, id)
		t.mu.Unlock()
	})

	t.mu.Lock()
	t.timers[id] = &timerEntry{timer: timer}
	t.mu.Unlock()

	slog.Debug("SimpleTimer ScheduleAfter succeeded", "id", id, "delay", delay)
	return id, nil
}

// Cancel cancels a scheduled function by ID.
func (t *SimpleTimer) Cancel(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, exists := t.timers[id]; exists {
		entry.timer.Stop()
		delete(t.timers, id)
		slog.Debug("SimpleTimer Cancel succeeded", "id", id)
	}
	return nil
}

// Stop cancels all scheduled timers.
func (t *SimpleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, entry := range t.timers {
		entry.timer.Stop()
	}
	t.timers = make(map[string]*timerEntry)
	slog.Debug("SimpleTimer stopped all timers")
}
