/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package refresh rate-limits refresh delivery: a minimum spacing
// between consecutive fires, deferral for requests that arrive too
// soon, and pause/resume that never loses a pending schedule.
package refresh

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultMinInterval is the minimum spacing between consecutive fires
// unless configured otherwise.
const DefaultMinInterval = 20 * time.Second

// Listener is invoked, with no internal locks held, each time the
// limiter decides a refresh should happen now. It runs on the
// goroutine that triggered the fire and may re-enter ScheduleAt.
type Listener func()

// Config tunes a Limiter. Zero values select DefaultMinInterval and
// SystemClock.
type Config struct {
	MinInterval time.Duration
	Clock       Clock
}

// State is an observable snapshot of a limiter, for status surfaces
// and tests.
type State struct {
	Enabled      bool
	HasScheduled bool
	Scheduled    time.Time
	LastFire     time.Time
}

// Limiter spaces out refresh fires. It wraps the single-shot timer
// capability of a Clock with three guarantees: consecutive unforced
// fires are at least MinInterval apart, a request arriving too soon is
// deferred to the earliest allowed instant rather than dropped, and at
// most one timer is ever armed. Disabling suppresses firing while
// retaining the recorded schedule, so Enable can resume exactly where
// the limiter left off.
type Limiter struct {
	clock       Clock
	minInterval time.Duration
	listener    Listener
	logger      zerolog.Logger

	mu           sync.Mutex
	enabled      bool
	hasScheduled bool
	scheduled    time.Time
	lastFire     time.Time
	timer        Timer
	closed       bool
}

// New constructs an enabled limiter. The construction instant counts
// as the last fire, so unforced refreshes are spaced from the start;
// callers that need an immediate initial refresh use UpdateNow(true).
func New(cfg Config, fn Listener, logger zerolog.Logger) *Limiter {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	return &Limiter{
		clock:       cfg.Clock,
		minInterval: cfg.MinInterval,
		listener:    fn,
		logger:      logger.With().Str("component", "refresh_limiter").Logger(),
		enabled:     true,
		lastFire:    cfg.Clock.Now(),
	}
}

// ScheduleAt requests a fire at the target instant. Targets inside the
// minimum interval since the last fire are pushed out to honor it. Any
// previously recorded schedule is superseded. While disabled the
// target is recorded but no timer is armed; Enable picks it up.
func (l *Limiter) ScheduleAt(target time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.scheduleLocked(target)
}

// UpdateNow requests an immediate fire. Unforced requests inside the
// minimum interval are deferred to the earliest allowed instant;
// forced requests always fire. While disabled the request is recorded
// as due immediately, so the next Enable delivers it.
func (l *Limiter) UpdateNow(force bool) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.stopTimerLocked()
	now := l.clock.Now()
	if force || now.Sub(l.lastFire) >= l.minInterval {
		if l.enabled {
			l.fireAndUnlock(now)
			return
		}
		l.scheduled = now
		l.hasScheduled = true
		l.mu.Unlock()
		return
	}
	l.scheduleLocked(l.lastFire.Add(l.minInterval))
	l.mu.Unlock()
}

// Enable resumes firing. A schedule recorded while disabled fires
// immediately if its instant has passed, otherwise the timer is armed
// for it. No-op when already enabled.
func (l *Limiter) Enable() {
	l.mu.Lock()
	if l.closed || l.enabled {
		l.mu.Unlock()
		return
	}
	l.enabled = true
	if !l.hasScheduled {
		l.mu.Unlock()
		return
	}
	now := l.clock.Now()
	if !l.scheduled.After(now) {
		l.fireAndUnlock(now)
		return
	}
	l.armLocked(l.scheduled)
	l.mu.Unlock()
}

// Disable suppresses firing and cancels the armed timer while keeping
// the recorded schedule: "not right now" rather than CancelScheduled's
// "forget it". No-op when already disabled.
func (l *Limiter) Disable() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || !l.enabled {
		return
	}
	l.enabled = false
	l.stopTimerLocked()
}

// CancelScheduled drops the armed timer and the recorded schedule,
// leaving the enabled state untouched.
func (l *Limiter) CancelScheduled() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.stopTimerLocked()
	l.hasScheduled = false
	l.scheduled = time.Time{}
}

// Close cancels any armed timer and turns every later call into a
// no-op.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.stopTimerLocked()
	l.hasScheduled = false
	l.scheduled = time.Time{}
}

// State returns the limiter's observable state.
func (l *Limiter) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{
		Enabled:      l.enabled,
		HasScheduled: l.hasScheduled,
		Scheduled:    l.scheduled,
		LastFire:     l.lastFire,
	}
}

func (l *Limiter) scheduleLocked(target time.Time) {
	if floor := l.lastFire.Add(l.minInterval); target.Before(floor) {
		target = floor
	}
	l.stopTimerLocked()
	l.scheduled = target
	l.hasScheduled = true
	if l.enabled {
		l.armLocked(target)
	}
}

func (l *Limiter) armLocked(target time.Time) {
	delay := target.Sub(l.clock.Now())
	if delay < 0 {
		delay = 0
	}
	l.timer = l.clock.AfterFunc(delay, l.onTimer)
}

func (l *Limiter) stopTimerLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// onTimer handles a timer elapse. Stop races mean a fire can arrive
// after the arm was superseded or the limiter paused; those are
// ignored here and the recorded schedule, if any, stays intact.
func (l *Limiter) onTimer() {
	l.mu.Lock()
	if l.closed || !l.enabled {
		l.mu.Unlock()
		return
	}
	if !l.hasScheduled {
		l.mu.Unlock()
		l.logger.Debug().Msg("timer fired with no refresh scheduled")
		return
	}
	now := l.clock.Now()
	if now.Before(l.scheduled) {
		// A newer, later schedule superseded the arm that fired.
		l.mu.Unlock()
		return
	}
	l.timer = nil
	l.fireAndUnlock(now)
}

// fireAndUnlock finalizes a fire decision: the recorded schedule is
// cleared and lastFire advanced before the lock is released and the
// listener runs, so the listener can re-enter ScheduleAt.
func (l *Limiter) fireAndUnlock(now time.Time) {
	l.stopTimerLocked()
	l.hasScheduled = false
	l.scheduled = time.Time{}
	l.lastFire = now
	fn := l.listener
	l.mu.Unlock()
	if fn != nil {
		fn()
	}
}
