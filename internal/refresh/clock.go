/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package refresh

import "time"

// Timer is a single-shot timer armed through a Clock. Stop reports
// whether the call prevented the timer from firing.
type Timer interface {
	Stop() bool
}

// Clock supplies the current time and single-shot timers. Production
// code uses SystemClock; tests drive a fake by hand. SystemClock
// readings carry Go's monotonic clock, so interval arithmetic is
// immune to wall-clock adjustments.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemClock is the Clock backed by the time package.
var SystemClock Clock = systemClock{}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return systemTimer{t: time.AfterFunc(d, f)}
}

type systemTimer struct{ t *time.Timer }

func (st systemTimer) Stop() bool { return st.t.Stop() }
