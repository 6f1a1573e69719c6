/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/friendsincode/tilefeed/internal/models"
	"github.com/friendsincode/tilefeed/internal/timeline"
)

// MaxSimulationRange bounds how much wall time one simulation may
// cover.
const MaxSimulationRange = 14 * 24 * time.Hour

// SimulatedStep records one selection change during a simulation run.
type SimulatedStep struct {
	At        time.Time  `json:"at"`
	HasEntry  bool       `json:"has_entry"`
	EntryID   string     `json:"entry_id,omitempty"`
	Position  int        `json:"position"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// SimulateSnapshot replays selection over a compiled snapshot, sampling
// every step and keeping only the instants where the answer changed.
// The first sample is always kept. No limiter is involved; this is the
// pure selection core against synthetic clock readings.
func SimulateSnapshot(snap timeline.Snapshot, meta []EntryMeta, from, until time.Time, step time.Duration) []SimulatedStep {
	if step <= 0 {
		step = time.Minute
	}

	var steps []SimulatedStep
	first := true
	var lastID string
	var lastHas bool
	for at := from; !at.After(until); at = at.Add(step) {
		sel, ok := snap.ActiveAt(at)
		var id string
		var pos int
		if ok {
			m := meta[sel.Index]
			id, pos = m.EntryID, m.Position
		}
		if !first && ok == lastHas && id == lastID {
			continue
		}
		first = false
		lastHas, lastID = ok, id

		out := SimulatedStep{At: at, HasEntry: ok, EntryID: id, Position: pos}
		if ok {
			if exp, will := snap.ExpiryAfter(sel, at); will && exp.Before(unboundedEnd) {
				e := exp
				out.ExpiresAt = &e
			}
		}
		steps = append(steps, out)
	}
	return steps
}

// Simulate replays selection for a channel over [from, until] without
// touching live state: the newest timeline is compiled into a snapshot
// spanning the requested range and sampled every step.
func (s *Service) Simulate(ctx context.Context, channelID string, from, until time.Time, step time.Duration) ([]SimulatedStep, error) {
	if until.Before(from) {
		return nil, fmt.Errorf("simulation range ends before it starts")
	}
	if until.Sub(from) > MaxSimulationRange {
		return nil, fmt.Errorf("simulation range exceeds %s", MaxSimulationRange)
	}
	if step <= 0 {
		step = time.Minute
	}

	loc := time.UTC
	var ch models.Channel
	err := s.db.WithContext(ctx).First(&ch, "id = ?", channelID).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if ch.Timezone != "" {
		loc = s.location(ch.Timezone)
	}

	tl, err := s.loadTimeline(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if tl == nil {
		return nil, nil
	}

	snap, meta, err := BuildSnapshot(tl.Entries, from, until.Sub(from)+step, loc)
	if err != nil {
		return nil, err
	}
	return SimulateSnapshot(snap, meta, from, until, step), nil
}
