/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package coordinator

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/friendsincode/tilefeed/internal/models"
	"github.com/friendsincode/tilefeed/internal/timeline"
)

// Single-bound windows use fixed sentinel edges so they still form
// half-open intervals. Both sentinels stay within time.Duration range
// of each other, keeping width arithmetic exact.
var (
	unboundedStart = time.Unix(0, 0).UTC()
	unboundedEnd   = time.Date(2200, time.January, 1, 0, 0, 0, 0, time.UTC)
)

// EntryMeta maps one snapshot position back to its source timeline
// entry. A recurring entry contributes several snapshot positions, all
// pointing at the same source ID.
type EntryMeta struct {
	EntryID  string
	Position int
}

// BuildSnapshot compiles stored timeline entries into a selection
// snapshot plus a parallel meta slice, aligned by index. Entries are
// ordered by source position; recurring entries are expanded into
// concrete occurrence windows between from and from+horizon, occurrence
// order within an entry. Recurrence rules evaluate in loc so BYHOUR and
// friends mean channel-local wall time.
func BuildSnapshot(entries []models.TimelineEntry, from time.Time, horizon time.Duration, loc *time.Location) (timeline.Snapshot, []EntryMeta, error) {
	if loc == nil {
		loc = time.UTC
	}
	if horizon <= 0 {
		horizon = DefaultHorizon
	}

	sorted := make([]models.TimelineEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Position < sorted[j].Position
	})

	var compiled []timeline.Entry
	var meta []EntryMeta
	for _, e := range sorted {
		payload := json.RawMessage(e.Payload)
		switch {
		case e.RRule != "":
			windows, err := expandRecurrence(e, from, horizon, loc)
			if err != nil {
				return timeline.Snapshot{}, nil, fmt.Errorf("entry %s: %w", e.ID, err)
			}
			for _, w := range windows {
				iv := w
				compiled = append(compiled, timeline.Entry{Payload: payload, Validity: &iv})
				meta = append(meta, EntryMeta{EntryID: e.ID, Position: e.Position})
			}
		case e.StartsAt == nil && e.EndsAt == nil:
			compiled = append(compiled, timeline.Entry{Payload: payload})
			meta = append(meta, EntryMeta{EntryID: e.ID, Position: e.Position})
		default:
			start := unboundedStart
			if e.StartsAt != nil {
				start = *e.StartsAt
			}
			end := unboundedEnd
			if e.EndsAt != nil {
				end = *e.EndsAt
			}
			compiled = append(compiled, timeline.Entry{
				Payload:  payload,
				Validity: &timeline.Interval{Start: start, End: end},
			})
			meta = append(meta, EntryMeta{EntryID: e.ID, Position: e.Position})
		}
	}

	return timeline.NewSnapshot(compiled), meta, nil
}

// expandRecurrence evaluates an entry's recurrence rule into concrete
// validity windows. The evaluation range opens one duration early so an
// occurrence already in progress at build time keeps its window.
func expandRecurrence(e models.TimelineEntry, from time.Time, horizon time.Duration, loc *time.Location) ([]timeline.Interval, error) {
	if e.StartsAt == nil {
		return nil, fmt.Errorf("recurring entry has no starts_at anchor")
	}
	if e.RDurationSeconds <= 0 {
		return nil, fmt.Errorf("recurring entry has no occurrence duration")
	}

	rr, err := rrule.StrToRRule(e.RRule)
	if err != nil {
		return nil, fmt.Errorf("parse rrule: %w", err)
	}

	duration := time.Duration(e.RDurationSeconds) * time.Second
	rr.DTStart(e.StartsAt.In(loc))

	occurrences := rr.Between(from.Add(-duration).In(loc), from.Add(horizon).In(loc), true)

	windows := make([]timeline.Interval, 0, len(occurrences))
	for _, occ := range occurrences {
		// EndsAt on a recurring entry bounds the recurrence itself.
		if e.EndsAt != nil && !occ.Before(*e.EndsAt) {
			continue
		}
		windows = append(windows, timeline.Interval{Start: occ, End: occ.Add(duration)})
	}
	return windows, nil
}

// nextWindowStart returns the earliest window opening at or after from.
// Used to wake the coordinator when nothing is active and no default
// entry exists to carry an expiry.
func nextWindowStart(snap timeline.Snapshot, from time.Time) (time.Time, bool) {
	var best time.Time
	found := false
	for i := 0; i < snap.Len(); i++ {
		e := snap.EntryAt(i)
		if e.Validity == nil || e.Validity.Degenerate() {
			continue
		}
		start := e.Validity.Start
		if start.Before(from) {
			continue
		}
		if !found || start.Before(best) {
			best, found = start, true
		}
	}
	return best, found
}
