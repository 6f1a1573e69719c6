/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package coordinator

import (
	"testing"
	"time"

	"github.com/friendsincode/tilefeed/internal/models"
)

func timePtr(t time.Time) *time.Time { return &t }

func TestBuildSnapshotOrdersByPosition(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	entries := []models.TimelineEntry{
		{ID: "second", Position: 2, Payload: `{"n":2}`, StartsAt: timePtr(base), EndsAt: timePtr(base.Add(time.Hour))},
		{ID: "first", Position: 1, Payload: `{"n":1}`, StartsAt: timePtr(base), EndsAt: timePtr(base.Add(2 * time.Hour))},
	}

	snap, meta, err := BuildSnapshot(entries, base, 24*time.Hour, nil)
	if err != nil {
		t.Fatalf("BuildSnapshot returned error: %v", err)
	}
	if snap.Len() != 2 {
		t.Fatalf("snapshot len = %d, want 2", snap.Len())
	}
	if meta[0].EntryID != "first" || meta[0].Position != 1 {
		t.Errorf("meta[0] = %+v, want entry first at position 1", meta[0])
	}
	if meta[1].EntryID != "second" {
		t.Errorf("meta[1] = %+v, want entry second", meta[1])
	}
}

func TestBuildSnapshotDefaultEntry(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	entries := []models.TimelineEntry{
		{ID: "fallback", Position: 0, Payload: `{"kind":"fallback"}`},
		{ID: "window", Position: 1, Payload: `{"kind":"window"}`, StartsAt: timePtr(base.Add(time.Hour)), EndsAt: timePtr(base.Add(2 * time.Hour))},
	}

	snap, meta, err := BuildSnapshot(entries, base, 24*time.Hour, nil)
	if err != nil {
		t.Fatalf("BuildSnapshot returned error: %v", err)
	}

	sel, ok := snap.ActiveAt(base.Add(30 * time.Minute))
	if !ok {
		t.Fatal("ActiveAt before window returned nothing, want default entry")
	}
	if meta[sel.Index].EntryID != "fallback" {
		t.Errorf("active entry = %s, want fallback", meta[sel.Index].EntryID)
	}

	sel, ok = snap.ActiveAt(base.Add(90 * time.Minute))
	if !ok {
		t.Fatal("ActiveAt inside window returned nothing")
	}
	if meta[sel.Index].EntryID != "window" {
		t.Errorf("active entry = %s, want window", meta[sel.Index].EntryID)
	}
}

func TestBuildSnapshotSingleBoundWindows(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	entries := []models.TimelineEntry{
		{ID: "open-ended", Position: 0, Payload: `{}`, StartsAt: timePtr(base)},
		{ID: "bounded", Position: 1, Payload: `{}`, StartsAt: timePtr(base.Add(time.Hour)), EndsAt: timePtr(base.Add(2 * time.Hour))},
	}

	snap, meta, err := BuildSnapshot(entries, base, 24*time.Hour, nil)
	if err != nil {
		t.Fatalf("BuildSnapshot returned error: %v", err)
	}

	// Outside the bounded window only the open-ended entry covers the
	// instant.
	sel, ok := snap.ActiveAt(base.Add(30 * time.Minute))
	if !ok || meta[sel.Index].EntryID != "open-ended" {
		t.Fatalf("ActiveAt outside bounded window: got %v ok=%v, want open-ended", sel, ok)
	}

	// Inside it, the narrower bounded window outranks the open-ended one.
	sel, ok = snap.ActiveAt(base.Add(90 * time.Minute))
	if !ok || meta[sel.Index].EntryID != "bounded" {
		t.Fatalf("ActiveAt inside bounded window: got %v ok=%v, want bounded", sel, ok)
	}
}

func TestBuildSnapshotDegenerateWindowNeverMatches(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	entries := []models.TimelineEntry{
		{ID: "fallback", Position: 0, Payload: `{}`},
		{ID: "empty", Position: 1, Payload: `{}`, StartsAt: timePtr(base), EndsAt: timePtr(base)},
	}

	snap, meta, err := BuildSnapshot(entries, base, 24*time.Hour, nil)
	if err != nil {
		t.Fatalf("BuildSnapshot returned error: %v", err)
	}
	if snap.Len() != 2 {
		t.Fatalf("snapshot len = %d, want 2 (degenerate windows are kept)", snap.Len())
	}

	sel, ok := snap.ActiveAt(base)
	if !ok {
		t.Fatal("ActiveAt returned nothing, want fallback")
	}
	if meta[sel.Index].EntryID != "fallback" {
		t.Errorf("active entry = %s, want fallback (degenerate window must not match)", meta[sel.Index].EntryID)
	}
}

func TestBuildSnapshotExpandsRecurrence(t *testing.T) {
	anchor := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	from := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	entries := []models.TimelineEntry{
		{
			ID:               "daily",
			Position:         0,
			Payload:          `{"kind":"daily"}`,
			StartsAt:         timePtr(anchor),
			RRule:            "FREQ=DAILY;COUNT=3",
			RDurationSeconds: 3600,
		},
	}

	snap, meta, err := BuildSnapshot(entries, from, 72*time.Hour, nil)
	if err != nil {
		t.Fatalf("BuildSnapshot returned error: %v", err)
	}
	if snap.Len() != 3 {
		t.Fatalf("snapshot len = %d, want 3 occurrences", snap.Len())
	}
	for i, m := range meta {
		if m.EntryID != "daily" {
			t.Errorf("meta[%d].EntryID = %s, want daily", i, m.EntryID)
		}
	}

	// Second occurrence covers the day-two morning.
	sel, ok := snap.ActiveAt(time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC))
	if !ok {
		t.Fatal("ActiveAt during second occurrence returned nothing")
	}
	if want := anchor.AddDate(0, 0, 1); !sel.Entry.Validity.Start.Equal(want) {
		t.Errorf("occurrence start = %v, want %v", sel.Entry.Validity.Start, want)
	}

	// Between occurrences nothing is active.
	if _, ok := snap.ActiveAt(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)); ok {
		t.Error("ActiveAt between occurrences returned an entry, want none")
	}
}

func TestBuildSnapshotKeepsInProgressOccurrence(t *testing.T) {
	anchor := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	entries := []models.TimelineEntry{
		{
			ID:               "daily",
			Position:         0,
			Payload:          `{}`,
			StartsAt:         timePtr(anchor),
			RRule:            "FREQ=DAILY",
			RDurationSeconds: 3600,
		},
	}

	// Build half way through the first occurrence.
	from := anchor.Add(30 * time.Minute)
	snap, _, err := BuildSnapshot(entries, from, 24*time.Hour, nil)
	if err != nil {
		t.Fatalf("BuildSnapshot returned error: %v", err)
	}

	if _, ok := snap.ActiveAt(from); !ok {
		t.Error("ActiveAt during in-progress occurrence returned nothing")
	}
}

func TestBuildSnapshotRecurrenceEndBound(t *testing.T) {
	anchor := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	from := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	entries := []models.TimelineEntry{
		{
			ID:               "daily",
			Position:         0,
			Payload:          `{}`,
			StartsAt:         timePtr(anchor),
			EndsAt:           timePtr(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)),
			RRule:            "FREQ=DAILY;COUNT=5",
			RDurationSeconds: 3600,
		},
	}

	snap, _, err := BuildSnapshot(entries, from, 7*24*time.Hour, nil)
	if err != nil {
		t.Fatalf("BuildSnapshot returned error: %v", err)
	}
	if snap.Len() != 1 {
		t.Fatalf("snapshot len = %d, want 1 (ends_at bounds the recurrence)", snap.Len())
	}
}

func TestBuildSnapshotRecurrenceErrors(t *testing.T) {
	anchor := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	from := anchor
	tests := []struct {
		name  string
		entry models.TimelineEntry
	}{
		{
			name: "invalid rrule",
			entry: models.TimelineEntry{
				ID: "bad", Payload: `{}`,
				StartsAt: timePtr(anchor), RRule: "FREQ=NONSENSE", RDurationSeconds: 60,
			},
		},
		{
			name: "missing anchor",
			entry: models.TimelineEntry{
				ID: "bad", Payload: `{}`,
				RRule: "FREQ=DAILY", RDurationSeconds: 60,
			},
		},
		{
			name: "missing duration",
			entry: models.TimelineEntry{
				ID: "bad", Payload: `{}`,
				StartsAt: timePtr(anchor), RRule: "FREQ=DAILY",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := BuildSnapshot([]models.TimelineEntry{tt.entry}, from, 24*time.Hour, nil); err == nil {
				t.Error("BuildSnapshot returned nil error, want error")
			}
		})
	}
}

func TestNextWindowStart(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	entries := []models.TimelineEntry{
		{ID: "past", Position: 0, Payload: `{}`, StartsAt: timePtr(base.Add(-2 * time.Hour)), EndsAt: timePtr(base.Add(-time.Hour))},
		{ID: "later", Position: 1, Payload: `{}`, StartsAt: timePtr(base.Add(3 * time.Hour)), EndsAt: timePtr(base.Add(4 * time.Hour))},
		{ID: "sooner", Position: 2, Payload: `{}`, StartsAt: timePtr(base.Add(time.Hour)), EndsAt: timePtr(base.Add(2 * time.Hour))},
		{ID: "empty", Position: 3, Payload: `{}`, StartsAt: timePtr(base.Add(30 * time.Minute)), EndsAt: timePtr(base.Add(30 * time.Minute))},
	}

	snap, _, err := BuildSnapshot(entries, base, 24*time.Hour, nil)
	if err != nil {
		t.Fatalf("BuildSnapshot returned error: %v", err)
	}

	next, ok := nextWindowStart(snap, base)
	if !ok {
		t.Fatal("nextWindowStart returned nothing")
	}
	if want := base.Add(time.Hour); !next.Equal(want) {
		t.Errorf("nextWindowStart = %v, want %v (degenerate and past windows skipped)", next, want)
	}

	if _, ok := nextWindowStart(snap, base.Add(5*time.Hour)); ok {
		t.Error("nextWindowStart past all windows returned a value, want none")
	}
}
