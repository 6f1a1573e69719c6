/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package timeline implements validity-window selection over published
// entry timelines: which entry is in force at a given instant, and when
// that answer stops being right.
package timeline

import (
	"encoding/json"
	"time"
)

// Interval is a half-open validity window [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (iv Interval) Contains(t time.Time) bool {
	return !t.Before(iv.Start) && t.Before(iv.End)
}

// Duration returns the window width.
func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

// Degenerate reports whether the window is empty (end not after start).
// Degenerate windows are accepted rather than rejected; they never
// match and never preempt, so a sloppy publisher cannot break selection.
func (iv Interval) Degenerate() bool {
	return !iv.End.After(iv.Start)
}

// Entry pairs an opaque payload with an optional validity window. A nil
// Validity marks the default entry: always a candidate, but chosen only
// when no window-bound entry covers the query instant.
type Entry struct {
	Payload  json.RawMessage
	Validity *Interval
}

// Selection identifies an entry chosen out of a snapshot. Index is the
// entry's position in input order, which doubles as the tie-break key.
type Selection struct {
	Entry Entry
	Index int
}

// Snapshot is one published timeline generation. A snapshot is built
// once per publish and replaced wholesale by the next one, never
// mutated in place.
type Snapshot struct {
	entries []Entry
}

// NewSnapshot copies entries, in input order, into a snapshot.
func NewSnapshot(entries []Entry) Snapshot {
	cp := make([]Entry, len(entries))
	copy(cp, entries)
	return Snapshot{entries: cp}
}

// Len returns the number of entries in the snapshot.
func (s Snapshot) Len() int { return len(s.entries) }

// EntryAt returns the entry at position i in input order.
func (s Snapshot) EntryAt(i int) Entry { return s.entries[i] }

// ActiveAt returns the entry in force at the given instant.
//
// Window-bound candidates are ranked by window width, narrowest first,
// so a broad fallback window is overridden by narrower, more specific
// entries without the publisher having to edit it. Ties keep the
// earlier entry in input order. When no window covers the instant, the
// first default entry is returned if the timeline has one. The second
// return is false when nothing qualifies; that is a normal outcome,
// not an error.
func (s Snapshot) ActiveAt(at time.Time) (Selection, bool) {
	best := -1
	def := -1
	for i, e := range s.entries {
		if e.Validity == nil {
			if def == -1 {
				def = i
			}
			continue
		}
		v := *e.Validity
		if v.Degenerate() || !v.Contains(at) {
			continue
		}
		if best == -1 || v.Duration() < s.entries[best].Validity.Duration() {
			best = i
		}
	}
	if best == -1 {
		best = def
	}
	if best == -1 {
		return Selection{}, false
	}
	return Selection{Entry: s.entries[best], Index: best}, true
}

// ClosestTo returns the window-bound entry whose bounds lie nearest to
// the given instant, measured to the nearer of the two bounds without
// requiring containment. Default entries do not participate. This is a
// degraded fallback; results are only meaningful after ActiveAt
// returned nothing.
func (s Snapshot) ClosestTo(at time.Time) (Selection, bool) {
	best := -1
	var bestDist time.Duration
	for i, e := range s.entries {
		if e.Validity == nil {
			continue
		}
		d := boundsDistance(*e.Validity, at)
		if best == -1 || d < bestDist {
			best, bestDist = i, d
		}
	}
	if best == -1 {
		return Selection{}, false
	}
	return Selection{Entry: s.entries[best], Index: best}, true
}

// ExpiryAfter returns the earliest instant, never before from, at which
// sel would stop being ActiveAt's answer: its own window end, or the
// start of the nearest future entry that would win selection over it,
// whichever comes first. The second return is false when the selection
// never expires (an unbounded entry with nothing scheduled to override
// it). sel must be a selection previously produced by ActiveAt on this
// snapshot.
func (s Snapshot) ExpiryAfter(sel Selection, from time.Time) (time.Time, bool) {
	if sel.Index < 0 || sel.Index >= len(s.entries) {
		return time.Time{}, false
	}
	cur := s.entries[sel.Index]
	curDefault := cur.Validity == nil

	var expiry time.Time
	bounded := false
	var curWidth time.Duration
	if !curDefault {
		expiry = cur.Validity.End
		bounded = true
		curWidth = cur.Validity.Duration()
	}

	for i, e := range s.entries {
		if i == sel.Index || e.Validity == nil || e.Validity.Degenerate() {
			continue
		}
		start := e.Validity.Start
		if start.Before(from) {
			continue
		}
		if bounded && start.After(expiry) {
			continue
		}
		// A default loses to any live window; otherwise the future
		// entry must rank higher under ActiveAt's ordering.
		if !curDefault && !outranks(e.Validity.Duration(), i, curWidth, sel.Index) {
			continue
		}
		expiry = start
		bounded = true
	}

	if !bounded {
		return time.Time{}, false
	}
	if expiry.Before(from) {
		return from, true
	}
	return expiry, true
}

// outranks reports whether a window of the given width and input
// position would beat the current selection: strictly narrower, or
// equally narrow but earlier in input order.
func outranks(width time.Duration, idx int, curWidth time.Duration, curIdx int) bool {
	if width != curWidth {
		return width < curWidth
	}
	return idx < curIdx
}

func boundsDistance(iv Interval, t time.Time) time.Duration {
	ds := iv.Start.Sub(t)
	if ds < 0 {
		ds = -ds
	}
	de := iv.End.Sub(t)
	if de < 0 {
		de = -de
	}
	if de < ds {
		return de
	}
	return ds
}
