package timeline

import (
	"encoding/json"
	"testing"
	"time"
)

var base = time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

func at(d time.Duration) time.Time { return base.Add(d) }

func windowed(payload string, start, end time.Duration) Entry {
	return Entry{
		Payload:  json.RawMessage(payload),
		Validity: &Interval{Start: at(start), End: at(end)},
	}
}

func unbound(payload string) Entry {
	return Entry{Payload: json.RawMessage(payload)}
}

func TestActiveAt(t *testing.T) {
	tests := []struct {
		name      string
		entries   []Entry
		query     time.Duration
		wantIndex int
		wantOK    bool
	}{
		{
			name: "narrower window beats broader",
			entries: []Entry{
				windowed(`"broad"`, 10*time.Hour, 11*time.Hour),
				windowed(`"narrow"`, 10*time.Hour+30*time.Minute, 10*time.Hour+45*time.Minute),
			},
			query:     10*time.Hour + 35*time.Minute,
			wantIndex: 1,
			wantOK:    true,
		},
		{
			name: "broad window wins outside the narrow one",
			entries: []Entry{
				windowed(`"broad"`, 10*time.Hour, 11*time.Hour),
				windowed(`"narrow"`, 10*time.Hour+30*time.Minute, 10*time.Hour+45*time.Minute),
			},
			query:     10*time.Hour + 50*time.Minute,
			wantIndex: 0,
			wantOK:    true,
		},
		{
			name: "equal widths keep input order",
			entries: []Entry{
				windowed(`"first"`, 9*time.Hour, 10*time.Hour),
				windowed(`"second"`, 9*time.Hour, 10*time.Hour),
			},
			query:     9*time.Hour + 30*time.Minute,
			wantIndex: 0,
			wantOK:    true,
		},
		{
			name: "default used before any window opens",
			entries: []Entry{
				unbound(`"default"`),
				windowed(`"morning"`, 9*time.Hour, 10*time.Hour),
			},
			query:     8 * time.Hour,
			wantIndex: 0,
			wantOK:    true,
		},
		{
			name: "window beats default while open",
			entries: []Entry{
				unbound(`"default"`),
				windowed(`"morning"`, 9*time.Hour, 10*time.Hour),
			},
			query:     9*time.Hour + 30*time.Minute,
			wantIndex: 1,
			wantOK:    true,
		},
		{
			name: "no match and no default",
			entries: []Entry{
				windowed(`"morning"`, 9*time.Hour, 10*time.Hour),
			},
			query:  11 * time.Hour,
			wantOK: false,
		},
		{
			name: "start is inclusive",
			entries: []Entry{
				windowed(`"a"`, 9*time.Hour, 10*time.Hour),
			},
			query:     9 * time.Hour,
			wantIndex: 0,
			wantOK:    true,
		},
		{
			name: "end is exclusive",
			entries: []Entry{
				windowed(`"a"`, 9*time.Hour, 10*time.Hour),
			},
			query:  10 * time.Hour,
			wantOK: false,
		},
		{
			name: "degenerate window never matches",
			entries: []Entry{
				windowed(`"inverted"`, 10*time.Hour, 9*time.Hour),
				windowed(`"empty"`, 9*time.Hour, 9*time.Hour),
			},
			query:  9*time.Hour + 30*time.Minute,
			wantOK: false,
		},
		{
			name: "degenerate window falls through to default",
			entries: []Entry{
				windowed(`"inverted"`, 10*time.Hour, 9*time.Hour),
				unbound(`"default"`),
			},
			query:     9*time.Hour + 30*time.Minute,
			wantIndex: 1,
			wantOK:    true,
		},
		{
			name:    "empty snapshot",
			entries: nil,
			query:   9 * time.Hour,
			wantOK:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := NewSnapshot(tt.entries)
			sel, ok := snap.ActiveAt(at(tt.query))
			if ok != tt.wantOK {
				t.Fatalf("ActiveAt() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && sel.Index != tt.wantIndex {
				t.Errorf("ActiveAt() index = %d, want %d", sel.Index, tt.wantIndex)
			}
		})
	}
}

func TestActiveAtDefaultRoundTrip(t *testing.T) {
	snap := NewSnapshot([]Entry{unbound(`{"kind":"placeholder"}`)})

	queries := []time.Duration{0, time.Nanosecond, 3 * time.Hour, 24 * time.Hour, 365 * 24 * time.Hour}
	for _, q := range queries {
		sel, ok := snap.ActiveAt(at(q))
		if !ok {
			t.Fatalf("ActiveAt(%v) returned no entry, want the default", q)
		}
		if sel.Index != 0 {
			t.Fatalf("ActiveAt(%v) index = %d, want 0", q, sel.Index)
		}
	}
}

func TestClosestTo(t *testing.T) {
	tests := []struct {
		name      string
		entries   []Entry
		query     time.Duration
		wantIndex int
		wantOK    bool
	}{
		{
			name: "nearest upcoming window",
			entries: []Entry{
				windowed(`"late"`, 14*time.Hour, 15*time.Hour),
				windowed(`"soon"`, 10*time.Hour, 11*time.Hour),
			},
			query:     9 * time.Hour,
			wantIndex: 1,
			wantOK:    true,
		},
		{
			name: "nearest elapsed window",
			entries: []Entry{
				windowed(`"old"`, 1*time.Hour, 2*time.Hour),
				windowed(`"recent"`, 5*time.Hour, 6*time.Hour),
			},
			query:     8 * time.Hour,
			wantIndex: 1,
			wantOK:    true,
		},
		{
			name: "end bound counts as well as start",
			entries: []Entry{
				windowed(`"behind"`, 1*time.Hour, 7*time.Hour),
				windowed(`"ahead"`, 12*time.Hour, 13*time.Hour),
			},
			query:     8 * time.Hour,
			wantIndex: 0,
			wantOK:    true,
		},
		{
			name: "defaults are excluded",
			entries: []Entry{
				unbound(`"default"`),
				windowed(`"only"`, 10*time.Hour, 11*time.Hour),
			},
			query:     20 * time.Hour,
			wantIndex: 1,
			wantOK:    true,
		},
		{
			name: "only defaults yields nothing",
			entries: []Entry{
				unbound(`"default"`),
			},
			query:  9 * time.Hour,
			wantOK: false,
		},
		{
			name: "equal distance keeps input order",
			entries: []Entry{
				windowed(`"before"`, 6*time.Hour, 7*time.Hour),
				windowed(`"after"`, 9*time.Hour, 10*time.Hour),
			},
			query:     8 * time.Hour,
			wantIndex: 0,
			wantOK:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := NewSnapshot(tt.entries)
			sel, ok := snap.ClosestTo(at(tt.query))
			if ok != tt.wantOK {
				t.Fatalf("ClosestTo() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && sel.Index != tt.wantIndex {
				t.Errorf("ClosestTo() index = %d, want %d", sel.Index, tt.wantIndex)
			}
		})
	}
}

func TestExpiryAfter(t *testing.T) {
	tests := []struct {
		name    string
		entries []Entry
		queryAt time.Duration
		from    time.Duration
		want    time.Duration
		wantOK  bool
	}{
		{
			name: "expiry is the window end",
			entries: []Entry{
				windowed(`"only"`, time.Second, 4*time.Second),
			},
			queryAt: time.Second,
			from:    time.Second,
			want:    4 * time.Second,
			wantOK:  true,
		},
		{
			name: "narrower future entry cuts expiry short",
			entries: []Entry{
				windowed(`"broad"`, 9*time.Hour, 17*time.Hour),
				windowed(`"lunch"`, 12*time.Hour, 13*time.Hour),
			},
			queryAt: 10 * time.Hour,
			from:    10 * time.Hour,
			want:    12 * time.Hour,
			wantOK:  true,
		},
		{
			name: "wider future entry does not preempt",
			entries: []Entry{
				windowed(`"tight"`, 9*time.Hour, 11*time.Hour),
				windowed(`"loose"`, 10*time.Hour, 18*time.Hour),
			},
			queryAt: 9*time.Hour + 30*time.Minute,
			from:    9*time.Hour + 30*time.Minute,
			want:    11 * time.Hour,
			wantOK:  true,
		},
		{
			name: "equal width earlier in order preempts",
			entries: []Entry{
				windowed(`"early twin"`, 10*time.Hour, 14*time.Hour),
				windowed(`"late twin"`, 9*time.Hour, 13*time.Hour),
			},
			queryAt: 9*time.Hour + 15*time.Minute,
			from:    9*time.Hour + 15*time.Minute,
			want:    10 * time.Hour,
			wantOK:  true,
		},
		{
			name: "equal width later in order waits its turn",
			entries: []Entry{
				windowed(`"showing"`, 9*time.Hour, 13*time.Hour),
				windowed(`"understudy"`, 10*time.Hour, 14*time.Hour),
			},
			queryAt: 9*time.Hour + 15*time.Minute,
			from:    9*time.Hour + 15*time.Minute,
			want:    13 * time.Hour,
			wantOK:  true,
		},
		{
			name: "default expires when a window opens",
			entries: []Entry{
				unbound(`"default"`),
				windowed(`"morning"`, 9*time.Hour, 10*time.Hour),
			},
			queryAt: 7 * time.Hour,
			from:    7 * time.Hour,
			want:    9 * time.Hour,
			wantOK:  true,
		},
		{
			name: "lone default never expires",
			entries: []Entry{
				unbound(`"default"`),
			},
			queryAt: 7 * time.Hour,
			from:    7 * time.Hour,
			wantOK:  false,
		},
		{
			name: "elapsed windows do not drag expiry backwards",
			entries: []Entry{
				unbound(`"default"`),
				windowed(`"past"`, time.Hour, 2*time.Hour),
			},
			queryAt: 5 * time.Hour,
			from:    5 * time.Hour,
			wantOK:  false,
		},
		{
			name: "degenerate future window never preempts",
			entries: []Entry{
				windowed(`"broad"`, 9*time.Hour, 17*time.Hour),
				windowed(`"inverted"`, 12*time.Hour, 11*time.Hour),
			},
			queryAt: 10 * time.Hour,
			from:    10 * time.Hour,
			want:    17 * time.Hour,
			wantOK:  true,
		},
		{
			name: "expiry clamps to from",
			entries: []Entry{
				windowed(`"stale"`, time.Hour, 2*time.Hour),
			},
			queryAt: time.Hour + 30*time.Minute,
			from:    3 * time.Hour,
			want:    3 * time.Hour,
			wantOK:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := NewSnapshot(tt.entries)
			sel, ok := snap.ActiveAt(at(tt.queryAt))
			if !ok {
				t.Fatalf("ActiveAt(%v) returned no entry", tt.queryAt)
			}
			got, gotOK := snap.ExpiryAfter(sel, at(tt.from))
			if gotOK != tt.wantOK {
				t.Fatalf("ExpiryAfter() ok = %v, want %v", gotOK, tt.wantOK)
			}
			if !tt.wantOK {
				return
			}
			if !got.Equal(at(tt.want)) {
				t.Errorf("ExpiryAfter() = %v, want %v", got, at(tt.want))
			}
		})
	}
}

func TestExpiryAfterNeverEarlierThanFrom(t *testing.T) {
	snap := NewSnapshot([]Entry{
		windowed(`"broad"`, 0, 24*time.Hour),
		windowed(`"noon"`, 12*time.Hour, 12*time.Hour+30*time.Minute),
	})

	sel, ok := snap.ActiveAt(at(time.Hour))
	if !ok {
		t.Fatal("ActiveAt returned no entry")
	}

	for _, from := range []time.Duration{time.Hour, 6 * time.Hour, 12 * time.Hour, 30 * time.Hour} {
		got, gotOK := snap.ExpiryAfter(sel, at(from))
		if !gotOK {
			t.Fatalf("ExpiryAfter(from=%v) reported never", from)
		}
		if got.Before(at(from)) {
			t.Errorf("ExpiryAfter(from=%v) = %v, earlier than from", from, got)
		}
	}
}

func TestSnapshotCopiesInput(t *testing.T) {
	entries := []Entry{windowed(`"a"`, time.Hour, 2*time.Hour)}
	snap := NewSnapshot(entries)

	entries[0] = unbound(`"mutated"`)

	if snap.EntryAt(0).Validity == nil {
		t.Fatal("snapshot shares backing storage with caller input")
	}
	if snap.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", snap.Len())
	}
}
