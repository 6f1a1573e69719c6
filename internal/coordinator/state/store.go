package state

import (
	"sync"
	"time"
)

// Activation records one selection outcome for a channel: which entry
// became active (or that the selection went empty) and when it is
// expected to stop being the answer.
type Activation struct {
	ChannelID string
	EntryID   string
	Index     int
	Version   int
	Cleared   bool
	At        time.Time
	ExpiresAt *time.Time
	Trigger   string
}

// Store keeps recent activations in memory for status surfaces.
type Store struct {
	mu      sync.RWMutex
	keep    int
	recent  map[string][]Activation
	ordered []string
}

// NewStore creates an activation store keeping at most keep records
// per channel.
func NewStore(keep int) *Store {
	if keep <= 0 {
		keep = 64
	}
	return &Store{
		keep:   keep,
		recent: make(map[string][]Activation),
	}
}

// Add registers an activation.
func (s *Store) Add(a Activation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, ok := s.recent[a.ChannelID]
	if !ok {
		s.ordered = append(s.ordered, a.ChannelID)
	}
	list = append(list, a)
	if len(list) > s.keep {
		list = list[len(list)-s.keep:]
	}
	s.recent[a.ChannelID] = list
}

// Recent returns a snapshot of tracked activations for a channel,
// newest last.
func (s *Store) Recent(channelID string) []Activation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.recent[channelID]
	out := make([]Activation, len(list))
	copy(out, list)
	return out
}

// Latest returns the most recent activation for a channel.
func (s *Store) Latest(channelID string) (Activation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.recent[channelID]
	if len(list) == 0 {
		return Activation{}, false
	}
	return list[len(list)-1], true
}

// Channels lists channel IDs with recorded activations in first-seen
// order.
func (s *Store) Channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Drop forgets all activations for a channel.
func (s *Store) Drop(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recent[channelID]; !ok {
		return
	}
	delete(s.recent, channelID)
	for i, id := range s.ordered {
		if id == channelID {
			s.ordered = append(s.ordered[:i], s.ordered[i+1:]...)
			break
		}
	}
}

// Prune removes activations older than cutoff across all channels.
func (s *Store) Prune(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, list := range s.recent {
		filtered := list[:0]
		for _, a := range list {
			if a.At.After(cutoff) {
				filtered = append(filtered, a)
			}
		}
		if len(filtered) == 0 {
			delete(s.recent, id)
			for i, oid := range s.ordered {
				if oid == id {
					s.ordered = append(s.ordered[:i], s.ordered[i+1:]...)
					break
				}
			}
			continue
		}
		s.recent[id] = filtered
	}
}
