// Package deadline keeps per-entity expiration times for the caches.
// A Set is owned by exactly one cache and is not safe for concurrent use.
package deadline

import (
	"sort"
	"time"
)

type entry struct {
	at  time.Time
	seq uint64
}

// Set maps entity keys to the time their armed timer fires.
type Set[K comparable] struct {
	entries map[K]entry
	seq     uint64
}

func NewSet[K comparable]() *Set[K] {
	return &Set[K]{entries: make(map[K]entry)}
}

// Arm sets (or resets) the deadline for key.
func (s *Set[K]) Arm(key K, at time.Time) {
	s.seq++
	s.entries[key] = entry{at: at, seq: s.seq}
}

// Cancel removes the deadline for key. Cancelling an unarmed key is a no-op.
func (s *Set[K]) Cancel(key K) {
	delete(s.entries, key)
}

// Deadline returns the armed time for key.
func (s *Set[K]) Deadline(key K) (time.Time, bool) {
	e, ok := s.entries[key]
	return e.at, ok
}

// Armed reports whether key has a pending deadline.
func (s *Set[K]) Armed(key K) bool {
	_, ok := s.entries[key]
	return ok
}

// Len returns the number of armed deadlines.
func (s *Set[K]) Len() int {
	return len(s.entries)
}

// Due returns every key whose deadline is at or before now, earliest first
// (ties in arming order). Due does not disarm; the expiry path cancels.
func (s *Set[K]) Due(now time.Time) []K {
	type dueKey struct {
		key K
		e   entry
	}
	var due []dueKey
	for k, e := range s.entries {
		if !e.at.After(now) {
			due = append(due, dueKey{key: k, e: e})
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].e.at.Equal(due[j].e.at) {
			return due[i].e.at.Before(due[j].e.at)
		}
		return due[i].e.seq < due[j].e.seq
	})
	out := make([]K, len(due))
	for i := range due {
		out[i] = due[i].key
	}
	return out
}
