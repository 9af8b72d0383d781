// Package buffer holds outbound messages for actors inside their disconnect
// grace period.
//
// A Manager is owned by one registry (users or hubs) and mutated only from
// the dispatch loop. Messages pushed while an actor is disconnected are
// handed back in push order by Flush on reconnect, or discarded by Drop when
// the grace deadline passes.
package buffer

import (
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-host/internal/deadline"
	"github.com/jason-s-yu/cambia-host/internal/protocol"
)

type entry struct {
	queue      []protocol.Message
	overflowed bool
}

// Manager tracks one disconnect buffer and grace deadline per actor.
type Manager struct {
	limit     int
	entries   map[uuid.UUID]*entry
	deadlines *deadline.Set[uuid.UUID]
}

// NewManager returns an empty manager. limit caps the messages held per
// actor; 0 means unbounded. Overflowing the cap makes the actor due
// immediately instead of dropping messages from the middle of the stream.
func NewManager(limit int) *Manager {
	return &Manager{
		limit:     limit,
		entries:   make(map[uuid.UUID]*entry),
		deadlines: deadline.NewSet[uuid.UUID](),
	}
}

// Open starts buffering for id until the given deadline. Re-opening an
// existing buffer keeps its queue and moves the deadline.
func (m *Manager) Open(id uuid.UUID, until time.Time) {
	if _, ok := m.entries[id]; !ok {
		m.entries[id] = &entry{}
	}
	m.deadlines.Arm(id, until)
}

// Holding reports whether id currently has an open buffer.
func (m *Manager) Holding(id uuid.UUID) bool {
	_, ok := m.entries[id]
	return ok
}

// Push queues msg for id. It returns false if id has no open buffer.
func (m *Manager) Push(id uuid.UUID, msg protocol.Message) bool {
	e, ok := m.entries[id]
	if !ok {
		return false
	}
	if e.overflowed {
		return true
	}
	if m.limit > 0 && len(e.queue) >= m.limit {
		e.overflowed = true
		m.deadlines.Arm(id, time.Time{})
		return true
	}
	e.queue = append(e.queue, msg)
	return true
}

// Flush closes the buffer for id and returns its messages in push order.
func (m *Manager) Flush(id uuid.UUID) []protocol.Message {
	e, ok := m.entries[id]
	if !ok {
		return nil
	}
	delete(m.entries, id)
	m.deadlines.Cancel(id)
	return e.queue
}

// Drop closes the buffer for id, discarding its messages. It returns the
// number of messages discarded.
func (m *Manager) Drop(id uuid.UUID) int {
	e, ok := m.entries[id]
	if !ok {
		return 0
	}
	delete(m.entries, id)
	m.deadlines.Cancel(id)
	return len(e.queue)
}

// Due returns the actors whose grace deadline has passed, earliest first.
func (m *Manager) Due(now time.Time) []uuid.UUID {
	return m.deadlines.Due(now)
}

// Expired reports whether id has an open buffer whose deadline is at or before now.
func (m *Manager) Expired(id uuid.UUID, now time.Time) bool {
	at, ok := m.deadlines.Deadline(id)
	return ok && !at.After(now)
}

// Deadline returns the grace deadline for id.
func (m *Manager) Deadline(id uuid.UUID) (time.Time, bool) {
	return m.deadlines.Deadline(id)
}

// Len returns the number of messages queued for id.
func (m *Manager) Len(id uuid.UUID) int {
	if e, ok := m.entries[id]; ok {
		return len(e.queue)
	}
	return 0
}

// Count returns the number of open buffers.
func (m *Manager) Count() int {
	return len(m.entries)
}
