// internal/handlers/conns.go
package handlers

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-host/internal/event"
	"github.com/jason-s-yu/cambia-host/internal/protocol"
)

var (
	ErrNotConnected = errors.New("handlers: no live connection")
	ErrSlowConsumer = errors.New("handlers: outbound queue full")
)

// outQueueSize bounds the messages waiting for one connection's write pump.
const outQueueSize = 64

// Conn is one live websocket for a user or hub.
type Conn struct {
	ID      uuid.UUID
	Actor   event.Actor
	OutChan chan protocol.Message

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func newConn(parent context.Context, actor event.Actor, id uuid.UUID) *Conn {
	ctx, cancel := context.WithCancelCause(parent)
	return &Conn{
		ID:      id,
		Actor:   actor,
		OutChan: make(chan protocol.Message, outQueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Close stops the connection's pumps.
func (c *Conn) Close(cause error) {
	c.cancel(cause)
}

// Connections maps actors to their live connection and implements the
// dispatcher's transport. Sends never block: a full queue closes the
// connection so the actor goes through the disconnect path instead.
type Connections struct {
	mu    sync.RWMutex
	users map[uuid.UUID]*Conn
	hubs  map[uuid.UUID]*Conn

	// lifecycle serialises attach+connect and detach+disconnect pairs so
	// the loop never sees a stale disconnect after a newer connect.
	lifecycle sync.Mutex
}

func NewConnections() *Connections {
	return &Connections{
		users: make(map[uuid.UUID]*Conn),
		hubs:  make(map[uuid.UUID]*Conn),
	}
}

func (cs *Connections) table(actor event.Actor) map[uuid.UUID]*Conn {
	if actor == event.ActorHub {
		return cs.hubs
	}
	return cs.users
}

// Attach makes c the live connection for its actor and runs announce while
// still holding the lifecycle lock. A previous connection is closed.
func (cs *Connections) Attach(c *Conn, announce func() error) error {
	cs.lifecycle.Lock()
	defer cs.lifecycle.Unlock()

	cs.mu.Lock()
	prev := cs.table(c.Actor)[c.ID]
	cs.table(c.Actor)[c.ID] = c
	cs.mu.Unlock()
	if prev != nil {
		prev.Close(errReplaced)
	}
	if err := announce(); err != nil {
		cs.mu.Lock()
		if cs.table(c.Actor)[c.ID] == c {
			delete(cs.table(c.Actor), c.ID)
		}
		cs.mu.Unlock()
		return err
	}
	return nil
}

// Detach removes c if it is still the live connection and then runs
// announce. It reports whether c was live.
func (cs *Connections) Detach(c *Conn, announce func()) bool {
	cs.lifecycle.Lock()
	defer cs.lifecycle.Unlock()

	cs.mu.Lock()
	live := cs.table(c.Actor)[c.ID] == c
	if live {
		delete(cs.table(c.Actor), c.ID)
	}
	cs.mu.Unlock()
	if live {
		announce()
	}
	return live
}

func (cs *Connections) send(actor event.Actor, id uuid.UUID, msg protocol.Message) error {
	cs.mu.RLock()
	c, ok := cs.table(actor)[id]
	cs.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}
	select {
	case c.OutChan <- msg:
		return nil
	default:
		c.Close(ErrSlowConsumer)
		return ErrSlowConsumer
	}
}

// SendToUser queues msg on the user's live connection.
func (cs *Connections) SendToUser(id uuid.UUID, msg protocol.Message) error {
	return cs.send(event.ActorUser, id, msg)
}

// SendToHub queues msg on the hub's live connection.
func (cs *Connections) SendToHub(id uuid.UUID, msg protocol.Message) error {
	return cs.send(event.ActorHub, id, msg)
}

// Count returns the number of live user and hub connections.
func (cs *Connections) Count() (users, hubs int) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.users), len(cs.hubs)
}

var errReplaced = errors.New("handlers: replaced by newer connection")
