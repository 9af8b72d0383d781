package event

import (
	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-host/internal/models"
	"github.com/jason-s-yu/cambia-host/internal/protocol"
)

// Actor distinguishes the two kinds of message recipients.
type Actor int

const (
	ActorUser Actor = iota
	ActorHub
)

func (a Actor) String() string {
	if a == ActorHub {
		return "hub"
	}
	return "user"
}

// Outbound is one message addressed to a user or hub.
type Outbound struct {
	Actor Actor
	To    uuid.UUID
	Msg   protocol.Message
}

// Outbox collects the effects of one cache call.
type Outbox struct {
	Events   []Event
	Messages []Outbound
	Records  []models.LifecycleRecord
}

// Emit queues a follow-up event.
func (o *Outbox) Emit(ev Event) {
	o.Events = append(o.Events, ev)
}

// ToUser queues a message for a user.
func (o *Outbox) ToUser(id uuid.UUID, msg protocol.Message) {
	o.Messages = append(o.Messages, Outbound{Actor: ActorUser, To: id, Msg: msg})
}

// ToUsers queues the same message for every id, in order.
func (o *Outbox) ToUsers(ids []uuid.UUID, msg protocol.Message) {
	for _, id := range ids {
		o.ToUser(id, msg)
	}
}

// ToHub queues a message for a hub.
func (o *Outbox) ToHub(id uuid.UUID, msg protocol.Message) {
	o.Messages = append(o.Messages, Outbound{Actor: ActorHub, To: id, Msg: msg})
}

// Record queues a lifecycle record for the historian.
func (o *Outbox) Record(rec models.LifecycleRecord) {
	o.Records = append(o.Records, rec)
}

// Reset empties the outbox for reuse.
func (o *Outbox) Reset() {
	o.Events = o.Events[:0]
	o.Messages = o.Messages[:0]
	o.Records = o.Records[:0]
}
