// internal/user/registry.go
package user

import (
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-host/internal/buffer"
	"github.com/jason-s-yu/cambia-host/internal/event"
	"github.com/jason-s-yu/cambia-host/internal/models"
	"github.com/jason-s-yu/cambia-host/internal/protocol"
	"github.com/sirupsen/logrus"
)

// User is one connected (or recently connected) client.
type User struct {
	ID          uuid.UUID
	Status      models.ConnStatus
	Assignment  models.Assignment
	ConnectedAt time.Time
}

// Registry tracks users, their connection status and their assignment.
// It is owned by the dispatch loop and holds no locks.
type Registry struct {
	log     *logrus.Entry
	grace   time.Duration
	users   map[uuid.UUID]*User
	buffers *buffer.Manager
}

// NewRegistry returns an empty registry. grace is the disconnect grace
// period; bufferLimit caps messages held per disconnected user (0 = no cap).
func NewRegistry(logger *logrus.Logger, grace time.Duration, bufferLimit int) *Registry {
	return &Registry{
		log:     logger.WithField("component", "users"),
		grace:   grace,
		users:   make(map[uuid.UUID]*User),
		buffers: buffer.NewManager(bufferLimit),
	}
}

// Connect registers a new user or resumes a disconnected one. On resume the
// held messages are delivered first, in order, followed by a welcome that
// carries the user's current assignment.
func (r *Registry) Connect(id uuid.UUID, now time.Time, out *event.Outbox) {
	u, ok := r.users[id]
	if !ok {
		u = &User{ID: id, Status: models.StatusConnected, Assignment: models.Unassigned, ConnectedAt: now}
		r.users[id] = u
		r.log.WithField("user", id).Info("user registered")
		out.ToUser(id, protocol.Welcome(id, u.Assignment))
		return
	}

	switch u.Status {
	case models.StatusConnected:
		r.log.WithField("user", id).Debug("user connected again while connected")
	case models.StatusDisconnected:
		held := r.buffers.Flush(id)
		u.Status = models.StatusConnected
		r.log.WithFields(logrus.Fields{
			"user":       id,
			"held":       len(held),
			"assignment": u.Assignment.String(),
		}).Info("user reconnected")
		for _, msg := range held {
			out.ToUser(id, msg)
		}
	case models.StatusGone:
		// cleanup of the old assignment is still in flight; start over
		u.Status = models.StatusConnected
		u.Assignment = models.Unassigned
		r.log.WithField("user", id).Info("gone user registered again")
	}
	u.ConnectedAt = now
	out.ToUser(id, protocol.Welcome(id, u.Assignment))
}

// Disconnect starts the grace period for a connected user.
func (r *Registry) Disconnect(id uuid.UUID, now time.Time, out *event.Outbox) {
	u, ok := r.users[id]
	if !ok || u.Status != models.StatusConnected {
		return
	}
	u.Status = models.StatusDisconnected
	r.buffers.Open(id, now.Add(r.grace))
	r.log.WithFields(logrus.Fields{"user": id, "grace": r.grace}).Info("user disconnected")
}

// Expire ends the grace period of a user that did not come back. A user
// without an assignment is removed; otherwise the user becomes Gone and the
// owner of the assignment is told to clean up. Expiring a user that is not
// due has no effect.
func (r *Registry) Expire(id uuid.UUID, now time.Time, out *event.Outbox) {
	u, ok := r.users[id]
	if !ok || u.Status != models.StatusDisconnected || !r.buffers.Expired(id, now) {
		return
	}
	dropped := r.buffers.Drop(id)
	fields := logrus.Fields{"user": id, "dropped": dropped, "assignment": u.Assignment.String()}
	if u.Assignment.IsNone() {
		delete(r.users, id)
		r.log.WithFields(fields).Info("user expired")
		return
	}
	u.Status = models.StatusGone
	r.log.WithFields(fields).Info("user expired while assigned")
	out.Emit(event.UserLost{UserID: id, Assignment: u.Assignment})
}

// Sweep emits UserExpired for every user whose grace period has passed.
func (r *Registry) Sweep(now time.Time, out *event.Outbox) {
	for _, id := range r.buffers.Due(now) {
		out.Emit(event.UserExpired{UserID: id, At: now})
	}
}

// RequestJoin gates a join_lobby message. Only connected, unassigned users
// are forwarded to the lobby cache; everyone else gets a nack.
func (r *Registry) RequestJoin(id uuid.UUID, msg protocol.Message, out *event.Outbox) {
	u, ok := r.users[id]
	if !ok || u.Status != models.StatusConnected {
		out.ToUser(id, protocol.Nack(protocol.ChangeJoin, protocol.ReasonNotConnected))
		return
	}
	lobbyID, isNew, err := protocol.ParseLobbyTarget(msg.LobbyID)
	if err != nil {
		out.ToUser(id, protocol.Nack(protocol.ChangeJoin, protocol.ReasonInvalidRequest))
		return
	}
	switch u.Assignment.Kind {
	case models.AssignedGame:
		out.ToUser(id, protocol.Nack(protocol.ChangeJoin, protocol.ReasonInGame))
		return
	case models.AssignedLobby:
		out.ToUser(id, protocol.Nack(protocol.ChangeJoin, protocol.ReasonAlreadyInLobby))
		return
	}
	out.Emit(event.JoinLobby{UserID: id, LobbyID: lobbyID, New: isNew})
}

// RequestLeave gates a leave_lobby message.
func (r *Registry) RequestLeave(id uuid.UUID, out *event.Outbox) {
	u, ok := r.users[id]
	if !ok || u.Assignment.Kind != models.AssignedLobby {
		out.ToUser(id, protocol.Nack(protocol.ChangeLeave, protocol.ReasonNotInLobby))
		return
	}
	out.Emit(event.LeaveLobby{UserID: id})
}

// Assign applies an assignment change reported by the lobby or game cache.
// A gone user whose assignment is cleared is destroyed. Binding a game to a
// user that no longer exists reports the loss straight back.
func (r *Registry) Assign(ev event.UserAssigned, out *event.Outbox) {
	id, a := ev.UserID, ev.Assignment
	u, ok := r.users[id]
	if ok && !ev.From.IsNone() && u.Assignment != ev.From {
		r.log.WithFields(logrus.Fields{
			"user":       id,
			"current":    u.Assignment.String(),
			"from":       ev.From.String(),
			"assignment": a.String(),
		}).Debug("stale assignment change skipped")
		if a.Kind == models.AssignedGame {
			out.Emit(event.UserLost{UserID: id, Assignment: a})
		}
		return
	}
	if !ok {
		if a.Kind == models.AssignedGame {
			out.Emit(event.UserLost{UserID: id, Assignment: a})
		}
		return
	}
	if u.Status == models.StatusGone {
		if a.IsNone() {
			delete(r.users, id)
			r.log.WithField("user", id).Info("gone user released")
			return
		}
		out.Emit(event.UserLost{UserID: id, Assignment: a})
		return
	}
	u.Assignment = a
}

// Route picks the delivery for one outbound message to a user.
func (r *Registry) Route(id uuid.UUID, msg protocol.Message) buffer.Route {
	u, ok := r.users[id]
	if !ok {
		return buffer.Dropped
	}
	switch u.Status {
	case models.StatusConnected:
		return buffer.Send
	case models.StatusDisconnected:
		if r.buffers.Push(id, msg) {
			return buffer.Held
		}
	}
	return buffer.Dropped
}

// Get returns a copy of the user record.
func (r *Registry) Get(id uuid.UUID) (User, bool) {
	u, ok := r.users[id]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// Held returns the number of messages buffered for a disconnected user.
func (r *Registry) Held(id uuid.UUID) int {
	return r.buffers.Len(id)
}

// Counts returns the number of users per connection status.
func (r *Registry) Counts() map[models.ConnStatus]int {
	out := make(map[models.ConnStatus]int, 3)
	for _, u := range r.users {
		out[u.Status]++
	}
	return out
}

// Len returns the number of tracked users.
func (r *Registry) Len() int {
	return len(r.users)
}
