// internal/lobby/cache.go
package lobby

import (
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-host/internal/deadline"
	"github.com/jason-s-yu/cambia-host/internal/event"
	"github.com/jason-s-yu/cambia-host/internal/models"
	"github.com/jason-s-yu/cambia-host/internal/protocol"
	"github.com/sirupsen/logrus"
)

// State is a lobby's position in its lifecycle.
type State int

const (
	// StatePending lobbies accept membership changes.
	StatePending State = iota
	// StateLaunching lobbies have a launch in flight; membership is frozen.
	StateLaunching
)

func (s State) String() string {
	if s == StateLaunching {
		return "launching"
	}
	return "pending"
}

// Lobby is a forming group of users not yet bound to a running game.
type Lobby struct {
	ID         uuid.UUID
	Members    []uuid.UUID
	CreatedAt  time.Time
	LastChange time.Time
	State      State
	Checker    Checker

	// ready is set by the last accepted change's verdict.
	ready bool
}

func (l *Lobby) snapshot() Snapshot {
	return Snapshot{
		ID:         l.ID,
		Members:    append([]uuid.UUID(nil), l.Members...),
		State:      l.State,
		CreatedAt:  l.CreatedAt,
		LastChange: l.LastChange,
	}
}

func (l *Lobby) wire() protocol.LobbyState {
	return protocol.LobbyState{
		ID:        l.ID,
		Members:   append([]uuid.UUID(nil), l.Members...),
		State:     l.State.String(),
		CreatedAt: l.CreatedAt,
	}
}

func (l *Lobby) remove(id uuid.UUID) bool {
	for i, m := range l.Members {
		if m == id {
			l.Members = append(l.Members[:i], l.Members[i+1:]...)
			return true
		}
	}
	return false
}

// Cache owns all pending and launching lobbies. It is mutated only from the
// dispatch loop.
type Cache struct {
	log        *logrus.Entry
	timeout    time.Duration
	newChecker func() Checker

	lobbies   map[uuid.UUID]*Lobby
	memberOf  map[uuid.UUID]uuid.UUID
	deadlines *deadline.Set[uuid.UUID]
}

// NewCache returns an empty lobby cache. timeout is how long a pending lobby
// may go without an accepted change; newChecker builds the checker for each
// new lobby.
func NewCache(logger *logrus.Logger, timeout time.Duration, newChecker func() Checker) *Cache {
	return &Cache{
		log:        logger.WithField("component", "lobbies"),
		timeout:    timeout,
		newChecker: newChecker,
		lobbies:    make(map[uuid.UUID]*Lobby),
		memberOf:   make(map[uuid.UUID]uuid.UUID),
		deadlines:  deadline.NewSet[uuid.UUID](),
	}
}

// Join asks the lobby's checker to admit a user. A rejected join is nacked
// and changes nothing; an accepted one is applied, resets the lobby's
// expiration and may trigger a launch.
func (c *Cache) Join(ev event.JoinLobby, now time.Time, out *event.Outbox) {
	if _, ok := c.memberOf[ev.UserID]; ok {
		out.ToUser(ev.UserID, protocol.Nack(protocol.ChangeJoin, protocol.ReasonAlreadyInLobby))
		return
	}

	var l *Lobby
	if ev.New {
		l = &Lobby{
			ID:         uuid.New(),
			CreatedAt:  now,
			LastChange: now,
			State:      StatePending,
			Checker:    c.newChecker(),
		}
	} else {
		var ok bool
		l, ok = c.lobbies[ev.LobbyID]
		if !ok {
			out.ToUser(ev.UserID, protocol.Nack(protocol.ChangeJoin, protocol.ReasonLobbyNotFound))
			return
		}
		if l.State != StatePending {
			out.ToUser(ev.UserID, protocol.Nack(protocol.ChangeJoin, protocol.ReasonLobbyLaunching))
			return
		}
	}

	snap := l.snapshot()
	if snap.Contains(ev.UserID) {
		out.ToUser(ev.UserID, protocol.Nack(protocol.ChangeJoin, protocol.ReasonAlreadyInLobby))
		return
	}
	v := l.Checker.Evaluate(snap, Change{Kind: ChangeJoin, UserID: ev.UserID})
	if v.Decision == Reject || v.Decision == Unviable {
		reason := v.Reason
		if reason == "" {
			reason = protocol.ReasonCheckerRejected
		}
		c.log.WithFields(logrus.Fields{"lobby": l.ID, "user": ev.UserID, "reason": reason}).Debug("join rejected")
		out.ToUser(ev.UserID, protocol.Nack(protocol.ChangeJoin, reason))
		return
	}

	if ev.New {
		c.lobbies[l.ID] = l
		c.log.WithFields(logrus.Fields{"lobby": l.ID, "user": ev.UserID}).Info("lobby created")
	}
	l.Members = append(l.Members, ev.UserID)
	l.LastChange = now
	l.ready = v.Decision == AcceptAndReady
	c.memberOf[ev.UserID] = l.ID
	c.deadlines.Arm(l.ID, now.Add(c.timeout))

	out.ToUser(ev.UserID, protocol.Ack(protocol.ChangeJoin))
	out.Emit(event.UserAssigned{UserID: ev.UserID, Assignment: models.InLobby(l.ID)})
	c.TryLaunch(l.ID, now, out)
	c.broadcast(l, out)
}

// Leave removes a user from their lobby. Leaving is always honoured for a
// pending lobby; the checker's verdict only decides readiness and whether
// the remaining lobby is still viable. Launching lobbies nack the leave.
func (c *Cache) Leave(ev event.LeaveLobby, now time.Time, out *event.Outbox) {
	lobbyID, ok := c.memberOf[ev.UserID]
	if !ok {
		out.ToUser(ev.UserID, protocol.Nack(protocol.ChangeLeave, protocol.ReasonNotInLobby))
		return
	}
	l := c.lobbies[lobbyID]
	if l.State != StatePending {
		out.ToUser(ev.UserID, protocol.Nack(protocol.ChangeLeave, protocol.ReasonLobbyLaunching))
		return
	}
	out.ToUser(ev.UserID, protocol.Ack(protocol.ChangeLeave))
	c.removeMember(l, ev.UserID, now, out)
}

// RemoveLost drops a user whose grace period elapsed. Unlike Leave it also
// applies to launching lobbies: the launch carries its own member list. A
// launching lobby that loses its last member is disbanded and its launch
// withdrawn.
func (c *Cache) RemoveLost(userID uuid.UUID, now time.Time, out *event.Outbox) {
	lobbyID, ok := c.memberOf[userID]
	if !ok {
		out.Emit(event.UserAssigned{UserID: userID, Assignment: models.Unassigned})
		return
	}
	l := c.lobbies[lobbyID]
	if l.State == StateLaunching {
		l.remove(userID)
		delete(c.memberOf, userID)
		out.Emit(event.UserAssigned{UserID: userID, Assignment: models.Unassigned, From: models.InLobby(l.ID)})
		c.log.WithFields(logrus.Fields{"lobby": l.ID, "user": userID}).Info("member lost during launch")
		if len(l.Members) == 0 {
			c.disband(l, protocol.ReasonLobbyEmpty, now, out)
			out.Emit(event.LaunchCancelled{LobbyID: l.ID, Reason: protocol.ReasonLobbyEmpty})
		}
		return
	}
	c.removeMember(l, userID, now, out)
}

func (c *Cache) removeMember(l *Lobby, userID uuid.UUID, now time.Time, out *event.Outbox) {
	v := l.Checker.Evaluate(l.snapshot(), Change{Kind: ChangeLeave, UserID: userID})
	l.remove(userID)
	delete(c.memberOf, userID)
	out.Emit(event.UserAssigned{UserID: userID, Assignment: models.Unassigned, From: models.InLobby(l.ID)})

	switch {
	case len(l.Members) == 0:
		c.disband(l, protocol.ReasonLobbyEmpty, now, out)
		return
	case v.Decision == Unviable:
		c.disband(l, protocol.ReasonLobbyUnviable, now, out)
		return
	}
	l.LastChange = now
	l.ready = v.Decision == AcceptAndReady
	c.deadlines.Arm(l.ID, now.Add(c.timeout))
	c.TryLaunch(l.ID, now, out)
	c.broadcast(l, out)
}

// Expire disbands a pending lobby whose last accepted change is older than
// the lobby timeout. It has no effect on lobbies that are not due.
func (c *Cache) Expire(lobbyID uuid.UUID, now time.Time, out *event.Outbox) {
	l, ok := c.lobbies[lobbyID]
	if !ok || l.State != StatePending {
		return
	}
	at, armed := c.deadlines.Deadline(lobbyID)
	if !armed || at.After(now) {
		return
	}
	c.disband(l, protocol.ReasonLobbyExpired, now, out)
}

// TryLaunch freezes a ready pending lobby and asks for a hub.
func (c *Cache) TryLaunch(lobbyID uuid.UUID, now time.Time, out *event.Outbox) {
	l, ok := c.lobbies[lobbyID]
	if !ok || l.State != StatePending || !l.ready {
		return
	}
	l.State = StateLaunching
	c.deadlines.Cancel(l.ID)
	c.log.WithFields(logrus.Fields{"lobby": l.ID, "members": len(l.Members)}).Info("lobby launching")
	out.Emit(event.LaunchRequested{Request: event.LaunchRequest{
		LobbyID:          l.ID,
		Members:          append([]uuid.UUID(nil), l.Members...),
		FirstRequestedAt: now,
	}})
}

// CompleteLaunch destroys a lobby whose game has started. Member
// assignments are moved to the game by the game cache.
func (c *Cache) CompleteLaunch(ev event.GameStarted, out *event.Outbox) {
	l, ok := c.lobbies[ev.LobbyID]
	if !ok {
		return
	}
	for _, m := range l.Members {
		delete(c.memberOf, m)
	}
	delete(c.lobbies, l.ID)
	c.deadlines.Cancel(l.ID)
	c.log.WithFields(logrus.Fields{"lobby": l.ID, "game": ev.GameID}).Info("lobby launched")
}

// RevertLaunch returns a launching lobby to pending after its launch failed.
func (c *Cache) RevertLaunch(ev event.LaunchFailed, now time.Time, out *event.Outbox) {
	l, ok := c.lobbies[ev.LobbyID]
	if !ok || l.State != StateLaunching {
		return
	}
	rec := models.NewLifecycleRecord(models.LifecycleLaunchFailed, now)
	rec.LobbyID = l.ID
	rec.Members = append([]uuid.UUID(nil), l.Members...)
	rec.Reason = ev.Reason
	out.Record(rec)

	if len(l.Members) == 0 {
		c.disband(l, protocol.ReasonLobbyEmpty, now, out)
		return
	}
	l.State = StatePending
	l.ready = false
	l.LastChange = now
	c.deadlines.Arm(l.ID, now.Add(c.timeout))
	c.log.WithFields(logrus.Fields{"lobby": l.ID, "reason": ev.Reason}).Warn("launch failed; lobby reverted")
	out.ToUsers(l.Members, protocol.LaunchFailed(l.ID, ev.Reason))
	c.broadcast(l, out)
}

// Sweep emits LobbyExpired for every pending lobby past its timeout.
func (c *Cache) Sweep(now time.Time, out *event.Outbox) {
	for _, id := range c.deadlines.Due(now) {
		out.Emit(event.LobbyExpired{LobbyID: id, At: now})
	}
}

func (c *Cache) disband(l *Lobby, reason string, now time.Time, out *event.Outbox) {
	delete(c.lobbies, l.ID)
	c.deadlines.Cancel(l.ID)
	for _, m := range l.Members {
		delete(c.memberOf, m)
		out.ToUser(m, protocol.LobbyDisbanded(l.ID, reason))
		out.Emit(event.UserAssigned{UserID: m, Assignment: models.Unassigned, From: models.InLobby(l.ID)})
	}
	rec := models.NewLifecycleRecord(models.LifecycleLobbyDisbanded, now)
	rec.LobbyID = l.ID
	rec.Members = append([]uuid.UUID(nil), l.Members...)
	rec.Reason = reason
	out.Record(rec)
	c.log.WithFields(logrus.Fields{"lobby": l.ID, "reason": reason}).Info("lobby disbanded")
}

func (c *Cache) broadcast(l *Lobby, out *event.Outbox) {
	out.ToUsers(l.Members, protocol.LobbyUpdate(l.wire()))
}

// Get returns a snapshot of one lobby.
func (c *Cache) Get(id uuid.UUID) (Snapshot, bool) {
	l, ok := c.lobbies[id]
	if !ok {
		return Snapshot{}, false
	}
	return l.snapshot(), true
}

// LobbyOf returns the lobby a user belongs to.
func (c *Cache) LobbyOf(userID uuid.UUID) (uuid.UUID, bool) {
	id, ok := c.memberOf[userID]
	return id, ok
}

// Counts returns the number of lobbies per state.
func (c *Cache) Counts() map[State]int {
	out := make(map[State]int, 2)
	for _, l := range c.lobbies {
		out[l.State]++
	}
	return out
}

// Len returns the number of lobbies.
func (c *Cache) Len() int {
	return len(c.lobbies)
}
