// internal/game/cache.go
package game

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-host/internal/deadline"
	"github.com/jason-s-yu/cambia-host/internal/event"
	"github.com/jason-s-yu/cambia-host/internal/models"
	"github.com/jason-s-yu/cambia-host/internal/protocol"
	"github.com/sirupsen/logrus"
)

// Pending is a launch sent to a hub that has not been acknowledged yet.
type Pending struct {
	ID          uuid.UUID
	LobbyID     uuid.UUID
	HubID       uuid.UUID
	ConnectInfo string
	Members     []uuid.UUID
	RequestedAt time.Time
	Request     event.LaunchRequest
}

// Ongoing is a game running on a hub. Its member set never changes.
type Ongoing struct {
	ID          uuid.UUID
	LobbyID     uuid.UUID
	HubID       uuid.UUID
	ConnectInfo string
	Members     []uuid.UUID
	StartedAt   time.Time

	gone map[uuid.UUID]bool
	seq  uint64
}

// Active returns the members not yet lost, in launch order.
func (g *Ongoing) Active() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(g.Members))
	for _, m := range g.Members {
		if !g.gone[m] {
			out = append(out, m)
		}
	}
	return out
}

// Cache tracks pending and ongoing games and launch requests waiting for
// capacity. It is owned by the dispatch loop and holds no locks.
type Cache struct {
	log         *logrus.Entry
	ackTimeout  time.Duration
	retryWindow time.Duration
	config      map[string]string

	pending map[uuid.UUID]*Pending
	ongoing map[uuid.UUID]*Ongoing
	queued  []event.LaunchRequest
	seq     uint64

	pendingDeadlines *deadline.Set[uuid.UUID]
	queuedDeadlines  *deadline.Set[uuid.UUID]
}

// NewCache returns an empty game cache. ackTimeout bounds how long a hub may
// take to acknowledge a launch; retryWindow bounds how long a lobby may wait
// for a launch overall. config is forwarded to hubs in every launch_game.
func NewCache(logger *logrus.Logger, ackTimeout, retryWindow time.Duration, config map[string]string) *Cache {
	return &Cache{
		log:              logger.WithField("component", "games"),
		ackTimeout:       ackTimeout,
		retryWindow:      retryWindow,
		config:           config,
		pending:          make(map[uuid.UUID]*Pending),
		ongoing:          make(map[uuid.UUID]*Ongoing),
		pendingDeadlines: deadline.NewSet[uuid.UUID](),
		queuedDeadlines:  deadline.NewSet[uuid.UUID](),
	}
}

// CreatePending records a launch on the hub chosen by the registry and sends
// the launch command.
func (c *Cache) CreatePending(ev event.HubAssigned, now time.Time, out *event.Outbox) {
	req := ev.Request
	req.Attempts++
	p := &Pending{
		ID:          uuid.New(),
		LobbyID:     req.LobbyID,
		HubID:       ev.HubID,
		ConnectInfo: ev.ConnectInfo,
		Members:     append([]uuid.UUID(nil), req.Members...),
		RequestedAt: now,
		Request:     req,
	}
	c.pending[p.ID] = p
	c.pendingDeadlines.Arm(p.ID, now.Add(c.ackTimeout))

	c.log.WithFields(logrus.Fields{
		"game":    p.ID,
		"lobby":   p.LobbyID,
		"hub":     p.HubID,
		"attempt": req.Attempts,
	}).Info("launch requested")
	out.ToHub(p.HubID, protocol.LaunchGame(p.ID, p.LobbyID, p.Members, c.config))
	out.Record(c.record(models.LifecycleGamePending, p.ID, p.LobbyID, p.HubID, p.Members, "", now))
}

// Queue parks a request no hub could take. It is retried whenever capacity
// frees up, until the retry window closes.
func (c *Cache) Queue(ev event.NoHubAvailable, now time.Time, out *event.Outbox) {
	req := ev.Request
	until := req.FirstRequestedAt.Add(c.retryWindow)
	if !until.After(now) {
		c.fail(req.LobbyID, protocol.ReasonNoHub, out)
		return
	}
	for i, q := range c.queued {
		if q.LobbyID == req.LobbyID {
			c.queued[i] = req
			return
		}
	}
	c.queued = append(c.queued, req)
	c.queuedDeadlines.Arm(req.LobbyID, until)
	c.log.WithFields(logrus.Fields{"lobby": req.LobbyID, "queued": len(c.queued)}).Info("launch queued")
}

// Retry re-requests every queued launch, oldest first.
func (c *Cache) Retry(ev event.HubCapacityChanged, out *event.Outbox) {
	if len(c.queued) == 0 {
		return
	}
	queued := c.queued
	c.queued = nil
	for _, req := range queued {
		c.queuedDeadlines.Cancel(req.LobbyID)
		out.Emit(event.LaunchRequested{Request: req})
	}
	c.log.WithFields(logrus.Fields{"hub": ev.HubID, "retried": len(queued)}).Debug("retrying queued launches")
}

// ExpireQueued fails a queued launch whose retry window closed.
func (c *Cache) ExpireQueued(lobbyID uuid.UUID, now time.Time, out *event.Outbox) {
	at, ok := c.queuedDeadlines.Deadline(lobbyID)
	if !ok || at.After(now) {
		return
	}
	c.queuedDeadlines.Cancel(lobbyID)
	for i, q := range c.queued {
		if q.LobbyID == lobbyID {
			c.queued = append(c.queued[:i], c.queued[i+1:]...)
			break
		}
	}
	c.fail(lobbyID, protocol.ReasonNoHub, out)
}

// AckLaunch promotes a pending game to ongoing and hands its members over to
// the hub. An ack for a game the host does not know is answered with
// stop_game so the hub does not run an orphan.
func (c *Cache) AckLaunch(hubID, gameID uuid.UUID, now time.Time, out *event.Outbox) {
	p, ok := c.pending[gameID]
	if !ok {
		if g, running := c.ongoing[gameID]; running && g.HubID == hubID {
			return
		}
		c.log.WithFields(logrus.Fields{"hub": hubID, "game": gameID}).Warn("ack for unknown game; stopping it")
		out.ToHub(hubID, protocol.StopGame(gameID, protocol.ReasonUnknownGame))
		return
	}
	if p.HubID != hubID {
		c.log.WithFields(logrus.Fields{"hub": hubID, "game": gameID, "owner": p.HubID}).Warn("ack from wrong hub ignored")
		return
	}
	delete(c.pending, gameID)
	c.pendingDeadlines.Cancel(gameID)

	c.seq++
	g := &Ongoing{
		ID:          p.ID,
		LobbyID:     p.LobbyID,
		HubID:       p.HubID,
		ConnectInfo: p.ConnectInfo,
		Members:     p.Members,
		StartedAt:   now,
		gone:        make(map[uuid.UUID]bool),
		seq:         c.seq,
	}
	c.ongoing[g.ID] = g

	c.log.WithFields(logrus.Fields{"game": g.ID, "hub": g.HubID, "members": len(g.Members)}).Info("game started")
	out.Emit(event.GameStarted{LobbyID: g.LobbyID, GameID: g.ID})
	for _, m := range g.Members {
		out.Emit(event.UserAssigned{UserID: m, Assignment: models.InGame(g.ID), From: models.InLobby(g.LobbyID)})
	}
	out.ToUsers(g.Members, protocol.GameAssigned(g.ID, g.ConnectInfo))
	out.Record(c.record(models.LifecycleGameStarted, g.ID, g.LobbyID, g.HubID, g.Members, "", now))
}

// RejectLaunch handles a hub refusing a launch: the reserved slot is
// released and the launch is retried elsewhere while the window allows.
func (c *Cache) RejectLaunch(hubID, gameID uuid.UUID, reason string, now time.Time, out *event.Outbox) {
	p, ok := c.pending[gameID]
	if !ok || p.HubID != hubID {
		c.log.WithFields(logrus.Fields{"hub": hubID, "game": gameID}).Debug("reject for unknown launch")
		return
	}
	if reason == "" {
		reason = protocol.ReasonLaunchRejected
	}
	c.relaunch(p, reason, true, now, out)
}

// ExpirePending handles a launch whose ack never arrived.
func (c *Cache) ExpirePending(gameID uuid.UUID, now time.Time, out *event.Outbox) {
	p, ok := c.pending[gameID]
	if !ok {
		return
	}
	at, armed := c.pendingDeadlines.Deadline(gameID)
	if !armed || at.After(now) {
		return
	}
	out.ToHub(p.HubID, protocol.StopGame(p.ID, protocol.ReasonLaunchTimeout))
	c.relaunch(p, protocol.ReasonLaunchTimeout, true, now, out)
}

func (c *Cache) relaunch(p *Pending, reason string, release bool, now time.Time, out *event.Outbox) {
	delete(c.pending, p.ID)
	c.pendingDeadlines.Cancel(p.ID)
	if release {
		out.Emit(event.HubLoadChanged{HubID: p.HubID, Delta: -1})
	}
	out.Record(c.record(models.LifecycleGameAborted, p.ID, p.LobbyID, p.HubID, p.Members, reason, now))

	fields := logrus.Fields{"game": p.ID, "lobby": p.LobbyID, "hub": p.HubID, "reason": reason}
	if now.Sub(p.Request.FirstRequestedAt) < c.retryWindow {
		c.log.WithFields(fields).Warn("launch failed; retrying on another hub")
		out.Emit(event.LaunchRequested{Request: p.Request.WithExcluded(p.HubID)})
		return
	}
	c.log.WithFields(fields).Warn("launch failed; retry window closed")
	c.fail(p.LobbyID, reason, out)
}

// CancelLaunch withdraws the launch of a lobby that no longer exists. A
// queued request is dropped; an unacknowledged launch is stopped on its hub
// and the hub's reserved slot released.
func (c *Cache) CancelLaunch(ev event.LaunchCancelled, now time.Time, out *event.Outbox) {
	fields := logrus.Fields{"lobby": ev.LobbyID, "reason": ev.Reason}
	for i, q := range c.queued {
		if q.LobbyID == ev.LobbyID {
			c.queued = append(c.queued[:i], c.queued[i+1:]...)
			c.queuedDeadlines.Cancel(ev.LobbyID)
			c.log.WithFields(fields).Info("queued launch cancelled")
			return
		}
	}
	for _, p := range c.pending {
		if p.LobbyID != ev.LobbyID {
			continue
		}
		delete(c.pending, p.ID)
		c.pendingDeadlines.Cancel(p.ID)
		out.ToHub(p.HubID, protocol.StopGame(p.ID, ev.Reason))
		out.Emit(event.HubLoadChanged{HubID: p.HubID, Delta: -1})
		out.Record(c.record(models.LifecycleGameAborted, p.ID, p.LobbyID, p.HubID, p.Members, ev.Reason, now))
		fields["game"], fields["hub"] = p.ID, p.HubID
		c.log.WithFields(fields).Info("pending launch cancelled")
		return
	}
}

func (c *Cache) fail(lobbyID uuid.UUID, reason string, out *event.Outbox) {
	out.Emit(event.LaunchFailed{LobbyID: lobbyID, Reason: reason})
}

// ReportAbort handles a hub reporting that a game failed. A failure report
// for a game that was never acknowledged counts as a rejection.
func (c *Cache) ReportAbort(hubID, gameID uuid.UUID, reason string, now time.Time, out *event.Outbox) {
	if reason == "" {
		reason = protocol.ReasonHubFailure
	}
	if p, ok := c.pending[gameID]; ok && p.HubID == hubID {
		c.relaunch(p, reason, true, now, out)
		return
	}
	g, ok := c.ongoing[gameID]
	if !ok || g.HubID != hubID {
		return
	}
	c.end(g, models.LifecycleGameAborted, reason, true, now, out)
}

// ReportComplete is the normal end of a game.
func (c *Cache) ReportComplete(hubID, gameID uuid.UUID, now time.Time, out *event.Outbox) {
	g, ok := c.ongoing[gameID]
	if !ok || g.HubID != hubID {
		return
	}
	c.end(g, models.LifecycleGameCompleted, protocol.ReasonCompleted, true, now, out)
}

// HubLost aborts every game running on a lost hub and moves its unacked
// launches to other hubs. The hub is already gone, so no load is released.
func (c *Cache) HubLost(hubID uuid.UUID, now time.Time, out *event.Outbox) {
	var games []*Ongoing
	for _, g := range c.ongoing {
		if g.HubID == hubID {
			games = append(games, g)
		}
	}
	sort.Slice(games, func(i, j int) bool { return games[i].seq < games[j].seq })
	for _, g := range games {
		c.end(g, models.LifecycleGameAborted, protocol.ReasonHubLost, false, now, out)
	}

	var launches []*Pending
	for _, p := range c.pending {
		if p.HubID == hubID {
			launches = append(launches, p)
		}
	}
	sort.Slice(launches, func(i, j int) bool { return launches[i].RequestedAt.Before(launches[j].RequestedAt) })
	for _, p := range launches {
		c.relaunch(p, protocol.ReasonHubLost, false, now, out)
	}
}

// MemberLost marks a member whose grace period elapsed. When no member is
// left the game is aborted and the hub told to stop it.
func (c *Cache) MemberLost(userID, gameID uuid.UUID, now time.Time, out *event.Outbox) {
	g, ok := c.ongoing[gameID]
	if !ok {
		out.Emit(event.UserAssigned{UserID: userID, Assignment: models.Unassigned, From: models.InGame(gameID)})
		return
	}
	g.gone[userID] = true
	c.log.WithFields(logrus.Fields{"game": g.ID, "user": userID, "active": len(g.Active())}).Info("game member lost")
	if len(g.Active()) > 0 {
		return
	}
	out.ToHub(g.HubID, protocol.StopGame(g.ID, protocol.ReasonAllMembersGone))
	c.end(g, models.LifecycleGameAborted, protocol.ReasonAllMembersGone, true, now, out)
}

// RelayUpdate forwards a hub's game_update to the game's members.
func (c *Cache) RelayUpdate(hubID uuid.UUID, msg protocol.Message, out *event.Outbox) {
	g, ok := c.ongoing[msg.GameID]
	if !ok || g.HubID != hubID {
		c.log.WithFields(logrus.Fields{"hub": hubID, "game": msg.GameID}).Debug("update for unknown game dropped")
		return
	}
	out.ToUsers(g.Active(), protocol.GameUpdate(g.ID, msg.Payload))
}

func (c *Cache) end(g *Ongoing, kind models.LifecycleKind, reason string, release bool, now time.Time, out *event.Outbox) {
	delete(c.ongoing, g.ID)
	if release {
		out.Emit(event.HubLoadChanged{HubID: g.HubID, Delta: -1})
	}
	out.ToUsers(g.Active(), protocol.GameEnded(g.ID, reason))
	for _, m := range g.Members {
		out.Emit(event.UserAssigned{UserID: m, Assignment: models.Unassigned, From: models.InGame(g.ID)})
	}
	out.Record(c.record(kind, g.ID, g.LobbyID, g.HubID, g.Members, reason, now))
	c.log.WithFields(logrus.Fields{"game": g.ID, "hub": g.HubID, "reason": reason}).Info("game ended")
}

// Sweep emits PendingExpired for overdue launches and QueuedExpired for
// queued requests whose retry window closed.
func (c *Cache) Sweep(now time.Time, out *event.Outbox) {
	for _, id := range c.pendingDeadlines.Due(now) {
		out.Emit(event.PendingExpired{GameID: id, At: now})
	}
	for _, id := range c.queuedDeadlines.Due(now) {
		out.Emit(event.QueuedExpired{LobbyID: id, At: now})
	}
}

func (c *Cache) record(kind models.LifecycleKind, gameID, lobbyID, hubID uuid.UUID, members []uuid.UUID, reason string, now time.Time) models.LifecycleRecord {
	rec := models.NewLifecycleRecord(kind, now)
	rec.GameID = gameID
	rec.LobbyID = lobbyID
	rec.HubID = hubID
	rec.Members = append([]uuid.UUID(nil), members...)
	rec.Reason = reason
	return rec
}

// GetPending returns a copy of a pending game.
func (c *Cache) GetPending(id uuid.UUID) (Pending, bool) {
	p, ok := c.pending[id]
	if !ok {
		return Pending{}, false
	}
	return *p, true
}

// GetOngoing returns a copy of an ongoing game.
func (c *Cache) GetOngoing(id uuid.UUID) (Ongoing, bool) {
	g, ok := c.ongoing[id]
	if !ok {
		return Ongoing{}, false
	}
	return *g, true
}

// PendingFor returns the pending game launched for a lobby.
func (c *Cache) PendingFor(lobbyID uuid.UUID) (Pending, bool) {
	for _, p := range c.pending {
		if p.LobbyID == lobbyID {
			return *p, true
		}
	}
	return Pending{}, false
}

// Queued reports whether a lobby's launch is waiting for capacity.
func (c *Cache) Queued(lobbyID uuid.UUID) bool {
	return c.queuedDeadlines.Armed(lobbyID)
}

// Counts returns the number of pending, ongoing and queued launches.
func (c *Cache) Counts() (pending, ongoing, queued int) {
	return len(c.pending), len(c.ongoing), len(c.queued)
}
