// Package dispatch runs the single-writer event loop that owns every cache.
//
// Network goroutines hand events to the loop through Submit. The loop routes
// each event to exactly one cache method, applies the effects that method
// recorded, and drains the follow-up events it produced before it takes the
// next external event.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-host/internal/buffer"
	"github.com/jason-s-yu/cambia-host/internal/event"
	"github.com/jason-s-yu/cambia-host/internal/game"
	"github.com/jason-s-yu/cambia-host/internal/hub"
	"github.com/jason-s-yu/cambia-host/internal/lobby"
	"github.com/jason-s-yu/cambia-host/internal/models"
	"github.com/jason-s-yu/cambia-host/internal/protocol"
	"github.com/jason-s-yu/cambia-host/internal/user"
	"github.com/sirupsen/logrus"
)

var (
	// ErrInvariantViolation wraps any broken cross-cache invariant. Run
	// stops when it sees one.
	ErrInvariantViolation = errors.New("dispatch: invariant violation")
	ErrStopped            = errors.New("dispatch: loop stopped")
)

// Transport delivers messages to live connections. Implementations must
// not block.
type Transport interface {
	SendToUser(id uuid.UUID, msg protocol.Message) error
	SendToHub(id uuid.UUID, msg protocol.Message) error
}

// Recorder receives lifecycle records. Implementations must not block.
type Recorder interface {
	Record(rec models.LifecycleRecord)
}

// Caches bundles the state owned by the loop.
type Caches struct {
	Users   *user.Registry
	Lobbies *lobby.Cache
	Hubs    *hub.Registry
	Games   *game.Cache
}

// Options tunes the loop. Zero values fall back to defaults.
type Options struct {
	SweepInterval time.Duration
	QueueSize     int
	Now           func() time.Time
}

// Dispatcher is the event loop.
type Dispatcher struct {
	log       *logrus.Entry
	c         Caches
	transport Transport
	recorder  Recorder

	events  chan event.Event
	queries chan chan Stats
	done    chan struct{}
	now     func() time.Time
	sweep   time.Duration

	backlog   []event.Event
	out       event.Outbox
	processed uint64
}

// New wires a dispatcher around the given caches. recorder may be nil.
func New(logger *logrus.Logger, c Caches, transport Transport, recorder Recorder, opts Options) *Dispatcher {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		log:       logger.WithField("component", "dispatch"),
		c:         c,
		transport: transport,
		recorder:  recorder,
		events:    make(chan event.Event, opts.QueueSize),
		queries:   make(chan chan Stats),
		done:      make(chan struct{}),
		now:       opts.Now,
		sweep:     opts.SweepInterval,
	}
}

// Submit hands an event to the loop. Events submitted from one goroutine
// are handled in submission order.
func (d *Dispatcher) Submit(ctx context.Context, ev event.Event) error {
	select {
	case <-d.done:
		return ErrStopped
	default:
	}
	select {
	case d.events <- ev:
		return nil
	case <-d.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes events until ctx is cancelled or an invariant breaks. It
// must be called from exactly one goroutine.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)
	ticker := time.NewTicker(d.sweep)
	defer ticker.Stop()

	d.log.WithField("sweep", d.sweep).Info("dispatch loop started")
	for {
		select {
		case <-ctx.Done():
			d.log.Info("dispatch loop stopped")
			return nil
		case ev := <-d.events:
			if err := d.Handle(ev); err != nil {
				d.log.WithError(err).WithField("event", ev.Name()).Error("fatal dispatch error")
				return err
			}
		case <-ticker.C:
			if err := d.Handle(event.Tick{At: d.now()}); err != nil {
				d.log.WithError(err).Error("fatal dispatch error during sweep")
				return err
			}
		case reply := <-d.queries:
			reply <- d.Stats()
		}
	}
}

// Handle processes one external event and every follow-up event it causes.
// After each routed event the hub load invariant is checked.
func (d *Dispatcher) Handle(ev event.Event) error {
	d.backlog = append(d.backlog[:0], ev)
	for len(d.backlog) > 0 {
		next := d.backlog[0]
		d.backlog = d.backlog[1:]

		d.out.Reset()
		if err := d.route(next); err != nil {
			d.backlog = d.backlog[:0]
			return fmt.Errorf("%w: %s: %w", ErrInvariantViolation, next.Name(), err)
		}
		d.flush()
		d.processed++

		if err := d.c.Hubs.Check(); err != nil {
			d.backlog = d.backlog[:0]
			return fmt.Errorf("%w: after %s: %v", ErrInvariantViolation, next.Name(), err)
		}
	}
	return nil
}

func (d *Dispatcher) route(ev event.Event) error {
	now := d.now()
	out := &d.out
	c := d.c

	switch e := ev.(type) {
	case event.UserConnected:
		c.Users.Connect(e.UserID, now, out)
	case event.UserDisconnected:
		c.Users.Disconnect(e.UserID, now, out)
	case event.UserMessage:
		d.routeUserMessage(e, out)
	case event.HubConnected:
		c.Hubs.Register(e, now, out)
	case event.HubDisconnected:
		c.Hubs.Disconnect(e.HubID, now, out)
	case event.HubMessage:
		d.routeHubMessage(e, now, out)

	case event.Tick:
		out.Emit(event.SweepUsers{At: e.At})
		out.Emit(event.SweepHubs{At: e.At})
		out.Emit(event.SweepLobbies{At: e.At})
		out.Emit(event.SweepGames{At: e.At})
	case event.SweepUsers:
		c.Users.Sweep(e.At, out)
	case event.SweepHubs:
		c.Hubs.Sweep(e.At, out)
	case event.SweepLobbies:
		c.Lobbies.Sweep(e.At, out)
	case event.SweepGames:
		c.Games.Sweep(e.At, out)

	case event.UserExpired:
		c.Users.Expire(e.UserID, e.At, out)
	case event.HubExpired:
		c.Hubs.Expire(e.HubID, e.At, out)
	case event.LobbyExpired:
		c.Lobbies.Expire(e.LobbyID, e.At, out)
	case event.PendingExpired:
		c.Games.ExpirePending(e.GameID, e.At, out)
	case event.QueuedExpired:
		c.Games.ExpireQueued(e.LobbyID, e.At, out)

	case event.JoinLobby:
		c.Lobbies.Join(e, now, out)
	case event.LeaveLobby:
		c.Lobbies.Leave(e, now, out)
	case event.UserAssigned:
		c.Users.Assign(e, out)
	case event.UserLost:
		switch e.Assignment.Kind {
		case models.AssignedLobby:
			c.Lobbies.RemoveLost(e.UserID, now, out)
		case models.AssignedGame:
			c.Games.MemberLost(e.UserID, e.Assignment.ID, now, out)
		}

	case event.LaunchRequested:
		return c.Hubs.Assign(e.Request, out)
	case event.HubAssigned:
		c.Games.CreatePending(e, now, out)
	case event.NoHubAvailable:
		c.Games.Queue(e, now, out)
	case event.HubCapacityChanged:
		c.Games.Retry(e, out)
	case event.HubLoadChanged:
		return c.Hubs.AckLoad(e.HubID, e.Delta, out)
	case event.HubLost:
		c.Games.HubLost(e.HubID, now, out)
	case event.LaunchCancelled:
		c.Games.CancelLaunch(e, now, out)
	case event.GameStarted:
		c.Lobbies.CompleteLaunch(e, out)
	case event.LaunchFailed:
		c.Lobbies.RevertLaunch(e, now, out)

	default:
		d.log.WithField("event", ev.Name()).Warn("unroutable event")
	}
	return nil
}

func (d *Dispatcher) routeUserMessage(e event.UserMessage, out *event.Outbox) {
	switch e.Msg.Type {
	case protocol.TypeJoinLobby:
		d.c.Users.RequestJoin(e.UserID, e.Msg, out)
	case protocol.TypeLeaveLobby:
		d.c.Users.RequestLeave(e.UserID, out)
	case protocol.TypeAck, protocol.TypeNack:
		d.log.WithFields(logrus.Fields{"user": e.UserID, "type": e.Msg.Type, "change": e.Msg.Change}).Debug("client ack")
	default:
		d.log.WithFields(logrus.Fields{"user": e.UserID, "type": e.Msg.Type}).Warn("unsupported user message")
		out.ToUser(e.UserID, protocol.Nack(string(e.Msg.Type), protocol.ReasonInvalidRequest))
	}
}

func (d *Dispatcher) routeHubMessage(e event.HubMessage, now time.Time, out *event.Outbox) {
	g := d.c.Games
	switch e.Msg.Type {
	case protocol.TypeCapacity:
		d.c.Hubs.ReportCapacity(e.HubID, e.Msg, out)
	case protocol.TypeLaunchAck:
		g.AckLaunch(e.HubID, e.Msg.GameID, now, out)
	case protocol.TypeLaunchReject:
		g.RejectLaunch(e.HubID, e.Msg.GameID, e.Msg.Reason, now, out)
	case protocol.TypeGameAborted:
		g.ReportAbort(e.HubID, e.Msg.GameID, e.Msg.Reason, now, out)
	case protocol.TypeGameCompleted:
		g.ReportComplete(e.HubID, e.Msg.GameID, now, out)
	case protocol.TypeGameUpdate:
		g.RelayUpdate(e.HubID, e.Msg, out)
	default:
		d.log.WithFields(logrus.Fields{"hub": e.HubID, "type": e.Msg.Type}).Warn("unsupported hub message")
	}
}

// holdAfterFailedSend starts the grace period of an actor whose connection
// is already gone and buffers the message that could not be sent. The
// transport's own disconnect notification then finds the actor disconnected
// and has no effect.
func (d *Dispatcher) holdAfterFailedSend(ob event.Outbound) bool {
	var lost event.Outbox
	defer func() { d.backlog = append(d.backlog, lost.Events...) }()
	now := d.now()
	if ob.Actor == event.ActorHub {
		d.c.Hubs.Disconnect(ob.To, now, &lost)
		return d.c.Hubs.Route(ob.To, ob.Msg) == buffer.Held
	}
	d.c.Users.Disconnect(ob.To, now, &lost)
	return d.c.Users.Route(ob.To, ob.Msg) == buffer.Held
}

// flush applies the outbox of the last routed event: messages go out (or
// into disconnect buffers), records go to the recorder, and follow-up events
// join the backlog.
func (d *Dispatcher) flush() {
	for _, ob := range d.out.Messages {
		var route buffer.Route
		var send func(uuid.UUID, protocol.Message) error
		if ob.Actor == event.ActorHub {
			route = d.c.Hubs.Route(ob.To, ob.Msg)
			send = d.transport.SendToHub
		} else {
			route = d.c.Users.Route(ob.To, ob.Msg)
			send = d.transport.SendToUser
		}

		fields := logrus.Fields{"to": ob.To, "actor": ob.Actor.String(), "type": ob.Msg.Type}
		switch route {
		case buffer.Send:
			if err := send(ob.To, ob.Msg); err != nil {
				held := d.holdAfterFailedSend(ob)
				d.log.WithFields(fields).WithError(err).WithField("held", held).Warn("send failed; actor treated as disconnected")
			}
		case buffer.Held:
			d.log.WithFields(fields).Debug("message held for disconnected actor")
		case buffer.Dropped:
			d.log.WithFields(fields).Debug("message dropped")
		}
	}
	if d.recorder != nil {
		for _, rec := range d.out.Records {
			d.recorder.Record(rec)
		}
	}
	d.backlog = append(d.backlog, d.out.Events...)
}
