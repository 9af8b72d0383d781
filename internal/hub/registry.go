// internal/hub/registry.go
package hub

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-host/internal/buffer"
	"github.com/jason-s-yu/cambia-host/internal/event"
	"github.com/jason-s-yu/cambia-host/internal/models"
	"github.com/jason-s-yu/cambia-host/internal/protocol"
	"github.com/sirupsen/logrus"
)

var (
	// ErrInvariantViolation is returned when applying an assignment would
	// push a hub past its capacity. It is fatal for the dispatch loop.
	ErrInvariantViolation = errors.New("hub: load exceeds capacity")
	ErrUnknownPolicy      = errors.New("hub: unknown selection policy")
)

// Policy names a hub selection strategy.
type Policy string

const (
	// PolicyLeastRatio picks the lowest load/capacity ratio.
	PolicyLeastRatio Policy = "least_ratio"
	// PolicyLeastLoad picks the lowest absolute load, then the lowest ratio.
	PolicyLeastLoad Policy = "least_load"
)

// ParsePolicy resolves a configured policy name. Empty means least_ratio.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyLeastRatio:
		return PolicyLeastRatio, nil
	case PolicyLeastLoad:
		return PolicyLeastLoad, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// Hub is one registered game worker.
type Hub struct {
	ID           uuid.UUID
	Status       models.ConnStatus
	Capacity     int
	Load         int
	ConnectInfo  string
	RegisteredAt time.Time

	seq uint64
}

// Free reports whether the hub can take one more game.
func (h *Hub) Free() bool {
	return h.Status == models.StatusConnected && h.Load < h.Capacity
}

// Registry tracks hubs, their capacity and their load, and picks a hub for
// each launch. It is owned by the dispatch loop and holds no locks.
type Registry struct {
	log     *logrus.Entry
	grace   time.Duration
	policy  Policy
	hubs    map[uuid.UUID]*Hub
	buffers *buffer.Manager
	seq     uint64
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *logrus.Logger, grace time.Duration, bufferLimit int, policy Policy) *Registry {
	if policy == "" {
		policy = PolicyLeastRatio
	}
	return &Registry{
		log:     logger.WithField("component", "hubs"),
		grace:   grace,
		policy:  policy,
		hubs:    make(map[uuid.UUID]*Hub),
		buffers: buffer.NewManager(bufferLimit),
	}
}

// Register adds a hub or resumes one inside its grace period. Commands held
// while it was away are delivered first, in order.
func (r *Registry) Register(ev event.HubConnected, now time.Time, out *event.Outbox) {
	h, ok := r.hubs[ev.HubID]
	if !ok {
		r.seq++
		h = &Hub{
			ID:           ev.HubID,
			Status:       models.StatusConnected,
			Capacity:     max(ev.Capacity, 0),
			ConnectInfo:  ev.ConnectInfo,
			RegisteredAt: now,
			seq:          r.seq,
		}
		r.hubs[h.ID] = h
		r.log.WithFields(logrus.Fields{
			"hub":      h.ID,
			"capacity": h.Capacity,
			"connect":  h.ConnectInfo,
		}).Info("hub registered")
		out.Emit(event.HubCapacityChanged{HubID: h.ID})
		return
	}

	if h.Status == models.StatusDisconnected {
		held := r.buffers.Flush(h.ID)
		r.log.WithFields(logrus.Fields{"hub": h.ID, "held": len(held), "load": h.Load}).Info("hub reconnected")
		for _, msg := range held {
			out.ToHub(h.ID, msg)
		}
	}
	h.Status = models.StatusConnected
	if ev.ConnectInfo != "" {
		h.ConnectInfo = ev.ConnectInfo
	}
	r.setCapacity(h, ev.Capacity)
	out.Emit(event.HubCapacityChanged{HubID: h.ID})
}

// Disconnect starts the grace period for a connected hub. Its games keep
// running; commands for it are held until it returns or is lost.
func (r *Registry) Disconnect(id uuid.UUID, now time.Time, out *event.Outbox) {
	h, ok := r.hubs[id]
	if !ok || h.Status != models.StatusConnected {
		return
	}
	h.Status = models.StatusDisconnected
	r.buffers.Open(id, now.Add(r.grace))
	r.log.WithFields(logrus.Fields{"hub": id, "load": h.Load, "grace": r.grace}).Warn("hub disconnected")
}

// Expire removes a hub whose grace period elapsed and reports it lost so
// its games are aborted or relaunched. A hub that is not due is untouched.
func (r *Registry) Expire(id uuid.UUID, now time.Time, out *event.Outbox) {
	h, ok := r.hubs[id]
	if !ok || h.Status != models.StatusDisconnected || !r.buffers.Expired(id, now) {
		return
	}
	dropped := r.buffers.Drop(id)
	h.Status = models.StatusGone
	delete(r.hubs, id)
	r.log.WithFields(logrus.Fields{"hub": id, "load": h.Load, "dropped": dropped}).Warn("hub lost")
	out.Emit(event.HubLost{HubID: id})
}

// Sweep emits HubExpired for every hub whose grace period has passed.
func (r *Registry) Sweep(now time.Time, out *event.Outbox) {
	for _, id := range r.buffers.Due(now) {
		out.Emit(event.HubExpired{HubID: id, At: now})
	}
}

// Select picks a hub for req. ok is false when no connected hub has spare
// capacity; that is not an error.
func (r *Registry) Select(req event.LaunchRequest) (id uuid.UUID, ok bool) {
	var best *Hub
	for _, h := range r.hubs {
		if !h.Free() || req.Excludes(h.ID) {
			continue
		}
		if best == nil || r.better(h, best) {
			best = h
		}
	}
	if best == nil {
		return uuid.Nil, false
	}
	return best.ID, true
}

func (r *Registry) better(a, b *Hub) bool {
	if r.policy == PolicyLeastLoad && a.Load != b.Load {
		return a.Load < b.Load
	}
	// cross-multiplied to compare ratios exactly
	la, lb := a.Load*b.Capacity, b.Load*a.Capacity
	if la != lb {
		return la < lb
	}
	return a.seq < b.seq
}

// Assign selects a hub for a launch request and reserves one slot on it.
// It emits HubAssigned, or NoHubAvailable when nothing qualifies. An
// assignment that would overload the selected hub is not applied and
// returns ErrInvariantViolation.
func (r *Registry) Assign(req event.LaunchRequest, out *event.Outbox) error {
	id, ok := r.Select(req)
	if !ok {
		r.log.WithFields(logrus.Fields{"lobby": req.LobbyID, "excluded": len(req.Excluded)}).Info("no hub available")
		out.Emit(event.NoHubAvailable{Request: req})
		return nil
	}
	h := r.hubs[id]
	if h.Load+1 > h.Capacity {
		return fmt.Errorf("%w: hub %s load %d capacity %d", ErrInvariantViolation, h.ID, h.Load, h.Capacity)
	}
	h.Load++
	r.log.WithFields(logrus.Fields{
		"hub":      h.ID,
		"lobby":    req.LobbyID,
		"load":     h.Load,
		"capacity": h.Capacity,
	}).Info("hub assigned")
	out.Emit(event.HubAssigned{Request: req, HubID: h.ID, ConnectInfo: h.ConnectInfo})
	return nil
}

// AckLoad adjusts a hub's load by delta. Releases never drop below zero and
// announce the freed capacity. Unknown hubs are ignored; they have already
// been lost.
func (r *Registry) AckLoad(id uuid.UUID, delta int, out *event.Outbox) error {
	h, ok := r.hubs[id]
	if !ok {
		return nil
	}
	load := h.Load + delta
	if load > h.Capacity {
		return fmt.Errorf("%w: hub %s load %d capacity %d", ErrInvariantViolation, h.ID, load, h.Capacity)
	}
	if load < 0 {
		r.log.WithFields(logrus.Fields{"hub": id, "load": h.Load, "delta": delta}).Warn("hub load underflow")
		load = 0
	}
	h.Load = load
	if delta < 0 {
		out.Emit(event.HubCapacityChanged{HubID: id})
	}
	return nil
}

// ReportCapacity applies a hub's periodic capacity report. The host's own
// load accounting stays authoritative; a differing reported load is logged.
func (r *Registry) ReportCapacity(id uuid.UUID, msg protocol.Message, out *event.Outbox) {
	h, ok := r.hubs[id]
	if !ok {
		return
	}
	if msg.Load != nil && *msg.Load != h.Load {
		r.log.WithFields(logrus.Fields{"hub": id, "reported": *msg.Load, "tracked": h.Load}).Warn("hub load mismatch")
	}
	if msg.Capacity == nil {
		return
	}
	before := h.Capacity
	r.setCapacity(h, *msg.Capacity)
	if h.Capacity > before {
		out.Emit(event.HubCapacityChanged{HubID: id})
	}
}

func (r *Registry) setCapacity(h *Hub, capacity int) {
	if capacity < h.Load {
		r.log.WithFields(logrus.Fields{"hub": h.ID, "capacity": capacity, "load": h.Load}).Warn("capacity below load; clamped")
		capacity = h.Load
	}
	h.Capacity = capacity
}

// Route picks the delivery for one outbound command to a hub.
func (r *Registry) Route(id uuid.UUID, msg protocol.Message) buffer.Route {
	h, ok := r.hubs[id]
	if !ok {
		return buffer.Dropped
	}
	switch h.Status {
	case models.StatusConnected:
		return buffer.Send
	case models.StatusDisconnected:
		if r.buffers.Push(id, msg) {
			return buffer.Held
		}
	}
	return buffer.Dropped
}

// Check verifies load <= capacity for every hub.
func (r *Registry) Check() error {
	for _, h := range r.hubs {
		if h.Load > h.Capacity || h.Load < 0 {
			return fmt.Errorf("%w: hub %s load %d capacity %d", ErrInvariantViolation, h.ID, h.Load, h.Capacity)
		}
	}
	return nil
}

// Get returns a copy of one hub.
func (r *Registry) Get(id uuid.UUID) (Hub, bool) {
	h, ok := r.hubs[id]
	if !ok {
		return Hub{}, false
	}
	return *h, true
}

// List returns copies of all hubs in registration order.
func (r *Registry) List() []Hub {
	out := make([]Hub, 0, len(r.hubs))
	for _, h := range r.hubs {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Held returns the number of commands buffered for a disconnected hub.
func (r *Registry) Held(id uuid.UUID) int {
	return r.buffers.Len(id)
}

// Len returns the number of tracked hubs.
func (r *Registry) Len() int {
	return len(r.hubs)
}
