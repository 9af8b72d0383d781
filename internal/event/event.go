// Package event defines the events that flow through the dispatch loop and
// the Outbox on which caches record their side effects.
//
// Caches never call each other. A cache method receives an *Outbox, records
// outbound messages, lifecycle records and follow-up events on it, and the
// dispatcher applies them after the method returns.
package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-host/internal/models"
	"github.com/jason-s-yu/cambia-host/internal/protocol"
)

// Event is anything the dispatcher can route.
type Event interface {
	Name() string
}

// --- transport ---

type UserConnected struct{ UserID uuid.UUID }
type UserDisconnected struct{ UserID uuid.UUID }
type UserMessage struct {
	UserID uuid.UUID
	Msg    protocol.Message
}

type HubConnected struct {
	HubID       uuid.UUID
	Capacity    int
	ConnectInfo string
}
type HubDisconnected struct{ HubID uuid.UUID }
type HubMessage struct {
	HubID uuid.UUID
	Msg   protocol.Message
}

// Tick is injected periodically by the dispatcher's ticker.
type Tick struct{ At time.Time }

// --- sweeps and expiries ---

type SweepUsers struct{ At time.Time }
type SweepHubs struct{ At time.Time }
type SweepLobbies struct{ At time.Time }
type SweepGames struct{ At time.Time }

type UserExpired struct {
	UserID uuid.UUID
	At     time.Time
}
type HubExpired struct {
	HubID uuid.UUID
	At    time.Time
}
type LobbyExpired struct {
	LobbyID uuid.UUID
	At      time.Time
}
type PendingExpired struct {
	GameID uuid.UUID
	At     time.Time
}
type QueuedExpired struct {
	LobbyID uuid.UUID
	At      time.Time
}

// --- user registry <-> lobby cache ---

// JoinLobby is a join request that already passed the user registry gate.
type JoinLobby struct {
	UserID  uuid.UUID
	LobbyID uuid.UUID
	New     bool
}

// LeaveLobby is a leave request that already passed the user registry gate.
type LeaveLobby struct{ UserID uuid.UUID }

// UserAssigned reports a user's new assignment to the user registry. From,
// when set, is the assignment being replaced; the registry skips the change
// if the user has moved on since.
type UserAssigned struct {
	UserID     uuid.UUID
	Assignment models.Assignment
	From       models.Assignment
}

// UserLost reports that a user's grace period elapsed while still assigned.
// It is routed to the cache that owns the assignment.
type UserLost struct {
	UserID     uuid.UUID
	Assignment models.Assignment
}

// --- lobby cache -> hub registry -> game cache ---

// LaunchRequest travels with every launch attempt for one lobby.
type LaunchRequest struct {
	LobbyID          uuid.UUID
	Members          []uuid.UUID
	FirstRequestedAt time.Time
	// Excluded lists hubs that rejected or timed out on this request.
	Excluded []uuid.UUID
	Attempts int
}

// Excludes reports whether hub is on the request's exclusion list.
func (r LaunchRequest) Excludes(hub uuid.UUID) bool {
	for _, id := range r.Excluded {
		if id == hub {
			return true
		}
	}
	return false
}

// WithExcluded returns a copy of r with hub added to the exclusion list.
func (r LaunchRequest) WithExcluded(hub uuid.UUID) LaunchRequest {
	out := r
	out.Excluded = append(append([]uuid.UUID(nil), r.Excluded...), hub)
	return out
}

type LaunchRequested struct{ Request LaunchRequest }

type HubAssigned struct {
	Request     LaunchRequest
	HubID       uuid.UUID
	ConnectInfo string
}

type NoHubAvailable struct{ Request LaunchRequest }

// HubCapacityChanged fires whenever a hub may accept more games.
type HubCapacityChanged struct{ HubID uuid.UUID }

// HubLoadChanged asks the hub registry to adjust a hub's load.
type HubLoadChanged struct {
	HubID uuid.UUID
	Delta int
}

// HubLost fires once a disconnected hub's grace period elapses.
type HubLost struct{ HubID uuid.UUID }

// LaunchCancelled withdraws a lobby's queued or unacknowledged launch after
// the lobby was disbanded.
type LaunchCancelled struct {
	LobbyID uuid.UUID
	Reason  string
}

// --- game cache -> lobby cache ---

type GameStarted struct {
	LobbyID uuid.UUID
	GameID  uuid.UUID
}

type LaunchFailed struct {
	LobbyID uuid.UUID
	Reason  string
}

func (UserConnected) Name() string      { return "user_connected" }
func (UserDisconnected) Name() string   { return "user_disconnected" }
func (UserMessage) Name() string        { return "user_message" }
func (HubConnected) Name() string       { return "hub_connected" }
func (HubDisconnected) Name() string    { return "hub_disconnected" }
func (HubMessage) Name() string         { return "hub_message" }
func (Tick) Name() string               { return "tick" }
func (SweepUsers) Name() string         { return "sweep_users" }
func (SweepHubs) Name() string          { return "sweep_hubs" }
func (SweepLobbies) Name() string       { return "sweep_lobbies" }
func (SweepGames) Name() string         { return "sweep_games" }
func (UserExpired) Name() string        { return "user_expired" }
func (HubExpired) Name() string         { return "hub_expired" }
func (LobbyExpired) Name() string       { return "lobby_expired" }
func (PendingExpired) Name() string     { return "pending_expired" }
func (QueuedExpired) Name() string      { return "queued_expired" }
func (JoinLobby) Name() string          { return "join_lobby" }
func (LeaveLobby) Name() string         { return "leave_lobby" }
func (UserAssigned) Name() string       { return "user_assigned" }
func (UserLost) Name() string           { return "user_lost" }
func (LaunchRequested) Name() string    { return "launch_requested" }
func (HubAssigned) Name() string        { return "hub_assigned" }
func (NoHubAvailable) Name() string     { return "no_hub_available" }
func (HubCapacityChanged) Name() string { return "hub_capacity_changed" }
func (HubLoadChanged) Name() string     { return "hub_load_changed" }
func (HubLost) Name() string            { return "hub_lost" }
func (LaunchCancelled) Name() string    { return "launch_cancelled" }
func (GameStarted) Name() string        { return "game_started" }
func (LaunchFailed) Name() string       { return "launch_failed" }
