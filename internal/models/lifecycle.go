// internal/models/lifecycle.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// LifecycleKind names a recorded lobby or game transition.
type LifecycleKind string

const (
	LifecycleGamePending    LifecycleKind = "game_pending"
	LifecycleGameStarted    LifecycleKind = "game_started"
	LifecycleGameCompleted  LifecycleKind = "game_completed"
	LifecycleGameAborted    LifecycleKind = "game_aborted"
	LifecycleLaunchFailed   LifecycleKind = "launch_failed"
	LifecycleLobbyDisbanded LifecycleKind = "lobby_disbanded"
)

// LifecycleRecord is the minimal info the historian persists per transition.
type LifecycleRecord struct {
	Kind      LifecycleKind `json:"kind"`
	GameID    uuid.UUID     `json:"game_id"`
	LobbyID   uuid.UUID     `json:"lobby_id"`
	HubID     uuid.UUID     `json:"hub_id"`
	Members   []uuid.UUID   `json:"members,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Timestamp int64         `json:"timestamp"` // epoch millis
}

// NewLifecycleRecord stamps a record with the given time.
func NewLifecycleRecord(kind LifecycleKind, at time.Time) LifecycleRecord {
	return LifecycleRecord{Kind: kind, Timestamp: at.UnixMilli()}
}
