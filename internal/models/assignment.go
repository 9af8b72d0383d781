// internal/models/assignment.go
package models

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ConnStatus is the connection state shared by users and hubs.
type ConnStatus int

const (
	// StatusConnected means the actor has a live transport connection.
	StatusConnected ConnStatus = iota
	// StatusDisconnected means the connection dropped and the grace period is running.
	StatusDisconnected
	// StatusGone means the grace period elapsed; the actor is never routed to again.
	StatusGone
)

func (s ConnStatus) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusGone:
		return "gone"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalJSON encodes the status by name.
func (s ConnStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// AssignmentKind identifies what a user is currently bound to.
type AssignmentKind string

const (
	AssignedNone  AssignmentKind = "none"
	AssignedLobby AssignmentKind = "lobby"
	AssignedGame  AssignmentKind = "game"
)

// Assignment is a user's current binding: nothing, a lobby, or a game.
// The zero value is AssignedNone.
type Assignment struct {
	Kind AssignmentKind `json:"kind"`
	ID   uuid.UUID      `json:"id,omitzero"`
}

// Unassigned is the empty assignment.
var Unassigned = Assignment{Kind: AssignedNone}

// InLobby returns an assignment to the given lobby.
func InLobby(id uuid.UUID) Assignment {
	return Assignment{Kind: AssignedLobby, ID: id}
}

// InGame returns an assignment to the given game.
func InGame(id uuid.UUID) Assignment {
	return Assignment{Kind: AssignedGame, ID: id}
}

// IsNone reports whether the assignment binds nothing.
func (a Assignment) IsNone() bool {
	return a.Kind == "" || a.Kind == AssignedNone
}

func (a Assignment) String() string {
	if a.IsNone() {
		return string(AssignedNone)
	}
	return fmt.Sprintf("%s:%s", a.Kind, a.ID)
}
