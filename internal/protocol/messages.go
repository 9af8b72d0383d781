// internal/protocol/messages.go
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-host/internal/models"
)

// MessageType names a logical message on the user or hub protocol.
type MessageType string

// User -> Host
const (
	TypeJoinLobby  MessageType = "join_lobby"
	TypeLeaveLobby MessageType = "leave_lobby"
	TypeAck        MessageType = "ack"
	TypeNack       MessageType = "nack"
)

// Host -> User
const (
	TypeWelcome        MessageType = "welcome"
	TypeLobbyUpdate    MessageType = "lobby_update"
	TypeLobbyDisbanded MessageType = "lobby_disbanded"
	TypeLaunchFailed   MessageType = "launch_failed"
	TypeGameAssigned   MessageType = "game_assigned"
	TypeGameEnded      MessageType = "game_ended"
	// TypeGameUpdate is relayed from hubs to the members of a game.
	TypeGameUpdate MessageType = "game_update"
)

// Host -> Hub
const (
	TypeLaunchGame MessageType = "launch_game"
	TypeStopGame   MessageType = "stop_game"
)

// Hub -> Host
const (
	TypeLaunchAck     MessageType = "launch_ack"
	TypeLaunchReject  MessageType = "launch_reject"
	TypeGameAborted   MessageType = "game_aborted"
	TypeGameCompleted MessageType = "game_completed"
	TypeCapacity      MessageType = "capacity"
)

// Reasons carried by nack, lobby_disbanded, launch_failed, stop_game and game_ended.
const (
	ReasonHubLost        = "hub_lost"
	ReasonHubFailure     = "hub_failure"
	ReasonAllMembersGone = "all_members_gone"
	ReasonCompleted      = "completed"
	ReasonLaunchTimeout  = "launch_timeout"
	ReasonLaunchRejected = "launch_rejected"
	ReasonNoHub          = "no_hub_available"
	ReasonLobbyExpired   = "lobby_expired"
	ReasonLobbyEmpty     = "lobby_empty"
	ReasonLobbyUnviable  = "lobby_unviable"
	ReasonUnknownGame    = "unknown_game"

	ReasonInvalidRequest  = "invalid_request"
	ReasonInGame          = "in_game"
	ReasonAlreadyInLobby  = "already_in_lobby"
	ReasonNotInLobby      = "not_in_lobby"
	ReasonLobbyNotFound   = "lobby_not_found"
	ReasonLobbyLaunching  = "lobby_launching"
	ReasonNotConnected    = "not_connected"
	ReasonCheckerRejected = "rejected"
)

// Changes named by ack and nack.
const (
	ChangeJoin  = "join"
	ChangeLeave = "leave"
)

// NewLobbyTarget is the lobby_id a user sends to open a fresh lobby.
const NewLobbyTarget = "new"

var ErrInvalidMessage = errors.New("protocol: invalid message")

// LobbyState is the wire view of a lobby sent in lobby_update.
type LobbyState struct {
	ID        uuid.UUID   `json:"id"`
	Members   []uuid.UUID `json:"members"`
	State     string      `json:"state"`
	CreatedAt time.Time   `json:"created_at"`
}

// Message is the single envelope used on both protocols. Fields not relevant
// to a message type are left zero and omitted on the wire.
type Message struct {
	Type MessageType `json:"type"`

	UserID  uuid.UUID `json:"user_id,omitzero"`
	GameID  uuid.UUID `json:"game_id,omitzero"`
	LobbyID string    `json:"lobby_id,omitempty"` // a uuid, or "new" on join_lobby

	Lobby      *LobbyState        `json:"lobby,omitempty"`
	Assignment *models.Assignment `json:"assignment,omitempty"`
	Members    []uuid.UUID        `json:"members,omitempty"`

	Change      string            `json:"change,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	ConnectInfo string            `json:"connect_info,omitempty"`
	Config      map[string]string `json:"config,omitempty"`

	Capacity *int `json:"capacity,omitempty"`
	Load     *int `json:"load,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode parses one inbound JSON message and checks that it has a type.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if strings.TrimSpace(string(m.Type)) == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	return m, nil
}

// Encode marshals a message for the wire.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// ParseLobbyTarget resolves the lobby_id of a join_lobby message.
// isNew is true when the user asked for a fresh lobby.
func ParseLobbyTarget(raw string) (id uuid.UUID, isNew bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, NewLobbyTarget) {
		return uuid.Nil, true, nil
	}
	id, err = uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("%w: lobby_id %q", ErrInvalidMessage, raw)
	}
	return id, false, nil
}

func Welcome(userID uuid.UUID, a models.Assignment) Message {
	return Message{Type: TypeWelcome, UserID: userID, Assignment: &a}
}

func Ack(change string) Message {
	return Message{Type: TypeAck, Change: change}
}

func Nack(change, reason string) Message {
	return Message{Type: TypeNack, Change: change, Reason: reason}
}

func LobbyUpdate(state LobbyState) Message {
	return Message{Type: TypeLobbyUpdate, LobbyID: state.ID.String(), Lobby: &state}
}

func LobbyDisbanded(lobbyID uuid.UUID, reason string) Message {
	return Message{Type: TypeLobbyDisbanded, LobbyID: lobbyID.String(), Reason: reason}
}

func LaunchFailed(lobbyID uuid.UUID, reason string) Message {
	return Message{Type: TypeLaunchFailed, LobbyID: lobbyID.String(), Reason: reason}
}

func GameAssigned(gameID uuid.UUID, connectInfo string) Message {
	return Message{Type: TypeGameAssigned, GameID: gameID, ConnectInfo: connectInfo}
}

func GameUpdate(gameID uuid.UUID, payload json.RawMessage) Message {
	return Message{Type: TypeGameUpdate, GameID: gameID, Payload: payload}
}

func GameEnded(gameID uuid.UUID, reason string) Message {
	return Message{Type: TypeGameEnded, GameID: gameID, Reason: reason}
}

func LaunchGame(gameID, lobbyID uuid.UUID, members []uuid.UUID, config map[string]string) Message {
	return Message{
		Type:    TypeLaunchGame,
		GameID:  gameID,
		LobbyID: lobbyID.String(),
		Members: append([]uuid.UUID(nil), members...),
		Config:  config,
	}
}

func StopGame(gameID uuid.UUID, reason string) Message {
	return Message{Type: TypeStopGame, GameID: gameID, Reason: reason}
}
