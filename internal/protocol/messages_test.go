package protocol

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-host/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	m, err := Decode([]byte(`{"type":"join_lobby","lobby_id":"new"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeJoinLobby, m.Type)
	assert.Equal(t, "new", m.LobbyID)

	_, err = Decode([]byte(`{"lobby_id":"new"}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = Decode([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestParseLobbyTarget(t *testing.T) {
	id := uuid.New()

	got, isNew, err := ParseLobbyTarget("new")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, uuid.Nil, got)

	_, isNew, err = ParseLobbyTarget("")
	require.NoError(t, err)
	assert.True(t, isNew)

	got, isNew, err = ParseLobbyTarget(" " + id.String() + " ")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, id, got)

	_, _, err = ParseLobbyTarget("lobby-7")
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestEncodeOmitsUnsetFields(t *testing.T) {
	userID := uuid.New()
	data, err := Encode(Welcome(userID, models.Unassigned))
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "user_id")
	assert.Contains(t, raw, "assignment")
	assert.NotContains(t, raw, "game_id")
	assert.NotContains(t, raw, "reason")
}

func TestLaunchGameCopiesMembers(t *testing.T) {
	members := []uuid.UUID{uuid.New(), uuid.New()}
	m := LaunchGame(uuid.New(), uuid.New(), members, map[string]string{"mode": "classic"})
	members[0] = uuid.Nil

	assert.NotEqual(t, uuid.Nil, m.Members[0])
	assert.Equal(t, "classic", m.Config["mode"])
}
