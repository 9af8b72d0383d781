package hub

import (
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-host/internal/buffer"
	"github.com/jason-s-yu/cambia-host/internal/event"
	"github.com/jason-s-yu/cambia-host/internal/models"
	"github.com/jason-s-yu/cambia-host/internal/protocol"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testGrace = time.Minute

var t0 = time.Unix(1_700_000_000, 0)

func setupRegistry(policy Policy) *Registry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewRegistry(logger, testGrace, 0, policy)
}

// addHub registers a hub and books load slots on it.
func addHub(t *testing.T, r *Registry, capacity, load int) uuid.UUID {
	t.Helper()
	id := uuid.New()
	r.Register(event.HubConnected{HubID: id, Capacity: capacity, ConnectInfo: "ws://" + id.String()}, t0, &event.Outbox{})
	for i := 0; i < load; i++ {
		require.NoError(t, r.AckLoad(id, 1, &event.Outbox{}))
	}
	h, ok := r.Get(id)
	require.True(t, ok)
	require.Equal(t, load, h.Load)
	return id
}

func request() event.LaunchRequest {
	return event.LaunchRequest{LobbyID: uuid.New(), Members: []uuid.UUID{uuid.New()}, FirstRequestedAt: t0}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyLeastRatio, p)

	p, err = ParsePolicy(" Least_Load ")
	require.NoError(t, err)
	assert.Equal(t, PolicyLeastLoad, p)

	_, err = ParsePolicy("round_robin")
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestSelectLowestRatio(t *testing.T) {
	r := setupRegistry(PolicyLeastRatio)
	full := addHub(t, r, 2, 2)
	spare := addHub(t, r, 4, 1)

	id, ok := r.Select(request())
	require.True(t, ok)
	assert.Equal(t, spare, id)
	assert.NotEqual(t, full, id)
}

func TestSelectComparesRatiosExactly(t *testing.T) {
	r := setupRegistry(PolicyLeastRatio)
	// 1/3 < 2/5
	third := addHub(t, r, 3, 1)
	addHub(t, r, 5, 2)

	id, ok := r.Select(request())
	require.True(t, ok)
	assert.Equal(t, third, id)
}

func TestSelectTieGoesToEarliestRegistration(t *testing.T) {
	r := setupRegistry(PolicyLeastRatio)
	first := addHub(t, r, 4, 2)
	addHub(t, r, 2, 1)
	addHub(t, r, 8, 4)

	for i := 0; i < 5; i++ {
		id, ok := r.Select(request())
		require.True(t, ok)
		assert.Equal(t, first, id)
	}
}

func TestSelectLeastLoadPolicy(t *testing.T) {
	r := setupRegistry(PolicyLeastLoad)
	addHub(t, r, 10, 2)
	small := addHub(t, r, 2, 1)

	id, ok := r.Select(request())
	require.True(t, ok)
	assert.Equal(t, small, id)

	byRatio := setupRegistry(PolicyLeastRatio)
	big := addHub(t, byRatio, 10, 2)
	addHub(t, byRatio, 2, 1)
	id, ok = byRatio.Select(request())
	require.True(t, ok)
	assert.Equal(t, big, id)
}

func TestSelectSkipsExcludedAndDisconnected(t *testing.T) {
	r := setupRegistry(PolicyLeastRatio)
	a := addHub(t, r, 4, 0)
	b := addHub(t, r, 4, 1)
	c := addHub(t, r, 4, 2)

	req := request().WithExcluded(a)
	r.Disconnect(b, t0, &event.Outbox{})

	id, ok := r.Select(req)
	require.True(t, ok)
	assert.Equal(t, c, id)

	_, ok = r.Select(req.WithExcluded(c))
	assert.False(t, ok)
}

func TestAssignReservesSlot(t *testing.T) {
	r := setupRegistry(PolicyLeastRatio)
	id := addHub(t, r, 1, 0)
	req := request()

	out := &event.Outbox{}
	require.NoError(t, r.Assign(req, out))
	require.Len(t, out.Events, 1)
	assert.Equal(t, event.HubAssigned{Request: req, HubID: id, ConnectInfo: "ws://" + id.String()}, out.Events[0])
	h, _ := r.Get(id)
	assert.Equal(t, 1, h.Load)

	out = &event.Outbox{}
	require.NoError(t, r.Assign(req, out))
	assert.Equal(t, []event.Event{event.NoHubAvailable{Request: req}}, out.Events)
	assert.NoError(t, r.Check())
}

func TestAckLoad(t *testing.T) {
	r := setupRegistry(PolicyLeastRatio)
	id := addHub(t, r, 2, 1)

	out := &event.Outbox{}
	require.NoError(t, r.AckLoad(id, -1, out))
	assert.Equal(t, []event.Event{event.HubCapacityChanged{HubID: id}}, out.Events)

	require.NoError(t, r.AckLoad(id, -1, &event.Outbox{}))
	h, _ := r.Get(id)
	assert.Zero(t, h.Load, "load never goes negative")

	err := r.AckLoad(id, 3, &event.Outbox{})
	assert.ErrorIs(t, err, ErrInvariantViolation)
	h, _ = r.Get(id)
	assert.Zero(t, h.Load, "a violating change is not applied")

	assert.NoError(t, r.AckLoad(uuid.New(), -1, &event.Outbox{}), "unknown hubs are ignored")
}

func TestReportCapacity(t *testing.T) {
	r := setupRegistry(PolicyLeastRatio)
	id := addHub(t, r, 4, 3)

	capacity := func(n int) protocol.Message { return protocol.Message{Type: protocol.TypeCapacity, Capacity: &n} }

	out := &event.Outbox{}
	r.ReportCapacity(id, capacity(1), out)
	h, _ := r.Get(id)
	assert.Equal(t, 3, h.Capacity, "capacity never drops below load")
	assert.Empty(t, out.Events)

	r.ReportCapacity(id, capacity(6), out)
	h, _ = r.Get(id)
	assert.Equal(t, 6, h.Capacity)
	assert.Equal(t, []event.Event{event.HubCapacityChanged{HubID: id}}, out.Events)

	load := 0
	r.ReportCapacity(id, protocol.Message{Type: protocol.TypeCapacity, Load: &load}, &event.Outbox{})
	h, _ = r.Get(id)
	assert.Equal(t, 3, h.Load, "reported load is advisory")
	assert.NoError(t, r.Check())
}

func TestDisconnectHoldsCommandsUntilReconnect(t *testing.T) {
	r := setupRegistry(PolicyLeastRatio)
	id := addHub(t, r, 4, 1)
	r.Disconnect(id, t0, &event.Outbox{})

	first := protocol.StopGame(uuid.New(), protocol.ReasonAllMembersGone)
	second := protocol.StopGame(uuid.New(), protocol.ReasonAllMembersGone)
	assert.Equal(t, buffer.Held, r.Route(id, first))
	assert.Equal(t, buffer.Held, r.Route(id, second))
	assert.Equal(t, 2, r.Held(id))

	out := &event.Outbox{}
	r.Register(event.HubConnected{HubID: id, Capacity: 4}, t0.Add(30*time.Second), out)

	require.Len(t, out.Messages, 2)
	assert.Equal(t, first, out.Messages[0].Msg)
	assert.Equal(t, second, out.Messages[1].Msg)
	assert.Equal(t, []event.Event{event.HubCapacityChanged{HubID: id}}, out.Events)

	h, _ := r.Get(id)
	assert.Equal(t, models.StatusConnected, h.Status)
	assert.Equal(t, 1, h.Load, "load survives a reconnect")
	assert.Equal(t, "ws://"+id.String(), h.ConnectInfo)
}

func TestExpireReportsHubLostOnce(t *testing.T) {
	r := setupRegistry(PolicyLeastRatio)
	id := addHub(t, r, 4, 2)
	r.Disconnect(id, t0, &event.Outbox{})

	out := &event.Outbox{}
	r.Sweep(t0.Add(testGrace-time.Second), out)
	assert.Empty(t, out.Events)

	at := t0.Add(testGrace)
	r.Sweep(at, out)
	require.Equal(t, []event.Event{event.HubExpired{HubID: id, At: at}}, out.Events)

	out = &event.Outbox{}
	r.Expire(id, at, out)
	assert.Equal(t, []event.Event{event.HubLost{HubID: id}}, out.Events)
	_, ok := r.Get(id)
	assert.False(t, ok)
	assert.Equal(t, buffer.Dropped, r.Route(id, protocol.StopGame(uuid.New(), "")))

	again := &event.Outbox{}
	r.Expire(id, at, again)
	assert.Empty(t, again.Events)
}

func TestListInRegistrationOrder(t *testing.T) {
	r := setupRegistry(PolicyLeastRatio)
	ids := []uuid.UUID{addHub(t, r, 1, 0), addHub(t, r, 2, 0), addHub(t, r, 3, 0)}

	list := r.List()
	require.Len(t, list, 3)
	for i, h := range list {
		assert.Equal(t, ids[i], h.ID)
	}
}
