package dispatch

import (
	"context"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-host/internal/lobby"
	"github.com/jason-s-yu/cambia-host/internal/models"
)

// HubStats is the public view of one hub.
type HubStats struct {
	ID          uuid.UUID         `json:"id"`
	Status      models.ConnStatus `json:"status"`
	Capacity    int               `json:"capacity"`
	Load        int               `json:"load"`
	ConnectInfo string            `json:"connect_info,omitempty"`
}

// Stats is a point-in-time snapshot of the loop's state.
type Stats struct {
	Users struct {
		Connected    int `json:"connected"`
		Disconnected int `json:"disconnected"`
		Gone         int `json:"gone"`
	} `json:"users"`
	Lobbies struct {
		Pending   int `json:"pending"`
		Launching int `json:"launching"`
	} `json:"lobbies"`
	Games struct {
		Pending int `json:"pending"`
		Ongoing int `json:"ongoing"`
		Queued  int `json:"queued"`
	} `json:"games"`
	Hubs      []HubStats `json:"hubs"`
	Processed uint64     `json:"processed"`
}

// Stats builds a snapshot. It must only be called from the loop goroutine
// or while the loop is not running; other goroutines use Query.
func (d *Dispatcher) Stats() Stats {
	var s Stats
	users := d.c.Users.Counts()
	s.Users.Connected = users[models.StatusConnected]
	s.Users.Disconnected = users[models.StatusDisconnected]
	s.Users.Gone = users[models.StatusGone]

	lobbies := d.c.Lobbies.Counts()
	s.Lobbies.Pending = lobbies[lobby.StatePending]
	s.Lobbies.Launching = lobbies[lobby.StateLaunching]

	s.Games.Pending, s.Games.Ongoing, s.Games.Queued = d.c.Games.Counts()

	for _, h := range d.c.Hubs.List() {
		s.Hubs = append(s.Hubs, HubStats{
			ID:          h.ID,
			Status:      h.Status,
			Capacity:    h.Capacity,
			Load:        h.Load,
			ConnectInfo: h.ConnectInfo,
		})
	}
	s.Processed = d.processed
	return s
}

// Query asks the running loop for a snapshot.
func (d *Dispatcher) Query(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	select {
	case d.queries <- reply:
	case <-d.done:
		return Stats{}, ErrStopped
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}
