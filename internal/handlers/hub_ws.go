// internal/handlers/hub_ws.go
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-host/internal/auth"
	"github.com/jason-s-yu/cambia-host/internal/event"
	"github.com/jason-s-yu/cambia-host/internal/protocol"
)

const (
	hubSubprotocol  = "hub"
	hubSecretHeader = "X-Hub-Secret"
)

var errBadHubParams = errors.New("handlers: invalid hub parameters")

// hubParams is what a hub announces when it connects.
type hubParams struct {
	ID          uuid.UUID
	Capacity    int
	ConnectInfo string
}

// parseHubParams reads hub_id, capacity and connect_info from the query.
func parseHubParams(r *http.Request) (hubParams, error) {
	q := r.URL.Query()
	id, err := uuid.Parse(strings.TrimSpace(q.Get("hub_id")))
	if err != nil {
		return hubParams{}, fmt.Errorf("%w: hub_id", errBadHubParams)
	}
	capacity, err := strconv.Atoi(strings.TrimSpace(q.Get("capacity")))
	if err != nil || capacity < 0 {
		return hubParams{}, fmt.Errorf("%w: capacity", errBadHubParams)
	}
	return hubParams{ID: id, Capacity: capacity, ConnectInfo: strings.TrimSpace(q.Get("connect_info"))}, nil
}

func (s *Server) authenticateHub(r *http.Request) error {
	if s.hubSecretHash == "" {
		return nil
	}
	secret := r.Header.Get(hubSecretHeader)
	if secret == "" {
		return fmt.Errorf("missing %s", hubSecretHeader)
	}
	return auth.VerifySecret(secret, s.hubSecretHash)
}

// HubWSHandler accepts a game hub websocket. A hub that reconnects with the
// same hub_id inside its grace period keeps its games.
func (s *Server) HubWSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.authenticateHub(r); err != nil {
			s.logger.Warnf("hub websocket rejected from %s: %v", r.RemoteAddr, err)
			http.Error(w, "invalid hub secret", http.StatusUnauthorized)
			return
		}
		params, err := parseHubParams(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{hubSubprotocol},
			OriginPatterns: s.origins,
		})
		if err != nil {
			s.logger.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.CloseNow()

		if c.Subprotocol() != hubSubprotocol {
			c.Close(BadSubprotocolError, "client must speak the hub subprotocol")
			return
		}

		conn := newConn(context.WithoutCancel(r.Context()), event.ActorHub, params.ID)
		s.serve(r, c, conn,
			event.HubConnected{HubID: params.ID, Capacity: params.Capacity, ConnectInfo: params.ConnectInfo},
			event.HubDisconnected{HubID: params.ID},
			func(msg protocol.Message) event.Event {
				return event.HubMessage{HubID: params.ID, Msg: msg}
			},
		)
	}
}
