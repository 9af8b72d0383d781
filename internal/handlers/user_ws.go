// internal/handlers/user_ws.go
package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-host/internal/event"
	"github.com/jason-s-yu/cambia-host/internal/protocol"
)

const (
	userSubprotocol = "user"
	authCookie      = "auth_token"
)

// authenticateUser resolves the user id from the auth_token cookie or a
// bearer token.
func (s *Server) authenticateUser(r *http.Request) (uuid.UUID, error) {
	token := extractCookieToken(r.Header.Get("Cookie"), authCookie)
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		return uuid.Nil, fmt.Errorf("missing %s", authCookie)
	}
	return s.sessions.AuthenticateJWT(token)
}

// UserWSHandler accepts a user session websocket. Reconnecting with the
// same token inside the grace period resumes the user's lobby or game.
func (s *Server) UserWSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.authenticateUser(r)
		if err != nil {
			s.logger.Warnf("user websocket rejected from %s: %v", r.RemoteAddr, err)
			http.Error(w, "invalid auth token", http.StatusUnauthorized)
			return
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{userSubprotocol},
			OriginPatterns: s.origins,
		})
		if err != nil {
			s.logger.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.CloseNow()

		if c.Subprotocol() != userSubprotocol {
			c.Close(BadSubprotocolError, "client must speak the user subprotocol")
			return
		}

		conn := newConn(context.WithoutCancel(r.Context()), event.ActorUser, userID)
		s.serve(r, c, conn,
			event.UserConnected{UserID: userID},
			event.UserDisconnected{UserID: userID},
			func(msg protocol.Message) event.Event {
				return event.UserMessage{UserID: userID, Msg: msg}
			},
		)
	}
}
