// internal/handlers/http.go
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-host/internal/dispatch"
)

type guestResponse struct {
	UserID uuid.UUID `json:"user_id"`
	Token  string    `json:"token"`
}

// GuestHandler issues a session token for an anonymous user. A caller that
// already holds a valid token gets it back unchanged.
func (s *Server) GuestHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if id, err := s.authenticateUser(r); err == nil {
		token := extractCookieToken(r.Header.Get("Cookie"), authCookie)
		if token == "" {
			token = bearerToken(r)
		}
		s.writeJSON(w, http.StatusOK, guestResponse{UserID: id, Token: token})
		return
	}

	userID := uuid.New()
	token, err := s.sessions.CreateJWT(userID)
	if err != nil {
		s.logger.Errorf("failed to create guest token: %v", err)
		http.Error(w, "failed to create token", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     authCookie,
		Value:    token,
		HttpOnly: true,
		Path:     "/",
	})
	s.writeJSON(w, http.StatusCreated, guestResponse{UserID: userID, Token: token})
}

type statsResponse struct {
	dispatch.Stats
	Connections struct {
		Users int `json:"users"`
		Hubs  int `json:"hubs"`
	} `json:"connections"`
}

// StatsHandler reports a snapshot of the dispatch loop's state.
func (s *Server) StatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	stats, err := s.loop.Query(ctx)
	if err != nil {
		s.logger.Warnf("stats query failed: %v", err)
		http.Error(w, "dispatch loop unavailable", http.StatusServiceUnavailable)
		return
	}
	resp := statsResponse{Stats: stats}
	resp.Connections.Users, resp.Connections.Hubs = s.conns.Count()
	s.writeJSON(w, http.StatusOK, resp)
}

// HealthHandler answers liveness probes.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
