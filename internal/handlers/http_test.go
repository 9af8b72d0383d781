package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-host/internal/auth"
	"github.com/jason-s-yu/cambia-host/internal/dispatch"
	"github.com/jason-s-yu/cambia-host/internal/event"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLoop records submitted events and answers queries with fixed stats.
type fakeLoop struct {
	mu     sync.Mutex
	events []event.Event
	stats  dispatch.Stats
	err    error
}

func (f *fakeLoop) Submit(ctx context.Context, ev event.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeLoop) Query(ctx context.Context) (dispatch.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, f.err
}

func setupServer(t *testing.T, loop Loop, hubSecretHash string) (*Server, *auth.Sessions) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	sessions, err := auth.NewSessions(0)
	require.NoError(t, err)
	return NewServer(logger, loop, NewConnections(), sessions, hubSecretHash), sessions
}

func TestHealthHandler(t *testing.T) {
	s, _ := setupServer(t, &fakeLoop{}, "")
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestGuestHandlerIssuesToken(t *testing.T) {
	s, sessions := setupServer(t, &fakeLoop{}, "")
	h := s.Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/guest", nil))
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp guestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	id, err := sessions.AuthenticateJWT(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, resp.UserID, id)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, authCookie, cookies[0].Name)
	assert.Equal(t, resp.Token, cookies[0].Value)

	// a caller that already holds a token keeps its identity
	again := httptest.NewRequest(http.MethodPost, "/auth/guest", nil)
	again.Header.Set("Authorization", "Bearer "+resp.Token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, again)
	require.Equal(t, http.StatusOK, rec.Code)
	var same guestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &same))
	assert.Equal(t, resp, same)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/guest", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatsHandler(t *testing.T) {
	loop := &fakeLoop{}
	loop.stats.Processed = 7
	loop.stats.Games.Ongoing = 2
	s, _ := setupServer(t, loop, "")
	require.NoError(t, s.conns.Attach(newConn(context.Background(), event.ActorHub, uuid.New()), noop))

	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, uint64(7), resp.Processed)
	assert.Equal(t, 2, resp.Games.Ongoing)
	assert.Equal(t, 0, resp.Connections.Users)
	assert.Equal(t, 1, resp.Connections.Hubs)

	loop.err = dispatch.ErrStopped
	rec = httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebsocketAuthRejections(t *testing.T) {
	hash, err := auth.HashSecret("hub-secret", testHashParams)
	require.NoError(t, err)
	loop := &fakeLoop{}
	s, _ := setupServer(t, loop, hash)
	h := s.Routes()
	hubURL := "/hub/ws?capacity=2&hub_id=" + uuid.NewString()

	tests := []struct {
		name   string
		req    *http.Request
		header map[string]string
		want   int
	}{
		{name: "user without token", req: httptest.NewRequest(http.MethodGet, "/user/ws", nil), want: http.StatusUnauthorized},
		{
			name:   "user with bad token",
			req:    httptest.NewRequest(http.MethodGet, "/user/ws", nil),
			header: map[string]string{"Cookie": authCookie + "=garbage"},
			want:   http.StatusUnauthorized,
		},
		{name: "hub without secret", req: httptest.NewRequest(http.MethodGet, hubURL, nil), want: http.StatusUnauthorized},
		{
			name:   "hub with wrong secret",
			req:    httptest.NewRequest(http.MethodGet, hubURL, nil),
			header: map[string]string{hubSecretHeader: "nope"},
			want:   http.StatusUnauthorized,
		},
		{
			name:   "hub with bad id",
			req:    httptest.NewRequest(http.MethodGet, "/hub/ws?capacity=2&hub_id=x", nil),
			header: map[string]string{hubSecretHeader: "hub-secret"},
			want:   http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.header {
				tt.req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, tt.req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
	assert.Empty(t, loop.events, "rejected connections never reach the loop")
}
