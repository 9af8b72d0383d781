package auth

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSessions(t *testing.T, expire time.Duration) *Sessions {
	t.Helper()
	s, err := NewSessions(expire)
	require.NoError(t, err)
	return s
}

func TestJWTRoundTrip(t *testing.T) {
	s := setupSessions(t, time.Hour)
	id := uuid.New()

	token, err := s.CreateJWT(id)
	require.NoError(t, err)

	got, err := s.AuthenticateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestAuthenticateRejectsForeignAndTamperedTokens(t *testing.T) {
	s := setupSessions(t, 0)
	other := setupSessions(t, 0)

	foreign, err := other.CreateJWT(uuid.New())
	require.NoError(t, err)
	_, err = s.AuthenticateJWT(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	token, err := s.CreateJWT(uuid.New())
	require.NoError(t, err)
	i := strings.LastIndex(token, ".") + 5
	swap := byte('A')
	if token[i] == swap {
		swap = 'B'
	}
	tampered := token[:i] + string(swap) + token[i+1:]
	_, err = s.AuthenticateJWT(tampered)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.AuthenticateJWT("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	s := setupSessions(t, 0)
	claims := jwt.MapClaims{
		"sub": uuid.NewString(),
		"exp": time.Now().Add(-time.Minute).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.privateKey)
	require.NoError(t, err)

	_, err = s.AuthenticateJWT(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateRequiresUUIDSubject(t *testing.T) {
	s := setupSessions(t, 0)
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{"sub": "alice"}).SignedString(s.privateKey)
	require.NoError(t, err)

	_, err = s.AuthenticateJWT(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNilSessionsNotReady(t *testing.T) {
	var s *Sessions
	_, err := s.CreateJWT(uuid.New())
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = s.AuthenticateJWT("x")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestNewSessionsFromPath(t *testing.T) {
	src := setupSessions(t, 0)
	dir := t.TempDir()
	privPath := filepath.Join(dir, "key")
	pubPath := filepath.Join(dir, "key.pub")
	require.NoError(t, os.WriteFile(privPath, src.privateKey, 0o600))
	require.NoError(t, os.WriteFile(pubPath, src.publicKey, 0o600))

	s, err := NewSessionsFromPath(privPath, pubPath, 0)
	require.NoError(t, err)
	token, err := src.CreateJWT(uuid.New())
	require.NoError(t, err)
	_, err = s.AuthenticateJWT(token)
	assert.NoError(t, err, "keys loaded from disk must verify tokens of the same pair")

	require.NoError(t, os.WriteFile(pubPath, []byte("short"), 0o600))
	_, err = NewSessionsFromPath(privPath, pubPath, 0)
	assert.ErrorIs(t, err, ErrNotReady)

	_, err = NewSessionsFromPath(filepath.Join(dir, "missing"), pubPath, 0)
	assert.Error(t, err)
}

func TestParseExpire(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: 0},
		{raw: "0", want: 0},
		{raw: "never", want: 0},
		{raw: " 24h ", want: 24 * time.Hour},
		{raw: "90m", want: 90 * time.Minute},
		{raw: "tomorrow", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseExpire(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
