// internal/auth/session.go
package auth

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrNotReady     = errors.New("auth: signing keys not initialised")
)

// Sessions signs and verifies user session tokens with an ed25519 key pair.
type Sessions struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	// expire is the token lifetime; 0 means tokens carry no exp claim.
	expire time.Duration
}

// ParseExpire reads a TOKEN_EXPIRE_TIME value. "", "0" and "never" mean no
// expiry.
func ParseExpire(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "0" || raw == "never" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("failed to parse token expire time: %w", err)
	}
	return d, nil
}

// NewSessions generates a fresh ed25519 key pair. Tokens do not survive a
// restart.
func NewSessions(expire time.Duration) (*Sessions, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key pair: %w", err)
	}
	return &Sessions{privateKey: priv, publicKey: pub, expire: expire}, nil
}

// NewSessionsFromPath reads an ed25519 key pair from disk.
func NewSessionsFromPath(privatePath, publicPath string, expire time.Duration) (*Sessions, error) {
	privateKeyData, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %w", err)
	}
	publicKeyData, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key file: %w", err)
	}
	if len(privateKeyData) != ed25519.PrivateKeySize || len(publicKeyData) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: unexpected key size", ErrNotReady)
	}
	return &Sessions{
		privateKey: ed25519.PrivateKey(privateKeyData),
		publicKey:  ed25519.PublicKey(publicKeyData),
		expire:     expire,
	}, nil
}

// CreateJWT signs a token with "sub" = userID.
func (s *Sessions) CreateJWT(userID uuid.UUID) (string, error) {
	if s == nil || s.privateKey == nil {
		return "", ErrNotReady
	}
	claims := jwt.MapClaims{
		"sub": userID.String(),
		"iat": time.Now().Unix(),
	}
	if s.expire > 0 {
		claims["exp"] = time.Now().Add(s.expire).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(s.privateKey)
}

// AuthenticateJWT verifies a token and returns the user id it was issued to.
func (s *Sessions) AuthenticateJWT(tokenString string) (uuid.UUID, error) {
	if s == nil || s.publicKey == nil {
		return uuid.Nil, ErrNotReady
	}
	t, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.publicKey, nil
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !t.Valid {
		return uuid.Nil, ErrInvalidToken
	}

	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: claims", ErrInvalidToken)
	}
	sub, ok := claims["sub"].(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	id, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: sub is not a uuid", ErrInvalidToken)
	}
	return id, nil
}
