// internal/auth/secret.go
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/crypto/argon2"
)

var (
	// ErrInvalidHash indicates that the stored secret hash is malformed.
	ErrInvalidHash = errors.New("auth: encoded hash is not in the correct format")
	// ErrIncompatibleVersion indicates a hash made with another argon2 version.
	ErrIncompatibleVersion = errors.New("auth: incompatible version of argon2")
	// ErrSecretMismatch is returned when a hub presents the wrong secret.
	ErrSecretMismatch = errors.New("auth: secret mismatch")
)

// HashParams are the argon2id parameters used by HashSecret.
type HashParams struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams is the parameter set used for hub secrets.
var DefaultParams = HashParams{
	Memory:      64 * 1024,
	Iterations:  3,
	Parallelism: uint8(max(runtime.NumCPU()/2, 1)),
	SaltLength:  16,
	KeyLength:   32,
}

// HashSecret derives an encoded argon2id hash of secret, suitable for
// HUB_SECRET_HASH.
func HashSecret(secret string, p HashParams) (string, error) {
	salt := make([]byte, p.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(secret), salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLength)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Iterations, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// VerifySecret checks secret against an encoded hash. It returns
// ErrSecretMismatch when they differ.
func VerifySecret(secret, encodedHash string) error {
	p, salt, key, err := decodeHash(encodedHash)
	if err != nil {
		return err
	}
	derived := argon2.IDKey([]byte(secret), salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLength)
	if subtle.ConstantTimeCompare(key, derived) != 1 {
		return ErrSecretMismatch
	}
	return nil
}

func decodeHash(encodedHash string) (HashParams, []byte, []byte, error) {
	vals := strings.Split(encodedHash, "$")
	if len(vals) != 6 || vals[1] != "argon2id" {
		return HashParams{}, nil, nil, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(vals[2], "v=%d", &version); err != nil {
		return HashParams{}, nil, nil, ErrInvalidHash
	}
	if version != argon2.Version {
		return HashParams{}, nil, nil, ErrIncompatibleVersion
	}

	var p HashParams
	if _, err := fmt.Sscanf(vals[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &p.Parallelism); err != nil {
		return HashParams{}, nil, nil, ErrInvalidHash
	}

	salt, err := base64.RawStdEncoding.Strict().DecodeString(vals[4])
	if err != nil {
		return HashParams{}, nil, nil, ErrInvalidHash
	}
	p.SaltLength = uint32(len(salt))

	key, err := base64.RawStdEncoding.Strict().DecodeString(vals[5])
	if err != nil {
		return HashParams{}, nil, nil, ErrInvalidHash
	}
	p.KeyLength = uint32(len(key))

	return p, salt, key, nil
}
