package gateway

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2idParams defines Argon2id hashing parameters for credential hashing.
type Argon2idParams struct {
	MemoryKiB uint32
	Time      uint32
	Threads   uint8
	SaltLen   uint32
	KeyLen    uint32
}

// DefaultArgon2idParams returns parameters balancing per-connect verification
// cost against brute-force resistance.
func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		MemoryKiB: 64 * 1024,
		Time:      2,
		Threads:   1,
		SaltLen:   16,
		KeyLen:    32,
	}
}

// Anti-DoS bounds applied when decoding untrusted PHC strings.
const (
	maxArgonMemoryKiB = 1 << 21 // 2 GiB
	maxArgonTime      = 16
	maxArgonThreads   = 8
)

// HashCredential returns a PHC-style Argon2id hash of a connect token.
func HashCredential(token string, p Argon2idParams) (string, error) {
	if len(token) < 8 {
		return "", errors.New("gateway: credential too short")
	}
	if p.MemoryKiB == 0 || p.Time == 0 || p.Threads == 0 || p.SaltLen == 0 || p.KeyLen == 0 {
		p = DefaultArgon2idParams()
	}

	salt := make([]byte, p.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	key := argon2.IDKey([]byte(token), salt, p.Time, p.MemoryKiB, p.Threads, p.KeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.MemoryKiB, p.Time, p.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyCredential checks a connect token against a PHC-style Argon2id hash
// in constant time.
func VerifyCredential(token, encoded string) (bool, error) {
	p, salt, want, err := decodePHC(encoded)
	if err != nil {
		return false, err
	}

	got := argon2.IDKey([]byte(token), salt, p.Time, p.MemoryKiB, p.Threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func decodePHC(encoded string) (Argon2idParams, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	// "$argon2id$v=..$m=..,t=..,p=..$salt$key" splits into 6 with a leading "".
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return Argon2idParams{}, nil, nil, errors.New("gateway: malformed credential hash")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return Argon2idParams{}, nil, nil, errors.New("gateway: malformed credential hash version")
	}
	if version != argon2.Version {
		return Argon2idParams{}, nil, nil, fmt.Errorf("gateway: unsupported argon2 version %d", version)
	}

	var p Argon2idParams
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.MemoryKiB, &p.Time, &p.Threads); err != nil {
		return Argon2idParams{}, nil, nil, errors.New("gateway: malformed credential hash params")
	}
	if p.MemoryKiB == 0 || p.MemoryKiB > maxArgonMemoryKiB ||
		p.Time == 0 || p.Time > maxArgonTime ||
		p.Threads == 0 || p.Threads > maxArgonThreads {
		return Argon2idParams{}, nil, nil, errors.New("gateway: credential hash params out of bounds")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return Argon2idParams{}, nil, nil, errors.New("gateway: malformed credential salt")
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return Argon2idParams{}, nil, nil, errors.New("gateway: malformed credential key")
	}

	return p, salt, key, nil
}

// CredentialVerifier authenticates session credentials.
type CredentialVerifier interface {
	Verify(token string) (bool, error)
}

// ArgonVerifier verifies tokens against a configured PHC hash.
type ArgonVerifier struct {
	Hash string
}

// Verify reports whether token matches the configured hash.
func (v ArgonVerifier) Verify(token string) (bool, error) {
	if strings.TrimSpace(v.Hash) == "" {
		return false, errors.New("gateway: no credential hash configured")
	}
	return VerifyCredential(token, v.Hash)
}

// InsecureVerifier accepts any non-empty credential. Dev-only.
type InsecureVerifier struct{}

// Verify accepts any non-empty token.
func (InsecureVerifier) Verify(token string) (bool, error) {
	return strings.TrimSpace(token) != "", nil
}
