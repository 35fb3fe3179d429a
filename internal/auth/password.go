package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// HashParams are argon2id cost parameters.
type HashParams struct {
	Memory      uint32 // KiB
	Time        uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

// DefaultHashParams follow the OWASP argon2id baseline.
var DefaultHashParams = HashParams{Memory: 64 * 1024, Time: 3, Parallelism: 1, SaltLen: 16, KeyLen: 32}

// PasswordHasher hashes credentials with argon2id and verifies both argon2id
// and legacy bcrypt hashes.
type PasswordHasher struct {
	params HashParams
}

// NewPasswordHasher returns a hasher using params; zero fields fall back to
// DefaultHashParams.
func NewPasswordHasher(params HashParams) *PasswordHasher {
	if params.Memory == 0 {
		params.Memory = DefaultHashParams.Memory
	}
	if params.Time == 0 {
		params.Time = DefaultHashParams.Time
	}
	if params.Parallelism == 0 {
		params.Parallelism = DefaultHashParams.Parallelism
	}
	if params.SaltLen == 0 {
		params.SaltLen = DefaultHashParams.SaltLen
	}
	if params.KeyLen == 0 {
		params.KeyLen = DefaultHashParams.KeyLen
	}
	return &PasswordHasher{params: params}
}

// Hash returns a PHC string: $argon2id$v=19$m=...,t=...,p=...$<salt>$<key>.
func (h *PasswordHasher) Hash(plaintext string) (string, error) {
	if plaintext == "" {
		return "", errors.New("password is empty")
	}
	salt := make([]byte, h.params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(plaintext), salt, h.params.Time, h.params.Memory, h.params.Parallelism, h.params.KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.params.Memory, h.params.Time, h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether plaintext matches hash. Malformed hashes never match.
func (h *PasswordHasher) Verify(plaintext, hash string) bool {
	switch {
	case strings.HasPrefix(hash, "$argon2id$"):
		return verifyArgon2id(plaintext, hash)
	case strings.HasPrefix(hash, "$2a$"), strings.HasPrefix(hash, "$2b$"), strings.HasPrefix(hash, "$2y$"):
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
	default:
		return false
	}
}

// NeedsRehash reports whether hash was produced with other parameters or
// another algorithm.
func (h *PasswordHasher) NeedsRehash(hash string) bool {
	p, _, _, ok := parseArgon2id(hash)
	if !ok {
		return true
	}
	return p.Memory != h.params.Memory || p.Time != h.params.Time || p.Parallelism != h.params.Parallelism
}

func verifyArgon2id(plaintext, hash string) bool {
	p, salt, want, ok := parseArgon2id(hash)
	if !ok {
		return false
	}
	got := argon2.IDKey([]byte(plaintext), salt, p.Time, p.Memory, p.Parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// Ceilings for parameters read back from stored hashes. Anything above them
// is treated as a corrupted hash instead of being handed to argon2.
const (
	MaxHashMemory = 1 << 21 // KiB
	MaxHashTime   = 16

	maxHashBytes = 1024
)

func parseArgon2id(hash string) (HashParams, []byte, []byte, bool) {
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, key
	parts := strings.Split(hash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return HashParams{}, nil, nil, false
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return HashParams{}, nil, nil, false
	}
	var (
		p       HashParams
		threads uint32
	)
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &threads); err != nil {
		return HashParams{}, nil, nil, false
	}
	if p.Memory == 0 || p.Memory > MaxHashMemory || p.Time == 0 || p.Time > MaxHashTime || threads == 0 || threads > 255 {
		return HashParams{}, nil, nil, false
	}
	p.Parallelism = uint8(threads)
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 || len(salt) > maxHashBytes {
		return HashParams{}, nil, nil, false
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 || len(key) > maxHashBytes {
		return HashParams{}, nil, nil, false
	}
	return p, salt, key, true
}
