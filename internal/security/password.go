// Package security hashes passwords and issues session tokens.
package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Params are the Argon2id cost settings encoded into every hash
type Params struct {
	Time      uint32
	Memory    uint32 // KiB
	Threads   uint8
	KeyLength uint32
	SaltLen   int
}

// DefaultParams follow the OWASP Argon2id recommendation
var DefaultParams = Params{
	Time:      3,
	Memory:    64 * 1024,
	Threads:   2,
	KeyLength: 32,
	SaltLen:   16,
}

type PasswordHasher struct {
	params Params
}

func NewPasswordHasher() *PasswordHasher {
	return &PasswordHasher{params: DefaultParams}
}

// NewPasswordHasherWithParams lets tests trade strength for speed
func NewPasswordHasherWithParams(p Params) *PasswordHasher {
	return &PasswordHasher{params: p}
}

// Hash returns a PHC-style encoded Argon2id hash of password
func (ph *PasswordHasher) Hash(password string) (string, error) {
	salt := make([]byte, ph.params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, ph.params.Time, ph.params.Memory, ph.params.Threads, ph.params.KeyLength)

	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		ph.params.Memory,
		ph.params.Time,
		ph.params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// Verify checks password against an encoded hash using the parameters stored in the hash
func (ph *PasswordHasher) Verify(password, encodedHash string) (bool, error) {
	p, salt, hash, err := decodeHash(encodedHash)
	if err != nil {
		return false, err
	}

	candidate := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, uint32(len(hash)))
	return subtle.ConstantTimeCompare(hash, candidate) == 1, nil
}

// NeedsRehash reports whether encodedHash was produced with different cost settings
func (ph *PasswordHasher) NeedsRehash(encodedHash string) bool {
	p, _, hash, err := decodeHash(encodedHash)
	if err != nil {
		return true
	}
	return p.Time != ph.params.Time ||
		p.Memory != ph.params.Memory ||
		p.Threads != ph.params.Threads ||
		uint32(len(hash)) != ph.params.KeyLength
}

func decodeHash(encodedHash string) (Params, []byte, []byte, error) {
	var p Params

	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return p, nil, nil, fmt.Errorf("invalid hash format")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return p, nil, nil, fmt.Errorf("failed to parse version: %w", err)
	}
	if version != argon2.Version {
		return p, nil, nil, fmt.Errorf("incompatible argon2 version")
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Threads); err != nil {
		return p, nil, nil, fmt.Errorf("failed to parse parameters: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, fmt.Errorf("failed to decode salt: %w", err)
	}

	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return p, nil, nil, fmt.Errorf("failed to decode hash: %w", err)
	}

	p.SaltLen = len(salt)
	p.KeyLength = uint32(len(hash))
	return p, salt, hash, nil
}
