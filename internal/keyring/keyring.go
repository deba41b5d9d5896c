// Package keyring manages the key material of the authentication core: a
// versioned ring of symmetric OTP encryption keys and the RS256 key pair used
// for access tokens. Keys are read-mostly; rotation swaps a copy under a
// write lock. Key material is never logged.
package keyring

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnknownVersion is returned when a ciphertext references a key version
// that has been retired or never existed.
var ErrUnknownVersion = errors.New("unknown OTP key version")

const otpKeySize = 32 // AES-256

type otpKey struct {
	version   int
	key       []byte
	retiredAt time.Time // zero while the key is live
}

// Manager holds the OTP key ring and the RS256 key pair.
type Manager struct {
	mu          sync.RWMutex
	current     int
	keys        map[int]otpKey
	retireDelay time.Duration

	signKey   *rsa.PrivateKey
	verifyKey *rsa.PublicKey
}

// New builds a Manager from parsed OTP keys, the current write version, the
// RS256 PEM pair, and the retirement delay (must be >= the max OTP TTL so no
// live ciphertext loses its key).
func New(otpKeys map[int][]byte, currentVersion int, privPEM, pubPEM []byte, retireDelay time.Duration) (*Manager, error) {
	if len(otpKeys) == 0 {
		return nil, fmt.Errorf("no OTP keys configured")
	}
	keys := make(map[int]otpKey, len(otpKeys))
	for v, k := range otpKeys {
		if len(k) != otpKeySize {
			return nil, fmt.Errorf("OTP key version %d: want %d bytes, got %d", v, otpKeySize, len(k))
		}
		keys[v] = otpKey{version: v, key: k}
	}
	if _, ok := keys[currentVersion]; !ok {
		return nil, fmt.Errorf("current OTP key version %d not present in ring", currentVersion)
	}

	signKey, err := jwt.ParseRSAPrivateKeyFromPEM(privPEM)
	if err != nil {
		return nil, fmt.Errorf("parse RS256 private key: %w", err)
	}
	verifyKey, err := jwt.ParseRSAPublicKeyFromPEM(pubPEM)
	if err != nil {
		return nil, fmt.Errorf("parse RS256 public key: %w", err)
	}

	return &Manager{
		current:     currentVersion,
		keys:        keys,
		retireDelay: retireDelay,
		signKey:     signKey,
		verifyKey:   verifyKey,
	}, nil
}

// CurrentOTPKey returns the current write key and its version.
func (m *Manager) CurrentOTPKey() (int, []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.keys[m.current].key
}

// OTPKey returns the key for the given version, for decrypting older records.
func (m *Manager) OTPKey(version int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[version]
	if !ok {
		return nil, ErrUnknownVersion
	}
	return k.key, nil
}

// RotateOTP installs a fresh random key as the new current version. The
// previous current key stays readable until its retirement delay elapses;
// keys whose delay has passed are dropped from the ring.
func (m *Manager) RotateOTP() (int, error) {
	newKey := make([]byte, otpKeySize)
	if _, err := rand.Read(newKey); err != nil {
		return 0, fmt.Errorf("generate OTP key: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	prev := m.keys[m.current]
	prev.retiredAt = now.Add(m.retireDelay)
	m.keys[m.current] = prev

	newVersion := m.current + 1
	m.keys[newVersion] = otpKey{version: newVersion, key: newKey}
	m.current = newVersion

	for v, k := range m.keys {
		if v != m.current && !k.retiredAt.IsZero() && now.After(k.retiredAt) {
			delete(m.keys, v)
		}
	}

	return newVersion, nil
}

// SignKey returns the RS256 private key for issuing access tokens.
func (m *Manager) SignKey() *rsa.PrivateKey { return m.signKey }

// VerifyKey returns the RS256 public key for verifying access tokens.
func (m *Manager) VerifyKey() *rsa.PublicKey { return m.verifyKey }

// ParseOTPKeys parses the OTP_KEYS config format: comma-separated
// "version:base64key" entries, e.g. "1:abc...,2:def...".
func ParseOTPKeys(raw string) (map[int][]byte, error) {
	out := make(map[int][]byte)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed OTP key entry %q", entry)
		}
		version, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("malformed OTP key version %q", parts[0])
		}
		key, err := base64.StdEncoding.DecodeString(parts[1])
		if err != nil {
			return nil, fmt.Errorf("OTP key version %d: invalid base64: %w", version, err)
		}
		out[version] = key
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no OTP keys in %q", raw)
	}
	return out, nil
}
