package vault

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

const keySize = 32

// Key is a master key and its stable identifier.
type Key struct {
	ID       string
	Material []byte
}

// KeyProvider supplies the key used for new artifacts and resolves keys
// recorded in existing ones.
type KeyProvider interface {
	Active() Key
	Lookup(id string) (Key, bool)
}

// StaticKeys is a fixed key ring: one active key plus retired keys that
// can still decrypt.
type StaticKeys struct {
	active Key
	byID   map[string]Key
}

// NewStaticKeys builds a ring from raw 32-byte master keys.
func NewStaticKeys(active []byte, retired ...[]byte) (*StaticKeys, error) {
	if len(active) != keySize {
		return nil, fmt.Errorf("invalid key length %d, want %d", len(active), keySize)
	}
	ring := &StaticKeys{byID: make(map[string]Key)}
	ring.active = newKey(active)
	ring.byID[ring.active.ID] = ring.active
	for _, raw := range retired {
		if len(raw) != keySize {
			return nil, fmt.Errorf("invalid retired key length %d, want %d", len(raw), keySize)
		}
		k := newKey(raw)
		ring.byID[k.ID] = k
	}
	return ring, nil
}

func newKey(material []byte) Key {
	sum := sha256.Sum256(material)
	return Key{ID: hex.EncodeToString(sum[:])[:16], Material: append([]byte(nil), material...)}
}

func (s *StaticKeys) Active() Key { return s.active }

func (s *StaticKeys) Lookup(id string) (Key, bool) {
	k, ok := s.byID[id]
	return k, ok
}

// ParseKey accepts a 32-byte raw key or its standard base64 encoding.
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) == keySize {
		return []byte(raw), nil
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("invalid key length %d, want %d", len(key), keySize)
	}
	return key, nil
}

// KeysFromEnv reads the active key from activeEnv and an optional
// comma-separated list of retired keys from previousEnv.
func KeysFromEnv(activeEnv, previousEnv string) (*StaticKeys, error) {
	raw := strings.TrimSpace(os.Getenv(activeEnv))
	if raw == "" {
		return nil, fmt.Errorf("%s not set", activeEnv)
	}
	active, err := ParseKey(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", activeEnv, err)
	}
	var retired [][]byte
	if previousEnv != "" {
		for _, part := range strings.Split(os.Getenv(previousEnv), ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			k, err := ParseKey(part)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", previousEnv, err)
			}
			retired = append(retired, k)
		}
	}
	return NewStaticKeys(active, retired...)
}

var errUnknownKey = errors.New("artifact key is not available")
