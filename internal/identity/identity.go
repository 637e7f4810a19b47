// Package identity implements the Identity Store (C10): the endpoint-side
// persisted device identity, and the broker-side bcrypt hash store for
// device tokens (opaque bearer secrets, never JWTs — see SPEC_FULL.md
// §2.1/§4.10).
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/clawinfra/toolfabric/internal/types"
)

// ErrNotEnrolled means auth.json is absent — the endpoint has no identity.
var ErrNotEnrolled = errors.New("device not enrolled")

// Store persists a DeviceIdentity under configDir as two files:
// device.id (plain text) and auth.json, both owner-read-write only.
type Store struct {
	configDir string
}

// NewStore returns a Store rooted at configDir. The directory is created
// with 0700 permissions if missing.
func NewStore(configDir string) (*Store, error) {
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return nil, fmt.Errorf("create identity config dir: %w", err)
	}
	return &Store{configDir: configDir}, nil
}

func (s *Store) idPath() string   { return filepath.Join(s.configDir, "device.id") }
func (s *Store) authPath() string { return filepath.Join(s.configDir, "auth.json") }

// Load reads the persisted identity. ErrNotEnrolled if auth.json is absent.
func (s *Store) Load() (types.DeviceIdentity, error) {
	data, err := os.ReadFile(s.authPath())
	if err != nil {
		if os.IsNotExist(err) {
			return types.DeviceIdentity{}, ErrNotEnrolled
		}
		return types.DeviceIdentity{}, fmt.Errorf("read auth.json: %w", err)
	}
	var identity types.DeviceIdentity
	if err := json.Unmarshal(data, &identity); err != nil {
		return types.DeviceIdentity{}, fmt.Errorf("parse auth.json: %w", err)
	}
	return identity, nil
}

// Save persists identity to device.id and auth.json, both mode 0600.
func (s *Store) Save(identity types.DeviceIdentity) error {
	if err := os.WriteFile(s.idPath(), []byte(identity.DeviceID), 0600); err != nil {
		return fmt.Errorf("write device.id: %w", err)
	}
	data, err := json.MarshalIndent(identity, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal auth.json: %w", err)
	}
	if err := os.WriteFile(s.authPath(), data, 0600); err != nil {
		return fmt.Errorf("write auth.json: %w", err)
	}
	return nil
}

// Clear deletes both identity files (the --reset CLI operation).
func (s *Store) Clear() error {
	if err := os.Remove(s.idPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove device.id: %w", err)
	}
	if err := os.Remove(s.authPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove auth.json: %w", err)
	}
	return nil
}

// Enrolled reports whether a persisted identity exists.
func (s *Store) Enrolled() bool {
	_, err := os.Stat(s.authPath())
	return err == nil
}

// NewDeviceID generates a fresh device_id.
func NewDeviceID() string {
	return uuid.NewString()
}

// NewDeviceToken generates a fresh opaque bearer token — random bytes,
// never a JWT or any structured credential (per the Non-goals' "opaque
// bearer tokens, no key management" framing).
func NewDeviceToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate device token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// BrokerStore is the broker-side counterpart: it never sees a device_token
// in plaintext after enrollment, only its bcrypt hash.
type BrokerStore struct {
	hashes map[string]string // device_id -> bcrypt hash
}

// NewBrokerStore returns an empty BrokerStore.
func NewBrokerStore() *BrokerStore {
	return &BrokerStore{hashes: make(map[string]string)}
}

// Enroll records a device_id's token hash at enrollment time.
func (b *BrokerStore) Enroll(deviceID, token string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash device token: %w", err)
	}
	b.hashes[deviceID] = string(hash)
	return nil
}

// Verify checks a presented token against the stored hash for device_id.
func (b *BrokerStore) Verify(deviceID, token string) bool {
	hash, ok := b.hashes[deviceID]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}

// Known reports whether device_id has ever been enrolled with the broker.
func (b *BrokerStore) Known(deviceID string) bool {
	_, ok := b.hashes[deviceID]
	return ok
}

// Save persists the enrolled device_id -> bcrypt hash table to path, mode
// 0600. Only hashes are ever written; the fabric never has the plaintext
// token after enrollment.
func (b *BrokerStore) Save(path string) error {
	data, err := json.MarshalIndent(b.hashes, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal device store: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// LoadBrokerStore reads a device_id -> bcrypt hash table from path. A
// missing file yields an empty store, so a freshly installed broker can
// start with zero enrolled devices.
func LoadBrokerStore(path string) (*BrokerStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewBrokerStore(), nil
		}
		return nil, fmt.Errorf("read device store: %w", err)
	}
	hashes := map[string]string{}
	if err := json.Unmarshal(data, &hashes); err != nil {
		return nil, fmt.Errorf("parse device store: %w", err)
	}
	return &BrokerStore{hashes: hashes}, nil
}

// EnrolledAt is a convenience for constructing a fresh DeviceIdentity.
func EnrolledAt() time.Time { return time.Now().UTC() }
