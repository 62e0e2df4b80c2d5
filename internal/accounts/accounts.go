// Package accounts resolves API keys to account records. The gateway only
// reads accounts; provisioning lives elsewhere.
package accounts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrKeyNotFound is returned by a Store for unknown keys.
var ErrKeyNotFound = errors.New("accounts: api key not found")

type Tier string

const (
	TierFree       Tier = "free"
	TierStarter    Tier = "starter"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// ParseTier validates a tier name.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(s); t {
	case TierFree, TierStarter, TierPro, TierEnterprise:
		return t, nil
	}
	return "", fmt.Errorf("accounts: unknown tier %q", s)
}

type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
)

// ParseStatus validates a key status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusActive, StatusSuspended, StatusRevoked:
		return st, nil
	}
	return "", fmt.Errorf("accounts: unknown status %q", s)
}

// APIKey is the account record behind one key.
type APIKey struct {
	ID        string
	AccountID string
	Tier      Tier
	Status    Status
	CreatedAt time.Time
}

func (k *APIKey) Active() bool {
	return k.Status == StatusActive
}

// Store looks keys up by their hash. Implementations return ErrKeyNotFound
// for unknown keys and any other error for backend failures.
type Store interface {
	Lookup(ctx context.Context, keyHash string) (*APIKey, error)
}

// HashKey returns the hex SHA-256 of a raw API key. Raw keys are never stored
// or logged.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
