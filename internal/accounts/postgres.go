package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

const queryLookupKey = `
SELECT id, account_id, tier, status, created_at
FROM api_keys
WHERE key_hash = $1
LIMIT 1`

// RowQuerier is the slice of a pgx pool the store needs.
type RowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore reads keys from the api_keys table.
type PostgresStore struct {
	db     RowQuerier
	logger *slog.Logger
}

func NewPostgresStore(db RowQuerier, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

func (s *PostgresStore) Lookup(ctx context.Context, keyHash string) (*APIKey, error) {
	var (
		key       APIKey
		tier      string
		status    string
		createdAt time.Time
	)
	err := s.db.QueryRow(ctx, queryLookupKey, keyHash).Scan(&key.ID, &key.AccountID, &tier, &status, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("accounts: lookup: %w", err)
	}

	if key.Tier, err = ParseTier(tier); err != nil {
		s.logger.Warn("API key has unknown tier, treating as free", "key_id", key.ID, "tier", tier)
		key.Tier = TierFree
	}
	if key.Status, err = ParseStatus(status); err != nil {
		s.logger.Warn("API key has unknown status, treating as suspended", "key_id", key.ID, "status", status)
		key.Status = StatusSuspended
	}
	key.CreatedAt = createdAt.UTC()
	return &key, nil
}
