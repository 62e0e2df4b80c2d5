package usage

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"
)

// CopyFromer is the slice of the database pool the Postgres sink needs.
type CopyFromer interface {
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, rows pgx.CopyFromSource) (int64, error)
}

var usageColumns = []string{"account_id", "network", "method", "ts"}

// PostgresSink bulk-loads batches into usage_records with COPY.
type PostgresSink struct {
	db    CopyFromer
	table pgx.Identifier
}

func NewPostgresSink(db CopyFromer) *PostgresSink {
	return &PostgresSink{db: db, table: pgx.Identifier{"usage_records"}}
}

func (s *PostgresSink) Write(ctx context.Context, batch []Record) error {
	_, err := s.db.CopyFrom(ctx, s.table, usageColumns, pgx.CopyFromSlice(len(batch), func(i int) ([]any, error) {
		rec := batch[i]
		return []any{rec.AccountID, rec.Network, rec.Method, rec.Timestamp.UTC()}, nil
	}))
	return err
}

// LogSink writes batches to the log. Used when no database is configured.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Write(ctx context.Context, batch []Record) error {
	for _, rec := range batch {
		s.logger.Debug("Usage",
			"account_id", rec.AccountID,
			"network", rec.Network,
			"method", rec.Method,
			"ts", rec.Timestamp.UTC(),
		)
	}
	return nil
}
