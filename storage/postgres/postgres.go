// Package postgres provides a PostgreSQL event store built on pgx/v5.
//
// Events live in a single table keyed by (stream_id, version). The primary
// key turns a lost optimistic-concurrency race into a unique violation,
// which is reported as storage.ErrVersionConflict. Run Migrate once at
// startup to create the table.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/storage"
)

const (
	storageType = "postgres"

	// DefaultTable is the event table name used when none is configured.
	DefaultTable = "oauth_events"

	uniqueViolation = "23505"
)

// Store implements storage.EventStore on PostgreSQL.
type Store struct {
	db     *pgxpool.Pool
	table  string
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
}

var _ storage.EventStore = (*Store)(nil)

// New creates a store on an existing pool. table defaults to DefaultTable and
// must be a trusted identifier.
func New(db *pgxpool.Pool, table string, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection cannot be nil")
	}
	if table == "" {
		table = DefaultTable
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, table: table, logger: logger}, nil
}

// Connect opens a pool for dsn and returns a store on it.
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return New(pool, "", logger)
}

// Close closes the pool.
func (s *Store) Close() {
	s.db.Close()
}

// SetInstrumentation enables spans and storage metrics.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
}

// Migrate creates the event table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	ident := pgx.Identifier{s.table}.Sanitize()
	_, err := s.db.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	stream_id   TEXT        NOT NULL,
	version     BIGINT      NOT NULL,
	event_id    TEXT        NOT NULL,
	event_type  TEXT        NOT NULL,
	domain_id   TEXT        NOT NULL,
	payload     JSONB,
	occurred_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (stream_id, version)
)`, ident))
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", s.table, err)
	}
	return nil
}

// Append adds events to a stream if it currently holds expectedVersion events.
// The check and the inserts run in one transaction.
func (s *Store) Append(ctx context.Context, streamID string, expectedVersion int64, events []storage.Event) (err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, storageType, "append")
	defer func() { done(err) }()

	if streamID == "" {
		return fmt.Errorf("streamID cannot be empty")
	}
	if len(events) == 0 {
		return nil
	}

	ident := pgx.Identifier{s.table}.Sanitize()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current int64
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT COALESCE(MAX(version), 0) FROM %s WHERE stream_id = $1`, ident),
		streamID,
	).Scan(&current)
	if err != nil {
		return fmt.Errorf("failed to read stream version: %w", err)
	}
	if current != expectedVersion {
		return fmt.Errorf("%w: stream %s at version %d, expected %d",
			storage.ErrVersionConflict, streamID, current, expectedVersion)
	}

	insert := fmt.Sprintf(`INSERT INTO %s
	(stream_id, version, event_id, event_type, domain_id, payload, occurred_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`, ident)

	batch := &pgx.Batch{}
	for _, e := range storage.AssignVersions(expectedVersion, events) {
		var payload any
		if len(e.Payload) > 0 {
			payload = string(e.Payload)
		}
		batch.Queue(insert, streamID, e.Version, e.ID, e.Type, e.DomainID, payload, e.OccurredAt)
	}
	if err = tx.SendBatch(ctx, batch).Close(); err != nil {
		return mapError(streamID, expectedVersion, err)
	}

	if err = tx.Commit(ctx); err != nil {
		return mapError(streamID, expectedVersion, err)
	}

	s.logger.Debug("Appended events", "stream", streamID, "count", len(events))
	return nil
}

// Load returns the stream's events ordered by version.
func (s *Store) Load(ctx context.Context, streamID string) (events []storage.Event, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, storageType, "load")
	defer func() { done(err) }()

	rows, err := s.db.Query(ctx, fmt.Sprintf(`SELECT version, event_id, event_type, domain_id, payload, occurred_at
	FROM %s WHERE stream_id = $1 ORDER BY version`, pgx.Identifier{s.table}.Sanitize()), streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to load stream: %w", err)
	}
	defer rows.Close()

	events = []storage.Event{}
	for rows.Next() {
		var (
			e       storage.Event
			payload []byte
		)
		if err := rows.Scan(&e.Version, &e.ID, &e.Type, &e.DomainID, &payload, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Payload = payload
		e.OccurredAt = e.OccurredAt.UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	return events, nil
}

// mapError reports a primary key violation as a version conflict: a
// concurrent transaction appended the same version first.
func mapError(streamID string, expectedVersion int64, err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: stream %s, expected version %d",
			storage.ErrVersionConflict, streamID, expectedVersion)
	}
	return fmt.Errorf("failed to append events: %w", err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
