package disintegrate

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventStore is the engine's view of the append-only log.
type EventStore interface {
	// Scan returns all committed events with lo < event_id <= hi matching
	// the query, in event_id order. hi <= 0 means no upper bound.
	Scan(ctx context.Context, query StreamQuery, lo, hi int64) ([]PersistedEvent, error)

	// Append atomically publishes the events iff no event matching the
	// validation query exists with event_id > lastSeen at commit time,
	// concurrent appenders' in-flight events included. A nil validation
	// query publishes unconditionally.
	Append(ctx context.Context, events []Event, validation StreamQuery, lastSeen int64) ([]PersistedEvent, error)

	// MaxEventID returns the highest committed event_id, 0 when the log is
	// empty.
	MaxEventID(ctx context.Context) (int64, error)
}

// EventStoreConfig carries the store's tuning knobs.
type EventStoreConfig struct {
	// MaxBatchSize bounds the number of events per append.
	MaxBatchSize int

	// StreamBuffer is the channel capacity used by ScanStream.
	StreamBuffer int

	// QueryTimeout bounds a single scan when the caller set no deadline.
	QueryTimeout time.Duration

	// AppendTimeout bounds an append when the caller set no deadline.
	AppendTimeout time.Duration
}

func (cfg *EventStoreConfig) applyDefaults() {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1000
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 1000
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 15 * time.Second
	}
	if cfg.AppendTimeout <= 0 {
		cfg.AppendTimeout = 10 * time.Second
	}
}

// PGEventStore implements EventStore over a PostgreSQL log with the
// reservation-table commit protocol.
type PGEventStore struct {
	pool   *pgxpool.Pool
	config EventStoreConfig
}

var _ EventStore = (*PGEventStore)(nil)

// NewEventStore creates a store with default configuration. The connection
// is pinged and the schema validated; use EnsureSchema first on a fresh
// database.
func NewEventStore(ctx context.Context, pool *pgxpool.Pool) (*PGEventStore, error) {
	return NewEventStoreWithConfig(ctx, pool, EventStoreConfig{})
}

// NewEventStoreWithConfig creates a store with custom configuration.
func NewEventStoreWithConfig(ctx context.Context, pool *pgxpool.Pool, config EventStoreConfig) (*PGEventStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := validateSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("failed to validate schema: %w", err)
	}
	config.applyDefaults()
	return &PGEventStore{pool: pool, config: config}, nil
}

// GetConfig returns the current store configuration.
func (es *PGEventStore) GetConfig() EventStoreConfig {
	return es.config
}

// GetPool returns the underlying database pool.
func (es *PGEventStore) GetPool() *pgxpool.Pool {
	return es.pool
}

// MaxEventID implements EventStore.
func (es *PGEventStore) MaxEventID(ctx context.Context) (int64, error) {
	var maxID int64
	err := es.pool.QueryRow(ctx, `SELECT COALESCE(MAX(event_id), 0) FROM event`).Scan(&maxID)
	if err != nil {
		return 0, storageErr("max_event_id", err)
	}
	return maxID, nil
}

// withTimeout applies the store default when the caller set no deadline.
func withTimeout(ctx context.Context, fallback time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, fallback)
}
