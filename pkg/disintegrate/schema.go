package disintegrate

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaDDL mirrors docker-entrypoint-initdb.d/schema.sql for deployments
// that bootstrap from the application instead of the database image.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS event_sequence (
    event_id           BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    event_type         TEXT NOT NULL,
    domain_identifiers JSONB NOT NULL DEFAULT '{}',
    consumed           SMALLINT NOT NULL DEFAULT 0 CHECK (consumed <= 1),
    committed          BOOLEAN NOT NULL DEFAULT FALSE,
    inserted_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS event_sequence_type_idx
    ON event_sequence (event_type, event_id);
CREATE INDEX IF NOT EXISTS event_sequence_ids_idx
    ON event_sequence USING GIN (domain_identifiers);

CREATE TABLE IF NOT EXISTS event (
    event_id           BIGINT PRIMARY KEY,
    event_type         TEXT NOT NULL,
    domain_identifiers JSONB NOT NULL DEFAULT '{}',
    payload            BYTEA NOT NULL,
    inserted_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS event_type_idx
    ON event (event_type, event_id);
CREATE INDEX IF NOT EXISTS event_ids_idx
    ON event USING GIN (domain_identifiers);

CREATE TABLE IF NOT EXISTS event_listener (
    id                      TEXT PRIMARY KEY,
    last_processed_event_id BIGINT NOT NULL DEFAULT 0,
    processing_until        TIMESTAMPTZ,
    updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS snapshot (
    id          UUID PRIMARY KEY,
    name        TEXT NOT NULL,
    query       TEXT NOT NULL,
    version     BIGINT NOT NULL,
    payload     TEXT NOT NULL,
    inserted_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS snapshot_query_idx ON snapshot (query);

CREATE OR REPLACE FUNCTION notify_new_events() RETURNS trigger AS $$
BEGIN
    PERFORM pg_notify('new_events', NEW.event_type);
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS event_notify ON event;
CREATE TRIGGER event_notify
    AFTER INSERT ON event
    FOR EACH ROW EXECUTE FUNCTION notify_new_events();
`

// EnsureSchema creates the log, reservation, listener and snapshot tables
// together with the notify trigger. Safe to run repeatedly.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return storageErr("ensure_schema", fmt.Errorf("failed to apply schema: %w", err))
	}
	return nil
}

// validateSchema checks that the required tables are present. It does not
// create anything; use EnsureSchema for bootstrap.
func validateSchema(ctx context.Context, pool *pgxpool.Pool) error {
	required := []string{"event", "event_sequence", "event_listener", "snapshot"}
	for _, table := range required {
		var exists bool
		err := pool.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT FROM information_schema.tables
				WHERE table_name = $1
			)
		`, table).Scan(&exists)
		if err != nil {
			return storageErr("validate_schema", fmt.Errorf("failed to check table %s: %w", table, err))
		}
		if !exists {
			return storageErr("validate_schema", fmt.Errorf("table %s does not exist", table))
		}
	}
	return nil
}
