package disintegrate

import (
	"context"
	"fmt"
)

// Scan implements EventStore. Events come back in event_id order; the call
// is finite and non-restartable, callers re-invoke with a new range to
// continue.
func (es *PGEventStore) Scan(ctx context.Context, query StreamQuery, lo, hi int64) ([]PersistedEvent, error) {
	return es.scanLimit(ctx, query, lo, hi, 0)
}

// scanLimit is Scan with an optional row limit, used by the listener
// runtime for paging. limit <= 0 means no limit.
func (es *PGEventStore) scanLimit(ctx context.Context, query StreamQuery, lo, hi int64, limit int) ([]PersistedEvent, error) {
	if query == nil {
		return nil, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "scan",
				Err: fmt.Errorf("query cannot be nil"),
			},
			Field: "query",
			Value: "nil",
		}
	}

	sqlQuery, args := es.buildScanSQL(query, lo, hi, limit)

	scanCtx, cancel := withTimeout(ctx, es.config.QueryTimeout)
	defer cancel()

	rows, err := es.pool.Query(scanCtx, sqlQuery, args...)
	if err != nil {
		return nil, storageErr("scan", fmt.Errorf("failed to execute scan: %w", err))
	}
	defer rows.Close()

	var events []PersistedEvent
	for rows.Next() {
		event, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("scan", fmt.Errorf("error iterating over events: %w", err))
	}

	eventsScanned.Add(float64(len(events)))
	return events, nil
}

// ScanStream is the channel-based variant of Scan for callers that want
// backpressure instead of a materialized slice. The channel closes when the
// range is exhausted, the context is cancelled, or an error occurs; use the
// returned error function after the channel closes to distinguish.
func (es *PGEventStore) ScanStream(ctx context.Context, query StreamQuery, lo, hi int64) (<-chan PersistedEvent, func() error, error) {
	if query == nil {
		return nil, nil, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "scan_stream",
				Err: fmt.Errorf("query cannot be nil"),
			},
			Field: "query",
			Value: "nil",
		}
	}

	sqlQuery, args := es.buildScanSQL(query, lo, hi, 0)

	rows, err := es.pool.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, nil, storageErr("scan_stream", fmt.Errorf("failed to execute scan: %w", err))
	}

	out := make(chan PersistedEvent, es.config.StreamBuffer)
	var streamErr error
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(out)
		defer rows.Close()

		for rows.Next() {
			event, err := scanEventRow(rows)
			if err != nil {
				streamErr = err
				return
			}
			select {
			case out <- event:
			case <-ctx.Done():
				streamErr = ctx.Err()
				return
			}
		}
		if err := rows.Err(); err != nil {
			streamErr = storageErr("scan_stream", fmt.Errorf("error iterating over events: %w", err))
		}
	}()

	errFn := func() error {
		<-done
		return streamErr
	}
	return out, errFn, nil
}

func (es *PGEventStore) buildScanSQL(query StreamQuery, lo, hi int64, limit int) (string, []any) {
	var args []any
	predicate := buildQueryPredicate(query, &args)

	args = append(args, lo)
	sqlQuery := fmt.Sprintf(`
		SELECT event_id, event_type, domain_identifiers, payload, inserted_at
		FROM event
		WHERE %s AND event_id > $%d`, predicate, len(args))
	if hi > 0 {
		args = append(args, hi)
		sqlQuery += fmt.Sprintf(" AND event_id <= $%d", len(args))
	}
	sqlQuery += " ORDER BY event_id"
	if limit > 0 {
		args = append(args, limit)
		sqlQuery += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return sqlQuery, args
}

// rowScanner is the subset of pgx.Rows the row decoder needs.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEventRow(rows rowScanner) (PersistedEvent, error) {
	var event PersistedEvent
	err := rows.Scan(
		&event.ID,
		&event.Type,
		&event.DomainIdentifiers,
		&event.Payload,
		&event.InsertedAt,
	)
	if err != nil {
		return PersistedEvent{}, storageErr("scan", fmt.Errorf("failed to scan event row: %w", err))
	}
	return event, nil
}
