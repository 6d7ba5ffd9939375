package disintegrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// isRetryableTxError reports serialization failures and deadlocks, which
// the executor treats like any other concurrency conflict.
func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// Append implements EventStore with the reservation-table protocol:
//
//  1. Reserve: insert one row per event into event_sequence. The insert
//     assigns each event its final event_id from the global sequence and is
//     committed on its own, so the ids fix this append's place in the
//     serial order and the rows survive even if the append later fails.
//  2. Invalidate: mark consumed=1 every unconsumed peer reservation that
//     matches the validation query inside (lastSeen, max(own ids)].
//  3. Self-check: the append is invalid if a peer consumed one of our rows,
//     or if a matching peer inside the range already published.
//  4. Publish: copy the events into the log under their reserved ids and
//     flip the reservations to committed. The committed flip carries a
//     consumed=0 guard so an invalidation that lands between the
//     self-check's snapshot and our row locks still aborts the commit.
//
// Steps 2-4 share one READ COMMITTED transaction; its rollback surfaces
// ConcurrencyError, the only expected non-transient failure.
func (es *PGEventStore) Append(ctx context.Context, events []Event, validation StreamQuery, lastSeen int64) ([]PersistedEvent, error) {
	if len(events) == 0 {
		return nil, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("events slice cannot be empty"),
			},
			Field: "events",
			Value: "empty",
		}
	}
	if len(events) > es.config.MaxBatchSize {
		return nil, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("batch size %d exceeds maximum %d", len(events), es.config.MaxBatchSize),
			},
			Field: "events",
			Value: fmt.Sprintf("%d", len(events)),
		}
	}
	for i, event := range events {
		if event.Type == "" {
			return nil, &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "append",
					Err: fmt.Errorf("event at index %d has empty type", i),
				},
				Field: "type",
				Value: "empty",
			}
		}
	}

	identifiers, err := marshalIdentifiers(events)
	if err != nil {
		return nil, err
	}

	appendCtx, cancel := withTimeout(ctx, es.config.AppendTimeout)
	defer cancel()

	ids, err := es.reserve(appendCtx, events, identifiers)
	if err != nil {
		return nil, err
	}

	committed, err := es.publish(appendCtx, events, identifiers, ids, validation, lastSeen)
	if err != nil {
		if !IsConcurrencyError(err) && isRetryableTxError(err) {
			err = &ConcurrencyError{
				EventStoreError: EventStoreError{
					Op:  "append",
					Err: fmt.Errorf("transaction aborted by concurrent append: %w", err),
				},
				LastSeenID: lastSeen,
			}
		}
		if IsConcurrencyError(err) {
			appendConflicts.Inc()
		}
		return nil, err
	}

	appendsTotal.Add(float64(len(committed)))
	return committed, nil
}

func marshalIdentifiers(events []Event) ([][]byte, error) {
	out := make([][]byte, len(events))
	for i, event := range events {
		ids := event.DomainIdentifiers
		if ids == nil {
			ids = map[string]string{}
		}
		data, err := json.Marshal(ids)
		if err != nil {
			return nil, &SerdeError{EventStoreError: EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("failed to marshal identifiers for event %d: %w", i, err),
			}}
		}
		out[i] = data
	}
	return out, nil
}

// reserve inserts the reservation rows in their own transaction. The
// sequence-assigned ids are the linearization point: once this commits, the
// append's position relative to every other append is fixed.
func (es *PGEventStore) reserve(ctx context.Context, events []Event, identifiers [][]byte) ([]int64, error) {
	tx, err := es.pool.Begin(ctx)
	if err != nil {
		return nil, storageErr("reserve", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for i, event := range events {
		batch.Queue(`
			INSERT INTO event_sequence (event_type, domain_identifiers)
			VALUES ($1, $2::jsonb)
			RETURNING event_id
		`, event.Type, identifiers[i])
	}

	ids := make([]int64, len(events))
	br := tx.SendBatch(ctx, batch)
	for i := range events {
		if err := br.QueryRow().Scan(&ids[i]); err != nil {
			br.Close()
			return nil, storageErr("reserve", fmt.Errorf("failed to reserve event %d: %w", i, err))
		}
	}
	if err := br.Close(); err != nil {
		return nil, storageErr("reserve", fmt.Errorf("failed to close reservation batch: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storageErr("reserve", fmt.Errorf("failed to commit reservation: %w", err))
	}
	return ids, nil
}

// publish runs invalidation, self-check and the log insert in one
// transaction. On conflict the transaction rolls back and the reservation
// rows stay behind as abandoned markers.
func (es *PGEventStore) publish(ctx context.Context, events []Event, identifiers [][]byte, ids []int64, validation StreamQuery, lastSeen int64) ([]PersistedEvent, error) {
	maxOwn := ids[len(ids)-1]

	tx, err := es.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, storageErr("append", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if validation != nil {
		if err := es.invalidatePeers(ctx, tx, validation, lastSeen, maxOwn, ids); err != nil {
			return nil, err
		}
		conflicted, err := es.selfCheck(ctx, tx, validation, lastSeen, maxOwn, ids)
		if err != nil {
			return nil, err
		}
		if conflicted {
			return nil, &ConcurrencyError{
				EventStoreError: EventStoreError{
					Op:  "append",
					Err: fmt.Errorf("conflicting event matching the validation query committed after position %d", lastSeen),
				},
				LastSeenID: lastSeen,
			}
		}
	}

	committed, err := es.insertEvents(ctx, tx, events, identifiers, ids)
	if err != nil {
		return nil, err
	}

	// Flip the reservations. The consumed = 0 guard means a peer that
	// invalidated us after our self-check read its snapshot wins: the row
	// count comes up short and the publish aborts.
	tag, err := tx.Exec(ctx, `
		UPDATE event_sequence
		SET committed = TRUE
		WHERE event_id = ANY($1::bigint[]) AND consumed = 0
	`, ids)
	if err != nil {
		return nil, storageErr("append", fmt.Errorf("failed to commit reservations: %w", err))
	}
	if int(tag.RowsAffected()) != len(ids) {
		return nil, &ConcurrencyError{
			EventStoreError: EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("reservation consumed by a concurrent append after position %d", lastSeen),
			},
			LastSeenID: lastSeen,
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storageErr("append", fmt.Errorf("failed to commit append: %w", err))
	}
	return committed, nil
}

// invalidatePeers consumes every unconsumed reservation matching the
// validation query between lastSeen and this append's highest id,
// excluding this append's own rows. Row locks taken here order this append
// against in-flight peers publishing inside the range.
func (es *PGEventStore) invalidatePeers(ctx context.Context, tx pgx.Tx, validation StreamQuery, lastSeen, maxOwn int64, own []int64) error {
	var args []any
	predicate := buildQueryPredicate(validation, &args)
	args = append(args, lastSeen, maxOwn, own)
	sqlQuery := fmt.Sprintf(`
		UPDATE event_sequence
		SET consumed = 1
		WHERE consumed = 0
		  AND event_id > $%d AND event_id <= $%d
		  AND event_id != ALL($%d::bigint[])
		  AND %s
	`, len(args)-2, len(args)-1, len(args), predicate)

	if _, err := tx.Exec(ctx, sqlQuery, args...); err != nil {
		return storageErr("append", fmt.Errorf("failed to invalidate peer reservations: %w", err))
	}
	return nil
}

// selfCheck detects both ways this append can lose: a peer consumed one of
// our reservations, or a matching peer inside the validated range already
// published its events.
func (es *PGEventStore) selfCheck(ctx context.Context, tx pgx.Tx, validation StreamQuery, lastSeen, maxOwn int64, own []int64) (bool, error) {
	var args []any
	predicate := buildQueryPredicate(validation, &args)
	args = append(args, own, lastSeen, maxOwn)
	sqlQuery := fmt.Sprintf(`
		SELECT EXISTS (
			SELECT 1 FROM event_sequence
			WHERE (event_id = ANY($%d::bigint[]) AND consumed = 1)
			   OR (committed
			       AND event_id > $%d AND event_id <= $%d
			       AND event_id != ALL($%d::bigint[])
			       AND %s)
		)
	`, len(args)-2, len(args)-1, len(args), len(args)-2, predicate)

	var conflicted bool
	if err := tx.QueryRow(ctx, sqlQuery, args...).Scan(&conflicted); err != nil {
		return false, storageErr("append", fmt.Errorf("failed to check reservations: %w", err))
	}
	return conflicted, nil
}

func (es *PGEventStore) insertEvents(ctx context.Context, tx pgx.Tx, events []Event, identifiers [][]byte, ids []int64) ([]PersistedEvent, error) {
	batch := &pgx.Batch{}
	for i, event := range events {
		payload := event.Payload
		if payload == nil {
			payload = []byte{}
		}
		batch.Queue(`
			INSERT INTO event (event_id, event_type, domain_identifiers, payload)
			VALUES ($1, $2, $3::jsonb, $4)
			RETURNING inserted_at
		`, ids[i], event.Type, identifiers[i], payload)
	}

	committed := make([]PersistedEvent, len(events))
	br := tx.SendBatch(ctx, batch)
	for i, event := range events {
		committed[i] = PersistedEvent{ID: ids[i], Event: event}
		if err := br.QueryRow().Scan(&committed[i].InsertedAt); err != nil {
			br.Close()
			return nil, storageErr("append", fmt.Errorf("failed to publish event %d: %w", i, err))
		}
	}
	if err := br.Close(); err != nil {
		return nil, storageErr("append", fmt.Errorf("failed to close publish batch: %w", err))
	}
	return committed, nil
}
