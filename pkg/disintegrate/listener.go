package disintegrate

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// EventListener consumes committed events matching its query, in event_id
// order, at least once. Handlers must tolerate re-delivery: the runtime
// guarantees the cursor never advances past a failing event, not that an
// event is delivered exactly once.
type EventListener interface {
	// ID is the stable listener identity the cursor is stored under.
	ID() string

	// Query selects the events the listener observes.
	Query() StreamQuery

	// Handle applies one event. Returning an error pauses the listener at
	// this event; the runtime backs off and retries, never skipping.
	Handle(ctx context.Context, event PersistedEvent) error
}

// TxEventListener opts a listener into transactional dispatch: HandleTx
// runs inside the same store transaction that advances the cursor, so side
// effects written through tx commit atomically with the cursor.
type TxEventListener interface {
	EventListener

	HandleTx(ctx context.Context, tx pgx.Tx, event PersistedEvent) error
}

// ListenerConfig tunes the runtime shared by all registered listeners.
type ListenerConfig struct {
	// PollInterval is the periodic catch-up cadence.
	PollInterval time.Duration

	// BatchSize is the page size of one catch-up scan.
	BatchSize int

	// LeaseTTL enables cross-process lease protection when positive: a
	// listener id is only processed while its lease holds, and a crashed
	// holder is taken over once the lease expires.
	LeaseTTL time.Duration

	// DisableNotify turns off the new_events wake-up channel, leaving
	// polling as the only trigger.
	DisableNotify bool

	// InitialBackoff and MaxBackoff shape the retry delay applied while a
	// handler keeps failing on the same event.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (cfg *ListenerConfig) applyDefaults() {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
}

// ListenerRuntime advances registered listeners over the log. Each listener
// runs in its own task and makes its own progress; there is no ordering
// across listeners.
type ListenerRuntime struct {
	store     *PGEventStore
	config    ListenerConfig
	listeners []EventListener
	log       *logrus.Logger
}

// NewListenerRuntime registers the listeners with the given configuration.
func NewListenerRuntime(store *PGEventStore, config ListenerConfig, listeners ...EventListener) *ListenerRuntime {
	config.applyDefaults()
	return &ListenerRuntime{
		store:     store,
		config:    config,
		listeners: listeners,
		log:       logrus.StandardLogger(),
	}
}

// WithLogger overrides the runtime's logger.
func (r *ListenerRuntime) WithLogger(log *logrus.Logger) *ListenerRuntime {
	r.log = log
	return r
}

// Start runs all listeners until the context is cancelled, then returns
// nil. Storage failures during setup are returned immediately.
func (r *ListenerRuntime) Start(ctx context.Context) error {
	for _, l := range r.listeners {
		if err := r.ensureCursor(ctx, l.ID()); err != nil {
			return err
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)

	wakes := make([]chan struct{}, len(r.listeners))
	for i := range r.listeners {
		wakes[i] = make(chan struct{}, 1)
	}

	if !r.config.DisableNotify {
		notifications, err := r.store.Notifications(groupCtx)
		if err != nil {
			return err
		}
		group.Go(func() error {
			for range notifications {
				for _, wake := range wakes {
					select {
					case wake <- struct{}{}:
					default:
					}
				}
			}
			return nil
		})
	}

	for i, l := range r.listeners {
		listener, wake := l, wakes[i]
		group.Go(func() error {
			return r.runListener(groupCtx, listener, wake)
		})
	}

	err := group.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// CatchUp runs one synchronous catch-up pass for every listener. Intended
// for tests and one-shot reprojection runs.
func (r *ListenerRuntime) CatchUp(ctx context.Context) error {
	for _, l := range r.listeners {
		if err := r.ensureCursor(ctx, l.ID()); err != nil {
			return err
		}
		if err := r.catchUp(ctx, l); err != nil {
			return err
		}
	}
	return nil
}

// ResetCursor moves a listener cursor. Resetting to an earlier position
// replays from that point, which is only idempotent if the handler is.
func (r *ListenerRuntime) ResetCursor(ctx context.Context, listenerID string, to int64) error {
	_, err := r.store.pool.Exec(ctx, `
		UPDATE event_listener
		SET last_processed_event_id = $2, updated_at = now()
		WHERE id = $1
	`, listenerID, to)
	if err != nil {
		return storageErr("reset_cursor", fmt.Errorf("failed to reset cursor for %s: %w", listenerID, err))
	}
	return nil
}

func (r *ListenerRuntime) runListener(ctx context.Context, l EventListener, wake <-chan struct{}) error {
	log := r.log.WithField("listener", l.ID())

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = r.config.InitialBackoff
	retry.MaxInterval = r.config.MaxBackoff
	retry.MaxElapsedTime = 0

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		err := r.catchUp(ctx, l)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			listenerErrors.WithLabelValues(l.ID()).Inc()
			wait := retry.NextBackOff()
			log.WithError(err).WithField("backoff", wait).Warn("listener paused on failing event")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

// catchUp pages the listener forward until no events remain. The cursor is
// advanced after each handled event, atomically with the handler's side
// effects when the listener opted into transactional dispatch.
func (r *ListenerRuntime) catchUp(ctx context.Context, l EventListener) error {
	leased := false
	if r.config.LeaseTTL > 0 {
		held, err := r.acquireLease(ctx, l.ID())
		if err != nil {
			return err
		}
		if !held {
			return nil
		}
		leased = true
		defer func() {
			if err := r.releaseLease(context.WithoutCancel(ctx), l.ID()); err != nil {
				r.log.WithError(err).WithField("listener", l.ID()).Warn("failed to release lease")
			}
		}()
	}

	for {
		if leased {
			if err := r.renewLease(ctx, l.ID()); err != nil {
				return err
			}
		}

		cursor, err := r.readCursor(ctx, l.ID())
		if err != nil {
			return err
		}

		events, err := r.store.scanLimit(ctx, l.Query(), cursor, 0, r.config.BatchSize)
		if err != nil {
			return err
		}

		for _, event := range events {
			if err := r.dispatch(ctx, l, event); err != nil {
				return err
			}
			listenerDeliveries.WithLabelValues(l.ID()).Inc()
			listenerCursor.WithLabelValues(l.ID()).Set(float64(event.ID))
		}

		if len(events) < r.config.BatchSize {
			return nil
		}
	}
}

func (r *ListenerRuntime) dispatch(ctx context.Context, l EventListener, event PersistedEvent) error {
	if txl, ok := l.(TxEventListener); ok {
		return r.dispatchTx(ctx, txl, event)
	}
	if err := l.Handle(ctx, event); err != nil {
		return &ListenerError{
			EventStoreError: EventStoreError{
				Op:  "handle",
				Err: err,
			},
			ListenerID: l.ID(),
			EventID:    event.ID,
		}
	}
	return r.advanceCursor(ctx, l.ID(), event.ID)
}

func (r *ListenerRuntime) dispatchTx(ctx context.Context, l TxEventListener, event PersistedEvent) error {
	tx, err := r.store.pool.Begin(ctx)
	if err != nil {
		return storageErr("dispatch", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := l.HandleTx(ctx, tx, event); err != nil {
		return &ListenerError{
			EventStoreError: EventStoreError{
				Op:  "handle",
				Err: err,
			},
			ListenerID: l.ID(),
			EventID:    event.ID,
		}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE event_listener
		SET last_processed_event_id = $2, updated_at = now()
		WHERE id = $1 AND last_processed_event_id < $2
	`, l.ID(), event.ID); err != nil {
		return storageErr("dispatch", fmt.Errorf("failed to advance cursor for %s: %w", l.ID(), err))
	}
	if err := tx.Commit(ctx); err != nil {
		return storageErr("dispatch", fmt.Errorf("failed to commit dispatch for %s: %w", l.ID(), err))
	}
	return nil
}

func (r *ListenerRuntime) ensureCursor(ctx context.Context, listenerID string) error {
	_, err := r.store.pool.Exec(ctx, `
		INSERT INTO event_listener (id, last_processed_event_id)
		VALUES ($1, 0)
		ON CONFLICT (id) DO NOTHING
	`, listenerID)
	if err != nil {
		return storageErr("ensure_cursor", fmt.Errorf("failed to register listener %s: %w", listenerID, err))
	}
	return nil
}

func (r *ListenerRuntime) readCursor(ctx context.Context, listenerID string) (int64, error) {
	var cursor int64
	err := r.store.pool.QueryRow(ctx, `
		SELECT last_processed_event_id FROM event_listener WHERE id = $1
	`, listenerID).Scan(&cursor)
	if err != nil {
		return 0, storageErr("read_cursor", fmt.Errorf("failed to read cursor for %s: %w", listenerID, err))
	}
	return cursor, nil
}

// advanceCursor moves the cursor forward, never backward.
func (r *ListenerRuntime) advanceCursor(ctx context.Context, listenerID string, to int64) error {
	_, err := r.store.pool.Exec(ctx, `
		UPDATE event_listener
		SET last_processed_event_id = $2, updated_at = now()
		WHERE id = $1 AND last_processed_event_id < $2
	`, listenerID, to)
	if err != nil {
		return storageErr("advance_cursor", fmt.Errorf("failed to advance cursor for %s: %w", listenerID, err))
	}
	return nil
}

// acquireLease claims the listener id until the TTL elapses. Renewal works
// the same way once the previous lease expired; a handler taken over by
// another process sees its events again, which at-least-once delivery
// already requires it to tolerate.
func (r *ListenerRuntime) acquireLease(ctx context.Context, listenerID string) (bool, error) {
	tag, err := r.store.pool.Exec(ctx, `
		UPDATE event_listener
		SET processing_until = now() + $2, updated_at = now()
		WHERE id = $1 AND (processing_until IS NULL OR processing_until < now())
	`, listenerID, r.config.LeaseTTL)
	if err != nil {
		return false, storageErr("acquire_lease", fmt.Errorf("failed to acquire lease for %s: %w", listenerID, err))
	}
	return tag.RowsAffected() == 1, nil
}

// renewLease extends the lease while a catch-up pass is in progress.
func (r *ListenerRuntime) renewLease(ctx context.Context, listenerID string) error {
	_, err := r.store.pool.Exec(ctx, `
		UPDATE event_listener
		SET processing_until = now() + $2, updated_at = now()
		WHERE id = $1
	`, listenerID, r.config.LeaseTTL)
	if err != nil {
		return storageErr("renew_lease", fmt.Errorf("failed to renew lease for %s: %w", listenerID, err))
	}
	return nil
}

func (r *ListenerRuntime) releaseLease(ctx context.Context, listenerID string) error {
	if r.config.LeaseTTL <= 0 {
		return nil
	}
	_, err := r.store.pool.Exec(ctx, `
		UPDATE event_listener
		SET processing_until = NULL, updated_at = now()
		WHERE id = $1
	`, listenerID)
	if err != nil {
		return storageErr("release_lease", fmt.Errorf("failed to release lease for %s: %w", listenerID, err))
	}
	return nil
}
