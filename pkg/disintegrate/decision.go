package disintegrate

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Decision is a pure business operation: a state query declaring what it
// needs to see, and a function from that state to new events.
type Decision interface {
	// StateQuery returns the views to hydrate before deciding.
	StateQuery() []NamedView

	// Process inspects the hydrated states and returns the events to
	// publish. A returned error is a domain error: it is surfaced as a
	// BusinessError and never retried. Process must be deterministic with
	// respect to the states passed in; the executor replays it on
	// concurrency conflicts.
	Process(states map[string]any) ([]DomainEvent, error)
}

// DecisionWithValidation lets a decision narrow (or widen) the conflict set
// checked at commit time. Without it, the validation query defaults to the
// union of the state views' queries.
type DecisionWithValidation interface {
	Decision

	// ValidationQuery returns the predicate whose matching concurrent
	// events invalidate the commit.
	ValidationQuery() StreamQuery
}

// ExecutorConfig bounds the retry policy applied on concurrency conflicts.
type ExecutorConfig struct {
	// MaxRetries is the number of re-attempts after the first; the default
	// keeps latency bounded while absorbing ordinary contention.
	MaxRetries int

	// InitialBackoff is the first retry delay.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration
}

func (cfg *ExecutorConfig) applyDefaults() {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 20 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Second
	}
}

// Executor runs decisions: hydrate, process, append, retrying the whole
// cycle on concurrency conflicts. Every attempt observes exactly one
// committed state.
type Executor struct {
	store    EventStore
	hydrator *Hydrator
	codec    EventCodec
	config   ExecutorConfig
	log      *logrus.Logger
}

// NewExecutor wires an executor with the default retry policy.
func NewExecutor(store EventStore, hydrator *Hydrator, codec EventCodec) *Executor {
	config := ExecutorConfig{}
	config.applyDefaults()
	return &Executor{
		store:    store,
		hydrator: hydrator,
		codec:    codec,
		config:   config,
		log:      logrus.StandardLogger(),
	}
}

// WithConfig overrides the retry policy.
func (e *Executor) WithConfig(config ExecutorConfig) *Executor {
	config.applyDefaults()
	e.config = config
	return e
}

// WithLogger overrides the executor's logger.
func (e *Executor) WithLogger(log *logrus.Logger) *Executor {
	e.log = log
	return e
}

// Make executes the decision and returns the committed events with their
// assigned ids. A decision that emits no events commits nothing and
// succeeds with an empty result. Only ConcurrencyError is retried;
// business, storage and serde errors propagate unchanged.
func (e *Executor) Make(ctx context.Context, decision Decision) ([]PersistedEvent, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.config.InitialBackoff
	policy.MaxInterval = e.config.MaxBackoff
	policy.MaxElapsedTime = 0

	var committed []PersistedEvent
	attempt := 0
	op := func() error {
		attempt++
		result, err := e.attempt(ctx, decision)
		if err != nil {
			if IsConcurrencyError(err) {
				decisionRetries.Inc()
				e.log.WithFields(logrus.Fields{
					"attempt": attempt,
				}).Debug("decision conflicted, retrying")
				return err
			}
			return backoff.Permanent(err)
		}
		committed = result
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(e.config.MaxRetries)), ctx))
	if err != nil {
		return nil, err
	}
	return committed, nil
}

// attempt is one full hydrate-process-append cycle against a single
// committed state.
func (e *Executor) attempt(ctx context.Context, decision Decision) ([]PersistedEvent, error) {
	views := decision.StateQuery()
	hydrated, err := e.hydrator.Hydrate(ctx, views...)
	if err != nil {
		return nil, err
	}

	domainEvents, err := decision.Process(hydrated.States)
	if err != nil {
		return nil, &BusinessError{Err: err}
	}
	if len(domainEvents) == 0 {
		return nil, nil
	}

	events := make([]Event, len(domainEvents))
	for i, de := range domainEvents {
		events[i], err = e.codec.Encode(de)
		if err != nil {
			return nil, err
		}
	}

	validation := e.validationQuery(decision, views)
	return e.store.Append(ctx, events, validation, hydrated.Version)
}

func (e *Executor) validationQuery(decision Decision, views []NamedView) StreamQuery {
	if dv, ok := decision.(DecisionWithValidation); ok {
		if q := dv.ValidationQuery(); q != nil {
			return q
		}
	}
	queries := make([]StreamQuery, len(views))
	for i, v := range views {
		queries[i] = v.Query
	}
	return Union(queries...)
}
