package disintegrate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// StateView describes how to derive a state value from the log: the query
// selecting its events, a default value, and a pure transition function.
type StateView struct {
	// Query selects the events the view depends on.
	Query StreamQuery

	// InitialState is the view's default value.
	InitialState any

	// Mutate folds one event into the state. It must be pure: hydration
	// and the decision executor rely on replays producing equal states.
	Mutate func(state any, event PersistedEvent) any

	// EncodeState serializes the state for snapshotting. Defaults to
	// json.Marshal when nil.
	EncodeState func(state any) ([]byte, error)

	// DecodeState restores a snapshotted state value with its concrete
	// type. Views without a decoder opt out of snapshots: a composite
	// containing one is always hydrated from the full log.
	DecodeState func(data []byte) (any, error)
}

// NamedView is a StateView with the identifier its state is returned under.
type NamedView struct {
	ID string
	StateView
}

// HydratedState is the result of folding a (multi-)view over the log.
type HydratedState struct {
	// States holds each view's final state, keyed by view ID.
	States map[string]any

	// Version is the highest event id observed, or the snapshot version
	// when no newer event matched.
	Version int64
}

// State returns a single view's state.
func (h *HydratedState) State(id string) any {
	return h.States[id]
}

// Hydrator builds state views from the log with an optional snapshot
// fast-path.
type Hydrator struct {
	store     EventStore
	snapshots *SnapshotStore
	every     int
	log       *logrus.Logger
}

// NewHydrator creates a hydrator without snapshotting.
func NewHydrator(store EventStore) *Hydrator {
	return &Hydrator{store: store, log: logrus.StandardLogger()}
}

// WithSnapshots enables the snapshot cache. A new snapshot is written after
// every folded events since the last one; every <= 0 disables writing while
// still reading existing snapshots.
func (h *Hydrator) WithSnapshots(snapshots *SnapshotStore, every int) *Hydrator {
	h.snapshots = snapshots
	h.every = every
	return h
}

// WithLogger overrides the hydrator's logger.
func (h *Hydrator) WithLogger(log *logrus.Logger) *Hydrator {
	h.log = log
	return h
}

// Hydrate folds the views over the log. Each scanned event is dispatched to
// every view whose own query matches it; a view never sees events outside
// its declared query. The result equals a plain fold from event id zero
// whether or not a snapshot was used.
func (h *Hydrator) Hydrate(ctx context.Context, views ...NamedView) (*HydratedState, error) {
	if err := validateViews(views); err != nil {
		return nil, err
	}

	queries := make([]StreamQuery, len(views))
	for i, v := range views {
		queries[i] = v.Query
	}
	unionQuery := Union(queries...)
	fingerprint := Fingerprint(unionQuery)

	states := make(map[string]any, len(views))
	for _, v := range views {
		states[v.ID] = v.InitialState
	}

	var startID int64
	if h.snapshots != nil && snapshotable(views) {
		if version, ok := h.loadSnapshot(ctx, fingerprint, views, states); ok {
			startID = version
		}
	}

	events, err := h.store.Scan(ctx, unionQuery, startID, 0)
	if err != nil {
		return nil, err
	}

	version := startID
	for _, event := range events {
		for _, v := range views {
			if v.Query.Matches(event.Event) {
				states[v.ID] = v.Mutate(states[v.ID], event)
			}
		}
		version = event.ID
	}

	if h.snapshots != nil && h.every > 0 && len(events) >= h.every && snapshotable(views) {
		h.storeSnapshot(ctx, fingerprint, views, states, version)
	}

	return &HydratedState{States: states, Version: version}, nil
}

func validateViews(views []NamedView) error {
	if len(views) == 0 {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "hydrate",
				Err: fmt.Errorf("at least one view is required"),
			},
			Field: "views",
			Value: "empty",
		}
	}
	seen := make(map[string]struct{}, len(views))
	for _, v := range views {
		if v.ID == "" {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "hydrate",
					Err: fmt.Errorf("view id cannot be empty"),
				},
				Field: "id",
				Value: "empty",
			}
		}
		if _, dup := seen[v.ID]; dup {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "hydrate",
					Err: fmt.Errorf("duplicate view id %q", v.ID),
				},
				Field: "id",
				Value: v.ID,
			}
		}
		seen[v.ID] = struct{}{}
		if v.Query == nil || v.Mutate == nil {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "hydrate",
					Err: fmt.Errorf("view %q must declare a query and a transition function", v.ID),
				},
				Field: "view",
				Value: v.ID,
			}
		}
	}
	return nil
}

func snapshotable(views []NamedView) bool {
	for _, v := range views {
		if v.DecodeState == nil {
			return false
		}
	}
	return true
}

// loadSnapshot restores states in place from the cache. Any failure,
// including a payload that no longer decodes into the views' shapes, is
// treated as a miss. The stale row is left in place until a write with a
// higher version replaces it.
func (h *Hydrator) loadSnapshot(ctx context.Context, fingerprint string, views []NamedView, states map[string]any) (int64, bool) {
	payload, version, ok, err := h.snapshots.Load(ctx, fingerprint)
	if err != nil {
		h.log.WithError(err).Warn("snapshot load failed, hydrating from the log")
		snapshotHits.WithLabelValues("error").Inc()
		return 0, false
	}
	if !ok {
		snapshotHits.WithLabelValues("miss").Inc()
		return 0, false
	}

	var parts map[string]json.RawMessage
	if err := json.Unmarshal(payload, &parts); err != nil {
		snapshotHits.WithLabelValues("stale").Inc()
		return 0, false
	}
	decoded := make(map[string]any, len(views))
	for _, v := range views {
		raw, found := parts[v.ID]
		if !found {
			snapshotHits.WithLabelValues("stale").Inc()
			return 0, false
		}
		state, err := v.DecodeState(raw)
		if err != nil {
			snapshotHits.WithLabelValues("stale").Inc()
			return 0, false
		}
		decoded[v.ID] = state
	}
	for id, state := range decoded {
		states[id] = state
	}
	snapshotHits.WithLabelValues("hit").Inc()
	return version, true
}

func (h *Hydrator) storeSnapshot(ctx context.Context, fingerprint string, views []NamedView, states map[string]any, version int64) {
	parts := make(map[string]json.RawMessage, len(views))
	names := make([]string, len(views))
	for i, v := range views {
		names[i] = v.ID
		encode := v.EncodeState
		if encode == nil {
			encode = json.Marshal
		}
		data, err := encode(states[v.ID])
		if err != nil {
			h.log.WithError(err).WithField("view", v.ID).Warn("skipping snapshot, state not serializable")
			return
		}
		parts[v.ID] = data
	}
	payload, err := json.Marshal(parts)
	if err != nil {
		h.log.WithError(err).Warn("skipping snapshot, payload not serializable")
		return
	}
	if err := h.snapshots.Store(ctx, fingerprint, strings.Join(names, "+"), payload, version); err != nil {
		h.log.WithError(err).Warn("snapshot write failed")
	}
}
