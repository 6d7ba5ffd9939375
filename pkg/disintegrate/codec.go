package disintegrate

import (
	"encoding/json"
	"fmt"
)

// EventCodec translates between application event variants and the opaque
// (payload, type tag) pairs the store works with. Codecs are pluggable; the
// engine mandates none.
type EventCodec interface {
	// Encode turns a domain event into its store representation.
	Encode(event DomainEvent) (Event, error)

	// Decode rebuilds a domain event from a persisted record. Unknown type
	// tags and malformed payloads are SerdeErrors.
	Decode(event PersistedEvent) (DomainEvent, error)
}

// JSONCodec encodes payloads as JSON and decodes them through a per-type
// prototype registry built once at startup. No runtime reflection beyond
// encoding/json is involved.
type JSONCodec struct {
	prototypes map[string]func() DomainEvent
}

// NewJSONCodec creates an empty codec. Register every variant before use.
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{prototypes: make(map[string]func() DomainEvent)}
}

// Register associates a type tag with a factory producing a zero value of
// the variant, typically `func() DomainEvent { return &CourseCreated{} }`.
// The factory's result must be a pointer for unmarshalling to stick.
func (c *JSONCodec) Register(eventType string, factory func() DomainEvent) *JSONCodec {
	c.prototypes[eventType] = factory
	return c
}

// Encode implements EventCodec.
func (c *JSONCodec) Encode(event DomainEvent) (Event, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return Event{}, &SerdeError{EventStoreError: EventStoreError{
			Op:  "encode",
			Err: fmt.Errorf("failed to marshal %q payload: %w", event.EventType(), err),
		}}
	}
	return Event{
		Type:              event.EventType(),
		DomainIdentifiers: event.DomainIdentifiers(),
		Payload:           payload,
	}, nil
}

// Decode implements EventCodec.
func (c *JSONCodec) Decode(event PersistedEvent) (DomainEvent, error) {
	factory, ok := c.prototypes[event.Type]
	if !ok {
		return nil, &SerdeError{EventStoreError: EventStoreError{
			Op:  "decode",
			Err: fmt.Errorf("no variant registered for type %q", event.Type),
		}}
	}
	out := factory()
	if err := json.Unmarshal(event.Payload, out); err != nil {
		return nil, &SerdeError{EventStoreError: EventStoreError{
			Op:  "decode",
			Err: fmt.Errorf("failed to unmarshal %q payload: %w", event.Type, err),
		}}
	}
	return out, nil
}
