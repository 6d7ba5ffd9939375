package disintegrate

import (
	"context"
	"fmt"
)

// notifyChannel is the name of the Postgres channel the publish trigger
// emits on, one message per inserted event.
const notifyChannel = "new_events"

// Notifications subscribes to the store's change feed. The returned channel
// receives one payload per published event (best effort: slow consumers may
// coalesce) and closes when the context is cancelled or the connection
// drops. Consumers treat a message purely as a hint to poll; the payload
// carries the event type and nothing else may be assumed about it.
func (es *PGEventStore) Notifications(ctx context.Context) (<-chan string, error) {
	conn, err := es.pool.Acquire(ctx)
	if err != nil {
		return nil, storageErr("notifications", fmt.Errorf("failed to acquire connection: %w", err))
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, storageErr("notifications", fmt.Errorf("failed to listen on %s: %w", notifyChannel, err))
	}

	out := make(chan string, 64)
	go func() {
		defer close(out)
		defer conn.Release()
		for {
			notification, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				return
			}
			select {
			case out <- notification.Payload:
			default:
				// Channel full: the consumer is already behind and will
				// catch up on its next poll, so the hint can be dropped.
			}
		}
	}()
	return out, nil
}
