package broker

import (
	"context"
	"fmt"
	"time"
)

// nackRedeliveryDelay spacing before a negatively acknowledged message
// becomes visible again. Keeps a failing message from being retried in a
// tight loop.
const nackRedeliveryDelay = 100 * time.Millisecond

// QueueMessage wraps a serialized completion event received off a durable
// queue. Owned exclusively by the receiving worker while processing;
// ownership returns to the broker on ack, nack, or visibility expiry.
type QueueMessage struct {
	// ID broker-assigned message identifier, stable across redeliveries
	ID string
	// Data the serialized event payload
	Data []byte
	// Attempt receive count for this message, broker-owned
	Attempt int
	// VisibilityDeadline when the message becomes visible to other receivers again
	VisibilityDeadline time.Time
	// Token opaque acknowledgement token owned by the backend
	Token interface{}
}

// String toString function
func (m QueueMessage) String() string {
	return fmt.Sprintf("MSG[%s:A%d]", m.ID, m.Attempt)
}

// Broker narrow interface over the external durable message broker. Once
// received, a message is invisible to other receivers until its visibility
// expires or it is acknowledged. After the configured maximum receive count
// without acknowledgement the broker moves the message to a dead-letter
// path on its own; callers only report success or failure per attempt.
type Broker interface {
	// Publish publish a payload on a topic under an idempotency message ID
	Publish(ctxt context.Context, topic string, messageID string, payload []byte) error
	// Receive pull up to maxBatch messages, each invisible for visibilityTimeout
	Receive(
		ctxt context.Context, maxBatch int, visibilityTimeout time.Duration,
	) ([]QueueMessage, error)
	// Acknowledge mark a message as processed, removing it from the queue
	Acknowledge(ctxt context.Context, msg QueueMessage) error
	// ExtendVisibility push out the visibility deadline of an in-flight message
	ExtendVisibility(ctxt context.Context, msg QueueMessage, duration time.Duration) error
	// NegativeAcknowledge return a message to the queue for redelivery
	NegativeAcknowledge(ctxt context.Context, msg QueueMessage) error
	// Close release broker resources
	Close(ctxt context.Context) error
}
