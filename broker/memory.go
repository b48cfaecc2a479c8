package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/spryce/jobrelay/common"
	"github.com/spryce/jobrelay/metrics"
)

// memoryMessage internal bookkeeping for one queued message
type memoryMessage struct {
	id           string
	payload      []byte
	receiveCount int
	visibleAt    time.Time
}

// InMemoryBroker a single-process Broker with the same visibility,
// redelivery, and dead-letter contract as the durable production backend.
// Used for deterministic tests of redelivery and dead-lettering without a
// live broker, and for single-node development.
type InMemoryBroker struct {
	common.Component
	topic      string
	maxReceive int
	lock       *sync.Mutex
	closed     bool
	queue      []*memoryMessage
	seen       map[string]bool
	deadLetter []*memoryMessage
	report     *metrics.DeliveryMetrics
}

// GetInMemoryBroker define a new InMemoryBroker serving one topic / queue
// pair. maxReceive is the receive count past which a message dead-letters.
func GetInMemoryBroker(
	topic string, maxReceive int, report *metrics.DeliveryMetrics,
) (*InMemoryBroker, error) {
	if maxReceive < 1 {
		return nil, fmt.Errorf("max receive count must be at least 1")
	}
	logTags := log.Fields{
		"module": "broker", "component": "in-memory-broker", "topic": topic,
	}
	return &InMemoryBroker{
		Component:  common.Component{LogTags: logTags},
		topic:      topic,
		maxReceive: maxReceive,
		lock:       &sync.Mutex{},
		queue:      make([]*memoryMessage, 0),
		seen:       make(map[string]bool),
		deadLetter: make([]*memoryMessage, 0),
		report:     report,
	}, nil
}

// Publish publish a payload on a topic under an idempotency message ID.
// A message ID already accepted within the broker's retention is dropped,
// matching the production backend's publish-time deduplication.
func (b *InMemoryBroker) Publish(
	ctxt context.Context, topic string, messageID string, payload []byte,
) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return fmt.Errorf("broker is closed")
	}
	if topic != b.topic {
		return fmt.Errorf("unknown topic %s", topic)
	}
	if messageID == "" {
		messageID = uuid.New().String()
	}
	if b.seen[messageID] {
		log.WithFields(b.LogTags).Debugf("Dropped duplicate publish %s", messageID)
		return nil
	}
	b.seen[messageID] = true
	held := make([]byte, len(payload))
	copy(held, payload)
	b.queue = append(b.queue, &memoryMessage{id: messageID, payload: held})
	log.WithFields(b.LogTags).Debugf("Queued %s", messageID)
	return nil
}

// Receive pull up to maxBatch visible messages. A message whose receive
// count already reached the limit moves to the dead-letter path instead of
// being delivered again.
func (b *InMemoryBroker) Receive(
	ctxt context.Context, maxBatch int, visibilityTimeout time.Duration,
) ([]QueueMessage, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return nil, fmt.Errorf("broker is closed")
	}
	now := time.Now()
	result := make([]QueueMessage, 0, maxBatch)
	remaining := make([]*memoryMessage, 0, len(b.queue))
	for _, entry := range b.queue {
		if len(result) == maxBatch || entry.visibleAt.After(now) {
			remaining = append(remaining, entry)
			continue
		}
		if entry.receiveCount >= b.maxReceive {
			b.deadLetter = append(b.deadLetter, entry)
			b.report.DeadLettered(ctxt)
			log.WithFields(b.LogTags).Warnf("Dead-lettered %s after %d receives",
				entry.id, entry.receiveCount)
			continue
		}
		entry.receiveCount++
		entry.visibleAt = now.Add(visibilityTimeout)
		remaining = append(remaining, entry)
		result = append(result, QueueMessage{
			ID:                 entry.id,
			Data:               entry.payload,
			Attempt:            entry.receiveCount,
			VisibilityDeadline: entry.visibleAt,
			Token:              entry,
		})
	}
	b.queue = remaining
	return result, nil
}

// Acknowledge mark a message as processed, removing it from the queue
func (b *InMemoryBroker) Acknowledge(ctxt context.Context, msg QueueMessage) error {
	entry, err := b.tokenOf(msg)
	if err != nil {
		return err
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	for idx, queued := range b.queue {
		if queued == entry {
			b.queue = append(b.queue[:idx], b.queue[idx+1:]...)
			log.WithFields(b.LogTags).Debugf("Acknowledged %s", msg.ID)
			return nil
		}
	}
	return fmt.Errorf("message %s not in flight", msg.ID)
}

// ExtendVisibility push out the visibility deadline of an in-flight message
func (b *InMemoryBroker) ExtendVisibility(
	ctxt context.Context, msg QueueMessage, duration time.Duration,
) error {
	entry, err := b.tokenOf(msg)
	if err != nil {
		return err
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	entry.visibleAt = time.Now().Add(duration)
	log.WithFields(b.LogTags).Debugf("Extended visibility of %s by %s", msg.ID, duration)
	return nil
}

// NegativeAcknowledge return a message to the queue for redelivery after
// the nack delay
func (b *InMemoryBroker) NegativeAcknowledge(ctxt context.Context, msg QueueMessage) error {
	entry, err := b.tokenOf(msg)
	if err != nil {
		return err
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	entry.visibleAt = time.Now().Add(nackRedeliveryDelay)
	log.WithFields(b.LogTags).Debugf("Negatively acknowledged %s", msg.ID)
	return nil
}

// Close release broker resources
func (b *InMemoryBroker) Close(ctxt context.Context) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.closed = true
	log.WithFields(b.LogTags).Info("Closed in-memory broker")
	return nil
}

// DeadLetters the messages currently on the dead-letter path. Reprocessing
// them is out-of-band; this accessor exists for tests and inspection.
func (b *InMemoryBroker) DeadLetters() []QueueMessage {
	b.lock.Lock()
	defer b.lock.Unlock()
	result := make([]QueueMessage, 0, len(b.deadLetter))
	for _, entry := range b.deadLetter {
		result = append(result, QueueMessage{
			ID: entry.id, Data: entry.payload, Attempt: entry.receiveCount,
		})
	}
	return result
}

// QueueDepth the number of messages still on the main queue
func (b *InMemoryBroker) QueueDepth() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.queue)
}

func (b *InMemoryBroker) tokenOf(msg QueueMessage) (*memoryMessage, error) {
	entry, ok := msg.Token.(*memoryMessage)
	if !ok {
		return nil, fmt.Errorf("message %s token not owned by this broker", msg.ID)
	}
	return entry, nil
}
