package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/nats-io/nats.go"
	"github.com/spryce/jobrelay/common"
	"github.com/spryce/jobrelay/core"
)

// JetStreamBrokerParams parameters for binding against a JetStream stream
type JetStreamBrokerParams struct {
	// Stream the durable stream backing the topic
	Stream string `validate:"required"`
	// Topic the subject completion events are published on
	Topic string `validate:"required"`
	// Queue the durable pull consumer this node receives through
	Queue string `validate:"required"`
	// MaxReceive max deliveries before JetStream stops redelivering. The
	// dead-letter path is the stream's MAX_DELIVERIES advisory subject.
	MaxReceive int `validate:"gte=1"`
	// VisibilityTimeout the consumer AckWait. JetStream fixes the visibility
	// window per consumer, so the per-receive parameter cannot vary here.
	VisibilityTimeout time.Duration
}

// jetStreamBroker implements Broker against NATS JetStream. Receive maps to
// pull-consumer fetch, visibility to AckWait, extension to in-progress
// notices, and the dead-letter bound to MaxDeliver.
type jetStreamBroker struct {
	common.Component
	nats    *core.NatsClient
	params  JetStreamBrokerParams
	subLock *sync.Mutex
	sub     *nats.Subscription
}

// GetJetStreamBroker define a Broker backed by a JetStream pull consumer.
// The consumer binding is deferred until the first Receive, so a
// publish-only holder never registers as a receiver.
func GetJetStreamBroker(
	natsClient *core.NatsClient, params JetStreamBrokerParams,
) (Broker, error) {
	logTags := log.Fields{
		"module":    "broker",
		"component": "jetstream-broker",
		"stream":    params.Stream,
		"topic":     params.Topic,
		"queue":     params.Queue,
	}
	return &jetStreamBroker{
		Component: common.Component{LogTags: logTags},
		nats:      natsClient,
		params:    params,
		subLock:   &sync.Mutex{},
	}, nil
}

// ensureSubscription bind the durable pull consumer on first use
func (b *jetStreamBroker) ensureSubscription() (*nats.Subscription, error) {
	b.subLock.Lock()
	defer b.subLock.Unlock()
	if b.sub != nil {
		return b.sub, nil
	}
	sub, err := b.nats.JetStream().PullSubscribe(
		b.params.Topic,
		b.params.Queue,
		nats.BindStream(b.params.Stream),
		nats.AckWait(b.params.VisibilityTimeout),
		nats.MaxDeliver(b.params.MaxReceive),
		nats.ManualAck(),
	)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Unable to define pull consumer")
		return nil, err
	}
	log.WithFields(b.LogTags).Info("Bound JetStream pull consumer")
	b.sub = sub
	return sub, nil
}

// Publish publish a payload on a topic under an idempotency message ID.
// The message ID doubles as the JetStream publish deduplication key.
func (b *jetStreamBroker) Publish(
	ctxt context.Context, topic string, messageID string, payload []byte,
) error {
	localLogTags, err := common.UpdateLogTags(ctxt, b.LogTags)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Failed to update logtags")
		return err
	}
	ack, err := b.nats.JetStream().PublishAsync(topic, payload, nats.MsgId(messageID))
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to send message")
		return err
	}
	// Wait for success, failure, or timeout
	select {
	case goodSig, ok := <-ack.Ok():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture OK channel failure")
			log.WithError(err).WithFields(localLogTags).Errorf("Message send failure")
			return err
		}
		log.WithFields(localLogTags).Debugf(
			"Sent [%d] to %s/%s", goodSig.Sequence, goodSig.Stream, topic,
		)
		return nil
	case txErr, ok := <-ack.Err():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture error channel failure")
			log.WithError(err).WithFields(localLogTags).Errorf("Message send failure")
			return err
		}
		return txErr
	case <-ctxt.Done():
		err := ctxt.Err()
		log.WithError(err).WithFields(localLogTags).Errorf("Message send timed out")
		return err
	}
}

// Receive pull up to maxBatch messages through the pull consumer. The
// visibility window is the consumer AckWait set at bind time; the parameter
// is checked for agreement rather than applied per call.
func (b *jetStreamBroker) Receive(
	ctxt context.Context, maxBatch int, visibilityTimeout time.Duration,
) ([]QueueMessage, error) {
	if visibilityTimeout != b.params.VisibilityTimeout {
		return nil, fmt.Errorf(
			"consumer visibility fixed at %s, cannot receive with %s",
			b.params.VisibilityTimeout, visibilityTimeout,
		)
	}
	sub, err := b.ensureSubscription()
	if err != nil {
		return nil, err
	}
	msgs, err := sub.Fetch(maxBatch, nats.Context(ctxt))
	if err != nil {
		// An empty fetch window is not an error to the caller
		if errors.Is(err, nats.ErrTimeout) ||
			errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(err, context.Canceled) {
			return nil, nil
		}
		log.WithError(err).WithFields(b.LogTags).Error("Fetch failed")
		return nil, err
	}
	result := make([]QueueMessage, 0, len(msgs))
	deadline := time.Now().Add(b.params.VisibilityTimeout)
	for _, msg := range msgs {
		converted := QueueMessage{
			ID: msg.Header.Get(nats.MsgIdHdr), Data: msg.Data, Attempt: 1,
			VisibilityDeadline: deadline, Token: msg,
		}
		if meta, err := msg.Metadata(); err == nil {
			converted.Attempt = int(meta.NumDelivered)
			if converted.ID == "" {
				converted.ID = fmt.Sprintf("%s:%d", meta.Stream, meta.Sequence.Stream)
			}
		}
		result = append(result, converted)
	}
	return result, nil
}

// Acknowledge mark a message as processed, removing it from the queue
func (b *jetStreamBroker) Acknowledge(ctxt context.Context, msg QueueMessage) error {
	natsMsg, err := b.tokenOf(msg)
	if err != nil {
		return err
	}
	if err := natsMsg.AckSync(nats.Context(ctxt)); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Unable to ACK %s", msg.String())
		return err
	}
	return nil
}

// ExtendVisibility reset the AckWait clock for an in-flight message. The
// extension duration is the consumer AckWait regardless of the parameter.
func (b *jetStreamBroker) ExtendVisibility(
	ctxt context.Context, msg QueueMessage, duration time.Duration,
) error {
	natsMsg, err := b.tokenOf(msg)
	if err != nil {
		return err
	}
	if err := natsMsg.InProgress(nats.Context(ctxt)); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Unable to extend visibility of %s", msg.String(),
		)
		return err
	}
	return nil
}

// NegativeAcknowledge return a message to the queue for redelivery after
// the nack delay
func (b *jetStreamBroker) NegativeAcknowledge(ctxt context.Context, msg QueueMessage) error {
	natsMsg, err := b.tokenOf(msg)
	if err != nil {
		return err
	}
	if err := natsMsg.NakWithDelay(nackRedeliveryDelay, nats.Context(ctxt)); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Unable to NACK %s", msg.String())
		return err
	}
	return nil
}

// Close release the pull consumer binding
func (b *jetStreamBroker) Close(ctxt context.Context) error {
	b.subLock.Lock()
	defer b.subLock.Unlock()
	if b.sub == nil {
		return nil
	}
	if err := b.sub.Drain(); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Drain failed")
		return err
	}
	b.sub = nil
	log.WithFields(b.LogTags).Info("Closed JetStream broker binding")
	return nil
}

func (b *jetStreamBroker) tokenOf(msg QueueMessage) (*nats.Msg, error) {
	natsMsg, ok := msg.Token.(*nats.Msg)
	if !ok {
		return nil, fmt.Errorf("message %s token not owned by this broker", msg.ID)
	}
	return natsMsg, nil
}
