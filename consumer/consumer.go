// Copyright 2025-2026 The jobrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package consumer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spryce/jobrelay/broker"
	"github.com/spryce/jobrelay/common"
	"github.com/spryce/jobrelay/dedup"
	"github.com/spryce/jobrelay/dispatch"
	"github.com/spryce/jobrelay/event"
	"github.com/spryce/jobrelay/metrics"
)

// idleReceiveWait pause between receive attempts when the queue is empty
const idleReceiveWait = time.Millisecond * 50

// settlementTimeout deadline for recording and acknowledging one message.
// Settlement runs on its own deadline; a dispatch that ran its timeout out
// must still be able to record and ack, or the broker redelivers a message
// the dedup check cannot absorb.
const settlementTimeout = time.Second * 5

// QueueConsumer pulls completion events off the durable queue and drives
// them through dedup and dispatch, acknowledging only after the delivery
// effect is recorded.
type QueueConsumer interface {
	// Start launch the consumer worker pool
	Start(wg *sync.WaitGroup) error
	// Stop halt the workers, allowing in-flight messages the shutdown grace
	// period to finish. Unfinished messages are returned to the queue.
	Stop(ctxt context.Context) error
}

// QueueConsumerParams parameters for defining a QueueConsumer
type QueueConsumerParams struct {
	// Queue the durable broker to receive from
	Queue broker.Broker
	// Deliveries the effectively-once delivery store
	Deliveries dedup.DeliveryStore
	// Dispatcher the notification dispatcher
	Dispatcher dispatch.NotificationDispatcher
	// Workers number of independent receive loops
	Workers int `validate:"gte=1"`
	// BatchSize max messages fetched per receive
	BatchSize int `validate:"gte=1"`
	// VisibilityTimeout how long a received message stays invisible
	VisibilityTimeout time.Duration
	// DispatchTimeout max duration of one dispatch attempt
	DispatchTimeout time.Duration
	// ShutdownGrace max time to finish in-flight messages on stop
	ShutdownGrace time.Duration
	// Report delivery pipeline metrics
	Report *metrics.DeliveryMetrics
}

// queueConsumerImpl implements QueueConsumer
type queueConsumerImpl struct {
	common.Component
	params      QueueConsumerParams
	validate    *validator.Validate
	rootCtxt    context.Context
	stopWorkers context.CancelFunc
	inflight    sync.WaitGroup
	started     bool
	startLock   sync.Mutex
}

// GetQueueConsumer define a new QueueConsumer
func GetQueueConsumer(
	rootCtxt context.Context, params QueueConsumerParams,
) (QueueConsumer, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	workerCtxt, cancel := context.WithCancel(rootCtxt)
	logTags := log.Fields{
		"module": "consumer", "component": "queue-consumer",
	}
	return &queueConsumerImpl{
		Component:   common.Component{LogTags: logTags},
		params:      params,
		validate:    validate,
		rootCtxt:    workerCtxt,
		stopWorkers: cancel,
	}, nil
}

// Start launch the consumer worker pool
func (c *queueConsumerImpl) Start(wg *sync.WaitGroup) error {
	c.startLock.Lock()
	defer c.startLock.Unlock()
	if c.started {
		return errors.New("consumer already started")
	}
	c.started = true
	for worker := 0; worker < c.params.Workers; worker++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			c.receiveLoop(workerID)
		}(worker)
	}
	log.WithFields(c.LogTags).Infof("Started %d consumer workers", c.params.Workers)
	return nil
}

// Stop halt the workers. The worker context is cancelled, which aborts the
// blocking receive; in-flight messages get the shutdown grace to finish.
func (c *queueConsumerImpl) Stop(ctxt context.Context) error {
	c.stopWorkers()
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.WithFields(c.LogTags).Info("All in-flight messages settled")
		return nil
	case <-time.After(c.params.ShutdownGrace):
		log.WithFields(c.LogTags).Warn("Shutdown grace expired with messages in flight")
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// receiveLoop one worker's pull-then-dispatch loop
func (c *queueConsumerImpl) receiveLoop(workerID int) {
	logTags := log.Fields{}
	for key, value := range c.LogTags {
		logTags[key] = value
	}
	logTags["worker"] = workerID

	for {
		if c.rootCtxt.Err() != nil {
			log.WithFields(logTags).Info("Receive loop exiting")
			return
		}
		batch, err := c.params.Queue.Receive(
			c.rootCtxt, c.params.BatchSize, c.params.VisibilityTimeout,
		)
		if err != nil {
			if c.rootCtxt.Err() != nil {
				log.WithFields(logTags).Info("Receive loop exiting")
				return
			}
			log.WithError(err).WithFields(logTags).Error("Receive failed")
			time.Sleep(time.Second)
			continue
		}
		if len(batch) == 0 {
			// Not all backends block on an empty fetch
			select {
			case <-c.rootCtxt.Done():
			case <-time.After(idleReceiveWait):
			}
			continue
		}
		c.params.Report.Received(c.rootCtxt, len(batch))
		for _, msg := range batch {
			c.inflight.Add(1)
			c.processMessage(logTags, msg)
			c.inflight.Done()
		}
	}
}

// processMessage settle exactly one received message. Every path ends in an
// ack or a nack; the dedup record is written before the ack so a crash in
// between redelivers a message the dedup check then absorbs.
func (c *queueConsumerImpl) processMessage(logTags log.Fields, msg broker.QueueMessage) {
	// Dispatch must survive worker context cancellation
	dispatchCtxt, cancel := context.WithTimeout(context.Background(), c.params.DispatchTimeout)
	defer cancel()

	completion, err := event.ParseCompletionEvent(msg.Data, c.validate)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Rejecting %s", msg.String())
		c.settleNack(logTags, msg)
		return
	}
	completion.Attempt = msg.Attempt

	delivered, err := c.params.Deliveries.IsDelivered(dispatchCtxt, msg.ID)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Dedup check failed for %s", msg.String())
		c.settleNack(logTags, msg)
		return
	}
	if delivered {
		log.WithFields(logTags).Debugf("Duplicate %s, acknowledging", msg.String())
		c.params.Report.Deduplicated(dispatchCtxt)
		c.settleAck(logTags, msg)
		return
	}

	// Keep the message invisible while a slow dispatch is still in flight
	extendStop := make(chan struct{})
	extendDone := make(chan struct{})
	go func() {
		defer close(extendDone)
		ticker := time.NewTicker(c.params.VisibilityTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-extendStop:
				return
			case <-ticker.C:
				if err := c.params.Queue.ExtendVisibility(
					dispatchCtxt, msg, c.params.VisibilityTimeout,
				); err != nil {
					log.WithError(err).WithFields(logTags).Warnf(
						"Visibility extension failed for %s", msg.String(),
					)
				}
			}
		}
	}()

	outcome, dispatchErr := c.params.Dispatcher.Dispatch(dispatchCtxt, completion, msg.ID)
	close(extendStop)
	<-extendDone

	if dispatchErr != nil {
		log.WithError(dispatchErr).WithFields(logTags).Errorf(
			"Dispatch failed for %s", msg.String(),
		)
		c.settleNack(logTags, msg)
		return
	}

	// A dispatch that succeeded right at its deadline left dispatchCtxt
	// expired; record and ack on their own deadline
	settleCtxt, settleCancel := context.WithTimeout(context.Background(), settlementTimeout)
	defer settleCancel()
	record := dedup.DeliveryRecord{
		MessageID:        msg.ID,
		DeliveredAt:      time.Now(),
		TargetSessionIDs: outcome.Delivered,
	}
	if err := c.params.Deliveries.RecordDelivery(settleCtxt, record); err != nil {
		// The push already happened; acking anyway trades a possible
		// duplicate notification for not redelivering indefinitely
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to record delivery of %s", msg.String(),
		)
	}
	if ackErr := c.params.Queue.Acknowledge(settleCtxt, msg); ackErr != nil {
		log.WithError(ackErr).WithFields(logTags).Errorf("ACK failed for %s", msg.String())
	}
}

// settleAck acknowledge a message on a fresh settlement deadline
func (c *queueConsumerImpl) settleAck(logTags log.Fields, msg broker.QueueMessage) {
	ctxt, cancel := context.WithTimeout(context.Background(), settlementTimeout)
	defer cancel()
	if err := c.params.Queue.Acknowledge(ctxt, msg); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("ACK failed for %s", msg.String())
	}
}

// settleNack return a message to the queue on a fresh settlement deadline
func (c *queueConsumerImpl) settleNack(logTags log.Fields, msg broker.QueueMessage) {
	ctxt, cancel := context.WithTimeout(context.Background(), settlementTimeout)
	defer cancel()
	if err := c.params.Queue.NegativeAcknowledge(ctxt, msg); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NACK failed for %s", msg.String())
	}
}
