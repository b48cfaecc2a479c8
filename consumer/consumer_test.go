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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/spryce/jobrelay/broker"
	"github.com/spryce/jobrelay/dedup"
	"github.com/spryce/jobrelay/dispatch"
	"github.com/spryce/jobrelay/event"
	"github.com/spryce/jobrelay/registry"
	"github.com/stretchr/testify/assert"
)

// testSessionHandle scripted SessionHandle for consumer tests
type testSessionHandle struct {
	lock    sync.Mutex
	pushed  []event.Notification
	failAll bool
}

func (h *testSessionHandle) Push(ctxt context.Context, notification event.Notification) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.failAll {
		return fmt.Errorf("simulated push failure")
	}
	h.pushed = append(h.pushed, notification)
	return nil
}

func (h *testSessionHandle) Close() error {
	return nil
}

func (h *testSessionHandle) received() []event.Notification {
	h.lock.Lock()
	defer h.lock.Unlock()
	result := make([]event.Notification, len(h.pushed))
	copy(result, h.pushed)
	return result
}

func (h *testSessionHandle) setFailAll(failAll bool) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.failAll = failAll
}

// testPipeline the full delivery pipeline over the in-memory broker
type testPipeline struct {
	topic       string
	queue       *broker.InMemoryBroker
	deliveries  dedup.DeliveryStore
	connections registry.ConnectionRegistry
	dispatcher  dispatch.NotificationDispatcher
	uut         QueueConsumer
}

func defineTestPipeline(
	t *testing.T, utCtxt context.Context, wg *sync.WaitGroup, maxReceive int,
) *testPipeline {
	assert := assert.New(t)

	topic := fmt.Sprintf("ut.%s", uuid.New().String())
	queue, err := broker.GetInMemoryBroker(topic, maxReceive, nil)
	assert.Nil(err)

	deliveries, err := dedup.GetInMemoryDeliveryStore(utCtxt, 4, time.Hour, time.Hour, wg)
	assert.Nil(err)

	connections, err := registry.GetConnectionRegistry(utCtxt, registry.ConnectionRegistryParams{
		Shards:           4,
		HeartbeatTimeout: time.Hour,
		SweepInterval:    time.Hour,
	}, nil, wg)
	assert.Nil(err)

	buffer, err := dispatch.GetOfflineBuffer(utCtxt, dispatch.OfflineBufferParams{
		MaxPerSubject: 8,
		TTL:           time.Hour,
		SweepInterval: time.Hour,
		TaskBuffer:    8,
	}, wg)
	assert.Nil(err)

	dispatcher, err := dispatch.GetNotificationDispatcher(connections, buffer, nil)
	assert.Nil(err)

	uut, err := GetQueueConsumer(utCtxt, QueueConsumerParams{
		Queue:             queue,
		Deliveries:        deliveries,
		Dispatcher:        dispatcher,
		Workers:           2,
		BatchSize:         4,
		VisibilityTimeout: time.Second * 5,
		DispatchTimeout:   time.Second * 2,
		ShutdownGrace:     time.Second * 2,
		Report:            nil,
	})
	assert.Nil(err)

	return &testPipeline{
		topic:       topic,
		queue:       queue,
		deliveries:  deliveries,
		connections: connections,
		dispatcher:  dispatcher,
		uut:         uut,
	}
}

func testCompletionEvent(subjectID string) event.CompletionEvent {
	resultURL := "https://cdn.example.com/" + uuid.New().String()
	width, height := 512, 768
	return event.CompletionEvent{
		JobID:     uuid.New().String(),
		SubjectID: subjectID,
		Status:    event.StatusComplete,
		Payload: event.ResultPayload{
			ResultURL: &resultURL,
			Width:     &width,
			Height:    &height,
			Model:     "sd-xl-1.0",
		},
		CreatedAt: time.Now().Add(-time.Minute),
		UpdatedAt: time.Now(),
	}
}

func publishEvent(
	t *testing.T, utCtxt context.Context, pipeline *testPipeline, completion event.CompletionEvent,
) {
	assert := assert.New(t)
	serialized, err := completion.Serialize()
	assert.Nil(err)
	assert.Nil(pipeline.queue.Publish(
		utCtxt, pipeline.topic, completion.MessageID(), serialized,
	))
}

func TestConsumerDeliversToLiveSession(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	pipeline := defineTestPipeline(t, utCtxt, &wg, 3)
	defer func() {
		assert.Nil(pipeline.connections.Stop())
	}()

	subjectID := uuid.New().String()
	handle := &testSessionHandle{}
	_, err := pipeline.connections.Register(utCtxt, subjectID, uuid.New().String(), handle)
	assert.Nil(err)

	completion := testCompletionEvent(subjectID)
	publishEvent(t, utCtxt, pipeline, completion)

	assert.Nil(pipeline.uut.Start(&wg))
	defer func() {
		stopCtxt, cancel := context.WithTimeout(context.Background(), time.Second*3)
		defer cancel()
		assert.Nil(pipeline.uut.Stop(stopCtxt))
	}()

	// The event reaches the session and settles off the queue
	assert.Eventually(func() bool {
		return len(handle.received()) == 1 && pipeline.queue.QueueDepth() == 0
	}, time.Second*3, time.Millisecond*20)
	received := handle.received()
	assert.Equal(completion.JobID, received[0].JobID)

	// The delivery is recorded for dedup
	delivered, err := pipeline.deliveries.IsDelivered(utCtxt, completion.MessageID())
	assert.Nil(err)
	assert.True(delivered)
}

func TestConsumerAbsorbsDuplicateDelivery(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	pipeline := defineTestPipeline(t, utCtxt, &wg, 3)
	defer func() {
		assert.Nil(pipeline.connections.Stop())
	}()

	subjectID := uuid.New().String()
	handle := &testSessionHandle{}
	_, err := pipeline.connections.Register(utCtxt, subjectID, uuid.New().String(), handle)
	assert.Nil(err)

	// Mark the message as already delivered before the consumer sees it,
	// simulating a crash between delivery and broker acknowledgement
	completion := testCompletionEvent(subjectID)
	assert.Nil(pipeline.deliveries.RecordDelivery(utCtxt, dedup.DeliveryRecord{
		MessageID: completion.MessageID(),
	}))
	publishEvent(t, utCtxt, pipeline, completion)

	assert.Nil(pipeline.uut.Start(&wg))
	defer func() {
		stopCtxt, cancel := context.WithTimeout(context.Background(), time.Second*3)
		defer cancel()
		assert.Nil(pipeline.uut.Stop(stopCtxt))
	}()

	// The duplicate settles off the queue without a second notification
	assert.Eventually(func() bool {
		return pipeline.queue.QueueDepth() == 0
	}, time.Second*3, time.Millisecond*20)
	assert.Empty(handle.received())
}

func TestConsumerBuffersForOfflineSubject(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	pipeline := defineTestPipeline(t, utCtxt, &wg, 3)
	defer func() {
		assert.Nil(pipeline.connections.Stop())
	}()

	subjectID := uuid.New().String()
	completion := testCompletionEvent(subjectID)
	publishEvent(t, utCtxt, pipeline, completion)

	assert.Nil(pipeline.uut.Start(&wg))
	defer func() {
		stopCtxt, cancel := context.WithTimeout(context.Background(), time.Second*3)
		defer cancel()
		assert.Nil(pipeline.uut.Stop(stopCtxt))
	}()

	// Buffered for later catch-up still settles the queue message
	assert.Eventually(func() bool {
		return pipeline.queue.QueueDepth() == 0
	}, time.Second*3, time.Millisecond*20)

	// A late session receives the buffered notification
	handle := &testSessionHandle{}
	registered, err := pipeline.connections.Register(
		utCtxt, subjectID, uuid.New().String(), handle,
	)
	assert.Nil(err)
	offered, err := pipeline.dispatcher.OfferBuffered(utCtxt, registered)
	assert.Nil(err)
	assert.Equal(1, offered)
	received := handle.received()
	assert.Len(received, 1)
	assert.Equal(completion.JobID, received[0].JobID)
}

func TestConsumerDeadLettersMalformedMessage(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	pipeline := defineTestPipeline(t, utCtxt, &wg, 2)
	defer func() {
		assert.Nil(pipeline.connections.Stop())
	}()

	msgID := uuid.New().String()
	assert.Nil(pipeline.queue.Publish(
		utCtxt, pipeline.topic, msgID, []byte("not a completion event"),
	))

	assert.Nil(pipeline.uut.Start(&wg))
	defer func() {
		stopCtxt, cancel := context.WithTimeout(context.Background(), time.Second*3)
		defer cancel()
		assert.Nil(pipeline.uut.Stop(stopCtxt))
	}()

	// Rejected on every receive, the message exhausts its receive limit
	assert.Eventually(func() bool {
		return len(pipeline.queue.DeadLetters()) == 1
	}, time.Second*3, time.Millisecond*20)
	assert.Equal(msgID, pipeline.queue.DeadLetters()[0].ID)
	assert.Equal(0, pipeline.queue.QueueDepth())

	// A dead-lettered message never produced a delivery record
	delivered, err := pipeline.deliveries.IsDelivered(utCtxt, msgID)
	assert.Nil(err)
	assert.False(delivered)
}

func TestConsumerDeadLettersPersistentDispatchFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	pipeline := defineTestPipeline(t, utCtxt, &wg, 3)
	defer func() {
		assert.Nil(pipeline.connections.Stop())
	}()

	// The session never heals, so every dispatch attempt fails
	subjectID := uuid.New().String()
	handle := &testSessionHandle{failAll: true}
	_, err := pipeline.connections.Register(utCtxt, subjectID, uuid.New().String(), handle)
	assert.Nil(err)

	completion := testCompletionEvent(subjectID)
	publishEvent(t, utCtxt, pipeline, completion)

	assert.Nil(pipeline.uut.Start(&wg))
	defer func() {
		stopCtxt, cancel := context.WithTimeout(context.Background(), time.Second*3)
		defer cancel()
		assert.Nil(pipeline.uut.Stop(stopCtxt))
	}()

	// The receive limit runs out and the message lands in the dead-letter
	// queue instead of redelivering forever
	assert.Eventually(func() bool {
		return len(pipeline.queue.DeadLetters()) == 1
	}, time.Second*3, time.Millisecond*20)
	assert.Equal(completion.MessageID(), pipeline.queue.DeadLetters()[0].ID)
	assert.Equal(0, pipeline.queue.QueueDepth())
	assert.Empty(handle.received())

	// An undelivered message leaves no delivery record
	delivered, err := pipeline.deliveries.IsDelivered(utCtxt, completion.MessageID())
	assert.Nil(err)
	assert.False(delivered)
}

func TestConsumerRetriesTransientDispatchFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	pipeline := defineTestPipeline(t, utCtxt, &wg, 5)
	defer func() {
		assert.Nil(pipeline.connections.Stop())
	}()

	subjectID := uuid.New().String()
	handle := &testSessionHandle{failAll: true}
	_, err := pipeline.connections.Register(utCtxt, subjectID, uuid.New().String(), handle)
	assert.Nil(err)

	completion := testCompletionEvent(subjectID)
	publishEvent(t, utCtxt, pipeline, completion)

	assert.Nil(pipeline.uut.Start(&wg))
	defer func() {
		stopCtxt, cancel := context.WithTimeout(context.Background(), time.Second*3)
		defer cancel()
		assert.Nil(pipeline.uut.Stop(stopCtxt))
	}()

	// Let at least one failed attempt happen, then heal the session
	time.Sleep(time.Millisecond * 200)
	assert.Empty(handle.received())
	handle.setFailAll(false)

	// Redelivery gets the notification through exactly once
	assert.Eventually(func() bool {
		return len(handle.received()) == 1 && pipeline.queue.QueueDepth() == 0
	}, time.Second*4, time.Millisecond*20)
	delivered, err := pipeline.deliveries.IsDelivered(utCtxt, completion.MessageID())
	assert.Nil(err)
	assert.True(delivered)
}

// deadlineCheckedQueue settlement calls observe context expiry the way the
// JetStream backend does
type deadlineCheckedQueue struct {
	*broker.InMemoryBroker
}

func (q *deadlineCheckedQueue) Acknowledge(ctxt context.Context, msg broker.QueueMessage) error {
	if err := ctxt.Err(); err != nil {
		return err
	}
	return q.InMemoryBroker.Acknowledge(ctxt, msg)
}

func (q *deadlineCheckedQueue) NegativeAcknowledge(
	ctxt context.Context, msg broker.QueueMessage,
) error {
	if err := ctxt.Err(); err != nil {
		return err
	}
	return q.InMemoryBroker.NegativeAcknowledge(ctxt, msg)
}

// deadlineCheckedStore record calls observe context expiry the way the
// sqlite backend does
type deadlineCheckedStore struct {
	dedup.DeliveryStore
}

func (s *deadlineCheckedStore) RecordDelivery(
	ctxt context.Context, record dedup.DeliveryRecord,
) error {
	if err := ctxt.Err(); err != nil {
		return err
	}
	return s.DeliveryStore.RecordDelivery(ctxt, record)
}

// deadlineExhaustingDispatcher pushes normally, then holds the result until
// the dispatch context has fully run out
type deadlineExhaustingDispatcher struct {
	inner dispatch.NotificationDispatcher
}

func (d *deadlineExhaustingDispatcher) Dispatch(
	ctxt context.Context, completion event.CompletionEvent, messageID string,
) (dispatch.DeliveryOutcome, error) {
	outcome, err := d.inner.Dispatch(ctxt, completion, messageID)
	<-ctxt.Done()
	return outcome, err
}

func (d *deadlineExhaustingDispatcher) OfferBuffered(
	ctxt context.Context, session registry.ClientSession,
) (int, error) {
	return d.inner.OfferBuffered(ctxt, session)
}

func TestConsumerSettlesAfterDispatchDeadlineExhausted(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	topic := fmt.Sprintf("ut.%s", uuid.New().String())
	memQueue, err := broker.GetInMemoryBroker(topic, 3, nil)
	assert.Nil(err)
	queue := &deadlineCheckedQueue{InMemoryBroker: memQueue}

	memStore, err := dedup.GetInMemoryDeliveryStore(utCtxt, 4, time.Hour, time.Hour, &wg)
	assert.Nil(err)
	deliveries := &deadlineCheckedStore{DeliveryStore: memStore}

	connections, err := registry.GetConnectionRegistry(utCtxt, registry.ConnectionRegistryParams{
		Shards:           4,
		HeartbeatTimeout: time.Hour,
		SweepInterval:    time.Hour,
	}, nil, &wg)
	assert.Nil(err)
	defer func() {
		assert.Nil(connections.Stop())
	}()

	buffer, err := dispatch.GetOfflineBuffer(utCtxt, dispatch.OfflineBufferParams{
		MaxPerSubject: 8,
		TTL:           time.Hour,
		SweepInterval: time.Hour,
		TaskBuffer:    8,
	}, &wg)
	assert.Nil(err)
	inner, err := dispatch.GetNotificationDispatcher(connections, buffer, nil)
	assert.Nil(err)

	subjectID := uuid.New().String()
	handle := &testSessionHandle{}
	_, err = connections.Register(utCtxt, subjectID, uuid.New().String(), handle)
	assert.Nil(err)

	uut, err := GetQueueConsumer(utCtxt, QueueConsumerParams{
		Queue:             queue,
		Deliveries:        deliveries,
		Dispatcher:        &deadlineExhaustingDispatcher{inner: inner},
		Workers:           1,
		BatchSize:         4,
		VisibilityTimeout: time.Second * 5,
		DispatchTimeout:   time.Millisecond * 100,
		ShutdownGrace:     time.Second * 2,
		Report:            nil,
	})
	assert.Nil(err)

	completion := testCompletionEvent(subjectID)
	serialized, err := completion.Serialize()
	assert.Nil(err)
	assert.Nil(memQueue.Publish(utCtxt, topic, completion.MessageID(), serialized))

	assert.Nil(uut.Start(&wg))
	defer func() {
		stopCtxt, cancel := context.WithTimeout(context.Background(), time.Second*3)
		defer cancel()
		assert.Nil(uut.Stop(stopCtxt))
	}()

	// The delivery records and the message settles even though the dispatch
	// handed back an already-expired context
	assert.Eventually(func() bool {
		return memQueue.QueueDepth() == 0 && len(handle.received()) == 1
	}, time.Second*3, time.Millisecond*20)
	delivered, err := deliveries.IsDelivered(utCtxt, completion.MessageID())
	assert.Nil(err)
	assert.True(delivered)
	assert.Empty(memQueue.DeadLetters())

	// No redelivery follows, so the notification stays single
	time.Sleep(time.Millisecond * 300)
	assert.Len(handle.received(), 1)
}
