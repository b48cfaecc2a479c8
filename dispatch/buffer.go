package dispatch

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spryce/jobrelay/common"
	"github.com/spryce/jobrelay/event"
)

// BufferedEvent one completion event held for an offline subject
type BufferedEvent struct {
	// Event the held completion event
	Event event.CompletionEvent
	// MessageID the broker message ID the event arrived under
	MessageID string
	// ExpiresAt when the event stops being eligible for catch-up
	ExpiresAt time.Time
}

// OfflineBuffer bounded, subject-keyed holding area for events that arrive
// while a subject has no live session. Entries past their TTL are dropped;
// this is best-effort catch-up, not durability. Durability lives in the
// broker and the external status store.
type OfflineBuffer interface {
	// Hold buffer an event for an offline subject. The entry expiry is
	// stamped here from the buffer's TTL.
	Hold(
		ctxt context.Context, subjectID string, completion event.CompletionEvent, messageID string,
	) error
	// TakeAll remove and return all unexpired events for a subject, oldest first
	TakeAll(ctxt context.Context, subjectID string) ([]BufferedEvent, error)
}

// offlineBufferImpl implements OfflineBuffer. All mutations run on a single
// task processor event loop, so per-subject queues need no extra locking.
type offlineBufferImpl struct {
	common.Component
	tp            common.TaskProcessor
	maxPerSubject int
	ttl           time.Duration
	perSubject    map[string][]BufferedEvent
	sweep         common.IntervalTimer
}

// OfflineBufferParams parameters for defining an OfflineBuffer
type OfflineBufferParams struct {
	// MaxPerSubject max buffered events held per subject
	MaxPerSubject int `validate:"gte=1"`
	// TTL how long a buffered event stays eligible for catch-up
	TTL time.Duration `validate:"gt=0"`
	// SweepInterval interval between expired entry sweeps
	SweepInterval time.Duration `validate:"gt=0"`
	// TaskBuffer depth of the buffer's task queue
	TaskBuffer int `validate:"gte=1"`
}

// GetOfflineBuffer define a new OfflineBuffer
func GetOfflineBuffer(
	rootCtxt context.Context, params OfflineBufferParams, wg *sync.WaitGroup,
) (OfflineBuffer, error) {
	if err := validator.New().Struct(&params); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "dispatch", "component": "offline-buffer",
	}
	tp, err := common.GetNewTaskProcessorInstance("offline-buffer", params.TaskBuffer, rootCtxt)
	if err != nil {
		return nil, err
	}
	instance := &offlineBufferImpl{
		Component:     common.Component{LogTags: logTags},
		tp:            tp,
		maxPerSubject: params.MaxPerSubject,
		ttl:           params.TTL,
		perSubject:    make(map[string][]BufferedEvent),
	}
	// Add handlers
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(bufferHoldRequest{}), instance.processHoldRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(bufferTakeAllRequest{}), instance.processTakeAllRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(bufferSweepRequest{}), instance.processSweepRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.StartEventLoop(wg); err != nil {
		return nil, err
	}
	sweep, err := common.GetIntervalTimerInstance("buffer-sweep", rootCtxt, wg)
	if err != nil {
		return nil, err
	}
	instance.sweep = sweep
	if err := sweep.Start(params.SweepInterval, func() error {
		return tp.Submit(bufferSweepRequest{}, context.Background())
	}); err != nil {
		return nil, err
	}
	return instance, nil
}

// =========================================================================

type bufferHoldRequest struct {
	subjectID string
	entry     BufferedEvent
	resultCB  func(err error)
}

// Hold buffer an event for an offline subject
func (b *offlineBufferImpl) Hold(
	ctxt context.Context, subjectID string, completion event.CompletionEvent, messageID string,
) error {
	resultChan := make(chan error)
	handler := func(err error) {
		resultChan <- err
	}

	entry := BufferedEvent{
		Event:     completion,
		MessageID: messageID,
		ExpiresAt: time.Now().Add(b.ttl),
	}
	request := bufferHoldRequest{subjectID: subjectID, entry: entry, resultCB: handler}
	if err := b.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Failed to submit hold for %s", entry.Event.String(),
		)
		return err
	}

	select {
	case result, ok := <-resultChan:
		if !ok {
			return fmt.Errorf("response to hold request is invalid")
		}
		return result
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// processHoldRequest support TaskProcessor, handle bufferHoldRequest
func (b *offlineBufferImpl) processHoldRequest(param interface{}) error {
	request, ok := param.(bufferHoldRequest)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for hold request", reflect.TypeOf(param),
		)
	}
	err := b.ProcessHoldRequest(request.subjectID, request.entry)
	request.resultCB(err)
	return err
}

// ProcessHoldRequest buffer an event for an offline subject. When the
// subject's queue is full the oldest entry is dropped to make room.
func (b *offlineBufferImpl) ProcessHoldRequest(subjectID string, entry BufferedEvent) error {
	queue := b.perSubject[subjectID]
	if len(queue) >= b.maxPerSubject {
		dropped := queue[0]
		queue = queue[1:]
		log.WithFields(b.LogTags).Warnf(
			"Buffer full for %s, dropped %s", subjectID, dropped.Event.String(),
		)
	}
	b.perSubject[subjectID] = append(queue, entry)
	log.WithFields(b.LogTags).Debugf("Buffered %s for %s", entry.Event.String(), subjectID)
	return nil
}

// =========================================================================

type bufferTakeAllRequest struct {
	subjectID string
	resultCB  func(entries []BufferedEvent, err error)
}

// TakeAll remove and return all unexpired events for a subject, oldest first
func (b *offlineBufferImpl) TakeAll(
	ctxt context.Context, subjectID string,
) ([]BufferedEvent, error) {
	type takeResult struct {
		entries []BufferedEvent
		err     error
	}
	resultChan := make(chan takeResult)
	handler := func(entries []BufferedEvent, err error) {
		resultChan <- takeResult{entries: entries, err: err}
	}

	request := bufferTakeAllRequest{subjectID: subjectID, resultCB: handler}
	if err := b.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Failed to submit take-all for %s", subjectID,
		)
		return nil, err
	}

	select {
	case result, ok := <-resultChan:
		if !ok {
			return nil, fmt.Errorf("response to take-all request is invalid")
		}
		return result.entries, result.err
	case <-ctxt.Done():
		return nil, ctxt.Err()
	}
}

// processTakeAllRequest support TaskProcessor, handle bufferTakeAllRequest
func (b *offlineBufferImpl) processTakeAllRequest(param interface{}) error {
	request, ok := param.(bufferTakeAllRequest)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for take-all request", reflect.TypeOf(param),
		)
	}
	entries := b.ProcessTakeAllRequest(request.subjectID)
	request.resultCB(entries, nil)
	return nil
}

// ProcessTakeAllRequest remove and return unexpired events for a subject
func (b *offlineBufferImpl) ProcessTakeAllRequest(subjectID string) []BufferedEvent {
	queue, ok := b.perSubject[subjectID]
	if !ok {
		return nil
	}
	delete(b.perSubject, subjectID)
	now := time.Now()
	result := make([]BufferedEvent, 0, len(queue))
	for _, entry := range queue {
		if entry.ExpiresAt.Before(now) {
			log.WithFields(b.LogTags).Infof(
				"Discarded expired buffered %s for %s", entry.Event.String(), subjectID,
			)
			continue
		}
		result = append(result, entry)
	}
	return result
}

// =========================================================================

type bufferSweepRequest struct{}

// processSweepRequest support TaskProcessor, handle bufferSweepRequest
func (b *offlineBufferImpl) processSweepRequest(param interface{}) error {
	if _, ok := param.(bufferSweepRequest); !ok {
		return fmt.Errorf(
			"can not process unknown type %s for sweep request", reflect.TypeOf(param),
		)
	}
	now := time.Now()
	for subjectID, queue := range b.perSubject {
		remaining := make([]BufferedEvent, 0, len(queue))
		for _, entry := range queue {
			if entry.ExpiresAt.Before(now) {
				log.WithFields(b.LogTags).Infof(
					"Discarded expired buffered %s for %s", entry.Event.String(), subjectID,
				)
				continue
			}
			remaining = append(remaining, entry)
		}
		if len(remaining) == 0 {
			delete(b.perSubject, subjectID)
		} else {
			b.perSubject[subjectID] = remaining
		}
	}
	return nil
}
