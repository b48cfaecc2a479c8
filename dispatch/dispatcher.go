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

package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/apex/log"
	"github.com/spryce/jobrelay/common"
	"github.com/spryce/jobrelay/event"
	"github.com/spryce/jobrelay/metrics"
	"github.com/spryce/jobrelay/registry"
)

// DeliveryOutcome result of dispatching one completion event
type DeliveryOutcome struct {
	// Delivered session IDs the notification reached
	Delivered []string
	// Failed session IDs whose push failed
	Failed []string
	// Buffered whether the event went to the offline buffer instead
	Buffered bool
}

// NotificationDispatcher resolves a completion event to its target sessions
// and pushes the formatted notification to each of them.
type NotificationDispatcher interface {
	// Dispatch deliver one completion event. Partial success counts as
	// success; zero delivered with live sessions present is a failure.
	Dispatch(
		ctxt context.Context, completion event.CompletionEvent, messageID string,
	) (DeliveryOutcome, error)
	// OfferBuffered replay buffered events to a newly registered session,
	// oldest first. Returns how many were offered.
	OfferBuffered(ctxt context.Context, session registry.ClientSession) (int, error)
}

// notificationDispatcherImpl implements NotificationDispatcher
type notificationDispatcherImpl struct {
	common.Component
	registry registry.ConnectionRegistry
	buffer   OfflineBuffer
	report   *metrics.DeliveryMetrics
}

// GetNotificationDispatcher define a new NotificationDispatcher
func GetNotificationDispatcher(
	connections registry.ConnectionRegistry,
	buffer OfflineBuffer,
	report *metrics.DeliveryMetrics,
) (NotificationDispatcher, error) {
	logTags := log.Fields{
		"module": "dispatch", "component": "notification-dispatcher",
	}
	return &notificationDispatcherImpl{
		Component: common.Component{LogTags: logTags},
		registry:  connections,
		buffer:    buffer,
		report:    report,
	}, nil
}

// Dispatch deliver one completion event to every live session of its subject
func (d *notificationDispatcherImpl) Dispatch(
	ctxt context.Context, completion event.CompletionEvent, messageID string,
) (DeliveryOutcome, error) {
	localLogTags, _ := common.UpdateLogTags(ctxt, d.LogTags)

	sessions, err := d.registry.Lookup(ctxt, completion.SubjectID)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Lookup failed for %s", completion.String(),
		)
		return DeliveryOutcome{}, err
	}

	// No live session routes to the offline buffer
	if len(sessions) == 0 {
		log.WithFields(localLogTags).Debugf(
			"%s for %s: %s", common.ErrNoLiveSession, completion.SubjectID, completion.String(),
		)
		if err := d.buffer.Hold(ctxt, completion.SubjectID, completion, messageID); err != nil {
			return DeliveryOutcome{}, err
		}
		d.report.Buffered(ctxt)
		return DeliveryOutcome{Buffered: true}, nil
	}

	notification := event.FormatNotification(completion)

	// Push to all sessions concurrently; track each independently
	type pushResult struct {
		sessionID string
		err       error
	}
	results := make(chan pushResult, len(sessions))
	wg := sync.WaitGroup{}
	for _, session := range sessions {
		wg.Add(1)
		go func(target registry.ClientSession) {
			defer wg.Done()
			if err := target.Handle.Push(ctxt, notification); err != nil {
				pushErr := &common.SessionPushError{SessionID: target.SessionID, Err: err}
				log.WithError(pushErr).WithFields(localLogTags).Warnf(
					"Push failed for %s", completion.String(),
				)
				results <- pushResult{sessionID: target.SessionID, err: pushErr}
				return
			}
			results <- pushResult{sessionID: target.SessionID}
		}(session)
	}
	wg.Wait()
	close(results)

	outcome := DeliveryOutcome{}
	for result := range results {
		if result.err != nil {
			outcome.Failed = append(outcome.Failed, result.sessionID)
		} else {
			outcome.Delivered = append(outcome.Delivered, result.sessionID)
		}
	}

	if len(outcome.Delivered) == 0 {
		err := fmt.Errorf(
			"all %d session pushes failed for %s", len(outcome.Failed), completion.String(),
		)
		log.WithError(err).WithFields(localLogTags).Error("Dispatch failed")
		return outcome, err
	}
	d.report.Dispatched(ctxt, len(outcome.Delivered))
	log.WithFields(localLogTags).Debugf(
		"Dispatched %s to %d of %d sessions",
		completion.String(), len(outcome.Delivered), len(sessions),
	)
	return outcome, nil
}

// OfferBuffered replay buffered events to a newly registered session. A
// push failure stops the replay; remaining entries are dropped with the
// authoritative status still queryable from the external status store.
func (d *notificationDispatcherImpl) OfferBuffered(
	ctxt context.Context, session registry.ClientSession,
) (int, error) {
	localLogTags, _ := common.UpdateLogTags(ctxt, d.LogTags)

	entries, err := d.buffer.TakeAll(ctxt, session.SubjectID)
	if err != nil {
		return 0, err
	}
	offered := 0
	for _, entry := range entries {
		notification := event.FormatNotification(entry.Event)
		if err := session.Handle.Push(ctxt, notification); err != nil {
			pushErr := &common.SessionPushError{SessionID: session.SessionID, Err: err}
			log.WithError(pushErr).WithFields(localLogTags).Warnf(
				"Catch-up push failed, dropping %d remaining events for %s",
				len(entries)-offered, session.SubjectID,
			)
			return offered, pushErr
		}
		offered++
		d.report.Dispatched(ctxt, 1)
	}
	if offered > 0 {
		log.WithFields(localLogTags).Infof(
			"Offered %d buffered events to session %s of %s",
			offered, session.SessionID, session.SubjectID,
		)
	}
	return offered, nil
}
