package publisher

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/spryce/jobrelay/broker"
	"github.com/spryce/jobrelay/common"
)

// OutboxRelay drains the status store outbox onto the durable queue.
// Publication is at-least-once; the broker absorbs replays through the
// message ID.
type OutboxRelay interface {
	// Start launch the relay loop and the reconciliation schedule
	Start(wg *sync.WaitGroup) error
	// Stop halt the relay loop and the reconciliation schedule
	Stop() error
}

// OutboxRelayParams parameters for defining an OutboxRelay
type OutboxRelayParams struct {
	// Store the status store owning the outbox
	Store StatusStore
	// Queue the durable broker to publish on
	Queue broker.Broker
	// Topic the topic completion events publish on
	Topic string `validate:"required"`
	// RelayInterval interval between outbox drain passes
	RelayInterval time.Duration `validate:"gt=0"`
	// RelayBatchSize max outbox rows drained per pass
	RelayBatchSize int `validate:"gte=1"`
	// ReconcileSchedule cron expression for the stale row sweep
	ReconcileSchedule string `validate:"required"`
	// ReconcileAfter age after which a claimed, unpublished row goes back to pending
	ReconcileAfter time.Duration `validate:"gt=0"`
}

// outboxRelayImpl implements OutboxRelay
type outboxRelayImpl struct {
	common.Component
	params    OutboxRelayParams
	rootCtxt  context.Context
	stopRelay context.CancelFunc
	scheduler *cron.Cron
}

// GetOutboxRelay define a new OutboxRelay
func GetOutboxRelay(rootCtxt context.Context, params OutboxRelayParams) (OutboxRelay, error) {
	if err := validator.New().Struct(&params); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "publisher", "component": "outbox-relay",
	}
	relayCtxt, cancel := context.WithCancel(rootCtxt)
	instance := &outboxRelayImpl{
		Component: common.Component{LogTags: logTags},
		params:    params,
		rootCtxt:  relayCtxt,
		stopRelay: cancel,
		scheduler: cron.New(),
	}
	if _, err := instance.scheduler.AddFunc(params.ReconcileSchedule, instance.reconcile); err != nil {
		cancel()
		log.WithError(err).WithFields(logTags).Errorf(
			"Invalid reconcile schedule '%s'", params.ReconcileSchedule,
		)
		return nil, err
	}
	return instance, nil
}

// Start launch the relay loop and the reconciliation schedule
func (r *outboxRelayImpl) Start(wg *sync.WaitGroup) error {
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.relayLoop()
	}()
	r.scheduler.Start()
	log.WithFields(r.LogTags).Info("Outbox relay started")
	return nil
}

// Stop halt the relay loop and the reconciliation schedule
func (r *outboxRelayImpl) Stop() error {
	r.stopRelay()
	stopCtxt := r.scheduler.Stop()
	<-stopCtxt.Done()
	return nil
}

// relayLoop periodic outbox drain
func (r *outboxRelayImpl) relayLoop() {
	ticker := time.NewTicker(r.params.RelayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.rootCtxt.Done():
			log.WithFields(r.LogTags).Info("Relay loop exiting")
			return
		case <-ticker.C:
			if err := r.drainOnce(r.rootCtxt); err != nil {
				log.WithError(err).WithFields(r.LogTags).Error("Outbox drain failed")
			}
		}
	}
}

// drainOnce claim one batch of pending rows and publish them
func (r *outboxRelayImpl) drainOnce(ctxt context.Context) error {
	claimed, err := r.params.Store.ClaimPending(ctxt, r.params.RelayBatchSize)
	if err != nil {
		return err
	}
	for _, entry := range claimed {
		if err := r.params.Queue.Publish(
			ctxt, r.params.Topic, entry.MessageID, entry.Payload,
		); err != nil {
			// Leave the row in 'publishing'; reconciliation returns it
			// to pending once it goes stale
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Publish failed for outbox row %s", entry.MessageID,
			)
			continue
		}
		if err := r.params.Store.MarkPublished(ctxt, entry.MessageID); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Unable to settle outbox row %s", entry.MessageID,
			)
		}
	}
	if len(claimed) > 0 {
		log.WithFields(r.LogTags).Debugf("Drained %d outbox rows", len(claimed))
	}
	return nil
}

// reconcile return stale claimed rows to pending
func (r *outboxRelayImpl) reconcile() {
	if _, err := r.params.Store.ReleaseStale(r.rootCtxt, r.params.ReconcileAfter); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Outbox reconciliation failed")
	}
}
