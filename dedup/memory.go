package dedup

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/spryce/jobrelay/common"
)

// deliveryShard one lock shard of the in-memory store
type deliveryShard struct {
	lock    sync.Mutex
	records map[string]DeliveryRecord
}

// inMemoryDeliveryStore implements DeliveryStore with key-sharded locking.
// Sharding keeps the store from becoming a cross-worker bottleneck under
// many concurrent subjects.
type inMemoryDeliveryStore struct {
	common.Component
	shards    []*deliveryShard
	retention time.Duration
	sweep     common.IntervalTimer
}

// GetInMemoryDeliveryStore define an in-memory DeliveryStore. Expired
// records are swept every sweepInterval until rootCtxt ends.
func GetInMemoryDeliveryStore(
	rootCtxt context.Context,
	shardCount int,
	retention time.Duration,
	sweepInterval time.Duration,
	wg *sync.WaitGroup,
) (DeliveryStore, error) {
	logTags := log.Fields{
		"module": "dedup", "component": "in-memory-delivery-store",
	}
	shards := make([]*deliveryShard, shardCount)
	for itr := 0; itr < shardCount; itr++ {
		shards[itr] = &deliveryShard{records: make(map[string]DeliveryRecord)}
	}
	instance := &inMemoryDeliveryStore{
		Component: common.Component{LogTags: logTags},
		shards:    shards,
		retention: retention,
	}
	sweep, err := common.GetIntervalTimerInstance("dedup-sweep", rootCtxt, wg)
	if err != nil {
		return nil, err
	}
	instance.sweep = sweep
	if err := sweep.Start(sweepInterval, instance.sweepExpired); err != nil {
		return nil, err
	}
	return instance, nil
}

// shardOf pick the lock shard for a message ID
func (s *inMemoryDeliveryStore) shardOf(messageID string) *deliveryShard {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(messageID))
	return s.shards[hasher.Sum32()%uint32(len(s.shards))]
}

// IsDelivered check whether a message ID already produced a delivery
func (s *inMemoryDeliveryStore) IsDelivered(
	ctxt context.Context, messageID string,
) (bool, error) {
	shard := s.shardOf(messageID)
	shard.lock.Lock()
	defer shard.lock.Unlock()
	record, ok := shard.records[messageID]
	if !ok {
		return false, nil
	}
	// An expired record no longer guards the message
	if time.Since(record.DeliveredAt) > s.retention {
		delete(shard.records, messageID)
		return false, nil
	}
	return true, nil
}

// RecordDelivery record that a message ID produced a delivery
func (s *inMemoryDeliveryStore) RecordDelivery(
	ctxt context.Context, record DeliveryRecord,
) error {
	if record.DeliveredAt.IsZero() {
		record.DeliveredAt = time.Now()
	}
	shard := s.shardOf(record.MessageID)
	shard.lock.Lock()
	defer shard.lock.Unlock()
	shard.records[record.MessageID] = record
	log.WithFields(s.LogTags).Debugf("Recorded delivery of %s", record.MessageID)
	return nil
}

// sweepExpired drop records past the retention window
func (s *inMemoryDeliveryStore) sweepExpired() error {
	cutoff := time.Now().Add(-s.retention)
	removed := 0
	for _, shard := range s.shards {
		shard.lock.Lock()
		for messageID, record := range shard.records {
			if record.DeliveredAt.Before(cutoff) {
				delete(shard.records, messageID)
				removed++
			}
		}
		shard.lock.Unlock()
	}
	if removed > 0 {
		log.WithFields(s.LogTags).Debugf("Swept %d expired delivery records", removed)
	}
	return nil
}

// Close release store resources
func (s *inMemoryDeliveryStore) Close() error {
	return s.sweep.Stop()
}
