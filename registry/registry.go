// Package registry owns the index from subject to live client sessions,
// bridging asynchronous backend events to ephemeral per-client connections.
package registry

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/spryce/jobrelay/common"
	"github.com/spryce/jobrelay/event"
	"github.com/spryce/jobrelay/metrics"
)

// SessionHandle the write-side surface of one live client session. The
// registry owns session bookkeeping; callers hold only transient references
// while pushing.
type SessionHandle interface {
	// Push deliver one notification over the session's connection
	Push(ctxt context.Context, notification event.Notification) error
	// Close tear the underlying connection down
	Close() error
}

// ClientSession bookkeeping for one live, authenticated connection
type ClientSession struct {
	// SessionID unique ID of this connection instance
	SessionID string
	// SubjectID the user / owning account this session belongs to
	SubjectID string
	// Handle the session's write-side surface
	Handle SessionHandle
	// ConnectedAt when the session was registered
	ConnectedAt time.Time
	// LastSeen last heartbeat or inbound activity
	LastSeen time.Time
}

// ConnectionRegistry concurrency-safe index from subject to the set of
// currently live sessions. Every index entry corresponds to exactly one
// live session; entries are removed atomically with session teardown.
type ConnectionRegistry interface {
	// Register add a new live session for a subject
	Register(
		ctxt context.Context, subjectID, sessionID string, handle SessionHandle,
	) (ClientSession, error)
	// Deregister remove a session from the index
	Deregister(ctxt context.Context, sessionID string) error
	// Lookup fetch all live sessions for a subject
	Lookup(ctxt context.Context, subjectID string) ([]ClientSession, error)
	// Touch record a heartbeat for a session
	Touch(ctxt context.Context, sessionID string) error
	// LiveSessionCount number of currently live sessions
	LiveSessionCount() int
	// Drain close and deregister every session
	Drain(ctxt context.Context) error
	// Stop stop the stale session sweep
	Stop() error
}

// sessionRecord mutable session bookkeeping held by the registry
type sessionRecord struct {
	sessionID   string
	subjectID   string
	handle      SessionHandle
	connectedAt time.Time
	lastSeen    time.Time
}

// registryShard one lock shard of the subject index
type registryShard struct {
	lock     sync.RWMutex
	subjects map[string]map[string]*sessionRecord
}

// connectionRegistryImpl implements ConnectionRegistry with a
// sharded-by-subject index plus a session to subject reverse index.
// Lock ordering is always reverse index first, then shard.
type connectionRegistryImpl struct {
	common.Component
	shards           []*registryShard
	indexLock        sync.RWMutex
	sessionToSubject map[string]string
	heartbeatTimeout time.Duration
	sweep            common.IntervalTimer
	report           *metrics.DeliveryMetrics
}

// ConnectionRegistryParams parameters for defining a ConnectionRegistry
type ConnectionRegistryParams struct {
	// Shards number of lock shards for the subject index
	Shards int `validate:"gte=1"`
	// HeartbeatTimeout max duration without a heartbeat before a session is stale
	HeartbeatTimeout time.Duration
	// SweepInterval interval between stale session sweeps
	SweepInterval time.Duration
}

// GetConnectionRegistry define a new ConnectionRegistry. The stale session
// sweep runs until rootCtxt ends or Stop is called.
func GetConnectionRegistry(
	rootCtxt context.Context,
	params ConnectionRegistryParams,
	report *metrics.DeliveryMetrics,
	wg *sync.WaitGroup,
) (ConnectionRegistry, error) {
	logTags := log.Fields{
		"module": "registry", "component": "connection-registry",
	}
	shards := make([]*registryShard, params.Shards)
	for itr := 0; itr < params.Shards; itr++ {
		shards[itr] = &registryShard{subjects: make(map[string]map[string]*sessionRecord)}
	}
	instance := &connectionRegistryImpl{
		Component:        common.Component{LogTags: logTags},
		shards:           shards,
		sessionToSubject: make(map[string]string),
		heartbeatTimeout: params.HeartbeatTimeout,
		report:           report,
	}
	sweep, err := common.GetIntervalTimerInstance("registry-sweep", rootCtxt, wg)
	if err != nil {
		return nil, err
	}
	instance.sweep = sweep
	if err := sweep.Start(params.SweepInterval, instance.sweepStaleSessions); err != nil {
		return nil, err
	}
	return instance, nil
}

// shardOf pick the lock shard for a subject
func (r *connectionRegistryImpl) shardOf(subjectID string) *registryShard {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(subjectID))
	return r.shards[hasher.Sum32()%uint32(len(r.shards))]
}

// Register add a new live session for a subject
func (r *connectionRegistryImpl) Register(
	ctxt context.Context, subjectID, sessionID string, handle SessionHandle,
) (ClientSession, error) {
	localLogTags, _ := common.UpdateLogTags(ctxt, r.LogTags)
	now := time.Now()
	record := &sessionRecord{
		sessionID:   sessionID,
		subjectID:   subjectID,
		handle:      handle,
		connectedAt: now,
		lastSeen:    now,
	}

	r.indexLock.Lock()
	if existing, ok := r.sessionToSubject[sessionID]; ok {
		r.indexLock.Unlock()
		err := &common.RegistryInvariantViolation{
			Invariant: "session ID " + sessionID + " already registered for subject " + existing,
		}
		log.WithError(err).WithFields(localLogTags).Error("Register failed")
		return ClientSession{}, err
	}
	r.sessionToSubject[sessionID] = subjectID
	shard := r.shardOf(subjectID)
	shard.lock.Lock()
	sessions, ok := shard.subjects[subjectID]
	if !ok {
		sessions = make(map[string]*sessionRecord)
		shard.subjects[subjectID] = sessions
	}
	sessions[sessionID] = record
	shard.lock.Unlock()
	r.indexLock.Unlock()

	r.report.SessionOpened(ctxt)
	log.WithFields(localLogTags).Infof("Registered session %s for %s", sessionID, subjectID)
	return record.snapshot(), nil
}

// Deregister remove a session from the index. Removing an unknown session
// is a no-op; teardown paths may race with the sweep.
func (r *connectionRegistryImpl) Deregister(ctxt context.Context, sessionID string) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, r.LogTags)

	r.indexLock.Lock()
	subjectID, ok := r.sessionToSubject[sessionID]
	if !ok {
		r.indexLock.Unlock()
		return nil
	}
	delete(r.sessionToSubject, sessionID)
	shard := r.shardOf(subjectID)
	shard.lock.Lock()
	sessions, ok := shard.subjects[subjectID]
	if ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(shard.subjects, subjectID)
		}
	}
	shard.lock.Unlock()
	r.indexLock.Unlock()

	if !ok {
		err := &common.RegistryInvariantViolation{
			Invariant: "session " + sessionID + " indexed but missing from shard",
		}
		log.WithError(err).WithFields(localLogTags).Error("Deregister failed")
		return err
	}
	r.report.SessionClosed(ctxt)
	log.WithFields(localLogTags).Infof("Deregistered session %s of %s", sessionID, subjectID)
	return nil
}

// Lookup fetch all live sessions for a subject
func (r *connectionRegistryImpl) Lookup(
	ctxt context.Context, subjectID string,
) ([]ClientSession, error) {
	shard := r.shardOf(subjectID)
	shard.lock.RLock()
	defer shard.lock.RUnlock()
	sessions := shard.subjects[subjectID]
	result := make([]ClientSession, 0, len(sessions))
	for _, record := range sessions {
		result = append(result, record.snapshot())
	}
	return result, nil
}

// Touch record a heartbeat for a session
func (r *connectionRegistryImpl) Touch(ctxt context.Context, sessionID string) error {
	r.indexLock.RLock()
	subjectID, ok := r.sessionToSubject[sessionID]
	r.indexLock.RUnlock()
	if !ok {
		return nil
	}
	shard := r.shardOf(subjectID)
	shard.lock.Lock()
	defer shard.lock.Unlock()
	if record, ok := shard.subjects[subjectID][sessionID]; ok {
		record.lastSeen = time.Now()
	}
	return nil
}

// LiveSessionCount number of currently live sessions
func (r *connectionRegistryImpl) LiveSessionCount() int {
	r.indexLock.RLock()
	defer r.indexLock.RUnlock()
	return len(r.sessionToSubject)
}

// sweepStaleSessions deregister and close sessions past the heartbeat timeout
func (r *connectionRegistryImpl) sweepStaleSessions() error {
	cutoff := time.Now().Add(-r.heartbeatTimeout)
	stale := make([]*sessionRecord, 0)
	for _, shard := range r.shards {
		shard.lock.RLock()
		for _, sessions := range shard.subjects {
			for _, record := range sessions {
				if record.lastSeen.Before(cutoff) {
					stale = append(stale, record)
				}
			}
		}
		shard.lock.RUnlock()
	}
	for _, record := range stale {
		log.WithFields(r.LogTags).Warnf(
			"Sweeping stale session %s of %s", record.sessionID, record.subjectID,
		)
		if err := r.Deregister(context.Background(), record.sessionID); err != nil {
			return err
		}
		if err := record.handle.Close(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Failed to close stale session %s", record.sessionID,
			)
		}
	}
	return nil
}

// Drain close and deregister every session
func (r *connectionRegistryImpl) Drain(ctxt context.Context) error {
	all := make([]*sessionRecord, 0)
	for _, shard := range r.shards {
		shard.lock.RLock()
		for _, sessions := range shard.subjects {
			for _, record := range sessions {
				all = append(all, record)
			}
		}
		shard.lock.RUnlock()
	}
	log.WithFields(r.LogTags).Infof("Draining %d sessions", len(all))
	for _, record := range all {
		if err := r.Deregister(ctxt, record.sessionID); err != nil {
			return err
		}
		if err := record.handle.Close(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Failed to close session %s during drain", record.sessionID,
			)
		}
	}
	return nil
}

// Stop stop the stale session sweep
func (r *connectionRegistryImpl) Stop() error {
	return r.sweep.Stop()
}

// snapshot copy the record for handing outside the registry locks
func (s *sessionRecord) snapshot() ClientSession {
	return ClientSession{
		SessionID:   s.sessionID,
		SubjectID:   s.subjectID,
		Handle:      s.handle,
		ConnectedAt: s.connectedAt,
		LastSeen:    s.lastSeen,
	}
}
