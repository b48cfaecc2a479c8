package publisher

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/spryce/jobrelay/common"
	"github.com/spryce/jobrelay/event"

	_ "modernc.org/sqlite"
)

// ErrJobNotFound indicates a status query for an unknown job
var ErrJobNotFound = errors.New("job not found")

const statusSchema = `
CREATE TABLE IF NOT EXISTS job_status (
	job_id TEXT NOT NULL PRIMARY KEY,
	subject_id TEXT NOT NULL,
	status TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS outbox (
	message_id TEXT NOT NULL PRIMARY KEY,
	payload BLOB NOT NULL,
	state TEXT NOT NULL DEFAULT 'pending',
	enqueued_at INTEGER NOT NULL,
	claimed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_outbox_state ON outbox(state, enqueued_at);
`

// OutboxEntry one event waiting for publication to the durable queue
type OutboxEntry struct {
	// MessageID the event's idempotency message ID
	MessageID string
	// Payload the serialized completion event
	Payload []byte
}

// StatusStore persistent job status with a publication outbox. The status
// row and the outbox row commit in one transaction, so an event exists for
// every status change even when the process dies before publishing it.
type StatusStore interface {
	// UpdateStatus record a status change and enqueue its completion event
	UpdateStatus(ctxt context.Context, change event.CompletionEvent) error
	// GetStatus fetch the current status of a job
	GetStatus(ctxt context.Context, jobID string) (event.CompletionEvent, error)
	// ClaimPending claim up to limit pending outbox rows for publication
	ClaimPending(ctxt context.Context, limit int) ([]OutboxEntry, error)
	// MarkPublished settle a claimed outbox row after a successful publish
	MarkPublished(ctxt context.Context, messageID string) error
	// ReleaseStale return claimed-but-unpublished rows older than age to pending
	ReleaseStale(ctxt context.Context, age time.Duration) (int, error)
	// Close release store resources
	Close() error
}

// sqliteStatusStore implements StatusStore on a local sqlite file
type sqliteStatusStore struct {
	common.Component
	db *sql.DB
}

// GetSqliteStatusStore define a sqlite backed StatusStore at path
func GetSqliteStatusStore(path string) (StatusStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	logTags := log.Fields{
		"module": "publisher", "component": "sqlite-status-store", "instance": path,
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open sqlite store")
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	if _, err := db.Exec(statusSchema); err != nil {
		log.WithError(err).WithFields(logTags).Error("Schema migration failed")
		_ = db.Close()
		return nil, err
	}
	return &sqliteStatusStore{
		Component: common.Component{LogTags: logTags}, db: db,
	}, nil
}

// UpdateStatus record a status change and enqueue its completion event in
// the same transaction. A replayed change with the same message ID is a
// no-op on the outbox.
func (s *sqliteStatusStore) UpdateStatus(
	ctxt context.Context, change event.CompletionEvent,
) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, s.LogTags)

	serialized, err := change.Serialize()
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to serialize %s", change.String(),
		)
		return err
	}
	payload, err := json.Marshal(&change.Payload)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctxt, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(
		ctxt,
		`INSERT INTO job_status (job_id, subject_id, status, payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
		   status = excluded.status,
		   payload = excluded.payload,
		   updated_at = excluded.updated_at`,
		change.JobID,
		change.SubjectID,
		string(change.Status),
		string(payload),
		change.CreatedAt.UnixNano(),
		change.UpdatedAt.UnixNano(),
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Status write failed for %s", change.String(),
		)
		return err
	}

	if _, err := tx.ExecContext(
		ctxt,
		`INSERT INTO outbox (message_id, payload, state, enqueued_at)
		 VALUES (?, ?, 'pending', ?)
		 ON CONFLICT(message_id) DO NOTHING`,
		change.MessageID(),
		serialized,
		time.Now().UnixNano(),
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Outbox write failed for %s", change.String(),
		)
		return err
	}

	if err := tx.Commit(); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Commit failed for %s", change.String(),
		)
		return err
	}
	log.WithFields(localLogTags).Debugf("Recorded %s", change.String())
	return nil
}

// GetStatus fetch the current status of a job
func (s *sqliteStatusStore) GetStatus(
	ctxt context.Context, jobID string,
) (event.CompletionEvent, error) {
	var result event.CompletionEvent
	var status, payload string
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(
		ctxt,
		`SELECT subject_id, status, payload, created_at, updated_at
		 FROM job_status WHERE job_id = ?`,
		jobID,
	).Scan(&result.SubjectID, &status, &payload, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return result, ErrJobNotFound
	}
	if err != nil {
		return result, err
	}
	result.JobID = jobID
	result.Status = event.Status(status)
	result.CreatedAt = time.Unix(0, createdAt)
	result.UpdatedAt = time.Unix(0, updatedAt)
	if err := json.Unmarshal([]byte(payload), &result.Payload); err != nil {
		return result, err
	}
	return result, nil
}

// ClaimPending claim up to limit pending outbox rows for publication,
// oldest first. Claimed rows move to 'publishing' so a concurrent relay
// pass will not pick them up again.
func (s *sqliteStatusStore) ClaimPending(
	ctxt context.Context, limit int,
) ([]OutboxEntry, error) {
	tx, err := s.db.BeginTx(ctxt, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(
		ctxt,
		`SELECT message_id, payload FROM outbox
		 WHERE state = 'pending' ORDER BY enqueued_at ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	var claimed []OutboxEntry
	for rows.Next() {
		var entry OutboxEntry
		if err := rows.Scan(&entry.MessageID, &entry.Payload); err != nil {
			_ = rows.Close()
			return nil, err
		}
		claimed = append(claimed, entry)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	now := time.Now().UnixNano()
	for _, entry := range claimed {
		if _, err := tx.ExecContext(
			ctxt,
			`UPDATE outbox SET state = 'publishing', claimed_at = ? WHERE message_id = ?`,
			now, entry.MessageID,
		); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkPublished settle a claimed outbox row after a successful publish
func (s *sqliteStatusStore) MarkPublished(ctxt context.Context, messageID string) error {
	_, err := s.db.ExecContext(
		ctxt, `UPDATE outbox SET state = 'published' WHERE message_id = ?`, messageID,
	)
	return err
}

// ReleaseStale return rows stuck in 'publishing' longer than age back to
// 'pending'. The broker deduplicates on message ID, so republishing a row
// whose publish actually landed is harmless.
func (s *sqliteStatusStore) ReleaseStale(
	ctxt context.Context, age time.Duration,
) (int, error) {
	cutoff := time.Now().Add(-age).UnixNano()
	result, err := s.db.ExecContext(
		ctxt,
		`UPDATE outbox SET state = 'pending', claimed_at = NULL
		 WHERE state = 'publishing' AND claimed_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	released, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if released > 0 {
		log.WithFields(s.LogTags).Warnf("Released %d stale outbox rows", released)
	}
	return int(released), nil
}

// Close release store resources
func (s *sqliteStatusStore) Close() error {
	return s.db.Close()
}
