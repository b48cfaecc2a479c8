package dedup

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/spryce/jobrelay/common"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS delivered (
	message_id TEXT NOT NULL PRIMARY KEY,
	delivered_at INTEGER NOT NULL,
	sessions TEXT,
	expire_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_delivered_expire ON delivered(expire_at);
`

// sqliteDeliveryStore implements DeliveryStore on a local sqlite file,
// keeping delivery records across process restarts.
type sqliteDeliveryStore struct {
	common.Component
	db        *sql.DB
	retention time.Duration

	opCount    atomic.Uint64
	pruneEvery uint64
}

// GetSqliteDeliveryStore define a sqlite backed DeliveryStore at path
func GetSqliteDeliveryStore(path string, retention time.Duration) (DeliveryStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	logTags := log.Fields{
		"module": "dedup", "component": "sqlite-delivery-store", "instance": path,
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
	if _, err := db.Exec(sqliteSchema); err != nil {
		log.WithError(err).WithFields(logTags).Error("Schema migration failed")
		_ = db.Close()
		return nil, err
	}
	return &sqliteDeliveryStore{
		Component:  common.Component{LogTags: logTags},
		db:         db,
		retention:  retention,
		pruneEvery: 500,
	}, nil
}

// IsDelivered check whether a message ID already produced a delivery
func (s *sqliteDeliveryStore) IsDelivered(
	ctxt context.Context, messageID string,
) (bool, error) {
	var expireAt int64
	err := s.db.QueryRowContext(
		ctxt, `SELECT expire_at FROM delivered WHERE message_id = ?`, messageID,
	).Scan(&expireAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return time.Now().UnixMilli() < expireAt, nil
}

// RecordDelivery record that a message ID produced a delivery
func (s *sqliteDeliveryStore) RecordDelivery(
	ctxt context.Context, record DeliveryRecord,
) error {
	if record.DeliveredAt.IsZero() {
		record.DeliveredAt = time.Now()
	}
	sessions, err := json.Marshal(record.TargetSessionIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctxt,
		`INSERT INTO delivered(message_id, delivered_at, sessions, expire_at) VALUES(?,?,?,?)
		 ON CONFLICT(message_id) DO UPDATE SET
		   delivered_at=excluded.delivered_at, sessions=excluded.sessions,
		   expire_at=excluded.expire_at`,
		record.MessageID,
		record.DeliveredAt.UnixMilli(),
		string(sessions),
		record.DeliveredAt.Add(s.retention).UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pruneCtxt, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pruneCtxt)
		cancel()
	}
	return err
}

// pruneExpired drop records past the retention window
func (s *sqliteDeliveryStore) pruneExpired(ctxt context.Context) error {
	_, err := s.db.ExecContext(
		ctxt, `DELETE FROM delivered WHERE expire_at < ?`, time.Now().UnixMilli(),
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Prune failed")
	}
	return err
}

// Close release store resources
func (s *sqliteDeliveryStore) Close() error {
	return s.db.Close()
}
