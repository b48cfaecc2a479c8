package dedup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestSqliteDeliveryStore(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	dbPath := filepath.Join(t.TempDir(), "delivered.db")
	uut, err := GetSqliteDeliveryStore(dbPath, time.Hour)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Close())
	}()

	// Case 0: empty path rejected
	{
		_, err := GetSqliteDeliveryStore("  ", time.Hour)
		assert.NotNil(err)
	}

	// Case 1: unknown message ID
	{
		delivered, err := uut.IsDelivered(utCtxt, uuid.New().String())
		assert.Nil(err)
		assert.False(delivered)
	}

	// Case 2: recorded delivery guards the message ID
	msgID := uuid.New().String()
	assert.Nil(uut.RecordDelivery(utCtxt, DeliveryRecord{
		MessageID:        msgID,
		TargetSessionIDs: []string{uuid.New().String(), uuid.New().String()},
	}))
	{
		delivered, err := uut.IsDelivered(utCtxt, msgID)
		assert.Nil(err)
		assert.True(delivered)
	}

	// Case 3: recording the same message ID again upserts
	assert.Nil(uut.RecordDelivery(utCtxt, DeliveryRecord{MessageID: msgID}))
	{
		delivered, err := uut.IsDelivered(utCtxt, msgID)
		assert.Nil(err)
		assert.True(delivered)
	}
}

func TestSqliteDeliveryStoreSurvivesReopen(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	dbPath := filepath.Join(t.TempDir(), "delivered.db")
	msgID := uuid.New().String()

	store, err := GetSqliteDeliveryStore(dbPath, time.Hour)
	assert.Nil(err)
	assert.Nil(store.RecordDelivery(utCtxt, DeliveryRecord{MessageID: msgID}))
	assert.Nil(store.Close())

	// Records survive a process restart
	reopened, err := GetSqliteDeliveryStore(dbPath, time.Hour)
	assert.Nil(err)
	defer func() {
		assert.Nil(reopened.Close())
	}()
	delivered, err := reopened.IsDelivered(utCtxt, msgID)
	assert.Nil(err)
	assert.True(delivered)
}

func TestSqliteDeliveryStoreRetention(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	dbPath := filepath.Join(t.TempDir(), "delivered.db")
	uut, err := GetSqliteDeliveryStore(dbPath, time.Millisecond*20)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Close())
	}()

	msgID := uuid.New().String()
	assert.Nil(uut.RecordDelivery(utCtxt, DeliveryRecord{MessageID: msgID}))
	time.Sleep(time.Millisecond * 40)
	delivered, err := uut.IsDelivered(utCtxt, msgID)
	assert.Nil(err)
	assert.False(delivered)
}
