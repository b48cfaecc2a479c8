package publisher

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spryce/jobrelay/event"
	"github.com/stretchr/testify/assert"
)

func testStatusChange(jobID string, status event.Status) event.CompletionEvent {
	resultURL := "https://cdn.example.com/" + uuid.New().String()
	width, height := 1024, 768
	return event.CompletionEvent{
		JobID:     jobID,
		SubjectID: uuid.New().String(),
		Status:    status,
		Payload: event.ResultPayload{
			ResultURL: &resultURL,
			Width:     &width,
			Height:    &height,
			Model:     "sd-xl-1.0",
		},
		CreatedAt: time.Now().Add(-time.Minute).Round(time.Millisecond),
		UpdatedAt: time.Now().Round(time.Millisecond),
	}
}

func TestStatusStoreUpdateAndQuery(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	dbPath := filepath.Join(t.TempDir(), "status.db")
	uut, err := GetSqliteStatusStore(dbPath)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Close())
	}()

	// Case 0: unknown job
	{
		_, err := uut.GetStatus(utCtxt, uuid.New().String())
		assert.ErrorIs(err, ErrJobNotFound)
	}

	// Case 1: status change recorded and queryable
	jobID := uuid.New().String()
	pending := testStatusChange(jobID, event.StatusPending)
	assert.Nil(uut.UpdateStatus(utCtxt, pending))
	{
		current, err := uut.GetStatus(utCtxt, jobID)
		assert.Nil(err)
		assert.Equal(event.StatusPending, current.Status)
		assert.Equal(pending.SubjectID, current.SubjectID)
		assert.Equal(pending.UpdatedAt.UnixNano(), current.UpdatedAt.UnixNano())
	}

	// Case 2: a later change overwrites the job row
	complete := testStatusChange(jobID, event.StatusComplete)
	complete.SubjectID = pending.SubjectID
	complete.UpdatedAt = pending.UpdatedAt.Add(time.Second)
	assert.Nil(uut.UpdateStatus(utCtxt, complete))
	{
		current, err := uut.GetStatus(utCtxt, jobID)
		assert.Nil(err)
		assert.Equal(event.StatusComplete, current.Status)
		assert.Equal(complete.Payload.ResultURL, current.Payload.ResultURL)
	}
}

func TestStatusStoreOutboxLifecycle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	dbPath := filepath.Join(t.TempDir(), "status.db")
	uut, err := GetSqliteStatusStore(dbPath)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Close())
	}()

	// Every status change enqueues exactly one outbox row
	jobID := uuid.New().String()
	pending := testStatusChange(jobID, event.StatusPending)
	complete := testStatusChange(jobID, event.StatusComplete)
	complete.UpdatedAt = pending.UpdatedAt.Add(time.Second)
	assert.Nil(uut.UpdateStatus(utCtxt, pending))
	assert.Nil(uut.UpdateStatus(utCtxt, complete))

	// Replaying a change does not enqueue a second row
	assert.Nil(uut.UpdateStatus(utCtxt, complete))

	// Claimed oldest first
	claimed, err := uut.ClaimPending(utCtxt, 10)
	assert.Nil(err)
	assert.Len(claimed, 2)
	assert.Equal(pending.MessageID(), claimed[0].MessageID)
	assert.Equal(complete.MessageID(), claimed[1].MessageID)

	// Claimed rows are invisible to another claim pass
	{
		again, err := uut.ClaimPending(utCtxt, 10)
		assert.Nil(err)
		assert.Empty(again)
	}

	// Settled rows never come back; stale claimed rows do
	assert.Nil(uut.MarkPublished(utCtxt, claimed[0].MessageID))
	time.Sleep(time.Millisecond * 20)
	released, err := uut.ReleaseStale(utCtxt, time.Millisecond*10)
	assert.Nil(err)
	assert.Equal(1, released)
	{
		again, err := uut.ClaimPending(utCtxt, 10)
		assert.Nil(err)
		assert.Len(again, 1)
		assert.Equal(complete.MessageID(), again[0].MessageID)
	}
}

func TestStatusStoreOutboxPayloadRoundTrip(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	dbPath := filepath.Join(t.TempDir(), "status.db")
	uut, err := GetSqliteStatusStore(dbPath)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Close())
	}()

	change := testStatusChange(uuid.New().String(), event.StatusComplete)
	assert.Nil(uut.UpdateStatus(utCtxt, change))

	claimed, err := uut.ClaimPending(utCtxt, 1)
	assert.Nil(err)
	assert.Len(claimed, 1)

	// The relayed payload is a parseable completion event
	parsed, err := event.ParseCompletionEvent(claimed[0].Payload, validator.New())
	assert.Nil(err)
	assert.Equal(change.JobID, parsed.JobID)
	assert.Equal(change.SubjectID, parsed.SubjectID)
	assert.Equal(change.Status, parsed.Status)
	assert.Equal(*change.Payload.ResultURL, *parsed.Payload.ResultURL)
}
