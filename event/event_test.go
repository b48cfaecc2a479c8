package event

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spryce/jobrelay/common"
	"github.com/stretchr/testify/assert"
)

func TestCompletionEventParsing(t *testing.T) {
	assert := assert.New(t)
	validate := validator.New()

	resultURL := "https://cdn.example.com/" + uuid.New().String()
	width, height := 1024, 1024
	original := CompletionEvent{
		JobID:     uuid.New().String(),
		SubjectID: uuid.New().String(),
		Status:    StatusComplete,
		Payload: ResultPayload{
			ResultURL: &resultURL,
			Width:     &width,
			Height:    &height,
			Model:     "sd-xl-1.0",
		},
		CreatedAt: time.Now().Add(-time.Minute).Round(time.Millisecond),
		UpdatedAt: time.Now().Round(time.Millisecond),
	}

	// Case 0: serialized events parse back
	serialized, err := original.Serialize()
	assert.Nil(err)
	parsed, err := ParseCompletionEvent(serialized, validate)
	assert.Nil(err)
	assert.Equal(original.JobID, parsed.JobID)
	assert.Equal(original.SubjectID, parsed.SubjectID)
	assert.Equal(original.Status, parsed.Status)
	assert.Equal(*original.Payload.ResultURL, *parsed.Payload.ResultURL)

	// Case 1: non-JSON bytes
	_, err = ParseCompletionEvent([]byte("garbage"), validate)
	assert.True(errors.Is(err, common.ErrMalformedMessage))

	// Case 2: JSON missing required fields
	_, err = ParseCompletionEvent([]byte(`{"job_id":"x"}`), validate)
	assert.True(errors.Is(err, common.ErrMalformedMessage))

	// Case 3: unknown status value
	_, err = ParseCompletionEvent(
		[]byte(`{"job_id":"x","subject_id":"y","status":"MAYBE"}`), validate,
	)
	assert.True(errors.Is(err, common.ErrMalformedMessage))
}

func TestCompletionEventMessageID(t *testing.T) {
	assert := assert.New(t)

	updatedAt := time.Now()
	completion := CompletionEvent{
		JobID:     uuid.New().String(),
		SubjectID: uuid.New().String(),
		Status:    StatusError,
		UpdatedAt: updatedAt,
	}

	// Message ID is a pure function of job ID and change time
	assert.Equal(
		fmt.Sprintf("%s@%d", completion.JobID, updatedAt.UnixNano()),
		completion.MessageID(),
	)
	assert.Equal(completion.MessageID(), completion.MessageID())

	// A later change to the same job carries a different ID
	later := completion
	later.UpdatedAt = updatedAt.Add(time.Second)
	assert.NotEqual(completion.MessageID(), later.MessageID())
}

func TestNotificationFormatting(t *testing.T) {
	assert := assert.New(t)

	// Error events carry no result payload
	completion := CompletionEvent{
		JobID:     uuid.New().String(),
		SubjectID: uuid.New().String(),
		Status:    StatusError,
		Payload:   ResultPayload{Model: "sd-xl-1.0"},
		CreatedAt: time.Now().Add(-time.Minute),
		UpdatedAt: time.Now(),
	}
	notification := FormatNotification(completion)
	assert.Equal(completion.JobID, notification.JobID)
	assert.Equal(StatusError, notification.Status)
	assert.Nil(notification.ResultURL)
	assert.Nil(notification.Width)
	assert.Nil(notification.Height)
	assert.Equal("sd-xl-1.0", notification.Model)
	assert.Equal(completion.UpdatedAt, notification.UpdatedAt)
}
