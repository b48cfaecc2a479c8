package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spryce/jobrelay/common"
)

// Status generation job status
type Status string

// Job status values carried end-to-end from the generation pipeline
const (
	StatusPending  Status = "PENDING"
	StatusComplete Status = "COMPLETE"
	StatusError    Status = "ERROR"
)

// ResultPayload generation result parameters attached to a completion event
type ResultPayload struct {
	// ResultURL location of the generated asset, if any
	ResultURL *string `json:"result_url,omitempty"`
	// Width generated asset width in pixels, if applicable
	Width *int `json:"width,omitempty"`
	// Height generated asset height in pixels, if applicable
	Height *int `json:"height,omitempty"`
	// Model name of the model which produced the result
	Model string `json:"model"`
}

// CompletionEvent one job completion event produced by the generation
// pipeline. Immutable once constructed; Attempt is the broker-owned
// redelivery count, not business state.
type CompletionEvent struct {
	// JobID the generation job this event reports on
	JobID string `json:"job_id" validate:"required"`
	// SubjectID the user / owning account the event targets
	SubjectID string `json:"subject_id" validate:"required"`
	// Status the job status being reported
	Status Status `json:"status" validate:"required,oneof=PENDING COMPLETE ERROR"`
	// Payload the generation result parameters
	Payload ResultPayload `json:"payload"`
	// CreatedAt when the job was created
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt when the status last changed
	UpdatedAt time.Time `json:"updated_at"`
	// Attempt broker redelivery count at time of receipt
	Attempt int `json:"-"`
}

// String toString function
func (e CompletionEvent) String() string {
	return fmt.Sprintf("EVENT[%s/%s:%s]", e.SubjectID, e.JobID, e.Status)
}

// MessageID the idempotency key for this event: job ID plus update timestamp.
// Reconciliation republish of the same status change produces the same ID.
func (e CompletionEvent) MessageID() string {
	return fmt.Sprintf("%s@%d", e.JobID, e.UpdatedAt.UnixNano())
}

// Serialize encode the event for broker transport
func (e CompletionEvent) Serialize() ([]byte, error) {
	return json.Marshal(&e)
}

// ParseCompletionEvent decode and validate a completion event read off the
// queue. A failure here is ErrMalformedMessage; reprocessing the same bytes
// cannot succeed, so the message rides its receive limit to the dead-letter
// path.
func ParseCompletionEvent(data []byte, validate *validator.Validate) (CompletionEvent, error) {
	var parsed CompletionEvent
	if err := json.Unmarshal(data, &parsed); err != nil {
		return CompletionEvent{}, fmt.Errorf("%w: %s", common.ErrMalformedMessage, err)
	}
	if err := validate.Struct(&parsed); err != nil {
		return CompletionEvent{}, fmt.Errorf("%w: %s", common.ErrMalformedMessage, err)
	}
	return parsed, nil
}

// ==============================================================================

// Notification the outbound payload pushed to client sessions. This is the
// stable wire schema; field names must not change across versions.
type Notification struct {
	JobID     string    `json:"jobId"`
	Status    Status    `json:"status"`
	ResultURL *string   `json:"resultUrl"`
	Width     *int      `json:"width"`
	Height    *int      `json:"height"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FormatNotification convert a completion event into its outbound form
func FormatNotification(e CompletionEvent) Notification {
	return Notification{
		JobID:     e.JobID,
		Status:    e.Status,
		ResultURL: e.Payload.ResultURL,
		Width:     e.Payload.Width,
		Height:    e.Payload.Height,
		Model:     e.Payload.Model,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}
