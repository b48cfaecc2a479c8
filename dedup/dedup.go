// Package dedup tracks which broker message IDs have already produced a
// delivered effect, turning at-least-once queue delivery into
// effectively-once client notifications.
package dedup

import (
	"context"
	"time"
)

// DeliveryRecord proof that a message ID already produced a delivery.
// While present in the store, the underlying message is never pushed to a
// client a second time, even if the broker redelivers it.
type DeliveryRecord struct {
	// MessageID the broker-assigned message identifier
	MessageID string `json:"message_id" validate:"required"`
	// DeliveredAt when the delivery effect happened
	DeliveredAt time.Time `json:"delivered_at"`
	// TargetSessionIDs the sessions the notification reached
	TargetSessionIDs []string `json:"target_session_ids"`
}

// DeliveryStore records delivered message IDs for a bounded retention
// window. The window should cover the broker's maximum redelivery span.
type DeliveryStore interface {
	// IsDelivered check whether a message ID already produced a delivery
	IsDelivered(ctxt context.Context, messageID string) (bool, error)
	// RecordDelivery record that a message ID produced a delivery
	RecordDelivery(ctxt context.Context, record DeliveryRecord) error
	// Close release store resources
	Close() error
}
