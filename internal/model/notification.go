package model

import (
	"encoding/json"
	"time"
)

// Job is a notification scheduled for future delivery. It is persisted
// twice: as a row in the relational queue table (listing/audit truth)
// and as a Redis hash + sorted-set entry (pending/cancellable truth).
type Job struct {
	ID                  string          `json:"id"`                  // unique identifier, generated when absent
	UserID              *string         `json:"userId"`              // recipient; nil iff broadcast
	IsBroadcast         bool            `json:"isBroadcast"`         // deliver to every connected client
	Title               string          `json:"title"`               // short headline
	Content             string          `json:"content"`             // main body
	Description         *string         `json:"description"`         // optional longer text
	Type                string          `json:"type"`                // classification tag, opaque to the core
	Category            string          `json:"category"`            // classification tag, opaque to the core
	Priority            string          `json:"priority"`            // classification tag, opaque to the core
	RelatedResourceID   *string         `json:"relatedResourceId"`   // correlation pair, used by bulk reschedule
	RelatedResourceType *string         `json:"relatedResourceType"` // correlation pair, used by bulk reschedule
	ActionURL           *string         `json:"actionUrl"`           // deep link, relative or absolute
	Metadata            json.RawMessage `json:"metadata"`            // arbitrary JSON object or array
	Email               *string         `json:"email"`               // secondary-channel address
	WhatsApp            *string         `json:"whatsApp"`            // secondary-channel address
	RetryCount          int             `json:"retryCount"`          // current attempt counter
	MaxRetries          int             `json:"maxRetries"`          // attempt ceiling, inclusive
	RunAt               *time.Time      `json:"runAt"`               // absolute fire time; nil means send now
	SentAt              *time.Time      `json:"sentAt"`
	FailedAt            *time.Time      `json:"failedAt"`
	FailureReason       *string         `json:"failureReason"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// Timed reports whether the job goes through the durable scheduling
// path. Jobs without a fire time are delivered immediately and never
// touch the stores.
func (j *Job) Timed() bool {
	return j.RunAt != nil
}

// ActiveUser maps a connected user to their realtime connection.
// Process-shared via Redis, carries no delivery state.
type ActiveUser struct {
	UserID       string    `json:"userId"`
	ConnectionID string    `json:"connectionId"`
	ConnectedAt  time.Time `json:"connectedAt"`
}
