package dto

import (
	"bytes"
	"encoding/json"
)

// ScheduleRequest schedules one notification. RunAt absent means
// deliver immediately without persisting.
type ScheduleRequest struct {
	ID                  string          `json:"id"`
	UserID              *string         `json:"userId"`
	IsBroadcast         bool            `json:"isBroadcast"`
	Title               string          `json:"title" validate:"required"`
	Content             string          `json:"content" validate:"required"`
	Description         *string         `json:"description"`
	Type                string          `json:"type" validate:"required"`
	Category            string          `json:"category" validate:"required"`
	Priority            string          `json:"priority" validate:"required"`
	RelatedResourceID   *string         `json:"relatedResourceId"`
	RelatedResourceType *string         `json:"relatedResourceType"`
	ActionURL           *string         `json:"actionUrl"`
	Metadata            json.RawMessage `json:"metadata"`
	RunAt               *string         `json:"runAt"` // RFC3339
	Email               *string         `json:"email"`
	WhatsApp            *string         `json:"whatsApp"`
	RetryCount          int             `json:"retryCount" validate:"gte=0"`
	MaxRetries          int             `json:"maxRetries" validate:"gte=0"`
}

// BatchRecipient addresses one member of a ScheduleManyRequest.
type BatchRecipient struct {
	UserID   string  `json:"userId" validate:"required"`
	Email    *string `json:"email"`
	WhatsApp *string `json:"whatsApp"`
}

// ScheduleManyRequest schedules one message body for many recipients.
type ScheduleManyRequest struct {
	Users               []BatchRecipient `json:"users" validate:"required,min=1,dive"`
	Title               string           `json:"title" validate:"required"`
	Content             string           `json:"content" validate:"required"`
	Description         *string          `json:"description"`
	Type                string           `json:"type" validate:"required"`
	Category            string           `json:"category" validate:"required"`
	Priority            string           `json:"priority" validate:"required"`
	RelatedResourceID   *string          `json:"relatedResourceId"`
	RelatedResourceType *string          `json:"relatedResourceType"`
	ActionURL           *string          `json:"actionUrl"`
	Metadata            json.RawMessage  `json:"metadata"`
	RunAt               *string          `json:"runAt"` // RFC3339
	RetryCount          int              `json:"retryCount" validate:"gte=0"`
	MaxRetries          int              `json:"maxRetries" validate:"gte=0"`
}

// RescheduleRequest moves every scheduled notification tied to the
// correlation pair to a new fire time.
type RescheduleRequest struct {
	RelatedResourceID   string          `json:"relatedResourceId" validate:"required"`
	RelatedResourceType string          `json:"relatedResourceType" validate:"required"`
	RunAt               string          `json:"runAt" validate:"required"` // RFC3339
	Metadata            json.RawMessage `json:"metadata" validate:"required"`
}

// PresenceRequest registers a realtime connection for a user.
type PresenceRequest struct {
	UserID       string `json:"userId" validate:"required"`
	ConnectionID string `json:"connectionId" validate:"required"`
}

// ValidMetadata reports whether raw is absent, a JSON object or a JSON
// array. Scalar metadata is rejected so the payload round-trips with
// its structure intact.
func ValidMetadata(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}

	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return false
	}

	return trimmed[0] == '{' || trimmed[0] == '['
}
