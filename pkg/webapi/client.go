// Package webapi provides a client for the web backend's notification
// endpoint, the primary delivery channel: the backend persists the
// in-app notification (and renders any email copy) before the realtime
// fanout is emitted.
package webapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client represents a web backend client used to register notifications.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a new web API Client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// AddNotificationRequest is the payload for the addNotification endpoint.
type AddNotificationRequest struct {
	ID                  string          `json:"id"`
	UserID              *string         `json:"userId,omitempty"`
	IsBroadcast         bool            `json:"isBroadcast"`
	Title               string          `json:"title"`
	Content             string          `json:"content"`
	Description         *string         `json:"description,omitempty"`
	Type                string          `json:"type"`
	Category            string          `json:"category"`
	RelatedResourceID   *string         `json:"relatedResourceId,omitempty"`
	RelatedResourceType *string         `json:"relatedResourceType,omitempty"`
	ActionURL           *string         `json:"actionUrl,omitempty"`
	Metadata            json.RawMessage `json:"metadata,omitempty"`
	IsSendingEmail      bool            `json:"isSendingEmail"`
	IsSendingWhatsApp   bool            `json:"isSendingWhatsApp"`
}

// AddNotification registers the notification with the web backend.
// It returns an error if the request fails or the backend responds
// with a non-2xx status.
func (c *Client) AddNotification(ctx context.Context, payload AddNotificationRequest) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/notification/addNotification", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("web API error: %s", resp.Status)
	}

	return nil
}
