// Package whatsapp provides a client for sending notifications through
// the CRM's send-rich gateway.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client represents a CRM client used to send WhatsApp messages.
type Client struct {
	baseURL string
	code    string
	client  *http.Client
}

// NewClient creates a new WhatsApp Client for the given CRM gateway.
func NewClient(baseURL, code string) *Client {
	return &Client{
		baseURL: baseURL,
		code:    code,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// sendRichRequest represents the payload for the CRM send-rich API.
type sendRichRequest struct {
	PhoneNumber      string `json:"phoneNumber"`
	Text             string `json:"text"`
	UseQueue         bool   `json:"useQueue"`
	UseHumanBehavior bool   `json:"useHumanBehavior"`
}

// Send delivers a free-text message to the given phone number. It
// returns an error if the request fails or the gateway responds with a
// non-200 status.
func (c *Client) Send(ctx context.Context, phoneNumber, text string) error {
	reqBody := sendRichRequest{
		PhoneNumber:      phoneNumber,
		Text:             text,
		UseQueue:         true,
		UseHumanBehavior: true,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/web/send-rich?code=%s", c.baseURL, c.code)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("code1", c.code)
	req.Header.Set("code2", c.code)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("CRM API error: %s", resp.Status)
	}

	return nil
}
