// Package realtime publishes fanout events over Redis pub/sub. Every
// transport node subscribes to these channels and pushes the payload
// to its own websocket connections, so a single publish reaches all
// instances behind the shared Redis.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

const (
	broadcastChannel = "notification:broadcast"
	userChannel      = "notification:" // + userId
)

// Emitter is the primary-channel fanout: emit to all connections or to
// the connections of one user.
type Emitter struct {
	client *redis.Client
}

// NewEmitter creates an emitter on top of an established Redis connection.
func NewEmitter(client *redis.Client) *Emitter {
	return &Emitter{client: client}
}

// EmitBroadcast publishes payload to every connected client.
func (e *Emitter) EmitBroadcast(ctx context.Context, payload interface{}) error {
	return e.publish(ctx, broadcastChannel, payload)
}

// EmitToUser publishes payload to all connections of one user.
func (e *Emitter) EmitToUser(ctx context.Context, userID string, payload interface{}) error {
	return e.publish(ctx, userChannel+userID, payload)
}

func (e *Emitter) publish(ctx context.Context, channel string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal fanout payload: %w", err)
	}

	if err := e.client.Publish(ctx, channel, body).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}

	return nil
}
