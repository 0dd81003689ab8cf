// Package presence tracks which users currently hold a realtime
// connection. The mapping is bidirectional (userId -> connection and
// connection -> userId) so a disconnect can be cleaned up from either
// side. It only informs delivery transport decisions and carries no
// retry or consistency state.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"notify-scheduler/internal/model"
)

const (
	activeUsersKey = "active:users" // hash: userId -> {connectionId, connectedAt}
	connectionsKey = "user:sockets" // hash: connectionId -> userId

	expiry = 24 * time.Hour
)

type entry struct {
	ConnectionID string `json:"connectionId"`
	ConnectedAt  int64  `json:"connectedAt"` // epoch ms
}

// Manager stores active-user entries in Redis hashes shared by all
// transport nodes.
type Manager struct {
	client *redis.Client
}

// NewManager creates a presence manager on top of an established Redis connection.
func NewManager(client *redis.Client) *Manager {
	return &Manager{client: client}
}

// SetActive upserts the mapping for a freshly connected user.
func (m *Manager) SetActive(ctx context.Context, userID, connectionID string) error {
	data, err := json.Marshal(entry{
		ConnectionID: connectionID,
		ConnectedAt:  time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal presence entry: %w", err)
	}

	if err := m.client.HSet(ctx, activeUsersKey, userID, data).Err(); err != nil {
		return fmt.Errorf("failed to set user active: %w", err)
	}

	if err := m.client.HSet(ctx, connectionsKey, connectionID, userID).Err(); err != nil {
		return fmt.Errorf("failed to map connection: %w", err)
	}

	if err := m.client.Expire(ctx, activeUsersKey, expiry).Err(); err != nil {
		return fmt.Errorf("failed to refresh presence expiry: %w", err)
	}

	return nil
}

// RemoveByConnection drops the mapping when a connection closes.
func (m *Manager) RemoveByConnection(ctx context.Context, connectionID string) error {
	userID, err := m.client.HGet(ctx, connectionsKey, connectionID).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to look up connection: %w", err)
	}

	if userID != "" {
		if err := m.client.HDel(ctx, activeUsersKey, userID).Err(); err != nil {
			return fmt.Errorf("failed to remove active user: %w", err)
		}
	}

	if err := m.client.HDel(ctx, connectionsKey, connectionID).Err(); err != nil {
		return fmt.Errorf("failed to remove connection mapping: %w", err)
	}

	return nil
}

// IsActive reports whether the user currently has a connection.
func (m *Manager) IsActive(ctx context.Context, userID string) (bool, error) {
	active, err := m.client.HExists(ctx, activeUsersKey, userID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check user presence: %w", err)
	}

	return active, nil
}

// All returns every active user with their connection info.
func (m *Manager) All(ctx context.Context) ([]model.ActiveUser, error) {
	entries, err := m.client.HGetAll(ctx, activeUsersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}

	users := make([]model.ActiveUser, 0, len(entries))
	for userID, raw := range entries {
		var e entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("failed to parse presence entry for %s: %w", userID, err)
		}

		users = append(users, model.ActiveUser{
			UserID:       userID,
			ConnectionID: e.ConnectionID,
			ConnectedAt:  time.UnixMilli(e.ConnectedAt),
		})
	}

	return users, nil
}

// Count returns the number of active users.
func (m *Manager) Count(ctx context.Context) (int64, error) {
	n, err := m.client.HLen(ctx, activeUsersKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count active users: %w", err)
	}

	return n, nil
}

// Clear drops all presence state. Used at graceful shutdown.
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.client.Del(ctx, activeUsersKey, connectionsKey).Err(); err != nil {
		return fmt.Errorf("failed to clear presence state: %w", err)
	}

	return nil
}
