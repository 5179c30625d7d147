package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"roomcast/internal/app/presence"
)

// PresenceKey is the Redis hash holding one field per user.
const PresenceKey = "roomcast:presence"

// PresenceMirror writes presence state to Redis.
type PresenceMirror struct {
	client *redis.Client
	key    string
}

// NewPresenceMirror connects to the Redis server at url and checks it responds.
func NewPresenceMirror(ctx context.Context, url string) (*PresenceMirror, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &PresenceMirror{client: client, key: PresenceKey}, nil
}

// SavePresence stores st under userID.
func (m *PresenceMirror) SavePresence(ctx context.Context, userID string, st presence.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return m.client.HSet(ctx, m.key, userID, data).Err()
}

// LoadPresence reads the stored state of userID. A user never seen is offline.
func (m *PresenceMirror) LoadPresence(ctx context.Context, userID string) (presence.State, error) {
	data, err := m.client.HGet(ctx, m.key, userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return presence.State{Status: presence.StatusOffline}, nil
	}
	if err != nil {
		return presence.State{}, err
	}

	var st presence.State
	if err := json.Unmarshal(data, &st); err != nil {
		return presence.State{}, fmt.Errorf("failed to decode presence of %s: %w", userID, err)
	}
	return st, nil
}

// Close closes the Redis connection.
func (m *PresenceMirror) Close() error {
	return m.client.Close()
}
