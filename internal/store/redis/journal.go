// Package redis mirrors the latest session snapshot blob into Redis with
// a TTL. Durable history lives in SQLite; this copy is the fast path for
// operators inspecting a live agent.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// snapshotTTL expires abandoned session keys. Durable copies are in the
// SQLite journal.
const snapshotTTL = 24 * time.Hour

// Config configures the Redis journal connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Journal stores the latest snapshot per session under a keyed entry.
type Journal struct {
	client *goredis.Client
}

// Client returns the underlying client for health checks.
func (j *Journal) Client() *goredis.Client { return j.client }

// Open connects to Redis and verifies the connection.
func Open(cfg Config) (*Journal, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	return &Journal{client: client}, nil
}

func key(sessionID string) string {
	return "udfagent:snapshot:" + sessionID
}

// Save stores the latest snapshot blob for a session.
func (j *Journal) Save(ctx context.Context, sessionID string, blob []byte) error {
	if err := j.client.Set(ctx, key(sessionID), blob, snapshotTTL).Err(); err != nil {
		return fmt.Errorf("redis set snapshot %s: %w", sessionID, err)
	}
	return nil
}

// ReadLatest returns the stored snapshot blob for a session, or nil if
// the key does not exist.
func (j *Journal) ReadLatest(ctx context.Context, sessionID string) ([]byte, error) {
	data, err := j.client.Get(ctx, key(sessionID)).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get snapshot %s: %w", sessionID, err)
	}
	return data, nil
}

// Close closes the connection.
func (j *Journal) Close() error {
	return j.client.Close()
}
