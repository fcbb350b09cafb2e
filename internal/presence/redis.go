package presence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ViewerMirror publishes the local viewing signal outside the process.
type ViewerMirror interface {
	SetViewing(ctx context.Context, conversationID, userID string, ttl time.Duration) error
	ClearViewing(ctx context.Context, conversationID, userID string) error
	Viewers(ctx context.Context, conversationID string) ([]string, error)
}

// RedisConfig addresses the redis server holding viewing keys.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisViewers keeps one expiring key per viewer:
// chatsync:viewing:<conversation>:<user>. Expiry is left to redis.
type RedisViewers struct {
	rdb *redis.Client
}

// NewRedisViewers connects to redis and checks the connection.
func NewRedisViewers(ctx context.Context, cfg RedisConfig) (*RedisViewers, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return &RedisViewers{rdb: rdb}, nil
}

// NewRedisViewersFromClient wraps an existing client.
func NewRedisViewersFromClient(rdb *redis.Client) *RedisViewers {
	return &RedisViewers{rdb: rdb}
}

func viewingPrefix(conversationID string) string {
	return "chatsync:viewing:" + conversationID + ":"
}

func viewingKey(conversationID, userID string) string {
	return viewingPrefix(conversationID) + userID
}

// SetViewing marks userID as viewing for ttl.
func (r *RedisViewers) SetViewing(ctx context.Context, conversationID, userID string, ttl time.Duration) error {
	return r.rdb.Set(ctx, viewingKey(conversationID, userID), "1", ttl).Err()
}

// ClearViewing removes userID's viewing key.
func (r *RedisViewers) ClearViewing(ctx context.Context, conversationID, userID string) error {
	return r.rdb.Del(ctx, viewingKey(conversationID, userID)).Err()
}

// Viewers lists the users whose viewing key has not expired.
func (r *RedisViewers) Viewers(ctx context.Context, conversationID string) ([]string, error) {
	prefix := viewingPrefix(conversationID)
	var users []string
	iter := r.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		users = append(users, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// Close closes the client.
func (r *RedisViewers) Close() error {
	return r.rdb.Close()
}
