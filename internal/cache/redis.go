package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tablazat/quotebot/internal/conversation"
)

// Redis implements Cache on a Redis client. Conversations are JSON values
// under a prefixed key; histories are Redis lists. Every write refreshes
// the TTL so an active conversation stays cached while an abandoned one
// ages out.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix (default "quotebot:").
	Prefix string
	// TTL bounds entry lifetime and therefore the staleness window after
	// a lost write-through (default 24h).
	TTL time.Duration
	// PoolSize is the connection pool size (default 50).
	PoolSize int
}

// NewRedis creates a Redis cache, verifying connectivity before returning.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 50
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return newRedis(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisFromClient wraps an existing client. Useful for testing with
// miniredis.
func NewRedisFromClient(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	return newRedis(client, prefix, ttl)
}

func newRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "quotebot:"
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) convKey(id string) string     { return r.prefix + "conv:" + id }
func (r *Redis) messagesKey(id string) string { return r.prefix + "messages:" + id }

func (r *Redis) checkOpen() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	return nil
}

func (r *Redis) GetConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	data, err := r.client.Get(ctx, r.convKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	var conv conversation.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("unmarshal conversation: %w", err)
	}
	return &conv, nil
}

func (r *Redis) PutConversation(ctx context.Context, conv *conversation.Conversation) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	if err := r.client.Set(ctx, r.convKey(conv.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("put conversation: %w", err)
	}
	return nil
}

func (r *Redis) Invalidate(ctx context.Context, id string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if err := r.client.Del(ctx, r.convKey(id)).Err(); err != nil {
		return fmt.Errorf("invalidate conversation: %w", err)
	}
	return nil
}

func (r *Redis) AppendMessage(ctx context.Context, msg *conversation.Message) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	key := r.messagesKey(msg.ConversationID)
	pipe := r.client.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (r *Redis) GetMessages(ctx context.Context, conversationID string) ([]*conversation.Message, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	data, err := r.client.LRange(ctx, r.messagesKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrMiss
	}

	msgs := make([]*conversation.Message, 0, len(data))
	for _, d := range data {
		var msg conversation.Message
		if err := json.Unmarshal([]byte(d), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}

func (r *Redis) PutMessages(ctx context.Context, conversationID string, msgs []*conversation.Message) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	key := r.messagesKey(conversationID)
	pipe := r.client.Pipeline()
	pipe.Del(ctx, key)
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		pipe.RPush(ctx, key, data)
	}
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put messages: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, conversationID string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if err := r.client.Del(ctx, r.convKey(conversationID), r.messagesKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}
