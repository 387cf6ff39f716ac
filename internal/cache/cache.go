// Package cache provides the TTL-bounded fast-path mirror of active
// conversation state. The cache is never authoritative: the engine writes
// to the durable store first and treats every cache failure after a durable
// commit as survivable.
package cache

import (
	"context"
	"errors"

	"github.com/tablazat/quotebot/internal/conversation"
)

// Sentinel errors for cache operations.
var (
	// ErrMiss is returned when a key is absent or expired.
	ErrMiss = errors.New("cache miss")
	// ErrClosed is returned when operating on a closed cache.
	ErrClosed = errors.New("cache is closed")
)

// Cache abstracts the fast-path store. Implementations must be safe for
// concurrent use.
type Cache interface {
	// GetConversation returns the cached conversation or ErrMiss.
	GetConversation(ctx context.Context, id string) (*conversation.Conversation, error)

	// PutConversation writes a conversation with the configured TTL.
	PutConversation(ctx context.Context, conv *conversation.Conversation) error

	// Invalidate drops a conversation entry, leaving messages intact.
	Invalidate(ctx context.Context, id string) error

	// AppendMessage appends one message to the cached history.
	AppendMessage(ctx context.Context, msg *conversation.Message) error

	// GetMessages returns the cached history in append order, or ErrMiss
	// when nothing is cached.
	GetMessages(ctx context.Context, conversationID string) ([]*conversation.Message, error)

	// PutMessages replaces the cached history wholesale (repopulation
	// after a miss).
	PutMessages(ctx context.Context, conversationID string, msgs []*conversation.Message) error

	// Delete removes all cached state for a conversation.
	Delete(ctx context.Context, conversationID string) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases resources held by the cache.
	Close() error
}
