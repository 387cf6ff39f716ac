// Package store provides durable persistence for conversations, their
// message history, and delivery attempts. The store is the source of truth;
// the cache only ever mirrors it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tablazat/quotebot/internal/conversation"
)

// Sentinel errors for storage operations.
var (
	// ErrNotFound is returned when a conversation doesn't exist.
	ErrNotFound = errors.New("not found")
	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("store is closed")
)

// Store abstracts the durable backend. Implementations must be safe for
// concurrent use.
type Store interface {
	// CreateConversation persists a new conversation.
	CreateConversation(ctx context.Context, conv *conversation.Conversation) error

	// GetConversation retrieves a conversation by ID.
	// Returns ErrNotFound if it doesn't exist.
	GetConversation(ctx context.Context, id string) (*conversation.Conversation, error)

	// FindActiveBySession returns the active conversation for a session,
	// or ErrNotFound. A session maps to at most one active conversation.
	FindActiveBySession(ctx context.Context, sessionID string) (*conversation.Conversation, error)

	// UpdateConversation overwrites the mutable columns (state, fields,
	// message count, timestamps) of an existing conversation.
	UpdateConversation(ctx context.Context, conv *conversation.Conversation) error

	// CompareAndSetState transitions state from "from" to "to" only if the
	// stored state still equals "from". Returns false when it doesn't.
	CompareAndSetState(ctx context.Context, id string, from, to conversation.State, completedAt *time.Time) (bool, error)

	// AppendMessage persists one message, assigning the next sequence
	// number and advancing the conversation's message count in the same
	// atomic write. The assigned number is written back to msg.Seq.
	// Returns ErrNotFound for an unknown conversation.
	AppendMessage(ctx context.Context, msg *conversation.Message) error

	// ListMessages returns a conversation's messages in seq order.
	ListMessages(ctx context.Context, conversationID string) ([]*conversation.Message, error)

	// RecordAttempt persists one delivery attempt.
	RecordAttempt(ctx context.Context, attempt *conversation.DeliveryAttempt) error

	// ListAttempts returns a conversation's delivery attempts in order.
	ListAttempts(ctx context.Context, conversationID string) ([]*conversation.DeliveryAttempt, error)

	// ListStalled returns conversations stuck in the complete state with
	// no delivery attempt recorded since the cutoff. Feeds the sweeper.
	ListStalled(ctx context.Context, cutoff time.Time, limit int) ([]string, error)

	// DeleteConversation removes a conversation with its messages and
	// attempts. Idempotent on a missing ID.
	DeleteConversation(ctx context.Context, id string) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}
