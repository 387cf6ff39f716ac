package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tablazat/quotebot/internal/conversation"
)

// DefaultOpTimeout bounds a store call when no timeout is configured.
const DefaultOpTimeout = 5 * time.Second

// bounded decorates a Store so every call carries a deadline. A saturated
// connection pool queues acquisitions until the deadline, then the call
// fails with conversation.ErrResourceExhausted instead of blocking the
// request indefinitely.
type bounded struct {
	inner   Store
	timeout time.Duration
}

// Bounded wraps inner with a per-call timeout. Calls that the caller's own
// context cancels keep their original error; only deadlines introduced by
// the wrapper translate into ErrResourceExhausted.
func Bounded(inner Store, timeout time.Duration) Store {
	if timeout <= 0 {
		timeout = DefaultOpTimeout
	}
	return &bounded{inner: inner, timeout: timeout}
}

func (b *bounded) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.timeout)
}

func (b *bounded) classify(parent context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Errorf("%w: store unavailable within %s", conversation.ErrResourceExhausted, b.timeout)
	}
	return err
}

func (b *bounded) CreateConversation(ctx context.Context, conv *conversation.Conversation) error {
	opCtx, cancel := b.bind(ctx)
	defer cancel()
	return b.classify(ctx, b.inner.CreateConversation(opCtx, conv))
}

func (b *bounded) GetConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	opCtx, cancel := b.bind(ctx)
	defer cancel()
	conv, err := b.inner.GetConversation(opCtx, id)
	return conv, b.classify(ctx, err)
}

func (b *bounded) FindActiveBySession(ctx context.Context, sessionID string) (*conversation.Conversation, error) {
	opCtx, cancel := b.bind(ctx)
	defer cancel()
	conv, err := b.inner.FindActiveBySession(opCtx, sessionID)
	return conv, b.classify(ctx, err)
}

func (b *bounded) UpdateConversation(ctx context.Context, conv *conversation.Conversation) error {
	opCtx, cancel := b.bind(ctx)
	defer cancel()
	return b.classify(ctx, b.inner.UpdateConversation(opCtx, conv))
}

func (b *bounded) CompareAndSetState(ctx context.Context, id string, from, to conversation.State, completedAt *time.Time) (bool, error) {
	opCtx, cancel := b.bind(ctx)
	defer cancel()
	ok, err := b.inner.CompareAndSetState(opCtx, id, from, to, completedAt)
	return ok, b.classify(ctx, err)
}

func (b *bounded) AppendMessage(ctx context.Context, msg *conversation.Message) error {
	opCtx, cancel := b.bind(ctx)
	defer cancel()
	return b.classify(ctx, b.inner.AppendMessage(opCtx, msg))
}

func (b *bounded) ListMessages(ctx context.Context, conversationID string) ([]*conversation.Message, error) {
	opCtx, cancel := b.bind(ctx)
	defer cancel()
	msgs, err := b.inner.ListMessages(opCtx, conversationID)
	return msgs, b.classify(ctx, err)
}

func (b *bounded) RecordAttempt(ctx context.Context, attempt *conversation.DeliveryAttempt) error {
	opCtx, cancel := b.bind(ctx)
	defer cancel()
	return b.classify(ctx, b.inner.RecordAttempt(opCtx, attempt))
}

func (b *bounded) ListAttempts(ctx context.Context, conversationID string) ([]*conversation.DeliveryAttempt, error) {
	opCtx, cancel := b.bind(ctx)
	defer cancel()
	attempts, err := b.inner.ListAttempts(opCtx, conversationID)
	return attempts, b.classify(ctx, err)
}

func (b *bounded) ListStalled(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	opCtx, cancel := b.bind(ctx)
	defer cancel()
	ids, err := b.inner.ListStalled(opCtx, cutoff, limit)
	return ids, b.classify(ctx, err)
}

func (b *bounded) DeleteConversation(ctx context.Context, id string) error {
	opCtx, cancel := b.bind(ctx)
	defer cancel()
	return b.classify(ctx, b.inner.DeleteConversation(opCtx, id))
}

func (b *bounded) Ping(ctx context.Context) error {
	opCtx, cancel := b.bind(ctx)
	defer cancel()
	return b.classify(ctx, b.inner.Ping(opCtx))
}

func (b *bounded) Close() error {
	return b.inner.Close()
}
