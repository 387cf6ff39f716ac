package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tablazat/quotebot/internal/conversation"
)

// Memory implements Store in process memory. It backs tests and dev mode
// and mirrors the Postgres semantics, including the conditional state
// transition and the unique (conversation, seq) message key.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]*conversation.Conversation
	messages      map[string][]*conversation.Message
	attempts      map[string][]*conversation.DeliveryAttempt
	closed        bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*conversation.Conversation),
		messages:      make(map[string][]*conversation.Message),
		attempts:      make(map[string][]*conversation.DeliveryAttempt),
	}
}

func (m *Memory) CreateConversation(_ context.Context, conv *conversation.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.conversations[conv.ID]; ok {
		return fmt.Errorf("conversation %s already exists", conv.ID)
	}
	m.conversations[conv.ID] = conv.Clone()
	return nil
}

func (m *Memory) GetConversation(_ context.Context, id string) (*conversation.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return conv.Clone(), nil
}

func (m *Memory) FindActiveBySession(_ context.Context, sessionID string) (*conversation.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var newest *conversation.Conversation
	for _, conv := range m.conversations {
		if conv.SessionID != sessionID || conv.State != conversation.StateActive {
			continue
		}
		if newest == nil || conv.CreatedAt.After(newest.CreatedAt) {
			newest = conv
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	return newest.Clone(), nil
}

func (m *Memory) UpdateConversation(_ context.Context, conv *conversation.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.conversations[conv.ID]; !ok {
		return ErrNotFound
	}
	m.conversations[conv.ID] = conv.Clone()
	return nil
}

func (m *Memory) CompareAndSetState(_ context.Context, id string, from, to conversation.State, completedAt *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	conv, ok := m.conversations[id]
	if !ok || conv.State != from {
		return false, nil
	}
	conv.State = to
	if completedAt != nil {
		t := *completedAt
		conv.CompletedAt = &t
	}
	conv.LastActivityAt = time.Now().UTC()
	return true, nil
}

func (m *Memory) AppendMessage(_ context.Context, msg *conversation.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	conv.MessageCount++
	conv.LastActivityAt = msg.CreatedAt
	msg.Seq = conv.MessageCount
	cp := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &cp)
	return nil
}

func (m *Memory) ListMessages(_ context.Context, conversationID string) ([]*conversation.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	msgs := make([]*conversation.Message, 0, len(m.messages[conversationID]))
	for _, msg := range m.messages[conversationID] {
		cp := *msg
		msgs = append(msgs, &cp)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Seq < msgs[j].Seq })
	return msgs, nil
}

func (m *Memory) RecordAttempt(_ context.Context, attempt *conversation.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cp := *attempt
	m.attempts[attempt.ConversationID] = append(m.attempts[attempt.ConversationID], &cp)
	return nil
}

func (m *Memory) ListAttempts(_ context.Context, conversationID string) ([]*conversation.DeliveryAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	attempts := make([]*conversation.DeliveryAttempt, 0, len(m.attempts[conversationID]))
	for _, a := range m.attempts[conversationID] {
		cp := *a
		attempts = append(attempts, &cp)
	}
	sort.Slice(attempts, func(i, j int) bool { return attempts[i].Attempt < attempts[j].Attempt })
	return attempts, nil
}

func (m *Memory) ListStalled(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var ids []string
	for id, conv := range m.conversations {
		if conv.State != conversation.StateComplete {
			continue
		}
		recent := false
		for _, a := range m.attempts[id] {
			if a.CreatedAt.After(cutoff) {
				recent = true
				break
			}
		}
		if !recent {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *Memory) DeleteConversation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.conversations, id)
	delete(m.messages, id)
	delete(m.attempts, id)
	return nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
