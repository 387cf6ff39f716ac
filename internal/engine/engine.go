// Package engine owns the conversation state machine: starting
// conversations, exchanging messages with the upstream AI, accumulating
// extracted fields, detecting completion, and handing completed
// conversations to the delivery subsystem.
//
// All engine operations for one conversation run under a per-key lock, so
// concurrent sends for the same conversation serialize instead of
// interleaving sequence numbers and field merges. Operations on different
// conversations proceed fully in parallel.
//
// Consistency discipline: every write commits to the durable store before
// the cache is touched; reads prefer the cache and fall back to the store,
// repopulating the cache afterward. The store is always authoritative.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/tablazat/quotebot/internal/aiclient"
	"github.com/tablazat/quotebot/internal/cache"
	"github.com/tablazat/quotebot/internal/completion"
	"github.com/tablazat/quotebot/internal/conversation"
	"github.com/tablazat/quotebot/internal/extract"
	"github.com/tablazat/quotebot/internal/log"
	"github.com/tablazat/quotebot/internal/observability"
	"github.com/tablazat/quotebot/internal/store"
)

// Enqueuer accepts completed conversations for asynchronous delivery.
type Enqueuer interface {
	Enqueue(conversationID string)
}

// Engine orchestrates the conversation lifecycle.
type Engine struct {
	store     store.Store
	cache     cache.Cache
	ai        aiclient.Exchanger
	extract   extract.Func
	detector  *completion.Detector
	deliverer Enqueuer
	logger    log.Logger

	locks  *keyedMutex
	reload singleflight.Group

	now func() time.Time
}

// New creates an Engine. The extractor defaults to extract.Fields when nil.
func New(st store.Store, ca cache.Cache, ai aiclient.Exchanger, det *completion.Detector, del Enqueuer, logger log.Logger) *Engine {
	return &Engine{
		store:     st,
		cache:     ca,
		ai:        ai,
		extract:   extract.Fields,
		detector:  det,
		deliverer: del,
		logger:    logger.With("component", "engine"),
		locks:     newKeyedMutex(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetExtractor replaces the structured-field extractor.
func (e *Engine) SetExtractor(fn extract.Func) {
	e.extract = fn
}

// StartResult is the outcome of Start.
type StartResult struct {
	ConversationID string
	Reply          string
	Buttons        []extract.Button
	// Existing is true when an active conversation for the session was
	// reused instead of created.
	Existing bool
}

// Start creates a conversation for the given context, or returns the
// session's existing active conversation so a retried page load cannot
// create a duplicate.
func (e *Engine) Start(ctx context.Context, ictx conversation.InitialContext) (*StartResult, error) {
	if err := ictx.Validate(); err != nil {
		return nil, err
	}

	// Serialize starts per session; two concurrent starts for one session
	// must agree on a single conversation.
	lockKey := "session:" + ictx.SessionID
	e.locks.Lock(lockKey)
	defer e.locks.Unlock(lockKey)

	existing, err := e.store.FindActiveBySession(ctx, ictx.SessionID)
	if err == nil {
		e.logger.Info("reusing active conversation",
			"session_id", ictx.SessionID, "conversation_id", existing.ID)
		return &StartResult{ConversationID: existing.ID, Existing: true}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("find active conversation: %w", err)
	}

	reply, err := e.ai.CreateConversation(ctx, ictx.SessionID, upstreamInputs(ictx), openingMessage(ictx))
	if err != nil {
		return nil, fmt.Errorf("create upstream conversation: %w", err)
	}

	now := e.now()
	conv := &conversation.Conversation{
		ID:             "conv-" + uuid.New().String(),
		SessionID:      ictx.SessionID,
		UpstreamID:     reply.UpstreamID,
		State:          conversation.StateActive,
		Context:        ictx,
		Fields:         map[string]string{},
		CreatedAt:      now,
		LastActivityAt: now,
	}

	if err := e.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("persist conversation: %w", err)
	}

	first := &conversation.Message{
		ConversationID: conv.ID,
		Role:           conversation.RoleAssistant,
		Content:        reply.Text,
		UpstreamMsgID:  reply.MessageID,
		CreatedAt:      now,
	}
	if err := e.store.AppendMessage(ctx, first); err != nil {
		return nil, fmt.Errorf("persist initial message: %w", err)
	}
	conv.MessageCount = first.Seq

	// Durable commit done; cache write-through is best effort.
	e.cachePut(ctx, conv)
	e.cacheAppend(ctx, first)

	observability.RecordConversationEvent("started")
	e.logger.Info("conversation started",
		"conversation_id", conv.ID, "session_id", ictx.SessionID)

	cleaned, buttons := extract.ParseButtons(reply.Text)
	return &StartResult{ConversationID: conv.ID, Reply: cleaned, Buttons: buttons}, nil
}

// SendResult is the outcome of SendMessage.
type SendResult struct {
	Reply    string
	Buttons  []extract.Button
	Complete bool
}

// SendMessage appends the user message, exchanges it with the upstream AI,
// merges extracted fields, and runs the completion check. A transient
// upstream failure leaves the conversation active with only the user
// message recorded and surfaces a typed, retriable error.
func (e *Engine) SendMessage(ctx context.Context, id, text string) (*SendResult, error) {
	e.locks.Lock(id)
	defer e.locks.Unlock(id)

	conv, err := e.loadConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.State != conversation.StateActive {
		return nil, fmt.Errorf("%w: conversation %s is %s",
			conversation.ErrConversationClosed, id, conv.State)
	}

	// The store assigns seq and advances the count in one atomic write,
	// so the loaded snapshot (possibly stale) never drives the numbering.
	now := e.now()
	userMsg := &conversation.Message{
		ConversationID: id,
		Role:           conversation.RoleUser,
		Content:        text,
		CreatedAt:      now,
	}
	if err := e.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}
	conv.MessageCount = userMsg.Seq
	conv.LastActivityAt = now
	e.cacheAppend(ctx, userMsg)

	exchangeStart := e.now()
	reply, err := e.ai.Exchange(ctx, conv.UpstreamID, conv.SessionID, text)
	observability.RecordExchange(time.Since(exchangeStart))
	if err != nil {
		// Record the activity but nothing else: no reply, no field
		// merge, no completion check. The caller tells the user to
		// try again.
		if uerr := e.persist(ctx, conv); uerr != nil {
			e.logger.Error("update after failed exchange", "conversation_id", id, "error", uerr)
		}
		return nil, fmt.Errorf("exchange: %w", err)
	}
	if conv.UpstreamID == "" {
		conv.UpstreamID = reply.UpstreamID
	}

	assistantMsg := &conversation.Message{
		ConversationID: id,
		Role:           conversation.RoleAssistant,
		Content:        reply.Text,
		UpstreamMsgID:  reply.MessageID,
		CreatedAt:      e.now(),
	}
	if err := e.store.AppendMessage(ctx, assistantMsg); err != nil {
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}
	conv.MessageCount = assistantMsg.Seq
	e.cacheAppend(ctx, assistantMsg)

	// Upstream-held variables rank below anything the reply itself
	// carries, so they merge first.
	conv.MergeFields(e.fetchVariables(ctx, conv))
	conv.MergeFields(e.extract(reply.Text, reply.Metadata, conv.Fields))

	complete := e.detector.Detect(reply.Metadata, reply.Text, conv.Fields)
	if complete {
		completedAt := e.now()
		conv.State = conversation.StateComplete
		conv.CompletedAt = &completedAt
	}

	if err := e.persist(ctx, conv); err != nil {
		return nil, err
	}

	if complete {
		observability.RecordConversationEvent("completed")
		e.logger.Info("conversation complete", "conversation_id", id)
		e.deliverer.Enqueue(id)
	}

	cleaned, buttons := extract.ParseButtons(reply.Text)
	return &SendResult{Reply: cleaned, Buttons: buttons, Complete: complete}, nil
}

// fetchVariables pulls the variables the upstream AI has collected for
// this conversation. Best effort: a failed fetch loses one extraction
// source for this turn, not correctness.
func (e *Engine) fetchVariables(ctx context.Context, conv *conversation.Conversation) map[string]string {
	vars, err := e.ai.GetVariables(ctx, conv.UpstreamID, conv.SessionID)
	if err != nil {
		e.logger.Warn("variable fetch failed", "conversation_id", conv.ID, "error", err)
		return nil
	}
	return vars
}

// HistoryEntry is one message as exposed to the API layer.
type HistoryEntry struct {
	Role      conversation.Role `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
}

// GetHistory returns the ordered message history, cache-first with
// durable fallback and cache repopulation.
func (e *Engine) GetHistory(ctx context.Context, id string) ([]HistoryEntry, error) {
	msgs, err := e.cache.GetMessages(ctx, id)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			e.logger.Warn("cache read failed", "conversation_id", id, "error", err)
		}
		v, err, _ := e.reload.Do("hist:"+id, func() (any, error) {
			// The conversation must exist even when its history is
			// empty; distinguishes NotFound from no-messages-yet.
			if _, err := e.store.GetConversation(ctx, id); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return nil, conversation.ErrNotFound
				}
				return nil, fmt.Errorf("load conversation: %w", err)
			}
			loaded, err := e.store.ListMessages(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("load messages: %w", err)
			}
			if len(loaded) > 0 {
				if err := e.cache.PutMessages(ctx, id, loaded); err != nil {
					e.logger.Warn("cache repopulation failed", "conversation_id", id, "error", err)
				}
			}
			return loaded, nil
		})
		if err != nil {
			return nil, err
		}
		msgs = v.([]*conversation.Message)
	}

	history := make([]HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, HistoryEntry{
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.CreatedAt,
		})
	}
	return history, nil
}

// GetConversation returns the conversation record, cache-first.
func (e *Engine) GetConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	return e.loadConversation(ctx, id)
}

// Delete removes durable and cached state. Idempotent on a missing
// identifier.
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.locks.Lock(id)
	defer e.locks.Unlock(id)

	if err := e.store.DeleteConversation(ctx, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if err := e.cache.Delete(ctx, id); err != nil {
		e.logger.Warn("cache delete failed", "conversation_id", id, "error", err)
	}
	observability.RecordConversationEvent("deleted")
	return nil
}

// loadConversation reads cache-first with durable fallback; concurrent
// misses for one conversation collapse to a single store read.
func (e *Engine) loadConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	conv, err := e.cache.GetConversation(ctx, id)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		e.logger.Warn("cache read failed", "conversation_id", id, "error", err)
	}

	v, err, _ := e.reload.Do("conv:"+id, func() (any, error) {
		loaded, err := e.store.GetConversation(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, conversation.ErrNotFound
			}
			return nil, fmt.Errorf("load conversation: %w", err)
		}
		e.cachePut(ctx, loaded)
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*conversation.Conversation).Clone(), nil
}

// persist writes the conversation durably, then to the cache. A cache
// failure degrades to invalidation; the TTL bounds any remaining
// staleness.
func (e *Engine) persist(ctx context.Context, conv *conversation.Conversation) error {
	if err := e.store.UpdateConversation(ctx, conv); err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	e.cachePut(ctx, conv)
	return nil
}

func (e *Engine) cachePut(ctx context.Context, conv *conversation.Conversation) {
	if err := e.cache.PutConversation(ctx, conv); err != nil {
		e.logger.Warn("cache write failed", "conversation_id", conv.ID, "error", err)
		if err := e.cache.Invalidate(ctx, conv.ID); err != nil {
			e.logger.Warn("cache invalidation failed", "conversation_id", conv.ID, "error", err)
		}
	}
}

func (e *Engine) cacheAppend(ctx context.Context, msg *conversation.Message) {
	if err := e.cache.AppendMessage(ctx, msg); err != nil {
		e.logger.Warn("cache append failed", "conversation_id", msg.ConversationID, "error", err)
		// Drop the cached history rather than leave a gap in it.
		if err := e.cache.Delete(ctx, msg.ConversationID); err != nil {
			e.logger.Warn("cache delete failed", "conversation_id", msg.ConversationID, "error", err)
		}
	}
}

// upstreamInputs flattens the context snapshot into the inputs map the
// upstream AI receives at conversation creation.
func upstreamInputs(ictx conversation.InitialContext) map[string]any {
	name := ictx.User.Name
	if name == "" {
		name = "Guest"
	}
	source := ictx.Traffic.TrafficSource
	if source == "" {
		source = "direct"
	}
	return map[string]any{
		"current_date":            ictx.CurrentDate,
		"is_identified_user":      ictx.User.IsIdentified,
		"user_name":               name,
		"user_id":                 ictx.User.UserID,
		"user_email":              ictx.User.Email,
		"traffic_source":          source,
		"landing_page":            ictx.Traffic.LandingPage,
		"conversation_start_page": ictx.Traffic.ConversationStartPage,
		"device_type":             ictx.Interaction.DeviceType,
		"initiation_method":       ictx.Interaction.InitiationMethod,
		"privacy_accepted":        ictx.Compliance.PrivacyPolicyAccepted,
	}
}

// openingMessage composes the first message sent upstream so the AI opens
// with the visitor's situation in hand.
func openingMessage(ictx conversation.InitialContext) string {
	parts := []string{"Date: " + ictx.CurrentDate}
	if ictx.User.IsIdentified && ictx.User.Name != "" {
		parts = append(parts, "User: "+ictx.User.Name)
	}
	parts = append(parts,
		"Device: "+ictx.Interaction.DeviceType,
		"Started from: "+ictx.Traffic.ConversationStartPage,
	)
	if ictx.Traffic.TrafficSource != "" {
		parts = append(parts, "Source: "+ictx.Traffic.TrafficSource)
	}
	return strings.Join(parts, "\n")
}
