// Package callback delivers the final structured result of a completed
// conversation to the originating system. Delivery is at-least-once with
// exponential backoff; the receiver dedupes by conversation identifier,
// and the deliverer itself records every attempt durably and never retries
// past a recorded success.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/tablazat/quotebot/internal/cache"
	"github.com/tablazat/quotebot/internal/conversation"
	"github.com/tablazat/quotebot/internal/log"
	"github.com/tablazat/quotebot/internal/observability"
	"github.com/tablazat/quotebot/internal/store"
)

const jitterFactor = 0.3

// Config holds delivery settings.
type Config struct {
	// URL is the callback endpoint of the originating system.
	URL string
	// Timeout bounds each callback request (default 10s).
	Timeout time.Duration
	// MaxAttempts caps retries before the conversation fails (default 5).
	MaxAttempts int
	// BaseDelay is the first backoff delay (default 1s).
	BaseDelay time.Duration
	// MaxDelay caps the backoff growth (default 1m).
	MaxDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = time.Minute
	}
}

// Deliverer sends final payloads with retry and records the outcome.
// Safe for concurrent use; concurrent Deliver calls for one conversation
// collapse to a single in-flight delivery.
type Deliverer struct {
	cfg    Config
	store  store.Store
	cache  cache.Cache
	client *http.Client
	logger log.Logger

	mu       sync.Mutex
	inflight map[string]bool

	// now and sleep are swapped out by tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDeliverer creates a Deliverer. The cache may be nil (dev mode);
// entries are invalidated, never trusted, after state transitions.
func NewDeliverer(cfg Config, st store.Store, ca cache.Cache, logger log.Logger) *Deliverer {
	cfg.applyDefaults()
	return &Deliverer{
		cfg:      cfg,
		store:    st,
		cache:    ca,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger.With("component", "callback"),
		inflight: make(map[string]bool),
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Enqueue starts a delivery in the background. The conversation keeps its
// own lifecycle; a caller disconnecting does not abort delivery.
func (d *Deliverer) Enqueue(id string) {
	go func() {
		if err := d.Deliver(context.Background(), id); err != nil {
			d.logger.Error("delivery run failed", "conversation_id", id, "error", err)
		}
	}()
}

// Deliver runs the delivery loop for one complete conversation. It fails
// only by recording delivery attempts and a terminal state; the returned
// error reports infrastructure problems (store unreachable), not callback
// outcomes.
func (d *Deliverer) Deliver(ctx context.Context, id string) error {
	if !d.acquire(id) {
		// Another delivery for this conversation is already running.
		return nil
	}
	defer d.release(id)

	conv, err := d.store.GetConversation(ctx, id)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if conv.State != conversation.StateComplete {
		// Already delivered, failed, or never completed. Re-entrant calls
		// (sweeper overlap, duplicate completion checks) are no-ops.
		return nil
	}

	payload := BuildPayload(conv, d.now())
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	prior, err := d.store.ListAttempts(ctx, id)
	if err != nil {
		return fmt.Errorf("list attempts: %w", err)
	}
	attemptNo := len(prior)

	for tries := 0; tries < d.cfg.MaxAttempts; tries++ {
		if tries > 0 {
			if err := d.sleep(ctx, d.backoff(tries)); err != nil {
				return err
			}
		}
		attemptNo++

		started := d.now()
		outcome, statusCode, sendErr := d.send(ctx, body)
		observability.RecordDeliveryAttempt(string(outcome), time.Since(started))

		attempt := &conversation.DeliveryAttempt{
			ConversationID: id,
			Attempt:        attemptNo,
			Outcome:        outcome,
			StatusCode:     statusCode,
			CreatedAt:      d.now(),
		}
		if sendErr != nil {
			attempt.Error = sendErr.Error()
		}
		if err := d.store.RecordAttempt(ctx, attempt); err != nil {
			return fmt.Errorf("record attempt: %w", err)
		}

		switch outcome {
		case conversation.OutcomeSuccess:
			return d.transition(ctx, id, conversation.StateDelivered)
		case conversation.OutcomePermanentFailure:
			d.logger.Warn("callback rejected payload",
				"conversation_id", id, "status", statusCode)
			return d.transition(ctx, id, conversation.StateFailed)
		default:
			d.logger.Warn("callback attempt failed",
				"conversation_id", id, "attempt", attemptNo, "error", sendErr)
		}
	}

	d.logger.Error("delivery attempts exhausted",
		"conversation_id", id, "attempts", d.cfg.MaxAttempts)
	return d.transition(ctx, id, conversation.StateFailed)
}

func (d *Deliverer) send(ctx context.Context, body []byte) (conversation.AttemptOutcome, int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, d.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return conversation.OutcomePermanentFailure, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return conversation.OutcomeTransientFailure, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return conversation.OutcomeSuccess, resp.StatusCode, nil
	case resp.StatusCode >= 500:
		return conversation.OutcomeTransientFailure, resp.StatusCode,
			fmt.Errorf("callback returned %d", resp.StatusCode)
	default:
		return conversation.OutcomePermanentFailure, resp.StatusCode,
			fmt.Errorf("callback returned %d", resp.StatusCode)
	}
}

// transition moves COMPLETE to the terminal state. The conditional update
// makes the transition happen exactly once even if two deliveries race past
// the in-process guard (two processes, or a sweeper overlap).
func (d *Deliverer) transition(ctx context.Context, id string, to conversation.State) error {
	ok, err := d.store.CompareAndSetState(ctx, id, conversation.StateComplete, to, nil)
	if err != nil {
		return fmt.Errorf("transition to %s: %w", to, err)
	}
	if !ok {
		d.logger.Debug("state already transitioned", "conversation_id", id, "to", to)
		return nil
	}
	observability.RecordConversationEvent(string(to))
	d.logger.Info("conversation transitioned", "conversation_id", id, "state", to)

	// Store committed; drop the stale cache entry. A failure here only
	// widens the staleness window to the cache TTL.
	if d.cache != nil {
		if err := d.cache.Invalidate(ctx, id); err != nil {
			d.logger.Warn("cache invalidation failed", "conversation_id", id, "error", err)
		}
	}
	return nil
}

// backoff returns the delay before try n (n >= 1): base doubled per try,
// capped, with ±30% jitter so many conversations retrying at once spread
// out.
func (d *Deliverer) backoff(n int) time.Duration {
	shift := n - 1
	if shift > 31 {
		shift = 31
	}
	delay := d.cfg.BaseDelay << uint(shift)
	if delay > d.cfg.MaxDelay || delay <= 0 {
		delay = d.cfg.MaxDelay
	}
	jitter := time.Duration(float64(delay) * jitterFactor * (rand.Float64()*2 - 1))
	return delay + jitter
}

func (d *Deliverer) acquire(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight[id] {
		return false
	}
	d.inflight[id] = true
	return true
}

func (d *Deliverer) release(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, id)
}
