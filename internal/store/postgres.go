package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tablazat/quotebot/internal/conversation"
)

// PostgresConfig holds connection settings for the durable store.
type PostgresConfig struct {
	// DSN is the Postgres connection string.
	DSN string
	// MaxConns bounds the connection pool (default 20).
	MaxConns int32
	// MinConns keeps connections warm (default 2).
	MinConns int32
	// Timeout applies to the construction-time ping; callers pass the
	// same value to Bounded for per-call deadlines.
	Timeout time.Duration
}

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres store, verifying connectivity before
// returning.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool. Useful for tests that manage
// their own pool lifecycle.
func NewPostgresFromPool(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	conversation_id  TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL,
	upstream_id      TEXT NOT NULL DEFAULT '',
	state            TEXT NOT NULL,
	context          JSONB NOT NULL,
	fields           JSONB NOT NULL DEFAULT '{}',
	message_count    INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL,
	last_activity_at TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_conversations_session
	ON conversations (session_id) WHERE state = 'active';
CREATE INDEX IF NOT EXISTS idx_conversations_state
	ON conversations (state);

CREATE TABLE IF NOT EXISTS messages (
	conversation_id     TEXT NOT NULL REFERENCES conversations ON DELETE CASCADE,
	seq                 INTEGER NOT NULL,
	role                TEXT NOT NULL,
	content             TEXT NOT NULL,
	upstream_message_id TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (conversation_id, seq)
);

CREATE TABLE IF NOT EXISTS delivery_attempts (
	conversation_id TEXT NOT NULL REFERENCES conversations ON DELETE CASCADE,
	attempt         INTEGER NOT NULL,
	outcome         TEXT NOT NULL,
	status_code     INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (conversation_id, attempt)
);
`

// Migrate creates the schema if it doesn't exist yet.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *Postgres) CreateConversation(ctx context.Context, conv *conversation.Conversation) error {
	ctxJSON, err := json.Marshal(conv.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	fieldsJSON, err := json.Marshal(conv.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO conversations
			(conversation_id, session_id, upstream_id, state, context, fields,
			 message_count, created_at, last_activity_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		conv.ID, conv.SessionID, conv.UpstreamID, conv.State, ctxJSON, fieldsJSON,
		conv.MessageCount, conv.CreatedAt, conv.LastActivityAt, conv.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (p *Postgres) GetConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT conversation_id, session_id, upstream_id, state, context, fields,
		       message_count, created_at, last_activity_at, completed_at
		FROM conversations WHERE conversation_id = $1`, id)
	return scanConversation(row)
}

func (p *Postgres) FindActiveBySession(ctx context.Context, sessionID string) (*conversation.Conversation, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT conversation_id, session_id, upstream_id, state, context, fields,
		       message_count, created_at, last_activity_at, completed_at
		FROM conversations
		WHERE session_id = $1 AND state = $2
		ORDER BY created_at DESC LIMIT 1`, sessionID, conversation.StateActive)
	return scanConversation(row)
}

func scanConversation(row pgx.Row) (*conversation.Conversation, error) {
	var (
		conv       conversation.Conversation
		ctxJSON    []byte
		fieldsJSON []byte
	)
	err := row.Scan(&conv.ID, &conv.SessionID, &conv.UpstreamID, &conv.State,
		&ctxJSON, &fieldsJSON, &conv.MessageCount,
		&conv.CreatedAt, &conv.LastActivityAt, &conv.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	if err := json.Unmarshal(ctxJSON, &conv.Context); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	if err := json.Unmarshal(fieldsJSON, &conv.Fields); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	return &conv, nil
}

func (p *Postgres) UpdateConversation(ctx context.Context, conv *conversation.Conversation) error {
	fieldsJSON, err := json.Marshal(conv.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE conversations
		SET state = $2, fields = $3, message_count = $4,
		    last_activity_at = $5, completed_at = $6, upstream_id = $7
		WHERE conversation_id = $1`,
		conv.ID, conv.State, fieldsJSON, conv.MessageCount,
		conv.LastActivityAt, conv.CompletedAt, conv.UpstreamID)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) CompareAndSetState(ctx context.Context, id string, from, to conversation.State, completedAt *time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE conversations
		SET state = $3, completed_at = COALESCE($4, completed_at),
		    last_activity_at = now()
		WHERE conversation_id = $1 AND state = $2`,
		id, from, to, completedAt)
	if err != nil {
		return false, fmt.Errorf("compare-and-set state: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendMessage assigns the next seq from the conversation row and inserts
// the message in one transaction, so a crash can never leave a message
// whose number the counter doesn't account for.
func (p *Postgres) AppendMessage(ctx context.Context, msg *conversation.Message) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var seq int
	err = tx.QueryRow(ctx, `
		UPDATE conversations
		SET message_count = message_count + 1, last_activity_at = $2
		WHERE conversation_id = $1
		RETURNING message_count`,
		msg.ConversationID, msg.CreatedAt).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("advance message count: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO messages
			(conversation_id, seq, role, content, upstream_message_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ConversationID, seq, msg.Role, msg.Content, msg.UpstreamMsgID, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	msg.Seq = seq
	return nil
}

func (p *Postgres) ListMessages(ctx context.Context, conversationID string) ([]*conversation.Message, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT conversation_id, seq, role, content, upstream_message_id, created_at
		FROM messages WHERE conversation_id = $1 ORDER BY seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []*conversation.Message
	for rows.Next() {
		var m conversation.Message
		if err := rows.Scan(&m.ConversationID, &m.Seq, &m.Role, &m.Content,
			&m.UpstreamMsgID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

func (p *Postgres) RecordAttempt(ctx context.Context, attempt *conversation.DeliveryAttempt) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO delivery_attempts
			(conversation_id, attempt, outcome, status_code, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		attempt.ConversationID, attempt.Attempt, attempt.Outcome,
		attempt.StatusCode, attempt.Error, attempt.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert delivery attempt: %w", err)
	}
	return nil
}

func (p *Postgres) ListAttempts(ctx context.Context, conversationID string) ([]*conversation.DeliveryAttempt, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT conversation_id, attempt, outcome, status_code, error, created_at
		FROM delivery_attempts WHERE conversation_id = $1 ORDER BY attempt`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query delivery attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*conversation.DeliveryAttempt
	for rows.Next() {
		var a conversation.DeliveryAttempt
		if err := rows.Scan(&a.ConversationID, &a.Attempt, &a.Outcome,
			&a.StatusCode, &a.Error, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery attempt: %w", err)
		}
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

func (p *Postgres) ListStalled(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT c.conversation_id
		FROM conversations c
		WHERE c.state = $1
		  AND NOT EXISTS (
			SELECT 1 FROM delivery_attempts a
			WHERE a.conversation_id = c.conversation_id
			  AND a.created_at > $2
		  )
		ORDER BY c.completed_at
		LIMIT $3`, conversation.StateComplete, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stalled conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stalled id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *Postgres) DeleteConversation(ctx context.Context, id string) error {
	// Messages and attempts cascade.
	if _, err := p.pool.Exec(ctx,
		`DELETE FROM conversations WHERE conversation_id = $1`, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
