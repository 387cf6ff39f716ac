// Package aiclient talks to the upstream conversational-AI backend. The
// backend is opaque to the engine: submit a message, receive a reply plus
// optional machine-readable metadata.
package aiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tablazat/quotebot/internal/conversation"
)

// Reply is one upstream exchange result.
type Reply struct {
	// Text is the assistant's answer.
	Text string
	// UpstreamID is the backend's conversation identifier, returned on
	// the first exchange and echoed afterwards.
	UpstreamID string
	// MessageID is the backend's identifier for this answer.
	MessageID string
	// Metadata carries machine-readable signals (completion flag,
	// structured output, collected variables).
	Metadata map[string]any
}

// Exchanger is the engine's view of the upstream backend.
type Exchanger interface {
	// CreateConversation opens an upstream conversation with the context
	// snapshot as inputs and returns the first assistant reply.
	CreateConversation(ctx context.Context, sessionID string, inputs map[string]any, firstMessage string) (*Reply, error)

	// Exchange sends one user message and returns the assistant reply.
	// Errors wrap conversation.ErrTransientUpstream for timeouts,
	// connection failures, and 5xx; conversation.ErrPermanentUpstream
	// for explicit 4xx rejections.
	Exchange(ctx context.Context, upstreamID, sessionID, text string) (*Reply, error)

	// GetVariables returns the variables the backend has collected for
	// the conversation so far, stringified per name. Returns an empty
	// result when upstreamID is still unknown.
	GetVariables(ctx context.Context, upstreamID, sessionID string) (map[string]string, error)
}

// Config holds client settings.
type Config struct {
	// BaseURL is the upstream API root, e.g. "https://ai.example.com/v1".
	BaseURL string
	// APIKey is sent as a bearer token.
	APIKey string
	// Timeout bounds each exchange round trip (default 30s).
	Timeout time.Duration
	// MaxConns bounds the outbound connection pool (default 100).
	MaxConns int
}

// Client implements Exchanger against a blocking chat-messages endpoint.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// New creates a Client with a bounded connection pool.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 100
	}

	transport := &http.Transport{
		MaxConnsPerHost:     maxConns,
		MaxIdleConnsPerHost: maxConns / 5,
		IdleConnTimeout:     30 * time.Second,
	}

	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout, Transport: transport},
	}
}

type chatRequest struct {
	Inputs         map[string]any `json:"inputs"`
	Query          string         `json:"query"`
	ResponseMode   string         `json:"response_mode"`
	ConversationID string         `json:"conversation_id,omitempty"`
	User           string         `json:"user"`
}

type chatResponse struct {
	ConversationID string         `json:"conversation_id"`
	MessageID      string         `json:"message_id"`
	Answer         string         `json:"answer"`
	Metadata       map[string]any `json:"metadata"`
}

func (c *Client) CreateConversation(ctx context.Context, sessionID string, inputs map[string]any, firstMessage string) (*Reply, error) {
	if inputs == nil {
		inputs = map[string]any{}
	}
	return c.post(ctx, chatRequest{
		Inputs:       inputs,
		Query:        firstMessage,
		ResponseMode: "blocking",
		User:         sessionID,
	})
}

func (c *Client) Exchange(ctx context.Context, upstreamID, sessionID, text string) (*Reply, error) {
	return c.post(ctx, chatRequest{
		Inputs:         map[string]any{},
		Query:          text,
		ResponseMode:   "blocking",
		ConversationID: upstreamID,
		User:           sessionID,
	})
}

type variablesResponse struct {
	Data []struct {
		Name  string `json:"name"`
		Value any    `json:"value"`
	} `json:"data"`
}

// GetVariables fetches the conversation variables the backend holds
// server-side; they don't always surface in chat reply metadata.
func (c *Client) GetVariables(ctx context.Context, upstreamID, sessionID string) (map[string]string, error) {
	if upstreamID == "" {
		return nil, nil
	}

	endpoint := fmt.Sprintf("%s/conversations/%s/variables?user=%s",
		c.baseURL, url.PathEscape(upstreamID), url.QueryEscape(sessionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: get variables: %v", conversation.ErrTransientUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	var parsed variablesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode variables: %v", conversation.ErrTransientUpstream, err)
	}

	vars := make(map[string]string, len(parsed.Data))
	for _, v := range parsed.Data {
		if v.Name == "" {
			continue
		}
		if s := stringifyValue(v.Value); s != "" {
			vars[v.Name] = s
		}
	}
	return vars, nil
}

func stringifyValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func (c *Client) post(ctx context.Context, req chatRequest) (*Reply, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat-messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		// Timeouts, DNS failures, refused connections.
		return nil, fmt.Errorf("%w: exchange: %v", conversation.ErrTransientUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", conversation.ErrTransientUpstream, err)
	}

	return &Reply{
		Text:       parsed.Answer,
		UpstreamID: parsed.ConversationID,
		MessageID:  parsed.MessageID,
		Metadata:   parsed.Metadata,
	}, nil
}

func classifyStatus(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: upstream returned %d: %s",
			conversation.ErrTransientUpstream, resp.StatusCode, snippet)
	}
	return fmt.Errorf("%w: upstream returned %d: %s",
		conversation.ErrPermanentUpstream, resp.StatusCode, snippet)
}

// IsTransient reports whether err is a retriable exchange failure.
func IsTransient(err error) bool {
	return errors.Is(err, conversation.ErrTransientUpstream)
}
