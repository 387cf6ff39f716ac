package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablazat/quotebot/internal/aiclient"
	"github.com/tablazat/quotebot/internal/cache"
	"github.com/tablazat/quotebot/internal/completion"
	"github.com/tablazat/quotebot/internal/conversation"
	"github.com/tablazat/quotebot/internal/engine"
	"github.com/tablazat/quotebot/internal/log"
	"github.com/tablazat/quotebot/internal/store"
)

type scriptedExchanger struct {
	reply   *aiclient.Reply
	failErr error
}

func (s *scriptedExchanger) respond() (*aiclient.Reply, error) {
	if s.failErr != nil {
		return nil, s.failErr
	}
	if s.reply != nil {
		r := *s.reply
		return &r, nil
	}
	return &aiclient.Reply{Text: "hello there", UpstreamID: "up-1", MessageID: "m-1"}, nil
}

func (s *scriptedExchanger) CreateConversation(context.Context, string, map[string]any, string) (*aiclient.Reply, error) {
	return s.respond()
}

func (s *scriptedExchanger) Exchange(context.Context, string, string, string) (*aiclient.Reply, error) {
	return s.respond()
}

func (s *scriptedExchanger) GetVariables(context.Context, string, string) (map[string]string, error) {
	return nil, nil
}

type noopEnqueuer struct{}

func (noopEnqueuer) Enqueue(string) {}

type apiEnv struct {
	server *httptest.Server
	ai     *scriptedExchanger
	apiKey string
}

func newAPIEnv(t *testing.T, cfg Config) *apiEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	ca := cache.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "quotebot:", time.Hour)
	t.Cleanup(func() { _ = ca.Close() })

	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })

	ai := &scriptedExchanger{}
	det := completion.New(nil, []string{"customer_name", "customer_email", "product_type"})
	eng := engine.New(st, ca, ai, det, noopEnqueuer{}, log.Nop())

	srv := NewServer(cfg, eng, st, ca, log.Nop())
	ts := httptest.NewServer(srv.http.Handler)
	t.Cleanup(ts.Close)

	return &apiEnv{server: ts, ai: ai, apiKey: cfg.APIKey}
}

func (e *apiEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	if e.apiKey != "" {
		req.Header.Set("X-API-Key", e.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func startBody(sessionID string) map[string]any {
	return map[string]any{
		"session_id":   sessionID,
		"current_date": "2026-09-01",
		"traffic_data": map[string]any{
			"landing_page":            "/forklifts",
			"conversation_start_page": "/forklifts/electric",
		},
		"interaction_data": map[string]any{"device_type": "mobile"},
		"compliance_data":  map[string]any{"privacy_policy_accepted": true},
	}
}

func (e *apiEnv) startConversation(t *testing.T, sessionID string) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/v1/conversations/start", startBody(sessionID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decodeBody[startResponse](t, resp).ConversationID
}

func TestStartEndpoint(t *testing.T) {
	env := newAPIEnv(t, Config{})

	resp := env.do(t, http.MethodPost, "/api/v1/conversations/start", startBody("s1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[startResponse](t, resp)
	assert.Equal(t, "started", body.Status)
	assert.NotEmpty(t, body.ConversationID)
	assert.Equal(t, "hello there", body.Reply)

	// Same session again resumes instead of duplicating.
	resp = env.do(t, http.MethodPost, "/api/v1/conversations/start", startBody("s1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	again := decodeBody[startResponse](t, resp)
	assert.Equal(t, "resumed", again.Status)
	assert.Equal(t, body.ConversationID, again.ConversationID)
}

func TestStartEndpoint_InvalidContext(t *testing.T) {
	env := newAPIEnv(t, Config{})

	body := startBody("s1")
	delete(body, "traffic_data")
	resp := env.do(t, http.MethodPost, "/api/v1/conversations/start", body)

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errBody := decodeBody[errorResponse](t, resp)
	assert.Equal(t, "invalid_context", errBody.Error)
	assert.Contains(t, errBody.Message, "landing_page")
}

func TestStartEndpoint_MalformedJSON(t *testing.T) {
	env := newAPIEnv(t, Config{})

	resp, err := env.server.Client().Post(
		env.server.URL+"/api/v1/conversations/start", "application/json",
		strings.NewReader("{not json"))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMessageEndpoint(t *testing.T) {
	env := newAPIEnv(t, Config{})
	id := env.startConversation(t, "s1")

	env.ai.reply = &aiclient.Reply{
		Text:       "Which model? <button>[Electric] [Diesel]</button>",
		UpstreamID: "up-1",
	}
	resp := env.do(t, http.MethodPost, "/api/v1/conversations/message",
		map[string]any{"conversation_id": id, "message": "I need a forklift"})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[messageResponse](t, resp)
	assert.Equal(t, "Which model?", body.Answer)
	assert.False(t, body.ConversationComplete)
	require.Len(t, body.Buttons, 2)
	assert.Equal(t, "Electric", body.Buttons[0].Value)
}

func TestMessageEndpoint_Validation(t *testing.T) {
	env := newAPIEnv(t, Config{})

	resp := env.do(t, http.MethodPost, "/api/v1/conversations/message",
		map[string]any{"conversation_id": "", "message": "hi"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/v1/conversations/message",
		map[string]any{"conversation_id": "conv-x", "message": strings.Repeat("a", maxMessageLength+1)})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMessageEndpoint_ErrorMapping(t *testing.T) {
	env := newAPIEnv(t, Config{})

	// Unknown conversation.
	resp := env.do(t, http.MethodPost, "/api/v1/conversations/message",
		map[string]any{"conversation_id": "conv-missing", "message": "hi"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decodeBody[errorResponse](t, resp).Error)

	// Upstream down.
	id := env.startConversation(t, "s1")
	env.ai.failErr = fmt.Errorf("%w: upstream returned 503", conversation.ErrTransientUpstream)
	resp = env.do(t, http.MethodPost, "/api/v1/conversations/message",
		map[string]any{"conversation_id": id, "message": "hi"})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "upstream_unavailable", decodeBody[errorResponse](t, resp).Error)
	env.ai.failErr = nil

	// Completed conversation refuses further messages.
	env.ai.reply = &aiclient.Reply{
		Text:       "Done, we will be in touch.",
		UpstreamID: "up-1",
		Metadata:   map[string]any{"conversation_complete": true},
	}
	resp = env.do(t, http.MethodPost, "/api/v1/conversations/message",
		map[string]any{"conversation_id": id, "message": "all set"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeBody[messageResponse](t, resp).ConversationComplete)

	resp = env.do(t, http.MethodPost, "/api/v1/conversations/message",
		map[string]any{"conversation_id": id, "message": "one more"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conversation_closed", decodeBody[errorResponse](t, resp).Error)
}

func TestHistoryEndpoint(t *testing.T) {
	env := newAPIEnv(t, Config{})
	id := env.startConversation(t, "s1")

	resp := env.do(t, http.MethodPost, "/api/v1/conversations/message",
		map[string]any{"conversation_id": id, "message": "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/conversations/"+id+"/history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		ConversationID string `json:"conversation_id"`
		Messages       []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, id, body.ConversationID)
	require.Len(t, body.Messages, 3)
	assert.Equal(t, "assistant", body.Messages[0].Role)
	assert.Equal(t, "user", body.Messages[1].Role)

	resp = env.do(t, http.MethodGet, "/api/v1/conversations/conv-missing/history", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	env := newAPIEnv(t, Config{})
	id := env.startConversation(t, "s1")

	env.ai.reply = &aiclient.Reply{
		Text:       "Noted.",
		UpstreamID: "up-1",
		Metadata: map[string]any{
			"structured_output": map[string]any{"customer_name": "John"},
		},
	}
	resp := env.do(t, http.MethodPost, "/api/v1/conversations/message",
		map[string]any{"conversation_id": id, "message": "I'm John"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/conversations/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[statusResponse](t, resp)
	assert.Equal(t, id, body.ConversationID)
	assert.Equal(t, "s1", body.SessionID)
	assert.Equal(t, "active", body.State)
	assert.Equal(t, 3, body.MessageCount)
	assert.Equal(t, "John", body.Fields["customer_name"])
	assert.Nil(t, body.CompletedAt)

	resp = env.do(t, http.MethodGet, "/api/v1/conversations/conv-missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteEndpoint(t *testing.T) {
	env := newAPIEnv(t, Config{})
	id := env.startConversation(t, "s1")

	resp := env.do(t, http.MethodDelete, "/api/v1/conversations/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/conversations/"+id+"/history", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuthMiddleware(t *testing.T) {
	env := newAPIEnv(t, Config{APIKey: "secret"})

	// Missing key is rejected.
	req, err := http.NewRequest(http.MethodPost,
		env.server.URL+"/api/v1/conversations/start", strings.NewReader("{}"))
	require.NoError(t, err)
	resp, err := env.server.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Probes stay open.
	resp2, err := env.server.Client().Get(env.server.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	// The right key passes through.
	resp3 := env.do(t, http.MethodPost, "/api/v1/conversations/start", startBody("s1"))
	assert.Equal(t, http.StatusOK, resp3.StatusCode)
}

func TestRateLimitMiddleware(t *testing.T) {
	env := newAPIEnv(t, Config{
		RateLimit: &RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2},
	})

	codes := make(map[int]int)
	for range 4 {
		resp := env.do(t, http.MethodGet, "/api/v1/conversations/conv-missing/history", nil)
		codes[resp.StatusCode]++
	}
	assert.Equal(t, 2, codes[http.StatusNotFound])
	assert.Equal(t, 2, codes[http.StatusTooManyRequests])

	// Probes don't draw from the budget, even with it exhausted.
	for range 3 {
		resp := env.do(t, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newAPIEnv(t, Config{})

	resp := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "ok", body.Checks["store"])
	assert.Equal(t, "ok", body.Checks["cache"])
}
