package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/tablazat/quotebot/internal/conversation"
	"github.com/tablazat/quotebot/internal/extract"
)

type startRequest struct {
	conversation.InitialContext
}

type startResponse struct {
	ConversationID string    `json:"conversation_id"`
	Status         string    `json:"status"`
	Reply          string    `json:"reply,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type messageRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

type messageResponse struct {
	Answer               string           `json:"answer"`
	ConversationComplete bool             `json:"conversation_complete"`
	Buttons              []extract.Button `json:"buttons"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

const maxMessageLength = 4000

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "malformed JSON body")
		return
	}

	result, err := s.engine.Start(r.Context(), req.InitialContext)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	status := "started"
	if result.Existing {
		status = "resumed"
	}
	writeJSON(w, http.StatusOK, startResponse{
		ConversationID: result.ConversationID,
		Status:         status,
		Reply:          result.Reply,
		Timestamp:      time.Now().UTC(),
	})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "malformed JSON body")
		return
	}
	if req.ConversationID == "" || req.Message == "" {
		writeJSONError(w, http.StatusBadRequest, "bad_request",
			"conversation_id and message are required")
		return
	}
	if len(req.Message) > maxMessageLength {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "message too long")
		return
	}

	result, err := s.engine.SendMessage(r.Context(), req.ConversationID, req.Message)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	buttons := result.Buttons
	if buttons == nil {
		buttons = []extract.Button{}
	}
	writeJSON(w, http.StatusOK, messageResponse{
		Answer:               result.Reply,
		ConversationComplete: result.Complete,
		Buttons:              buttons,
	})
}

type statusResponse struct {
	ConversationID string            `json:"conversation_id"`
	SessionID      string            `json:"session_id"`
	State          string            `json:"state"`
	Fields         map[string]string `json:"fields"`
	MessageCount   int               `json:"message_count"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	conv, err := s.engine.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		ConversationID: conv.ID,
		SessionID:      conv.SessionID,
		State:          string(conv.State),
		Fields:         conv.Fields,
		MessageCount:   conv.MessageCount,
		CreatedAt:      conv.CreatedAt,
		LastActivityAt: conv.LastActivityAt,
		CompletedAt:    conv.CompletedAt,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	history, err := s.engine.GetHistory(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": id,
		"messages":        history,
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{"store": "ok", "cache": "ok"}
	status := http.StatusOK

	if err := s.store.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.cache.Ping(ctx); err != nil {
		// Degraded, not down: the store is authoritative.
		checks["cache"] = err.Error()
	}

	writeJSON(w, status, map[string]any{
		"status": map[int]string{
			http.StatusOK:                 "healthy",
			http.StatusServiceUnavailable: "unhealthy",
		}[status],
		"checks":    checks,
		"timestamp": time.Now().UTC(),
	})
}

// writeEngineError maps the engine's error taxonomy to HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conversation.ErrInvalidContext):
		writeJSONError(w, http.StatusBadRequest, "invalid_context", err.Error())
	case errors.Is(err, conversation.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", "conversation not found")
	case errors.Is(err, conversation.ErrConversationClosed):
		writeJSONError(w, http.StatusConflict, "conversation_closed",
			"conversation no longer accepts messages")
	case errors.Is(err, conversation.ErrResourceExhausted):
		writeJSONError(w, http.StatusTooManyRequests, "resource_exhausted",
			"service busy, retry shortly")
	case errors.Is(err, conversation.ErrTransientUpstream):
		writeJSONError(w, http.StatusServiceUnavailable, "upstream_unavailable",
			"the assistant is temporarily unavailable, please try again")
	default:
		s.logger.Error("internal error", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}
