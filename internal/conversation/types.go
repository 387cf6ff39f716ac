// Package conversation defines the domain model shared by the engine,
// the storage adapters, and the delivery subsystem: conversations, their
// ordered messages, delivery attempts, and the error taxonomy surfaced to
// callers.
package conversation

import (
	"time"
)

// State is the lifecycle state of a conversation.
type State string

const (
	// StateActive accepts messages; the initial state.
	StateActive State = "active"
	// StateComplete means the detector fired; fields are frozen and a
	// delivery is pending.
	StateComplete State = "complete"
	// StateDelivered means exactly one delivery attempt succeeded.
	StateDelivered State = "delivered"
	// StateFailed means delivery was rejected or retries were exhausted.
	// Terminal; an operator can still inspect and re-trigger delivery.
	StateFailed State = "failed"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// UserData describes the end user as known at conversation start.
type UserData struct {
	IsIdentified bool   `json:"is_identified_user"`
	Name         string `json:"name,omitempty"`
	Email        string `json:"email,omitempty"`
	UserID       string `json:"user_id,omitempty"`
}

// TrafficData describes how the user arrived at the site.
type TrafficData struct {
	TrafficSource         string `json:"traffic_source,omitempty"`
	LandingPage           string `json:"landing_page,omitempty"`
	ConversationStartPage string `json:"conversation_start_page,omitempty"`
}

// InteractionData describes the client environment.
type InteractionData struct {
	DeviceType       string `json:"device_type,omitempty"`
	InitiationMethod string `json:"initiation_method,omitempty"`
}

// ComplianceData carries consent flags captured before the conversation.
type ComplianceData struct {
	PrivacyPolicyAccepted bool `json:"privacy_policy_accepted"`
}

// InitialContext is the snapshot supplied by the originating site when a
// conversation starts. Immutable after creation.
type InitialContext struct {
	SessionID   string          `json:"session_id"`
	CurrentDate string          `json:"current_date,omitempty"`
	User        UserData        `json:"user_data"`
	Traffic     TrafficData     `json:"traffic_data"`
	Interaction InteractionData `json:"interaction_data"`
	Compliance  ComplianceData  `json:"compliance_data"`
}

// Conversation is the aggregate owned by the engine. The durable store and
// the cache hold serializations of it, never independent authority.
type Conversation struct {
	ID        string `json:"conversation_id"`
	SessionID string `json:"session_id"`
	// UpstreamID is the AI backend's own identifier for this conversation.
	UpstreamID string            `json:"upstream_id,omitempty"`
	State      State             `json:"state"`
	Context    InitialContext    `json:"context"`
	Fields     map[string]string `json:"fields"`

	MessageCount   int        `json:"message_count"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers can mutate without aliasing the
// cached value.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.Fields = make(map[string]string, len(c.Fields))
	for k, v := range c.Fields {
		cp.Fields[k] = v
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// MergeFields applies extracted fields last-write-wins per name. Empty
// values never overwrite an existing value; fields are monotone.
func (c *Conversation) MergeFields(extracted map[string]string) {
	if c.Fields == nil {
		c.Fields = make(map[string]string, len(extracted))
	}
	for k, v := range extracted {
		if v == "" {
			continue
		}
		c.Fields[k] = v
	}
}

// Message is one entry in a conversation's ordered history. Seq is gapless
// and strictly increasing per conversation.
type Message struct {
	ConversationID string    `json:"conversation_id"`
	Seq            int       `json:"seq"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	UpstreamMsgID  string    `json:"upstream_message_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// AttemptOutcome classifies one delivery attempt.
type AttemptOutcome string

const (
	OutcomeSuccess          AttemptOutcome = "success"
	OutcomeTransientFailure AttemptOutcome = "transient_failure"
	OutcomePermanentFailure AttemptOutcome = "permanent_failure"
)

// DeliveryAttempt is the durable record of one callback try.
type DeliveryAttempt struct {
	ConversationID string         `json:"conversation_id"`
	Attempt        int            `json:"attempt"`
	Outcome        AttemptOutcome `json:"outcome"`
	// StatusCode is the HTTP status of the callback response, 0 when the
	// request never produced one (timeout, connection refused).
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
