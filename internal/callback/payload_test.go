package callback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tablazat/quotebot/internal/conversation"
)

func TestBuildPayload(t *testing.T) {
	created := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	conv := &conversation.Conversation{
		ID:        "conv-1",
		SessionID: "s1",
		Fields: map[string]string{
			"customer_name":  "John",
			"customer_email": "j@x.com",
			"customer_phone": "+36 1 555 0100",
			"company_name":   "Acme Kft",
			"category":       "forklift",
			"original_query": "electric forklift for a warehouse",
			"product_type":   "forklift",
			"lift_height":    "4m",
			"quantity":       "2",
		},
		Context: conversation.InitialContext{
			SessionID: "s1",
			Traffic: conversation.TrafficData{
				TrafficSource:         "google",
				ConversationStartPage: "/forklifts",
			},
			Interaction: conversation.InteractionData{
				DeviceType:       "mobile",
				InitiationMethod: "widget",
			},
			Compliance: conversation.ComplianceData{PrivacyPolicyAccepted: true},
		},
		MessageCount: 8,
		CreatedAt:    created,
	}

	p := BuildPayload(conv, created.Add(3*time.Minute))

	assert.Equal(t, "conv-1", p.ConversationID)
	assert.Equal(t, "s1", p.SessionID)

	assert.Equal(t, "John", p.CustomerInfo.Name)
	assert.Equal(t, "j@x.com", p.CustomerInfo.Email)
	assert.Equal(t, "+36 1 555 0100", p.CustomerInfo.Phone)
	if assert.NotNil(t, p.CustomerInfo.CompanyDetails) {
		assert.Equal(t, "Acme Kft", p.CustomerInfo.CompanyDetails.CompanyName)
	}

	assert.Equal(t, "forklift", p.ProductRequest.CategoryGuess)
	assert.Equal(t, "electric forklift for a warehouse", p.ProductRequest.OriginalUserQuery)
	// Identity fields stay out of the specifications.
	assert.Equal(t, map[string]string{
		"product_type": "forklift",
		"lift_height":  "4m",
		"quantity":     "2",
	}, p.ProductRequest.Specifications)

	assert.Equal(t, "google", p.Metadata.TrafficSource)
	assert.Equal(t, "/forklifts", p.Metadata.ConversationStartPage)
	assert.Equal(t, "mobile", p.Metadata.DeviceType)
	assert.Equal(t, "widget", p.Metadata.InitiationMethod)
	assert.Equal(t, "STANDARD", p.Metadata.FlowPath)
	assert.Equal(t, 180, p.Metadata.DurationSeconds)
	assert.Equal(t, 8, p.Metadata.TotalMessages)
	assert.True(t, p.Metadata.PrivacyPolicyAccepted)
}

func TestBuildPayload_NoCompanyBlock(t *testing.T) {
	conv := &conversation.Conversation{
		ID:        "conv-2",
		Fields:    map[string]string{"customer_name": "Jane"},
		CreatedAt: time.Now().UTC(),
	}
	p := BuildPayload(conv, time.Now().UTC())
	assert.Nil(t, p.CustomerInfo.CompanyDetails)
	assert.Empty(t, p.ProductRequest.Specifications)
}
