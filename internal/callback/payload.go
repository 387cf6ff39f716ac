package callback

import (
	"time"

	"github.com/tablazat/quotebot/internal/conversation"
)

// CompanyDetails identifies a business customer.
type CompanyDetails struct {
	CompanyName string `json:"company_name,omitempty"`
	DunsNumber  string `json:"duns_number,omitempty"`
	TaxNumber   string `json:"tax_number,omitempty"`
}

// CustomerInfo is the contact block of the final payload.
type CustomerInfo struct {
	Name           string          `json:"name"`
	Email          string          `json:"email"`
	Phone          string          `json:"phone,omitempty"`
	CompanyDetails *CompanyDetails `json:"company_details,omitempty"`
}

// ProductRequest is what the customer asked for.
type ProductRequest struct {
	CategoryGuess     string            `json:"category_guess"`
	OriginalUserQuery string            `json:"original_user_query"`
	Specifications    map[string]string `json:"specifications"`
}

// Metadata carries conversation provenance for the receiving system.
type Metadata struct {
	TrafficSource         string `json:"traffic_source,omitempty"`
	ConversationStartPage string `json:"conversation_start_page"`
	DeviceType            string `json:"device_type"`
	InitiationMethod      string `json:"initiation_method"`
	FlowPath              string `json:"flow_path"`
	DurationSeconds       int    `json:"conversation_duration_seconds"`
	TotalMessages         int    `json:"total_messages"`
	PrivacyPolicyAccepted bool   `json:"privacy_policy_accepted"`
}

// Payload is the final structured result sent to the originating system.
// The conversation identifier doubles as the receiver-side idempotency
// key: a retry that actually succeeded upstream of a lost response is
// discarded there by ID.
type Payload struct {
	ConversationID string         `json:"conversation_id"`
	SessionID      string         `json:"session_id"`
	CustomerInfo   CustomerInfo   `json:"customer_info"`
	ProductRequest ProductRequest `json:"product_request"`
	Metadata       Metadata       `json:"metadata"`
}

// customer-identity field names; everything else in the accumulated fields
// lands in the product specifications.
var identityFields = map[string]bool{
	"customer_name":  true,
	"customer_email": true,
	"customer_phone": true,
	"company_name":   true,
	"duns_number":    true,
	"tax_number":     true,
	"category":       true,
	"original_query": true,
	"flow_path":      true,
}

// BuildPayload assembles the final payload from a completed conversation's
// accumulated fields and immutable context snapshot.
func BuildPayload(conv *conversation.Conversation, now time.Time) *Payload {
	fields := conv.Fields

	var company *CompanyDetails
	if fields["company_name"] != "" || fields["duns_number"] != "" || fields["tax_number"] != "" {
		company = &CompanyDetails{
			CompanyName: fields["company_name"],
			DunsNumber:  fields["duns_number"],
			TaxNumber:   fields["tax_number"],
		}
	}

	specs := make(map[string]string)
	for k, v := range fields {
		if !identityFields[k] && v != "" {
			specs[k] = v
		}
	}

	flowPath := fields["flow_path"]
	if flowPath == "" {
		flowPath = "STANDARD"
	}

	return &Payload{
		ConversationID: conv.ID,
		SessionID:      conv.SessionID,
		CustomerInfo: CustomerInfo{
			Name:           fields["customer_name"],
			Email:          fields["customer_email"],
			Phone:          fields["customer_phone"],
			CompanyDetails: company,
		},
		ProductRequest: ProductRequest{
			CategoryGuess:     fields["category"],
			OriginalUserQuery: fields["original_query"],
			Specifications:    specs,
		},
		Metadata: Metadata{
			TrafficSource:         conv.Context.Traffic.TrafficSource,
			ConversationStartPage: conv.Context.Traffic.ConversationStartPage,
			DeviceType:            conv.Context.Interaction.DeviceType,
			InitiationMethod:      conv.Context.Interaction.InitiationMethod,
			FlowPath:              flowPath,
			DurationSeconds:       int(now.Sub(conv.CreatedAt).Seconds()),
			TotalMessages:         conv.MessageCount,
			PrivacyPolicyAccepted: conv.Context.Compliance.PrivacyPolicyAccepted,
		},
	}
}
