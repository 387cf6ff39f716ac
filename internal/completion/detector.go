// Package completion decides whether a conversation has gathered enough
// information to be considered complete.
//
// Detection is an ordered list of independent predicates evaluated
// first-match-wins: an explicit completion flag from the upstream AI is
// authoritative; keyword matching over the reply text is a cheap fallback
// for AI behavior that doesn't set metadata; field-completeness is the
// weakest signal and is checked last so a borderline extraction alone
// cannot mark a conversation complete prematurely.
package completion

import (
	"strings"
)

// Predicate is one completion signal. Predicates are pure.
type Predicate func(metadata map[string]any, replyText string, fields map[string]string) bool

// Detector evaluates its predicates in order and reports the first match.
type Detector struct {
	predicates []Predicate
}

// New builds the standard detector: explicit metadata flag, then keyword
// match, then field-completeness against requiredFields.
func New(keywords, requiredFields []string) *Detector {
	return &Detector{
		predicates: []Predicate{
			MetadataFlag,
			KeywordMatch(keywords),
			FieldsComplete(requiredFields),
		},
	}
}

// Detect reports whether any predicate fires. Evaluation stops at the
// first match.
func (d *Detector) Detect(metadata map[string]any, replyText string, fields map[string]string) bool {
	for _, p := range d.predicates {
		if p(metadata, replyText, fields) {
			return true
		}
	}
	return false
}

// MetadataFlag fires when the upstream AI set an explicit completion
// indicator. Trusted unconditionally.
func MetadataFlag(metadata map[string]any, _ string, _ map[string]string) bool {
	if metadata == nil {
		return false
	}
	switch v := metadata["conversation_complete"].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return false
	}
}

// KeywordMatch fires when the reply contains any configured completion
// phrase, case-insensitive substring match.
func KeywordMatch(keywords []string) Predicate {
	lowered := make([]string, len(keywords))
	for i, k := range keywords {
		lowered[i] = strings.ToLower(k)
	}
	return func(_ map[string]any, replyText string, _ map[string]string) bool {
		reply := strings.ToLower(replyText)
		for _, k := range lowered {
			if k != "" && strings.Contains(reply, k) {
				return true
			}
		}
		return false
	}
}

// FieldsComplete fires when every required field is present with a
// non-empty value.
func FieldsComplete(required []string) Predicate {
	return func(_ map[string]any, _ string, fields map[string]string) bool {
		if len(required) == 0 {
			return false
		}
		for _, name := range required {
			if strings.TrimSpace(fields[name]) == "" {
				return false
			}
		}
		return true
	}
}
