// Package extract pulls structured elements out of AI replies: typed
// field values for the accumulated conversation fields, and UI elements
// (quick-reply buttons) embedded in the answer text.
package extract

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Func maps one assistant reply to newly extracted fields. The engine
// merges the result into the conversation's accumulated fields with
// last-write-wins per name; prior holds the fields accumulated so far.
// Implementations must not mutate prior.
type Func func(replyText string, metadata map[string]any, prior map[string]string) map[string]string

// Fields is the default extractor. Sources, in precedence order:
//
//  1. a "structured_output" object in the reply metadata
//  2. a "variables" list of {name, value} pairs in the reply metadata
//  3. a fenced ```json block in the reply text
//
// Later sources never overwrite names produced by an earlier one within
// the same reply.
func Fields(replyText string, metadata map[string]any, _ map[string]string) map[string]string {
	out := make(map[string]string)

	if m, ok := metadata["structured_output"].(map[string]any); ok {
		mergeAny(out, m)
	}

	if vars, ok := metadata["variables"].([]any); ok {
		for _, v := range vars {
			entry, ok := v.(map[string]any)
			if !ok {
				continue
			}
			name, _ := entry["name"].(string)
			if name == "" {
				continue
			}
			if _, taken := out[name]; taken {
				continue
			}
			if s := stringify(entry["value"]); s != "" {
				out[name] = s
			}
		}
	}

	if block := jsonBlock(replyText); block != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(block), &m); err == nil {
			for k, v := range m {
				if _, taken := out[k]; taken {
					continue
				}
				if s := stringify(v); s != "" {
					out[k] = s
				}
			}
		}
	}

	return out
}

func mergeAny(dst map[string]string, src map[string]any) {
	for k, v := range src {
		if s := stringify(v); s != "" {
			dst[k] = s
		}
	}
}

// jsonBlock returns the contents of the first fenced ```json block, or "".
func jsonBlock(text string) string {
	const fence = "```json"
	start := strings.Index(text, fence)
	if start < 0 {
		return ""
	}
	rest := text[start+len(fence):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		// JSON numbers; render integers without a fraction.
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}
