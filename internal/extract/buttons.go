package extract

import (
	"regexp"
	"strings"
)

// Button is a quick-reply option the AI embedded in its answer.
type Button struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

var (
	buttonTagRe = regexp.MustCompile(`(?is)<button[^>]*?>(.*?)<\\?/button>`)
	bracketRe   = regexp.MustCompile(`\[([^\]]+)\]`)
	spaceRe     = regexp.MustCompile(`[ \t]+`)
	blankLineRe = regexp.MustCompile(`\n\s*\n`)
	splitRe     = regexp.MustCompile(`\s*[,|]\s*`)
)

// ParseButtons strips <button>...</button> tags from an answer and returns
// the cleaned text plus the extracted options. Supported contents:
// bracketed lists ("[Yes] [No]"), a bare label, and comma- or
// pipe-separated labels. Escaped closing tags (<\/button>) are handled.
func ParseButtons(answer string) (string, []Button) {
	var buttons []Button

	for _, match := range buttonTagRe.FindAllStringSubmatch(answer, -1) {
		content := strings.TrimSpace(match[1])

		if bracketed := bracketRe.FindAllStringSubmatch(content, -1); len(bracketed) > 0 {
			for _, b := range bracketed {
				if v := strings.TrimSpace(b[1]); v != "" {
					buttons = append(buttons, Button{Type: "button", Value: v})
				}
			}
			continue
		}

		content = spaceRe.ReplaceAllString(strings.ReplaceAll(content, "\n", " "), " ")
		for _, part := range splitRe.Split(content, -1) {
			v := strings.TrimSpace(part)
			if v == "" || strings.HasPrefix(v, "<") || strings.HasSuffix(v, ">") {
				continue
			}
			buttons = append(buttons, Button{Type: "button", Value: v})
		}
	}

	cleaned := buttonTagRe.ReplaceAllString(answer, "")
	cleaned = blankLineRe.ReplaceAllString(cleaned, "\n")
	cleaned = spaceRe.ReplaceAllString(cleaned, " ")
	return strings.TrimSpace(cleaned), buttons
}
