package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseButtons_BracketedList(t *testing.T) {
	cleaned, buttons := ParseButtons("Do you need delivery? <button>[Yes] [No]</button>")

	assert.Equal(t, "Do you need delivery?", cleaned)
	assert.Equal(t, []Button{
		{Type: "button", Value: "Yes"},
		{Type: "button", Value: "No"},
	}, buttons)
}

func TestParseButtons_SingleBareButton(t *testing.T) {
	cleaned, buttons := ParseButtons("Ready? <button>Continue</button>")

	assert.Equal(t, "Ready?", cleaned)
	assert.Equal(t, []Button{{Type: "button", Value: "Continue"}}, buttons)
}

func TestParseButtons_PipeSeparated(t *testing.T) {
	_, buttons := ParseButtons("<button>Small | Medium | Large</button>")

	assert.Equal(t, []Button{
		{Type: "button", Value: "Small"},
		{Type: "button", Value: "Medium"},
		{Type: "button", Value: "Large"},
	}, buttons)
}

func TestParseButtons_EscapedClosingTag(t *testing.T) {
	cleaned, buttons := ParseButtons(`Choose: <button>[A] [B]<\/button>`)

	assert.Equal(t, "Choose:", cleaned)
	assert.Len(t, buttons, 2)
}

func TestParseButtons_MultipleTags(t *testing.T) {
	cleaned, buttons := ParseButtons("Pick one <button>[X]</button> or <button>[Y]</button>")

	assert.Equal(t, "Pick one or", cleaned)
	assert.Len(t, buttons, 2)
}

func TestParseButtons_NoButtons(t *testing.T) {
	cleaned, buttons := ParseButtons("Hello world")

	assert.Equal(t, "Hello world", cleaned)
	assert.Empty(t, buttons)
}
