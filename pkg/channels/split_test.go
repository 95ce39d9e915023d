package channels

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSplitMessage_ShortContentIsOneChunk(t *testing.T) {
	assert.Equal(t, []string{"hello"}, splitMessage("hello", 1500))
}

func TestSplitMessage_PrefersNewlines(t *testing.T) {
	content := strings.Repeat("a", 90) + "\n" + strings.Repeat("b", 50)
	chunks := splitMessage(content, 100)
	assert.Equal(t, []string{strings.Repeat("a", 90), strings.Repeat("b", 50)}, chunks)
}

func TestSplitMessage_KeepsCodeBlockWhole(t *testing.T) {
	code := "```\n" + strings.Repeat("x := 1\n", 20) + "```"
	content := strings.Repeat("word ", 10) + code + "\n" + strings.Repeat("tail ", 200)

	chunks := splitMessage(content, 100)
	for _, chunk := range chunks {
		assert.Equal(t, 0, strings.Count(chunk, "```")%2, chunk)
	}
	squash := func(s string) string { return strings.Join(strings.Fields(s), "") }
	assert.Equal(t, squash(content), squash(strings.Join(chunks, "")))
}

func TestSplitMessage_NeverSplitsRunes(t *testing.T) {
	content := strings.Repeat("é", 300)
	for _, chunk := range splitMessage(content, 101) {
		assert.True(t, utf8.ValidString(chunk))
	}
}

func TestFindLastUnclosedCodeBlock(t *testing.T) {
	assert.Equal(t, -1, findLastUnclosedCodeBlock("no fences"))
	assert.Equal(t, -1, findLastUnclosedCodeBlock("```a```"))
	assert.Equal(t, 8, findLastUnclosedCodeBlock("```a``` ```b"))
}

func TestFindNextClosingCodeBlock(t *testing.T) {
	assert.Equal(t, 7, findNextClosingCodeBlock("```a```", 3))
	assert.Equal(t, -1, findNextClosingCodeBlock("abc", 0))
	assert.Equal(t, -1, findNextClosingCodeBlock("abc", 10))
}
