package channels

import (
	"strings"
	"unicode/utf8"
)

const codeFence = "```"

// splitMessage cuts content into chunks of at most about limit bytes,
// preferring newlines, then spaces. A chunk may run up to 500 bytes past
// limit to keep a fenced code block whole.
func splitMessage(content string, limit int) []string {
	var messages []string

	for len(content) > 0 {
		if len(content) <= limit {
			messages = append(messages, content)
			break
		}

		msgEnd := findLastNewline(content[:limit], 200)
		if msgEnd <= 0 {
			msgEnd = findLastSpace(content[:limit], 100)
		}
		if msgEnd <= 0 {
			msgEnd = runeBoundary(content, limit)
		}

		if open := findLastUnclosedCodeBlock(content[:msgEnd]); open >= 0 {
			extendedLimit := limit + 500
			switch closing := findNextClosingCodeBlock(content, msgEnd); {
			case len(content) <= extendedLimit:
				msgEnd = len(content)
			case closing > 0 && closing <= extendedLimit:
				msgEnd = closing
			default:
				msgEnd = findLastNewline(content[:open], 200)
				if msgEnd <= 0 {
					msgEnd = findLastSpace(content[:open], 100)
				}
				if msgEnd <= 0 {
					msgEnd = open
				}
			}
		}

		if msgEnd <= 0 {
			msgEnd = runeBoundary(content, limit)
		}

		messages = append(messages, content[:msgEnd])
		content = strings.TrimSpace(content[msgEnd:])
	}

	return messages
}

// runeBoundary returns the largest index <= n that does not split a rune.
func runeBoundary(s string, n int) int {
	if n >= len(s) {
		return len(s)
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}

// findLastUnclosedCodeBlock returns the index of the fence left open at the
// end of text, or -1.
func findLastUnclosedCodeBlock(text string) int {
	count := 0
	lastOpenIdx := -1
	for i := 0; i+len(codeFence) <= len(text); {
		if strings.HasPrefix(text[i:], codeFence) {
			if count%2 == 0 {
				lastOpenIdx = i
			}
			count++
			i += len(codeFence)
			continue
		}
		i++
	}
	if count%2 == 1 {
		return lastOpenIdx
	}
	return -1
}

// findNextClosingCodeBlock returns the index just past the next fence at or
// after startIdx, or -1.
func findNextClosingCodeBlock(text string, startIdx int) int {
	if startIdx >= len(text) {
		return -1
	}
	idx := strings.Index(text[startIdx:], codeFence)
	if idx < 0 {
		return -1
	}
	return startIdx + idx + len(codeFence)
}

func findLastNewline(s string, searchWindow int) int {
	return lastIndexWithin(s, searchWindow, "\n")
}

func findLastSpace(s string, searchWindow int) int {
	return lastIndexWithin(s, searchWindow, " \t")
}

func lastIndexWithin(s string, searchWindow int, chars string) int {
	searchStart := len(s) - searchWindow
	if searchStart < 0 {
		searchStart = 0
	}
	idx := strings.LastIndexAny(s[searchStart:], chars)
	if idx < 0 {
		return -1
	}
	return searchStart + idx
}
