// Package groupmode prefixes prompts with the sender's name so the AI can
// tell speakers apart in shared rooms.
package groupmode

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dotsetgreg/cairelay/pkg/config"
)

// ErrTemplate is returned for malformed templates or unknown placeholders.
var ErrTemplate = errors.New("invalid group mode template")

// Applies reports whether the template should be used for a room.
func Applies(mode config.TriState, roomIsDM bool) bool {
	return mode.Resolve(roomIsDM)
}

// Format returns text unchanged unless group mode applies to the room, in
// which case the template is rendered with {username} and {text}.
func Format(text, sender string, roomIsDM bool, mode config.TriState, template string) (string, error) {
	if !Applies(mode, roomIsDM) {
		return text, nil
	}
	return Render(template, map[string]string{
		"username": sender,
		"text":     text,
	})
}

// Render substitutes {name} placeholders from values. Literal braces are
// written as {{ and }}.
func Render(template string, values map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(template))

	for i := 0; i < len(template); i++ {
		ch := template[i]
		switch ch {
		case '{':
			if i+1 < len(template) && template[i+1] == '{' {
				b.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(template[i+1:], '}')
			if end < 0 {
				return "", fmt.Errorf("%w: unclosed '{' at offset %d", ErrTemplate, i)
			}
			name := template[i+1 : i+1+end]
			val, ok := values[name]
			if !ok {
				return "", fmt.Errorf("%w: unknown placeholder {%s}", ErrTemplate, name)
			}
			b.WriteString(val)
			i += end + 1
		case '}':
			if i+1 < len(template) && template[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			return "", fmt.Errorf("%w: single '}' at offset %d", ErrTemplate, i)
		default:
			b.WriteByte(ch)
		}
	}
	return b.String(), nil
}
