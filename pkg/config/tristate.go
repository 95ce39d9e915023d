package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// TriState is a boolean setting with an automatic mode, decided per room.
type TriState int

const (
	Auto TriState = iota
	On
	Off
)

func (t TriState) String() string {
	switch t {
	case On:
		return "on"
	case Off:
		return "off"
	default:
		return "auto"
	}
}

// Resolve returns the effective value; auto is true outside direct rooms.
func (t TriState) Resolve(roomIsDM bool) bool {
	switch t {
	case On:
		return true
	case Off:
		return false
	default:
		return !roomIsDM
	}
}

func ParseTriState(s string) (TriState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "on", "yes", "1":
		return On, nil
	case "false", "off", "no", "0":
		return Off, nil
	case "auto", "null", "none", "~", "":
		return Auto, nil
	}
	return Auto, fmt.Errorf("invalid tri-state value %q (want true, false or auto)", s)
}

func (t TriState) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TriState) UnmarshalText(text []byte) error {
	v, err := ParseTriState(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// MarshalJSON keeps the boolean/null encoding used by existing configs.
func (t TriState) MarshalJSON() ([]byte, error) {
	switch t {
	case On:
		return []byte("true"), nil
	case Off:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

func (t *TriState) UnmarshalJSON(data []byte) error {
	var b *bool
	if err := json.Unmarshal(data, &b); err == nil {
		switch {
		case b == nil:
			*t = Auto
		case *b:
			*t = On
		default:
			*t = Off
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("invalid tri-state value %s", string(data))
	}
	return t.UnmarshalText([]byte(s))
}

func (t TriState) MarshalYAML() (interface{}, error) {
	switch t {
	case On:
		return true, nil
	case Off:
		return false, nil
	default:
		return "auto", nil
	}
}

func (t *TriState) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: tri-state must be a scalar", node.Line)
	}
	return t.UnmarshalText([]byte(node.Value))
}
