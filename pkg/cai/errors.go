package cai

import (
	"errors"
	"fmt"
)

// ErrUpstream marks every failure reported by the AI service itself.
var ErrUpstream = errors.New("character.ai upstream error")

// APIError is a non-2xx HTTP response or a websocket error frame.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s failed:\n  Status: %d\n  Body:   %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, e.Body)
}

func (e *APIError) Unwrap() error { return ErrUpstream }
