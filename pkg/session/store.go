// Package session persists the mapping from a room to its upstream AI chat.
package session

import (
	"context"
	"errors"
)

// ErrInvalidSession is returned by Put when a required identifier is empty.
var ErrInvalidSession = errors.New("invalid session")

// Session binds one room to one upstream chat.
type Session struct {
	RoomID      string
	CharacterID string
	ChatID      string
	UpdatedAtMS int64
}

// Store holds at most one session per room. Put replaces any prior mapping.
type Store interface {
	Put(ctx context.Context, roomID, characterID, chatID string) error
	Get(ctx context.Context, roomID string) (Session, bool, error)
	List(ctx context.Context) ([]Session, error)
	Close() error
}
