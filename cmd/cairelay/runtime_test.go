package main

import (
	"context"
	"errors"
	"testing"

	"github.com/dotsetgreg/cairelay/pkg/cai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAccount struct {
	user  cai.User
	err   error
	calls int
}

func (f *fakeAccount) Account(ctx context.Context) (cai.User, error) {
	f.calls++
	if _, ok := ctx.Deadline(); !ok {
		return cai.User{}, errors.New("no deadline")
	}
	return f.user, f.err
}

func TestResolveAccountFailsOnRejectedToken(t *testing.T) {
	ai := &fakeAccount{err: &cai.APIError{Op: "user info", Status: 401}}

	err := resolveAccount(ai)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cai.ErrUpstream))
	assert.Contains(t, err.Error(), "character.ai login")
	assert.Equal(t, 1, ai.calls)
}

func TestResolveAccountSucceeds(t *testing.T) {
	ai := &fakeAccount{user: cai.User{Username: "relay"}}

	require.NoError(t, resolveAccount(ai))
	assert.Equal(t, 1, ai.calls)
}
