package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInfoCF_AddsComponentAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	restore := Use(zap.New(core))
	defer restore()

	InfoCF("relay", "Message relayed", map[string]interface{}{"room_id": "discord:1"})

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Message relayed", entries[0].Message)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "relay", ctx["component"])
	assert.Equal(t, "discord:1", ctx["room_id"])
}

func TestLevelFiltering(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	restore := Use(zap.New(core))
	defer restore()

	DebugC("x", "hidden")
	InfoC("x", "hidden")
	WarnC("x", "shown")
	ErrorCF("x", "shown too", map[string]interface{}{"error": "boom"})

	assert.Equal(t, 2, logs.Len())
}

func TestSetLevel(t *testing.T) {
	prev := GetLevel()
	defer SetLevel(prev)

	SetLevel(DEBUG)
	assert.Equal(t, DEBUG, GetLevel())
	SetLevel(ERROR)
	assert.Equal(t, ERROR, GetLevel())
}
