package logger

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestDefaultLoggerIsUsableBeforeInitialize(t *testing.T) {
	assert.NotPanics(t, func() {
		Info("hello")
		WarnCtx(context.Background(), "warn")
		Error(nil)
	})
}

func TestInitialize(t *testing.T) {
	defer Replace(nil)

	require.NoError(t, Initialize(Config{Debug: true}))
	assert.NotNil(t, Default())
	assert.Nil(t, sentryClient)
}

func TestReplaceRoutesHelpers(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	Replace(zap.New(core))
	defer Replace(nil)

	ctx := context.Background()
	InfoCtx(ctx, "resolved", zap.String("source", "exact"))
	ErrorCtx(ctx, errors.New("boom"))
	DebugCtx(ctx, "detail")

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "resolved", entries[0].Message)
	assert.Equal(t, "exact", entries[0].ContextMap()["source"])
	assert.Equal(t, "boom", entries[1].Message)
	assert.Equal(t, zap.DebugLevel, entries[2].Level)
}

func TestFatalFlushesBeforeExit(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	Replace(zap.New(core))
	defer Replace(nil)

	code := -1
	exit = func(c int) { code = c }
	defer func() { exit = os.Exit }()

	Fatal("startup failed", zap.Error(errors.New("store unreachable")))

	assert.Equal(t, 1, code)
	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "startup failed", entries[0].Message)
	assert.Equal(t, zap.ErrorLevel, entries[0].Level)
}
