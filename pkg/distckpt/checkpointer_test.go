package distckpt_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/distckpt/pkg/distckpt"
	"github.com/randalmurphal/distckpt/pkg/distckpt/async"
	"github.com/randalmurphal/distckpt/pkg/distckpt/config"
)

func TestNewDefaults(t *testing.T) {
	ck := distckpt.New()
	require.NotNil(t, ck)
	assert.Equal(t, 0, ck.PendingSaves())
}

func TestScheduleAndMaybeFinalize(t *testing.T) {
	ck := distckpt.New(distckpt.WithQueue(async.NewQueue()))

	var executed, finalized atomic.Bool
	req := async.NewRequest(
		func() error { executed.Store(true); return nil },
		func() error { finalized.Store(true); return nil },
	)

	ck.Schedule(req)
	did, err := ck.MaybeFinalize(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, did)
	assert.True(t, executed.Load())
	assert.True(t, finalized.Load())
	assert.Equal(t, 0, ck.PendingSaves())
}

func TestMaybeFinalizeEmptyQueue(t *testing.T) {
	ck := distckpt.New(distckpt.WithQueue(async.NewQueue()))

	did, err := ck.MaybeFinalize(context.Background(), true)
	require.NoError(t, err)
	assert.False(t, did)
}

func TestMaybeFinalizeSurfacesFailure(t *testing.T) {
	ck := distckpt.New(distckpt.WithQueue(async.NewQueue()))

	boom := errors.New("disk full")
	req := async.NewRequest(
		func() error { return boom },
		func() error { return nil },
	)

	ck.Schedule(req)
	_, err := ck.MaybeFinalize(context.Background(), true)
	require.ErrorIs(t, err, boom)

	// The failed entry is gone; the queue is usable again.
	assert.Equal(t, 0, ck.PendingSaves())
	did, err := ck.MaybeFinalize(context.Background(), true)
	require.NoError(t, err)
	assert.False(t, did)
}

func TestWithConfigSelectsBackend(t *testing.T) {
	cfg, err := config.FromYAML([]byte("checkpoint:\n  backend: sqlite\n"))
	require.NoError(t, err)

	ck := distckpt.New(distckpt.WithConfig(cfg), distckpt.WithQueue(async.NewQueue()))
	dir := t.TempDir()
	require.NoError(t, ck.Save(context.Background(), nil, dir))

	md, err := distckpt.LoadMetadata(dir)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", md.Backend)
	assert.Equal(t, 1, md.Version)
}

func TestSaveLogsCarrySaveID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ck := distckpt.New(distckpt.WithLogger(logger), distckpt.WithQueue(async.NewQueue()))
	dir := t.TempDir()
	require.NoError(t, ck.Save(context.Background(), nil, dir, distckpt.WithSaveID("save-42")))

	out := buf.String()
	assert.Contains(t, out, `"save_id":"save-42"`)
	assert.Contains(t, out, `"backend":"file"`)
	assert.Contains(t, out, "checkpoint save completed")
}
