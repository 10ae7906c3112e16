package distckpt_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/distckpt/pkg/distckpt"
)

func TestMetadataRoundTrip(t *testing.T) {
	dir := t.TempDir()

	md := distckpt.Metadata{Backend: "file", Version: 1}
	require.NoError(t, distckpt.SaveMetadata(dir, md))

	got, err := distckpt.LoadMetadata(dir)
	require.NoError(t, err)
	assert.Equal(t, md, got)
	assert.True(t, distckpt.IsCheckpointDir(dir))
}

func TestLoadMetadataMissing(t *testing.T) {
	dir := t.TempDir()

	_, err := distckpt.LoadMetadata(dir)
	require.ErrorIs(t, err, distckpt.ErrNotCheckpointDir)
	assert.False(t, distckpt.IsCheckpointDir(dir))
}

func TestLoadMetadataCorrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, distckpt.MetadataFile), []byte("{not json"), 0o644))

	_, err := distckpt.LoadMetadata(dir)
	require.Error(t, err)
	assert.NotErrorIs(t, err, distckpt.ErrNotCheckpointDir)
}

func TestIsCheckpointDirNonexistent(t *testing.T) {
	assert.False(t, distckpt.IsCheckpointDir(filepath.Join(t.TempDir(), "missing")))
}
