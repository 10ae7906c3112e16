package distckpt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// MetadataFile is the marker file written at the root of every checkpoint
// directory. Its presence is what makes a directory a distributed
// checkpoint.
const MetadataFile = "metadata.json"

// Metadata names the backend and format version a checkpoint was written
// with. It is stored next to the checkpoint data and consulted on load to
// pick strategies and verify compatibility.
type Metadata struct {
	// Backend is the serialization backend name.
	Backend string `json:"backend"`
	// Version is the backend's format revision.
	Version int `json:"version"`
}

// SaveMetadata writes the metadata marker into the checkpoint directory.
func SaveMetadata(dir string, md Metadata) error {
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint metadata: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(filepath.Join(dir, MetadataFile), data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint metadata: %w", err)
	}
	return nil
}

// LoadMetadata reads the metadata marker from a checkpoint directory.
// A directory without the marker yields ErrNotCheckpointDir.
func LoadMetadata(dir string) (Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if errors.Is(err, fs.ErrNotExist) {
		return Metadata{}, fmt.Errorf("%w: %s", ErrNotCheckpointDir, dir)
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("read checkpoint metadata: %w", err)
	}
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return Metadata{}, fmt.Errorf("decode checkpoint metadata: %w", err)
	}
	return md, nil
}

// IsCheckpointDir reports whether the directory holds a distributed
// checkpoint, judged by the presence of the metadata marker.
func IsCheckpointDir(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, MetadataFile))
	return err == nil && !info.IsDir()
}
