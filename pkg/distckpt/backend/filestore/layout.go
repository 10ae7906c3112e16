package filestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Checkpoint directory layout.
const (
	commonFile    = "common.json"
	saveStateFile = ".save_state.json"
	shardsSubdir  = "shards"
	objectsSubdir = "objects"
	shardExt      = ".tensor"
	objectExt     = ".json"
)

// layout resolves the file paths of one checkpoint directory.
type layout struct {
	dir string
}

func newLayout(dir string) layout {
	return layout{dir: dir}
}

func (l layout) commonPath() string {
	return filepath.Join(l.dir, commonFile)
}

func (l layout) saveStatePath() string {
	return filepath.Join(l.dir, saveStateFile)
}

func (l layout) shardsPath() string {
	return filepath.Join(l.dir, shardsSubdir)
}

func (l layout) objectsPath() string {
	return filepath.Join(l.dir, objectsSubdir)
}

func (l layout) shardPath(key, shardID string) string {
	return filepath.Join(l.shardsPath(), encodeKey(key)+"."+shardID+shardExt)
}

func (l layout) objectPath(key, shardID string) string {
	return filepath.Join(l.objectsPath(), encodeKey(key)+"."+shardID+objectExt)
}

// encodeKey makes a storage key safe to use as a file name. Path escaping
// keeps dots readable while neutralizing separators.
func encodeKey(key string) string {
	return url.PathEscape(key)
}

func decodeKey(name string) (string, error) {
	return url.PathUnescape(name)
}

// splitShardName recovers the storage key and shard discriminator from a
// shard file name. Shard discriminators never contain dots, so the last
// dot before the extension is the separator.
func splitShardName(name string) (key, shardID string, ok bool) {
	base := strings.TrimSuffix(name, shardExt)
	idx := strings.LastIndex(base, ".")
	if idx <= 0 {
		return "", "", false
	}
	key, err := decodeKey(base[:idx])
	if err != nil {
		return "", "", false
	}
	return key, base[idx+1:], true
}

// saveState records commit progress of the most recent save into the
// directory. Execute leaves it uncommitted; finalize flips it.
type saveState struct {
	Committed bool      `json:"committed"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (l layout) writeSaveState(st saveState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal save state: %w", err)
	}
	if err := writeFileAtomic(l.saveStatePath(), data); err != nil {
		return fmt.Errorf("write save state: %w", err)
	}
	return nil
}

func (l layout) readSaveState() (saveState, bool, error) {
	data, err := os.ReadFile(l.saveStatePath())
	if errors.Is(err, fs.ErrNotExist) {
		return saveState{}, false, nil
	}
	if err != nil {
		return saveState{}, false, fmt.Errorf("read save state: %w", err)
	}
	var st saveState
	if err := json.Unmarshal(data, &st); err != nil {
		return saveState{}, false, fmt.Errorf("decode save state: %w", err)
	}
	return st, true, nil
}

// objectRecord is the JSON document stored per object shard. Value stays
// raw so metadata scans can skip decoding it.
type objectRecord struct {
	Key          string          `json:"key"`
	ShardShape   []int           `json:"shard_shape"`
	ShardOffsets []int           `json:"shard_offsets"`
	ReplicaID    int             `json:"replica_id,omitempty"`
	Value        json.RawMessage `json:"value"`
}

func readObjectFile(path string) (objectRecord, error) {
	var rec objectRecord
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode object record: %w", err)
	}
	return rec, nil
}

// readObjectRecords scans every object shard in the directory. A missing
// objects directory means the checkpoint simply has no objects.
func (l layout) readObjectRecords() ([]objectRecord, error) {
	entries, err := os.ReadDir(l.objectsPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan objects: %w", err)
	}
	var recs []objectRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), objectExt) {
			continue
		}
		rec, err := readObjectFile(filepath.Join(l.objectsPath(), e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read object %s: %w", e.Name(), err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// writeFileAtomic writes data through a temp file in the target directory
// and renames it into place, creating parent directories as needed.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
