package sqlitestore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/distckpt/pkg/distckpt/state"
)

// dbFile is the database file name inside a checkpoint directory.
const dbFile = "checkpoint.db"

// Store errors.
var (
	ErrNotFound    = errors.New("not found in checkpoint database")
	ErrStoreClosed = errors.New("checkpoint database is closed")
)

const (
	commonSchema = `
		CREATE TABLE IF NOT EXISTS common (
			key TEXT PRIMARY KEY,
			data BLOB NOT NULL
		)`
	tensorsSchema = `
		CREATE TABLE IF NOT EXISTS tensors (
			key TEXT NOT NULL,
			shard TEXT NOT NULL,
			dtype TEXT NOT NULL,
			global_shape TEXT NOT NULL,
			offsets TEXT NOT NULL,
			local_shape TEXT NOT NULL,
			replica INTEGER NOT NULL DEFAULT 0,
			data BLOB NOT NULL,
			PRIMARY KEY (key, shard)
		)`
	objectsSchema = `
		CREATE TABLE IF NOT EXISTS objects (
			key TEXT NOT NULL,
			shard TEXT NOT NULL,
			shard_shape TEXT NOT NULL,
			offsets TEXT NOT NULL,
			replica INTEGER NOT NULL DEFAULT 0,
			value BLOB NOT NULL,
			PRIMARY KEY (key, shard)
		)`
)

// Store is the SQLite database backing one checkpoint directory. Common
// state lives as one row per top-level key, tensor shards and object
// shards as one row per (key, shard) pair.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// OpenStore opens the checkpoint database inside dir, creating the file
// and schema on first use. The directory itself must already exist.
func OpenStore(dir string) (*Store, error) {
	db, err := sql.Open("sqlite", filepath.Join(dir, dbFile))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	for _, stmt := range []string{commonSchema, tensorsSchema, objectsSchema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// PutCommon replaces the stored common state with st. The common state is
// one logical document, so stale keys from a previous save do not linger.
func (s *Store) PutCommon(st state.StateDict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.Exec(`DELETE FROM common`); err != nil {
		return fmt.Errorf("clear common state: %w", err)
	}
	for key, value := range st {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode common entry %q: %w", key, err)
		}
		if _, err := s.db.Exec(`
			INSERT INTO common (key, data) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET data = excluded.data
		`, key, data); err != nil {
			return fmt.Errorf("save common entry %q: %w", key, err)
		}
	}
	return nil
}

// GetCommon reads the stored common state. A checkpoint with no common
// entries yields an empty dict.
func (s *Store) GetCommon() (state.StateDict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`SELECT key, data FROM common`)
	if err != nil {
		return nil, fmt.Errorf("load common state: %w", err)
	}
	defer rows.Close()

	st := state.StateDict{}
	for rows.Next() {
		var key string
		var data []byte
		if err := rows.Scan(&key, &data); err != nil {
			return nil, fmt.Errorf("scan common entry: %w", err)
		}
		var value any
		if err := json.Unmarshal(data, &value); err != nil {
			return nil, fmt.Errorf("decode common entry %q: %w", key, err)
		}
		st[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate common entries: %w", err)
	}
	return st, nil
}

// PutTensor upserts one tensor shard.
func (s *Store) PutTensor(st *state.ShardedTensor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	globalShape, err := encodeInts(st.GlobalShape)
	if err != nil {
		return err
	}
	offsets, err := encodeInts(st.GlobalOffsets)
	if err != nil {
		return err
	}
	localShape, err := encodeInts(st.Local.Shape)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO tensors (key, shard, dtype, global_shape, offsets, local_shape, replica, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key, shard) DO UPDATE SET
			dtype = excluded.dtype,
			global_shape = excluded.global_shape,
			offsets = excluded.offsets,
			local_shape = excluded.local_shape,
			replica = excluded.replica,
			data = excluded.data
	`, st.Key, st.ShardID(), st.DType.String(), globalShape, offsets, localShape, st.ReplicaID, st.Local.Data)

	if err != nil {
		return fmt.Errorf("save tensor shard %q: %w", st.Key, err)
	}
	return nil
}

// GetTensor reads one tensor shard by storage key and shard discriminator.
func (s *Store) GetTensor(key, shard string) (*state.ShardedTensor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var dtypeName, globalShape, offsets, localShape string
	var replica int
	var data []byte
	err := s.db.QueryRow(`
		SELECT dtype, global_shape, offsets, local_shape, replica, data
		FROM tensors WHERE key = ? AND shard = ?
	`, key, shard).Scan(&dtypeName, &globalShape, &offsets, &localShape, &replica, &data)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("tensor shard %q/%s: %w", key, shard, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load tensor shard %q: %w", key, err)
	}

	dtype, ok := state.ParseDataType(dtypeName)
	if !ok {
		return nil, fmt.Errorf("tensor shard %q: unknown dtype %q", key, dtypeName)
	}
	global, err := decodeInts(globalShape)
	if err != nil {
		return nil, fmt.Errorf("tensor shard %q: %w", key, err)
	}
	offs, err := decodeInts(offsets)
	if err != nil {
		return nil, fmt.Errorf("tensor shard %q: %w", key, err)
	}
	localDims, err := decodeInts(localShape)
	if err != nil {
		return nil, fmt.Errorf("tensor shard %q: %w", key, err)
	}
	local, err := state.NewTensor(dtype, state.Shape(localDims), data)
	if err != nil {
		return nil, fmt.Errorf("tensor shard %q: %w", key, err)
	}

	st := &state.ShardedTensor{
		Key:           key,
		DType:         dtype,
		GlobalShape:   state.Shape(global),
		GlobalOffsets: offs,
		Local:         local,
		ReplicaID:     replica,
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}
	return st, nil
}

// TensorMetadata returns one metadata-only entry per stored logical tensor,
// keyed by storage key.
func (s *Store) TensorMetadata() (map[string]*state.ShardedTensor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`SELECT DISTINCT key, dtype, global_shape FROM tensors`)
	if err != nil {
		return nil, fmt.Errorf("list tensors: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*state.ShardedTensor)
	for rows.Next() {
		var key, dtypeName, globalShape string
		if err := rows.Scan(&key, &dtypeName, &globalShape); err != nil {
			return nil, fmt.Errorf("scan tensor metadata: %w", err)
		}
		dtype, ok := state.ParseDataType(dtypeName)
		if !ok {
			return nil, fmt.Errorf("tensor %q: unknown dtype %q", key, dtypeName)
		}
		global, err := decodeInts(globalShape)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", key, err)
		}
		out[key] = state.MetadataOnly(key, dtype, state.Shape(global))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tensor metadata: %w", err)
	}
	return out, nil
}

// RemoveTensors deletes every tensor shard whose storage key starts with
// the prefix.
func (s *Store) RemoveTensors(prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.Exec(`
		DELETE FROM tensors WHERE key LIKE ? ESCAPE '\'
	`, escapeLike(prefix)+"%"); err != nil {
		return fmt.Errorf("remove tensor shards: %w", err)
	}
	return nil
}

// PutObject upserts one object shard. The value is stored as JSON.
func (s *Store) PutObject(so *state.ShardedObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	shardShape, err := encodeInts(so.ShardShape)
	if err != nil {
		return err
	}
	offsets, err := encodeInts(so.ShardOffsets)
	if err != nil {
		return err
	}
	value, err := json.Marshal(so.Value)
	if err != nil {
		return fmt.Errorf("encode object %q: %w", so.Key, err)
	}

	_, err = s.db.Exec(`
		INSERT INTO objects (key, shard, shard_shape, offsets, replica, value)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key, shard) DO UPDATE SET
			shard_shape = excluded.shard_shape,
			offsets = excluded.offsets,
			replica = excluded.replica,
			value = excluded.value
	`, so.Key, so.ShardID(), shardShape, offsets, so.ReplicaID, value)

	if err != nil {
		return fmt.Errorf("save object shard %q: %w", so.Key, err)
	}
	return nil
}

// GetObject reads one object shard with its value decoded.
func (s *Store) GetObject(key, shard string) (*state.ShardedObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var shardShape, offsets string
	var replica int
	var value []byte
	err := s.db.QueryRow(`
		SELECT shard_shape, offsets, replica, value
		FROM objects WHERE key = ? AND shard = ?
	`, key, shard).Scan(&shardShape, &offsets, &replica, &value)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("object shard %q/%s: %w", key, shard, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load object shard %q: %w", key, err)
	}

	grid, err := decodeInts(shardShape)
	if err != nil {
		return nil, fmt.Errorf("object shard %q: %w", key, err)
	}
	offs, err := decodeInts(offsets)
	if err != nil {
		return nil, fmt.Errorf("object shard %q: %w", key, err)
	}
	var decoded any
	if err := json.Unmarshal(value, &decoded); err != nil {
		return nil, fmt.Errorf("decode object %q: %w", key, err)
	}
	return &state.ShardedObject{
		Key:          key,
		Value:        decoded,
		ShardShape:   state.Shape(grid),
		ShardOffsets: offs,
		ReplicaID:    replica,
	}, nil
}

// ObjectShards returns every stored object shard, metadata only.
func (s *Store) ObjectShards() ([]*state.ShardedObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`SELECT key, shard_shape, offsets, replica FROM objects`)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	defer rows.Close()

	var out []*state.ShardedObject
	for rows.Next() {
		var key, shardShape, offsets string
		var replica int
		if err := rows.Scan(&key, &shardShape, &offsets, &replica); err != nil {
			return nil, fmt.Errorf("scan object metadata: %w", err)
		}
		grid, err := decodeInts(shardShape)
		if err != nil {
			return nil, fmt.Errorf("object %q: %w", key, err)
		}
		offs, err := decodeInts(offsets)
		if err != nil {
			return nil, fmt.Errorf("object %q: %w", key, err)
		}
		out = append(out, &state.ShardedObject{
			Key:          key,
			ShardShape:   state.Shape(grid),
			ShardOffsets: offs,
			ReplicaID:    replica,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate object metadata: %w", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

func encodeInts(v []int) (string, error) {
	if v == nil {
		v = []int{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode dimensions: %w", err)
	}
	return string(data), nil
}

func decodeInts(s string) ([]int, error) {
	var v []int
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("decode dimensions: %w", err)
	}
	return v, nil
}

// escapeLike neutralizes LIKE wildcards so a key prefix matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
