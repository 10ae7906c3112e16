package filestore

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/randalmurphal/distckpt/pkg/distckpt/state"
)

// Shard file format constants.
const (
	magicBytes       = "DCKP"
	formatVersion    = 1
	payloadAlignment = 64 // payload starts on a 64-byte boundary
	checksumSize     = 32 // SHA-256
	fixedPrefixSize  = 16 // magic + version + flags + header length
	maxHeaderSize    = 16 << 20
)

// Flags for the shard file format.
const (
	flagChecksum uint32 = 1 << 0 // trailing SHA-256 over the payload
)

// Shard file errors.
var (
	ErrBadMagic          = errors.New("not a checkpoint shard file")
	ErrUnsupportedFormat = errors.New("unsupported shard format version")
	ErrChecksumMismatch  = errors.New("shard checksum mismatch: file may be corrupted")
)

// shardHeader is the JSON header of a shard file. Dtype uses the stable
// names from state.DataType.String.
type shardHeader struct {
	Key           string `json:"key"`
	DType         string `json:"dtype"`
	GlobalShape   []int  `json:"global_shape"`
	GlobalOffsets []int  `json:"global_offsets"`
	LocalShape    []int  `json:"local_shape"`
	ReplicaID     int    `json:"replica_id,omitempty"`
}

// encodeShard serializes one shard: fixed prefix, JSON header, zero padding
// to the payload alignment, raw little-endian payload, and, when the
// checksum flag is set, a trailing SHA-256 over the payload.
func encodeShard(st *state.ShardedTensor, flags uint32) ([]byte, error) {
	hdr := shardHeader{
		Key:           st.Key,
		DType:         st.DType.String(),
		GlobalShape:   st.GlobalShape,
		GlobalOffsets: st.GlobalOffsets,
		LocalShape:    st.Local.Shape,
		ReplicaID:     st.ReplicaID,
	}
	hdrJSON, err := json.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("marshal shard header: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(magicBytes)
	if err := binary.Write(&buf, binary.LittleEndian, uint32(formatVersion)); err != nil {
		return nil, fmt.Errorf("write version: %w", err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, flags); err != nil {
		return nil, fmt.Errorf("write flags: %w", err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(hdrJSON))); err != nil {
		return nil, fmt.Errorf("write header length: %w", err)
	}
	buf.Write(hdrJSON)

	if pad := paddingFor(fixedPrefixSize + len(hdrJSON)); pad > 0 {
		buf.Write(make([]byte, pad))
	}
	buf.Write(st.Local.Data)

	if flags&flagChecksum != 0 {
		sum := sha256.Sum256(st.Local.Data)
		buf.Write(sum[:])
	}
	return buf.Bytes(), nil
}

// parseShardPrefix reads the fixed prefix and JSON header from r, leaving
// the read position at the start of the padding.
func parseShardPrefix(r io.Reader) (shardHeader, uint32, int, error) {
	var hdr shardHeader

	prefix := make([]byte, fixedPrefixSize)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return hdr, 0, 0, fmt.Errorf("read shard prefix: %w", err)
	}
	if string(prefix[:4]) != magicBytes {
		return hdr, 0, 0, ErrBadMagic
	}
	version := binary.LittleEndian.Uint32(prefix[4:8])
	if version != formatVersion {
		return hdr, 0, 0, fmt.Errorf("%w: got %d, expected %d", ErrUnsupportedFormat, version, formatVersion)
	}
	flags := binary.LittleEndian.Uint32(prefix[8:12])
	hdrLen := binary.LittleEndian.Uint32(prefix[12:16])
	if hdrLen > maxHeaderSize {
		return hdr, 0, 0, fmt.Errorf("shard header length %d exceeds maximum", hdrLen)
	}

	hdrJSON := make([]byte, hdrLen)
	if _, err := io.ReadFull(r, hdrJSON); err != nil {
		return hdr, 0, 0, fmt.Errorf("read shard header: %w", err)
	}
	if err := json.Unmarshal(hdrJSON, &hdr); err != nil {
		return hdr, 0, 0, fmt.Errorf("decode shard header: %w", err)
	}
	return hdr, flags, int(hdrLen), nil
}

// readShardHeader reads only the header of a shard file. The payload is
// never touched, so this stays cheap for large shards.
func readShardHeader(path string) (shardHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return shardHeader{}, err
	}
	defer f.Close()

	hdr, _, _, err := parseShardPrefix(f)
	return hdr, err
}

// readShardFile reads a complete shard, validating the checksum when the
// file carries one.
func readShardFile(path string) (*state.ShardedTensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	hdr, flags, hdrLen, err := parseShardPrefix(f)
	if err != nil {
		return nil, err
	}
	dtype, ok := state.ParseDataType(hdr.DType)
	if !ok {
		return nil, fmt.Errorf("shard %q: unknown dtype %q", hdr.Key, hdr.DType)
	}

	if pad := paddingFor(fixedPrefixSize + hdrLen); pad > 0 {
		if _, err := io.CopyN(io.Discard, f, int64(pad)); err != nil {
			return nil, fmt.Errorf("skip padding: %w", err)
		}
	}

	localShape := state.Shape(hdr.LocalShape)
	payload := make([]byte, localShape.NumElements()*dtype.Size())
	if _, err := io.ReadFull(f, payload); err != nil {
		return nil, fmt.Errorf("read shard payload: %w", err)
	}

	if flags&flagChecksum != 0 {
		stored := make([]byte, checksumSize)
		if _, err := io.ReadFull(f, stored); err != nil {
			return nil, fmt.Errorf("read shard checksum: %w", err)
		}
		sum := sha256.Sum256(payload)
		if !bytes.Equal(sum[:], stored) {
			return nil, fmt.Errorf("shard %q: %w", hdr.Key, ErrChecksumMismatch)
		}
	}

	local, err := state.NewTensor(dtype, localShape, payload)
	if err != nil {
		return nil, fmt.Errorf("shard %q: %w", hdr.Key, err)
	}
	st := &state.ShardedTensor{
		Key:           hdr.Key,
		DType:         dtype,
		GlobalShape:   state.Shape(hdr.GlobalShape),
		GlobalOffsets: hdr.GlobalOffsets,
		Local:         local,
		ReplicaID:     hdr.ReplicaID,
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}
	return st, nil
}

func paddingFor(pos int) int {
	return (payloadAlignment - pos%payloadAlignment) % payloadAlignment
}
