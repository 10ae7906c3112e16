package state

import (
	"fmt"
	"sort"
)

// StateDict is an arbitrary nested mapping from string keys to leaf values
// or nested StateDicts. The "common" variant is expected to hold identical
// content on every participating worker.
type StateDict map[string]any

// ShardedStateDict is a StateDict in which some leaves are *ShardedTensor
// or *ShardedObject values. Its non-sharded structural key set must be
// identical across the fleet; sharded leaves may differ per worker.
type ShardedStateDict = StateDict

// Walk visits every leaf of the dict in deterministic (sorted key) order.
// Paths are dot-joined key sequences. Nested map[string]any values are
// treated as nested StateDicts.
func Walk(sd StateDict, fn func(path string, leaf any)) {
	walk(sd, "", fn)
}

func walk(sd StateDict, prefix string, fn func(path string, leaf any)) {
	keys := make([]string, 0, len(sd))
	for k := range sd {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		path := joinPath(prefix, k)
		switch v := sd[k].(type) {
		case StateDict:
			walk(v, path, fn)
		case map[string]any:
			walk(v, path, fn)
		default:
			fn(path, sd[k])
		}
	}
}

// MapLeaves builds a structure-preserving copy of the dict with every leaf
// replaced by fn's result. The first error aborts the transform.
func MapLeaves(sd StateDict, fn func(path string, leaf any) (any, error)) (StateDict, error) {
	return mapLeaves(sd, "", fn)
}

func mapLeaves(sd StateDict, prefix string, fn func(path string, leaf any) (any, error)) (StateDict, error) {
	out := make(StateDict, len(sd))
	for k, v := range sd {
		path := joinPath(prefix, k)
		switch nested := v.(type) {
		case StateDict:
			mapped, err := mapLeaves(nested, path, fn)
			if err != nil {
				return nil, err
			}
			out[k] = mapped
		case map[string]any:
			mapped, err := mapLeaves(nested, path, fn)
			if err != nil {
				return nil, err
			}
			out[k] = mapped
		default:
			mapped, err := fn(path, v)
			if err != nil {
				return nil, err
			}
			out[k] = mapped
		}
	}
	return out, nil
}

// Extract partitions the dict by a leaf predicate, preserving nesting on
// both sides. The matching side contains only paths to matching leaves;
// the rest side keeps everything else, including empty nested dicts.
func Extract(sd StateDict, pred func(leaf any) bool) (matching, rest StateDict) {
	matching = make(StateDict)
	rest = make(StateDict)
	for k, v := range sd {
		switch nested := v.(type) {
		case StateDict:
			m, r := Extract(nested, pred)
			if len(m) > 0 {
				matching[k] = m
			}
			rest[k] = r
		case map[string]any:
			m, r := Extract(StateDict(nested), pred)
			if len(m) > 0 {
				matching[k] = m
			}
			rest[k] = r
		default:
			if pred(v) {
				matching[k] = v
			} else {
				rest[k] = v
			}
		}
	}
	return matching, rest
}

// SplitSharded partitions a ShardedStateDict into its sharded leaves
// (ShardedTensor and ShardedObject values) and the common remainder.
// The input is not mutated; leaves are shared, not copied.
func SplitSharded(sd ShardedStateDict) (sharded ShardedStateDict, common StateDict) {
	return Extract(sd, func(leaf any) bool {
		switch leaf.(type) {
		case *ShardedTensor, *ShardedObject:
			return true
		default:
			return false
		}
	})
}

// Merge returns a new dict overlaying src on dst. Nested dicts merge
// recursively; on leaf conflicts src wins. Neither input is mutated.
func Merge(dst, src StateDict) StateDict {
	out := make(StateDict, len(dst))
	for k, v := range dst {
		out[k] = v
	}
	for k, sv := range src {
		dn, dok := asDict(out[k])
		sn, sok := asDict(sv)
		if dok && sok {
			out[k] = Merge(dn, sn)
		} else {
			out[k] = sv
		}
	}
	return out
}

func asDict(v any) (StateDict, bool) {
	switch d := v.(type) {
	case StateDict:
		return d, true
	case map[string]any:
		return d, true
	default:
		return nil, false
	}
}

// ShardedTensors collects all ShardedTensor leaves keyed by dict path.
func ShardedTensors(sd ShardedStateDict) map[string]*ShardedTensor {
	out := make(map[string]*ShardedTensor)
	Walk(sd, func(path string, leaf any) {
		if st, ok := leaf.(*ShardedTensor); ok {
			out[path] = st
		}
	})
	return out
}

// ShardedObjects collects all ShardedObject leaves keyed by dict path.
func ShardedObjects(sd ShardedStateDict) map[string]*ShardedObject {
	out := make(map[string]*ShardedObject)
	Walk(sd, func(path string, leaf any) {
		if so, ok := leaf.(*ShardedObject); ok {
			out[path] = so
		}
	})
	return out
}

// ValidateSharded runs Validate on every sharded leaf of the dict.
func ValidateSharded(sd ShardedStateDict) error {
	var firstErr error
	Walk(sd, func(path string, leaf any) {
		if firstErr != nil {
			return
		}
		switch v := leaf.(type) {
		case *ShardedTensor:
			if err := v.Validate(); err != nil {
				firstErr = fmt.Errorf("at %q: %w", path, err)
			}
		case *ShardedObject:
			if err := v.Validate(); err != nil {
				firstErr = fmt.Errorf("at %q: %w", path, err)
			}
		}
	})
	return firstErr
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
