// Package shadow implements the device shadow: the reported state tree the
// device publishes and the desired state tree the backend pushes down. The
// StateStore holds both trees; the Synchronizer debounces reported-state
// publishes and turns desired-state deltas into program lifecycle actions.
package shadow

import (
	"fmt"
	"strings"
	"sync"

	"github.com/luminode/luminode/pkg/runtime"
)

// StateStore holds the reported and desired trees. All methods are safe for
// concurrent use. Values are the JSON-compatible types produced by
// encoding/json: bool, float64, string, []interface{}, map[string]interface{}.
type StateStore struct {
	mu             sync.RWMutex
	reported       map[string]interface{}
	desired        map[string]interface{}
	desiredVersion int64
}

// NewStateStore creates an empty store.
func NewStateStore() *StateStore {
	return &StateStore{
		reported: make(map[string]interface{}),
		desired:  make(map[string]interface{}),
	}
}

// SetReported writes a value at a dotted path in the reported tree,
// creating intermediate objects. A nil value deletes the leaf.
func (s *StateStore) SetReported(path string, value interface{}) error {
	if path == "" {
		return runtime.NewValidationError("state path must not be empty", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return setPath(s.reported, strings.Split(path, "."), value)
}

// GetReported reads a value at a dotted path in the reported tree.
func (s *StateStore) GetReported(path string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPath(s.reported, strings.Split(path, "."))
}

// GetDesired reads a value at a dotted path in the desired tree.
func (s *StateStore) GetDesired(path string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPath(s.desired, strings.Split(path, "."))
}

// ReportedSnapshot returns a deep copy of the reported tree.
func (s *StateStore) ReportedSnapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyTree(s.reported)
}

// DesiredSnapshot returns a deep copy of the desired tree.
func (s *StateStore) DesiredSnapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyTree(s.desired)
}

// DesiredVersion returns the version of the last accepted desired delta.
func (s *StateStore) DesiredVersion() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.desiredVersion
}

// MergeDesired applies a versioned delta to the desired tree. Versions must
// be strictly increasing; a replayed or reordered delta is rejected with a
// stale-version error. Nil values in the delta delete the corresponding keys.
func (s *StateStore) MergeDesired(version int64, delta map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if version <= s.desiredVersion {
		return runtime.NewStateError(
			fmt.Sprintf("desired version %d is not newer than %d", version, s.desiredVersion), nil).
			WithCode(runtime.ErrCodeStaleVersion)
	}
	mergeTree(s.desired, delta)
	s.desiredVersion = version
	return nil
}

// ReplaceDesired overwrites the desired tree with a full document, used when
// the device resyncs after reconnect.
func (s *StateStore) ReplaceDesired(version int64, doc map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if version < s.desiredVersion {
		return runtime.NewStateError(
			fmt.Sprintf("desired version %d is older than %d", version, s.desiredVersion), nil).
			WithCode(runtime.ErrCodeStaleVersion)
	}
	s.desired = copyTree(doc)
	s.desiredVersion = version
	return nil
}

// setPath writes value at the path inside root. Intermediate non-object
// values are an error; a nil value deletes the leaf.
func setPath(root map[string]interface{}, path []string, value interface{}) error {
	node := root
	for _, key := range path[:len(path)-1] {
		child, ok := node[key]
		if !ok {
			next := make(map[string]interface{})
			node[key] = next
			node = next
			continue
		}
		childMap, ok := child.(map[string]interface{})
		if !ok {
			return runtime.NewValidationError(
				fmt.Sprintf("path segment %q is not an object", key), nil)
		}
		node = childMap
	}

	leaf := path[len(path)-1]
	if value == nil {
		delete(node, leaf)
		return nil
	}
	node[leaf] = value
	return nil
}

// getPath reads the value at the path inside root.
func getPath(root map[string]interface{}, path []string) (interface{}, bool) {
	node := root
	for _, key := range path[:len(path)-1] {
		child, ok := node[key].(map[string]interface{})
		if !ok {
			return nil, false
		}
		node = child
	}
	value, ok := node[path[len(path)-1]]
	if !ok {
		return nil, false
	}
	return copyValue(value), true
}

// mergeTree deep-merges src into dst. Objects merge recursively; nil values
// delete keys; everything else replaces.
func mergeTree(dst, src map[string]interface{}) {
	for key, value := range src {
		if value == nil {
			delete(dst, key)
			continue
		}
		srcMap, srcIsMap := value.(map[string]interface{})
		dstMap, dstIsMap := dst[key].(map[string]interface{})
		if srcIsMap && dstIsMap {
			mergeTree(dstMap, srcMap)
			continue
		}
		dst[key] = copyValue(value)
	}
}

// copyTree deep-copies an object tree.
func copyTree(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src))
	for key, value := range src {
		dst[key] = copyValue(value)
	}
	return dst
}

// copyValue deep-copies a JSON-compatible value.
func copyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return copyTree(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
