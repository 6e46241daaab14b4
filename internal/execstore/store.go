// Package execstore provides the per-execution context store.
//
// Each workflow execution owns one Store. Node results are written under both
// the node's id and its human-readable name so semantic references using
// either form resolve identically. All writes pass through a reserved-key
// defense: keys are validated against an allow-list pattern and a fixed
// deny-list, and nested containers are rebuilt rather than trusting
// caller-supplied shapes. No external input may ever install a key that
// collides with framework-reserved identifiers.
package execstore

import (
	"regexp"
	"sync"
	"time"

	"github.com/agentloom/loom/internal/types"
)

// Status is the lifecycle state of an execution context.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// reservedKeys are identifiers that must never be used as storage keys.
// They are the dynamic-assignment collision set carried over from
// prototype-based environments plus accessor intrinsics.
var reservedKeys = map[string]bool{
	"__proto__":        true,
	"constructor":      true,
	"prototype":        true,
	"__defineGetter__": true,
	"__defineSetter__": true,
	"__lookupGetter__": true,
	"__lookupSetter__": true,
}

// keyPattern is the allow-list for storage keys. Node names may contain
// spaces and dots; anything outside this set is rejected.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9 _.$-]+$`)

// maxSanitizeDepth bounds recursion when rebuilding nested containers.
const maxSanitizeDepth = 16

// Store is the keyed node-output storage for one execution.
//
// It is created by the executor at admission, mutated exclusively by that
// execution's node dispatches, and evicted by the governor sweep.
type Store struct {
	executionID  types.ID
	tenantID     string
	agentOwnerID string
	startTime    time.Time

	mu       sync.RWMutex
	status   Status
	nodeData map[string]map[string]any
}

// New creates a Store for a single execution.
func New(executionID types.ID, tenantID, agentOwnerID string) *Store {
	return &Store{
		executionID:  executionID,
		tenantID:     tenantID,
		agentOwnerID: agentOwnerID,
		startTime:    time.Now(),
		status:       StatusRunning,
		nodeData:     make(map[string]map[string]any),
	}
}

// ExecutionID returns the owning execution's id.
func (s *Store) ExecutionID() types.ID { return s.executionID }

// TenantID returns the tenant this execution belongs to.
func (s *Store) TenantID() string { return s.tenantID }

// AgentOwnerID returns the workflow's owning agent id.
func (s *Store) AgentOwnerID() string { return s.agentOwnerID }

// StartTime returns when the execution context was created.
func (s *Store) StartTime() time.Time { return s.startTime }

// Status returns the current execution status.
func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus updates the execution status.
func (s *Store) SetStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// ValidKey reports whether a key passes the allow-list pattern and is not
// reserved.
func ValidKey(key string) bool {
	if key == "" || reservedKeys[key] {
		return false
	}
	return keyPattern.MatchString(key)
}

// Set stores a result under a single key. The result is rebuilt through the
// reserved-key defense and stamped with the key as nodeName, the execution
// id, and a timestamp. Writes with invalid keys are rejected.
func (s *Store) Set(key string, result map[string]any) bool {
	if !ValidKey(key) {
		return false
	}

	safe := sanitizeMap(result, 0)
	safe["nodeName"] = key
	safe["executionId"] = s.executionID.String()
	if _, ok := safe["timestamp"]; !ok {
		safe["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeData[key] = safe
	return true
}

// SetNodeResult stores a node's result under both its id and its name so
// references using either form resolve identically. The stored object is
// stamped with nodeName, executionId, and a timestamp.
func (s *Store) SetNodeResult(nodeID, nodeName string, result map[string]any) bool {
	safe := sanitizeMap(result, 0)
	safe["nodeName"] = nodeName
	safe["executionId"] = s.executionID.String()
	if _, ok := safe["timestamp"]; !ok {
		safe["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	}

	wrote := false
	s.mu.Lock()
	defer s.mu.Unlock()
	if ValidKey(nodeID) {
		s.nodeData[nodeID] = safe
		wrote = true
	}
	if nodeName != "" && nodeName != nodeID && ValidKey(nodeName) {
		s.nodeData[nodeName] = safe
		wrote = true
	}
	return wrote
}

// Get returns the stored object for a key, or nil and false if absent.
func (s *Store) Get(key string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.nodeData[key]
	return value, ok
}

// Keys returns all storage keys. Used by the resolver's fallback matching.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.nodeData))
	for k := range s.nodeData {
		keys = append(keys, k)
	}
	return keys
}

// QueryFilter selects stored objects by stamped metadata.
type QueryFilter struct {
	// NodeName matches the stamped nodeName field when non-empty.
	NodeName string

	// Source matches the stamped source field (e.g. "trigger") when non-empty.
	Source string
}

// Query returns the stored objects matching the filter, deduplicated across
// the id/name dual addressing.
func (s *Store) Query(filter QueryFilter) []map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []map[string]any
	matched := make(map[string]bool)
	for _, obj := range s.nodeData {
		name, _ := obj["nodeName"].(string)
		if filter.NodeName != "" && name != filter.NodeName {
			continue
		}
		if filter.Source != "" {
			source, _ := obj["source"].(string)
			if source != filter.Source {
				continue
			}
		}
		// Dual-addressed entries share one stamped object; dedupe by identity
		// via the stamped name + timestamp pair.
		ts, _ := obj["timestamp"].(string)
		identity := name + "|" + ts
		if matched[identity] {
			continue
		}
		matched[identity] = true
		results = append(results, obj)
	}
	return results
}

// BulkUpdate applies multiple writes, returning the count of successful
// writes and the keys that were rejected by the key defense.
func (s *Store) BulkUpdate(updates map[string]map[string]any) (successful int, failed []string) {
	for key, result := range updates {
		if s.Set(key, result) {
			successful++
		} else {
			failed = append(failed, key)
		}
	}
	return successful, failed
}

// Variables returns the legacy mirror view: a map with a "json" entry holding
// a snapshot of the node-data map. Older reference forms address node outputs
// through this shape.
func (s *Store) Variables() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := make(map[string]any, len(s.nodeData))
	for k, v := range s.nodeData {
		snapshot[k] = v
	}
	return map[string]any{"json": snapshot}
}

// sanitizeMap rebuilds a map into a fresh container, dropping keys that fail
// the allow-list or appear on the deny-list, recursing into nested values.
func sanitizeMap(in map[string]any, depth int) map[string]any {
	out := make(map[string]any, len(in))
	if depth > maxSanitizeDepth {
		return out
	}
	for k, v := range in {
		if !ValidKey(k) {
			continue
		}
		out[k] = sanitizeValue(v, depth+1)
	}
	return out
}

func sanitizeValue(v any, depth int) any {
	if depth > maxSanitizeDepth {
		return nil
	}
	switch tv := v.(type) {
	case map[string]any:
		return sanitizeMap(tv, depth)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = sanitizeValue(item, depth+1)
		}
		return out
	default:
		return v
	}
}
