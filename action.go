// Package syncbox provides a durable offline mutation queue with a
// network monitor, a priority drain processor, and a TTL read-through
// cache, all backed by an embedded bbolt store.
package syncbox

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// DefaultMaxRetries is the retry budget applied when an action is
// enqueued without an explicit limit.
const DefaultMaxRetries = 3

// Priority orders actions within a drain pass. Higher priorities are
// executed before lower ones; ties break on enqueue time, oldest first.
type Priority string

// Priority levels, highest first.
const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// ParsePriority parses a priority string. The empty string maps to
// PriorityMedium.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return Priority(s), nil
	case "":
		return PriorityMedium, nil
	default:
		return "", fmt.Errorf("invalid priority: %q", s)
	}
}

// Rank returns the sort rank for a priority. Lower ranks drain first,
// so the rank doubles as the leading byte of ordered index keys.
func (p Priority) Rank() uint8 {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// Valid reports whether p is one of the defined levels.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Action is a deferred mutation held in the queue until connectivity
// allows it to be executed by a registered handler.
type Action struct {
	// ID uniquely identifies the action within the queue.
	ID string `json:"id"`

	// Type selects the handler that executes the action.
	Type string `json:"type"`

	// Payload is the opaque JSON body passed to the handler.
	Payload json.RawMessage `json:"payload,omitempty"`

	// EnqueuedAt is when the action entered the queue.
	EnqueuedAt time.Time `json:"enqueued_at"`

	// RetryCount is the number of failed execution attempts so far.
	// Never exceeds MaxRetries.
	RetryCount int `json:"retry_count"`

	// MaxRetries caps failed attempts. Once RetryCount reaches this
	// value after a failed execution the action is dropped.
	MaxRetries int `json:"max_retries"`

	// Priority orders the action within a drain pass.
	Priority Priority `json:"priority"`

	// DedupKey identifies logically equivalent actions. Two actions
	// with the same key are considered duplicate submissions.
	DedupKey string `json:"dedup_key,omitempty"`
}

// DedupKey derives the content key used to detect duplicate
// submissions: a BLAKE3-256 digest over the action type and payload
// with a separator so ("ab","c") and ("a","bc") cannot collide.
// Matching is byte-exact; payloads differing only in JSON whitespace
// or key order are distinct.
func DedupKey(actionType string, payload []byte) string {
	h := blake3.New()
	_, _ = h.Write([]byte(actionType))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(payload)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)
}
