package queue

import (
	"encoding/binary"
	"time"

	"github.com/lumeo/syncbox"
)

// bbolt bucket names. All are prefixed with "queue_" so the queue can
// share a database file with other components.
var (
	bucketActions = []byte("queue_actions") // id → JSON action record
	bucketPending = []byte("queue_pending") // rank|enqueuedAtMilli|id → id
	bucketDedup   = []byte("queue_dedup")   // dedup key → id
)

// pendingKey builds the ordered index key for an action: a priority
// rank byte, the enqueue time as big-endian unix milliseconds, then the
// id as tie-breaker. A forward cursor walk over these keys yields drain
// order directly (priority descending, oldest first).
func pendingKey(priority syncbox.Priority, enqueuedAt time.Time, id string) []byte {
	key := make([]byte, 1+8+len(id))
	key[0] = priority.Rank()
	binary.BigEndian.PutUint64(key[1:9], uint64(enqueuedAt.UnixMilli())) //nolint:gosec // enqueue times are after 1970
	copy(key[9:], id)
	return key
}

// parsePendingKey extracts the rank and enqueue time from a pending key.
func parsePendingKey(key []byte) (rank uint8, enqueuedAt time.Time) {
	if len(key) < 9 {
		return 0, time.Time{}
	}
	ms := binary.BigEndian.Uint64(key[1:9])
	return key[0], time.UnixMilli(int64(ms)) //nolint:gosec // stored from UnixMilli
}
