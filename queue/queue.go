// Package queue implements the durable holding area for actions that
// could not be executed immediately. Each action is one record in a
// bbolt database with an ordered pending index and a dedup index, so a
// crash or restart reloads the queue verbatim.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/lumeo/syncbox"
)

// ErrNotFound is returned when an action does not exist.
var ErrNotFound = fmt.Errorf("queue: not found")

// Store is the persistent action queue.
type Store struct {
	db     *bbolt.DB
	codec  *syncbox.Codec
	logger *slog.Logger
	now    func() time.Time
	noSync bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithNoSync disables fsync per transaction.
// WARNING: risks data loss on crash. Testing and benchmarking only.
func WithNoSync(noSync bool) Option {
	return func(s *Store) { s.noSync = noSync }
}

// Open opens (creating if needed) the queue database at path.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening queue database: %w", err)
	}
	s.db = db

	if err := s.createBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	codec, err := syncbox.NewCodec()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating payload codec: %w", err)
	}
	s.codec = codec

	s.logger.Debug("opened queue store", "path", path, "noSync", s.noSync)
	return s, nil
}

func (s *Store) createBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketActions, bucketPending, bucketDedup} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases codec resources.
func (s *Store) Close() error {
	if s.codec != nil {
		s.codec.Close()
		s.codec = nil
	}
	if s.db == nil {
		return nil
	}
	s.logger.Debug("closing queue store")
	return s.db.Close()
}

// storedAction is the on-disk record. The payload is held in encoded
// form (possibly zstd-compressed) with a digest verified on read.
type storedAction struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Payload    []byte           `json:"payload,omitempty"`
	Encoding   syncbox.Encoding `json:"encoding,omitempty"`
	Digest     string           `json:"digest,omitempty"`
	RawSize    uint64           `json:"raw_size,omitempty"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
	RetryCount int              `json:"retry_count"`
	MaxRetries int              `json:"max_retries"`
	Priority   syncbox.Priority `json:"priority"`
	DedupKey   string           `json:"dedup_key,omitempty"`
}

// toAction decodes the stored payload and returns the public form.
func (s *Store) toAction(rec *storedAction) (syncbox.Action, error) {
	payload, err := s.codec.Decode(rec.Payload, rec.Encoding, rec.Digest, rec.RawSize)
	if err != nil {
		return syncbox.Action{}, fmt.Errorf("decoding payload for %s: %w", rec.ID, err)
	}
	return syncbox.Action{
		ID:         rec.ID,
		Type:       rec.Type,
		Payload:    json.RawMessage(payload),
		EnqueuedAt: rec.EnqueuedAt,
		RetryCount: rec.RetryCount,
		MaxRetries: rec.MaxRetries,
		Priority:   rec.Priority,
		DedupKey:   rec.DedupKey,
	}, nil
}

// EnqueueOptions control a single enqueue.
type EnqueueOptions struct {
	// Priority of the action. Default is PriorityMedium.
	Priority syncbox.Priority

	// MaxRetries caps failed attempts. Default is syncbox.DefaultMaxRetries.
	MaxRetries int

	// AllowDuplicates skips dedup-key coalescing, so repeated
	// submissions of an identical action each enqueue a new entry.
	AllowDuplicates bool
}

// EnqueueResult reports the outcome of an enqueue.
type EnqueueResult struct {
	// ID of the queued action. When Duplicate is set this is the id of
	// the already-pending equivalent action.
	ID string `json:"id"`

	// Duplicate is set when an equivalent action was already pending
	// and no new entry was inserted.
	Duplicate bool `json:"duplicate"`
}

// Enqueue appends an action and persists it in one transaction. When an
// action with the same dedup key is already pending, the existing id is
// returned instead of inserting a duplicate (unless AllowDuplicates).
func (s *Store) Enqueue(_ context.Context, actionType string, payload []byte, opts EnqueueOptions) (EnqueueResult, error) {
	if actionType == "" {
		return EnqueueResult{}, fmt.Errorf("queue: action type is required")
	}
	if opts.Priority == "" {
		opts.Priority = syncbox.PriorityMedium
	}
	if !opts.Priority.Valid() {
		return EnqueueResult{}, fmt.Errorf("queue: invalid priority %q", opts.Priority)
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = syncbox.DefaultMaxRetries
	}

	encoded, encoding, digest, err := s.codec.Encode(payload)
	if err != nil {
		return EnqueueResult{}, err
	}

	dedupKey := syncbox.DedupKey(actionType, payload)

	rec := storedAction{
		ID:         uuid.NewString(),
		Type:       actionType,
		Payload:    encoded,
		Encoding:   encoding,
		Digest:     digest,
		RawSize:    uint64(len(payload)),
		EnqueuedAt: s.now().UTC(),
		RetryCount: 0,
		MaxRetries: opts.MaxRetries,
		Priority:   opts.Priority,
		DedupKey:   dedupKey,
	}

	var result EnqueueResult
	err = s.db.Update(func(tx *bbolt.Tx) error {
		actions := tx.Bucket(bucketActions)
		pending := tx.Bucket(bucketPending)
		dedup := tx.Bucket(bucketDedup)

		if !opts.AllowDuplicates {
			if existing := dedup.Get([]byte(dedupKey)); existing != nil {
				// Dedup entries are removed with their action, so a hit
				// means the equivalent action is still pending.
				result = EnqueueResult{ID: string(existing), Duplicate: true}
				return nil
			}
		}

		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshaling action: %w", err)
		}
		if err := actions.Put([]byte(rec.ID), data); err != nil {
			return fmt.Errorf("putting action: %w", err)
		}
		if err := pending.Put(pendingKey(rec.Priority, rec.EnqueuedAt, rec.ID), []byte(rec.ID)); err != nil {
			return fmt.Errorf("putting pending index: %w", err)
		}
		// The dedup slot is only claimed when empty. A duplicate-allowed
		// enqueue must not take over a slot owned by a still-pending
		// action: RemoveBatch clears the slot by owner id, and moving
		// ownership to the newer action would free the key while the
		// older equivalent is still pending.
		if dedup.Get([]byte(dedupKey)) == nil {
			if err := dedup.Put([]byte(dedupKey), []byte(rec.ID)); err != nil {
				return fmt.Errorf("putting dedup index: %w", err)
			}
		}

		result = EnqueueResult{ID: rec.ID}
		return nil
	})
	if err != nil {
		return EnqueueResult{}, err
	}

	if !result.Duplicate {
		s.logger.Debug("enqueued action",
			"id", result.ID,
			"type", actionType,
			"priority", opts.Priority,
			"max_retries", opts.MaxRetries,
		)
	}
	return result, nil
}

// Get retrieves an action by id.
func (s *Store) Get(_ context.Context, id string) (syncbox.Action, error) {
	var rec storedAction
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketActions).Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return syncbox.Action{}, err
	}
	return s.toAction(&rec)
}

// Remove deletes a single action. No-op if absent.
func (s *Store) Remove(ctx context.Context, id string) error {
	return s.RemoveBatch(ctx, []string{id})
}

// RemoveBatch deletes the given actions and their index entries in one
// transaction. This is the once-per-drain-pass persist: the processor
// collects completed and exhausted ids during a pass and removes them
// together.
func (s *Store) RemoveBatch(_ context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		actions := tx.Bucket(bucketActions)
		pending := tx.Bucket(bucketPending)
		dedup := tx.Bucket(bucketDedup)

		for _, id := range ids {
			val := actions.Get([]byte(id))
			if val == nil {
				continue
			}
			var rec storedAction
			if err := json.Unmarshal(val, &rec); err != nil {
				// Index entries for an unreadable record cannot be
				// derived; drop the record itself.
				s.logger.Warn("removing unreadable action record", "id", id, "error", err)
				if err := actions.Delete([]byte(id)); err != nil {
					return err
				}
				continue
			}

			if err := pending.Delete(pendingKey(rec.Priority, rec.EnqueuedAt, rec.ID)); err != nil {
				return fmt.Errorf("deleting pending index for %s: %w", id, err)
			}
			// Only clear the dedup mapping if this action owns it; a
			// duplicate-allowed copy of a still-pending action does not.
			if rec.DedupKey != "" {
				if owner := dedup.Get([]byte(rec.DedupKey)); string(owner) == rec.ID {
					if err := dedup.Delete([]byte(rec.DedupKey)); err != nil {
						return fmt.Errorf("deleting dedup index for %s: %w", id, err)
					}
				}
			}
			if err := actions.Delete([]byte(id)); err != nil {
				return fmt.Errorf("deleting action %s: %w", id, err)
			}
		}
		return nil
	})
}

// UpdateRetry persists a new retry count for an action. The count is
// clamped to the action's MaxRetries.
func (s *Store) UpdateRetry(ctx context.Context, id string, retryCount int) error {
	return s.UpdateRetryBatch(ctx, map[string]int{id: retryCount})
}

// UpdateRetryBatch persists retry counts for several actions in one
// transaction, the once-per-drain-pass bookkeeping write. Counts are
// clamped to each action's MaxRetries. Unknown ids fail the batch.
func (s *Store) UpdateRetryBatch(_ context.Context, counts map[string]int) error {
	if len(counts) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		actions := tx.Bucket(bucketActions)

		for id, retryCount := range counts {
			val := actions.Get([]byte(id))
			if val == nil {
				return ErrNotFound
			}

			var rec storedAction
			if err := json.Unmarshal(val, &rec); err != nil {
				return fmt.Errorf("unmarshaling action %s: %w", id, err)
			}

			if retryCount > rec.MaxRetries {
				retryCount = rec.MaxRetries
			}
			rec.RetryCount = retryCount

			data, err := json.Marshal(&rec)
			if err != nil {
				return fmt.Errorf("marshaling action %s: %w", id, err)
			}
			if err := actions.Put([]byte(id), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Snapshot returns a copy of all pending actions in drain order:
// priority descending, then enqueue time ascending. The live queue is
// not mutated. Unreadable records are skipped with a warning rather
// than failing the caller.
func (s *Store) Snapshot(_ context.Context) ([]syncbox.Action, error) {
	var out []syncbox.Action
	err := s.db.View(func(tx *bbolt.Tx) error {
		actions := tx.Bucket(bucketActions)
		pending := tx.Bucket(bucketPending)

		return pending.ForEach(func(_, id []byte) error {
			val := actions.Get(id)
			if val == nil {
				s.logger.Warn("pending index references missing action", "id", string(id))
				return nil
			}
			var rec storedAction
			if err := json.Unmarshal(val, &rec); err != nil {
				s.logger.Warn("skipping corrupt action record", "id", string(id), "error", err)
				return nil
			}
			action, err := s.toAction(&rec)
			if err != nil {
				s.logger.Warn("skipping undecodable action payload", "id", rec.ID, "error", err)
				return nil
			}
			out = append(out, action)
			return nil
		})
	})
	return out, err
}

// Status is a read-only diagnostic snapshot of the queue.
type Status struct {
	Total            int        `json:"total"`
	ByPriority       ByPriority `json:"by_priority"`
	OldestEnqueuedAt *time.Time `json:"oldest_enqueued_at,omitempty"`
}

// ByPriority breaks down pending counts per priority level.
type ByPriority struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// Status reports pending totals and the oldest enqueue time.
func (s *Store) Status(_ context.Context) (Status, error) {
	var st Status
	err := s.db.View(func(tx *bbolt.Tx) error {
		pending := tx.Bucket(bucketPending)
		return pending.ForEach(func(k, _ []byte) error {
			rank, enqueuedAt := parsePendingKey(k)
			st.Total++
			switch rank {
			case syncbox.PriorityHigh.Rank():
				st.ByPriority.High++
			case syncbox.PriorityMedium.Rank():
				st.ByPriority.Medium++
			default:
				st.ByPriority.Low++
			}
			if st.OldestEnqueuedAt == nil || enqueuedAt.Before(*st.OldestEnqueuedAt) {
				t := enqueuedAt
				st.OldestEnqueuedAt = &t
			}
			return nil
		})
	})
	return st, err
}

// Len returns the number of pending actions.
func (s *Store) Len(_ context.Context) (int, error) {
	var count int
	err := s.db.View(func(tx *bbolt.Tx) error {
		count = tx.Bucket(bucketPending).Stats().KeyN
		return nil
	})
	return count, err
}
