// Package cache implements a bbolt-backed TTL cache used as the
// fallback data source when the network is unavailable, and as a
// read-through helper otherwise. Entries are stored one record per key
// with an ordered expiry index, and an expired entry is treated as
// absent and lazily purged on the next read of that key.
package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/lumeo/syncbox"
)

var (
	// ErrNotFound is returned when a key is absent or expired.
	ErrNotFound = errors.New("cache: not found")

	// ErrOfflineNoCache is returned by Fetch when offline with no
	// cached value to serve.
	ErrOfflineNoCache = errors.New("cache: no cached data available offline")
)

// DefaultTTL is applied when Set is called with a zero TTL.
const DefaultTTL = 24 * time.Hour

// bbolt bucket names, prefixed so the cache can share a database file.
var (
	bucketEntries     = []byte("cache_entries")       // key → JSON entry
	bucketByExpiry    = []byte("cache_by_expiry")     // expiresAtMilli|key → key
	bucketExpiryByKey = []byte("cache_expiry_by_key") // key → expiresAtMilli
)

// Cache is the persistent TTL cache.
type Cache struct {
	db     *bbolt.DB
	codec  *syncbox.Codec
	logger *slog.Logger
	now    func() time.Time
	online func() bool
	noSync bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithNoSync disables fsync per transaction.
// WARNING: risks data loss on crash. Testing and benchmarking only.
func WithNoSync(noSync bool) Option {
	return func(c *Cache) { c.noSync = noSync }
}

// WithOnlineCheck supplies the connectivity gate consulted by Fetch.
// Defaults to always online.
func WithOnlineCheck(online func() bool) Option {
	return func(c *Cache) { c.online = online }
}

// Open opens (creating if needed) the cache database at path.
func Open(path string, opts ...Option) (*Cache, error) {
	c := &Cache{
		logger: slog.Default(),
		now:    time.Now,
		online: func() bool { return true },
	}
	for _, opt := range opts {
		opt(c)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  c.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}
	c.db = db

	if err := c.createBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	codec, err := syncbox.NewCodec()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating payload codec: %w", err)
	}
	c.codec = codec

	c.logger.Debug("opened cache", "path", path, "noSync", c.noSync)
	return c, nil
}

func (c *Cache) createBuckets() error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketByExpiry, bucketExpiryByKey} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases codec resources.
func (c *Cache) Close() error {
	if c.codec != nil {
		c.codec.Close()
		c.codec = nil
	}
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// storedEntry is the on-disk record. Data is held in encoded form
// (possibly zstd-compressed) with a digest verified on read.
type storedEntry struct {
	Key      string           `json:"key"`
	Data     []byte           `json:"data,omitempty"`
	Encoding syncbox.Encoding `json:"encoding,omitempty"`
	Digest   string           `json:"digest,omitempty"`
	RawSize  uint64           `json:"raw_size,omitempty"`
	StoredAt time.Time        `json:"stored_at"`
	TTL      time.Duration    `json:"ttl"`
}

func (e *storedEntry) expiresAt() time.Time {
	return e.StoredAt.Add(e.TTL)
}

// Set stores data under key with the given TTL (DefaultTTL when zero).
func (c *Cache) Set(_ context.Context, key string, data []byte, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("cache: key is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	encoded, encoding, digest, err := c.codec.Encode(data)
	if err != nil {
		return err
	}

	entry := storedEntry{
		Key:      key,
		Data:     encoded,
		Encoding: encoding,
		Digest:   digest,
		RawSize:  uint64(len(data)),
		StoredAt: c.now().UTC(),
		TTL:      ttl,
	}

	return c.db.Update(func(tx *bbolt.Tx) error {
		val, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("marshaling cache entry: %w", err)
		}
		if err := tx.Bucket(bucketEntries).Put([]byte(key), val); err != nil {
			return fmt.Errorf("putting cache entry: %w", err)
		}
		return updateExpiryIndex(tx, key, entry.expiresAt())
	})
}

// Get returns the cached data for key. An expired entry is deleted and
// reported as absent. Two consecutive Gets with no intervening Set
// return the same result.
func (c *Cache) Get(_ context.Context, key string) ([]byte, error) {
	var entry storedEntry
	var raw []byte
	err := c.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketEntries).Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}
		// bbolt value slices are only valid inside the transaction; the
		// copy is also what the purge below compares against.
		raw = make([]byte, len(val))
		copy(raw, val)
		return json.Unmarshal(val, &entry)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		// Unreadable record: degrade to a miss rather than failing the
		// caller, and clear the slot.
		c.logger.Warn("dropping corrupt cache entry", "key", key, "error", err)
		c.purgeStale(key, raw)
		return nil, ErrNotFound
	}

	if c.now().Sub(entry.StoredAt) > entry.TTL {
		c.purgeStale(key, raw)
		return nil, ErrNotFound
	}

	data, err := c.codec.Decode(entry.Data, entry.Encoding, entry.Digest, entry.RawSize)
	if err != nil {
		c.logger.Warn("dropping undecodable cache entry", "key", key, "error", err)
		c.purgeStale(key, raw)
		return nil, ErrNotFound
	}
	return data, nil
}

// purgeStale deletes an entry only while it still holds the record that
// Get observed. The re-read and delete share one transaction, so a Set
// that lands between Get's read and the purge keeps its fresh value.
func (c *Cache) purgeStale(key string, observed []byte) {
	err := c.db.Update(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketEntries).Get([]byte(key))
		if val == nil || !bytes.Equal(val, observed) {
			return nil
		}
		if err := removeExpiryIndex(tx, key); err != nil {
			return err
		}
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	})
	if err != nil {
		c.logger.Warn("purging stale cache entry failed", "key", key, "error", err)
	}
}

// Delete removes an entry and its expiry index. No-op if absent.
func (c *Cache) Delete(_ context.Context, key string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		if err := removeExpiryIndex(tx, key); err != nil {
			return err
		}
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	})
}

// Len returns the number of stored entries, including any not yet
// purged expired ones.
func (c *Cache) Len(_ context.Context) (int, error) {
	var count int
	err := c.db.View(func(tx *bbolt.Tx) error {
		count = tx.Bucket(bucketEntries).Stats().KeyN
		return nil
	})
	return count, err
}

// FetchFunc produces a fresh value for a key, typically a remote call.
type FetchFunc func(ctx context.Context) ([]byte, error)

// FetchOptions control a Fetch call.
type FetchOptions struct {
	// TTL for a freshly fetched value. DefaultTTL when zero.
	TTL time.Duration

	// FallbackOnError serves a cached value (when present) instead of
	// surfacing a fetch failure.
	FallbackOnError bool
}

// FetchResult is the outcome of a Fetch call.
type FetchResult struct {
	// Data is the value served.
	Data []byte

	// FromCache is set when Data came from the cache rather than a
	// fresh fetch.
	FromCache bool

	// FetchErr carries the fetch failure when a cached fallback was
	// served under FallbackOnError.
	FetchErr error
}

// Fetch is the read-through helper. Offline it serves from cache or
// returns ErrOfflineNoCache. Online it calls fn, caches the result,
// and returns it; when fn fails and FallbackOnError is set, any cached
// value is served with the failure attached.
func (c *Cache) Fetch(ctx context.Context, key string, fn FetchFunc, opts FetchOptions) (FetchResult, error) {
	if !c.online() {
		data, err := c.Get(ctx, key)
		if err == nil {
			return FetchResult{Data: data, FromCache: true}, nil
		}
		if errors.Is(err, ErrNotFound) {
			return FetchResult{}, ErrOfflineNoCache
		}
		return FetchResult{}, err
	}

	data, fetchErr := fn(ctx)
	if fetchErr == nil {
		if err := c.Set(ctx, key, data, opts.TTL); err != nil {
			// The fetched value is still good; durability is degraded
			// until the next successful write.
			c.logger.Warn("caching fetched value failed", "key", key, "error", err)
		}
		return FetchResult{Data: data}, nil
	}

	if opts.FallbackOnError {
		cached, err := c.Get(ctx, key)
		if err == nil {
			return FetchResult{Data: cached, FromCache: true, FetchErr: fetchErr}, nil
		}
	}
	return FetchResult{}, fmt.Errorf("fetching %s: %w", key, fetchErr)
}

// --- expiry index helpers ---

// updateExpiryIndex rewrites the forward+reverse expiry indexes for a
// key. The reverse index makes the old forward entry an O(1) lookup.
func updateExpiryIndex(tx *bbolt.Tx, key string, expiresAt time.Time) error {
	byExpiry := tx.Bucket(bucketByExpiry)
	byKey := tx.Bucket(bucketExpiryByKey)

	if old := byKey.Get([]byte(key)); old != nil {
		if err := byExpiry.Delete(expiryKey(decodeTimestamp(old), key)); err != nil {
			return fmt.Errorf("deleting old expiry index: %w", err)
		}
	}

	if err := byExpiry.Put(expiryKey(expiresAt, key), []byte(key)); err != nil {
		return fmt.Errorf("putting expiry index: %w", err)
	}
	if err := byKey.Put([]byte(key), encodeTimestamp(expiresAt)); err != nil {
		return fmt.Errorf("putting expiry reverse index: %w", err)
	}
	return nil
}

// removeExpiryIndex deletes both index entries for a key.
func removeExpiryIndex(tx *bbolt.Tx, key string) error {
	byExpiry := tx.Bucket(bucketByExpiry)
	byKey := tx.Bucket(bucketExpiryByKey)

	old := byKey.Get([]byte(key))
	if old == nil {
		return nil
	}
	if err := byExpiry.Delete(expiryKey(decodeTimestamp(old), key)); err != nil {
		return fmt.Errorf("deleting expiry index: %w", err)
	}
	return byKey.Delete([]byte(key))
}

// deleteExpired removes up to limit entries whose expiry is
// before the cutoff, in one transaction. Returns the number removed.
func (c *Cache) deleteExpired(before time.Time, limit int) (int, error) {
	var deleted int
	err := c.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		byExpiry := tx.Bucket(bucketByExpiry)
		byKey := tx.Bucket(bucketExpiryByKey)

		cutoff := encodeTimestamp(before)

		type victim struct {
			indexKey []byte
			key      []byte
		}
		var victims []victim

		cursor := byExpiry.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			// Keys sort by timestamp, so stop once past the cutoff.
			if bytes.Compare(k[:8], cutoff) >= 0 {
				break
			}
			if limit > 0 && len(victims) >= limit {
				break
			}
			ik := make([]byte, len(k))
			copy(ik, k)
			key := make([]byte, len(v))
			copy(key, v)
			victims = append(victims, victim{indexKey: ik, key: key})
		}

		for _, v := range victims {
			if err := byExpiry.Delete(v.indexKey); err != nil {
				return err
			}
			if err := byKey.Delete(v.key); err != nil {
				return err
			}
			if err := entries.Delete(v.key); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// expiryKey builds the ordered index key: timestamp then the entry key.
func expiryKey(ts time.Time, key string) []byte {
	k := make([]byte, 8+len(key))
	copy(k, encodeTimestamp(ts))
	copy(k[8:], key)
	return k
}

// encodeTimestamp encodes a time as big-endian unix milliseconds for
// lexicographic ordering in bbolt.
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixMilli())) //nolint:gosec // cache times are after 1970
	return buf
}

func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	return time.UnixMilli(int64(binary.BigEndian.Uint64(b[:8]))) //nolint:gosec // stored from UnixMilli
}
