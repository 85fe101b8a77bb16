// Package respcache provides a bolt-backed TTL cache for idempotent remote
// API responses. Expired entries are treated as absent on read and removed
// lazily or by an explicit purge.
package respcache

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.etcd.io/bbolt"
)

const (
	// CompressionThreshold is the minimum body size before compression is
	// considered. zstd overhead is not worth it for smaller payloads.
	CompressionThreshold = 2048

	// MaxDecompressedSize is the hard cap during decompression to prevent
	// compression bombs.
	MaxDecompressedSize = 10 * 1024 * 1024
)

// ErrDecompressionBomb is returned when a stored body decompresses beyond
// MaxDecompressedSize.
var ErrDecompressionBomb = errors.New("decompressed body exceeds maximum size")

var (
	bucketResponses   = []byte("responses")
	bucketByExpiry    = []byte("responses_by_expiry")
	bucketExpiryByKey = []byte("responses_expiry_by_key")
)

// envelope is the stored record for one cached response.
type envelope struct {
	Body       []byte `json:"body"`
	Compressed bool   `json:"compressed"`
	Size       int64  `json:"size"`
	FetchedAt  int64  `json:"fetched_at_ms"`
	ExpiresAt  int64  `json:"expires_at_ms"`
}

// Cache is a TTL'd key-value cache over bbolt. It satisfies the API
// client's ResponseCache interface and is safe for concurrent use.
type Cache struct {
	db      *bbolt.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  *slog.Logger
	now     func() time.Time
	noSync  bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: risks data loss on crash; use only for testing.
func WithNoSync(noSync bool) Option {
	return func(c *Cache) {
		c.noSync = noSync
	}
}

// New creates a Cache. Call Open before use.
func New(opts ...Option) *Cache {
	c := &Cache{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open opens the cache database at the given path.
func (c *Cache) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  c.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening cache database: %w", err)
	}
	c.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketResponses, bucketByExpiry, bucketExpiryByKey} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return err
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		_ = db.Close()
		return fmt.Errorf("creating zstd decoder: %w", err)
	}
	c.encoder = enc
	c.decoder = dec

	c.logger.Debug("opened response cache", "path", path)
	return nil
}

// Close closes the database and releases codec resources.
func (c *Cache) Close() error {
	if c.encoder != nil {
		_ = c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Get returns the cached body for key. Expired or missing entries report
// ok=false; an expired entry is deleted in the same transaction.
func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	var (
		body []byte
		ok   bool
	)

	err := c.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketResponses)
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			// Unreadable record: drop it rather than fail reads forever.
			c.logger.Warn("dropping corrupt cache record", "key", key, "error", err)
			return c.deleteLocked(tx, key)
		}

		if env.ExpiresAt <= c.now().UnixMilli() {
			return c.deleteLocked(tx, key)
		}

		decoded, err := c.decode(env)
		if err != nil {
			return err
		}
		body = decoded
		ok = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("reading cache entry: %w", err)
	}

	return body, ok, nil
}

// Put stores body under key with the given TTL, replacing any previous
// entry for the key.
func (c *Cache) Put(_ context.Context, key string, body []byte, ttl time.Duration) error {
	now := c.now()
	env := envelope{
		Size:      int64(len(body)),
		FetchedAt: now.UnixMilli(),
		ExpiresAt: now.Add(ttl).UnixMilli(),
	}

	if len(body) >= CompressionThreshold {
		env.Body = c.encoder.EncodeAll(body, nil)
		env.Compressed = true
	} else {
		env.Body = body
	}

	raw, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("marshaling cache entry: %w", err)
	}

	err = c.db.Update(func(tx *bbolt.Tx) error {
		// Clear any stale expiry index entry for this key.
		if old := tx.Bucket(bucketExpiryByKey).Get([]byte(key)); old != nil {
			if err := tx.Bucket(bucketByExpiry).Delete(old); err != nil {
				return err
			}
		}

		if err := tx.Bucket(bucketResponses).Put([]byte(key), raw); err != nil {
			return err
		}

		expKey := expiryKey(env.ExpiresAt, key)
		if err := tx.Bucket(bucketByExpiry).Put(expKey, []byte(key)); err != nil {
			return err
		}
		return tx.Bucket(bucketExpiryByKey).Put([]byte(key), expKey)
	})
	if err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

// Purge deletes all expired entries and returns how many were removed.
func (c *Cache) Purge(_ context.Context) (int, error) {
	cutoff := c.now().UnixMilli()
	removed := 0

	err := c.db.Update(func(tx *bbolt.Tx) error {
		byExpiry := tx.Bucket(bucketByExpiry)
		responses := tx.Bucket(bucketResponses)
		expiryByKey := tx.Bucket(bucketExpiryByKey)

		cursor := byExpiry.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if expiryFromKey(k) > cutoff {
				break
			}
			if err := responses.Delete(v); err != nil {
				return err
			}
			if err := expiryByKey.Delete(v); err != nil {
				return err
			}
			if err := cursor.Delete(); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("purging cache: %w", err)
	}

	if removed > 0 {
		c.logger.Debug("purged expired cache entries", "removed", removed)
	}
	return removed, nil
}

// Stats describes the cache contents.
type Stats struct {
	Entries   int   `json:"entries"`
	Expired   int   `json:"expired"`
	BodyBytes int64 `json:"body_bytes"`
}

// GetStats returns statistics about the cache contents.
func (c *Cache) GetStats(_ context.Context) (*Stats, error) {
	stats := &Stats{}
	cutoff := c.now().UnixMilli()

	err := c.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketResponses).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			stats.Entries++

			var env envelope
			if err := json.Unmarshal(v, &env); err != nil {
				continue
			}
			stats.BodyBytes += env.Size
			if env.ExpiresAt <= cutoff {
				stats.Expired++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// deleteLocked removes a key and its expiry index entries within an open
// write transaction.
func (c *Cache) deleteLocked(tx *bbolt.Tx, key string) error {
	if err := tx.Bucket(bucketResponses).Delete([]byte(key)); err != nil {
		return err
	}
	if old := tx.Bucket(bucketExpiryByKey).Get([]byte(key)); old != nil {
		if err := tx.Bucket(bucketByExpiry).Delete(old); err != nil {
			return err
		}
	}
	return tx.Bucket(bucketExpiryByKey).Delete([]byte(key))
}

// decode returns the stored body, decompressing when needed.
func (c *Cache) decode(env envelope) ([]byte, error) {
	if !env.Compressed {
		return env.Body, nil
	}
	if env.Size > MaxDecompressedSize {
		return nil, ErrDecompressionBomb
	}
	body, err := c.decoder.DecodeAll(env.Body, make([]byte, 0, env.Size))
	if err != nil {
		return nil, fmt.Errorf("decompressing body: %w", err)
	}
	if len(body) > MaxDecompressedSize {
		return nil, ErrDecompressionBomb
	}
	return body, nil
}

// expiryKey builds an index key ordered by expiry time: 8 bytes of
// big-endian unix milliseconds followed by the cache key.
func expiryKey(expiresAtMs int64, key string) []byte {
	buf := make([]byte, 8+len(key))
	binary.BigEndian.PutUint64(buf, uint64(expiresAtMs)) //nolint:gosec // unix ms is non-negative
	copy(buf[8:], key)
	return buf
}

func expiryFromKey(k []byte) int64 {
	if len(k) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(k)) //nolint:gosec // written by expiryKey
}
