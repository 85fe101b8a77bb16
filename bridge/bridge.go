// Package bridge synchronizes the remote Codex store with a local derived
// cache. It orchestrates exports (remote to local), imports (local to
// remote), periodic polling and event dispatch, and owns the persisted
// sync state.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	codexbridge "github.com/wolfeidau/codex-bridge"
	"github.com/wolfeidau/codex-bridge/bus"
	"github.com/wolfeidau/codex-bridge/statefile"
)

// APIClient is the remote store surface the bridge depends on. Satisfied
// by *api.Client.
type APIClient interface {
	Collections(ctx context.Context) ([]codexbridge.CollectionWithEntries, error)
	Entries(ctx context.Context) ([]codexbridge.EntryWithBookmark, error)
	Entry(ctx context.Context, id string) (*codexbridge.EntryWithBookmark, error)
	CreateAnnotation(ctx context.Context, req codexbridge.CreateAnnotationRequest) (*codexbridge.Annotation, error)
	CreateBookmark(ctx context.Context, req codexbridge.CreateBookmarkRequest) (*codexbridge.Bookmark, error)
	CreateCollection(ctx context.Context, req codexbridge.CreateCollectionRequest) (*codexbridge.Collection, error)
	Health(ctx context.Context) error
}

// Bridge is the synchronization core. The state document is a single
// shared mutable resource: every read-modify-write, whether from a caller
// or the background poller, happens under one mutex.
type Bridge struct {
	cfg    Config
	client APIClient
	bus    *bus.Bus
	file   *statefile.File
	logger *slog.Logger
	now    func() time.Time

	mu  sync.Mutex
	doc statefile.Document

	runMu   sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a bridge, loading prior state from the configured state
// file when one exists.
func New(cfg Config, client APIClient) *Bridge {
	cfg = cfg.withDefaults()

	b := &Bridge{
		cfg:    cfg,
		client: client,
		bus:    bus.New(bus.WithQueueSize(cfg.QueueSize), bus.WithLogger(cfg.Logger)),
		file:   statefile.New(cfg.StateFile, statefile.WithLogger(cfg.Logger)),
		logger: cfg.Logger,
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	b.doc = b.file.Load()
	if cfg.ConflictResolution.Valid() {
		b.doc.SyncState.ConflictResolution = cfg.ConflictResolution
	}
	b.doc.Metadata.AutoSync = cfg.AutoSync
	b.doc.Metadata.Bidirectional = cfg.Bidirectional

	return b
}

// Bus returns the bridge's event bus for subscribing to lifecycle events.
func (b *Bridge) Bus() *bus.Bus {
	return b.bus
}

// publish emits a bridge-sourced event.
func (b *Bridge) publish(msgType string, payload codexbridge.Payload) {
	b.bus.Publish(codexbridge.Message{
		Type:      msgType,
		Timestamp: b.now(),
		Source:    codexbridge.SourceLocal,
		Payload:   payload,
	})
}

// persistLocked writes the state document. Write failures are logged and
// absorbed: losing a snapshot of a derived projection is recoverable, so
// the in-memory state simply remains authoritative until the next save.
// Callers must hold b.mu.
func (b *Bridge) persistLocked() {
	if err := b.file.Save(b.doc); err != nil {
		b.logger.Warn("state save failed, keeping in-memory state", "path", b.file.Path(), "error", err)
	}
}

// CachedExport returns the cached payload for key while it is still
// valid. Expired entries are treated as absent and removed.
func (b *Bridge) CachedExport(key string) (json.RawMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.doc.LocalCache[key]
	if !ok {
		return nil, false
	}
	if !entry.Valid(b.now()) {
		delete(b.doc.LocalCache, key)
		b.persistLocked()
		return nil, false
	}
	return entry.Data, true
}

// ClearCache drops all cache entries and persists the empty map.
func (b *Bridge) ClearCache() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.doc.LocalCache = make(map[string]statefile.CacheEntry)
	b.persistLocked()
	b.logger.Info("bridge cache cleared")
}

// MarkPending records a change identifier awaiting acknowledgment.
// Marking the same identifier twice is a no-op.
func (b *Bridge) MarkPending(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.doc.SyncState.AddPending(id)
	b.persistLocked()
}

// AcknowledgePending drops a change identifier once the other side has
// confirmed it.
func (b *Bridge) AcknowledgePending(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.doc.SyncState.RemovePending(id)
	b.persistLocked()
}

// cachePut stores an export payload under key with the export TTL and
// persists. Callers must not hold b.mu.
func (b *Bridge) cachePut(key string, data []byte, exportedAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.doc.LocalCache[key] = statefile.CacheEntry{
		Data:       data,
		ExportedAt: exportedAt,
		ExpiresAt:  exportedAt.Add(ExportTTL),
	}
	b.persistLocked()
}
