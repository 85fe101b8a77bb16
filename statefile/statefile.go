// Package statefile persists the bridge's sync state and derived cache map
// as a single JSON document on disk.
package statefile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"
)

// BridgeVersion is the schema version written to the metadata block.
const BridgeVersion = "1.0"

// Policy selects how conflicting writes would be resolved.
//
// The policy is stored and exposed but not yet consulted by any sync path:
// true conflict detection between remote and local versions is not
// implemented, so the value is a declared policy without enforcement.
type Policy string

const (
	PolicyManual     Policy = "manual"
	PolicyRemoteWins Policy = "remote_wins"
	PolicyLocalWins  Policy = "local_wins"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	switch p {
	case PolicyManual, PolicyRemoteWins, PolicyLocalWins:
		return true
	}
	return false
}

// SyncState is the bridge's bookkeeping record of versions, timestamps and
// pending change identifiers. Version counters are per-side and
// independent; each is incremented only by writes originating from that
// side and is never decremented.
type SyncState struct {
	LastSync           time.Time `json:"last_sync"`
	RemoteVersion      int       `json:"remote_version"`
	LocalVersion       int       `json:"local_version"`
	PendingChanges     []string  `json:"pending_changes"`
	ConflictResolution Policy    `json:"conflict_resolution"`
}

// AddPending records a change identifier awaiting acknowledgment.
// Duplicates are ignored (set semantics).
func (s *SyncState) AddPending(id string) {
	if slices.Contains(s.PendingChanges, id) {
		return
	}
	s.PendingChanges = append(s.PendingChanges, id)
}

// RemovePending acknowledges a pending change identifier.
func (s *SyncState) RemovePending(id string) {
	s.PendingChanges = slices.DeleteFunc(s.PendingChanges, func(p string) bool {
		return p == id
	})
}

// CacheEntry is one value in the derived cache map. An entry is valid only
// while the current time is before ExpiresAt; expired entries are treated
// as absent on read.
type CacheEntry struct {
	Data       json.RawMessage `json:"data"`
	ExportedAt time.Time       `json:"exported_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// Valid reports whether the entry is still live at the given time.
func (e CacheEntry) Valid(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Metadata describes the document itself.
type Metadata struct {
	BridgeVersion string    `json:"bridge_version"`
	LastUpdated   time.Time `json:"last_updated"`
	AutoSync      bool      `json:"auto_sync"`
	Bidirectional bool      `json:"bidirectional"`
}

// Document is the complete persisted state: sync bookkeeping plus the
// generic key to cache-entry map. The document is a derived, expendable
// projection; losing it resets the bridge to defaults.
type Document struct {
	SyncState  SyncState             `json:"sync_state"`
	LocalCache map[string]CacheEntry `json:"local_cache"`
	Metadata   Metadata              `json:"metadata"`
}

// DefaultDocument returns a fresh document as used when no state file
// exists or the existing one is unreadable.
func DefaultDocument(now time.Time) Document {
	return Document{
		SyncState: SyncState{
			LastSync:           now,
			PendingChanges:     []string{},
			ConflictResolution: PolicyManual,
		},
		LocalCache: make(map[string]CacheEntry),
		Metadata: Metadata{
			BridgeVersion: BridgeVersion,
			LastUpdated:   now,
		},
	}
}

// File reads and writes the state document at a fixed path. A single
// writer per path is assumed; there is no cross-process locking.
type File struct {
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a File.
type Option func(*File)

// WithLogger sets the logger for load/save events.
func WithLogger(logger *slog.Logger) Option {
	return func(f *File) {
		f.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(f *File) {
		f.now = now
	}
}

// New creates a File for the given path.
func New(path string, opts ...Option) *File {
	f := &File{
		path:   path,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Path returns the file path.
func (f *File) Path() string {
	return f.path
}

// Load reads the document from disk. A missing or malformed file yields
// defaults: corruption of the derived state is recoverable, so it is
// logged and never surfaced as an error.
func (f *File) Load() Document {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.logger.Warn("could not read state file, starting from defaults", "path", f.path, "error", err)
		}
		return DefaultDocument(f.now())
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		f.logger.Warn("state file is malformed, starting from defaults", "path", f.path, "error", err)
		return DefaultDocument(f.now())
	}

	if doc.LocalCache == nil {
		doc.LocalCache = make(map[string]CacheEntry)
	}
	if doc.SyncState.PendingChanges == nil {
		doc.SyncState.PendingChanges = []string{}
	}
	if !doc.SyncState.ConflictResolution.Valid() {
		doc.SyncState.ConflictResolution = PolicyManual
	}

	f.logger.Debug("loaded state file",
		"path", f.path,
		"remote_version", doc.SyncState.RemoteVersion,
		"local_version", doc.SyncState.LocalVersion,
		"cache_entries", len(doc.LocalCache),
	)
	return doc
}

// Save writes the document, refreshing the metadata timestamp. The write
// goes to a temporary file in the same directory followed by a rename, so
// a crash mid-write never leaves a truncated document behind.
func (f *File) Save(doc Document) error {
	doc.Metadata.BridgeVersion = BridgeVersion
	doc.Metadata.LastUpdated = f.now()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}

	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(tmp.Name())
		if werr != nil {
			return fmt.Errorf("writing state: %w", werr)
		}
		return fmt.Errorf("closing temp state file: %w", cerr)
	}

	if err := os.Rename(tmp.Name(), f.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replacing state file: %w", err)
	}

	f.logger.Debug("saved state file", "path", f.path, "bytes", len(data))
	return nil
}
