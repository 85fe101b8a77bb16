package bridge

import (
	"context"
	"time"

	"github.com/wolfeidau/codex-bridge/statefile"
)

// StatusSnapshot is a point-in-time view of bridge health, sync state and
// configuration.
type StatusSnapshot struct {
	Connected          bool              `json:"connected"`
	Running            bool              `json:"running"`
	LastSync           time.Time         `json:"last_sync"`
	RemoteVersion      int               `json:"remote_version"`
	LocalVersion       int               `json:"local_version"`
	PendingChanges     int               `json:"pending_changes"`
	ConflictResolution statefile.Policy  `json:"conflict_resolution"`
	QueueDepth         int               `json:"queue_depth"`
	CacheEntries       int               `json:"cache_entries"`
	AutoSync           bool              `json:"auto_sync"`
	Bidirectional      bool              `json:"bidirectional"`
	SyncInterval       time.Duration     `json:"sync_interval"`
	StateFile          string            `json:"state_file"`
}

// Status reports the current bridge state. It is read-only: probing the
// remote store's health endpoint is the only side effect.
func (b *Bridge) Status(ctx context.Context) StatusSnapshot {
	connected := b.client.Health(ctx) == nil

	b.mu.Lock()
	snapshot := StatusSnapshot{
		Connected:          connected,
		LastSync:           b.doc.SyncState.LastSync,
		RemoteVersion:      b.doc.SyncState.RemoteVersion,
		LocalVersion:       b.doc.SyncState.LocalVersion,
		PendingChanges:     len(b.doc.SyncState.PendingChanges),
		ConflictResolution: b.doc.SyncState.ConflictResolution,
		CacheEntries:       len(b.doc.LocalCache),
		AutoSync:           b.cfg.AutoSync,
		Bidirectional:      b.cfg.Bidirectional,
		SyncInterval:       b.cfg.SyncInterval,
		StateFile:          b.cfg.StateFile,
	}
	b.mu.Unlock()

	snapshot.Running = b.Running()
	snapshot.QueueDepth = b.bus.Depth()
	return snapshot
}
