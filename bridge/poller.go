package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	codexbridge "github.com/wolfeidau/codex-bridge"
	"github.com/wolfeidau/codex-bridge/telemetry"
)

// stopTimeout bounds how long Stop waits for the background loop to
// acknowledge shutdown before proceeding anyway.
const stopTimeout = 5 * time.Second

// Start begins the background sync loop. Starting twice, or after Stop,
// is a no-op.
func (b *Bridge) Start(ctx context.Context) error {
	b.runMu.Lock()
	if b.stopped || b.running {
		b.runMu.Unlock()
		return nil
	}
	b.running = true
	b.runMu.Unlock()

	go b.run(ctx)

	b.logger.Info("background sync started", "interval", b.cfg.SyncInterval, "auto_sync", b.cfg.AutoSync)
	return nil
}

// Stop signals the background loop and waits up to stopTimeout for it to
// exit. A loop that does not stop in time is logged and abandoned rather
// than blocking the caller. State is persisted before Stop returns either
// way.
func (b *Bridge) Stop() {
	b.runMu.Lock()
	wasRunning := b.running && !b.stopped
	if wasRunning {
		b.stopped = true
	}
	b.runMu.Unlock()

	if wasRunning {
		close(b.stopCh)
		select {
		case <-b.doneCh:
		case <-time.After(stopTimeout):
			b.logger.Warn("background sync did not stop in time, proceeding", "timeout", stopTimeout)
		}
	}

	b.mu.Lock()
	b.persistLocked()
	b.mu.Unlock()

	b.logger.Info("background sync stopped")
}

// Running reports whether the background loop is active.
func (b *Bridge) Running() bool {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	return b.running && !b.stopped
}

func (b *Bridge) run(ctx context.Context) {
	defer close(b.doneCh)

	ticker := time.NewTicker(b.cfg.SyncInterval)
	defer ticker.Stop()

	// Run immediately on start
	b.iterate(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.iterate(ctx)
		}
	}
}

// iterate is one pass of the background loop: reconcile if auto-sync is
// on, then drain and process any queued messages. Failures are published
// as sync_error events and never terminate the loop.
func (b *Bridge) iterate(ctx context.Context) {
	if b.cfg.AutoSync {
		b.PollOnce()
	}

	b.mu.Lock()
	cacheEntries := len(b.doc.LocalCache)
	b.mu.Unlock()
	telemetry.UpdateBridgeState(ctx, b.bus.Depth(), cacheEntries)

	for _, msg := range b.bus.Drain() {
		if err := b.processMessage(ctx, msg); err != nil {
			b.logger.Error("message processing failed", "type", msg.Type, "id", msg.ID, "error", err)
			b.publish(codexbridge.TypeSyncError, codexbridge.SyncError{Op: msg.Type, Err: err.Error()})
		}
	}
}

// PollOnce advances last_sync and persists when at least one sync
// interval has elapsed. It reports whether the state was updated. There
// is no change detection behind this: the bridge holds derived data only,
// so the poll records liveness rather than reconciling content.
func (b *Bridge) PollOnce() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if now.Sub(b.doc.SyncState.LastSync) <= b.cfg.SyncInterval {
		return false
	}

	b.doc.SyncState.LastSync = now
	b.persistLocked()
	telemetry.RecordSyncRun(context.Background(), "poll")
	b.logger.Debug("poll advanced last_sync", "last_sync", now)
	return true
}

// ForceSync updates last_sync immediately, regardless of elapsed time,
// persists and publishes a force_sync_completed event.
func (b *Bridge) ForceSync() {
	b.mu.Lock()
	now := b.now()
	b.doc.SyncState.LastSync = now
	localVersion := b.doc.SyncState.LocalVersion
	b.persistLocked()
	b.mu.Unlock()

	b.publish(codexbridge.TypeForceSyncCompleted, codexbridge.ForceSyncCompleted{
		CompletedAt:  now,
		LocalVersion: localVersion,
	})

	telemetry.RecordSyncRun(context.Background(), "forced")

	b.logger.Info("forced sync", "last_sync", now)
}

// processMessage handles one queued message by type. Unknown types are
// logged and dropped.
func (b *Bridge) processMessage(ctx context.Context, msg codexbridge.Message) error {
	b.logger.Debug("processing message", "type", msg.Type, "source", msg.Source, "id", msg.ID)

	switch msg.Type {
	case codexbridge.TypeDataRequest:
		req, ok := msg.Payload.(codexbridge.DataRequest)
		if !ok {
			return fmt.Errorf("data_request with %T payload", msg.Payload)
		}
		return b.handleDataRequest(ctx, req)

	case codexbridge.TypeDataSync:
		sync, ok := msg.Payload.(codexbridge.DataSync)
		if !ok {
			return fmt.Errorf("data_sync with %T payload", msg.Payload)
		}
		var data LocalData
		if err := json.Unmarshal(sync.Data, &data); err != nil {
			return fmt.Errorf("decode data_sync payload: %w", err)
		}
		_, err := b.SyncLocalData(ctx, data)
		return err

	case codexbridge.TypeStatusUpdate:
		if status, ok := msg.Payload.(codexbridge.StatusUpdate); ok {
			b.logger.Info("status update", "source", msg.Source, "status", status.Status)
		}
		return nil

	case codexbridge.TypeExportCompleted, codexbridge.TypeImportCompleted,
		codexbridge.TypeForceSyncCompleted, codexbridge.TypeSyncError:
		// Notifications this process emitted; subscribers already saw them.
		return nil

	default:
		b.logger.Warn("unknown message type", "type", msg.Type)
		return nil
	}
}

func (b *Bridge) handleDataRequest(ctx context.Context, req codexbridge.DataRequest) error {
	switch req.RequestType {
	case "export_collection":
		if req.CollectionID == "" {
			return fmt.Errorf("export_collection request without collection id")
		}
		_, err := b.ExportCollection(ctx, req.CollectionID)
		return err
	default:
		b.logger.Warn("unknown data request", "request_type", req.RequestType)
		return nil
	}
}
