package codexbridge

import (
	"encoding/json"
	"time"
)

// Source identifies which side of the bridge produced a message.
type Source string

const (
	// SourceLocal marks messages produced by this process.
	SourceLocal Source = "local"

	// SourceRemote marks messages originating from the remote store.
	SourceRemote Source = "remote"
)

// Message type tags used on the event bus.
const (
	TypeExportCompleted    = "export_completed"
	TypeImportCompleted    = "import_completed"
	TypeForceSyncCompleted = "force_sync_completed"
	TypeSyncError          = "sync_error"
	TypeStatusUpdate       = "status_update"
	TypeDataRequest        = "data_request"
	TypeDataSync           = "data_sync"
)

// Message is a single bridge event. Messages are transient: they are
// delivered to subscribers and held in a bounded in-memory queue, never
// persisted.
type Message struct {
	// ID uniquely identifies the message. Assigned from a UUID at publish
	// time if empty, so uniqueness holds under concurrent emission.
	ID        string
	Type      string
	Timestamp time.Time
	Source    Source
	Payload   Payload
}

// Payload is the closed set of message payload shapes. The Opaque variant
// carries raw JSON for message types this process does not know about.
type Payload interface {
	isPayload()
}

// ExportCompleted is published after a successful export operation.
type ExportCompleted struct {
	Key          string
	CollectionID string
	EntryCount   int
	TotalSize    int64
}

func (ExportCompleted) isPayload() {}

// ImportCompleted is published after an import batch finishes, including
// batches with per-item failures.
type ImportCompleted struct {
	Created    int
	Skipped    int
	Failed     int
	CreatedIDs []string
}

func (ImportCompleted) isPayload() {}

// ForceSyncCompleted is published after a caller-forced reconciliation.
type ForceSyncCompleted struct {
	CompletedAt  time.Time
	LocalVersion int
}

func (ForceSyncCompleted) isPayload() {}

// SyncError reports a failed background iteration.
type SyncError struct {
	Op  string
	Err string
}

func (SyncError) isPayload() {}

// DataRequest asks the bridge to run an export on behalf of the remote
// side. RequestType selects the operation; today only
// "export_collection" is understood.
type DataRequest struct {
	RequestType  string
	CollectionID string
}

func (DataRequest) isPayload() {}

// DataSync carries locally produced records to push to the remote store.
// The data is kept raw here; the bridge decodes it when processing.
type DataSync struct {
	Data json.RawMessage
}

func (DataSync) isPayload() {}

// StatusUpdate carries a free-form status string from either side.
type StatusUpdate struct {
	Status string
}

func (StatusUpdate) isPayload() {}

// Opaque holds a payload whose shape is unknown to this build.
type Opaque json.RawMessage

func (Opaque) isPayload() {}
