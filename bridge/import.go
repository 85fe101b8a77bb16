package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	codexbridge "github.com/wolfeidau/codex-bridge"
	"github.com/wolfeidau/codex-bridge/telemetry"
)

// ErrImportDisabled is returned by import operations when the bridge was
// configured as one-directional.
var ErrImportDisabled = errors.New("bidirectional sync disabled")

// AnnotationInput is one locally produced annotation to push to the
// remote store.
type AnnotationInput struct {
	EntryID    string `json:"entryId"`
	Content    string `json:"content"`
	AuthorName string `json:"authorName"`
}

// SkippedItem records an input rejected before any remote call was made.
type SkippedItem struct {
	Index  int
	Kind   string
	Reason string
}

// ItemError records an input the remote store refused.
type ItemError struct {
	Index   int
	Kind    string
	EntryID string
	Err     error
}

// ImportResult reports the outcome of an import batch. Every input item
// lands in exactly one of the three buckets.
type ImportResult struct {
	CreatedIDs []string
	Skipped    []SkippedItem
	Errors     []ItemError
}

// Created is how many items the remote store accepted.
func (r ImportResult) Created() int { return len(r.CreatedIDs) }

// ImportAnnotations pushes a batch of annotations to the remote store.
// Invalid items are skipped without a remote call and remote failures are
// collected per item; neither aborts the batch. When the batch finishes
// the local version is bumped, the state file saved, and an
// import_completed event published, even if some items failed.
func (b *Bridge) ImportAnnotations(ctx context.Context, annotations []AnnotationInput) (ImportResult, error) {
	if !b.cfg.Bidirectional {
		return ImportResult{}, ErrImportDisabled
	}

	var result ImportResult

	for i, in := range annotations {
		if reason := validateAnnotation(in); reason != "" {
			b.logger.Warn("skipping invalid annotation", "index", i, "reason", reason)
			result.Skipped = append(result.Skipped, SkippedItem{Index: i, Kind: "annotation", Reason: reason})
			continue
		}

		created, err := b.client.CreateAnnotation(ctx, codexbridge.CreateAnnotationRequest{
			EntryID:    in.EntryID,
			Content:    in.Content,
			AuthorName: in.AuthorName,
		})
		if err != nil {
			b.logger.Warn("annotation rejected by remote", "index", i, "entry_id", in.EntryID, "error", err)
			result.Errors = append(result.Errors, ItemError{Index: i, Kind: "annotation", EntryID: in.EntryID, Err: err})
			continue
		}
		result.CreatedIDs = append(result.CreatedIDs, created.ID)
	}

	b.completeImport(result)
	return result, nil
}

// ImportAnnotationsJSON decodes a JSON array of annotations and imports
// it. A payload that is not an array is a structural error: it fails
// before any remote call and without touching sync state.
func (b *Bridge) ImportAnnotationsJSON(ctx context.Context, data []byte) (ImportResult, error) {
	var annotations []AnnotationInput
	if err := json.Unmarshal(data, &annotations); err != nil {
		return ImportResult{}, fmt.Errorf("decode annotations: expected a JSON array: %w", err)
	}
	return b.ImportAnnotations(ctx, annotations)
}

// LocalData is a batch of locally produced records to push remote in one
// pass. Any of the slices may be empty.
type LocalData struct {
	Bookmarks   []codexbridge.CreateBookmarkRequest   `json:"bookmarks,omitempty"`
	Annotations []AnnotationInput                     `json:"annotations,omitempty"`
	Collections []codexbridge.CreateCollectionRequest `json:"collections,omitempty"`
}

// SyncLocalData pushes bookmarks, annotations and collections to the
// remote store with the same per-item failure semantics as
// ImportAnnotations: one bad record never aborts the batch.
func (b *Bridge) SyncLocalData(ctx context.Context, data LocalData) (ImportResult, error) {
	if !b.cfg.Bidirectional {
		return ImportResult{}, ErrImportDisabled
	}

	var result ImportResult

	for i, in := range data.Bookmarks {
		if in.EntryID == "" {
			result.Skipped = append(result.Skipped, SkippedItem{Index: i, Kind: "bookmark", Reason: "missing entryId"})
			continue
		}
		created, err := b.client.CreateBookmark(ctx, in)
		if err != nil {
			result.Errors = append(result.Errors, ItemError{Index: i, Kind: "bookmark", EntryID: in.EntryID, Err: err})
			continue
		}
		result.CreatedIDs = append(result.CreatedIDs, created.ID)
	}

	for i, in := range data.Annotations {
		if reason := validateAnnotation(in); reason != "" {
			result.Skipped = append(result.Skipped, SkippedItem{Index: i, Kind: "annotation", Reason: reason})
			continue
		}
		created, err := b.client.CreateAnnotation(ctx, codexbridge.CreateAnnotationRequest{
			EntryID:    in.EntryID,
			Content:    in.Content,
			AuthorName: in.AuthorName,
		})
		if err != nil {
			result.Errors = append(result.Errors, ItemError{Index: i, Kind: "annotation", EntryID: in.EntryID, Err: err})
			continue
		}
		result.CreatedIDs = append(result.CreatedIDs, created.ID)
	}

	for i, in := range data.Collections {
		if in.Title == "" {
			result.Skipped = append(result.Skipped, SkippedItem{Index: i, Kind: "collection", Reason: "missing title"})
			continue
		}
		created, err := b.client.CreateCollection(ctx, in)
		if err != nil {
			result.Errors = append(result.Errors, ItemError{Index: i, Kind: "collection", Err: err})
			continue
		}
		result.CreatedIDs = append(result.CreatedIDs, created.ID)
	}

	b.completeImport(result)
	return result, nil
}

// completeImport advances local sync state after an import batch and
// publishes the completion event.
func (b *Bridge) completeImport(result ImportResult) {
	b.mu.Lock()
	b.doc.SyncState.LocalVersion++
	b.doc.SyncState.LastSync = b.now()
	b.persistLocked()
	b.mu.Unlock()

	b.publish(codexbridge.TypeImportCompleted, codexbridge.ImportCompleted{
		Created:    result.Created(),
		Skipped:    len(result.Skipped),
		Failed:     len(result.Errors),
		CreatedIDs: result.CreatedIDs,
	})

	telemetry.RecordImportBatch(context.Background(), result.Created(), len(result.Skipped), len(result.Errors))

	b.logger.Info("import batch finished",
		"created", result.Created(),
		"skipped", len(result.Skipped),
		"failed", len(result.Errors))
}

// validateAnnotation returns a non-empty reason when an annotation is
// missing one of its required fields.
func validateAnnotation(in AnnotationInput) string {
	switch {
	case strings.TrimSpace(in.EntryID) == "":
		return "missing entryId"
	case strings.TrimSpace(in.Content) == "":
		return "missing content"
	case strings.TrimSpace(in.AuthorName) == "":
		return "missing authorName"
	}
	return ""
}
