package bridge

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	codexbridge "github.com/wolfeidau/codex-bridge"
	"github.com/wolfeidau/codex-bridge/api"
	"github.com/wolfeidau/codex-bridge/telemetry"
)

// ExportTTL is how long an export payload stays valid in the local cache.
const ExportTTL = time.Hour

// maxKeyTerms caps the ranked term frequency list in analysis exports.
const maxKeyTerms = 50

// keyChunkPreview is how many key chunks survive when full text is
// excluded from an analysis export.
const keyChunkPreview = 5

// ErrCollectionNotFound is returned when an export names a collection the
// remote store does not have.
var ErrCollectionNotFound = errors.New("collection not found")

// CollectionInfo describes the collection an export bundle was built from.
type CollectionInfo struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Notes      string    `json:"notes,omitempty"`
	EntryCount int       `json:"entry_count"`
	ExportedAt time.Time `json:"exported_at"`
	Source     string    `json:"export_source"`
}

// EntryStats is per-entry derived data attached during export.
type EntryStats struct {
	WordCount     int    `json:"word_count"`
	CharCount     int    `json:"char_count"`
	SummaryLength int    `json:"summary_length"`
	HasBookmark   bool   `json:"has_bookmark"`
	BookmarkNotes string `json:"bookmark_notes,omitempty"`
}

// ExportedEntry is a remote entry enriched with export-time statistics.
type ExportedEntry struct {
	codexbridge.EntryWithBookmark
	Stats EntryStats `json:"stats"`
}

// DateRange brackets the processed dates of the exported entries. Both
// ends are nil when no entry carries a processed date.
type DateRange struct {
	Earliest *time.Time `json:"earliest"`
	Latest   *time.Time `json:"latest"`
}

// BundleMetadata aggregates statistics across a whole export bundle.
type BundleMetadata struct {
	TotalSize  int64          `json:"total_size"`
	Categories map[string]int `json:"categories"`
	KeyTerms   []string       `json:"key_terms"`
	DateRange  DateRange      `json:"date_range"`
}

// ExportBundle is the payload produced by ExportCollection.
type ExportBundle struct {
	CollectionInfo CollectionInfo  `json:"collection_info"`
	Entries        []ExportedEntry `json:"entries"`
	Metadata       BundleMetadata  `json:"metadata"`
}

// ExportCollection fetches the named collection from the remote store and
// builds an enriched export bundle. The serialized bundle is cached under
// collection_export_<id> for ExportTTL and an export_completed event is
// published. On any failure nothing is cached and no event is emitted.
func (b *Bridge) ExportCollection(ctx context.Context, collectionID string) (*ExportBundle, error) {
	collections, err := b.client.Collections(ctx)
	if err != nil {
		return nil, fmt.Errorf("export collection %s: %w", collectionID, err)
	}

	var target *codexbridge.CollectionWithEntries
	for i := range collections {
		if collections[i].ID == collectionID {
			target = &collections[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("export collection %s: %w", collectionID, ErrCollectionNotFound)
	}

	now := b.now()
	bundle := &ExportBundle{
		CollectionInfo: CollectionInfo{
			ID:         target.ID,
			Title:      target.Title,
			Notes:      target.Notes,
			EntryCount: len(target.Entries),
			ExportedAt: now,
			Source:     "codex-bridge",
		},
		Entries: make([]ExportedEntry, 0, len(target.Entries)),
		Metadata: BundleMetadata{
			Categories: map[string]int{},
		},
	}

	terms := map[string]struct{}{}
	var dates []time.Time

	for _, entry := range target.Entries {
		bundle.Entries = append(bundle.Entries, ExportedEntry{
			EntryWithBookmark: entry,
			Stats:             statsFor(entry),
		})

		bundle.Metadata.TotalSize += entry.Size
		bundle.Metadata.Categories[entry.Category]++
		for _, t := range entry.KeyTerms {
			terms[t] = struct{}{}
		}
		if !entry.ProcessedDate.IsZero() {
			dates = append(dates, entry.ProcessedDate)
		}
	}

	bundle.Metadata.KeyTerms = sortedTerms(terms)
	bundle.Metadata.DateRange = dateRange(dates)

	key := "collection_export_" + collectionID
	data, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("export collection %s: encode: %w", collectionID, err)
	}
	b.cachePut(key, data, now)

	b.publish(codexbridge.TypeExportCompleted, codexbridge.ExportCompleted{
		Key:          key,
		CollectionID: collectionID,
		EntryCount:   len(bundle.Entries),
		TotalSize:    bundle.Metadata.TotalSize,
	})

	telemetry.RecordExport(ctx, "collection", len(bundle.Entries), bundle.Metadata.TotalSize)

	b.logger.Info("collection exported",
		"collection_id", collectionID,
		"entries", len(bundle.Entries),
		"total_size", bundle.Metadata.TotalSize)

	return bundle, nil
}

// ExportOptions selects and shapes an analysis export. A nil EntryIDs
// exports everything the remote store has.
type ExportOptions struct {
	EntryIDs         []string
	IncludeFullText  bool
	IncludeBookmarks bool
}

// AnalysisInfo describes how an analysis bundle was produced.
type AnalysisInfo struct {
	TotalEntries     int       `json:"total_entries"`
	ExportedAt       time.Time `json:"exported_at"`
	IncludeFullText  bool      `json:"include_full_text"`
	IncludeBookmarks bool      `json:"include_bookmarks"`
}

// AnalysisEntry is the flattened per-entry record in an analysis bundle.
type AnalysisEntry struct {
	ID            string                `json:"id"`
	Filename      string                `json:"filename"`
	Category      string                `json:"category"`
	Subcategory   string                `json:"subcategory,omitempty"`
	Size          int64                 `json:"size"`
	ProcessedDate time.Time             `json:"processed_date"`
	Summary       string                `json:"summary"`
	KeyChunks     []string              `json:"key_chunks,omitempty"`
	KeyTerms      []string              `json:"key_terms,omitempty"`
	FullText      string                `json:"full_text,omitempty"`
	Bookmark      *codexbridge.Bookmark `json:"bookmark,omitempty"`
}

// CorpusDoc is one full-text document in an analysis bundle's corpus.
type CorpusDoc struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Category string `json:"category"`
	Size     int64  `json:"size"`
}

// TermCount is one ranked key term. The frequency list is a slice rather
// than a map so the ranking survives serialization.
type TermCount struct {
	Term  string `json:"term"`
	Count int    `json:"count"`
}

// AnalysisBundle is the payload produced by ExportEntries.
type AnalysisBundle struct {
	Info                 AnalysisInfo   `json:"analysis_info"`
	Entries              []AnalysisEntry `json:"entries"`
	TextCorpus           []CorpusDoc    `json:"text_corpus,omitempty"`
	CategoryDistribution map[string]int `json:"category_distribution"`
	KeyTermFrequency     []TermCount    `json:"key_term_frequency"`
}

// ExportEntries builds a flattened analysis bundle across entries. With
// explicit EntryIDs each entry is fetched individually and unknown ids are
// skipped; otherwise the whole store is exported. The bundle is cached for
// ExportTTL like a collection export.
func (b *Bridge) ExportEntries(ctx context.Context, opts ExportOptions) (*AnalysisBundle, error) {
	var (
		entries []codexbridge.EntryWithBookmark
		err     error
	)
	if len(opts.EntryIDs) > 0 {
		for _, id := range opts.EntryIDs {
			entry, err := b.client.Entry(ctx, id)
			if err != nil {
				if api.IsNotFound(err) {
					b.logger.Warn("skipping unknown entry in analysis export", "entry_id", id)
					continue
				}
				return nil, fmt.Errorf("export entries: fetch %s: %w", id, err)
			}
			entries = append(entries, *entry)
		}
	} else {
		entries, err = b.client.Entries(ctx)
		if err != nil {
			return nil, fmt.Errorf("export entries: %w", err)
		}
	}

	now := b.now()
	bundle := &AnalysisBundle{
		Info: AnalysisInfo{
			TotalEntries:     len(entries),
			ExportedAt:       now,
			IncludeFullText:  opts.IncludeFullText,
			IncludeBookmarks: opts.IncludeBookmarks,
		},
		Entries:              make([]AnalysisEntry, 0, len(entries)),
		CategoryDistribution: map[string]int{},
	}

	var totalSize int64
	frequency := map[string]int{}

	for _, entry := range entries {
		rec := AnalysisEntry{
			ID:            entry.ID,
			Filename:      entry.Filename,
			Category:      entry.Category,
			Subcategory:   entry.Subcategory,
			Size:          entry.Size,
			ProcessedDate: entry.ProcessedDate,
			Summary:       entry.Summary,
			KeyChunks:     entry.KeyChunks,
			KeyTerms:      entry.KeyTerms,
		}

		if opts.IncludeFullText {
			rec.FullText = entry.FullText
			bundle.TextCorpus = append(bundle.TextCorpus, CorpusDoc{
				ID:       entry.ID,
				Text:     entry.FullText,
				Category: entry.Category,
				Size:     entry.Size,
			})
		} else if len(rec.KeyChunks) > keyChunkPreview {
			rec.KeyChunks = rec.KeyChunks[:keyChunkPreview]
		}

		if opts.IncludeBookmarks {
			rec.Bookmark = entry.Bookmark
		}

		bundle.Entries = append(bundle.Entries, rec)
		bundle.CategoryDistribution[entry.Category]++
		totalSize += entry.Size
		for _, t := range entry.KeyTerms {
			frequency[t]++
		}
	}

	bundle.KeyTermFrequency = rankTerms(frequency, maxKeyTerms)

	key := analysisCacheKey(opts.EntryIDs)
	data, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("export entries: encode: %w", err)
	}
	b.cachePut(key, data, now)

	b.publish(codexbridge.TypeExportCompleted, codexbridge.ExportCompleted{
		Key:        key,
		EntryCount: len(bundle.Entries),
		TotalSize:  totalSize,
	})

	telemetry.RecordExport(ctx, "analysis", len(bundle.Entries), totalSize)

	b.logger.Info("entries exported for analysis",
		"entries", len(bundle.Entries),
		"full_text", opts.IncludeFullText)

	return bundle, nil
}

// statsFor derives export statistics for a single entry.
func statsFor(entry codexbridge.EntryWithBookmark) EntryStats {
	stats := EntryStats{
		WordCount:     len(strings.Fields(entry.FullText)),
		CharCount:     len(entry.FullText),
		SummaryLength: len(entry.Summary),
	}
	if entry.Bookmark != nil {
		stats.HasBookmark = true
		stats.BookmarkNotes = entry.Bookmark.PersonalNotes
	}
	return stats
}

// sortedTerms flattens a term set into a sorted slice so that repeated
// exports of the same data serialize identically.
func sortedTerms(set map[string]struct{}) []string {
	terms := make([]string, 0, len(set))
	for t := range set {
		terms = append(terms, t)
	}
	slices.Sort(terms)
	return terms
}

// rankTerms returns the top n terms by count, ties broken by term.
func rankTerms(frequency map[string]int, n int) []TermCount {
	ranked := make([]TermCount, 0, len(frequency))
	for term, count := range frequency {
		ranked = append(ranked, TermCount{Term: term, Count: count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Term < ranked[j].Term
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// dateRange brackets a set of timestamps.
func dateRange(dates []time.Time) DateRange {
	if len(dates) == 0 {
		return DateRange{}
	}
	earliest, latest := dates[0], dates[0]
	for _, d := range dates[1:] {
		if d.Before(earliest) {
			earliest = d
		}
		if d.After(latest) {
			latest = d
		}
	}
	return DateRange{Earliest: &earliest, Latest: &latest}
}

// analysisCacheKey derives a stable cache key for an analysis export. The
// id list is hashed order-insensitively.
func analysisCacheKey(entryIDs []string) string {
	if len(entryIDs) == 0 {
		return "entries_export_all"
	}
	ids := slices.Clone(entryIDs)
	slices.Sort(ids)
	sum := blake3.Sum256([]byte(strings.Join(ids, "\x00")))
	return "entries_export_" + hex.EncodeToString(sum[:8])
}
