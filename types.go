// Package codexbridge provides shared types for the bridge between the
// remote Codex application and the local derived cache.
package codexbridge

import "time"

// Entry is a single document in the remote Codex. The remote store owns
// the canonical copy; the bridge only ever holds derived projections.
type Entry struct {
	ID            string    `json:"id"`
	Filename      string    `json:"filename"`
	Type          string    `json:"type"`
	Size          int64     `json:"size"`
	OriginalSize  int64     `json:"originalSize,omitempty"`
	ProcessedDate time.Time `json:"processedDate,omitempty"`
	Summary       string    `json:"summary"`
	KeyChunks     []string  `json:"keyChunks,omitempty"`
	FullText      string    `json:"fullText,omitempty"`
	Category      string    `json:"category"`
	Subcategory   string    `json:"subcategory,omitempty"`
	KeyTerms      []string  `json:"keyTerms,omitempty"`
}

// Bookmark marks an entry as saved by the user, optionally with notes.
type Bookmark struct {
	ID            string    `json:"id"`
	EntryID       string    `json:"entryId"`
	IsBookmarked  bool      `json:"isBookmarked"`
	PersonalNotes string    `json:"personalNotes,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// EntryWithBookmark is an entry joined with its bookmark, if any.
type EntryWithBookmark struct {
	Entry
	Bookmark *Bookmark `json:"bookmark,omitempty"`
}

// Collection groups entries under a title.
type Collection struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	EntryIDs  []string  `json:"entryIds"`
	Notes     string    `json:"notes,omitempty"`
	IsPublic  bool      `json:"isPublic"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CollectionWithEntries is a collection joined with its member entries.
type CollectionWithEntries struct {
	Collection
	Entries []EntryWithBookmark `json:"entries"`
}

// Annotation is a comment attached to an entry.
type Annotation struct {
	ID         string    `json:"id"`
	EntryID    string    `json:"entryId"`
	Content    string    `json:"content"`
	AuthorName string    `json:"authorName"`
	CreatedAt  time.Time `json:"createdAt"`
}

// CreateBookmarkRequest is the body for creating or updating a bookmark.
type CreateBookmarkRequest struct {
	EntryID       string `json:"entryId"`
	IsBookmarked  bool   `json:"isBookmarked"`
	PersonalNotes string `json:"personalNotes,omitempty"`
}

// CreateCollectionRequest is the body for creating a collection.
type CreateCollectionRequest struct {
	Title    string   `json:"title"`
	EntryIDs []string `json:"entryIds"`
	Notes    string   `json:"notes,omitempty"`
	IsPublic bool     `json:"isPublic"`
}

// CreateAnnotationRequest is the body for creating an annotation.
type CreateAnnotationRequest struct {
	EntryID    string `json:"entryId"`
	Content    string `json:"content"`
	AuthorName string `json:"authorName"`
}

// ShareRequest is the body for creating a share token.
type ShareRequest struct {
	TargetType string `json:"targetType"` // "entry" or "collection"
	TargetID   string `json:"targetId"`
}

// ShareResponse is the result of creating a share token.
type ShareResponse struct {
	ShareToken string `json:"shareToken"`
	ShareURL   string `json:"shareUrl"`
}
