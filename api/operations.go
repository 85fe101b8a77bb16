package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	codexbridge "github.com/wolfeidau/codex-bridge"
)

// Entries retrieves all entries with their bookmarks.
func (c *Client) Entries(ctx context.Context) ([]codexbridge.EntryWithBookmark, error) {
	var entries []codexbridge.EntryWithBookmark
	if err := c.get(ctx, "/codex/entries", nil, &entries); err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	return entries, nil
}

// Entry retrieves a single entry by ID.
func (c *Client) Entry(ctx context.Context, id string) (*codexbridge.EntryWithBookmark, error) {
	var entry codexbridge.EntryWithBookmark
	if err := c.get(ctx, "/codex/entries/"+url.PathEscape(id), nil, &entry); err != nil {
		return nil, fmt.Errorf("getting entry %s: %w", id, err)
	}
	return &entry, nil
}

// SearchEntries searches entries matching the query string.
func (c *Client) SearchEntries(ctx context.Context, query string) ([]codexbridge.EntryWithBookmark, error) {
	var entries []codexbridge.EntryWithBookmark
	q := url.Values{"q": {query}}
	if err := c.get(ctx, "/codex/search", q, &entries); err != nil {
		return nil, fmt.Errorf("searching entries: %w", err)
	}
	return entries, nil
}

// EntriesByCategory retrieves entries in the given category.
func (c *Client) EntriesByCategory(ctx context.Context, category string) ([]codexbridge.EntryWithBookmark, error) {
	var entries []codexbridge.EntryWithBookmark
	if err := c.get(ctx, "/codex/categories/"+url.PathEscape(category), nil, &entries); err != nil {
		return nil, fmt.Errorf("listing entries in category %s: %w", category, err)
	}
	return entries, nil
}

// BookmarkedEntries retrieves all bookmarked entries.
func (c *Client) BookmarkedEntries(ctx context.Context) ([]codexbridge.EntryWithBookmark, error) {
	var entries []codexbridge.EntryWithBookmark
	if err := c.get(ctx, "/bookmarks", nil, &entries); err != nil {
		return nil, fmt.Errorf("listing bookmarks: %w", err)
	}
	return entries, nil
}

// CreateBookmark creates or updates a bookmark.
func (c *Client) CreateBookmark(ctx context.Context, req codexbridge.CreateBookmarkRequest) (*codexbridge.Bookmark, error) {
	var bookmark codexbridge.Bookmark
	if err := c.post(ctx, "/bookmarks", req, &bookmark); err != nil {
		return nil, fmt.Errorf("creating bookmark: %w", err)
	}
	return &bookmark, nil
}

// Collections retrieves all collections with their member entries.
func (c *Client) Collections(ctx context.Context) ([]codexbridge.CollectionWithEntries, error) {
	var collections []codexbridge.CollectionWithEntries
	if err := c.get(ctx, "/collections", nil, &collections); err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	return collections, nil
}

// CreateCollection creates a new collection.
func (c *Client) CreateCollection(ctx context.Context, req codexbridge.CreateCollectionRequest) (*codexbridge.Collection, error) {
	var collection codexbridge.Collection
	if err := c.post(ctx, "/collections", req, &collection); err != nil {
		return nil, fmt.Errorf("creating collection: %w", err)
	}
	return &collection, nil
}

// Annotations retrieves annotations, optionally filtered to one entry by
// passing a non-empty entryID.
func (c *Client) Annotations(ctx context.Context, entryID string) ([]codexbridge.Annotation, error) {
	path := "/annotations"
	if entryID != "" {
		path = "/annotations/entry/" + url.PathEscape(entryID)
	}
	var annotations []codexbridge.Annotation
	if err := c.get(ctx, path, nil, &annotations); err != nil {
		return nil, fmt.Errorf("listing annotations: %w", err)
	}
	return annotations, nil
}

// CreateAnnotation creates an annotation on an entry.
func (c *Client) CreateAnnotation(ctx context.Context, req codexbridge.CreateAnnotationRequest) (*codexbridge.Annotation, error) {
	var annotation codexbridge.Annotation
	if err := c.post(ctx, "/annotations", req, &annotation); err != nil {
		return nil, fmt.Errorf("creating annotation: %w", err)
	}
	return &annotation, nil
}

// CreateShare creates a share token for an entry or collection.
func (c *Client) CreateShare(ctx context.Context, req codexbridge.ShareRequest) (*codexbridge.ShareResponse, error) {
	var share codexbridge.ShareResponse
	if err := c.post(ctx, "/shares", req, &share); err != nil {
		return nil, fmt.Errorf("creating share: %w", err)
	}
	return &share, nil
}

// Health checks connectivity to the remote store. The health endpoint is
// requested directly, bypassing the response cache.
func (c *Client) Health(ctx context.Context) error {
	if _, err := c.request(ctx, http.MethodGet, "/health", nil, nil); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	return nil
}
