package statefile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testFile(t *testing.T) *File {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "bridge_state.json"))
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	f := testFile(t)

	doc := f.Load()
	require.Equal(t, PolicyManual, doc.SyncState.ConflictResolution)
	require.Equal(t, 0, doc.SyncState.RemoteVersion)
	require.Equal(t, 0, doc.SyncState.LocalVersion)
	require.NotNil(t, doc.LocalCache)
	require.Empty(t, doc.LocalCache)
	require.False(t, doc.SyncState.LastSync.IsZero())
}

func TestLoadMalformedFileReturnsDefaults(t *testing.T) {
	f := testFile(t)
	require.NoError(t, os.WriteFile(f.Path(), []byte("{not json"), 0o600))

	doc := f.Load()
	require.Equal(t, PolicyManual, doc.SyncState.ConflictResolution)
	require.Empty(t, doc.LocalCache)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	f := testFile(t)
	now := time.Now().UTC().Truncate(time.Second)

	doc := DefaultDocument(now)
	doc.SyncState.RemoteVersion = 3
	doc.SyncState.LocalVersion = 7
	doc.SyncState.AddPending("chg-1")
	doc.SyncState.ConflictResolution = PolicyRemoteWins
	doc.LocalCache["collection_export_c1"] = CacheEntry{
		Data:       json.RawMessage(`{"entries":[]}`),
		ExportedAt: now,
		ExpiresAt:  now.Add(time.Hour),
	}
	doc.Metadata.AutoSync = true

	require.NoError(t, f.Save(doc))
	got := f.Load()

	require.Equal(t, doc.SyncState.RemoteVersion, got.SyncState.RemoteVersion)
	require.Equal(t, doc.SyncState.LocalVersion, got.SyncState.LocalVersion)
	require.Equal(t, []string{"chg-1"}, got.SyncState.PendingChanges)
	require.Equal(t, PolicyRemoteWins, got.SyncState.ConflictResolution)
	require.True(t, got.SyncState.LastSync.Equal(doc.SyncState.LastSync))

	entry, ok := got.LocalCache["collection_export_c1"]
	require.True(t, ok)
	require.JSONEq(t, `{"entries":[]}`, string(entry.Data))
	require.True(t, entry.ExportedAt.Equal(now))
	require.True(t, entry.ExpiresAt.Equal(now.Add(time.Hour)))

	require.True(t, got.Metadata.AutoSync)
	require.Equal(t, BridgeVersion, got.Metadata.BridgeVersion)
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	f := testFile(t)
	require.NoError(t, f.Save(DefaultDocument(time.Now())))

	entries, err := os.ReadDir(filepath.Dir(f.Path()))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, filepath.Base(f.Path()), entries[0].Name())
}

func TestSaveUsesSpecifiedJSONLayout(t *testing.T) {
	f := testFile(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fixed := New(f.Path(), WithNow(func() time.Time { return now }))

	require.NoError(t, fixed.Save(DefaultDocument(now)))

	raw, err := os.ReadFile(f.Path())
	require.NoError(t, err)

	var top map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &top))
	require.Contains(t, top, "sync_state")
	require.Contains(t, top, "local_cache")
	require.Contains(t, top, "metadata")

	var state map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(top["sync_state"], &state))
	for _, key := range []string{"last_sync", "remote_version", "local_version", "pending_changes", "conflict_resolution"} {
		require.Contains(t, state, key)
	}

	// Timestamps serialize as RFC 3339 / ISO-8601 strings.
	var lastSync string
	require.NoError(t, json.Unmarshal(state["last_sync"], &lastSync))
	_, err = time.Parse(time.RFC3339, lastSync)
	require.NoError(t, err)
}

func TestAddPendingIsSetLike(t *testing.T) {
	var s SyncState
	s.AddPending("a")
	s.AddPending("b")
	s.AddPending("a")
	require.Equal(t, []string{"a", "b"}, s.PendingChanges)

	s.RemovePending("a")
	require.Equal(t, []string{"b"}, s.PendingChanges)
	s.RemovePending("missing")
	require.Equal(t, []string{"b"}, s.PendingChanges)
}
