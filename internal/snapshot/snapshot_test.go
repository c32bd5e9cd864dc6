package snapshot

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runmux/runmux/internal/binary"
	"github.com/runmux/runmux/internal/record"
	"github.com/runmux/runmux/internal/session"
)

func captureTestSession(t *testing.T) *Snapshot {
	t.Helper()

	s := session.New("sess-1", binary.Info{Path: "/usr/bin/agent", Version: "1.2.3"},
		map[string]any{"model": "large"}, time.Time{})
	s.AppendRecord(record.Record{Type: "tick", Payload: map[string]any{"seq": float64(1)}, Raw: []byte(`{"type":"tick","seq":1}`)})
	s.AppendRecord(record.Record{Type: record.TypeEnd, Raw: []byte(`{"type":"end"}`)})
	s.AddBytesIn(38)

	snap, err := Capture(s, Command{Args: []string{"--fast"}, Env: map[string]string{"MODE": "test"}})
	require.NoError(t, err)
	return snap
}

func TestCaptureFieldsAndID(t *testing.T) {
	snap := captureTestSession(t)

	assert.True(t, strings.HasPrefix(snap.SnapshotID, "snap-"), "id %q", snap.SnapshotID)
	assert.Len(t, snap.SnapshotID, len("snap-")+12)
	assert.Equal(t, "sess-1", snap.SessionID)
	assert.Equal(t, session.StateCreated, snap.State)
	require.Len(t, snap.Records, 2)
	assert.Equal(t, int64(2), snap.Metrics.RecordsParsed)
	assert.False(t, snap.CapturedAt.IsZero())
	assert.True(t, strings.HasPrefix(snap.Integrity, "sha256:"), "integrity %q", snap.Integrity)
	assert.NoError(t, VerifyIntegrity(snap))
}

func TestVerifyIntegrityCatchesEditedManifest(t *testing.T) {
	snap := captureTestSession(t)

	snap.SessionID = "sess-other"
	require.Error(t, VerifyIntegrity(snap))
}

func TestCaptureDeterministicID(t *testing.T) {
	// Same content must hash to the same id even though CapturedAt differs.
	a := captureTestSession(t)
	time.Sleep(2 * time.Millisecond)
	b := captureTestSession(t)

	assert.Equal(t, a.SnapshotID, b.SnapshotID)
}

func TestCaptureIDSensitiveToContent(t *testing.T) {
	a := captureTestSession(t)

	s := session.New("sess-1", binary.Info{Path: "/usr/bin/agent", Version: "1.2.3"},
		map[string]any{"model": "large"}, time.Time{})
	s.AppendRecord(record.Record{Type: "tick", Payload: map[string]any{"seq": float64(2)}, Raw: []byte(`{"type":"tick","seq":2}`)})
	b, err := Capture(s, Command{Args: []string{"--fast"}})
	require.NoError(t, err)

	assert.NotEqual(t, a.SnapshotID, b.SnapshotID)
}

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	snap := captureTestSession(t)
	id, err := store.Store(snap)
	require.NoError(t, err)
	assert.Equal(t, snap.SnapshotID, id)

	loaded, err := store.Load(id)
	require.NoError(t, err)

	if diff := cmp.Diff(snap, loaded); diff != "" {
		t.Errorf("loaded snapshot differs (-want +got):\n%s", diff)
	}
}

func TestFileStoreRejectsTamperedManifest(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	snap := captureTestSession(t)
	id, err := store.Store(snap)
	require.NoError(t, err)

	path := filepath.Join(dir, id+".json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data = bytes.ReplaceAll(data, []byte(`"sess-1"`), []byte(`"sess-2"`))
	require.NoError(t, os.WriteFile(path, data, 0600))

	_, err = store.Load(id)
	require.ErrorContains(t, err, "integrity")
}

func TestFileStoreLoadMissing(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Load("snap-000000000000")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemStoreRoundTrip(t *testing.T) {
	store := NewMemStore()

	snap := captureTestSession(t)
	id, err := store.Store(snap)
	require.NoError(t, err)

	loaded, err := store.Load(id)
	require.NoError(t, err)
	if diff := cmp.Diff(snap, loaded); diff != "" {
		t.Errorf("loaded snapshot differs (-want +got):\n%s", diff)
	}

	_, err = store.Load("snap-missing")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestStoreRejectsMissingID(t *testing.T) {
	store := NewMemStore()
	_, err := store.Store(&Snapshot{})
	require.Error(t, err)
}
