package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTenantKeyValidate(t *testing.T) {
	tests := []struct {
		name    string
		key     TenantKey
		wantErr bool
	}{
		{"plain", TenantKey{Owner: "ada", Project: "novel"}, false},
		{"dots and dashes", TenantKey{Owner: "ada.l", Project: "my-novel_2"}, false},
		{"empty owner", TenantKey{Owner: "", Project: "novel"}, true},
		{"path traversal", TenantKey{Owner: "..", Project: "novel"}, true},
		{"single dot", TenantKey{Owner: ".", Project: "novel"}, true},
		{"dot-only project", TenantKey{Owner: "ada", Project: "..."}, true},
		{"hidden-style name", TenantKey{Owner: ".ada", Project: "novel"}, false},
		{"slash", TenantKey{Owner: "a/b", Project: "novel"}, true},
		{"space", TenantKey{Owner: "ada", Project: "my novel"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.key.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBadTenantKey)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAppendLoadAllOrder(t *testing.T) {
	dir := t.TempDir()
	key := TenantKey{Owner: "ada", Project: "novel"}

	l, err := OpenUpdateLog(dir, key)
	require.NoError(t, err)

	records := [][]byte{[]byte("u1"), []byte("u2"), []byte("u3")}
	for _, rec := range records {
		require.NoError(t, l.Append("chapter-1", rec))
	}

	got, err := l.LoadAll("chapter-1")
	require.NoError(t, err)
	assert.Equal(t, records, got)

	// Simulated process restart: records survive and keep their order.
	require.NoError(t, l.Close())
	l2, err := OpenUpdateLog(dir, key)
	require.NoError(t, err)
	defer l2.Close()

	got, err = l2.LoadAll("chapter-1")
	require.NoError(t, err)
	assert.Equal(t, records, got)

	// Appends after a reload stay behind nothing: order is preserved.
	require.NoError(t, l2.Append("chapter-1", []byte("u4")))
	got, err = l2.LoadAll("chapter-1")
	require.NoError(t, err)
	assert.Equal(t, append(records, []byte("u4")), got)
}

func TestDocumentsAreIsolated(t *testing.T) {
	l, err := OpenUpdateLog(t.TempDir(), TenantKey{Owner: "ada", Project: "novel"})
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append("ch1", []byte("a")))
	require.NoError(t, l.Append("ch2", []byte("b")))

	got, err := l.LoadAll("ch1")
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("a")}, got)

	require.NoError(t, l.DeleteDocument("ch1"))
	got, err = l.LoadAll("ch1")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = l.LoadAll("ch2")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestCloseSemantics(t *testing.T) {
	l, err := OpenUpdateLog(t.TempDir(), TenantKey{Owner: "ada", Project: "novel"})
	require.NoError(t, err)

	require.NoError(t, l.Close())
	assert.ErrorIs(t, l.Close(), ErrClosed)
	assert.ErrorIs(t, l.Append("d", []byte("x")), ErrClosed)
	_, err = l.LoadAll("d")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDestroyRemovesFile(t *testing.T) {
	dir := t.TempDir()
	key := TenantKey{Owner: "ada", Project: "novel"}
	l, err := OpenUpdateLog(dir, key)
	require.NoError(t, err)
	require.NoError(t, l.Append("d", []byte("x")))

	path := l.Path()
	require.FileExists(t, path)
	require.NoError(t, l.Destroy())
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	// A fresh open after destroy starts empty.
	l2, err := OpenUpdateLog(dir, key)
	require.NoError(t, err)
	defer l2.Close()
	got, err := l2.LoadAll("d")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBadTenantKeyRejectedAtOpen(t *testing.T) {
	_, err := OpenUpdateLog(t.TempDir(), TenantKey{Owner: "../evil", Project: "p"})
	assert.ErrorIs(t, err, ErrBadTenantKey)
}

func TestOpenStaysInsideDataDir(t *testing.T) {
	parent := t.TempDir()
	dataDir := filepath.Join(parent, "data")
	require.NoError(t, os.MkdirAll(dataDir, 0o755))

	for _, key := range []TenantKey{
		{Owner: "..", Project: "evil"},
		{Owner: ".", Project: "evil"},
		{Owner: "ada", Project: ".."},
	} {
		_, err := OpenUpdateLog(dataDir, key)
		assert.ErrorIs(t, err, ErrBadTenantKey, "key %s", key)
	}
	assert.NoFileExists(t, filepath.Join(parent, "evil.db"))

	l, err := OpenUpdateLog(dataDir, TenantKey{Owner: "ada", Project: "novel"})
	require.NoError(t, err)
	defer l.Close()
	rel, err := filepath.Rel(dataDir, l.Path())
	require.NoError(t, err)
	assert.False(t, strings.HasPrefix(rel, ".."))
}

func TestSnapshotsRoundTrip(t *testing.T) {
	l, err := OpenUpdateLog(t.TempDir(), TenantKey{Owner: "ada", Project: "novel"})
	require.NoError(t, err)
	defer l.Close()

	older := Snapshot{
		ID: "s1", DocumentID: "ch1", Name: "first draft",
		WordCount: 12, CreatedAt: time.Now().Add(-time.Hour).UTC(), State: []byte("state-1"),
	}
	newer := Snapshot{
		ID: "s2", DocumentID: "ch1", Name: "second draft",
		WordCount: 20, CreatedAt: time.Now().UTC(), State: []byte("state-2"),
	}
	other := Snapshot{
		ID: "s3", DocumentID: "ch2", Name: "elsewhere",
		CreatedAt: time.Now().UTC(), State: []byte("state-3"),
	}
	for _, s := range []Snapshot{newer, older, other} {
		require.NoError(t, l.PutSnapshot(s))
	}

	got, found, err := l.GetSnapshot("s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "first draft", got.Name)
	assert.Equal(t, []byte("state-1"), got.State)

	_, found, err = l.GetSnapshot("missing")
	require.NoError(t, err)
	assert.False(t, found)

	list, err := l.ListSnapshots("ch1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "s1", list[0].ID, "snapshots list oldest first")
	assert.Equal(t, "s2", list[1].ID)
}

func TestDeleteDocumentRemovesRecordsAndSnapshots(t *testing.T) {
	l, err := OpenUpdateLog(t.TempDir(), TenantKey{Owner: "ada", Project: "novel"})
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append("ch1", []byte("u1")))
	require.NoError(t, l.Append("ch2", []byte("u2")))
	require.NoError(t, l.PutSnapshot(Snapshot{
		ID: "s1", DocumentID: "ch1", Name: "doomed", CreatedAt: time.Now().UTC(), State: []byte("x"),
	}))
	require.NoError(t, l.PutSnapshot(Snapshot{
		ID: "s2", DocumentID: "ch2", Name: "spared", CreatedAt: time.Now().UTC(), State: []byte("y"),
	}))

	require.NoError(t, l.DeleteDocument("ch1"))
	require.NoError(t, l.DeleteSnapshotsFor("ch1"))

	got, err := l.LoadAll("ch1")
	require.NoError(t, err)
	assert.Empty(t, got)

	list, err := l.ListSnapshots("ch1")
	require.NoError(t, err)
	assert.Empty(t, list)

	// The sibling document is untouched.
	got, err = l.LoadAll("ch2")
	require.NoError(t, err)
	assert.Len(t, got, 1)
	list, err = l.ListSnapshots("ch2")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// Deleting an absent document is a no-op.
	require.NoError(t, l.DeleteDocument("ch1"))
}
