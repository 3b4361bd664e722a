package fcgiapp

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T, ttl time.Duration) *FileSessionStore {
	return NewFileSessionStore(t.TempDir(), ttl, 0, "SID", zap.NewNop())
}

func TestFileSessionStoreWriteRead(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	data := SessionData{"user_id": 42, "name": "ada"}
	require.NoError(t, store.Write(ctx, "sess1", data))

	got, err := store.Read(ctx, "sess1")
	require.NoError(t, err)
	require.Equal(t, 42, got["user_id"])
	require.Equal(t, "ada", got["name"])
}

func TestFileSessionStoreReadMissingIsInvalidSession(t *testing.T) {
	store := newTestStore(t, time.Hour)
	_, err := store.Read(context.Background(), "does-not-exist")
	require.Error(t, err)
	require.True(t, errorIs(err, ErrInvalidSession))
}

func TestFileSessionStoreReadExpiredIsInvalidAndUnlinks(t *testing.T) {
	store := newTestStore(t, time.Millisecond)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, "sess1", SessionData{"a": 1}))
	time.Sleep(10 * time.Millisecond)

	_, err := store.Read(ctx, "sess1")
	require.Error(t, err)
	require.True(t, errorIs(err, ErrInvalidSession))

	_, statErr := os.Stat(store.Path("sess1"))
	require.True(t, os.IsNotExist(statErr))
}

func TestFileSessionStoreDestroy(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, "sess1", SessionData{"a": 1}))
	require.NoError(t, store.Destroy(ctx, "sess1"))

	_, err := store.Read(ctx, "sess1")
	require.Error(t, err)
}

func TestFileSessionStoreDestroyMissingIsNotAnError(t *testing.T) {
	store := newTestStore(t, time.Hour)
	require.NoError(t, store.Destroy(context.Background(), "never-existed"))
}

func TestFileSessionStoreRefreshMissingIsNotAnError(t *testing.T) {
	store := newTestStore(t, time.Hour)
	require.NoError(t, store.Refresh(context.Background(), "never-existed"))
}

func TestFileSessionStoreWriteLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	store := NewFileSessionStore(dir, time.Hour, 0, "SID", zap.NewNop())
	require.NoError(t, store.Write(context.Background(), "sess1", SessionData{"a": 1}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, filepath.Ext(e.Name()) == ".tmp", "leftover temp file: %s", e.Name())
	}
}
