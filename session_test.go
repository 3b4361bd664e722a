package fcgiapp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHashSessionDataStableForSameContents(t *testing.T) {
	h1, err := hashSessionData(SessionData{"a": 1, "b": "two"})
	require.NoError(t, err)
	h2, err := hashSessionData(SessionData{"a": 1, "b": "two"})
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestHashSessionDataDiffersOnChange(t *testing.T) {
	h1, err := hashSessionData(SessionData{"a": 1})
	require.NoError(t, err)
	h2, err := hashSessionData(SessionData{"a": 2})
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)
}

func TestHashSessionDataEmptyIsZero(t *testing.T) {
	h, err := hashSessionData(nil)
	require.NoError(t, err)
	require.Zero(t, h)
}

func TestWriteBackSessionSkipsUntouchedSession(t *testing.T) {
	store := NewFileSessionStore(t.TempDir(), time.Hour, 0, "SID", zap.NewNop())
	ctx := context.Background()

	initial := SessionData{"a": 1}
	hash, err := hashSessionData(initial)
	require.NoError(t, err)

	require.NoError(t, writeBackSession(ctx, store, "sess1", initial, hash, true))

	_, statErr := store.Read(ctx, "sess1")
	require.Error(t, statErr, "session was never written, so a read should fail")
}

func TestWriteBackSessionWritesNewSession(t *testing.T) {
	store := NewFileSessionStore(t.TempDir(), time.Hour, 0, "SID", zap.NewNop())
	ctx := context.Background()

	require.NoError(t, writeBackSession(ctx, store, "sess1", SessionData{"a": 1}, 0, false))

	data, err := store.Read(ctx, "sess1")
	require.NoError(t, err)
	require.Equal(t, 1, data["a"])
}

func TestWriteBackSessionWritesOnChange(t *testing.T) {
	store := NewFileSessionStore(t.TempDir(), time.Hour, 0, "SID", zap.NewNop())
	ctx := context.Background()

	initial := SessionData{"a": 1}
	initialHash, err := hashSessionData(initial)
	require.NoError(t, err)
	require.NoError(t, store.Write(ctx, "sess1", initial))

	changed := SessionData{"a": 2}
	require.NoError(t, writeBackSession(ctx, store, "sess1", changed, initialHash, true))

	data, err := store.Read(ctx, "sess1")
	require.NoError(t, err)
	require.Equal(t, 2, data["a"])
}

func TestWriteBackSessionNoopOnEmptyID(t *testing.T) {
	store := NewFileSessionStore(t.TempDir(), time.Hour, 0, "SID", zap.NewNop())
	require.NoError(t, writeBackSession(context.Background(), store, "", SessionData{"a": 1}, 0, false))
}
