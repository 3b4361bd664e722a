package fcgiapp

import (
	"bytes"
	"context"
	"encoding/gob"
	"hash/fnv"
	"sort"
)

// SessionData is the value type stored under a session id. Its contents
// are opaque to the store; concrete stores only need to persist and
// restore it.
type SessionData map[string]interface{}

// SessionStore is the contract a session backend must satisfy, mirroring
// smisk.core.SessionStore's read/write/refresh/destroy/path methods.
type SessionStore interface {
	// Read loads the session data for id, returning ErrInvalidSession if
	// no (non-expired) session exists under that id.
	Read(ctx context.Context, id string) (SessionData, error)
	// Write persists data under id. Implementations may silently skip the
	// write if they cannot acquire an exclusive lock (last-writer-wins).
	Write(ctx context.Context, id string, data SessionData) error
	// Refresh extends id's TTL without rewriting its data.
	Refresh(ctx context.Context, id string) error
	// Destroy removes any data stored under id. Destroying a nonexistent
	// id is not an error.
	Destroy(ctx context.Context, id string) error
	// Path returns the backing-store location for id, for diagnostics.
	Path(id string) string
	// Name is the cookie name used to carry this store's session ids.
	Name() string
}

// hashSessionData computes a stable digest of data's contents, used by the
// write-back policy to detect whether a request handler actually modified
// its session. The top-level entries are gob-encoded one at a time in
// sorted key order (gob itself writes a map in Go's randomized iteration
// order) and the bytes are hashed with fnv64a, so two calls within the same
// process for the same data agree. Map values nested inside entries are
// encoded as gob writes them, without sorting.
func hashSessionData(data SessionData) (uint64, error) {
	if len(data) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	for _, k := range keys {
		if err := enc.Encode(map[string]interface{}{k: data[k]}); err != nil {
			return 0, wrap(err, ErrInvalidSession, "hashing session data")
		}
	}

	h := fnv.New64a()
	h.Write(buf.Bytes())
	return h.Sum64(), nil
}

// writeBackSession implements the write-back policy from the original
// request cleanup path: write if the session was newly created (no
// initial hash) or its contents changed since load; refresh the TTL
// (without rewriting) if the contents are unchanged; do nothing if the
// request never touched its session at all.
func writeBackSession(ctx context.Context, store SessionStore, id string, data SessionData, initialHash uint64, hadInitialHash bool) error {
	if id == "" {
		return nil
	}

	currentHash, err := hashSessionData(data)
	if err != nil {
		return err
	}

	if (!hadInitialHash && len(data) > 0) || (hadInitialHash && initialHash != currentHash) {
		return store.Write(ctx, id, data)
	}
	if hadInitialHash && initialHash == currentHash {
		return store.Refresh(ctx, id)
	}
	return nil
}
