package fcgiapp

import (
	"bytes"
	"context"
	"encoding/gob"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// FileSessionStore is a disk-backed SessionStore, ported from
// original_source/src/FileSessionStore.c: one file per session id under a
// shared prefix, shared/exclusive advisory locks guarding concurrent
// access, and probabilistic directory-scan garbage collection driven by
// TTL.
type FileSessionStore struct {
	filePrefix    string
	ttl           time.Duration
	gcProbability float64
	name          string
	log           *zap.Logger
}

// NewFileSessionStore builds a store rooted at dir (os.TempDir() if dir is
// empty) with a "fcgiapp-sess." filename prefix.
func NewFileSessionStore(dir string, ttl time.Duration, gcProbability float64, cookieName string, log *zap.Logger) *FileSessionStore {
	if dir == "" {
		dir = os.TempDir()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &FileSessionStore{
		filePrefix:    filepath.Join(dir, "fcgiapp-sess."),
		ttl:           ttl,
		gcProbability: gcProbability,
		name:          cookieName,
		log:           log,
	}
}

// Name returns the cookie name this store's sessions are carried under.
func (s *FileSessionStore) Name() string { return s.name }

// Path returns the file backing id.
func (s *FileSessionStore) Path(id string) string {
	return s.filePrefix + id
}

func (s *FileSessionStore) isGarbage(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > s.ttl
}

// gcRun scans the store's directory for files sharing its prefix that have
// gone stale past ttl and unlinks them, mirroring _gc_run's directory walk.
func (s *FileSessionStore) gcRun() {
	dir := filepath.Dir(s.filePrefix)
	prefix := filepath.Base(s.filePrefix)

	entries, err := os.ReadDir(dir)
	if err != nil {
		s.log.Debug("session gc: opendir failed", zap.String("dir", dir), zap.Error(err))
		return
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if s.isGarbage(path) {
			if err := os.Remove(path); err != nil {
				s.log.Debug("session gc: unlink failed", zap.String("path", path), zap.Error(err))
			}
		}
	}
}

func (s *FileSessionStore) maybeRunGC() {
	if s.gcProbability <= 0 {
		return
	}
	if s.gcProbability >= 1 || rand.Float64() < s.gcProbability {
		s.gcRun()
	}
}

// Read loads and gob-decodes the session file for id, taking a shared
// lock for the duration of the read. A garbage (stale) or missing file
// both surface as ErrInvalidSession, matching smisk_FileSessionStore_read.
func (s *FileSessionStore) Read(ctx context.Context, id string) (SessionData, error) {
	s.maybeRunGC()

	path := s.Path(id)
	if _, err := os.Stat(path); err != nil {
		return nil, wrap(err, ErrInvalidSession, "no session data")
	}

	if s.isGarbage(path) {
		_ = os.Remove(path)
		return nil, wrap(errSessionExpired, ErrInvalidSession, "session data too old")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, wrap(err, ErrInvalidSession, "opening session file")
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		return nil, wrap(err, ErrInvalidSession, "locking session file")
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	var data SessionData
	if err := gob.NewDecoder(f).Decode(&data); err != nil {
		return nil, wrap(err, ErrInvalidSession, "decoding session data")
	}
	return data, nil
}

// Write serializes data to a temp file unique to this call, then renames it
// into place after acquiring an exclusive lock on that temp file, so a
// concurrent gcRun never observes a partially written session file. Unlike
// the original's non-blocking-lock-on-the-real-file approach (silent skip
// on contention), the write-to-temp-then-rename here removes the GC race;
// the temp file name is salted with a uuid (rather than derived solely
// from id) so two concurrent writers of the same session id never open
// and O_TRUNC the same path out from under each other — flock only guards
// against concurrent writers of one fd, not a second writer's independent
// open() of the same name, so the path itself must already be unique.
func (s *FileSessionStore) Write(ctx context.Context, id string, data SessionData) error {
	path := s.Path(id)
	tmpPath := path + "." + uuid.NewString() + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return wrap(err, ErrInvalidSession, "creating temp session file")
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		s.log.Debug("session write: lock contended, skipping", zap.String("id", id))
		f.Close()
		_ = os.Remove(tmpPath)
		return nil
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		_ = os.Remove(tmpPath)
		return wrap(err, ErrInvalidSession, "encoding session data")
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		_ = os.Remove(tmpPath)
		return wrap(err, ErrInvalidSession, "writing session data")
	}
	if err := f.Sync(); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		_ = os.Remove(tmpPath)
		return wrap(err, ErrInvalidSession, "flushing session data")
	}

	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return wrap(err, ErrInvalidSession, "renaming session file into place")
	}
	return nil
}

// Refresh bumps id's modification time to now, tolerating a missing file.
func (s *FileSessionStore) Refresh(ctx context.Context, id string) error {
	path := s.Path(id)
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return wrap(err, ErrInvalidSession, "refreshing session ttl")
	}
	return nil
}

// Destroy removes id's file if present.
func (s *FileSessionStore) Destroy(ctx context.Context, id string) error {
	path := s.Path(id)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return wrap(err, ErrInvalidSession, "destroying session")
	}
	return nil
}

var errSessionExpired = &sessionExpiredError{}

type sessionExpiredError struct{}

func (e *sessionExpiredError) Error() string { return "session expired" }
