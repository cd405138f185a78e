// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package local implements a state store that keeps one file per record in
// a directory per namespace.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/opentofu/statestore/internal/statestore"
)

const (
	recordSuffix = ".json"
	lockFileName = ".lock"
	tempPrefix   = ".tmp-"
)

// Config is the configuration of a filesystem store.
type Config struct {
	// Path is the directory that holds the namespaces. A leading "~" is
	// expanded to the user's home directory.
	Path string `hcl:"path"`

	BatchSize int `hcl:"batch_size,optional"`
}

// Entry is the entry type of [Store].
type Entry struct {
	statestore.Entry
}

// Store is a [statestore.Store] over a filesystem.
//
// Each namespace is a directory below the root and each record a file in
// it holding a [statestore.Envelope], with directory and file names
// encoded by [statestore.PathSegment]. Files are replaced by renaming a
// temporary file over them, so readers never see a partial write.
//
// Writers serialize on a per-namespace lock: an in-process mutex and, on
// the operating system's filesystem, an advisory lock on a file in the
// namespace directory, so that several processes can share one root. The
// advisory lock is not reliable on some network filesystems.
//
// A batch of a Save is checked in full before any file is written, but a
// failure part-way through writing can leave earlier files of the batch
// replaced.
type Store struct {
	fs        afero.Fs
	root      string
	batchSize int
	locks     statestore.KeyedMutex
}

var _ statestore.Store[*Entry] = (*Store)(nil)

// New returns a store rooted at the configured path on the operating
// system's filesystem.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("local state store requires a path")
	}
	root, err := homedir.Expand(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", cfg.Path, err)
	}
	s := NewWithFs(afero.NewOsFs(), root)
	s.batchSize = cfg.BatchSize
	return s, nil
}

// NewWithFs returns a store rooted at the given directory of fs.
func NewWithFs(fsys afero.Fs, root string) *Store {
	return &Store{
		fs:   fsys,
		root: filepath.Clean(root),
	}
}

func (s *Store) Backend() string {
	return "local"
}

func (s *Store) EnsureReady(context.Context) error {
	if err := s.fs.MkdirAll(s.root, 0o755); err != nil {
		return s.wrap("prepare", err)
	}
	return nil
}

func (s *Store) CreateNew(namespace, key string) *Entry {
	return &Entry{Entry: statestore.NewEntry(namespace, key)}
}

func (s *Store) namespaceDir(namespace string) string {
	return filepath.Join(s.root, statestore.PathSegment(namespace))
}

func (s *Store) recordPath(namespace, key string) string {
	return filepath.Join(s.namespaceDir(namespace), statestore.PathSegment(key)+recordSuffix)
}

func (s *Store) LoadNamespace(ctx context.Context, namespace string) ([]*Entry, error) {
	if err := statestore.ValidateIdentifiers(namespace); err != nil {
		return nil, err
	}

	infos, err := afero.ReadDir(s.fs, s.namespaceDir(namespace))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap("list", err)
	}

	var files []string
	for _, info := range infos {
		name := info.Name()
		if !info.Mode().IsRegular() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordSuffix) {
			continue
		}
		files = append(files, filepath.Join(s.namespaceDir(namespace), name))
	}

	found := make([]*Entry, len(files))
	err = statestore.ForEach(ctx, len(files), 0, func(ctx context.Context, i int) error {
		env, err := s.readFile(files[i])
		if err != nil || env == nil {
			return err
		}
		if env.Namespace != namespace {
			log.Printf("[WARN] local: ignoring %s, which belongs to namespace %q", files[i], env.Namespace)
			return nil
		}
		found[i] = fromEnvelope(env)
		return nil
	})
	if err != nil {
		return nil, err
	}

	ret := make([]*Entry, 0, len(found))
	for _, e := range found {
		if e != nil {
			ret = append(ret, e)
		}
	}
	statestore.SortByKey(ret)
	return ret, nil
}

func (s *Store) Load(_ context.Context, namespace, key string) (*Entry, bool, error) {
	if err := statestore.ValidateIdentifiers(namespace, key); err != nil {
		return nil, false, err
	}
	env, err := s.readFile(s.recordPath(namespace, key))
	if err != nil || env == nil || !env.Matches(namespace, key) {
		return nil, false, err
	}
	return fromEnvelope(env), true, nil
}

func (s *Store) LoadKeys(ctx context.Context, namespace string, keys []string) ([]*Entry, error) {
	if err := statestore.ValidateIdentifiers(namespace, keys...); err != nil {
		return nil, err
	}
	return statestore.LoadEach(ctx, keys, 0, func(ctx context.Context, key string) (*Entry, bool, error) {
		return s.Load(ctx, namespace, key)
	})
}

// readFile returns nil without an error if the file doesn't exist.
func (s *Store) readFile(path string) (*statestore.Envelope, error) {
	src, err := afero.ReadFile(s.fs, path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap("read", err)
	}
	env, err := statestore.DecodeEnvelope(src)
	if err != nil {
		return nil, s.wrap("read", fmt.Errorf("%s: %w", path, err))
	}
	return env, nil
}

func (s *Store) Save(ctx context.Context, entries ...*Entry) error {
	groups, err := statestore.GroupByNamespace(entries)
	if err != nil {
		return err
	}
	for _, group := range groups {
		for _, batch := range statestore.Batches(group.Entries, s.batchSize) {
			if err := s.saveBatch(ctx, group.Namespace, batch); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) saveBatch(ctx context.Context, namespace string, batch []*Entry) error {
	unlock, err := s.lockNamespace(ctx, namespace)
	if err != nil {
		return err
	}
	defer unlock()

	for _, e := range batch {
		cur, err := s.readFile(s.recordPath(namespace, e.Key()))
		if err != nil {
			return err
		}
		current, exists := statestore.NoETag, cur != nil
		if exists {
			current = cur.ETag
		}
		switch expected := e.ETag(); {
		case expected == statestore.NoETag && exists:
			return statestore.WriteConflict(e, current)
		case expected != statestore.NoETag && current != expected:
			return statestore.WriteConflict(e, current)
		}
	}

	for _, e := range batch {
		if err := ctx.Err(); err != nil {
			return s.wrap("save", err)
		}
		path := s.recordPath(namespace, e.Key())
		if e.IsAbsent() {
			if err := s.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return s.wrap("save", err)
			}
			e.SetETag(statestore.NoETag)
			continue
		}

		id, err := uuid.GenerateUUID()
		if err != nil {
			return s.wrap("save", err)
		}
		etag := statestore.ETag(id)
		src, err := statestore.EncodeEnvelope(e, etag)
		if err != nil {
			return err
		}
		if err := s.replaceFile(path, src); err != nil {
			return s.wrap("save", err)
		}
		e.SetETag(etag)
	}
	log.Printf("[TRACE] local: wrote %d records in %q", len(batch), namespace)
	return nil
}

// replaceFile writes src to a temporary file next to path and renames it
// into place.
func (s *Store) replaceFile(path string, src []byte) error {
	tmp, err := afero.TempFile(s.fs, filepath.Dir(path), tempPrefix)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, err = tmp.Write(src)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = s.fs.Rename(tmpName, path)
	}
	if err != nil {
		_ = s.fs.Remove(tmpName)
		return err
	}
	return nil
}

// DeleteNamespace removes every record file of the namespace. The
// directory and its lock file are kept, since another process may be
// waiting on the lock.
func (s *Store) DeleteNamespace(ctx context.Context, namespace string) error {
	if err := statestore.ValidateIdentifiers(namespace); err != nil {
		return err
	}
	if _, err := s.fs.Stat(s.namespaceDir(namespace)); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	unlock, err := s.lockNamespace(ctx, namespace)
	if err != nil {
		return err
	}
	defer unlock()

	infos, err := afero.ReadDir(s.fs, s.namespaceDir(namespace))
	if err != nil {
		return s.wrap("delete", err)
	}
	for _, info := range infos {
		if info.Name() == lockFileName {
			continue
		}
		if err := s.fs.Remove(filepath.Join(s.namespaceDir(namespace), info.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return s.wrap("delete", err)
		}
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, namespace string, keys ...string) error {
	if err := statestore.ValidateIdentifiers(namespace, keys...); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if _, err := s.fs.Stat(s.namespaceDir(namespace)); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	unlock, err := s.lockNamespace(ctx, namespace)
	if err != nil {
		return err
	}
	defer unlock()

	for _, key := range keys {
		if err := s.fs.Remove(s.recordPath(namespace, key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return s.wrap("delete", err)
		}
	}
	return nil
}

// lockNamespace creates the namespace directory if needed and acquires
// the namespace lock, waiting for other processes as long as ctx allows.
func (s *Store) lockNamespace(ctx context.Context, namespace string) (func(), error) {
	unlockMutex := s.locks.Lock(namespace)

	dir := s.namespaceDir(namespace)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		unlockMutex()
		return nil, s.wrap("lock", err)
	}
	f, err := s.fs.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		unlockMutex()
		return nil, s.wrap("lock", err)
	}

	// Only files of the real filesystem can carry an advisory lock. Other
	// filesystems are private to this process, where the mutex suffices.
	osFile, isOS := f.(*os.File)
	if isOS {
		if err := waitForFileLock(ctx, osFile); err != nil {
			_ = f.Close()
			unlockMutex()
			return nil, s.wrap("lock", err)
		}
	}

	return func() {
		if isOS {
			if err := unlockFile(osFile); err != nil {
				log.Printf("[ERROR] local: failed to unlock namespace %q: %s", namespace, err)
			}
		}
		_ = f.Close()
		unlockMutex()
	}, nil
}

func waitForFileLock(ctx context.Context, target *os.File) error {
	for {
		err := lockFile(target)
		if err == nil || !isContendedLockError(err) {
			return err
		}

		timer := time.NewTimer(100 * time.Millisecond)
		select {
		case <-timer.C:
			continue
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (s *Store) wrap(op string, err error) error {
	return statestore.WrapBackendError(s.Backend(), op, err, isUnavailable(err))
}

// isUnavailable reports whether err is an I/O fault of the filesystem, as
// opposed to a file or directory the store is not allowed to use or could
// not decode.
func isUnavailable(err error) bool {
	if errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrInvalid) || errors.Is(err, fs.ErrExist) {
		return false
	}
	var pathErr *fs.PathError
	var linkErr *os.LinkError
	return errors.As(err, &pathErr) || errors.As(err, &linkErr)
}

func fromEnvelope(env *statestore.Envelope) *Entry {
	return &Entry{Entry: statestore.LoadedEntry(env.Namespace, env.Key, env.ETag, env.Value)}
}
