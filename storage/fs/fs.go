// Package fs provides a directory-tree implementation of storage.Store.
//
// Every Put lands through a temp file in the target directory followed by
// fsync and rename, so a crash leaves either the old or the new artifact.
// Replace stages a full sibling tree and swaps it in with two renames; Open
// finishes or discards a swap that a crash interrupted.
package fs

import (
	"errors"
	"fmt"
	iofs "io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jmcleod/vpnpki/errs"
	"github.com/jmcleod/vpnpki/internal/uuid"
	"github.com/jmcleod/vpnpki/internal/validate"
	"github.com/jmcleod/vpnpki/storage"
)

const (
	tmpPrefix  = ".tmp-"
	nextSuffix = ".next"
	oldSuffix  = ".old"
	dirPerm    = 0o700
	filePerm   = 0o600
)

// Store is a storage.Store rooted at a directory.
type Store struct {
	root   string
	mu     sync.RWMutex
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used to report recovery actions.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open returns a Store rooted at root, creating the directory if needed and
// recovering from an interrupted Replace.
func Open(root string, opts ...Option) (*Store, error) {
	s := &Store{root: filepath.Clean(root), logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "store", "root", s.root)
	if err := os.MkdirAll(filepath.Dir(s.root), dirPerm); err != nil {
		return nil, errs.E("store.open", errs.StoreUnavailable, err)
	}
	if err := s.recover(); err != nil {
		return nil, errs.E("store.open", errs.StoreUnavailable, err)
	}
	if err := os.MkdirAll(s.root, dirPerm); err != nil {
		return nil, errs.E("store.open", errs.StoreUnavailable, err)
	}
	return s, nil
}

// Root returns the directory backing the store.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) recover() error {
	next, old := s.root+nextSuffix, s.root+oldSuffix
	rootOK, err := exists(s.root)
	if err != nil {
		return err
	}
	nextOK, err := exists(next)
	if err != nil {
		return err
	}
	oldOK, err := exists(old)
	if err != nil {
		return err
	}

	switch {
	case !rootOK && nextOK:
		// Crash between the two renames: the staged tree is complete.
		s.logger.Warn("completing interrupted tree swap")
		if err := os.Rename(next, s.root); err != nil {
			return fmt.Errorf("completing swap: %w", err)
		}
	case !rootOK && oldOK:
		s.logger.Warn("rolling back interrupted tree swap")
		if err := os.Rename(old, s.root); err != nil {
			return fmt.Errorf("rolling back swap: %w", err)
		}
		oldOK = false
	case rootOK && nextOK:
		s.logger.Warn("discarding incomplete staged tree")
		if err := os.RemoveAll(next); err != nil {
			return fmt.Errorf("discarding staged tree: %w", err)
		}
	}
	if oldOK {
		if err := os.RemoveAll(old); err != nil {
			return fmt.Errorf("removing previous tree: %w", err)
		}
	}
	return syncDir(filepath.Dir(s.root))
}

func (s *Store) abs(path string) (string, error) {
	if err := validate.StorePath(path); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(path)), nil
}

func (s *Store) Put(path string, data []byte) error {
	full, err := s.abs(path)
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := writeAtomic(full, data); err != nil {
		return errs.E("store.put", errs.StoreUnavailable, fmt.Errorf("%s: %w", path, err))
	}
	return nil
}

func (s *Store) Get(path string) ([]byte, error) {
	full, err := s.abs(path)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := os.ReadFile(full)
	if err != nil {
		return nil, classify("store.get", path, err)
	}
	return b, nil
}

func (s *Store) Exists(path string) (bool, error) {
	full, err := s.abs(path)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ok, err := exists(full)
	if err != nil {
		return false, errs.E("store.exists", errs.StoreUnavailable, err)
	}
	return ok, nil
}

func (s *Store) Delete(path string) error {
	full, err := s.abs(path)
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := os.Remove(full); err != nil {
		return classify("store.delete", path, err)
	}
	if err := syncDir(filepath.Dir(full)); err != nil {
		return errs.E("store.delete", errs.StoreUnavailable, err)
	}
	return nil
}

func (s *Store) List(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths, err := walk(s.root, prefix)
	if err != nil {
		return nil, errs.E("store.list", errs.StoreUnavailable, err)
	}
	return paths, nil
}

// Replace writes files into a staging tree next to the root, then swaps it in.
func (s *Store) Replace(files map[string][]byte) error {
	for p := range files {
		if err := validate.StorePath(p); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next, old := s.root+nextSuffix, s.root+oldSuffix
	if err := os.RemoveAll(next); err != nil {
		return errs.E("store.replace", errs.StoreUnavailable, err)
	}
	for p, b := range files {
		if err := writeAtomic(filepath.Join(next, filepath.FromSlash(p)), b); err != nil {
			_ = os.RemoveAll(next)
			return errs.E("store.replace", errs.StoreUnavailable, fmt.Errorf("staging %s: %w", p, err))
		}
	}
	if err := os.MkdirAll(next, dirPerm); err != nil {
		return errs.E("store.replace", errs.StoreUnavailable, err)
	}
	if err := syncDir(next); err != nil {
		return errs.E("store.replace", errs.StoreUnavailable, err)
	}

	if err := os.Rename(s.root, old); err != nil {
		_ = os.RemoveAll(next)
		return errs.E("store.replace", errs.StoreUnavailable, fmt.Errorf("moving current tree aside: %w", err))
	}
	if err := os.Rename(next, s.root); err != nil {
		// Put the old tree back; Open repeats this if we crash here.
		_ = os.Rename(old, s.root)
		return errs.E("store.replace", errs.StoreUnavailable, fmt.Errorf("swapping in staged tree: %w", err))
	}
	if err := syncDir(filepath.Dir(s.root)); err != nil {
		return errs.E("store.replace", errs.StoreUnavailable, err)
	}
	if err := os.RemoveAll(old); err != nil {
		s.logger.Warn("removing previous tree failed", "error", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func writeAtomic(full string, data []byte) error {
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, tmpPrefix+uuid.New()+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, full); err != nil {
		cleanup()
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}

func walk(root, prefix string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), tmpPrefix) {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func exists(p string) (bool, error) {
	_, err := os.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, iofs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func classify(op, path string, err error) error {
	if errors.Is(err, iofs.ErrNotExist) {
		return errs.E(op, errs.NotFound, fmt.Errorf("%s does not exist", path))
	}
	return errs.E(op, errs.StoreUnavailable, fmt.Errorf("%s: %w", path, err))
}
