// Package memory provides a thread-safe in-memory implementation of storage.Store.
package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jmcleod/vpnpki/errs"
	"github.com/jmcleod/vpnpki/internal/util"
	"github.com/jmcleod/vpnpki/internal/validate"
	"github.com/jmcleod/vpnpki/storage"
)

// Store is a thread-safe in-memory implementation of storage.Store.
// Suitable for testing, demos, and single-process use cases.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a new empty in-memory Store.
func NewStore() *Store {
	return &Store{data: make(map[string][]byte)}
}

func (s *Store) Put(path string, data []byte) error {
	if err := validate.StorePath(path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = util.CopyBytes(data)
	return nil
}

func (s *Store) Get(path string) ([]byte, error) {
	if err := validate.StorePath(path); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data[path]
	if !ok {
		return nil, errs.E("store.get", errs.NotFound, fmt.Errorf("%s does not exist", path))
	}
	return util.CopyBytes(b), nil
}

func (s *Store) List(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var paths []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			paths = append(paths, k)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *Store) Exists(path string) (bool, error) {
	if err := validate.StorePath(path); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[path]
	return ok, nil
}

func (s *Store) Delete(path string) error {
	if err := validate.StorePath(path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[path]; !ok {
		return errs.E("store.delete", errs.NotFound, fmt.Errorf("%s does not exist", path))
	}
	delete(s.data, path)
	return nil
}

// Replace validates every path first, so a bad input leaves the store untouched.
func (s *Store) Replace(files map[string][]byte) error {
	next := make(map[string][]byte, len(files))
	for p, b := range files {
		if err := validate.StorePath(p); err != nil {
			return err
		}
		next[p] = util.CopyBytes(b)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = next
	return nil
}
