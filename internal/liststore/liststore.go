// Package liststore implements the small append-only line store used by
// modules for things like remote-admin allow-lists (spec.md §3's
// ListStore): exist/add/remove/iterate operations, mutex-protected, with
// mtime-checked hot reload when the backing file changes on disk.
package liststore

import (
	"bufio"
	"os"
	"sync"
	"time"

	cerrors "turbulenced/errors"
)

// Store is a mutex-protected, append-only line store backed by a file.
type Store struct {
	path string

	mu      sync.Mutex
	lines   map[string]struct{}
	modTime time.Time
}

// Open loads path into memory. A missing file is treated as an empty store
// (it is created on first Add), not an error.
func Open(path string) (*Store, error) {
	s := &Store{path: path, lines: make(map[string]struct{})}
	if err := s.reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return s, nil
}

// reloadIfChanged re-reads the backing file if its mtime has advanced since
// the last load. Caller must hold s.mu.
func (s *Store) reloadIfChanged() error {
	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return cerrors.Wrap(err, cerrors.ErrInternal, "liststore.reloadIfChanged")
	}
	if !info.ModTime().After(s.modTime) {
		return nil
	}
	return s.reload()
}

// reload unconditionally re-reads the backing file. Caller must hold s.mu.
func (s *Store) reload() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "liststore.reload")
	}

	lines := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		lines[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "liststore.reload")
	}

	s.lines = lines
	s.modTime = info.ModTime()
	return nil
}

// Exist reports whether value is present in the store, reloading first if
// the backing file has changed since the last access.
func (s *Store) Exist(value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadIfChanged()
	_, ok := s.lines[value]
	return ok
}

// Add appends value to the store, both in memory and on disk.
func (s *Store) Add(value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadIfChanged()

	if _, ok := s.lines[value]; ok {
		return nil
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "liststore.Add")
	}
	defer f.Close()

	if _, err := f.WriteString(value + "\n"); err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "liststore.Add")
	}
	if err := f.Sync(); err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "liststore.Add")
	}

	s.lines[value] = struct{}{}
	if info, err := f.Stat(); err == nil {
		s.modTime = info.ModTime()
	}
	return nil
}

// Remove deletes value from the store and rewrites the backing file.
func (s *Store) Remove(value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadIfChanged()

	if _, ok := s.lines[value]; !ok {
		return nil
	}
	delete(s.lines, value)

	return s.rewriteLocked()
}

// rewriteLocked atomically rewrites the backing file from s.lines. Caller
// must hold s.mu.
func (s *Store) rewriteLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "liststore.rewriteLocked")
	}

	w := bufio.NewWriter(f)
	for line := range s.lines {
		if _, err := w.WriteString(line + "\n"); err != nil {
			f.Close()
			return cerrors.Wrap(err, cerrors.ErrInternal, "liststore.rewriteLocked")
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return cerrors.Wrap(err, cerrors.ErrInternal, "liststore.rewriteLocked")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return cerrors.Wrap(err, cerrors.ErrInternal, "liststore.rewriteLocked")
	}
	if err := f.Close(); err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "liststore.rewriteLocked")
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "liststore.rewriteLocked")
	}
	if info, err := os.Stat(s.path); err == nil {
		s.modTime = info.ModTime()
	}
	return nil
}

// Iterate calls fn for every value currently in the store, reloading first
// if the backing file has changed. Iteration order is unspecified.
func (s *Store) Iterate(fn func(value string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadIfChanged()
	for line := range s.lines {
		fn(line)
	}
}

// Len returns the number of values currently in the store.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadIfChanged()
	return len(s.lines)
}
