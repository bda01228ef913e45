package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// snapshot is a map persisted as one JSON object, rewritten in full on every mutation.
// seq counts mutations; persisted is the seq of the last snapshot known to be on disk.
type snapshot[V any] struct {
	path string
	name string

	mu        sync.Mutex
	data      map[string]V
	seq       uint64
	persisted uint64

	// writeMu serializes writers of the file.
	writeMu sync.Mutex
	written uint64
}

func openSnapshot[V any](path, name string) (*snapshot[V], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	s := &snapshot[V]{path: path, name: name, data: make(map[string]V)}
	data, ok, err := s.readFile()
	if err != nil {
		return nil, err
	}
	if ok {
		s.data = data
	}
	return s, nil
}

func (s *snapshot[V]) readFile() (map[string]V, bool, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%s: read %s: %w", s.name, s.path, err)
	}
	data := make(map[string]V)
	if len(raw) == 0 {
		return data, true, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, false, fmt.Errorf("%s: decode %s: %w", s.name, s.path, err)
	}
	return data, true, nil
}

// update applies fn under the lock and, if fn reports a change, writes the new snapshot.
// A failed write leaves memory ahead of disk and returns ErrNotPersisted.
func (s *snapshot[V]) update(fn func(m map[string]V) bool) error {
	s.mu.Lock()
	if !fn(s.data) {
		s.mu.Unlock()
		return nil
	}
	s.seq++
	seq := s.seq
	snap := make(map[string]V, len(s.data))
	for k, v := range s.data {
		snap[k] = v
	}
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if seq <= s.written {
		// A newer snapshot already reached disk.
		return nil
	}
	if err := s.write(snap); err != nil {
		log.Printf("%s: warning: %s not written, keeping in-memory state: %v", s.name, s.path, err)
		return fmt.Errorf("%w: %v", ErrNotPersisted, err)
	}
	s.written = seq
	s.mu.Lock()
	if seq > s.persisted {
		s.persisted = seq
	}
	s.mu.Unlock()
	return nil
}

// get returns the value for key. When memory is not ahead of disk, the file is re-read first
// so changes by other writers become visible.
func (s *snapshot[V]) get(key string) (V, bool) {
	s.refresh()
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *snapshot[V]) refresh() {
	s.mu.Lock()
	seq, clean := s.seq, s.seq == s.persisted
	s.mu.Unlock()
	if !clean {
		return
	}
	data, ok, err := s.readFile()
	if err != nil {
		log.Printf("%s: warning: reload failed, serving in-memory state: %v", s.name, err)
		return
	}
	if !ok {
		return
	}
	s.mu.Lock()
	if s.seq == seq && s.seq == s.persisted {
		s.data = data
	}
	s.mu.Unlock()
}

func (s *snapshot[V]) write(m map[string]V) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, raw)
}

// writeFileAtomic writes data to a temp file in the same directory, syncs it and renames it
// over path, then syncs the directory.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	// Close before rename; Windows refuses to rename open files.
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	syncDir(path)
	return nil
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}
