package repository

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"auction-tracker/backend/internal/audit/domain"
)

// AuditFile is the default audit log name under DATA_DIR.
const AuditFile = "audit.jsonl"

// FileRepository appends one JSON object per line to a file.
type FileRepository struct {
	path string
	mu   sync.Mutex
}

// NewFileRepository creates the directory of path if needed.
func NewFileRepository(path string) (*FileRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	return &FileRepository{path: path}, nil
}

// Create appends a and syncs the file.
func (r *FileRepository) Create(_ context.Context, a *domain.AuditLog) error {
	line, err := json.Marshal(a)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// List scans the whole file. Lines that do not decode are skipped.
func (r *FileRepository) List(_ context.Context, flt Filter, limit, offset int) ([]*domain.AuditLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := os.Open(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var all []*domain.AuditLog
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var a domain.AuditLog
		if err := json.Unmarshal(sc.Bytes(), &a); err != nil {
			continue
		}
		if matches(&a, flt) {
			all = append(all, &a)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	// Newest first.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func matches(a *domain.AuditLog, f Filter) bool {
	return (f.IdentityID == "" || a.IdentityID == f.IdentityID) &&
		(f.Action == "" || a.Action == f.Action) &&
		(f.Resource == "" || a.Resource == f.Resource)
}
