package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FilePersister keeps the store blob in a single file, replaced atomically on save.
type FilePersister struct {
	Path string
}

// NewFilePersister creates a FilePersister, creating the parent directory if needed.
func NewFilePersister(path string) (*FilePersister, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &FilePersister{Path: path}, nil
}

// Load implements Persister.
func (p *FilePersister) Load(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(p.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	return data, nil
}

// Save implements Persister.
func (p *FilePersister) Save(ctx context.Context, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(p.Path), ".state-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state file: %w", err)
	}
	return os.Rename(tmp.Name(), p.Path)
}

// MemoryPersister keeps the blob in memory. Useful for tests and ephemeral sessions.
type MemoryPersister struct {
	mu    sync.Mutex
	data  []byte
	saves int
	err   error
}

// NewMemoryPersister returns a MemoryPersister preloaded with data.
func NewMemoryPersister(data []byte) *MemoryPersister {
	return &MemoryPersister{data: append([]byte(nil), data...)}
}

// Load implements Persister.
func (p *MemoryPersister) Load(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.data == nil {
		return nil, nil
	}
	return append([]byte(nil), p.data...), nil
}

// Save implements Persister.
func (p *MemoryPersister) Save(ctx context.Context, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.data = append([]byte(nil), data...)
	p.saves++
	return nil
}

// FailSaves makes subsequent saves return err; nil restores normal behavior.
func (p *MemoryPersister) FailSaves(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Data returns the last saved blob.
func (p *MemoryPersister) Data() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.data...)
}

// Saves returns the number of successful saves.
func (p *MemoryPersister) Saves() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}
