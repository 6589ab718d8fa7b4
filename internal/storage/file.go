package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/and161185/portal-session/internal/errs"
)

// DefaultDir returns the per-user configuration directory for durable session files.
func DefaultDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "portal")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "portal")
}

// File keeps all keys of one origin in a single JSON document.
// Writes go through a temp file and rename, so readers never see a torn document.
type File struct {
	mu   sync.Mutex
	path string
}

// NewFile creates the directory (0700) and binds the storage to <dir>/<origin>.json.
func NewFile(dir, origin string) (*File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("storage dir: %w", err)
	}
	return &File{path: filepath.Join(dir, fileName(origin))}, nil
}

// Path returns the backing file path.
func (f *File) Path() string { return f.path }

func fileName(origin string) string {
	r := strings.NewReplacer("://", "_", "/", "_", ":", "_", "\\", "_")
	name := r.Replace(strings.TrimSpace(origin))
	if name == "" {
		name = "default"
	}
	return name + ".json"
}

// Get reads key from the document.
func (f *File) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	v, ok := doc[key]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return v, nil
}

// Set writes key into the document.
func (f *File) Set(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read()
	if err != nil {
		return err
	}
	doc[key] = append([]byte(nil), value...)
	return f.write(doc)
}

// Delete removes key; the file is removed once it holds no keys.
func (f *File) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read()
	if err != nil {
		return err
	}
	if _, ok := doc[key]; !ok {
		return nil
	}
	delete(doc, key)
	if len(doc) == 0 {
		if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	return f.write(doc)
}

func (f *File) read() (map[string][]byte, error) {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string][]byte{}, nil
	}
	if err != nil {
		return nil, err
	}
	doc := map[string][]byte{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path, err)
	}
	return doc, nil
}

func (f *File) write(doc map[string][]byte) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".portal-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}
