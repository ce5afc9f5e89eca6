// Package local provides a disk implementation of the storage provider.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/txn2/inimatic-relay/pkg/storage"
)

const (
	dirPerm  = 0o750
	filePerm = 0o600
)

// DefaultDir is where uploads land unless configured otherwise.
var DefaultDir = filepath.Join(os.TempDir(), "inimatic_public_files")

// Provider stores objects as files below a base directory. Keys map to
// relative paths; the first key segment (the session id) becomes a directory.
type Provider struct {
	dir string
}

// New creates the base directory if needed and returns a provider rooted there.
func New(dir string) (*Provider, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("creating storage dir: %w", err)
	}
	return &Provider{dir: dir}, nil
}

// Name returns the provider name.
func (*Provider) Name() string {
	return "local"
}

// Dir returns the base directory.
func (p *Provider) Dir() string {
	return p.dir
}

func (p *Provider) path(key string) (string, error) {
	if err := storage.ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(p.dir, filepath.FromSlash(key)), nil
}

// Create opens a new file for writing.
func (p *Provider) Create(_ context.Context, key string) (io.WriteCloser, error) {
	path, err := p.path(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("creating object dir: %w", err)
	}

	// #nosec G304 -- path is validated against the base directory above
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
	if errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("%w: %s", storage.ErrExists, key)
	}
	if err != nil {
		return nil, fmt.Errorf("creating object: %w", err)
	}
	return f, nil
}

// Open opens a file for reading.
func (p *Provider) Open(_ context.Context, key string) (io.ReadCloser, storage.ObjectInfo, error) {
	path, err := p.path(key)
	if err != nil {
		return nil, storage.ObjectInfo{}, err
	}

	// #nosec G304 -- path is validated against the base directory above
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.ObjectInfo{}, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	if err != nil {
		return nil, storage.ObjectInfo{}, fmt.Errorf("opening object: %w", err)
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, storage.ObjectInfo{}, fmt.Errorf("stat object: %w", err)
	}
	return f, storage.ObjectInfo{Key: key, Size: st.Size(), LastModified: st.ModTime()}, nil
}

// Remove deletes a file and, when it was the last one, its session directory.
func (p *Provider) Remove(_ context.Context, key string) error {
	path, err := p.path(key)
	if err != nil {
		return err
	}

	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("removing object: %w", err)
	}

	// Fails while other objects remain, which is fine.
	if parent := filepath.Dir(path); parent != p.dir {
		_ = os.Remove(parent)
	}
	return nil
}

// Close is a no-op; files outlive the provider until removed.
func (*Provider) Close() error {
	return nil
}

// Verify interface compliance.
var _ storage.Provider = (*Provider)(nil)
