package blobstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileSystemStore keeps documents under <root>/<tenant>/<stored name>.
type FileSystemStore struct {
	root    string
	maxSize int64
}

// NewFileSystemStore creates the root directory if needed. maxSize <= 0
// selects DefaultMaxFileSize.
func NewFileSystemStore(root string, maxSize int64) (*FileSystemStore, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create document store %s: %w", root, err)
	}
	return &FileSystemStore{root: root, maxSize: maxSize}, nil
}

// Root returns the store's base directory.
func (s *FileSystemStore) Root() string { return s.root }

func (s *FileSystemStore) path(tenantID, storedName string) (string, error) {
	if !tenantPattern.MatchString(tenantID) {
		return "", ErrInvalidTenant
	}
	if storedName == "" || storedName != filepath.Base(storedName) || strings.HasPrefix(storedName, ".") {
		return "", ErrBlobNotFound
	}
	return filepath.Join(s.root, tenantID, storedName), nil
}

// Upload streams content to a temp file in the tenant directory, hashing
// as it goes, and renames it into place once complete. A failed or
// oversized upload leaves nothing behind.
func (s *FileSystemStore) Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	meta, err := prepare(meta)
	if err != nil {
		return nil, err
	}
	dest, err := s.path(meta.TenantID, meta.StoredName)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return nil, fmt.Errorf("create tenant directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(ctxReader{ctx, content}, s.maxSize+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", meta.FileName, err)
	}
	if n > s.maxSize {
		return nil, ErrFileTooLarge
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return nil, fmt.Errorf("store %s: %w", meta.FileName, err)
	}

	meta.Size = n
	meta.Hash = fmt.Sprintf("%x", h.Sum(nil))
	return &meta, nil
}

func (s *FileSystemStore) Download(_ context.Context, tenantID, storedName string) (io.ReadCloser, error) {
	p, err := s.path(tenantID, storedName)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	return f, err
}

func (s *FileSystemStore) Delete(_ context.Context, tenantID, storedName string) error {
	p, err := s.path(tenantID, storedName)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrBlobNotFound
	}
	return err
}

// ctxReader stops a long copy once the context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
