package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
)

type storedBlob struct {
	metadata BlobMetadata
	content  []byte
}

// InMemoryBlobStore is a thread-safe, in-memory BlobStore for testing/dev.
type InMemoryBlobStore struct {
	mu      sync.RWMutex
	maxSize int64
	blobs   map[string]*storedBlob
}

// NewInMemoryBlobStore returns a ready-to-use InMemoryBlobStore.
func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{
		maxSize: DefaultMaxFileSize,
		blobs:   make(map[string]*storedBlob),
	}
}

func blobKey(tenantID, storedName string) string { return tenantID + "/" + storedName }

// Upload reads the content, computes a SHA-256 hash and keeps the bytes.
func (s *InMemoryBlobStore) Upload(_ context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	meta, err := prepare(meta)
	if err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(content, s.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > s.maxSize {
		return nil, ErrFileTooLarge
	}

	meta.Size = int64(len(data))
	meta.Hash = fmt.Sprintf("%x", sha256.Sum256(data))

	s.mu.Lock()
	s.blobs[blobKey(meta.TenantID, meta.StoredName)] = &storedBlob{metadata: meta, content: data}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

func (s *InMemoryBlobStore) Download(_ context.Context, tenantID, storedName string) (io.ReadCloser, error) {
	s.mu.RLock()
	blob, ok := s.blobs[blobKey(tenantID, storedName)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrBlobNotFound
	}
	return io.NopCloser(bytes.NewReader(blob.content)), nil
}

func (s *InMemoryBlobStore) Delete(_ context.Context, tenantID, storedName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := blobKey(tenantID, storedName)
	if _, ok := s.blobs[key]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, key)
	return nil
}

// List returns the metadata of every blob stored for the tenant.
func (s *InMemoryBlobStore) List(tenantID string) []BlobMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []BlobMetadata
	for _, b := range s.blobs {
		if b.metadata.TenantID == tenantID {
			out = append(out, b.metadata)
		}
	}
	return out
}
