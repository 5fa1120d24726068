// Package blobstore provides per-tenant document storage for imported
// attachments. It defines the BlobStore interface, a filesystem
// implementation used by the server and an in-memory implementation for
// tests and development.
package blobstore

import (
	"context"
	"errors"
	"io"
	"mime"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound    = errors.New("blob not found")
	ErrFileTooLarge    = errors.New("file exceeds maximum allowed size")
	ErrMissingFileName = errors.New("file name is required")
	ErrInvalidTenant   = errors.New("invalid tenant id")
)

// DefaultMaxFileSize caps a single stored document (250 MB). Scanned
// multi-page PDFs from legacy systems run large.
const DefaultMaxFileSize = 250 * 1024 * 1024

var tenantPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// BlobMetadata describes a stored document. FileName is the name the file
// had in the source system; StoredName is the collision-proof name it is
// kept under.
type BlobMetadata struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	FileName    string    `json:"file_name"`
	StoredName  string    `json:"stored_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	PatientID   string    `json:"patient_id,omitempty"`
	Category    string    `json:"category"`
	Description string    `json:"description,omitempty"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
	CreatedBy   string    `json:"created_by"`
}

// ---------------------------------------------------------------------------
// BlobStore interface
// ---------------------------------------------------------------------------

// BlobStore defines the contract for document storage backends. Content is
// streamed in and out; implementations never require a whole file in memory
// unless they are memory-backed.
type BlobStore interface {
	Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error)
	Download(ctx context.Context, tenantID, storedName string) (io.ReadCloser, error)
	Delete(ctx context.Context, tenantID, storedName string) error
}

// StoredNameFor generates a unique name that keeps the original extension.
func StoredNameFor(originalName string) string {
	return uuid.New().String() + strings.ToLower(filepath.Ext(originalName))
}

// ContentTypeFor guesses a MIME type from the file extension.
func ContentTypeFor(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".rtf":
		return "application/rtf"
	case ".doc":
		return "application/msword"
	case ".tif", ".tiff":
		return "image/tiff"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func prepare(meta BlobMetadata) (BlobMetadata, error) {
	if meta.FileName == "" {
		return meta, ErrMissingFileName
	}
	if !tenantPattern.MatchString(meta.TenantID) {
		return meta, ErrInvalidTenant
	}
	meta.ID = uuid.New().String()
	if meta.StoredName == "" {
		meta.StoredName = StoredNameFor(meta.FileName)
	}
	if meta.ContentType == "" {
		meta.ContentType = ContentTypeFor(meta.FileName)
	}
	meta.CreatedAt = time.Now().UTC()
	return meta, nil
}
