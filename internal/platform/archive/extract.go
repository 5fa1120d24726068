// Package archive extracts uploaded export archives onto local disk.
// Entries are streamed straight from the compressed stream to their target
// file; no entry is ever held in memory as a whole.
package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ExtractedFile is one regular file written by Extract.
type ExtractedFile struct {
	RelPath string `json:"rel_path"`
	AbsPath string `json:"-"`
	Size    int64  `json:"size"`
}

// Name returns the base file name of the extracted file.
func (f ExtractedFile) Name() string {
	return path.Base(f.RelPath)
}

// Ext returns the lower-cased extension including the leading dot.
func (f ExtractedFile) Ext() string {
	return strings.ToLower(path.Ext(f.RelPath))
}

var (
	ErrUnsafePath      = errors.New("archive entry escapes destination directory")
	ErrExtractionLimit = errors.New("archive exceeds maximum extracted size")
)

// ExtractionError is returned when an archive cannot be read or written out.
// It is fatal to an import run.
type ExtractionError struct {
	Archive string
	Entry   string
	Op      string
	Err     error
}

func (e *ExtractionError) Error() string {
	if e.Entry != "" {
		return fmt.Sprintf("extract %s: %s %s: %v", filepath.Base(e.Archive), e.Op, e.Entry, e.Err)
	}
	return fmt.Sprintf("extract %s: %s: %v", filepath.Base(e.Archive), e.Op, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Options tunes extraction. MaxTotalBytes of zero disables the size cap.
type Options struct {
	MaxTotalBytes int64
}

// skipped entries are metadata written by desktop archivers.
var ignoredPrefixes = []string{"__MACOSX/"}

var ignoredNames = map[string]bool{
	".DS_Store":   true,
	"Thumbs.db":   true,
	"desktop.ini": true,
}

// Extract unpacks the zip archive at archivePath into destDir, preserving
// relative paths, and returns every regular file written.
func Extract(ctx context.Context, archivePath, destDir string, opts Options) ([]ExtractedFile, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		if r != nil {
			r.Close()
		}
		return nil, &ExtractionError{Archive: archivePath, Op: "open", Err: err}
	}
	defer r.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, &ExtractionError{Archive: archivePath, Op: "create destination", Err: err}
	}

	// Directory entries first so every file below has its parent in place.
	for _, zf := range r.File {
		if !zf.FileInfo().IsDir() || ignored(zf.Name) {
			continue
		}
		target, err := safeJoin(destDir, zf.Name)
		if err != nil {
			return nil, &ExtractionError{Archive: archivePath, Entry: zf.Name, Op: "resolve", Err: err}
		}
		if err := os.MkdirAll(target, 0o755); err != nil {
			return nil, &ExtractionError{Archive: archivePath, Entry: zf.Name, Op: "mkdir", Err: err}
		}
	}

	var (
		files   []ExtractedFile
		written int64
	)
	for _, zf := range r.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if zf.FileInfo().IsDir() || ignored(zf.Name) {
			continue
		}
		target, err := safeJoin(destDir, zf.Name)
		if err != nil {
			return nil, &ExtractionError{Archive: archivePath, Entry: zf.Name, Op: "resolve", Err: err}
		}

		var remaining int64 = -1
		if opts.MaxTotalBytes > 0 {
			remaining = opts.MaxTotalBytes - written
		}
		n, err := writeEntry(zf, target, remaining)
		if err != nil {
			return nil, &ExtractionError{Archive: archivePath, Entry: zf.Name, Op: "write", Err: err}
		}
		written += n

		files = append(files, ExtractedFile{
			RelPath: normalizeRel(zf.Name),
			AbsPath: target,
			Size:    n,
		})
	}

	return files, nil
}

// writeEntry streams one entry to target. remaining < 0 means unlimited.
func writeEntry(zf *zip.File, target string, remaining int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}

	rc, err := zf.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}

	var src io.Reader = rc
	if remaining >= 0 {
		// One extra byte lets us tell "exactly at the cap" from "over it".
		src = io.LimitReader(rc, remaining+1)
	}

	n, copyErr := io.Copy(out, src)
	closeErr := out.Close()
	if copyErr != nil {
		return n, copyErr
	}
	if closeErr != nil {
		return n, closeErr
	}
	if remaining >= 0 && n > remaining {
		return n, ErrExtractionLimit
	}
	return n, nil
}

func safeJoin(destDir, name string) (string, error) {
	rel := normalizeRel(name)
	if rel == "" || rel == "." || strings.HasPrefix(rel, "../") || rel == ".." || path.IsAbs(rel) {
		return "", ErrUnsafePath
	}
	target := filepath.Join(destDir, filepath.FromSlash(rel))
	root := filepath.Clean(destDir) + string(os.PathSeparator)
	if !strings.HasPrefix(target, root) {
		return "", ErrUnsafePath
	}
	return target, nil
}

// normalizeRel converts archive names (which some Windows tools write with
// backslashes) into clean slash-separated relative paths.
func normalizeRel(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	return strings.TrimSuffix(path.Clean(name), "/")
}

func ignored(name string) bool {
	rel := normalizeRel(name)
	for _, p := range ignoredPrefixes {
		if strings.HasPrefix(rel+"/", p) {
			return true
		}
	}
	return ignoredNames[path.Base(rel)]
}
