// Package tabular streams rows out of delimited text and spreadsheet files.
//
// Rows are produced one at a time from an open file handle. Nothing here
// reads a whole table into memory, so a reader can only be restarted by
// opening the file again.
package tabular

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

var (
	// ErrUnsupportedFormat is returned by Open for extensions it cannot parse.
	ErrUnsupportedFormat = errors.New("unsupported tabular format")
	// ErrNoHeader is returned when a file has no header row.
	ErrNoHeader = errors.New("no header row found")
)

// Field is one header/value pair of a row, in source column order.
type Field struct {
	Name  string
	Value string
}

// Row is a single data row keyed by the header row. Number is 1-based and
// counts data rows only.
type Row struct {
	Number int
	Fields []Field
}

// Get returns the value under the exact header name. The second result
// reports whether the column exists at all.
func (r Row) Get(name string) (string, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// Map returns the row as a plain map. Later duplicate headers do not
// overwrite earlier ones.
func (r Row) Map() map[string]string {
	m := make(map[string]string, len(r.Fields))
	for _, f := range r.Fields {
		if _, ok := m[f.Name]; !ok {
			m[f.Name] = f.Value
		}
	}
	return m
}

// Reader yields rows until io.EOF.
type Reader interface {
	Headers() []string
	Next() (Row, error)
	Close() error
}

// IsTabular reports whether Open knows how to parse the file name.
func IsTabular(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".txt", ".tsv", ".xlsx":
		return true
	}
	return false
}

// Open returns a streaming reader chosen by file extension.
func Open(path string) (Reader, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt", ".tsv":
		return openDelimited(path)
	case ".xlsx":
		return openXLSX(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// CountRows streams the file once and returns the number of data rows.
func CountRows(path string) (int, error) {
	_, total, err := Scan(path, 0)
	return total, err
}

// Scan streams the file once, keeping the first limit rows and counting all
// of them.
func Scan(path string, limit int) ([]Row, int, error) {
	r, err := Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer r.Close()

	var (
		sample []Row
		total  int
	)
	for {
		row, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return sample, total, err
		}
		total++
		if len(sample) < limit {
			sample = append(sample, row)
		}
	}
	return sample, total, nil
}

func sanitizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	for i, h := range raw {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if h == "" {
			h = fmt.Sprintf("Column %d", i+1)
		}
		headers[i] = h
	}
	return headers
}

// buildRow pairs a record with the headers. Blank records report false.
func buildRow(headers, record []string, number int) (Row, bool) {
	if isBlankRecord(record) {
		return Row{}, false
	}

	fields := make([]Field, len(headers))
	for i, h := range headers {
		var v string
		if i < len(record) {
			v = record[i]
		}
		fields[i] = Field{Name: h, Value: v}
	}
	return Row{Number: number, Fields: fields}, true
}

func isBlankRecord(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
