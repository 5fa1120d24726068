package tabular

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const sniffSize = 64 * 1024

var (
	utf8BOM    = []byte{0xEF, 0xBB, 0xBF}
	utf16LEBOM = []byte{0xFF, 0xFE}
	utf16BEBOM = []byte{0xFE, 0xFF}
)

type delimitedReader struct {
	file    *os.File
	csv     *csv.Reader
	headers []string
	count   int
}

func openDelimited(path string) (*delimitedReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	src, err := DecodeLegacy(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	br := bufio.NewReaderSize(src, sniffSize)
	head, _ := br.Peek(sniffSize)

	cr := csv.NewReader(br)
	cr.Comma = sniffDelimiter(head)
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	r := &delimitedReader{file: f, csv: cr}
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			f.Close()
			return nil, ErrNoHeader
		}
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("read header of %s: %w", path, err)
		}
		if isBlankRecord(record) {
			continue
		}
		r.headers = sanitizeHeaders(record)
		break
	}
	return r, nil
}

func (r *delimitedReader) Headers() []string { return r.headers }

func (r *delimitedReader) Next() (Row, error) {
	for {
		record, err := r.csv.Read()
		if err != nil {
			return Row{}, err
		}
		row, ok := buildRow(r.headers, record, r.count+1)
		if !ok {
			continue
		}
		r.count++
		return row, nil
	}
}

func (r *delimitedReader) Close() error { return r.file.Close() }

// DecodeLegacy wraps r so that it yields UTF-8. A UTF-8 BOM is dropped,
// UTF-16 input with a BOM is transcoded, and the rest is passed through as
// UTF-8 until the first invalid sequence, from which point on it is read as
// Windows-1252, which is what older Windows practice systems write.
func DecodeLegacy(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(utf8BOM))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	switch {
	case bytes.HasPrefix(head, utf8BOM):
		_, _ = br.Discard(len(utf8BOM))
		return transform.NewReader(br, newLegacyDecoder()), nil
	case bytes.HasPrefix(head, utf16LEBOM), bytes.HasPrefix(head, utf16BEBOM):
		dec := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
		return transform.NewReader(br, dec), nil
	}
	return transform.NewReader(br, newLegacyDecoder()), nil
}

// legacyDecoder copies valid UTF-8 through and switches to its fallback
// for the rest of the stream at the first invalid byte.
type legacyDecoder struct {
	fallback transform.Transformer
	switched bool
}

func newLegacyDecoder() *legacyDecoder {
	return &legacyDecoder{fallback: charmap.Windows1252.NewDecoder()}
}

func (d *legacyDecoder) Reset() {
	d.switched = false
	d.fallback.Reset()
}

func (d *legacyDecoder) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	if d.switched {
		return d.fallback.Transform(dst, src, atEOF)
	}

	i, invalid := 0, false
	for i < len(src) {
		if src[i] < utf8.RuneSelf {
			i++
			continue
		}
		if !atEOF && !utf8.FullRune(src[i:]) {
			err = transform.ErrShortSrc
			break
		}
		r, size := utf8.DecodeRune(src[i:])
		if r == utf8.RuneError && size == 1 {
			invalid = true
			break
		}
		i += size
	}

	n := copy(dst, src[:i])
	if n < i {
		return n, n, transform.ErrShortDst
	}
	if !invalid {
		return n, n, err
	}
	d.switched = true
	nd, ns, err := d.fallback.Transform(dst[n:], src[n:], atEOF)
	return n + nd, n + ns, err
}

// sniffDelimiter picks the most frequent candidate separator on the first
// line, defaulting to a comma.
func sniffDelimiter(head []byte) rune {
	line := head
	if i := bytes.IndexAny(head, "\r\n"); i >= 0 {
		line = head[:i]
	}
	best, bestCount := ',', bytes.Count(line, []byte{','})
	for _, c := range []rune{'\t', '|', ';'} {
		if n := bytes.Count(line, []byte(string(c))); n > bestCount {
			best, bestCount = c, n
		}
	}
	return best
}
