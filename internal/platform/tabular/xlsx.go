package tabular

import (
	"errors"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// xlsxReader walks the first worksheet with excelize's streaming row
// iterator rather than GetRows, which materialises the whole sheet.
type xlsxReader struct {
	file    *excelize.File
	rows    *excelize.Rows
	headers []string
	count   int
}

func openXLSX(path string) (*xlsxReader, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open xlsx %s: %w", path, err)
	}

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		_ = f.Close()
		return nil, errors.New("excel file has no sheets")
	}

	rows, err := f.Rows(sheets[0])
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read rows from xlsx: %w", err)
	}

	r := &xlsxReader{file: f, rows: rows}
	for rows.Next() {
		cols, err := rows.Columns()
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("read header of %s: %w", path, err)
		}
		if isBlankRecord(cols) {
			continue
		}
		r.headers = sanitizeHeaders(cols)
		return r, nil
	}
	r.Close()
	return nil, ErrNoHeader
}

func (r *xlsxReader) Headers() []string { return r.headers }

func (r *xlsxReader) Next() (Row, error) {
	for r.rows.Next() {
		cols, err := r.rows.Columns()
		if err != nil {
			return Row{}, err
		}
		row, ok := buildRow(r.headers, cols, r.count+1)
		if !ok {
			continue
		}
		r.count++
		return row, nil
	}
	if err := r.rows.Error(); err != nil {
		return Row{}, err
	}
	return Row{}, io.EOF
}

func (r *xlsxReader) Close() error {
	rowsErr := r.rows.Close()
	if err := r.file.Close(); err != nil {
		return err
	}
	return rowsErr
}
