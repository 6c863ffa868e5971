package manifest

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/rpattn/imgexplorer/internal/domain"
)

// DefaultURLColumn holds the per-series object URL copied by s5cmd manifests.
const DefaultURLColumn = "series_aws_url"

const xlsxSheet = "Sheet1"

// rowWriter writes one manifest layout. Rows arrive in column order.
type rowWriter interface {
	WriteHeader(lines, columns []string) error
	WriteRow(values []any) error
	Close() error
}

func newRowWriter(fileType domain.ManifestFileType, w io.Writer, urlColumn string) (rowWriter, error) {
	switch fileType {
	case domain.ManifestFileTypeCSV:
		return &delimitedWriter{w: csv.NewWriter(w)}, nil
	case domain.ManifestFileTypeTSV:
		cw := csv.NewWriter(w)
		cw.Comma = '\t'
		return &delimitedWriter{w: cw}, nil
	case domain.ManifestFileTypeS5cmd:
		return &s5cmdWriter{w: bufio.NewWriter(w), urlColumn: urlColumn, urlIndex: -1}, nil
	case domain.ManifestFileTypeJSON:
		return &jsonLinesWriter{w: bufio.NewWriter(w)}, nil
	case domain.ManifestFileTypeXLSX:
		return newXLSXWriter(w)
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedFileType, fileType)
}

type delimitedWriter struct {
	w    *csv.Writer
	cell []string
}

func (d *delimitedWriter) WriteHeader(lines, columns []string) error {
	for _, line := range lines {
		if err := d.w.Write([]string{line}); err != nil {
			return fmt.Errorf("write header line: %w", err)
		}
	}
	if len(columns) == 0 {
		return nil
	}
	d.cell = make([]string, len(columns))
	return d.w.Write(columns)
}

func (d *delimitedWriter) WriteRow(values []any) error {
	if len(d.cell) != len(values) {
		d.cell = make([]string, len(values))
	}
	for i, v := range values {
		d.cell[i] = formatValue(v)
	}
	return d.w.Write(d.cell)
}

func (d *delimitedWriter) Close() error {
	d.w.Flush()
	return d.w.Error()
}

// s5cmdWriter emits one copy command per row. Rows without a URL are skipped.
type s5cmdWriter struct {
	w         *bufio.Writer
	urlColumn string
	urlIndex  int
}

func (s *s5cmdWriter) WriteHeader(_ []string, columns []string) error {
	for i, c := range columns {
		if c == s.urlColumn {
			s.urlIndex = i
		}
	}
	if s.urlIndex < 0 {
		return fmt.Errorf("%w: s5cmd manifests need the %q column", domain.ErrUnsupportedFileType, s.urlColumn)
	}
	return nil
}

func (s *s5cmdWriter) WriteRow(values []any) error {
	url := formatValue(values[s.urlIndex])
	if url == "" {
		return nil
	}
	_, err := fmt.Fprintf(s.w, "cp %s .\n", url)
	return err
}

func (s *s5cmdWriter) Close() error { return s.w.Flush() }

// jsonLinesWriter writes one JSON object per row.
type jsonLinesWriter struct {
	w       *bufio.Writer
	columns []string
}

func (j *jsonLinesWriter) WriteHeader(_ []string, columns []string) error {
	j.columns = columns
	return nil
}

func (j *jsonLinesWriter) WriteRow(values []any) error {
	row := make(map[string]any, len(values))
	for i, v := range values {
		if v == nil {
			v = ""
		}
		row[j.columns[i]] = v
	}
	encoded, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode row: %w", err)
	}
	encoded = append(encoded, '\n')
	_, err = j.w.Write(encoded)
	return err
}

func (j *jsonLinesWriter) Close() error { return j.w.Flush() }

// xlsxWriter streams rows into a single sheet. The workbook is only written
// to w on Close.
type xlsxWriter struct {
	out  io.Writer
	file *excelize.File
	sw   *excelize.StreamWriter
	row  int
}

func newXLSXWriter(w io.Writer) (*xlsxWriter, error) {
	f := excelize.NewFile()
	sw, err := f.NewStreamWriter(xlsxSheet)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("open sheet stream: %w", err)
	}
	return &xlsxWriter{out: w, file: f, sw: sw}, nil
}

func (x *xlsxWriter) next(values []any) error {
	x.row++
	cell, err := excelize.CoordinatesToCellName(1, x.row)
	if err != nil {
		return err
	}
	return x.sw.SetRow(cell, values)
}

func (x *xlsxWriter) WriteHeader(lines, columns []string) error {
	for _, line := range lines {
		if err := x.next([]any{line}); err != nil {
			return fmt.Errorf("write header line: %w", err)
		}
	}
	if len(columns) == 0 {
		return nil
	}
	header := make([]any, len(columns))
	for i, c := range columns {
		header[i] = c
	}
	return x.next(header)
}

func (x *xlsxWriter) WriteRow(values []any) error {
	cells := make([]any, len(values))
	for i, v := range values {
		if v != nil {
			cells[i] = formatValue(v)
		}
	}
	return x.next(cells)
}

func (x *xlsxWriter) Close() error {
	defer x.file.Close()
	if err := x.sw.Flush(); err != nil {
		return fmt.Errorf("flush sheet: %w", err)
	}
	if err := x.file.Write(x.out); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case json.Number:
		return v.String()
	case map[string]any, []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	default:
		return domain.FormatValue(v)
	}
}

// sanitizeFileComponent keeps a caller-supplied file name safe for paths and
// object keys.
func sanitizeFileComponent(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
