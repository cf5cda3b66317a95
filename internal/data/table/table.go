// Package table reads and writes the pipeline's flat tab-separated tables
// with transparent gzip/zstd compression chosen by file extension. Floats
// are written with full shortest-round-trip precision so serialize/reload
// preserves every value bit for bit.
package table

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Open returns a reader for path, decompressing .gz and .zst transparently.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	switch filepath.Ext(path) {
	case ".gz":
		zr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("table: %s: %w", path, err)
		}
		return &compositeCloser{Reader: zr, closers: []io.Closer{zr, f}}, nil
	case ".zst":
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("table: %s: %w", path, err)
		}
		return &compositeCloser{Reader: zr.IOReadCloser(), closers: []io.Closer{zr.IOReadCloser(), f}}, nil
	default:
		return f, nil
	}
}

// Create returns a writer for path, compressing .gz and .zst transparently
// and creating parent directories.
func Create(path string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	switch filepath.Ext(path) {
	case ".gz":
		zw := gzip.NewWriter(f)
		return &compositeWriteCloser{Writer: zw, closers: []io.Closer{zw, f}}, nil
	case ".zst":
		zw, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("table: %s: %w", path, err)
		}
		return &compositeWriteCloser{Writer: zw, closers: []io.Closer{zw, f}}, nil
	default:
		return f, nil
	}
}

type compositeCloser struct {
	io.Reader
	closers []io.Closer
}

func (c *compositeCloser) Close() error {
	var first error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type compositeWriteCloser struct {
	io.Writer
	closers []io.Closer
}

func (c *compositeWriteCloser) Close() error {
	var first error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ReadLines returns every line of a (possibly compressed) text file.
func ReadLines(path string) ([]string, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("table: %s: %w", path, err)
	}
	return lines, nil
}

// Matrix is a named-rows, named-cols numeric table as stored on disk.
type Matrix struct {
	RowField string // header of the row-name column
	Rows     []string
	Cols     []string
	Values   [][]float64
}

// ReadMatrix parses a matrix table: a header line of row-field name plus
// column names, then one row per line of row name plus values.
func ReadMatrix(path string) (*Matrix, error) {
	lines, err := ReadLines(path)
	if err != nil {
		return nil, err
	}
	if len(lines) < 1 {
		return nil, fmt.Errorf("table: %s: empty matrix", path)
	}
	header := strings.Split(lines[0], "\t")
	if len(header) < 2 {
		return nil, fmt.Errorf("table: %s: header needs a row field and at least one column", path)
	}
	m := &Matrix{RowField: header[0], Cols: header[1:]}
	for ln, line := range lines[1:] {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != len(header) {
			return nil, fmt.Errorf("table: %s: line %d has %d fields, want %d", path, ln+2, len(fields), len(header))
		}
		vals := make([]float64, len(fields)-1)
		for i, s := range fields[1:] {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("table: %s: line %d: %w", path, ln+2, err)
			}
			vals[i] = v
		}
		m.Rows = append(m.Rows, fields[0])
		m.Values = append(m.Values, vals)
	}
	return m, nil
}

// WriteMatrix writes a matrix table in the format ReadMatrix parses.
func WriteMatrix(path string, m *Matrix) error {
	w, err := Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)

	bw.WriteString(m.RowField)
	for _, c := range m.Cols {
		bw.WriteByte('\t')
		bw.WriteString(c)
	}
	bw.WriteByte('\n')

	for ri, name := range m.Rows {
		bw.WriteString(name)
		for _, v := range m.Values[ri] {
			bw.WriteByte('\t')
			bw.WriteString(FormatFloat(v))
		}
		bw.WriteByte('\n')
	}
	if err := bw.Flush(); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Table is a generic string table with a fixed column set.
type Table struct {
	Columns []string
	Rows    [][]string
}

// ReadTable parses a header line plus data rows.
func ReadTable(path string) (*Table, error) {
	lines, err := ReadLines(path)
	if err != nil {
		return nil, err
	}
	if len(lines) < 1 {
		return nil, fmt.Errorf("table: %s: empty table", path)
	}
	t := &Table{Columns: strings.Split(lines[0], "\t")}
	for ln, line := range lines[1:] {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != len(t.Columns) {
			return nil, fmt.Errorf("table: %s: line %d has %d fields, want %d", path, ln+2, len(fields), len(t.Columns))
		}
		t.Rows = append(t.Rows, fields)
	}
	return t, nil
}

// WriteTable writes a table with its stable column order.
func WriteTable(path string, t *Table) error {
	w, err := Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	bw.WriteString(strings.Join(t.Columns, "\t"))
	bw.WriteByte('\n')
	for _, row := range t.Rows {
		bw.WriteString(strings.Join(row, "\t"))
		bw.WriteByte('\n')
	}
	if err := bw.Flush(); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// FormatFloat renders v so ParseFloat returns the identical bits.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
