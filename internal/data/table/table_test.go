package table

import (
	"math"
	"path/filepath"
	"strconv"
	"testing"
)

func sampleMatrix() *Matrix {
	return &Matrix{
		RowField: "gene",
		Rows:     []string{"EPCAM", "VIM"},
		Cols:     []string{"s1", "s2", "s3"},
		Values: [][]float64{
			{0, 1.5, 0.333333333333333314829616256247},
			{math.SmallestNonzeroFloat64, 1e17, 2.25},
		},
	}
}

func TestMatrixRoundTrip(t *testing.T) {
	for _, ext := range []string{".tsv", ".tsv.gz", ".tsv.zst"} {
		path := filepath.Join(t.TempDir(), "m"+ext)
		want := sampleMatrix()

		if err := WriteMatrix(path, want); err != nil {
			t.Fatalf("%s: WriteMatrix failed: %v", ext, err)
		}
		got, err := ReadMatrix(path)
		if err != nil {
			t.Fatalf("%s: ReadMatrix failed: %v", ext, err)
		}

		if got.RowField != want.RowField {
			t.Errorf("%s: RowField = %s, want %s", ext, got.RowField, want.RowField)
		}
		if len(got.Rows) != len(want.Rows) || len(got.Cols) != len(want.Cols) {
			t.Fatalf("%s: shape %dx%d, want %dx%d", ext, len(got.Rows), len(got.Cols), len(want.Rows), len(want.Cols))
		}
		// Round trip is bit-exact.
		for ri := range want.Values {
			for ci := range want.Values[ri] {
				if got.Values[ri][ci] != want.Values[ri][ci] {
					t.Errorf("%s: value [%d][%d] = %v, want %v", ext, ri, ci, got.Values[ri][ci], want.Values[ri][ci])
				}
			}
		}
	}
}

func TestTableRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.tsv.gz")
	want := &Table{
		Columns: []string{"gene", "log2fc", "p_adj"},
		Rows: [][]string{
			{"EPCAM", "1.5", "0.001"},
			{"VIM", "-0.3", "0.8"},
		},
	}

	if err := WriteTable(path, want); err != nil {
		t.Fatalf("WriteTable failed: %v", err)
	}
	got, err := ReadTable(path)
	if err != nil {
		t.Fatalf("ReadTable failed: %v", err)
	}

	if len(got.Columns) != 3 || got.Columns[1] != "log2fc" {
		t.Errorf("columns = %v", got.Columns)
	}
	if len(got.Rows) != 2 || got.Rows[1][0] != "VIM" {
		t.Errorf("rows = %v", got.Rows)
	}
}

func TestReadMatrixMalformed(t *testing.T) {
	dir := t.TempDir()

	// WriteTable does not validate widths; the reader must.
	ragged := filepath.Join(dir, "ragged.tsv")
	if err := WriteTable(ragged, &Table{Columns: []string{"gene", "s1"}, Rows: [][]string{{"g1", "1", "2"}}}); err != nil {
		t.Fatalf("WriteTable failed: %v", err)
	}
	if _, err := ReadMatrix(ragged); err == nil {
		t.Error("expected error for ragged row")
	}

	bad := filepath.Join(dir, "bad.tsv")
	if err := WriteTable(bad, &Table{Columns: []string{"gene", "s1"}, Rows: [][]string{{"g1", "not-a-number"}}}); err != nil {
		t.Fatalf("WriteTable failed: %v", err)
	}
	if _, err := ReadMatrix(bad); err == nil {
		t.Error("expected error for non-numeric value")
	}
}

func TestFormatFloatBitExact(t *testing.T) {
	values := []float64{0, -0, 1.0 / 3.0, 6.02e23, math.SmallestNonzeroFloat64, math.MaxFloat64, -1.25e-7}
	for _, v := range values {
		back, err := strconv.ParseFloat(FormatFloat(v), 64)
		if err != nil {
			t.Fatalf("ParseFloat(%q) failed: %v", FormatFloat(v), err)
		}
		if back != v {
			t.Errorf("round trip of %v gave %v", v, back)
		}
	}
}

func TestReadLinesCompressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lines.txt.zst")
	want := &Table{Columns: []string{"a"}, Rows: [][]string{{"x"}, {"y"}}}
	if err := WriteTable(path, want); err != nil {
		t.Fatalf("WriteTable failed: %v", err)
	}

	lines, err := ReadLines(path)
	if err != nil {
		t.Fatalf("ReadLines failed: %v", err)
	}
	if len(lines) != 3 || lines[0] != "a" || lines[2] != "y" {
		t.Errorf("lines = %v", lines)
	}
}
