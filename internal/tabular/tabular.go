package tabular

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrNotTabular marks bytes that are not a readable table at all, as
// opposed to a table that fails structural validation.
var ErrNotTabular = errors.New("not a tabular file")

// Table is an in-memory view of a parsed CSV: a header row plus string
// cells. Numeric interpretation happens at the point of use.
type Table struct {
	Columns []string
	Rows    [][]string
}

// Read parses CSV bytes into a Table. All records must have the header
// width; an empty file or a ragged one is ErrNotTabular.
func Read(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotTabular, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrNotTabular)
	}
	header := make([]string, len(records[0]))
	for i, c := range records[0] {
		header[i] = strings.TrimSpace(c)
	}
	return &Table{Columns: header, Rows: records[1:]}, nil
}

// ColumnIndex returns the position of a column header, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Cell returns the trimmed value at (row, column index).
func (t *Table) Cell(row, col int) string {
	if col < 0 || row < 0 || row >= len(t.Rows) || col >= len(t.Rows[row]) {
		return ""
	}
	return strings.TrimSpace(t.Rows[row][col])
}

// Float parses the cell as a number, treating an empty cell as an
// error so callers can distinguish missing from zero.
func (t *Table) Float(row, col int) (float64, error) {
	v := t.Cell(row, col)
	if v == "" {
		return 0, errors.New("empty value")
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", ""), 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", v)
	}
	return f, nil
}
