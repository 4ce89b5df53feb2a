// Package table holds the wide result table: one row per (party, member),
// one column per vote, raw outcome labels as values. An empty value is a
// missing cell.
package table

import (
	"github.com/cockroachdb/errors"
)

var (
	ErrEmptyColumn     = errors.New("column has no cells")
	ErrDuplicateColumn = errors.New("duplicate column")
	ErrDuplicateKey    = errors.New("duplicate row key")
)

type Key struct {
	Party  string
	Member string
}

type Cell struct {
	Key   Key
	Value string
}

type Table struct {
	rows  []Key
	index map[Key]int
	cols  []string
	// data[c][r] is the value of column c for row r.
	data     [][]string
	colIndex map[string]int
}

func New() *Table {
	return &Table{index: map[Key]int{}, colIndex: map[string]int{}}
}

// Len is the number of rows.
func (t *Table) Len() int { return len(t.rows) }

// Width is the number of vote columns.
func (t *Table) Width() int { return len(t.cols) }

func (t *Table) Empty() bool { return len(t.cols) == 0 }

func (t *Table) Rows() []Key {
	return append([]Key(nil), t.rows...)
}

func (t *Table) Columns() []string {
	return append([]string(nil), t.cols...)
}

func (t *Table) HasColumn(name string) bool {
	_, ok := t.colIndex[name]
	return ok
}

// Column returns the values of a column aligned with Rows.
func (t *Table) Column(name string) ([]string, bool) {
	c, ok := t.colIndex[name]
	if !ok {
		return nil, false
	}
	return append([]string(nil), t.data[c]...), true
}

// Join describes how a column lined up with the rows already present.
type Join struct {
	// Missing counts rows the column has no value for.
	Missing int
	// Added counts keys first seen in this column. Earlier columns are
	// missing for them.
	Added int
}

// AddColumn appends a vote column joined on the row key. The first column
// establishes the rows in cell order. Later columns may omit rows, which
// stay missing, and may bring keys the table has not seen, which become new
// rows missing in every earlier column. The table is left untouched on
// error.
func (t *Table) AddColumn(name string, cells []Cell) (Join, error) {
	var j Join
	if len(cells) == 0 {
		return j, errors.Wrap(ErrEmptyColumn, name)
	}
	if t.HasColumn(name) {
		return j, errors.Wrap(ErrDuplicateColumn, name)
	}
	seen := make(map[Key]struct{}, len(cells))
	for _, c := range cells {
		if _, dup := seen[c.Key]; dup {
			return j, errors.Wrapf(ErrDuplicateKey, "%s: %s / %s", name, c.Key.Party, c.Key.Member)
		}
		seen[c.Key] = struct{}{}
	}

	for _, c := range cells {
		if _, ok := t.index[c.Key]; ok {
			continue
		}
		if len(t.cols) > 0 {
			j.Added++
		}
		t.addRow(c.Key)
	}
	col := make([]string, len(t.rows))
	for _, c := range cells {
		col[t.index[c.Key]] = c.Value
	}
	t.colIndex[name] = len(t.cols)
	t.cols = append(t.cols, name)
	t.data = append(t.data, col)
	j.Missing = len(t.rows) - len(cells)
	return j, nil
}

func (t *Table) addRow(k Key) {
	t.index[k] = len(t.rows)
	t.rows = append(t.rows, k)
	for c := range t.data {
		t.data[c] = append(t.data[c], "")
	}
}

// Cells returns a column as key/value pairs in row order, skipping missing
// values.
func (t *Table) Cells(name string) []Cell {
	c, ok := t.colIndex[name]
	if !ok {
		return nil
	}
	out := make([]Cell, 0, len(t.rows))
	for r, k := range t.rows {
		if t.data[c][r] == "" {
			continue
		}
		out = append(out, Cell{Key: k, Value: t.data[c][r]})
	}
	return out
}

func (t *Table) filled(c int) int {
	n := 0
	for _, v := range t.data[c] {
		if v != "" {
			n++
		}
	}
	return n
}

// MergeReport describes how shards lined up during Concat.
type MergeReport struct {
	// AddedRows counts keys that appeared only in a later shard.
	AddedRows int
	// SkippedColumns are duplicates with identical values.
	SkippedColumns []string
	// Conflicts are columns whose values differ between shards. The copy
	// with more values wins, the later shard on a tie.
	Conflicts []string
}

// Concat joins shard tables on the row key, keeping column order. Rows
// missing from some shard leave missing cells.
func Concat(tables ...*Table) (*Table, MergeReport) {
	out := New()
	var rep MergeReport
	for _, t := range tables {
		if t == nil {
			continue
		}
		for _, k := range t.rows {
			if _, ok := out.index[k]; ok {
				continue
			}
			if len(out.rows) > 0 {
				rep.AddedRows++
			}
			out.addRow(k)
		}
		for ci, name := range t.cols {
			col := make([]string, len(out.rows))
			for _, c := range t.Cells(name) {
				col[out.index[c.Key]] = c.Value
			}
			existing, ok := out.colIndex[name]
			if !ok {
				out.colIndex[name] = len(out.cols)
				out.cols = append(out.cols, name)
				out.data = append(out.data, col)
				continue
			}
			if sameValues(out, existing, t, ci) {
				rep.SkippedColumns = append(rep.SkippedColumns, name)
				continue
			}
			rep.Conflicts = append(rep.Conflicts, name)
			if t.filled(ci) >= out.filled(existing) {
				out.data[existing] = col
			}
		}
	}
	return out, rep
}

func sameValues(a *Table, ac int, b *Table, bc int) bool {
	for r, k := range b.rows {
		if a.data[ac][a.index[k]] != b.data[bc][r] {
			return false
		}
	}
	return true
}

// Build assembles a table from decoded rows, e.g. a CSV shard. data is
// column-major and every column must have one value per row.
func Build(rows []Key, cols []string, data [][]string) (*Table, error) {
	if len(cols) != len(data) {
		return nil, errors.Newf("%d column names for %d columns", len(cols), len(data))
	}
	t := New()
	for _, k := range rows {
		if _, dup := t.index[k]; dup {
			return nil, errors.Wrapf(ErrDuplicateKey, "%s / %s", k.Party, k.Member)
		}
		t.index[k] = len(t.rows)
		t.rows = append(t.rows, k)
	}
	for c, name := range cols {
		if t.HasColumn(name) {
			return nil, errors.Wrap(ErrDuplicateColumn, name)
		}
		if len(data[c]) != len(rows) {
			return nil, errors.Newf("column %s has %d values for %d rows", name, len(data[c]), len(rows))
		}
		t.colIndex[name] = len(t.cols)
		t.cols = append(t.cols, name)
		t.data = append(t.data, append([]string(nil), data[c]...))
	}
	return t, nil
}
