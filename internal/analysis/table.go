package analysis

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/parquet-go/parquet-go"
)

// episodeTable holds the numeric columns of one episode parquet file. Each
// top-level column keeps one cell per row; list columns carry one value per
// element, scalar columns exactly one.
type episodeTable struct {
	rows    int
	columns map[string]*tableColumn
}

type tableColumn struct {
	name  string
	list  bool
	cells [][]float64
}

// scalar returns the column's first value in row, or NaN.
func (c *tableColumn) scalar(row int) float64 {
	if row >= len(c.cells) || len(c.cells[row]) == 0 {
		return math.NaN()
	}
	return c.cells[row][0]
}

func (t *episodeTable) column(name string) *tableColumn {
	return t.columns[name]
}

// names returns the column names, sorted.
func (t *episodeTable) names() []string {
	out := make([]string, 0, len(t.columns))
	for n := range t.columns {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

const readBatch = 256

// readEpisodeTable loads every numeric and boolean column of a parquet file.
// Nested leaves are grouped under their top-level field name.
func readEpisodeTable(path string) (*episodeTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		return nil, fmt.Errorf("open parquet %s: %w", path, err)
	}

	leaves := pf.Schema().Columns()
	t := &episodeTable{columns: make(map[string]*tableColumn)}
	leafCol := make([]*tableColumn, len(leaves))
	for i, p := range leaves {
		if len(p) == 0 {
			continue
		}
		c, ok := t.columns[p[0]]
		if !ok {
			c = &tableColumn{name: p[0]}
			t.columns[p[0]] = c
		}
		if len(p) > 1 {
			c.list = true
		}
		leafCol[i] = c
	}

	buf := make([]parquet.Row, readBatch)
	for _, rg := range pf.RowGroups() {
		rows := rg.Rows()
		for {
			n, err := rows.ReadRows(buf)
			for _, row := range buf[:n] {
				t.appendRow(row, leafCol)
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("read parquet %s: %w", path, err)
			}
			if n == 0 {
				break
			}
		}
		rows.Close()
	}

	// Columns with no numeric values at all are not signals.
	for name, c := range t.columns {
		numeric := false
		for _, cell := range c.cells {
			if len(cell) > 0 {
				numeric = true
				break
			}
		}
		if !numeric {
			delete(t.columns, name)
		}
	}
	return t, nil
}

func (t *episodeTable) appendRow(row parquet.Row, leafCol []*tableColumn) {
	touched := make(map[*tableColumn]bool, len(t.columns))
	for _, v := range row {
		idx := v.Column()
		if idx < 0 || idx >= len(leafCol) || leafCol[idx] == nil {
			continue
		}
		c := leafCol[idx]
		if !touched[c] {
			touched[c] = true
			c.cells = append(c.cells, nil)
		}
		x, ok := numericValue(v)
		if !ok {
			continue
		}
		last := len(c.cells) - 1
		c.cells[last] = append(c.cells[last], x)
	}
	t.rows++
	// Keep every column aligned with the row count.
	for _, c := range t.columns {
		for len(c.cells) < t.rows {
			c.cells = append(c.cells, nil)
		}
	}
}

// numericValue converts a parquet value to float64. Null scalars read as NaN;
// null list elements and non-numeric kinds are skipped.
func numericValue(v parquet.Value) (float64, bool) {
	if v.IsNull() {
		if v.RepetitionLevel() == 0 && v.DefinitionLevel() == 0 {
			return math.NaN(), true
		}
		return 0, false
	}
	switch v.Kind() {
	case parquet.Boolean:
		if v.Boolean() {
			return 1, true
		}
		return 0, true
	case parquet.Int32:
		return float64(v.Int32()), true
	case parquet.Int64:
		return float64(v.Int64()), true
	case parquet.Float:
		return float64(v.Float()), true
	case parquet.Double:
		return v.Double(), true
	default:
		return 0, false
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
