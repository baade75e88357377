package analysis

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var timestampColumns = []string{
	"timestamp", "timestamps", "time", "t",
	"frame_time_ms", "frame_time_us", "frame_time_ns",
}

// vectorKeywords select list columns that carry joint-space signals.
var vectorKeywords = []string{"qpos", "position", "joint", "action", "effort"}

// vectorPrefixes name flattened vector columns such as action.0, action.1.
var vectorPrefixes = []string{
	"observation.qpos",
	"observation.joints",
	"observation.state.position",
	"action",
	"action.joints",
	"action.qpos",
}

type jerkStats struct {
	Mean, Max, P95 float64
}

var nanJerk = jerkStats{math.NaN(), math.NaN(), math.NaN()}

// median returns the middle value of x, averaging the two middle values for even lengths.
func median(x []float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	s := append([]float64(nil), x...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// quantile interpolates linearly between closest ranks.
func quantile(x []float64, q float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	s := append([]float64(nil), x...)
	sort.Float64s(s)
	h := float64(len(s)-1) * q
	lo := math.Floor(h)
	hi := math.Ceil(h)
	if lo == hi {
		return s[int(lo)]
	}
	return s[int(lo)] + (h-lo)*(s[int(hi)]-s[int(lo)])
}

// diff returns successive differences of x.
func diff(x []float64) []float64 {
	if len(x) < 2 {
		return nil
	}
	out := make([]float64, len(x)-1)
	floats.SubTo(out, x[1:], x[:len(x)-1])
	return out
}

// toMilliseconds rescales timestamp deltas to milliseconds, guessing the unit
// from their median.
func toMilliseconds(dts []float64) []float64 {
	if len(dts) == 0 {
		return dts
	}
	out := append([]float64(nil), dts...)
	m := median(out)
	switch {
	case m > 1e6:
		floats.Scale(1e-6, out)
	case m > 1e3:
		floats.Scale(1e-3, out)
	case m < 10:
		floats.Scale(1e3, out)
	}
	return out
}

// timestampSeries returns the first timestamp-like column, or nil.
func timestampSeries(t *episodeTable) []float64 {
	for _, name := range timestampColumns {
		c := t.column(name)
		if c == nil || c.list {
			continue
		}
		out := make([]float64, t.rows)
		for i := range out {
			out[i] = c.scalar(i)
		}
		return out
	}
	return nil
}

// vectorSignal finds a joint-space signal with at least two dimensions. It
// prefers list columns named like joints or actions, then flattened columns.
func vectorSignal(t *episodeTable) ([][]float64, string) {
	for _, name := range t.names() {
		c := t.column(name)
		if !c.list || !containsAny(strings.ToLower(name), vectorKeywords) {
			continue
		}
		if m, ok := rectangular(c.cells); ok {
			return m, name + " (list)"
		}
	}

	for _, base := range vectorPrefixes {
		if m := groupVectorColumns(t, base); m != nil {
			return m, base + ".*"
		}
	}
	return nil, ""
}

// rectangular reports whether every cell has the same length of at least two.
func rectangular(cells [][]float64) ([][]float64, bool) {
	if len(cells) == 0 {
		return nil, false
	}
	d := len(cells[0])
	if d < 2 {
		return nil, false
	}
	for _, c := range cells {
		if len(c) != d {
			return nil, false
		}
	}
	return cells, true
}

func groupVectorColumns(t *episodeTable, base string) [][]float64 {
	re := regexp.MustCompile(`^` + regexp.QuoteMeta(base) + `\.(\d+)$`)
	type indexed struct {
		i int
		c *tableColumn
	}
	var cols []indexed
	for name, c := range t.columns {
		m := re.FindStringSubmatch(name)
		if m == nil || c.list {
			continue
		}
		i, _ := strconv.Atoi(m[1])
		cols = append(cols, indexed{i, c})
	}
	if len(cols) < 2 {
		return nil
	}
	sort.Slice(cols, func(a, b int) bool { return cols[a].i < cols[b].i })

	out := make([][]float64, t.rows)
	for r := range out {
		out[r] = make([]float64, len(cols))
		for j, col := range cols {
			out[r][j] = col.c.scalar(r)
		}
	}
	return out
}

// computeJerk differentiates vector three times at the median sample interval
// and summarizes the per-sample L2 norm.
func computeJerk(vector [][]float64, timestamps []float64, fps float64) jerkStats {
	n := len(vector)
	if n < 4 {
		return nanJerk
	}

	var dts []float64
	if len(timestamps) != n {
		dts = make([]float64, n-1)
		for i := range dts {
			dts[i] = 1000.0 / fps
		}
	} else {
		dts = toMilliseconds(diff(timestamps))
		var positive []float64
		for _, d := range dts {
			if d > 0 {
				positive = append(positive, d)
			}
		}
		fill := 1.0
		if len(positive) > 0 {
			fill = median(positive)
		}
		for i, d := range dts {
			if d <= 0 {
				dts[i] = fill
			}
		}
	}
	if len(dts) == 0 {
		return nanJerk
	}
	dt := median(dts) / 1000.0

	deriv := func(x [][]float64) [][]float64 {
		out := make([][]float64, len(x)-1)
		for i := range out {
			row := make([]float64, len(x[i]))
			floats.SubTo(row, x[i+1], x[i])
			floats.Scale(1/dt, row)
			out[i] = row
		}
		return out
	}
	j := deriv(deriv(deriv(vector)))

	norms := make([]float64, len(j))
	for i, row := range j {
		norms[i] = floats.Norm(row, 2)
	}
	if len(norms) == 0 {
		return nanJerk
	}
	return jerkStats{
		Mean: stat.Mean(norms, nil),
		Max:  floats.Max(norms),
		P95:  quantile(norms, 0.95),
	}
}

// nanCounts counts NaN values per column, including inside list cells.
func nanCounts(t *episodeTable) map[string]int {
	out := make(map[string]int, len(t.columns))
	for name, c := range t.columns {
		n := 0
		for _, cell := range c.cells {
			for _, v := range cell {
				if math.IsNaN(v) {
					n++
				}
			}
		}
		out[name] = n
	}
	return out
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// nullable maps NaN to nil so results serialize as JSON null.
func nullable(x float64) any {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return nil
	}
	return x
}
