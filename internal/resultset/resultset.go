// Package resultset holds materialized relational rows produced from store responses.
package resultset

import (
	"sort"

	"github.com/essql/essql/internal/having"
	"github.com/essql/essql/internal/schema"
)

// ResultSet is an ordered sequence of rows positioned by the column indices of its heading.
// A cell may hold a nested *ResultSet until it is exploded or the set is closed.
type ResultSet struct {
	heading *schema.Heading
	rows    [][]any
	total   int64
	offset  int64
	frozen  bool
	closed  bool
}

// SortKey orders rows by one column.
type SortKey struct {
	Column *schema.Column
	Desc   bool
}

func New(heading *schema.Heading) *ResultSet {
	return &ResultSet{heading: heading}
}

func (r *ResultSet) Heading() *schema.Heading {
	return r.heading
}

// NewRow returns an empty row sized to the current heading.
func (r *ResultSet) NewRow() []any {
	return make([]any, r.heading.Len())
}

func (r *ResultSet) Append(row []any) {
	if r.frozen {
		panic("resultset: append to frozen result set")
	}
	r.rows = append(r.rows, row)
}

func (r *ResultSet) Len() int {
	return len(r.rows)
}

// Row returns row i padded to the heading width.
func (r *ResultSet) Row(i int) []any {
	r.rows[i] = pad(r.rows[i], r.heading.Len())
	return r.rows[i]
}

// Rows returns every row padded to the heading width.
func (r *ResultSet) Rows() [][]any {
	width := r.heading.Len()
	for i := range r.rows {
		r.rows[i] = pad(r.rows[i], width)
	}
	return r.rows
}

// SetRows replaces the rows. Nested sets held by dropped rows are not released.
func (r *ResultSet) SetRows(rows [][]any) {
	r.rows = rows
}

// Value returns the cell of row i in the column labelled label.
func (r *ResultSet) Value(i int, label string) (any, bool) {
	col, ok := r.heading.ByLabel(label)
	if !ok {
		return nil, false
	}
	row := r.Row(i)
	return row[col.Index()], true
}

func (r *ResultSet) Total() int64 {
	return r.total
}

func (r *ResultSet) SetTotal(total int64) {
	r.total = total
}

// Offset is the number of rows delivered by earlier windows of the same query.
func (r *ResultSet) Offset() int64 {
	return r.offset
}

func (r *ResultSet) SetOffset(offset int64) {
	r.offset = offset
}

// FilterHaving keeps the rows matching cond.
func (r *ResultSet) FilterHaving(cond having.Condition) {
	if cond == nil {
		return
	}
	kept := r.rows[:0]
	for _, row := range r.Rows() {
		if cond.Matches(row) {
			kept = append(kept, row)
		}
	}
	for i := len(kept); i < len(r.rows); i++ {
		r.rows[i] = nil
	}
	r.rows = kept
}

// OrderBy sorts rows stably. Nulls sort first ascending and last descending.
func (r *ResultSet) OrderBy(keys []SortKey) {
	if len(keys) == 0 {
		return
	}
	rows := r.Rows()
	sort.SliceStable(rows, func(i, j int) bool {
		for _, key := range keys {
			idx := key.Column.Index()
			c := schema.Compare(rows[i][idx], rows[j][idx])
			if c == 0 {
				continue
			}
			if key.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// Limit truncates to the first n rows. n < 0 keeps every row.
func (r *ResultSet) Limit(n int) {
	if n < 0 || n >= len(r.rows) {
		return
	}
	for i := n; i < len(r.rows); i++ {
		release(r.rows[i])
		r.rows[i] = nil
	}
	r.rows = r.rows[:n]
}

// ExecuteComputations fills every calculated column. Cells without a value become nil.
func (r *ResultSet) ExecuteComputations() {
	var calculated []*schema.Column
	for _, col := range r.heading.Columns() {
		if col.Calc != nil {
			calculated = append(calculated, col)
		}
	}
	if len(calculated) == 0 {
		return
	}
	for _, row := range r.Rows() {
		for _, col := range calculated {
			if v, ok := col.Calc.Evaluate(row); ok {
				row[col.Index()] = v
			} else {
				row[col.Index()] = nil
			}
		}
	}
}

// Freeze returns a read-only copy with a frozen heading. Nested cells are not copied.
func (r *ResultSet) Freeze() *ResultSet {
	heading := r.heading.Freeze()
	rows := make([][]any, len(r.rows))
	for i, row := range r.Rows() {
		rows[i] = append([]any(nil), row...)
	}
	return &ResultSet{heading: heading, rows: rows, total: r.total, offset: r.offset, frozen: true}
}

// Visible projects the rows onto the visible columns.
func (r *ResultSet) Visible() ([]*schema.Column, [][]any) {
	cols := r.heading.Visible()
	out := make([][]any, 0, len(r.rows))
	for _, row := range r.Rows() {
		projected := make([]any, len(cols))
		for i, col := range cols {
			projected[i] = row[col.Index()]
		}
		out = append(out, projected)
	}
	return cols, out
}

// Close releases the rows and every nested result set they still hold. It is safe to call more than once.
func (r *ResultSet) Close() {
	if r.closed {
		return
	}
	r.closed = true
	for _, row := range r.rows {
		release(row)
	}
	r.rows = nil
}

func (r *ResultSet) Closed() bool {
	return r.closed
}

func release(row []any) {
	for i, cell := range row {
		if nested, ok := cell.(*ResultSet); ok {
			nested.Close()
			row[i] = nil
		}
	}
}

func pad(row []any, width int) []any {
	if len(row) >= width {
		return row
	}
	out := make([]any, width)
	copy(out, row)
	return out
}
