package reconstruct

import (
	"github.com/essql/essql/internal/resultset"
	"github.com/essql/essql/internal/schema"
)

// explodeRow expands every nested result set held by row into one row per nested row. Several
// nested columns compose as a cartesian product. Nested cells are cleared and released afterwards.
func explodeRow(h *schema.Heading, row []any, types map[string]schema.Type, path string) [][]any {
	rows := [][]any{row}
	for i := 0; i < h.Len(); i++ {
		col := h.Column(i)
		if !col.Visible && !col.Placeholder() {
			continue
		}
		if i >= len(rows[0]) {
			continue
		}
		nested, ok := rows[0][i].(*resultset.ResultSet)
		if !ok {
			continue
		}

		count := nested.Len()
		if count == 0 {
			clearCell(rows, i)
			nested.Close()
			continue
		}

		targets := destinations(h, col, nested.Heading(), types, path)
		out := make([][]any, 0, len(rows)*count)
		for k := 0; k < count; k++ {
			source := nested.Row(k)
			for _, base := range rows {
				dst := make([]any, h.Len())
				copy(dst, base)
				for j, nc := range nested.Heading().Columns() {
					dst[targets[j].Index()] = source[nc.Index()]
				}
				dst[i] = nil
				out = append(out, dst)
			}
		}
		rows = out
		nested.Close()
	}
	return rows
}

// destinations resolves the dotted parent columns receiving the values of every nested column.
func destinations(h *schema.Heading, holder *schema.Column, nested *schema.Heading, types map[string]schema.Type, path string) []*schema.Column {
	cols := nested.Columns()
	targets := make([]*schema.Column, len(cols))
	for j, nc := range cols {
		name := holder.Name + "." + nc.Name
		dst := lookup(h, name)
		if dst == nil {
			t := nc.Type
			if known, ok := types[join(path, name)]; ok && known != schema.TypeUnknown {
				t = known
			}
			dst = schema.NewColumn(name).WithAlias(nc.Alias).WithType(t).WithVisible(nc.Visible)
			if !h.Wildcard() {
				dst.WithStructural()
			}
			h.Add(dst)
		} else if dst.Type == schema.TypeUnknown {
			dst.Type = nc.Type
		}
		targets[j] = dst
	}
	return targets
}

func clearCell(rows [][]any, i int) {
	for _, row := range rows {
		if i < len(row) {
			row[i] = nil
		}
	}
}
