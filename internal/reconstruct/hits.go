// Package reconstruct converts store responses into relational rows.
package reconstruct

import (
	"encoding/json"
	"strings"
	"time"

	elastic "github.com/olivere/elastic/v7"

	"github.com/essql/essql/internal/qerr"
	"github.com/essql/essql/internal/resultset"
	"github.com/essql/essql/internal/schema"
)

type HitOptions struct {
	// Lateral explodes nested objects into additional rows and dotted columns.
	Lateral bool
	// FieldTypes are known types by full document path. They take precedence over inferred types.
	FieldTypes map[string]schema.Type
}

// Hits appends the rows of one page of hits to rs. It returns the number of rows appended,
// which exceeds len(hits) when nested arrays explode.
func Hits(rs *resultset.ResultSet, hits []*elastic.SearchHit, opts HitOptions) (int, error) {
	p := &hitParser{idx: buildPathIndex(rs.Heading()), opts: opts}
	before := rs.Len()
	for _, hit := range hits {
		if hit == nil {
			continue
		}
		doc, err := decodeSource(hit.Source)
		if err != nil {
			return rs.Len() - before, qerr.Execution("malformed hit "+hit.Id, err)
		}
		p.parse(rs, doc, hit, "", opts.Lateral)
	}
	p.finishPage(rs.Heading())
	return rs.Len() - before, nil
}

type hitParser struct {
	idx  pathIndex
	opts HitOptions
}

func (p *hitParser) parse(rs *resultset.ResultSet, doc object, hit *elastic.SearchHit, parent string, explode bool) {
	h := rs.Heading()
	row := &rowBuilder{cells: rs.NewRow()}
	if hit != nil {
		p.identity(h, row, hit)
	}

	for _, f := range doc {
		key := f.key
		fullKey := join(parent, key)
		if !h.Wildcard() {
			canonical, ok := p.idx.resolve(fullKey)
			if !ok {
				continue
			}
			if canonical != fullKey {
				fullKey = canonical
				key = canonical[strings.LastIndex(canonical, ".")+1:]
			}
		}

		switch v := f.value.(type) {
		case object:
			p.nested(h, row, key, fullKey, explode, false, []object{v})
		case []any:
			p.list(h, row, key, fullKey, explode, v)
		default:
			p.scalar(h, row, key, fullKey, v)
		}
	}

	if explode {
		for _, exploded := range explodeRow(h, row.cells, p.opts.FieldTypes, parent) {
			rs.Append(exploded)
		}
		return
	}
	rs.Append(row.cells)
}

func (p *hitParser) identity(h *schema.Heading, row *rowBuilder, hit *elastic.SearchHit) {
	place := func(label, value string) {
		if value == "" {
			return
		}
		col, ok := h.ByLabel(label)
		if !ok {
			if !h.Wildcard() {
				return
			}
			col = h.Add(schema.NewColumn(label).WithType(schema.TypeVarchar))
		}
		row.set(col.Index(), value)
	}
	place(schema.LabelID, hit.Id)
	place(schema.LabelIndex, hit.Index)
	place(schema.LabelType, hit.Type)

	if col, ok := h.ByLabel(schema.LabelScore); ok && hit.Score != nil {
		if col.Type == schema.TypeUnknown {
			col.Type = schema.TypeDouble
		}
		row.set(col.Index(), *hit.Score)
	}

	for name, fragments := range hit.Highlight {
		col, ok := h.ByNameAndOp(name, schema.OpHighlight)
		if !ok {
			continue
		}
		col.Type = schema.TypeArray
		values := make([]any, len(fragments))
		for i, fragment := range fragments {
			values[i] = fragment
		}
		row.set(col.Index(), values)
	}
}

func (p *hitParser) list(h *schema.Heading, row *rowBuilder, key, fullKey string, explode bool, list []any) {
	if len(list) == 0 {
		if h.Wildcard() && lookup(h, key) == nil {
			h.Add(schema.NewColumn(key).WithType(p.fieldType(fullKey, schema.TypeArray)))
		}
		return
	}
	if objects, ok := objectList(list); ok {
		p.nested(h, row, key, fullKey, explode, true, objects)
		return
	}

	col := lookup(h, key)
	if col == nil {
		if !h.Wildcard() {
			return
		}
		col = h.Add(schema.NewColumn(key))
	}
	col.Type = schema.TypeArray
	row.set(col.Index(), plain(list))
}

func (p *hitParser) scalar(h *schema.Heading, row *rowBuilder, key, fullKey string, value any) {
	col := lookup(h, key)
	if col == nil {
		if !h.Wildcard() {
			return
		}
		col = h.Add(schema.NewColumn(key).WithType(p.fieldType(fullKey, inferType(value))))
	} else if col.Type == schema.TypeUnknown {
		col.Type = p.fieldType(fullKey, inferType(value))
	}
	row.set(col.Index(), coerce(value, col.Type))
}

// nested parses objects into a result set scoped to fullKey and stores it in the holder column.
// Holders that are not exploded receive the plain objects instead.
func (p *hitParser) nested(h *schema.Heading, row *rowBuilder, key, fullKey string, explode, isList bool, objects []object) {
	col := lookup(h, key)
	if col == nil {
		col = schema.NewColumn(key).WithType(schema.TypeObject)
		if !h.Wildcard() {
			// a fixed projection reads only its selected paths below the holder
			col.WithStructural()
		}
		h.Add(col)
	}
	lateral := explode && (col.Visible || col.Placeholder())

	nested := resultset.New(p.idx.heading(fullKey))
	for _, obj := range objects {
		p.parse(nested, obj, nil, fullKey, lateral)
	}
	nested.SetTotal(int64(nested.Len()))

	if lateral {
		row.set(col.Index(), nested)
		return
	}
	if isList {
		col.Type = schema.TypeArray
	}
	row.set(col.Index(), flatten(nested, isList))
	nested.Close()
}

// finishPage hides structural columns once every hit of a page is parsed.
func (p *hitParser) finishPage(h *schema.Heading) {
	for _, col := range h.Columns() {
		if p.opts.Lateral {
			if !col.Placeholder() && h.HasLabelPrefix(col.Name+".") {
				h.MarkPlaceholder(col)
			}
			continue
		}
		if col.Nested() {
			col.Visible = false
		}
	}
}

func (p *hitParser) fieldType(fullKey string, inferred schema.Type) schema.Type {
	if t, ok := p.opts.FieldTypes[fullKey]; ok && t != schema.TypeUnknown {
		return t
	}
	return inferred
}

// objectList returns list as objects when every element is one. Mixed arrays stay plain arrays.
func objectList(list []any) ([]object, bool) {
	objects := make([]object, 0, len(list))
	for _, item := range list {
		obj, ok := item.(object)
		if !ok {
			return nil, false
		}
		objects = append(objects, obj)
	}
	return objects, true
}

// flatten renders a nested result set as plain maps keyed by label.
func flatten(rs *resultset.ResultSet, isList bool) any {
	cols := rs.Heading().Columns()
	items := make([]any, 0, rs.Len())
	for _, row := range rs.Rows() {
		item := make(map[string]any, len(cols))
		for _, col := range cols {
			if v := row[col.Index()]; v != nil {
				item[col.Label()] = v
			}
		}
		items = append(items, item)
	}
	if !isList && len(items) == 1 {
		return items[0]
	}
	return items
}

// lookup finds the column a document field is read into: by label, then by path.
func lookup(h *schema.Heading, key string) *schema.Column {
	if col, ok := h.ByLabel(key); ok && col.Op == schema.OpPlain && col.Calc == nil {
		return col
	}
	if col, ok := h.ByNameAndOp(key, schema.OpPlain); ok && col.Calc == nil {
		return col
	}
	return nil
}

func inferType(value any) schema.Type {
	return schema.TypeOf(value)
}

// coerce converts a decoded scalar to the Go value for column type t.
func coerce(value any, t schema.Type) any {
	if n, ok := value.(json.Number); ok {
		value = number(n)
	}
	switch t {
	case schema.TypeFloat, schema.TypeDouble:
		if i, ok := value.(int64); ok {
			return float64(i)
		}
	case schema.TypeInteger, schema.TypeBigint:
		if f, ok := value.(float64); ok && f == float64(int64(f)) {
			return int64(f)
		}
	case schema.TypeTimestamp:
		switch v := value.(type) {
		case int64:
			return time.UnixMilli(v).UTC()
		case string:
			for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
				if ts, err := time.Parse(layout, v); err == nil {
					return ts.UTC()
				}
			}
		}
	}
	return value
}

func join(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

// rowBuilder grows a row as columns are appended to a wildcard heading.
type rowBuilder struct {
	cells []any
}

func (r *rowBuilder) set(index int, value any) {
	if index >= len(r.cells) {
		grown := make([]any, index+1)
		copy(grown, r.cells)
		r.cells = grown
	}
	r.cells[index] = value
}
