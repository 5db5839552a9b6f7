package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	elastic "github.com/olivere/elastic/v7"

	"github.com/essql/essql/internal/catalog"
	"github.com/essql/essql/internal/having"
	"github.com/essql/essql/internal/qerr"
	"github.com/essql/essql/internal/schema"
)

// defaultBucketSize bounds terms aggregations that do not set a size.
const defaultBucketSize = 10000

var documentJSON = jsoniter.Config{
	EscapeHTML:            true,
	UseNumber:             true,
	DisallowUnknownFields: true,
}.Froze()

// Document is the JSON form of an already parsed SELECT statement.
type Document struct {
	From         []SourceDocument      `json:"from"`
	Select       []ColumnDocument      `json:"select"`
	Where        json.RawMessage       `json:"where,omitempty"`
	Aggregations []AggregationDocument `json:"aggregations,omitempty"`
	Having       *HavingDocument       `json:"having,omitempty"`
	OrderBy      []OrderDocument       `json:"order_by,omitempty"`
	Limit        *int                  `json:"limit,omitempty"`
	Score        bool                  `json:"score,omitempty"`
	Cache        bool                  `json:"cache,omitempty"`
}

// SourceDocument is either a bare index name or an object with index and type.
type SourceDocument struct {
	Index string `json:"index"`
	Type  string `json:"type,omitempty"`
}

func (s *SourceDocument) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		s.Index = name
		return nil
	}
	type plain SourceDocument
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = SourceDocument(p)
	return nil
}

type ColumnDocument struct {
	Field   string        `json:"field"`
	Alias   string        `json:"alias,omitempty"`
	Op      string        `json:"op,omitempty"`
	Type    string        `json:"type,omitempty"`
	Visible *bool         `json:"visible,omitempty"`
	Calc    *CalcDocument `json:"calc,omitempty"`
}

// CalcDocument is one node of a computed column: a column reference, a literal, or a binary operation.
type CalcDocument struct {
	Column string        `json:"column,omitempty"`
	Negate bool          `json:"negate,omitempty"`
	Value  *float64      `json:"value,omitempty"`
	Op     string        `json:"op,omitempty"`
	Left   *CalcDocument `json:"left,omitempty"`
	Right  *CalcDocument `json:"right,omitempty"`
}

type AggregationDocument struct {
	Name             string                `json:"name"`
	Kind             string                `json:"kind"`
	Field            string                `json:"field,omitempty"`
	Size             int                   `json:"size,omitempty"`
	Interval         float64               `json:"interval,omitempty"`
	CalendarInterval string                `json:"calendar_interval,omitempty"`
	Percent          float64               `json:"percent,omitempty"`
	Filter           json.RawMessage       `json:"filter,omitempty"`
	Body             json.RawMessage       `json:"body,omitempty"`
	Children         []AggregationDocument `json:"children,omitempty"`
}

// HavingDocument holds exactly one of And, Or, Not, or a comparison (Op, Left, Right).
type HavingDocument struct {
	And   []HavingDocument `json:"and,omitempty"`
	Or    []HavingDocument `json:"or,omitempty"`
	Not   *HavingDocument  `json:"not,omitempty"`
	Op    string           `json:"op,omitempty"`
	Left  string           `json:"left,omitempty"`
	Right json.RawMessage  `json:"right,omitempty"`
}

type OrderDocument struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// DocumentParser parses statements given as JSON plan documents.
type DocumentParser struct{}

var _ Parser = DocumentParser{}

func (DocumentParser) Parse(ctx context.Context, statement string, opts ParseOptions) (ParseResult, error) {
	var doc Document
	if err := documentJSON.UnmarshalFromString(statement, &doc); err != nil {
		return ParseResult{}, qerr.Compile(fragment(statement), "invalid plan document: %v", err)
	}
	return doc.Resolve(ctx, opts)
}

// Resolve converts the document into a ParseResult.
func (d Document) Resolve(ctx context.Context, opts ParseOptions) (ParseResult, error) {
	result := ParseResult{
		Limit:        -1,
		RequestScore: d.Score,
		UseCache:     d.Cache,
	}
	if d.Limit != nil {
		if *d.Limit < 0 {
			return ParseResult{}, qerr.Compile(fmt.Sprint(*d.Limit), "limit must not be negative")
		}
		result.Limit = *d.Limit
	}

	for _, src := range d.From {
		index := strings.TrimSpace(src.Index)
		if index == "" {
			return ParseResult{}, qerr.Compile("from", "source index is required")
		}
		result.Sources = append(result.Sources, QuerySource{Index: index, Type: strings.TrimSpace(src.Type)})
	}

	heading, err := d.heading(ctx, result.Sources, opts.Schema)
	if err != nil {
		return ParseResult{}, err
	}
	result.Heading = heading

	if len(d.Where) > 0 && string(d.Where) != "null" {
		result.Query = elastic.NewRawStringQuery(string(d.Where))
	}

	bucketSize := defaultBucketSize
	if opts.MaxRows > 0 && opts.MaxRows < bucketSize {
		bucketSize = opts.MaxRows
	}
	for _, raw := range d.Aggregations {
		agg, err := raw.resolve(bucketSize)
		if err != nil {
			return ParseResult{}, err
		}
		result.Aggregations = append(result.Aggregations, agg)
	}

	if d.Having != nil {
		expr, err := d.Having.resolve()
		if err != nil {
			return ParseResult{}, err
		}
		result.Having = expr
	}

	for _, order := range d.OrderBy {
		field := strings.TrimSpace(order.Field)
		if field == "" {
			return ParseResult{}, qerr.Compile("order_by", "sort field is required")
		}
		result.Sorts = append(result.Sorts, OrderBy{Field: field, Desc: order.Desc})
	}
	return result, nil
}

func (d Document) heading(ctx context.Context, sources []QuerySource, info catalog.SchemaInfo) (*schema.Heading, error) {
	heading := schema.NewHeading()
	if len(d.Select) == 0 {
		heading.SetWildcard(true)
	}

	var known map[string]schema.Type
	if info != nil && len(sources) > 0 {
		fields, err := info.FieldTypes(ctx, sources[0].Index)
		switch {
		case errors.Is(err, catalog.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("resolve field types: %w", err)
		default:
			known = fields
		}
	}

	pending := make(map[*schema.Column]*CalcDocument)
	for _, c := range d.Select {
		field := strings.TrimSpace(c.Field)
		op, err := parseOperation(c.Op)
		if err != nil {
			return nil, err
		}
		if field == "*" && op == schema.OpPlain && c.Alias == "" {
			heading.SetWildcard(true)
			continue
		}
		if field == "" && c.Calc == nil {
			return nil, qerr.Compile(c.Alias, "column field is required")
		}
		col := schema.NewColumn(field).WithAlias(strings.TrimSpace(c.Alias)).WithOp(op)
		if col.Label() == "" {
			return nil, qerr.Compile("select", "computed column requires an alias")
		}
		if c.Type != "" {
			t := schema.ParseType(c.Type)
			if t == schema.TypeUnknown {
				return nil, qerr.Compile(c.Type, "unknown column type")
			}
			col.Type = t
		} else if t, ok := known[field]; ok && op == schema.OpPlain {
			col.Type = t
		}
		if c.Visible != nil {
			col.Visible = *c.Visible
		}
		heading.Add(col)
		if c.Calc != nil {
			pending[col] = c.Calc
		}
	}

	for col, calc := range pending {
		resolved, err := calc.resolve(heading)
		if err != nil {
			return nil, err
		}
		col.Calc = resolved
		if col.Type == schema.TypeUnknown {
			col.Type = schema.TypeDouble
		}
	}
	return heading, nil
}

func parseOperation(raw string) (schema.Operation, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "plain":
		return schema.OpPlain, nil
	case "count":
		return schema.OpCount, nil
	case "count_distinct":
		return schema.OpCountDistinct, nil
	case "sum":
		return schema.OpSum, nil
	case "avg":
		return schema.OpAvg, nil
	case "min":
		return schema.OpMin, nil
	case "max":
		return schema.OpMax, nil
	case "highlight":
		return schema.OpHighlight, nil
	}
	return "", qerr.Compile(raw, "unsupported column operation")
}

func (c *CalcDocument) resolve(heading *schema.Heading) (schema.Calculation, error) {
	switch {
	case c.Op != "":
		if len(c.Op) != 1 || !strings.Contains("+-*/", c.Op) {
			return nil, qerr.Compile(c.Op, "unsupported arithmetic operator")
		}
		if c.Left == nil || c.Right == nil {
			return nil, qerr.Compile(c.Op, "arithmetic requires two operands")
		}
		left, err := c.Left.resolve(heading)
		if err != nil {
			return nil, err
		}
		right, err := c.Right.resolve(heading)
		if err != nil {
			return nil, err
		}
		return schema.Arithmetic{Op: c.Op[0], Left: left, Right: right}, nil
	case c.Column != "":
		col, ok := heading.ByLabel(c.Column)
		if !ok {
			return nil, qerr.Compile(c.Column, "calculation reference not found in SELECT clause")
		}
		return schema.Ref{Column: col, Negate: c.Negate}, nil
	case c.Value != nil:
		v := *c.Value
		if c.Negate {
			v = -v
		}
		return schema.Value(v), nil
	}
	return nil, qerr.Compile("calc", "empty calculation")
}

func (a AggregationDocument) resolve(bucketSize int) (*Aggregation, error) {
	name := strings.TrimSpace(a.Name)
	if name == "" {
		return nil, qerr.Compile(a.Field, "aggregation name is required")
	}
	agg := &Aggregation{
		Name:             name,
		Kind:             AggregationKind(strings.ToLower(strings.TrimSpace(a.Kind))),
		Field:            strings.TrimSpace(a.Field),
		Size:             a.Size,
		Interval:         a.Interval,
		CalendarInterval: a.CalendarInterval,
		Percent:          a.Percent,
	}
	if !agg.Grouping() && !agg.Metric() && agg.Kind != KindFilter {
		return nil, qerr.Compile(name, "unsupported aggregation type %q", a.Kind)
	}

	switch agg.Kind {
	case KindTerms:
		if agg.Size <= 0 {
			agg.Size = bucketSize
		}
	case KindHistogram:
		if agg.Interval <= 0 {
			return nil, qerr.Compile(name, "histogram interval must be positive")
		}
	case KindDateHistogram:
		if agg.CalendarInterval == "" {
			return nil, qerr.Compile(name, "date histogram requires a calendar interval")
		}
	case KindFilter:
		if len(a.Filter) == 0 {
			return nil, qerr.Compile(name, "filter aggregation requires a filter")
		}
		agg.Filter = elastic.NewRawStringQuery(string(a.Filter))
	case KindPercentiles:
		if agg.Percent <= 0 || agg.Percent > 100 {
			return nil, qerr.Compile(name, "percent must be in (0, 100]")
		}
	case KindSingleValue:
		if len(a.Body) == 0 {
			return nil, qerr.Compile(name, "single value aggregation requires a body")
		}
		agg.Body = RawAggregation(a.Body)
	}
	if agg.Field == "" && agg.Kind != KindFilter && agg.Kind != KindSingleValue {
		return nil, qerr.Compile(name, "aggregation field is required")
	}

	if agg.Metric() && len(a.Children) > 0 {
		return nil, qerr.Compile(name, "metric aggregation cannot have children")
	}
	for _, child := range a.Children {
		resolved, err := child.resolve(bucketSize)
		if err != nil {
			return nil, err
		}
		agg.Children = append(agg.Children, resolved)
	}
	return agg, nil
}

func (h HavingDocument) resolve() (having.Expr, error) {
	switch {
	case len(h.And) > 0:
		return foldLogical(true, h.And)
	case len(h.Or) > 0:
		return foldLogical(false, h.Or)
	case h.Not != nil:
		inner, err := h.Not.resolve()
		if err != nil {
			return nil, err
		}
		return having.Not{Expr: inner}, nil
	}

	op, ok := having.ParseOperator(h.Op)
	if !ok {
		return nil, qerr.Compile(h.Op, "unsupported having operator")
	}
	if strings.TrimSpace(h.Left) == "" {
		return nil, qerr.Compile(h.Op, "having comparison requires a left column")
	}
	right, err := havingOperand(h.Right)
	if err != nil {
		return nil, err
	}
	return having.Comparison{Op: op, Left: having.ColumnRef{Name: strings.TrimSpace(h.Left)}, Right: right}, nil
}

func foldLogical(and bool, nodes []HavingDocument) (having.Expr, error) {
	var out having.Expr
	for _, node := range nodes {
		expr, err := node.resolve()
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = expr
			continue
		}
		out = having.Logical{And: and, Left: out, Right: expr}
	}
	return out, nil
}

// havingOperand decodes {"column": "x"} as a column reference and anything else as a literal.
func havingOperand(raw json.RawMessage) (having.Expr, error) {
	if len(raw) == 0 {
		return nil, qerr.Compile("having", "having comparison requires a right operand")
	}
	var ref struct {
		Column string `json:"column"`
	}
	if err := json.Unmarshal(raw, &ref); err == nil && ref.Column != "" {
		return having.ColumnRef{Name: ref.Column}, nil
	}

	var value any
	if err := documentJSON.Unmarshal(raw, &value); err != nil {
		return nil, qerr.Compile(string(raw), "invalid having literal: %v", err)
	}
	switch v := value.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return having.Literal{Value: i}, nil
		}
		f, err := v.Float64()
		if err != nil {
			return nil, qerr.Compile(v.String(), "invalid having number")
		}
		return having.Literal{Value: f}, nil
	case string, bool:
		return having.Literal{Value: v}, nil
	}
	return nil, qerr.Compile(string(raw), "unable to get value from literal")
}

func fragment(statement string) string {
	const maxFragment = 64
	s := strings.TrimSpace(statement)
	if len(s) > maxFragment {
		return s[:maxFragment] + "..."
	}
	return s
}
