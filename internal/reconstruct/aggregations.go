package reconstruct

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"time"

	elastic "github.com/olivere/elastic/v7"

	"github.com/essql/essql/internal/having"
	"github.com/essql/essql/internal/plan"
	"github.com/essql/essql/internal/qerr"
	"github.com/essql/essql/internal/resultset"
	"github.com/essql/essql/internal/schema"
)

type AggregationOptions struct {
	Aggregations []*plan.Aggregation
	Having       having.Condition
	Sorts        []plan.OrderBy
	// Limit truncates the surviving rows, -1 keeps all of them.
	Limit int
}

// Aggregations converts the bucket tree of resp into rows of rs, then applies calculated
// columns, HAVING, ORDER BY and LIMIT. It returns qerr.ErrNoRows when the tree yields no rows.
func Aggregations(rs *resultset.ResultSet, resp elastic.Aggregations, opts AggregationOptions) error {
	w := &aggWalker{rs: rs, heading: rs.Heading()}
	for _, agg := range opts.Aggregations {
		if err := w.top(agg, resp); err != nil {
			return err
		}
	}
	if rs.Len() == 0 {
		return qerr.ErrNoRows
	}

	keys := make([]resultset.SortKey, 0, len(opts.Sorts))
	for _, sort := range opts.Sorts {
		col, ok := rs.Heading().ByLabel(sort.Field)
		if !ok {
			return qerr.Reconstruction(sort.Field, "order by reference not found in SELECT clause")
		}
		keys = append(keys, resultset.SortKey{Column: col, Desc: sort.Desc})
	}

	rs.ExecuteComputations()
	rs.FilterHaving(opts.Having)
	rs.SetTotal(int64(rs.Len()))
	rs.OrderBy(keys)
	rs.Limit(opts.Limit)
	return nil
}

type aggWalker struct {
	rs      *resultset.ResultSet
	heading *schema.Heading
}

func (w *aggWalker) top(agg *plan.Aggregation, resp elastic.Aggregations) error {
	switch {
	case agg.Grouping():
		return w.grouping(agg, resp, w.rs.NewRow())
	case agg.Kind == plan.KindFilter:
		return w.filter(agg, resp)
	case agg.Kind == plan.KindCardinality:
		row := w.rs.NewRow()
		if err := w.metric(agg, resp, row); err != nil {
			return err
		}
		w.rs.Append(row)
		return nil
	}
	return qerr.Reconstruction(agg.Name, "unsupported aggregation type %q", agg.Kind)
}

// bucket is the common view of terms, histogram and date histogram buckets.
type bucket struct {
	key      any
	keyType  schema.Type
	docCount int64
	sub      elastic.Aggregations
}

func (w *aggWalker) buckets(agg *plan.Aggregation, resp elastic.Aggregations) ([]bucket, error) {
	switch agg.Kind {
	case plan.KindTerms:
		terms, ok := resp.Terms(agg.Name)
		if !ok {
			return nil, qerr.Reconstruction(agg.Name, "aggregation missing from response")
		}
		out := make([]bucket, 0, len(terms.Buckets))
		for _, item := range terms.Buckets {
			b := bucket{docCount: item.DocCount, sub: item.Aggregations}
			switch key := item.Key.(type) {
			case string:
				b.key, b.keyType = key, schema.TypeVarchar
			default:
				b.key = number(item.KeyNumber)
				b.keyType = schema.TypeOf(b.key)
			}
			out = append(out, b)
		}
		return out, nil
	case plan.KindHistogram, plan.KindDateHistogram:
		var (
			hist *elastic.AggregationBucketHistogramItems
			ok   bool
		)
		if agg.Kind == plan.KindHistogram {
			hist, ok = resp.Histogram(agg.Name)
		} else {
			hist, ok = resp.DateHistogram(agg.Name)
		}
		if !ok {
			return nil, qerr.Reconstruction(agg.Name, "aggregation missing from response")
		}
		out := make([]bucket, 0, len(hist.Buckets))
		for _, item := range hist.Buckets {
			b := bucket{docCount: item.DocCount, sub: item.Aggregations}
			switch {
			case agg.Kind == plan.KindDateHistogram:
				b.key, b.keyType = time.UnixMilli(int64(item.Key)).UTC(), schema.TypeTimestamp
			case item.Key == math.Trunc(item.Key):
				b.key, b.keyType = int64(item.Key), schema.TypeBigint
			default:
				b.key, b.keyType = item.Key, schema.TypeDouble
			}
			out = append(out, b)
		}
		return out, nil
	}
	return nil, qerr.Reconstruction(agg.Name, "unsupported aggregation type %q", agg.Kind)
}

// grouping walks the buckets of agg depth first. base is never mutated; every bucket works on its own copy.
func (w *aggWalker) grouping(agg *plan.Aggregation, resp elastic.Aggregations, base []any) error {
	col, ok := w.heading.ByLabel(agg.Name)
	if !ok {
		return qerr.Reconstruction(agg.Name, "unable to identify column for aggregation")
	}
	buckets, err := w.buckets(agg, resp)
	if err != nil {
		return err
	}
	count, hasCount := w.heading.LastWithOp(schema.OpCount)
	if hasCount && hasChildNamed(agg, count.Label()) {
		hasCount = false
	}
	if hasCount && count.Type == schema.TypeUnknown {
		count.Type = schema.TypeBigint
	}

	for _, b := range buckets {
		row := clone(base, w.heading.Len())
		col.Type = b.keyType
		row[col.Index()] = b.key
		if hasCount {
			row[count.Index()] = b.docCount
		}

		metrics, groups := 0, 0
		for _, child := range agg.Children {
			if child.Metric() {
				if err := w.metric(child, b.sub, row); err != nil {
					return err
				}
				metrics++
			}
		}
		for _, child := range agg.Children {
			switch {
			case child.Grouping():
				if err := w.grouping(child, b.sub, row); err != nil {
					return err
				}
				groups++
			case !child.Metric():
				return qerr.Reconstruction(child.Name, "unsupported aggregation type %q", child.Kind)
			}
		}
		if metrics > 0 || groups == 0 {
			w.rs.Append(row)
		}
	}
	return nil
}

// filter produces the single row of an ungrouped aggregation.
func (w *aggWalker) filter(agg *plan.Aggregation, resp elastic.Aggregations) error {
	single, ok := resp.Filter(agg.Name)
	if !ok {
		return qerr.Reconstruction(agg.Name, "aggregation missing from response")
	}
	row := w.rs.NewRow()
	if count, ok := w.heading.LastWithOp(schema.OpCount); ok && !hasChildNamed(agg, count.Label()) {
		if count.Type == schema.TypeUnknown {
			count.Type = schema.TypeBigint
		}
		row[count.Index()] = single.DocCount
	}
	for _, child := range agg.Children {
		if !child.Metric() {
			return qerr.Reconstruction(child.Name, "unable to parse aggregation of type %q", child.Kind)
		}
		if err := w.metric(child, single.Aggregations, row); err != nil {
			return err
		}
	}
	w.rs.Append(row)
	return nil
}

// metric places the value of a single value metric into row.
func (w *aggWalker) metric(agg *plan.Aggregation, resp elastic.Aggregations, row []any) error {
	col, ok := w.heading.ByLabel(agg.Name)
	if !ok {
		return qerr.Reconstruction(agg.Name, "unable to identify column for aggregation")
	}

	var (
		value   any
		valueOf = schema.TypeDouble
		found   bool
	)
	switch agg.Kind {
	case plan.KindAvg, plan.KindMin, plan.KindMax, plan.KindSum, plan.KindValueCount, plan.KindCardinality:
		var m *elastic.AggregationValueMetric
		switch agg.Kind {
		case plan.KindAvg:
			m, found = resp.Avg(agg.Name)
		case plan.KindMin:
			m, found = resp.Min(agg.Name)
		case plan.KindMax:
			m, found = resp.Max(agg.Name)
		case plan.KindSum:
			m, found = resp.Sum(agg.Name)
		case plan.KindValueCount:
			m, found = resp.ValueCount(agg.Name)
		case plan.KindCardinality:
			m, found = resp.Cardinality(agg.Name)
		}
		if found && m.Value != nil {
			value = *m.Value
			if agg.Kind == plan.KindValueCount || agg.Kind == plan.KindCardinality {
				value, valueOf = int64(*m.Value), schema.TypeBigint
			}
		}
	case plan.KindPercentiles:
		var p *elastic.AggregationPercentilesMetric
		p, found = resp.Percentiles(agg.Name)
		if found {
			if v, ok := percentile(p.Values, agg.Percent); ok {
				value = v
			}
		}
	case plan.KindSingleValue:
		var err error
		value, valueOf, found, err = singleValue(resp, agg.Name)
		if err != nil {
			return err
		}
	default:
		return qerr.Reconstruction(agg.Name, "unsupported metric type %q", agg.Kind)
	}
	if !found {
		return qerr.Reconstruction(agg.Name, "aggregation missing from response")
	}

	if col.Type == schema.TypeUnknown {
		col.Type = valueOf
	}
	row[col.Index()] = value
	return nil
}

func percentile(values map[string]float64, percent float64) (float64, bool) {
	if v, ok := values[strconv.FormatFloat(percent, 'f', 1, 64)]; ok {
		return v, true
	}
	for key, v := range values {
		if p, err := strconv.ParseFloat(key, 64); err == nil && p == percent {
			return v, true
		}
	}
	return 0, false
}

var errUnknownShape = errors.New("metric has neither value nor value_as_string")

// singleValue reads a generic single value metric: {"value": n} or {"value_as_string": s}.
func singleValue(resp elastic.Aggregations, name string) (any, schema.Type, bool, error) {
	raw, ok := resp[name]
	if !ok || raw == nil {
		return nil, schema.TypeUnknown, false, nil
	}
	var body struct {
		Value         *json.Number `json:"value"`
		ValueAsString *string      `json:"value_as_string"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, schema.TypeUnknown, true, &qerr.Error{Kind: qerr.KindReconstruction, Field: name, Message: "malformed metric", Err: err}
	}
	switch {
	case body.Value != nil:
		v := number(*body.Value)
		return v, schema.TypeOf(v), true, nil
	case body.ValueAsString != nil:
		return *body.ValueAsString, schema.TypeVarchar, true, nil
	}
	return nil, schema.TypeUnknown, true, &qerr.Error{Kind: qerr.KindReconstruction, Field: name, Message: "unknown metric shape", Err: errUnknownShape}
}

func hasChildNamed(agg *plan.Aggregation, name string) bool {
	for _, child := range agg.Children {
		if child.Name == name {
			return true
		}
	}
	return false
}

func clone(row []any, width int) []any {
	if width < len(row) {
		width = len(row)
	}
	out := make([]any, width)
	copy(out, row)
	return out
}
