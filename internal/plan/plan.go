// Package plan holds the parsed form of a SELECT statement handed from the SQL parser to the query compiler.
package plan

import (
	"context"
	"encoding/json"

	elastic "github.com/olivere/elastic/v7"

	"github.com/essql/essql/internal/catalog"
	"github.com/essql/essql/internal/having"
	"github.com/essql/essql/internal/schema"
)

// QuerySource identifies where to search: an index and an optional document type.
type QuerySource struct {
	Index string
	Type  string
}

type OrderBy struct {
	Field string
	Desc  bool
}

// ParseResult is immutable once produced by a parser.
type ParseResult struct {
	Sources      []QuerySource
	Heading      *schema.Heading
	Query        elastic.Query
	Aggregations []*Aggregation
	Having       having.Expr
	Sorts        []OrderBy
	// Limit is the SQL LIMIT, -1 when unbounded.
	Limit        int
	RequestScore bool
	UseCache     bool
}

type ParseOptions struct {
	MaxRows int
	Schema  catalog.SchemaInfo
}

// Parser turns statement text into a ParseResult.
type Parser interface {
	Parse(ctx context.Context, statement string, opts ParseOptions) (ParseResult, error)
}

type AggregationKind string

const (
	KindTerms         AggregationKind = "terms"
	KindHistogram     AggregationKind = "histogram"
	KindDateHistogram AggregationKind = "date_histogram"
	KindFilter        AggregationKind = "filter"
	KindCardinality   AggregationKind = "cardinality"
	KindAvg           AggregationKind = "avg"
	KindMin           AggregationKind = "min"
	KindMax           AggregationKind = "max"
	KindSum           AggregationKind = "sum"
	KindValueCount    AggregationKind = "value_count"
	KindPercentiles   AggregationKind = "percentiles"
	KindSingleValue   AggregationKind = "single_value"
)

// Aggregation is one node of the aggregation tree. Its Name must equal the label of the column it fills.
type Aggregation struct {
	Name  string
	Kind  AggregationKind
	Field string
	// Size is the bucket count of a terms aggregation.
	Size             int
	Interval         float64
	CalendarInterval string
	Percent          float64
	// Filter is the query of a filter aggregation.
	Filter elastic.Query
	// Body is the store-native form of a single value metric the compiler has no builder for.
	Body     elastic.Aggregation
	Children []*Aggregation
}

// Grouping reports whether the aggregation produces buckets that become rows.
func (a *Aggregation) Grouping() bool {
	switch a.Kind {
	case KindTerms, KindHistogram, KindDateHistogram:
		return true
	}
	return false
}

// Metric reports whether the aggregation yields a single value per bucket.
func (a *Aggregation) Metric() bool {
	switch a.Kind {
	case KindCardinality, KindAvg, KindMin, KindMax, KindSum, KindValueCount, KindPercentiles, KindSingleValue:
		return true
	}
	return false
}

// RawAggregation is an aggregation given as store-native JSON.
type RawAggregation json.RawMessage

func (r RawAggregation) Source() (interface{}, error) {
	return json.RawMessage(r), nil
}
