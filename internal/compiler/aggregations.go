package compiler

import (
	elastic "github.com/olivere/elastic/v7"

	"github.com/essql/essql/internal/plan"
	"github.com/essql/essql/internal/qerr"
)

type subAggregator interface {
	elastic.Aggregation
	add(name string, sub elastic.Aggregation)
}

type termsNode struct{ *elastic.TermsAggregation }

func (n termsNode) add(name string, sub elastic.Aggregation) { n.SubAggregation(name, sub) }

type histogramNode struct{ *elastic.HistogramAggregation }

func (n histogramNode) add(name string, sub elastic.Aggregation) { n.SubAggregation(name, sub) }

type dateHistogramNode struct {
	*elastic.DateHistogramAggregation
}

func (n dateHistogramNode) add(name string, sub elastic.Aggregation) { n.SubAggregation(name, sub) }

type filterNode struct{ *elastic.FilterAggregation }

func (n filterNode) add(name string, sub elastic.Aggregation) { n.SubAggregation(name, sub) }

func buildAggregation(agg *plan.Aggregation) (elastic.Aggregation, error) {
	if agg == nil {
		return nil, qerr.Compile("", "nil aggregation")
	}

	var parent subAggregator
	switch agg.Kind {
	case plan.KindTerms:
		terms := elastic.NewTermsAggregation().Field(agg.Field)
		if agg.Size > 0 {
			terms = terms.Size(agg.Size)
		}
		parent = termsNode{terms}
	case plan.KindHistogram:
		if agg.Interval <= 0 {
			return nil, qerr.Compile(agg.Name, "histogram interval must be positive")
		}
		parent = histogramNode{elastic.NewHistogramAggregation().Field(agg.Field).Interval(agg.Interval)}
	case plan.KindDateHistogram:
		if agg.CalendarInterval == "" {
			return nil, qerr.Compile(agg.Name, "date histogram requires a calendar interval")
		}
		parent = dateHistogramNode{elastic.NewDateHistogramAggregation().Field(agg.Field).CalendarInterval(agg.CalendarInterval)}
	case plan.KindFilter:
		if agg.Filter == nil {
			return nil, qerr.Compile(agg.Name, "filter aggregation requires a filter")
		}
		parent = filterNode{elastic.NewFilterAggregation().Filter(agg.Filter)}
	default:
		return buildMetric(agg)
	}

	for _, child := range agg.Children {
		built, err := buildAggregation(child)
		if err != nil {
			return nil, err
		}
		parent.add(child.Name, built)
	}
	return parent, nil
}

func buildMetric(agg *plan.Aggregation) (elastic.Aggregation, error) {
	if len(agg.Children) > 0 {
		return nil, qerr.Compile(agg.Name, "metric aggregation %q cannot have sub-aggregations", agg.Kind)
	}
	switch agg.Kind {
	case plan.KindCardinality:
		return elastic.NewCardinalityAggregation().Field(agg.Field), nil
	case plan.KindAvg:
		return elastic.NewAvgAggregation().Field(agg.Field), nil
	case plan.KindMin:
		return elastic.NewMinAggregation().Field(agg.Field), nil
	case plan.KindMax:
		return elastic.NewMaxAggregation().Field(agg.Field), nil
	case plan.KindSum:
		return elastic.NewSumAggregation().Field(agg.Field), nil
	case plan.KindValueCount:
		return elastic.NewValueCountAggregation().Field(agg.Field), nil
	case plan.KindPercentiles:
		if agg.Percent <= 0 || agg.Percent > 100 {
			return nil, qerr.Compile(agg.Name, "percentile must be in (0, 100]")
		}
		return elastic.NewPercentilesAggregation().Field(agg.Field).Percentiles(agg.Percent), nil
	case plan.KindSingleValue:
		if agg.Body == nil {
			return nil, qerr.Compile(agg.Name, "single value aggregation requires a body")
		}
		return agg.Body, nil
	}
	return nil, qerr.Compile(agg.Name, "unsupported aggregation type %q", agg.Kind)
}
