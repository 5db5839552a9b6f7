package compiler

import (
	"encoding/json"
	"strings"
	"testing"

	elastic "github.com/olivere/elastic/v7"

	"github.com/essql/essql/internal/plan"
	"github.com/essql/essql/internal/qerr"
)

func renderAggregation(t *testing.T, agg *plan.Aggregation) string {
	t.Helper()
	built, err := buildAggregation(agg)
	if err != nil {
		t.Fatalf("buildAggregation() error = %v", err)
	}
	src, err := built.Source()
	if err != nil {
		t.Fatalf("Source() error = %v", err)
	}
	raw, err := json.Marshal(src)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	return string(raw)
}

func TestBuildAggregationNestsChildren(t *testing.T) {
	got := renderAggregation(t, &plan.Aggregation{
		Name: "host", Kind: plan.KindTerms, Field: "host", Size: 50,
		Children: []*plan.Aggregation{
			{Name: "per_day", Kind: plan.KindDateHistogram, Field: "ts", CalendarInterval: "1d", Children: []*plan.Aggregation{
				{Name: "p95", Kind: plan.KindPercentiles, Field: "latency", Percent: 95},
			}},
			{Name: "users", Kind: plan.KindCardinality, Field: "user"},
		},
	})
	for _, want := range []string{`"terms"`, `"size":50`, `"per_day"`, `"calendar_interval":"1d"`, `"percents":[95]`, `"cardinality"`} {
		if !strings.Contains(got, want) {
			t.Fatalf("aggregation %s missing %s", got, want)
		}
	}
}

func TestBuildAggregationFilterAndRaw(t *testing.T) {
	got := renderAggregation(t, &plan.Aggregation{
		Name: "errors", Kind: plan.KindFilter, Filter: elastic.NewTermQuery("level", "error"),
		Children: []*plan.Aggregation{
			{Name: "custom", Kind: plan.KindSingleValue, Body: plan.RawAggregation(`{"max":{"field":"bytes"}}`)},
		},
	})
	if !strings.Contains(got, `"filter":{"term":{"level":"error"}}`) || !strings.Contains(got, `"custom":{"max":{"field":"bytes"}}`) {
		t.Fatalf("aggregation = %s", got)
	}
}

func TestBuildAggregationRejectsInvalidNodes(t *testing.T) {
	cases := map[string]*plan.Aggregation{
		"unsupported aggregation type": {Name: "x", Kind: "geo_grid", Field: "loc"},
		"interval must be positive":    {Name: "h", Kind: plan.KindHistogram, Field: "n"},
		"cannot have sub-aggregations": {Name: "m", Kind: plan.KindMax, Field: "n", Children: []*plan.Aggregation{{Name: "c", Kind: plan.KindSum, Field: "n"}}},
		"percentile must be in":        {Name: "p", Kind: plan.KindPercentiles, Field: "n", Percent: 101},
	}
	for want, agg := range cases {
		_, err := buildAggregation(agg)
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("buildAggregation(%s) error = %v, want %q", agg.Name, err, want)
		}
		if !qerr.IsKind(err, qerr.KindCompile) {
			t.Fatalf("kind = %q", qerr.KindOf(err))
		}
	}
}
