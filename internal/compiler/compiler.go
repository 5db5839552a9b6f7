// Package compiler turns a ParseResult into a store-native search request.
package compiler

import (
	"encoding/json"
	"fmt"
	"time"

	elastic "github.com/olivere/elastic/v7"

	"github.com/essql/essql/internal/having"
	"github.com/essql/essql/internal/plan"
	"github.com/essql/essql/internal/qerr"
	"github.com/essql/essql/internal/schema"
)

// Mode is how the request selects documents.
type Mode string

const (
	ModeAggregation Mode = "aggregation"
	ModeScored      Mode = "scored"
	ModeFilter      Mode = "filter"
	ModeMatchAll    Mode = "match_all"
)

type Options struct {
	DefaultIndices []string
	FetchSize      int
	ScrollTimeout  time.Duration
	QueryTimeout   time.Duration
	FragmentSize   int
	FragmentNumber int
	// RowCap is the per-window row cap set by the caller, independent of LIMIT. 0 leaves it unset.
	RowCap int
}

// Request is a compiled query. It must not be mutated once execution starts.
type Request struct {
	Indices      []string
	Types        []string
	Source       *elastic.SearchSource
	Mode         Mode
	Size         int
	Scroll       bool
	RequestCache bool
	Timeout      time.Duration
	// ScrollKeepAlive is the cursor keep-alive in the store's duration syntax.
	ScrollKeepAlive string

	Heading      *schema.Heading
	Aggregations []*plan.Aggregation
	Having       having.Condition
	// Sorts are applied locally on the aggregation path.
	Sorts []plan.OrderBy
	Limit int
}

func (r *Request) Aggregating() bool {
	return r.Mode == ModeAggregation
}

// Explanation is the JSON view of a compiled request.
type Explanation struct {
	Indices         []string        `json:"indices"`
	Types           []string        `json:"types,omitempty"`
	Mode            Mode            `json:"mode"`
	Size            int             `json:"size"`
	Scroll          bool            `json:"scroll"`
	ScrollKeepAlive string          `json:"scroll_keep_alive,omitempty"`
	RequestCache    bool            `json:"request_cache"`
	Body            json.RawMessage `json:"body"`
}

func (r *Request) Explain() (Explanation, error) {
	src, err := r.Source.Source()
	if err != nil {
		return Explanation{}, fmt.Errorf("render search source: %w", err)
	}
	body, err := json.Marshal(src)
	if err != nil {
		return Explanation{}, fmt.Errorf("encode search source: %w", err)
	}
	return Explanation{
		Indices:         r.Indices,
		Types:           r.Types,
		Mode:            r.Mode,
		Size:            r.Size,
		Scroll:          r.Scroll,
		ScrollKeepAlive: r.ScrollKeepAlive,
		RequestCache:    r.RequestCache,
		Body:            body,
	}, nil
}

// Compile builds the request for result under opts.
func Compile(result plan.ParseResult, opts Options) (*Request, error) {
	if result.Heading == nil {
		return nil, qerr.Compile("", "parse result has no heading")
	}
	if opts.FetchSize <= 0 {
		return nil, qerr.Compile(fmt.Sprint(opts.FetchSize), "fetch size must be positive")
	}

	req := &Request{
		Heading:      result.Heading,
		Aggregations: result.Aggregations,
		Sorts:        result.Sorts,
		Limit:        result.Limit,
		RequestCache: result.UseCache,
		Timeout:      opts.QueryTimeout,
	}
	if err := resolveSources(req, result.Sources, opts.DefaultIndices); err != nil {
		return nil, err
	}

	if result.Having != nil {
		if len(result.Aggregations) == 0 {
			return nil, qerr.Compile(result.Having.String(), "HAVING requires an aggregation")
		}
		cond, err := having.Compile(result.Having, result.Heading)
		if err != nil {
			return nil, err
		}
		req.Having = cond
	}

	source := elastic.NewSearchSource().TrackTotalHits(true)
	if opts.QueryTimeout > 0 {
		source = source.TimeoutInMillis(int(opts.QueryTimeout.Milliseconds()))
	}

	switch {
	case len(result.Aggregations) > 0:
		req.Mode = ModeAggregation
		query := result.Query
		if query == nil {
			query = elastic.NewMatchAllQuery()
		}
		source = source.Query(query).Size(0)
		for _, agg := range result.Aggregations {
			built, err := buildAggregation(agg)
			if err != nil {
				return nil, err
			}
			source = source.Aggregation(agg.Name, built)
		}
		req.Source = source
		return req, nil
	case result.Query != nil && result.RequestScore:
		req.Mode = ModeScored
		source = source.Query(result.Query)
	case result.Query != nil:
		req.Mode = ModeFilter
		source = source.Query(elastic.NewMatchAllQuery()).PostFilter(result.Query)
	default:
		req.Mode = ModeMatchAll
		source = source.Query(elastic.NewMatchAllQuery())
	}

	for _, sort := range result.Sorts {
		source = source.SortBy(sorter(sort))
	}

	fetch := opts.FetchSize
	if opts.RowCap > 0 && opts.RowCap < fetch {
		fetch = opts.RowCap
	}
	if result.Limit >= 0 && result.Limit < fetch {
		req.Size = result.Limit
	} else {
		req.Size = fetch
		req.Scroll = true
		req.ScrollKeepAlive = keepAlive(opts.ScrollTimeout)
		if len(result.Sorts) == 0 {
			source = source.SortBy(elastic.SortByDoc{})
		}
	}
	source = source.Size(req.Size)

	if includes := sourceIncludes(result.Heading); len(includes) > 0 {
		source = source.FetchSourceIncludeExclude(includes, nil)
	}
	if hl := highlight(result.Heading, opts); hl != nil {
		source = source.Highlight(hl)
	}
	req.Source = source
	return req, nil
}

func resolveSources(req *Request, sources []plan.QuerySource, defaults []string) error {
	seenType := map[string]bool{}
	for _, src := range sources {
		req.Indices = append(req.Indices, src.Index)
		if src.Type != "" && !seenType[src.Type] {
			seenType[src.Type] = true
			req.Types = append(req.Types, src.Type)
		}
	}
	if len(req.Indices) == 0 {
		for _, index := range defaults {
			if index != "" {
				req.Indices = append(req.Indices, index)
			}
		}
	}
	if len(req.Indices) == 0 {
		return qerr.Compile("", "no source index could be resolved")
	}
	return nil
}

func sorter(order plan.OrderBy) elastic.Sorter {
	if order.Field == schema.LabelScore {
		return elastic.NewScoreSort().Order(!order.Desc)
	}
	return elastic.NewFieldSort(order.Field).Order(!order.Desc)
}

func keepAlive(d time.Duration) string {
	if d <= 0 {
		d = time.Minute
	}
	return fmt.Sprintf("%dms", d.Milliseconds())
}

// sourceIncludes lists the document paths a fixed projection reads. A wildcard heading reads everything.
func sourceIncludes(heading *schema.Heading) []string {
	if heading.Wildcard() {
		return nil
	}
	var includes []string
	for _, col := range heading.Columns() {
		if col.Op != schema.OpPlain || col.Calc != nil || col.Name == "" {
			continue
		}
		switch col.Name {
		case schema.LabelID, schema.LabelIndex, schema.LabelType, schema.LabelScore:
			continue
		}
		includes = append(includes, col.Name)
	}
	return includes
}

func highlight(heading *schema.Heading, opts Options) *elastic.Highlight {
	var fields []*elastic.HighlighterField
	for _, col := range heading.Columns() {
		if col.Op == schema.OpHighlight {
			fields = append(fields, elastic.NewHighlighterField(col.Name))
		}
	}
	if len(fields) == 0 {
		return nil
	}
	hl := elastic.NewHighlight().Fields(fields...)
	if opts.FragmentSize > 0 {
		hl = hl.FragmentSize(opts.FragmentSize)
	}
	if opts.FragmentNumber > 0 {
		hl = hl.NumOfFragments(opts.FragmentNumber)
	}
	return hl
}
