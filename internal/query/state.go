// Package query owns the lifecycle of one query: build, execute, page and close.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	elastic "github.com/olivere/elastic/v7"

	"github.com/essql/essql/internal/catalog"
	"github.com/essql/essql/internal/compiler"
	"github.com/essql/essql/internal/observability"
	"github.com/essql/essql/internal/plan"
	"github.com/essql/essql/internal/qerr"
	"github.com/essql/essql/internal/reconstruct"
	"github.com/essql/essql/internal/resultset"
	"github.com/essql/essql/internal/schema"
	"github.com/essql/essql/internal/store"
)

type Config struct {
	Compiler compiler.Options
	// MaxRows bounds bucket counts requested by the parser.
	MaxRows int
	// SplitResults delivers hit scans in windows of FetchSize documents. Unsplit scans
	// accumulate every matching document into the first window.
	SplitResults bool
}

// State is not safe for concurrent use. Callers serialize operations on one State.
type State struct {
	Store  store.Client
	Parser plan.Parser
	Schema catalog.SchemaInfo
	Config Config
	Logger *slog.Logger
	Clock  func() time.Time

	req        *compiler.Request
	fieldTypes map[string]schema.Type
	rowCap     int
	pager      *pager
	window     *resultset.ResultSet
}

func (s *State) ensureDefaults() {
	if s.Parser == nil {
		s.Parser = plan.DocumentParser{}
	}
	if s.Logger == nil {
		s.Logger = slog.New(slog.DiscardHandler)
	}
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.Config.Compiler.FetchSize <= 0 {
		s.Config.Compiler.FetchSize = 10000
	}
	if s.Config.MaxRows <= 0 {
		s.Config.MaxRows = s.Config.Compiler.FetchSize
	}
}

// Build parses and compiles statement. A cursor held from an earlier build is released first.
func (s *State) Build(ctx context.Context, statement string, defaultIndices ...string) error {
	s.ensureDefaults()
	if err := s.reset(ctx); err != nil {
		return err
	}

	req, types, err := s.compile(ctx, statement, defaultIndices)
	if err != nil {
		observability.IncrementQueryErrors(string(qerr.KindOf(err)))
		return err
	}
	s.req = req
	s.fieldTypes = types
	observability.ObserveQueryBuild(string(req.Mode))
	s.Logger.DebugContext(ctx, "query built",
		slog.Any("indices", req.Indices),
		slog.String("mode", string(req.Mode)),
		slog.Int("size", req.Size),
		slog.Bool("scroll", req.Scroll),
	)
	return nil
}

// Explain compiles statement and describes the request without executing it or touching the built state.
func (s *State) Explain(ctx context.Context, statement string, defaultIndices ...string) (compiler.Explanation, error) {
	s.ensureDefaults()
	req, _, err := s.compile(ctx, statement, defaultIndices)
	if err != nil {
		return compiler.Explanation{}, err
	}
	return req.Explain()
}

// Request returns the compiled request, nil before Build.
func (s *State) Request() *compiler.Request {
	return s.req
}

// HasMore reports whether MoreResults can still deliver documents of the current hit scan.
func (s *State) HasMore() bool {
	return s.req != nil && s.pager != nil && !s.pager.exhausted()
}

// SetRowCap overrides the per-window row cap independent of LIMIT. n <= 0 removes the override.
// The page size follows on the next Build; the window target follows immediately.
func (s *State) SetRowCap(n int) {
	if n < 0 {
		n = 0
	}
	s.rowCap = n
}

// Execute runs the built request and returns the first window. An aggregation that yields no rows
// returns qerr.ErrNoRows.
func (s *State) Execute(ctx context.Context, lateral bool) (*resultset.ResultSet, error) {
	s.ensureDefaults()
	if s.req == nil {
		return nil, qerr.ErrNotBuilt
	}
	if err := s.releaseCursor(ctx); err != nil {
		return nil, err
	}
	s.releaseWindow()

	start := s.Clock()
	resp, err := s.Store.Search(ctx, s.req)
	if err != nil {
		observability.IncrementQueryErrors(string(qerr.KindOf(err)))
		return nil, err
	}
	observability.IncrementQueryPages()

	if s.req.Aggregating() {
		return s.aggregate(ctx, resp, start)
	}

	s.pager = newPager(s.Store, s.req, resp)
	if err := s.pager.skipEmptyFirstPage(ctx); err != nil {
		observability.IncrementQueryErrors(string(qerr.KindOf(err)))
		return nil, err
	}
	return s.nextWindow(ctx, lateral, start)
}

// MoreResults returns the window after the last one delivered, or qerr.ErrNoMoreResults once
// every matching document has been delivered.
func (s *State) MoreResults(ctx context.Context, lateral bool) (*resultset.ResultSet, error) {
	s.ensureDefaults()
	if s.req == nil {
		return nil, qerr.ErrNotBuilt
	}
	if s.pager == nil || s.pager.exhausted() {
		if err := s.releaseCursor(ctx); err != nil {
			return nil, err
		}
		return nil, qerr.ErrNoMoreResults
	}
	s.releaseWindow()

	rs, err := s.nextWindow(ctx, lateral, s.Clock())
	if err != nil {
		return nil, err
	}
	if rs.Len() == 0 {
		return nil, qerr.ErrNoMoreResults
	}
	return rs, nil
}

// Close releases the cursor and the retained window. It is safe to call more than once.
func (s *State) Close(ctx context.Context) error {
	err := s.reset(ctx)
	s.req = nil
	s.fieldTypes = nil
	return err
}

func (s *State) compile(ctx context.Context, statement string, defaultIndices []string) (*compiler.Request, map[string]schema.Type, error) {
	result, err := s.Parser.Parse(ctx, statement, plan.ParseOptions{MaxRows: s.Config.MaxRows, Schema: s.Schema})
	if err != nil {
		return nil, nil, err
	}

	opts := s.Config.Compiler
	if len(defaultIndices) > 0 {
		opts.DefaultIndices = defaultIndices
	}
	opts.RowCap = s.rowCap
	req, err := compiler.Compile(result, opts)
	if err != nil {
		return nil, nil, err
	}
	if req.Aggregating() {
		return req, nil, nil
	}

	types, err := s.resolveFieldTypes(ctx, req.Indices)
	if err != nil {
		return nil, nil, err
	}
	return req, types, nil
}

// resolveFieldTypes merges the known field types of indices. The first index wins on conflicts.
func (s *State) resolveFieldTypes(ctx context.Context, indices []string) (map[string]schema.Type, error) {
	if s.Schema == nil {
		return nil, nil
	}
	merged := map[string]schema.Type{}
	for _, index := range indices {
		types, err := s.Schema.FieldTypes(ctx, index)
		if errors.Is(err, catalog.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, qerr.Execution(fmt.Sprintf("resolve field types of %q", index), err)
		}
		for path, t := range types {
			if _, ok := merged[path]; !ok {
				merged[path] = t
			}
		}
	}
	return merged, nil
}

func (s *State) aggregate(ctx context.Context, resp store.Response, start time.Time) (*resultset.ResultSet, error) {
	rs := resultset.New(s.req.Heading)
	err := reconstruct.Aggregations(rs, resp.Aggregations, reconstruct.AggregationOptions{
		Aggregations: s.req.Aggregations,
		Having:       s.req.Having,
		Sorts:        s.req.Sorts,
		Limit:        s.req.Limit,
	})
	if err != nil {
		if !errors.Is(err, qerr.ErrNoRows) {
			observability.IncrementQueryErrors(string(qerr.KindOf(err)))
		}
		return nil, err
	}

	window := rs.Freeze()
	s.window = window
	observability.ObserveQueryWindow("aggregations", window.Len(), s.Clock().Sub(start))
	s.Logger.DebugContext(ctx, "aggregation reconstructed",
		slog.Int("rows", window.Len()),
		slog.Int64("total", window.Total()),
	)
	return window, nil
}

func (s *State) nextWindow(ctx context.Context, lateral bool, start time.Time) (*resultset.ResultSet, error) {
	rs := resultset.New(s.req.Heading)
	rs.SetOffset(s.pager.rowsDelivered)
	opts := reconstruct.HitOptions{Lateral: lateral, FieldTypes: s.fieldTypes}

	err := s.pager.fill(ctx, s.windowCap(), func(hits []*elastic.SearchHit) error {
		_, err := reconstruct.Hits(rs, hits, opts)
		return err
	})
	if err != nil {
		observability.IncrementQueryErrors(string(qerr.KindOf(err)))
		return nil, err
	}
	rs.ExecuteComputations()
	rs.SetTotal(s.pager.total)
	s.pager.rowsDelivered += int64(rs.Len())

	if s.pager.exhausted() {
		if err := s.releaseCursor(ctx); err != nil {
			return nil, err
		}
	}

	window := rs.Freeze()
	s.window = window
	observability.ObserveQueryWindow("hits", window.Len(), s.Clock().Sub(start))
	s.Logger.DebugContext(ctx, "hit window reconstructed",
		slog.Any("indices", s.req.Indices),
		slog.Int("rows", window.Len()),
		slog.Int64("offset", window.Offset()),
		slog.Int64("total", window.Total()),
	)
	return window, nil
}

// windowCap is the document budget of one window. A row cap wins, then the fetch size when results
// are split; LIMIT tightens either.
func (s *State) windowCap() int {
	limit := math.MaxInt
	switch {
	case s.rowCap > 0:
		limit = s.rowCap
	case s.Config.SplitResults:
		limit = s.Config.Compiler.FetchSize
	}
	if s.req.Limit >= 0 && s.req.Limit < limit {
		limit = s.req.Limit
	}
	return limit
}

func (s *State) reset(ctx context.Context) error {
	err := s.releaseCursor(ctx)
	s.releaseWindow()
	s.pager = nil
	return err
}

func (s *State) releaseWindow() {
	if s.window != nil {
		s.window.Close()
		s.window = nil
	}
}

func (s *State) releaseCursor(ctx context.Context) error {
	if s.pager == nil || s.pager.cursor == "" {
		return nil
	}
	cursor := s.pager.cursor
	s.pager.cursor = ""
	if err := s.Store.ClearScroll(ctx, cursor); err != nil {
		s.Logger.WarnContext(ctx, "clear scroll failed", slog.Any("error", err))
		return err
	}
	observability.IncrementScrollClears()
	s.Logger.DebugContext(ctx, "scroll cleared")
	return nil
}
