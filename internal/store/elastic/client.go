// Package elastic runs compiled requests against an Elasticsearch cluster.
package elastic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	elastic "github.com/olivere/elastic/v7"

	"github.com/essql/essql/internal/catalog"
	"github.com/essql/essql/internal/compiler"
	"github.com/essql/essql/internal/qerr"
	"github.com/essql/essql/internal/schema"
	"github.com/essql/essql/internal/store"
)

type Config struct {
	URLs        []string
	Sniff       bool
	Healthcheck bool
	Username    string
	Password    string
	HTTPClient  *http.Client
}

type Client struct {
	es   *elastic.Client
	urls []string
}

var (
	_ store.Client       = (*Client)(nil)
	_ catalog.SchemaInfo = (*Client)(nil)
)

func New(cfg Config) (*Client, error) {
	var urls []string
	for _, u := range cfg.URLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("elasticsearch url is required")
	}

	opts := []elastic.ClientOptionFunc{
		elastic.SetURL(urls...),
		elastic.SetSniff(cfg.Sniff),
		elastic.SetHealthcheck(cfg.Healthcheck),
	}
	if cfg.Username != "" {
		opts = append(opts, elastic.SetBasicAuth(cfg.Username, cfg.Password))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, elastic.SetHttpClient(cfg.HTTPClient))
	}
	es, err := elastic.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return &Client{es: es, urls: urls}, nil
}

// Search runs the first page of req. A scrolling request opens a cursor.
func (c *Client) Search(ctx context.Context, req *compiler.Request) (store.Response, error) {
	if req == nil || req.Source == nil {
		return store.Response{}, qerr.ErrNotBuilt
	}
	if req.Scroll {
		svc := c.es.Scroll(req.Indices...).SearchSource(req.Source).Scroll(req.ScrollKeepAlive)
		if len(req.Types) > 0 {
			svc = svc.Type(req.Types...)
		}
		result, err := svc.Do(ctx)
		return response(result, err, "search")
	}

	svc := c.es.Search(req.Indices...).SearchSource(req.Source)
	if len(req.Types) > 0 {
		svc = svc.Type(req.Types...)
	}
	if req.RequestCache {
		svc = svc.RequestCache(true)
	}
	result, err := svc.Do(ctx)
	return response(result, err, "search")
}

// Scroll fetches the page after cursor. An exhausted cursor yields an empty response.
func (c *Client) Scroll(ctx context.Context, cursor, keepAlive string) (store.Response, error) {
	if cursor == "" {
		return store.Response{}, qerr.Execution("scroll", errors.New("empty scroll cursor"))
	}
	result, err := c.es.Scroll().ScrollId(cursor).Scroll(keepAlive).Do(ctx)
	return response(result, err, "scroll")
}

func (c *Client) ClearScroll(ctx context.Context, cursor string) error {
	if cursor == "" {
		return nil
	}
	if _, err := c.es.ClearScroll(cursor).Do(ctx); err != nil && !elastic.IsNotFound(err) {
		return qerr.Execution("clear scroll", err)
	}
	return nil
}

// Ping checks that the first configured node answers.
func (c *Client) Ping(ctx context.Context) error {
	_, code, err := c.es.Ping(c.urls[0]).Do(ctx)
	if err != nil {
		return fmt.Errorf("ping elasticsearch: %w", err)
	}
	if code >= http.StatusBadRequest {
		return fmt.Errorf("ping elasticsearch: status %d", code)
	}
	return nil
}

// FieldTypes reads the live mapping of index. Aliases and patterns merge the mappings of every matched index.
func (c *Client) FieldTypes(ctx context.Context, index string) (map[string]schema.Type, error) {
	// typeless mapping endpoint; GetMapping always appends a type segment
	res, err := c.es.PerformRequest(ctx, elastic.PerformRequestOptions{
		Method: http.MethodGet,
		Path:   "/" + url.PathEscape(strings.TrimSpace(index)) + "/_mapping",
	})
	if elastic.IsNotFound(err) {
		return nil, catalog.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get mapping %q: %w", index, err)
	}
	var mapping map[string]struct {
		Mappings map[string]interface{} `json:"mappings"`
	}
	if err := json.Unmarshal(res.Body, &mapping); err != nil {
		return nil, fmt.Errorf("decode mapping %q: %w", index, err)
	}
	out := map[string]schema.Type{}
	for _, body := range mapping {
		collectProperties(out, "", body.Mappings)
	}
	if len(out) == 0 {
		return nil, catalog.ErrNotFound
	}
	return out, nil
}

func collectProperties(out map[string]schema.Type, prefix string, node map[string]interface{}) {
	props, _ := node["properties"].(map[string]interface{})
	for name, raw := range props {
		field, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		if typ, ok := field["type"].(string); ok {
			out[path] = schema.ParseType(typ)
		} else if _, ok := field["properties"]; ok {
			out[path] = schema.TypeObject
		}
		collectProperties(out, path, field)
	}
}

func response(result *elastic.SearchResult, err error, op string) (store.Response, error) {
	if errors.Is(err, io.EOF) {
		err = nil
	}
	if err != nil {
		if elastic.IsNotFound(err) {
			return store.Response{}, qerr.Execution(op+": index or cursor not found", err)
		}
		return store.Response{}, qerr.Execution(op, err)
	}
	if result == nil {
		return store.Response{}, nil
	}
	resp := store.Response{
		Aggregations: result.Aggregations,
		Total:        result.TotalHits(),
		Cursor:       result.ScrollId,
	}
	if result.Hits != nil {
		resp.Hits = result.Hits.Hits
	}
	return resp, nil
}
