// Package store defines the document store a compiled request runs against.
package store

import (
	"context"

	elastic "github.com/olivere/elastic/v7"

	"github.com/essql/essql/internal/compiler"
)

// Response is one page returned by the store.
type Response struct {
	Hits         []*elastic.SearchHit
	Aggregations elastic.Aggregations
	// Total is the number of documents matching the query, not the page size.
	Total int64
	// Cursor continues a scroll. Empty when the store keeps no cursor.
	Cursor string
}

// Client executes compiled requests. Implementations must be safe for concurrent use.
type Client interface {
	Search(ctx context.Context, req *compiler.Request) (Response, error)
	Scroll(ctx context.Context, cursor, keepAlive string) (Response, error)
	ClearScroll(ctx context.Context, cursor string) error
}
