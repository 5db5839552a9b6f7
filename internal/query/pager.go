package query

import (
	"context"

	elastic "github.com/olivere/elastic/v7"

	"github.com/essql/essql/internal/compiler"
	"github.com/essql/essql/internal/observability"
	"github.com/essql/essql/internal/store"
)

// pager threads the scroll cursor through successive windows. Accounting is in documents:
// a window takes at most its cap of documents, however many rows they explode into.
type pager struct {
	store     store.Client
	keepAlive string
	limit     int

	cursor  string
	pending []*elastic.SearchHit
	// total is the store-reported match count, capped by LIMIT.
	total    int64
	consumed int64
	// rowsDelivered is the offset of the next window.
	rowsDelivered int64
	// drained is set once the store has no further pages.
	drained bool
}

func newPager(c store.Client, req *compiler.Request, first store.Response) *pager {
	p := &pager{store: c, keepAlive: req.ScrollKeepAlive, limit: req.Limit}
	p.accept(first, true)
	return p
}

func (p *pager) accept(resp store.Response, first bool) {
	if first || resp.Total > 0 {
		p.total = resp.Total
		if p.limit >= 0 && int64(p.limit) < p.total {
			p.total = int64(p.limit)
		}
	}
	if resp.Cursor != "" {
		p.cursor = resp.Cursor
	} else {
		p.drained = true
	}
	p.pending = append(p.pending, resp.Hits...)
}

// skipEmptyFirstPage advances once when the first page came back empty but left a cursor.
func (p *pager) skipEmptyFirstPage(ctx context.Context) error {
	if len(p.pending) > 0 || p.cursor == "" || p.drained {
		return nil
	}
	return p.advance(ctx)
}

func (p *pager) advance(ctx context.Context) error {
	resp, err := p.store.Scroll(ctx, p.cursor, p.keepAlive)
	if err != nil {
		return err
	}
	observability.IncrementQueryPages()
	p.accept(resp, false)
	if len(resp.Hits) == 0 {
		p.drained = true
	}
	return nil
}

// fill hands documents to consume until the window holds min(cap, total - consumed) of them
// or the store runs dry.
func (p *pager) fill(ctx context.Context, limit int, consume func([]*elastic.SearchHit) error) error {
	start := p.consumed
	for {
		target := int64(limit)
		if remaining := p.total - start; remaining < target {
			target = remaining
		}
		taken := p.consumed - start
		if taken >= target {
			return nil
		}

		if len(p.pending) == 0 {
			if p.drained || p.cursor == "" {
				p.drained = true
				return nil
			}
			if err := p.advance(ctx); err != nil {
				return err
			}
			continue
		}

		n := int64(len(p.pending))
		if n > target-taken {
			n = target - taken
		}
		batch := p.pending[:n]
		p.pending = p.pending[n:]
		if err := consume(batch); err != nil {
			return err
		}
		p.consumed += n
	}
}

// exhausted reports whether every matching document has been handed out.
func (p *pager) exhausted() bool {
	if p.consumed >= p.total {
		return true
	}
	return p.drained && len(p.pending) == 0
}
