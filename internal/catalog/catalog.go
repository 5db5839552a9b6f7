// Package catalog resolves the field types of an index: which fields exist and what column type each carries.
package catalog

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/essql/essql/internal/schema"
)

var ErrNotFound = errors.New("catalog: not found")

// SchemaInfo answers field type questions for the compiler. Paths are dotted document paths.
type SchemaInfo interface {
	FieldTypes(ctx context.Context, index string) (map[string]schema.Type, error)
}

// Repository is a persisted field catalog that can be maintained through the API.
type Repository interface {
	SchemaInfo
	HealthCheck(ctx context.Context) error
	ListFields(ctx context.Context, index string) ([]Field, error)
	ReplaceFields(ctx context.Context, index string, fields []Field) (int, error)
	ListIndices(ctx context.Context) ([]string, error)
}

type Field struct {
	Index     string
	Path      string
	Type      schema.Type
	UpdatedAt time.Time
}

// Static is a fixed set of field types keyed by index then path.
type Static map[string]map[string]schema.Type

func (s Static) FieldTypes(_ context.Context, index string) (map[string]schema.Type, error) {
	fields, ok := s[index]
	if !ok {
		return nil, ErrNotFound
	}
	out := make(map[string]schema.Type, len(fields))
	for path, t := range fields {
		out[path] = t
	}
	return out, nil
}

// Chain asks each provider in turn and returns the first answer that is not ErrNotFound.
type Chain []SchemaInfo

func (c Chain) FieldTypes(ctx context.Context, index string) (map[string]schema.Type, error) {
	for _, info := range c {
		if info == nil {
			continue
		}
		fields, err := info.FieldTypes(ctx, index)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return fields, nil
	}
	return nil, ErrNotFound
}

// Cached memoizes FieldTypes answers for ttl. Misses and errors are not cached.
type Cached struct {
	next SchemaInfo
	ttl  time.Duration
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]cachedEntry
}

type cachedEntry struct {
	fields  map[string]schema.Type
	expires time.Time
}

func NewCached(next SchemaInfo, ttl time.Duration) *Cached {
	return &Cached{next: next, ttl: ttl, now: time.Now, entries: map[string]cachedEntry{}}
}

func (c *Cached) FieldTypes(ctx context.Context, index string) (map[string]schema.Type, error) {
	now := c.now()
	c.mu.Lock()
	entry, ok := c.entries[index]
	c.mu.Unlock()
	if ok && now.Before(entry.expires) {
		return entry.fields, nil
	}

	fields, err := c.next.FieldTypes(ctx, index)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.entries[index] = cachedEntry{fields: fields, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return fields, nil
}

// Invalidate drops the cached answer for index.
func (c *Cached) Invalidate(index string) {
	c.mu.Lock()
	delete(c.entries, index)
	c.mu.Unlock()
}

// NormalizeFields trims paths, drops empty ones and keeps the last type given for a path. The result is sorted by path.
func NormalizeFields(index string, fields []Field) []Field {
	byPath := make(map[string]Field, len(fields))
	for _, f := range fields {
		path := strings.TrimSpace(f.Path)
		if path == "" {
			continue
		}
		f.Index = index
		f.Path = path
		if f.Type == schema.TypeUnknown {
			f.Type = schema.TypeVarchar
		}
		byPath[path] = f
	}
	out := make([]Field, 0, len(byPath))
	for _, f := range byPath {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
