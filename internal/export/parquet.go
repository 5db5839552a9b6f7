// Package export writes materialized result windows as parquet files to the object store.
package export

import (
	"bytes"
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/parquet-go/parquet-go"

	"github.com/essql/essql/internal/resultset"
	"github.com/essql/essql/internal/schema"
	"github.com/essql/essql/internal/storage"
)

const contentType = "application/vnd.apache.parquet"

var cellJSON = jsoniter.ConfigCompatibleWithStandardLibrary

type Result struct {
	Key  string
	Rows int64
	Size int64
	URL  string
}

type Exporter struct {
	Store storage.ObjectStore
	// URLExpiry bounds the download link returned with each export. Zero uses the store default.
	URLExpiry time.Duration
}

// Export encodes the visible columns of rs and stores them under the window's export key.
func (e *Exporter) Export(ctx context.Context, queryID string, rs *resultset.ResultSet) (Result, error) {
	if e.Store == nil {
		return Result{}, fmt.Errorf("object store is required")
	}
	key, err := storage.ExportKey(queryID, rs.Offset())
	if err != nil {
		return Result{}, err
	}
	data, rows, err := Encode(rs)
	if err != nil {
		return Result{}, err
	}
	info, err := e.Store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{ContentType: contentType})
	if err != nil {
		return Result{}, fmt.Errorf("store export: %w", err)
	}
	u, err := e.Store.DownloadURL(ctx, key, e.URLExpiry)
	if err != nil {
		return Result{}, fmt.Errorf("sign export: %w", err)
	}
	return Result{Key: key, Rows: rows, Size: info.Size, URL: u.String()}, nil
}

type leafKind int

const (
	leafString leafKind = iota
	leafInt
	leafDouble
	leafBool
	leafTimestamp
)

// Encode renders the visible columns of rs as one parquet file. Every column is optional; a column whose
// values do not all fit its declared type is written as strings.
func Encode(rs *resultset.ResultSet) ([]byte, int64, error) {
	cols, rows := rs.Visible()
	if len(cols) == 0 {
		return nil, 0, fmt.Errorf("result has no visible columns")
	}

	names := fieldNames(cols)
	kinds := make([]leafKind, len(cols))
	group := parquet.Group{}
	for i, col := range cols {
		kinds[i] = chooseLeaf(col.Type, rows, i)
		group[names[i]] = parquet.Optional(leafNode(kinds[i]))
	}
	sch := parquet.NewSchema("result", group)

	positions := make([]int, len(cols))
	for i, name := range names {
		leaf, ok := sch.Lookup(name)
		if !ok {
			return nil, 0, fmt.Errorf("column %q missing from parquet schema", name)
		}
		positions[i] = leaf.ColumnIndex
	}

	encoded := make([]parquet.Row, 0, len(rows))
	for _, row := range rows {
		out := make(parquet.Row, len(cols))
		for i, cell := range row {
			out[positions[i]] = parquetValue(kinds[i], cell, positions[i])
		}
		encoded = append(encoded, out)
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewWriter(buf, sch)
	if _, err := writer.WriteRows(encoded); err != nil {
		return nil, 0, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, 0, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), int64(len(encoded)), nil
}

// fieldNames uses column labels, suffixing repeats with their position.
func fieldNames(cols []*schema.Column) []string {
	names := make([]string, len(cols))
	seen := make(map[string]bool, len(cols))
	for i, col := range cols {
		name := col.Label()
		if seen[name] {
			name = fmt.Sprintf("%s_%d", name, i)
		}
		seen[name] = true
		names[i] = name
	}
	return names
}

func leafNode(kind leafKind) parquet.Node {
	switch kind {
	case leafInt:
		return parquet.Leaf(parquet.Int64Type)
	case leafDouble:
		return parquet.Leaf(parquet.DoubleType)
	case leafBool:
		return parquet.Leaf(parquet.BooleanType)
	case leafTimestamp:
		return parquet.Timestamp(parquet.Millisecond)
	}
	return parquet.String()
}

func chooseLeaf(t schema.Type, rows [][]any, i int) leafKind {
	var want leafKind
	switch t {
	case schema.TypeInteger, schema.TypeBigint:
		want = leafInt
	case schema.TypeFloat, schema.TypeDouble:
		want = leafDouble
	case schema.TypeBoolean:
		want = leafBool
	case schema.TypeTimestamp:
		want = leafTimestamp
	default:
		return leafString
	}
	for _, row := range rows {
		if row[i] == nil {
			continue
		}
		if _, ok := convert(want, row[i]); !ok {
			return leafString
		}
	}
	return want
}

func parquetValue(kind leafKind, cell any, column int) parquet.Value {
	v, ok := convert(kind, cell)
	if cell == nil || !ok {
		return parquet.NullValue().Level(0, 0, column)
	}
	return parquet.ValueOf(v).Level(0, 1, column)
}

func convert(kind leafKind, cell any) (any, bool) {
	switch kind {
	case leafInt:
		switch v := cell.(type) {
		case int64:
			return v, true
		case int:
			return int64(v), true
		case float64:
			if v == float64(int64(v)) {
				return int64(v), true
			}
		}
		return nil, false
	case leafDouble:
		f, ok := schema.ToFloat(cell)
		return f, ok
	case leafBool:
		b, ok := cell.(bool)
		return b, ok
	case leafTimestamp:
		ts, ok := cell.(time.Time)
		if !ok {
			return nil, false
		}
		return ts.UnixMilli(), true
	}

	switch v := cell.(type) {
	case string:
		return v, true
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano), true
	case map[string]any, []any:
		raw, err := cellJSON.Marshal(v)
		if err != nil {
			return nil, false
		}
		return string(raw), true
	}
	return fmt.Sprint(cell), true
}
