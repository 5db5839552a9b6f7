//go:build integration

package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/essql/essql/internal/storage"
)

func TestStoreRoundTripAgainstMinIO(t *testing.T) {
	endpoint := envOr("ESSQL_TEST_S3_ENDPOINT", "")
	if endpoint == "" {
		t.Skip("ESSQL_TEST_S3_ENDPOINT is not set")
	}

	cfg := Config{
		Endpoint:         endpoint,
		Region:           envOr("ESSQL_TEST_S3_REGION", "us-east-1"),
		Bucket:           envOr("ESSQL_TEST_S3_BUCKET", "essql-it"),
		AccessKeyID:      envOr("ESSQL_TEST_S3_ACCESS_KEY", "minio"),
		SecretAccessKey:  envOr("ESSQL_TEST_S3_SECRET_KEY", "miniostorage"),
		UseSSL:           false,
		Prefix:           "integration-tests",
		AutoCreateBucket: true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	store, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	key := "exports/it/window-0.parquet"
	payload := []byte("essql-integration")

	if _, err := store.Put(ctx, key, bytes.NewReader(payload), int64(len(payload)), storage.PutOptions{ContentType: "application/octet-stream"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	stat, err := store.Stat(ctx, key)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if stat.Size != int64(len(payload)) {
		t.Fatalf("Stat().Size = %d, want %d", stat.Size, len(payload))
	}

	u, err := store.DownloadURL(ctx, key, time.Minute)
	if err != nil {
		t.Fatalf("DownloadURL() error = %v", err)
	}
	resp, err := http.Get(u.String())
	if err != nil {
		t.Fatalf("http.Get() error = %v", err)
	}
	readPayload, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("io.ReadAll() error = %v", err)
	}
	if !bytes.Equal(readPayload, payload) {
		t.Fatalf("download payload = %q, want %q", string(readPayload), string(payload))
	}

	if _, err := store.Stat(ctx, "exports/it/missing.parquet"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("Stat() missing error = %v, want ErrObjectNotFound", err)
	}
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
