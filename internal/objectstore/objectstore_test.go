package objectstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/swarmguard/fluxweave/internal/repo"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	r := repo.Open(t.TempDir())
	s, err := New(r, noopmetric.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hash, err := s.Put(ctx, []byte("hello world"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if hash != Hash([]byte("hello world")) {
		t.Fatalf("hash mismatch: got %s", hash)
	}
	got, err := s.Get(ctx, hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("content mismatch: got %q", got)
	}
	if !s.Exists(hash) {
		t.Fatalf("expected Exists true")
	}
}

func TestPutIdempotentLeavesOneFile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h1, err := s.Put(ctx, []byte("same bytes"))
	if err != nil {
		t.Fatalf("Put 1: %v", err)
	}
	h2, err := s.Put(ctx, []byte("same bytes"))
	if err != nil {
		t.Fatalf("Put 2: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected identical hashes, got %s and %s", h1, h2)
	}

	path := s.repo.ObjectPath(h1)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected object file at %s: %v", path, err)
	}
	shardDir := filepath.Dir(path)
	entries, err := os.ReadDir(shardDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one file in shard dir, got %d", len(entries))
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), Hash([]byte("never written")))
	if err == nil {
		t.Fatalf("expected error for missing object")
	}
}

func TestAbbrevRespectsMinLen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	h, err := s.Put(ctx, []byte("abbrev target"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	n, err := s.Abbrev(h, 4)
	if err != nil {
		t.Fatalf("Abbrev: %v", err)
	}
	if n < 4 || n > len(h) {
		t.Fatalf("unexpected abbrev length %d", n)
	}
	if h[:n] != h[:n] {
		t.Fatalf("abbrev prefix mismatch")
	}
}
