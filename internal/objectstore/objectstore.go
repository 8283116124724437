// Package objectstore implements the write-once, content-addressed blob
// store (spec.md §4.1, C1): put/put_stream/get/exists/abbrev over blobs
// keyed by their SHA-256 hash, durable via write-to-temp-then-fsync-then-
// rename so a reader never observes a partial object.
package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/swarmguard/fluxweave/internal/fwerr"
	"github.com/swarmguard/fluxweave/internal/repo"
	"go.opentelemetry.io/otel/metric"
)

// Store is a content-addressed object store rooted at a repo.Repo.
type Store struct {
	repo   *repo.Repo
	puts   metric.Int64Counter
	reads  metric.Int64Counter
	misses metric.Int64Counter
}

// New constructs a Store. meter may be a no-op meter in tests.
func New(r *repo.Repo, meter metric.Meter) (*Store, error) {
	if err := os.MkdirAll(r.ObjectsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: create objects dir: %w", err)
	}
	if err := os.MkdirAll(r.TempDir(), 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: create temp dir: %w", err)
	}
	s := &Store{repo: r}
	if meter != nil {
		s.puts, _ = meter.Int64Counter("fluxweave_objectstore_puts_total")
		s.reads, _ = meter.Int64Counter("fluxweave_objectstore_reads_total")
		s.misses, _ = meter.Int64Counter("fluxweave_objectstore_misses_total")
	}
	return s, nil
}

// Hash computes the content address of b without storing it.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Put stores b, returning its hash. A second Put of identical bytes is a
// no-op and returns the same hash.
func (s *Store) Put(ctx context.Context, b []byte) (string, error) {
	return s.PutStream(ctx, strings.NewReader(string(b)))
}

// PutStream hashes src while copying it to a temp file, then renames the
// temp file into its content address. Idempotent and safe under concurrent
// writers of identical bytes.
func (s *Store) PutStream(ctx context.Context, src io.Reader) (string, error) {
	tmp, err := os.CreateTemp(s.repo.TempDir(), "obj-*.tmp")
	if err != nil {
		return "", fmt.Errorf("objectstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	removeTmp := true
	defer func() {
		if removeTmp {
			os.Remove(tmpPath)
		}
	}()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), src); err != nil {
		tmp.Close()
		return "", fmt.Errorf("objectstore: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("objectstore: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("objectstore: close temp file: %w", err)
	}

	hash := hex.EncodeToString(h.Sum(nil))
	dest := s.repo.ObjectPath(hash)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("objectstore: create shard dir: %w", err)
	}
	if _, err := os.Stat(dest); err == nil {
		// Already present: identical bytes produce identical hashes, so
		// this write is a semantic no-op.
		if s.puts != nil {
			s.puts.Add(ctx, 1)
		}
		return hash, nil
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", fmt.Errorf("objectstore: rename into place: %w", err)
	}
	removeTmp = false
	if s.puts != nil {
		s.puts.Add(ctx, 1)
	}
	return hash, nil
}

// Get reads the full contents of the object named by hash.
func (s *Store) Get(ctx context.Context, hash string) ([]byte, error) {
	b, err := os.ReadFile(s.repo.ObjectPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			if s.misses != nil {
				s.misses.Add(ctx, 1)
			}
			return nil, fwerr.ErrObjectNotFound
		}
		return nil, fmt.Errorf("objectstore: read %s: %w", hash, err)
	}
	if s.reads != nil {
		s.reads.Add(ctx, 1)
	}
	return b, nil
}

// Open returns a reader over the object named by hash; the caller must
// close it.
func (s *Store) Open(hash string) (io.ReadCloser, error) {
	f, err := os.Open(s.repo.ObjectPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fwerr.ErrObjectNotFound
		}
		return nil, fmt.Errorf("objectstore: open %s: %w", hash, err)
	}
	return f, nil
}

// Exists reports whether hash is stored.
func (s *Store) Exists(hash string) bool {
	_, err := os.Stat(s.repo.ObjectPath(hash))
	return err == nil
}

// Abbrev returns the smallest prefix length >= minLen that is unique among
// stored hashes. Display-only; never persisted.
func (s *Store) Abbrev(hash string, minLen int) (int, error) {
	all, err := s.listHashes()
	if err != nil {
		return 0, err
	}
	if minLen < 1 {
		minLen = 1
	}
	maxLen := len(hash)
	for n := minLen; n <= maxLen; n++ {
		prefix := hash[:n]
		collisions := 0
		for _, h := range all {
			if strings.HasPrefix(h, prefix) {
				collisions++
				if collisions > 1 {
					break
				}
			}
		}
		if collisions <= 1 {
			return n, nil
		}
	}
	return maxLen, nil
}

func (s *Store) listHashes() ([]string, error) {
	var hashes []string
	entries, err := os.ReadDir(s.repo.ObjectsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("objectstore: list shards: %w", err)
	}
	for _, shard := range entries {
		if !shard.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.repo.ObjectsDir(), shard.Name()))
		if err != nil {
			return nil, fmt.Errorf("objectstore: list shard %s: %w", shard.Name(), err)
		}
		for _, f := range files {
			name := strings.TrimSuffix(f.Name(), ".blob")
			hashes = append(hashes, shard.Name()+name)
		}
	}
	sort.Strings(hashes)
	return hashes, nil
}
