// Package stepstore persists internal/stepfn's ExecutionState snapshots and
// ExecutionEvent sequence so an external orchestrator that cannot hold a
// single process open across a whole dataflow run can resume polling after
// a restart, reading events from a given sequence number onward
// (EventsSince) instead of from the start of the run.
//
// Grounded on the teacher's services/orchestrator/persistence.go
// WorkflowStore: bucket-per-kind layout, a warm in-memory cache over a
// bbolt-backed store, and read/write latency histograms. Unlike
// WorkflowStore this package keeps no soft-delete/versioning bucket --
// ExecutionState has no analogue to a workflow definition being edited in
// place; a run's state is written once per mutation and superseded wholesale.
package stepstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/fluxweave/internal/repo"
	"github.com/swarmguard/fluxweave/internal/stepfn"
)

var (
	bucketStates = []byte("execution_states")
	bucketEvents = []byte("execution_events")
)

// Store persists step-form execution state for one repository.
type Store struct {
	db *bbolt.DB

	mu       sync.RWMutex
	warmState map[string]*stepfn.ExecutionState // hot cache keyed by execution id

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// Open opens (creating if absent) the bbolt database backing r's step-form
// state.
func Open(r *repo.Repo, meter metric.Meter) (*Store, error) {
	db, err := bbolt.Open(r.StepStoreDBPath(), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("stepstore: open boltdb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketStates, bucketEvents} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("stepstore: create buckets: %w", err)
	}

	s := &Store{db: db, warmState: make(map[string]*stepfn.ExecutionState)}
	if meter != nil {
		s.readLatency, _ = meter.Float64Histogram("fluxweave_stepstore_read_ms")
		s.writeLatency, _ = meter.Float64Histogram("fluxweave_stepstore_write_ms")
		s.cacheHits, _ = meter.Int64Counter("fluxweave_stepstore_cache_hits_total")
		s.cacheMisses, _ = meter.Int64Counter("fluxweave_stepstore_cache_misses_total")
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) recordLatency(ctx context.Context, h metric.Float64Histogram, op string, start time.Time) {
	if h == nil {
		return
	}
	h.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
}

// PutState writes a full snapshot of st, keyed by its execution id. Every
// ExecutionState mutation in internal/stepfn should be followed by a
// PutState so a crashed orchestrator can resume from the latest snapshot.
func (s *Store) PutState(ctx context.Context, st *stepfn.ExecutionState) error {
	start := time.Now()
	defer s.recordLatency(ctx, s.writeLatency, "put_state", start)

	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("stepstore: marshal state: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketStates).Put([]byte(st.ID), b)
	})
	if err != nil {
		return fmt.Errorf("stepstore: write state: %w", err)
	}

	s.mu.Lock()
	s.warmState[st.ID] = st
	s.mu.Unlock()
	return nil
}

// GetState reads back the latest snapshot for executionID, preferring the
// warm in-memory cache.
func (s *Store) GetState(ctx context.Context, executionID string) (*stepfn.ExecutionState, bool, error) {
	start := time.Now()
	defer s.recordLatency(ctx, s.readLatency, "get_state", start)

	s.mu.RLock()
	if st, ok := s.warmState[executionID]; ok {
		s.mu.RUnlock()
		if s.cacheHits != nil {
			s.cacheHits.Add(ctx, 1)
		}
		return st, true, nil
	}
	s.mu.RUnlock()
	if s.cacheMisses != nil {
		s.cacheMisses.Add(ctx, 1)
	}

	var st stepfn.ExecutionState
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketStates).Get([]byte(executionID))
		if b == nil {
			return nil
		}
		found = true
		return json.Unmarshal(b, &st)
	})
	if err != nil {
		return nil, false, fmt.Errorf("stepstore: read state: %w", err)
	}
	if !found {
		return nil, false, nil
	}

	s.mu.Lock()
	s.warmState[executionID] = &st
	s.mu.Unlock()
	return &st, true, nil
}

// DeleteState removes a run's snapshot and cached copy once its terminal
// result has been consumed by the orchestrator.
func (s *Store) DeleteState(executionID string) error {
	s.mu.Lock()
	delete(s.warmState, executionID)
	s.mu.Unlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketStates).Delete([]byte(executionID))
	})
}

// eventKey orders events lexically by (executionID, seq) so a bucket
// range-scan yields them in emission order.
func eventKey(executionID string, seq int64) []byte {
	key := make([]byte, len(executionID)+1+8)
	n := copy(key, executionID)
	key[n] = ':'
	binary.BigEndian.PutUint64(key[n+1:], uint64(seq))
	return key
}

// AppendEvents persists every event for executionID. Each Event already
// carries its own monotonically increasing Seq (stamped by internal/stepfn
// at mutation time); this call is purely durability, not sequencing.
func (s *Store) AppendEvents(ctx context.Context, executionID string, events []stepfn.Event) error {
	if len(events) == 0 {
		return nil
	}
	start := time.Now()
	defer s.recordLatency(ctx, s.writeLatency, "append_events", start)

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEvents)
		for _, ev := range events {
			b, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("stepstore: marshal event: %w", err)
			}
			if err := bucket.Put(eventKey(executionID, ev.Seq), b); err != nil {
				return fmt.Errorf("stepstore: write event: %w", err)
			}
		}
		return nil
	})
}

// EventsSince returns every event for executionID with Seq > afterSeq, in
// ascending order, for a consumer diff-polling the journal.
func (s *Store) EventsSince(ctx context.Context, executionID string, afterSeq int64) ([]stepfn.Event, error) {
	start := time.Now()
	defer s.recordLatency(ctx, s.readLatency, "events_since", start)

	var out []stepfn.Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketEvents).Cursor()
		prefix := append([]byte(executionID), ':')
		for k, v := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cursor.Next() {
			var ev stepfn.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("stepstore: decode event: %w", err)
			}
			if ev.Seq > afterSeq {
				out = append(out, ev)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
