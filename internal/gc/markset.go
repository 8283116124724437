package gc

import (
	"fmt"
	"os"

	badger "github.com/dgraph-io/badger/v4"
)

// markSet is a disk-backed set of reachable object hashes, used instead of
// an in-memory map so a reachability sweep over a very large repository
// does not need to hold every hash in process memory at once.
type markSet struct {
	dir string
	db  *badger.DB
}

func newMarkSet() (*markSet, error) {
	dir, err := os.MkdirTemp("", "fluxweave-gc-mark-*")
	if err != nil {
		return nil, fmt.Errorf("gc: create mark set dir: %w", err)
	}
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("gc: open mark set: %w", err)
	}
	return &markSet{dir: dir, db: db}, nil
}

func (m *markSet) Add(hash string) error {
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(hash), []byte{1})
	})
}

func (m *markSet) Has(hash string) bool {
	var found bool
	_ = m.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(hash))
		found = err == nil
		return nil
	})
	return found
}

func (m *markSet) Close() {
	m.db.Close()
	os.RemoveAll(m.dir)
}
