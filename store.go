package replicants

import (
	"encoding/json"
	"errors"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/vmihailenco/msgpack/v5"
)

// Store keeps the canonical snapshot of every replicant: value, revision
// history and sequence number, keyed by name. It runs pebble over an
// in-memory filesystem, so nothing survives the process; within the
// process it lets a replicator be torn down and rebuilt without losing
// the chains.
//
// The value rides inside the msgpack envelope as its JSON encoding.
// Re-encoding through msgpack would morph the numeric types and the
// recomputed revision labels would stop matching the stored chain.
type Store struct {
	db *pebble.DB
}

type storeSnapshot struct {
	ValueJSON []byte   `msgpack:"value"`
	History   []string `msgpack:"history"`
	Seq       int64    `msgpack:"seq"`
}

func NewMemStore() (*Store, error) {
	db, err := pebble.Open("replicants", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func storeKey(name string) []byte {
	return append([]byte{'R'}, name...)
}

func (st *Store) Put(name string, value Value, history []string, seq int64) error {
	vj, err := json.Marshal(value)
	if err != nil {
		return err
	}

	b, err := msgpack.Marshal(&storeSnapshot{
		ValueJSON: vj,
		History:   history,
		Seq:       seq,
	})
	if err != nil {
		return err
	}

	return st.db.Set(storeKey(name), b, pebble.NoSync)
}

func (st *Store) Get(name string) (value Value, history []string, seq int64, ok bool, err error) {
	raw, closer, err := st.db.Get(storeKey(name))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil, 0, false, nil
	}
	if err != nil {
		return nil, nil, 0, false, err
	}
	defer closer.Close()

	var snap storeSnapshot
	if err := msgpack.Unmarshal(raw, &snap); err != nil {
		return nil, nil, 0, false, err
	}
	if len(snap.ValueJSON) > 0 {
		if err := json.Unmarshal(snap.ValueJSON, &value); err != nil {
			return nil, nil, 0, false, err
		}
	}
	return value, snap.History, snap.Seq, true, nil
}

func (st *Store) Close() error {
	return st.db.Close()
}
