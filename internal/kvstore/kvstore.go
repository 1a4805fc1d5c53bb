// Package kvstore provides the embedded persistent key-value store used
// by the nonce cache, the DHT content store, and the sync trust DB.
// Interface shape grounded on the teacher's crypto/database package
// (Reader/Writer/Batch/Database); the concrete engine is Pebble, already
// present in the teacher's dependency graph.
package kvstore

import (
	"errors"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("kvstore: key not found")

// Reader reads from a store.
type Reader interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
}

// Writer writes to a store.
type Writer interface {
	Put(key, value []byte) error
	Delete(key []byte) error
}

// Iterator walks a key range in order.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Close() error
}

// Store is a key-value database.
type Store interface {
	Reader
	Writer
	NewIter(lowerBound, upperBound []byte) (Iterator, error)
	Close() error
}

// Pebble wraps a *pebble.DB to satisfy Store.
type Pebble struct {
	db *pebble.DB
}

// Open opens (creating if necessary) a Pebble-backed store at dir. An
// empty dir opens an in-memory store, used by tests.
func Open(dir string) (*Pebble, error) {
	var db *pebble.DB
	var err error
	if dir == "" {
		db, err = pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	} else {
		db, err = pebble.Open(dir, &pebble.Options{})
	}
	if err != nil {
		return nil, err
	}
	return &Pebble{db: db}, nil
}

func (p *Pebble) Get(key []byte) ([]byte, error) {
	v, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, closer.Close()
}

func (p *Pebble) Has(key []byte) (bool, error) {
	_, err := p.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *Pebble) Put(key, value []byte) error {
	return p.db.Set(key, value, pebble.Sync)
}

func (p *Pebble) Delete(key []byte) error {
	return p.db.Delete(key, pebble.Sync)
}

func (p *Pebble) Close() error {
	return p.db.Close()
}

type pebbleIter struct {
	it      *pebble.Iterator
	started bool
}

func (p *Pebble) NewIter(lowerBound, upperBound []byte) (Iterator, error) {
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: lowerBound, UpperBound: upperBound})
	if err != nil {
		return nil, err
	}
	it.First()
	return &pebbleIter{it: it}, nil
}

func (i *pebbleIter) Next() bool {
	if !i.started {
		i.started = true
		return i.it.Valid()
	}
	return i.it.Next()
}
func (i *pebbleIter) Key() []byte   { return i.it.Key() }
func (i *pebbleIter) Value() []byte { return i.it.Value() }
func (i *pebbleIter) Close() error  { return i.it.Close() }
