package txstore

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned by Backend.Get for a missing key.
var ErrNotFound = fmt.Errorf("key not found")

// Writer stages mutations inside Backend.Update.
type Writer interface {
	Put(key, value []byte) error
	Delete(key []byte) error
}

// Backend is a transactional key-value store. Update is all-or-nothing: if fn
// returns an error nothing it staged is applied.
type Backend interface {
	Get(key []byte) ([]byte, error)
	Update(fn func(w Writer) error) error
	ForEach(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// LevelDB is a Backend over goleveldb.
type LevelDB struct {
	once sync.Once
	db   *leveldb.DB
	sync bool
}

// OpenLevelDB opens or creates a database under dir. An empty dir keeps the
// database in memory.
func OpenLevelDB(dir string) (*LevelDB, error) {
	var (
		db   *leveldb.DB
		err  error
		opts opt.Options
	)

	if dir == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), &opts)
	} else {
		db, err = leveldb.OpenFile(dir, &opts)
		if errors.IsCorrupted(err) {
			db, err = leveldb.RecoverFile(dir, &opts)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open LevelDB: %w", err)
	}

	return &LevelDB{db: db, sync: dir != ""}, nil
}

func (l *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := l.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return value, err
}

type levelBatch struct {
	batch *leveldb.Batch
}

func (b levelBatch) Put(key, value []byte) error {
	b.batch.Put(key, value)
	return nil
}

func (b levelBatch) Delete(key []byte) error {
	b.batch.Delete(key)
	return nil
}

func (l *LevelDB) Update(fn func(w Writer) error) error {
	batch := new(leveldb.Batch)
	if err := fn(levelBatch{batch: batch}); err != nil {
		return err
	}
	if batch.Len() == 0 {
		return nil
	}
	return l.db.Write(batch, &opt.WriteOptions{Sync: l.sync})
}

func (l *LevelDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	iter := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	for iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Close closes the database; later calls are no-ops
func (l *LevelDB) Close() error {
	var err error
	l.once.Do(func() {
		err = l.db.Close()
	})
	return err
}

var boltBucket = []byte("transactions")

// Bolt is a Backend over a single bbolt bucket.
type Bolt struct {
	once sync.Once
	db   *bolt.DB
}

// OpenBolt opens or creates the database file at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &Bolt{db: db}, nil
}

func (b *Bolt) Get(key []byte) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltBucket).Get(key)
		if v == nil {
			return ErrNotFound
		}
		// Values are only valid inside the transaction
		value = bytes.Clone(v)
		return nil
	})
	return value, err
}

func (b *Bolt) Update(fn func(w Writer) error) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(boltBucket))
	})
}

func (b *Bolt) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the database file; later calls are no-ops
func (b *Bolt) Close() error {
	var err error
	b.once.Do(func() {
		err = b.db.Close()
	})
	return err
}
