package storage

import (
	"github.com/dgraph-io/badger"
	"github.com/golang/snappy"
)

// badgerDB is the default embedded engine: lower write-amplification than
// leveldb under the pool's small-value, high-write-rate share/session
// workload, adapted from the teacher's badgerDB wrapper (gc ticker
// dropped, this table never approaches the size that warrants it).
type badgerDB struct {
	fn string
	db *badger.DB
}

func newBadgerDB(dir string) (*badgerDB, error) {
	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	logger.Info("opened badger store", "dir", dir)
	return &badgerDB{fn: dir, db: db}, nil
}

func (d *badgerDB) Put(key, value []byte) error {
	putCounter.Inc(1)
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, snappy.Encode(nil, value))
	})
}

func (d *badgerDB) Has(key []byte) (bool, error) {
	found := false
	err := d.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

func (d *badgerDB) Get(key []byte) ([]byte, error) {
	getCounter.Inc(1)
	var out []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		out, err = snappy.Decode(nil, raw)
		return err
	})
	if err == badger.ErrKeyNotFound {
		missCounter.Inc(1)
	}
	return out, err
}

func (d *badgerDB) Delete(key []byte) error {
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (d *badgerDB) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	return d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			val, err := snappy.Decode(nil, raw)
			if err != nil {
				return err
			}
			if err := fn(key, val); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *badgerDB) Close() error {
	return d.db.Close()
}
