package storage

import (
	"github.com/golang/snappy"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// levelDB is the on-disk engine for single-node deployments, adapted from
// the teacher's levelDB wrapper: pool/handle sizing and bloom filter kept,
// chain-specific compaction metering dropped since this table never grows
// to chain-sized volumes.
type levelDB struct {
	fn string
	db *leveldb.DB
}

func ldbOptions(cacheSizeMB, handles int) *opt.Options {
	if cacheSizeMB < 16 {
		cacheSizeMB = 16
	}
	if handles < 16 {
		handles = 16
	}
	return &opt.Options{
		OpenFilesCacheCapacity: handles,
		BlockCacheCapacity:     cacheSizeMB / 2 * opt.MiB,
		WriteBuffer:            cacheSizeMB / 4 * opt.MiB,
		Filter:                 filter.NewBloomFilter(10),
	}
}

func newLevelDB(dir string, cacheSizeMB, handles int) (*levelDB, error) {
	db, err := leveldb.OpenFile(dir, ldbOptions(cacheSizeMB, handles))
	if _, corrupted := err.(*errors.ErrCorrupted); corrupted {
		db, err = leveldb.RecoverFile(dir, nil)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("opened leveldb store", "dir", dir)
	return &levelDB{fn: dir, db: db}, nil
}

func (d *levelDB) Put(key, value []byte) error {
	putCounter.Inc(1)
	return d.db.Put(key, snappy.Encode(nil, value), nil)
}

func (d *levelDB) Has(key []byte) (bool, error) {
	return d.db.Has(key, nil)
}

func (d *levelDB) Get(key []byte) ([]byte, error) {
	getCounter.Inc(1)
	raw, err := d.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		missCounter.Inc(1)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return snappy.Decode(nil, raw)
}

func (d *levelDB) Delete(key []byte) error {
	return d.db.Delete(key, nil)
}

func (d *levelDB) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	it := d.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	for it.Next() {
		val, err := snappy.Decode(nil, it.Value())
		if err != nil {
			return err
		}
		key := append([]byte(nil), it.Key()...)
		if err := fn(key, val); err != nil {
			return err
		}
	}
	return it.Error()
}

func (d *levelDB) Close() error {
	return d.db.Close()
}
