// Package storage provides embedded key-value persistence for the
// workbase archive, the session-resume table, and periodic stats
// snapshots (spec.md §3 session table, §4.1 workbase archival, §6 status
// JSON). Two interchangeable engines are supported, selected by DBType,
// mirroring the teacher's pluggable Database abstraction.
package storage

import (
	"fmt"

	"github.com/ckpool-go/ckpool/pkg/log"
	"github.com/ckpool-go/ckpool/pkg/metrics"
)

var logger = log.NewModuleLogger(log.Storage)

// DBType selects the embedded storage engine.
type DBType string

const (
	LevelDB DBType = "leveldb"
	Badger  DBType = "badger"
)

// Database is the minimal KV surface every engine and every component in
// this package depends on, trimmed to what a mining pool's embedded
// tables actually need (no blockchain-specific accessors).
type Database interface {
	Put(key, value []byte) error
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Delete(key []byte) error
	// Iterate calls fn for every key under prefix, stopping and
	// returning fn's error if it returns one.
	Iterate(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// Config selects and sizes one embedded database.
type Config struct {
	Type        DBType
	Dir         string
	CacheSizeMB int
	Handles     int
}

// Open constructs the configured engine.
func Open(cfg Config) (Database, error) {
	switch cfg.Type {
	case Badger, "":
		return newBadgerDB(cfg.Dir)
	case LevelDB:
		return newLevelDB(cfg.Dir, cfg.CacheSizeMB, cfg.Handles)
	default:
		return nil, fmt.Errorf("storage: unknown db type %q", cfg.Type)
	}
}

var (
	putCounter = metrics.NewRegisteredCounter("storage/put")
	getCounter = metrics.NewRegisteredCounter("storage/get")
	missCounter = metrics.NewRegisteredCounter("storage/miss")
)
