package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ckpool-go/ckpool/internal/workbase"
)

var workbasePrefix = []byte("workbase/")

func workbaseKey(id int64) []byte {
	key := make([]byte, len(workbasePrefix)+8)
	copy(key, workbasePrefix)
	binary.BigEndian.PutUint64(key[len(workbasePrefix):], uint64(id))
	return key
}

// WorkbaseArchive persists a JSON snapshot of every retired workbase, so
// a restarted stratifier (or an offline audit) can still look up the
// exact template a block candidate or disputed share was built against
// (spec.md §4.1 "workbase archive").
type WorkbaseArchive struct {
	db Database
}

// NewWorkbaseArchive wraps db as a workbase archive.
func NewWorkbaseArchive(db Database) *WorkbaseArchive {
	return &WorkbaseArchive{db: db}
}

// Put archives one workbase snapshot.
func (a *WorkbaseArchive) Put(wb *workbase.Workbase) error {
	body, err := json.Marshal(wb)
	if err != nil {
		return fmt.Errorf("storage: marshal workbase %d: %w", wb.ID, err)
	}
	return a.db.Put(workbaseKey(wb.ID), body)
}

// Get returns the archived snapshot for id, decoded into a plain
// workbase.Workbase value (exported fields only — the archive never
// reconstructs a live, manager-owned Workbase).
func (a *WorkbaseArchive) Get(id int64) (*workbase.Workbase, error) {
	raw, err := a.db.Get(workbaseKey(id))
	if err != nil {
		return nil, err
	}
	var wb workbase.Workbase
	if err := json.Unmarshal(raw, &wb); err != nil {
		return nil, fmt.Errorf("storage: decode workbase %d: %w", id, err)
	}
	return &wb, nil
}
