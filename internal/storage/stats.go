package storage

import (
	"encoding/json"
	"fmt"
)

var statsPrefix = []byte("stats/")

// Snapshot is the persisted per-user/worker/pool status document
// (spec.md §6 status JSON: hashrate{1m,5m,15m,1hr,6hr,1d,7d}, shares,
// bestshare, lastupdate), shared by internal/stats for both its periodic
// disk snapshot and its admin-API status responses.
type Snapshot struct {
	Name       string             `json:"name"`
	Hashrate1m float64            `json:"hashrate1m"`
	Hashrate5m float64            `json:"hashrate5m"`
	Hashrate15m float64           `json:"hashrate15m"`
	Hashrate1hr float64           `json:"hashrate1hr"`
	Hashrate6hr float64           `json:"hashrate6hr"`
	Hashrate1d float64            `json:"hashrate1d"`
	Hashrate7d float64            `json:"hashrate7d"`
	Shares     int64              `json:"shares"`
	Bestshare  float64            `json:"bestshare"`
	LastUpdate int64              `json:"lastupdate"`
	Workers    map[string]float64 `json:"workers,omitempty"`

	// LastSwapHash is the pool-wide swap-endian previous-block hash,
	// populated on the "pool" snapshot only (internal/workbase.Manager
	// tracks it per block-change epoch; per-user/worker snapshots leave
	// this empty).
	LastSwapHash string `json:"lastswaphash,omitempty"`
}

// StatsStore persists the latest Snapshot per subject (pool, user, or
// worker name), so a restart doesn't reset the admin API's status
// responses to zero until the next accumulator tick.
type StatsStore struct {
	db Database
}

// NewStatsStore wraps db as a stats snapshot store.
func NewStatsStore(db Database) *StatsStore {
	return &StatsStore{db: db}
}

func statsKey(subject string) []byte {
	return append(append([]byte(nil), statsPrefix...), subject...)
}

// Put persists the latest snapshot for subject.
func (s *StatsStore) Put(subject string, snap Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("storage: marshal snapshot %q: %w", subject, err)
	}
	return s.db.Put(statsKey(subject), body)
}

// Get returns the last persisted snapshot for subject.
func (s *StatsStore) Get(subject string) (Snapshot, bool) {
	raw, err := s.db.Get(statsKey(subject))
	if err != nil {
		return Snapshot{}, false
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, false
	}
	return snap, true
}

// All returns every persisted snapshot, for a bulk admin-API dump or a
// stats daemon warm restart.
func (s *StatsStore) All() (map[string]Snapshot, error) {
	out := make(map[string]Snapshot)
	err := s.db.Iterate(statsPrefix, func(key, value []byte) error {
		var snap Snapshot
		if err := json.Unmarshal(value, &snap); err != nil {
			return err
		}
		out[string(key[len(statsPrefix):])] = snap
		return nil
	})
	return out, err
}
