// Package txcache implements the Transaction Table (spec.md §3 Transaction
// entry, §4.1): a content-addressed cache of raw transactions shared across
// workbase regenerations, aged by refcount.
package txcache

import (
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/golang/snappy"
	set "gopkg.in/fatih/set.v0"

	"github.com/ckpool-go/ckpool/pkg/log"
)

var logger = log.NewModuleLogger(log.Workbase)

// localRefWeight and remoteRefWeight are the starting refcounts for
// locally-discovered vs. remotely-referenced transactions (spec.md §3:
// "Refcount starts at the higher of LOCAL or REMOTE magnitudes").
const (
	localRefWeight  = 1
	remoteRefWeight = 2
)

type entry struct {
	refcount int
	seen     bool
}

// Table is the shared transaction cache. All mutation is guarded by a
// single writer lock (spec.md §3 Ownership).
type Table struct {
	mu      sync.Mutex
	meta    map[[32]byte]*entry
	bytes   *fastcache.Cache
	seenSet *set.Set
}

// New builds a Table sized in bytes (spec.md: config.blockpoll/maxclients
// informed startup sizing happens one level up in internal/config; the
// cache itself just takes a byte budget).
func New(maxBytes int) *Table {
	return &Table{
		meta:    make(map[[32]byte]*entry),
		bytes:   fastcache.New(maxBytes),
		seenSet: set.New(),
	}
}

// Insert adds or refreshes a transaction entry. A transaction inserted
// because a peer referenced it should call InsertRemote instead, so its
// refcount reflects remote weighting.
func (t *Table) Insert(hash [32]byte, raw []byte) {
	t.insert(hash, raw, localRefWeight)
}

// InsertRemote records a remote reference, bumping refcount to
// remoteRefWeight regardless of any prior local weighting (spec.md §3:
// "is set to REMOTE on every remote reference").
func (t *Table) InsertRemote(hash [32]byte, raw []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.meta[hash]
	if !ok {
		e = &entry{}
		t.meta[hash] = e
		t.bytes.Set(hash[:], snappy.Encode(nil, raw))
		t.seenSet.Add(hash)
	}
	e.refcount = remoteRefWeight
}

func (t *Table) insert(hash [32]byte, raw []byte, weight int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.meta[hash]
	if !ok {
		e = &entry{refcount: weight}
		t.meta[hash] = e
		t.bytes.Set(hash[:], snappy.Encode(nil, raw))
		t.seenSet.Add(hash)
		return
	}
	if weight > e.refcount {
		e.refcount = weight
	}
}

// Lookup returns the raw transaction bytes for hash, if cached.
func (t *Table) Lookup(hash [32]byte) ([]byte, bool) {
	t.mu.Lock()
	_, ok := t.meta[hash]
	t.mu.Unlock()
	if !ok {
		return nil, false
	}
	compressed, found := t.bytes.HasGet(nil, hash[:])
	if !found {
		return nil, false
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, false
	}
	return raw, true
}

// Decay decrements every entry's refcount by one, called once per
// pool-template regeneration cycle, and evicts any entry that reaches zero
// (spec.md §3: "decremented once per pool-template regeneration cycle;
// entry is evicted when refcount reaches zero").
func (t *Table) Decay() (evicted int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for hash, e := range t.meta {
		e.refcount--
		if e.refcount <= 0 {
			delete(t.meta, hash)
			t.bytes.Del(hash[:])
			t.seenSet.Remove(hash)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of cached transactions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.meta)
}

// Seen reports whether hash has ever been cached (used when filtering
// which txn_hashes a peer needs sent vs. can reconstruct locally).
func (t *Table) Seen(hash [32]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seenSet.Has(hash)
}
