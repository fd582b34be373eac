// Package workbase implements the Workbase Manager (spec.md §4.1): block
// template construction, coinbase assembly, merkle aggregation, workbase
// aging, and propagation to clients and peers.
package workbase

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristanetworks/goarista/monotime"
	"github.com/ckpool-go/ckpool/pkg/log"
)

var logger = log.NewModuleLogger(log.Workbase)

// State is a workbase's position in its lifecycle
// (spec.md §4.1 "State machine of a workbase").
type State int

const (
	StateBuilding State = iota
	StateLive
	StateIncomplete
	StateRetired
	StateAged
	StateFreed
)

// Provenance records where a workbase originated.
type Provenance int

const (
	ProvenanceLocal Provenance = iota
	ProvenanceRemote
	ProvenanceProxied
)

// maxMerkleNodes bounds the branch per spec.md §3 (up to 16 * 32-byte nodes).
const maxMerkleNodes = 16

// retireGrace is the wall-clock grace window a retired workbase still
// accepts shares from high-latency downstream peers (spec.md §4.3).
const retireGrace = 10 * time.Second

// agingThreshold is the wall-age a workbase must clear, with a zero
// refcount, before it becomes eligible for aging (spec.md §3).
const agingThreshold = 10 * time.Minute

// keepNewest is the number of most-recent workbases never aged regardless
// of refcount or wall-age (spec.md §3, §4.1 clear_aged).
const keepNewest = 3

// Workbase is a fully materialised work template. Once inserted into the
// manager's table its content is immutable; only State, refcount, and
// retiredAt ever change (spec.md §3 invariants).
type Workbase struct {
	ID     int64
	Height int64

	PrevHashBE [32]byte
	PrevHashLE [32]byte

	NetworkDiffBits   uint32
	NetworkDiffTarget [32]byte
	NetworkDiff       float64

	BBVersion uint32
	NBit      uint32
	NTime     uint32
	RollWindow uint32

	Coinb1 []byte
	Coinb2 []byte

	MerkleBranch [][32]byte
	HeaderTemplate [80]byte

	WitnessCommitment []byte

	Provenance Provenance
	GenTime    int64 // monotonic nanoseconds, aristanetworks/goarista/monotime

	Enonce1Len int
	Enonce2Len int

	LogDir string

	// pendingTxnHashes is the full txn-hash list a peer-ingested workbase
	// was built from, retained so a later check_incomplete pass can
	// re-resolve only the hashes still missing from the txn cache
	// (spec.md §4.1 ingest_peer_workbase/check_incomplete). Empty for
	// locally-built workbases, which are always complete on construction.
	pendingTxnHashes [][32]byte

	mu        sync.RWMutex
	state     State
	refcount  int64
	retiredAt time.Time
	createdAt time.Time
}

func newWorkbase(id int64) *Workbase {
	return &Workbase{
		ID:        id,
		state:     StateBuilding,
		createdAt: time.Now(),
		GenTime:   monotime.Now().Nanoseconds(),
	}
}

// State returns the current lifecycle state.
func (w *Workbase) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Workbase) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Ref increments the read-refcount; callers must call Unref exactly once
// per successful Ref. lookup()/lookup_remote() use this (spec.md §4.1).
func (w *Workbase) Ref() { atomic.AddInt64(&w.refcount, 1) }

// Unref decrements the read-refcount.
func (w *Workbase) Unref() { atomic.AddInt64(&w.refcount, -1) }

func (w *Workbase) refs() int64 { return atomic.LoadInt64(&w.refcount) }

// markRetired records the wall-clock grace deadline used for late shares
// from high-latency downstream peers (spec.md §4.1 retire).
func (w *Workbase) markRetired() {
	w.mu.Lock()
	w.state = StateRetired
	w.retiredAt = time.Now()
	w.mu.Unlock()
}

// withinRetireGrace reports whether a late share against this retired
// workbase still falls inside the grace window.
func (w *Workbase) withinRetireGrace() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.state != StateRetired {
		return false
	}
	return time.Since(w.retiredAt) <= retireGrace
}

// ageable reports whether this workbase may be aged: zero refcount and
// wall-age past the threshold, per spec.md §3 invariants. The caller is
// responsible for excluding the keepNewest most-recent ids.
func (w *Workbase) ageable() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.state == StateIncomplete || w.state == StateBuilding {
		return false
	}
	return w.refs() == 0 && time.Since(w.createdAt) > agingThreshold
}
