// Package share implements the Share Validator (spec.md §4.3): header
// reconstruction, proof-of-work check, duplicate/stale/block detection.
package share

import (
	"encoding/binary"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/ckpool-go/ckpool/pkg/log"
)

var logger = log.NewModuleLogger(log.Share)

// RejectCode is the client-visible reject-reason taxonomy (spec.md §4.3).
type RejectCode int

const (
	CodeOK RejectCode = 0

	CodeMalformed   RejectCode = -2 // -9..-2: malformed params
	CodeUnknownJob  RejectCode = 1
	CodeStale       RejectCode = 2
	CodeNtimeInvalid RejectCode = 3
	CodeDuplicate   RejectCode = 4
	CodeHighDiff    RejectCode = 5
)

func (c RejectCode) String() string {
	switch c {
	case CodeOK:
		return ""
	case CodeUnknownJob:
		return "Unknown job_id"
	case CodeStale:
		return "Stale"
	case CodeNtimeInvalid:
		return "Ntime out of range"
	case CodeDuplicate:
		return "Duplicate"
	case CodeHighDiff:
		return "Above target"
	default:
		return "Invalid params"
	}
}

// ntimeWindow bounds how far a client's ntime may exceed the workbase's
// ntime (spec.md §4.3: "ntime < wb.ntime or > wb.ntime + 7000").
const ntimeWindow = 7000

// blockDiffSlack is the fractional allowance below the network difficulty
// a share must still clear to be treated as a block candidate
// (spec.md §4.3: "sdiff < wb.network_diff * 0.999 -> not a block").
const blockDiffSlack = 0.999

// dupeWindow is the wall-clock width of the duplicate-detection set
// (spec.md §3 Share record: "2-minute-wide").
const dupeWindow = 2 * time.Minute

// Submission is a parsed mining.submit (spec.md §4.3 Inputs).
type Submission struct {
	WorkerName string
	JobIDHex   string
	Enonce2Hex string
	NtimeHex   string
	NonceHex   string
}

// WorkbaseView is the minimal read-only projection of a workbase the
// validator needs; internal/workbase.Workbase satisfies it via an adapter
// in the stratum dispatch layer.
type WorkbaseView struct {
	ID             int64
	Enonce2Len     int
	Coinb1, Coinb2 []byte
	Enonce1Const   []byte
	Enonce1Var     []byte
	MerkleBranch   [][32]byte
	NTime          uint32
	BBVersion      uint32
	NBit           uint32
	PrevHashLE     [32]byte
	NetworkDiff    float64
}

// Record is a (hash, workbase_id) duplicate-detection entry (spec.md §3
// Share record).
type Record struct {
	Hash      [32]byte
	WorkbaseID int64
}

// DupeSet is the 2-minute-wide duplicate-detection set, purged by epoch
// change and by workbase aging (spec.md §4.3 Duplicate set lifecycle).
// Backed by an LRU as a bound on pathological growth, with explicit
// time-based purge for the spec's two purge triggers.
type DupeSet struct {
	mu      sync.Mutex
	cache   *lru.Cache
	seenAt  map[[40]byte]time.Time // key = hash(32) ‖ workbase_id(8)
}

func recordKey(r Record) [40]byte {
	var k [40]byte
	copy(k[:32], r.Hash[:])
	binary.BigEndian.PutUint64(k[32:], uint64(r.WorkbaseID))
	return k
}

// NewDupeSet builds a duplicate set bounded to capacity entries.
func NewDupeSet(capacity int) *DupeSet {
	d := &DupeSet{seenAt: make(map[[40]byte]time.Time)}
	// Evicting a key from the LRU also drops it from seenAt, so the set
	// never holds more than capacity entries.
	d.cache, _ = lru.NewWithEvict(capacity, func(key, _ interface{}) {
		delete(d.seenAt, key.([40]byte))
	})
	return d
}

// CheckAndAdd reports whether r is new (not previously seen within the
// dupe window) and, if so, records it (spec.md §3 Share record: "A share
// is new iff the pair is absent").
func (d *DupeSet) CheckAndAdd(r Record) (isNew bool) {
	key := recordKey(r)
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.seenAt[key]; ok && time.Since(t) < dupeWindow {
		return false
	}
	d.seenAt[key] = time.Now()
	d.cache.Add(key, struct{}{})
	return true
}

// PurgeOlderThan removes every entry for a workbase id below
// blockChangeID, the epoch-change purge (spec.md §4.3 Duplicate set lifecycle).
func (d *DupeSet) PurgeOlderThan(blockChangeID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k := range d.seenAt {
		wbID := int64(binary.BigEndian.Uint64(k[32:]))
		if wbID < blockChangeID {
			delete(d.seenAt, k)
			d.cache.Remove(k)
		}
	}
}

// PurgeWorkbase removes every entry for exactly agedWbID, the per-aging
// purge (spec.md §4.3 Duplicate set lifecycle: "purged when that workbase
// is aged").
func (d *DupeSet) PurgeWorkbase(agedWbID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k := range d.seenAt {
		wbID := int64(binary.BigEndian.Uint64(k[32:]))
		if wbID == agedWbID {
			delete(d.seenAt, k)
			d.cache.Remove(k)
		}
	}
}

// coerceEnonce2 truncates excess or left-pads shortfall with '0' to match
// the workbase's declared varlen (spec.md §4.3 step 1).
func coerceEnonce2(hexStr string, varLen int) ([]byte, error) {
	want := varLen * 2
	if len(hexStr) > want {
		hexStr = hexStr[:want]
	} else if len(hexStr) < want {
		hexStr = strings.Repeat("0", want-len(hexStr)) + hexStr
	}
	return hex.DecodeString(hexStr)
}

// Result is the outcome of validating one submission (spec.md §4.3 step 6,
// §4.4 reject-reason surfacing).
type Result struct {
	Accepted   bool
	Code       RejectCode
	ShareDiff  float64
	IsBlock    bool
	HeaderHex  string
	Hash       [32]byte
}
