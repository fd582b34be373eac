// Package session implements the Session Manager (spec.md §4.2): client
// session lifecycle, extranonce allocation, variable-difficulty control,
// and session resumption.
package session

import (
	"encoding/binary"
	"encoding/hex"
	"sync/atomic"

	"github.com/ckpool-go/ckpool/pkg/log"
)

var logger = log.NewModuleLogger(log.Session)

// Slot is an extranonce allocation: a pair (enonce1_const, enonce1_var)
// whose combined length plus the negotiated enonce2 width equals the
// upstream nonce2 width (spec.md §3 Extranonce slot).
type Slot struct {
	Const []byte
	Var   []byte
}

// Enonce1Hex renders the full extranonce1 (const ‖ var) as hex, the form
// sent to the client in the subscribe response.
func (s Slot) Enonce1Hex() string {
	return hex.EncodeToString(append(append([]byte{}, s.Const...), s.Var...))
}

// minNonce2LenForProxy is the floor below which a proxied subproxy is
// rejected outright rather than warned-and-allowed (SPEC_FULL.md PART F,
// Open Question #3: decided as a hard rejection).
const minNonce2LenForProxy = 3

// Allocator hands out unique enonce1_var values from a pool-wide 64-bit
// little-endian monotone counter (spec.md §3: "ensuring uniqueness per
// client"). In pool mode enonce1_const is empty; in proxy mode it is
// inherited from the upstream and supplied via constPrefix.
type Allocator struct {
	seed         uint64 // monotone counter, starts from a pool-wide seed
	enonce1VarLen int
	constPrefix  []byte
}

// NewAllocator seeds the counter and records the var-length this pool
// negotiated with its nonce1length config (default 4, constrained 2-8).
func NewAllocator(seed uint64, enonce1VarLen int, constPrefix []byte) *Allocator {
	return &Allocator{seed: seed, enonce1VarLen: enonce1VarLen, constPrefix: constPrefix}
}

// ErrSlotsExhausted is returned when the enonce1_var counter would overflow
// its allocated byte width (spec.md §8 Extranonce slot boundary: "subscribe
// returns 'proxy full' rather than silently reusing a slot").
var ErrSlotsExhausted = slotsExhaustedError{}

type slotsExhaustedError struct{}

func (slotsExhaustedError) Error() string { return "proxy full: extranonce slots exhausted" }

// Next allocates a fresh Slot, or ErrSlotsExhausted if the counter has
// overflowed the configured byte width.
func (a *Allocator) Next() (Slot, error) {
	n := atomic.AddUint64(&a.seed, 1)
	maxVal := uint64(1)<<(uint(a.enonce1VarLen)*8) - 1
	if a.enonce1VarLen >= 8 {
		maxVal = ^uint64(0)
	}
	if n > maxVal {
		return Slot{}, ErrSlotsExhausted
	}

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, n)
	return Slot{Const: a.constPrefix, Var: buf[:a.enonce1VarLen]}, nil
}

// Restore rebuilds the Slot a reconnecting client previously held, given
// its persisted enonce1_var counter value (spec.md §4.2 subscribe contract
// step 2, session resume).
func (a *Allocator) Restore(counterValue uint64) Slot {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, counterValue)
	return Slot{Const: a.constPrefix, Var: buf[:a.enonce1VarLen]}
}

// ValidateProxyNonce2Len rejects subproxies whose upstream exposes fewer
// than minNonce2LenForProxy bytes of nonce2 width (decided Open Question #3).
func ValidateProxyNonce2Len(exposedLen int) error {
	if exposedLen < minNonce2LenForProxy {
		return slotsExhaustedError{}
	}
	return nil
}
