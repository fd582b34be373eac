// Package accounting implements the Accounting Bridge (spec.md §4, §6): a
// fire-and-forget tagged-JSON queue to an external AccountingSink, with
// monotonic per-kind and global sequence numbers and a heartbeat channel
// carrying back per-worker mindiff hints.
package accounting

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ckpool-go/ckpool/internal/fabric"
	"github.com/ckpool-go/ckpool/pkg/log"
	"github.com/ckpool-go/ckpool/pkg/metrics"
)

var logger = log.NewModuleLogger(log.Accounting)

// Kind enumerates the record tags the sink accepts
// (spec.md §6 Accounting sink: "kind ∈ {authorise, workinfo, ageworkinfo,
// shares, shareerror, poolstats, workerstats, block, addrauth, heartbeat}").
type Kind string

const (
	KindAuthorise  Kind = "authorise"
	KindWorkinfo   Kind = "workinfo"
	KindAgeworkinfo Kind = "ageworkinfo"
	KindShares     Kind = "shares"
	KindShareerror Kind = "shareerror"
	KindPoolstats  Kind = "poolstats"
	KindWorkerstats Kind = "workerstats"
	KindBlock      Kind = "block"
	KindAddrauth   Kind = "addrauth"
	KindHeartbeat  Kind = "heartbeat"
)

// Sequencer hands out strictly increasing per-kind sequence numbers plus a
// single shared global sequence, under one critical section per emission
// (spec.md §5: "ad-hoc atomic sequence counters... emit them under the
// same critical section that builds the JSON object to preserve ordering").
type Sequencer struct {
	mu       sync.Mutex
	perKind  map[Kind]int64
	global   int64
}

// NewSequencer constructs an empty Sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{perKind: make(map[Kind]int64)}
}

// Next returns (seqKind, seqAll) for kind, both starting at 1.
func (s *Sequencer) Next(kind Kind) (seqKind, seqAll int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perKind[kind]++
	s.global++
	return s.perKind[kind], s.global
}

// DiffchangeHint is one per-worker mindiff update carried back on the
// heartbeat channel (spec.md §4.2 Authorise contract: "the sink's SUID /
// per-worker mindiff hints are applied").
type DiffchangeHint struct {
	Worker  string
	MinDiff float64
}

// DiffchangeFunc consumes a batch of hints parsed from a heartbeat
// response.
type DiffchangeFunc func(hints []DiffchangeHint)

// Bridge owns the Unix-domain connection to the accounting daemon and
// formats every record per spec.md §6's wire shape: `<kind>.<seqall>.json=<obj>`.
type Bridge struct {
	sockPath string
	seq      *Sequencer
	onDiffchange DiffchangeFunc
	standalone bool // -A: no accounting sink configured

	mu   sync.Mutex
	conn connWriter

	emitted  metrics.Counter
	failed   metrics.Counter

	backlogged int32 // atomic bool: heartbeat suppressed while non-zero
}

type connWriter interface {
	Write(p []byte) (int, error)
	Close() error
}

// NewBridge constructs a Bridge. If standalone is true (the -A CLI flag),
// every Emit is a silent no-op (spec.md §6 CLI: "-A standalone (no
// accounting sink)").
func NewBridge(sockPath string, standalone bool, onDiffchange DiffchangeFunc) *Bridge {
	return &Bridge{
		sockPath:     sockPath,
		seq:          NewSequencer(),
		onDiffchange: onDiffchange,
		standalone:   standalone,
		emitted:      metrics.NewRegisteredCounter("accounting/emitted"),
		failed:       metrics.NewRegisteredCounter("accounting/failed"),
	}
}

// Dial opens (or reopens) the accounting socket.
func (b *Bridge) Dial() error {
	if b.standalone {
		return nil
	}
	conn, err := fabric.Dial(b.sockPath)
	if err != nil {
		return fmt.Errorf("accounting: dial %s: %w", b.sockPath, err)
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	return nil
}

// Emit serialises payload, tags it with the next (kind, seqall) pair, and
// writes it fire-and-forget to the sink (spec.md §1: "fire-and-forget
// tagged-JSON queue").
func (b *Bridge) Emit(kind Kind, payload interface{}) {
	if b.standalone {
		return
	}
	seqKind, seqAll := b.seq.Next(kind)

	body, err := json.Marshal(payload)
	if err != nil {
		logger.Error("marshal accounting record failed", "kind", kind, "err", err)
		return
	}
	line := fmt.Sprintf("%s.%d.%d.json=%s", kind, seqKind, seqAll, body)

	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		b.failed.Inc(1)
		logger.Warn("accounting sink unreachable, dropping record", "kind", kind)
		return
	}
	if err := fabric.WriteFrame(conn, []byte(line)); err != nil {
		b.failed.Inc(1)
		logger.Warn("accounting emit failed", "kind", kind, "err", err)
		return
	}
	b.emitted.Inc(1)
}

// HandleResponse parses one `<seqstart>.<seqall>.<tag>.<payload>` response
// line from the sink (spec.md §6), dispatching `heartbeat=diffchange:[...]`
// payloads to onDiffchange.
func (b *Bridge) HandleResponse(line string) {
	// Only the first two dots are structural (seqkind, seqall); worker
	// names may themselves contain dots, so everything past them is left
	// intact in rest rather than split further.
	parts := strings.SplitN(line, ".", 3)
	if len(parts) < 3 {
		return
	}
	rest := parts[2]
	if rest == "ok" {
		return
	}
	const tagPrefix = "heartbeat=diffchange"
	if !strings.HasPrefix(rest, tagPrefix) {
		return
	}
	payload := strings.TrimPrefix(rest, tagPrefix)
	payload = strings.TrimPrefix(payload, ":")
	payload = strings.TrimPrefix(payload, ".")

	var raw []struct {
		Worker  string  `json:"worker"`
		MinDiff float64 `json:"mindiff"`
	}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		logger.Warn("malformed diffchange payload", "err", err)
		return
	}
	hints := make([]DiffchangeHint, 0, len(raw))
	for _, r := range raw {
		hints = append(hints, DiffchangeHint{Worker: r.Worker, MinDiff: r.MinDiff})
	}
	if b.onDiffchange != nil {
		b.onDiffchange(hints)
	}
}

// MarkBacklogged toggles heartbeat suppression while the outbound queue is
// backed up (spec.md §6: "A 1 s heartbeat suppressed during queue backlog").
func (b *Bridge) MarkBacklogged(v bool) {
	if v {
		atomic.StoreInt32(&b.backlogged, 1)
	} else {
		atomic.StoreInt32(&b.backlogged, 0)
	}
}

func (b *Bridge) backloggedNow() bool {
	return atomic.LoadInt32(&b.backlogged) != 0
}

// RunHeartbeat emits a heartbeat record once per second until stop is
// closed, unless suppressed by MarkBacklogged(true).
func (b *Bridge) RunHeartbeat(stop <-chan struct{}) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if b.backloggedNow() {
				continue
			}
			b.Emit(KindHeartbeat, map[string]interface{}{"ts": time.Now().Unix()})
		}
	}
}
