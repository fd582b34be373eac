package workbase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/otiai10/copy"

	"github.com/ckpool-go/ckpool/internal/merkle"
	"github.com/ckpool-go/ckpool/internal/txcache"
	"github.com/ckpool-go/ckpool/pkg/metrics"
)

// Priority controls how regenerate() behaves under contention
// (spec.md §4.1).
type Priority int

const (
	PriorityLax Priority = iota
	PriorityNormal
	PriorityHigh
)

// maxTemplateRetries bounds getblocktemplate retries on high-priority calls
// before falling through with a keep-alive ping (spec.md §4.1 Failure semantics).
const maxTemplateRetries = 5

// NotifyFunc broadcasts a stratum mining.notify to clients; cleanJobs is
// true on a block-change epoch (spec.md §4.1 Block-change detection).
type NotifyFunc func(wb *Workbase, cleanJobs bool)

// PeerFanoutFunc propagates a workinfo record to node/remote peers,
// deferred until after the client-facing notify (spec.md §4.1, §5 ordering).
type PeerFanoutFunc func(wb *Workbase)

// AccountingFunc emits a workinfo/ageworkinfo accounting record.
type AccountingFunc func(kind string, wb *Workbase)

// PingFunc broadcasts a keep-alive ping when template fetch exhausts retries.
type PingFunc func()

// DupePurgeFunc purges share.DupeSet entries tied to workbase ids no longer
// live, wired to the two purge triggers spec.md §4.3's "Duplicate set
// lifecycle" names: an epoch change (purge everything below the new
// blockchange id) and a per-workbase aging event (purge exactly that id).
type DupePurgeFunc func(id int64)

// Config carries the payout/coinbase parameters that come from the pool
// configuration file (spec.md §6 btcaddress/btcsig).
type Config struct {
	OperatorScript []byte
	DonationScript []byte
	BrandTag       []byte
	OperatorSig    []byte
	Enonce1Len     int
	Enonce2Len     int

	// LogDir is the workinfo logging root (spec.md §6 "logdir"). Each
	// workbase gets a per-id subdirectory under LogDir/workinfo while
	// live; it's archived under LogDir/workinfo/aged on free.
	LogDir string
}

// Manager owns every Workbase exclusively (spec.md §3 Ownership). It is
// safe for concurrent use.
type Manager struct {
	cfg    Config
	source Source
	txns   *txcache.Table

	notify   NotifyFunc
	fanout   PeerFanoutFunc
	account  AccountingFunc
	ping     PingFunc

	purgeEpoch DupePurgeFunc
	purgeAged  DupePurgeFunc

	regenSem chan struct{} // binary semaphore serialising regenerate()

	mu          sync.RWMutex
	byID        map[int64]*Workbase
	order       []int64 // insertion order, newest last
	nextID      int64
	lastPrevHash [32]byte
	blockChangeID int64
	lastSwapHash  string

	regenCount metrics.Counter
}

// New constructs a Manager. txns must be non-nil. source may be nil only for
// a Manager that never calls Regenerate and ingests only peer workbases whose
// transactions are already cached (cmd/ckpool's stratifier role); notify/
// fanout/account/ping may be nil in tests that don't exercise those side effects.
func New(cfg Config, source Source, txns *txcache.Table, notify NotifyFunc, fanout PeerFanoutFunc, account AccountingFunc, ping PingFunc) *Manager {
	return &Manager{
		cfg:        cfg,
		source:     source,
		txns:       txns,
		notify:     notify,
		fanout:     fanout,
		account:    account,
		ping:       ping,
		regenSem:   make(chan struct{}, 1),
		byID:       make(map[int64]*Workbase),
		regenCount: metrics.NewRegisteredCounter("workbase/regenerate"),
	}
}

// SetDupePurge wires the epoch-change and per-aging duplicate-set purge
// hooks. Optional; install/ClearAged no-op the purge when unset, which is
// the case for the generator role's Manager (it never sees submitted shares
// and so owns no share.DupeSet to purge).
func (m *Manager) SetDupePurge(epoch, aged DupePurgeFunc) {
	m.purgeEpoch = epoch
	m.purgeAged = aged
}

// Regenerate fetches a fresh template and installs a new Workbase
// (spec.md §4.1 regenerate). On PriorityLax it returns immediately (false,
// nil) if another regeneration is already in flight.
func (m *Manager) Regenerate(ctx context.Context, prio Priority) (bool, error) {
	if prio == PriorityLax {
		select {
		case m.regenSem <- struct{}{}:
		default:
			return false, nil
		}
	} else {
		m.regenSem <- struct{}{}
	}
	defer func() { <-m.regenSem }()

	retries := 1
	if prio == PriorityHigh {
		retries = maxTemplateRetries
	}

	var tmpl *Template
	var err error
	for i := 0; i < retries; i++ {
		tmpl, err = m.source.GetBlockTemplate(ctx, []string{"coinbasetxn", "workid", "coinbase/append"})
		if err == nil {
			break
		}
	}
	if err != nil {
		if m.ping != nil {
			m.ping()
		}
		return false, fmt.Errorf("getblocktemplate failed after %d attempts: %w", retries, err)
	}

	if bad := unrecognisedMandatoryRule(tmpl.Rules); bad != "" {
		return false, fmt.Errorf("unrecognised consensus rule !%s", bad)
	}

	wb := m.buildWorkbase(tmpl)
	m.install(wb)
	return true, nil
}

func (m *Manager) buildWorkbase(tmpl *Template) *Workbase {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	wb := newWorkbase(id)
	wb.Height = tmpl.Height
	wb.PrevHashBE = tmpl.PrevHashBE
	wb.PrevHashLE = tmpl.PrevHashLE
	wb.NetworkDiffBits = tmpl.Bits
	wb.NetworkDiffTarget = tmpl.DiffTarget
	wb.NetworkDiff = tmpl.NetworkDiff
	wb.BBVersion = tmpl.Version
	wb.NBit = tmpl.Bits
	wb.NTime = tmpl.CurTime
	wb.RollWindow = 7000 // spec.md §4.3 ntime window upper bound
	wb.Enonce1Len = m.cfg.Enonce1Len
	wb.Enonce2Len = m.cfg.Enonce2Len

	txids := make([][32]byte, 0, len(tmpl.Transactions))
	for _, tx := range tmpl.Transactions {
		m.txns.Insert(tx.Hash, tx.Data)
		txids = append(txids, tx.Hash)
	}
	wb.MerkleBranch = merkle.BuildBranch(txids)

	witness := tmpl.DefaultWitnessCommitment
	coinb1, coinb2 := merkle.BuildCoinbase(merkle.CoinbaseParams{
		Height:            tmpl.Height,
		BrandTag:          m.cfg.BrandTag,
		OperatorSig:       m.cfg.OperatorSig,
		Enonce1Len:        m.cfg.Enonce1Len,
		Enonce2Len:        m.cfg.Enonce2Len,
		CoinbaseValue:     tmpl.CoinbaseValue,
		OperatorScript:    m.cfg.OperatorScript,
		DonationScript:    m.cfg.DonationScript,
		WitnessCommitment: witness,
	})
	wb.Coinb1 = coinb1
	wb.Coinb2 = coinb2
	if m.cfg.LogDir != "" {
		wb.LogDir = filepath.Join(m.cfg.LogDir, "workinfo", fmt.Sprintf("%d", id))
	}
	wb.setState(StateLive)
	return wb
}

// writeWorkinfo drops a small workinfo record under wb.LogDir, the live
// counterpart to the C daemon's per-block logdir entries (spec.md §6
// logdir, original_source/src/stratifier.c update_base()).
func (m *Manager) writeWorkinfo(wb *Workbase) {
	if wb.LogDir == "" {
		return
	}
	if err := os.MkdirAll(wb.LogDir, 0750); err != nil {
		logger.Warn("workinfo mkdir failed", "dir", wb.LogDir, "err", err)
		return
	}
	body := fmt.Sprintf("id=%d height=%d prevhash=%x ntime=%x\n", wb.ID, wb.Height, wb.PrevHashBE, wb.NTime)
	path := filepath.Join(wb.LogDir, "workinfo.txt")
	if err := os.WriteFile(path, []byte(body), 0640); err != nil {
		logger.Warn("workinfo write failed", "path", path, "err", err)
	}
}

// archiveWorkinfo relocates a freed workbase's logdir entry under an
// "aged" subtree rather than deleting it outright, so operators retain the
// same retire-time audit trail the C daemon's logdir layout gives them.
func (m *Manager) archiveWorkinfo(wb *Workbase) {
	if wb.LogDir == "" {
		return
	}
	if _, err := os.Stat(wb.LogDir); err != nil {
		return
	}
	dest := filepath.Join(m.cfg.LogDir, "workinfo", "aged", fmt.Sprintf("%d", wb.ID))
	if err := copy.Copy(wb.LogDir, dest); err != nil {
		logger.Warn("workinfo archive failed", "id", wb.ID, "err", err)
		return
	}
	os.RemoveAll(wb.LogDir)
}

// install inserts wb into the table, detects a block-change epoch, emits
// the client notify (deferring peer fanout until afterwards per §5
// ordering), and ages old workbases.
func (m *Manager) install(wb *Workbase) {
	m.mu.Lock()
	cleanJobs := wb.PrevHashBE != m.lastPrevHash
	if cleanJobs {
		m.lastPrevHash = wb.PrevHashBE
		m.blockChangeID = wb.ID
		m.lastSwapHash = swapEndianHex(wb.PrevHashBE)
	}
	m.byID[wb.ID] = wb
	m.order = append(m.order, wb.ID)
	m.mu.Unlock()

	m.regenCount.Inc(1)
	m.writeWorkinfo(wb)

	if m.notify != nil {
		m.notify(wb, cleanJobs)
	}
	if m.account != nil {
		m.account("workinfo", wb)
	}
	if m.fanout != nil {
		m.fanout(wb)
	}
	if cleanJobs && m.purgeEpoch != nil {
		m.purgeEpoch(wb.ID)
	}

	m.ClearAged()
}

// swapEndianHex renders a 32-byte hash as a swap-endian hex string for the
// human-readable "lastswaphash" diagnostic (spec.md §4.1).
func swapEndianHex(h [32]byte) string {
	var out [32]byte
	for i := 0; i < 32; i += 4 {
		out[i], out[i+1], out[i+2], out[i+3] = h[i+3], h[i+2], h[i+1], h[i]
	}
	const hexdigits = "0123456789abcdef"
	buf := make([]byte, 64)
	for i, b := range out {
		buf[i*2] = hexdigits[b>>4]
		buf[i*2+1] = hexdigits[b&0xf]
	}
	return string(buf)
}

// LastSwapHash returns the current human-readable swap-endian previous-block
// hash, updated on every block-change epoch.
func (m *Manager) LastSwapHash() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSwapHash
}

// BlockChangeID returns the id of the workbase that began the current epoch.
func (m *Manager) BlockChangeID() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.blockChangeID
}

// Lookup increments refcount and returns the workbase, failing if it is
// marked Incomplete (spec.md §4.1 lookup/lookup_remote).
func (m *Manager) Lookup(id int64) (*Workbase, bool) {
	m.mu.RLock()
	wb, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if wb.State() == StateIncomplete {
		return nil, false
	}
	wb.Ref()
	return wb, true
}

// Latest returns the most recently installed workbase, if any.
func (m *Manager) Latest() (*Workbase, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.order) == 0 {
		return nil, false
	}
	return m.byID[m.order[len(m.order)-1]], true
}

// RetireGraceOK reports whether a share submitted against an aged-out or
// retired workbase id still falls within the retirement grace window,
// honouring high-latency downstream peers (spec.md §4.3 STALE exception).
func (m *Manager) RetireGraceOK(id int64) bool {
	m.mu.RLock()
	wb, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return wb.withinRetireGrace()
}

// ClearAged destroys any workbase, excluding the keepNewest most recent,
// that is both aged and unreferenced (spec.md §4.1 clear_aged).
func (m *Manager) ClearAged() {
	m.mu.Lock()
	if len(m.order) <= keepNewest {
		m.mu.Unlock()
		return
	}
	protect := make(map[int64]bool, keepNewest)
	for _, id := range m.order[len(m.order)-keepNewest:] {
		protect[id] = true
	}

	var freed []*Workbase
	remaining := m.order[:0:0]
	for _, id := range m.order {
		wb := m.byID[id]
		if protect[id] || !wb.ageable() {
			remaining = append(remaining, id)
			continue
		}
		wb.setState(StateAged)
		delete(m.byID, id)
		freed = append(freed, wb)
	}
	m.order = remaining
	m.mu.Unlock()

	for _, wb := range freed {
		wb.setState(StateFreed)
		if m.account != nil {
			m.account("ageworkinfo", wb)
		}
		if m.purgeAged != nil {
			m.purgeAged(wb.ID)
		}
		m.archiveWorkinfo(wb)
	}
}

// IngestPeerWorkbase creates a workbase from a peer-sent payload, rebuilding
// transactions locally where possible and falling back to the
// BlockchainSource, marking the result Incomplete if unresolved
// (spec.md §4.1 ingest_peer_workbase).
func (m *Manager) IngestPeerWorkbase(ctx context.Context, payload PeerWorkbase, trusted bool) (*Workbase, error) {
	wb := newWorkbase(payload.ID)
	wb.Height = payload.Height
	wb.PrevHashBE = payload.PrevHashBE
	wb.Coinb1 = payload.Coinb1
	wb.Coinb2 = payload.Coinb2
	wb.MerkleBranch = payload.MerkleBranch
	wb.Enonce1Len = payload.Enonce1Len
	wb.Enonce2Len = payload.Enonce2Len
	wb.Provenance = ProvenanceRemote
	if trusted {
		wb.Provenance = ProvenanceProxied
	}
	wb.pendingTxnHashes = payload.TxnHashes

	if m.resolveTxns(ctx, wb) {
		wb.setState(StateLive)
	} else {
		wb.setState(StateIncomplete)
	}

	m.mu.Lock()
	m.byID[wb.ID] = wb
	m.order = append(m.order, wb.ID)
	if wb.ID > m.nextID {
		m.nextID = wb.ID
	}
	m.mu.Unlock()

	return wb, nil
}

// resolveTxns attempts to satisfy every hash in wb.pendingTxnHashes from the
// txn cache, falling back to m.source.GetRawTransaction for misses, and
// reports whether all of them now resolve.
func (m *Manager) resolveTxns(ctx context.Context, wb *Workbase) bool {
	complete := true
	for _, h := range wb.pendingTxnHashes {
		if _, ok := m.txns.Lookup(h); ok {
			continue
		}
		raw, err := m.source.GetRawTransaction(ctx, h)
		if err != nil || len(raw) == 0 {
			complete = false
			continue
		}
		m.txns.Insert(h, raw)
	}
	return complete
}

// CheckIncomplete retries transaction resolution for every Incomplete
// workbase, promoting only those whose pendingTxnHashes now fully resolve
// (spec.md §4.1 check_incomplete); the rest stay Incomplete.
func (m *Manager) CheckIncomplete(ctx context.Context) {
	m.mu.RLock()
	var pending []*Workbase
	for _, id := range m.order {
		wb := m.byID[id]
		if wb.State() == StateIncomplete {
			pending = append(pending, wb)
		}
	}
	m.mu.RUnlock()

	for _, wb := range pending {
		if m.resolveTxns(ctx, wb) {
			wb.setState(StateLive)
		}
	}
}

// PeerWorkbase is the wire shape of a peer-sent workinfo payload
// (spec.md §4.1 ingest_peer_workbase, §6 peer methods).
type PeerWorkbase struct {
	ID           int64
	Height       int64
	PrevHashBE   [32]byte
	Coinb1       []byte
	Coinb2       []byte
	MerkleBranch [][32]byte
	TxnHashes    [][32]byte
	Enonce1Len   int
	Enonce2Len   int
}
