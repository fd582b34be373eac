package workbase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ckpool-go/ckpool/internal/txcache"
)

// fakeSource is a hand-written Source stand-in: it never touches a
// bitcoind-family daemon, only returns canned templates or forced errors.
type fakeSource struct {
	tmpl *Template
	err  error
	n    int

	// unresolvable marks txn hashes GetRawTransaction should always fail
	// to fetch, independent of err (which only governs GetBlockTemplate).
	unresolvable map[[32]byte]bool
}

func (f *fakeSource) GetBlockTemplate(ctx context.Context, rules []string) (*Template, error) {
	f.n++
	if f.err != nil {
		return nil, f.err
	}
	return f.tmpl, nil
}

func (f *fakeSource) SubmitBlock(ctx context.Context, blockHex string) (*SubmitResult, error) {
	return &SubmitResult{Accepted: true}, nil
}

func (f *fakeSource) ValidateAddress(ctx context.Context, address string) (bool, error) {
	return true, nil
}

func (f *fakeSource) GetRawTransaction(ctx context.Context, hash [32]byte) ([]byte, error) {
	if f.unresolvable[hash] {
		return nil, errors.New("tx not found")
	}
	return []byte("raw"), nil
}

func (f *fakeSource) GetBestBlockHash(ctx context.Context) ([32]byte, error) {
	return [32]byte{}, nil
}

func baseTemplate(prevHashByte byte) *Template {
	var prev [32]byte
	prev[0] = prevHashByte
	return &Template{
		Height:        100,
		PrevHashBE:    prev,
		PrevHashLE:    prev,
		Bits:          0x1d00ffff,
		Version:       1,
		CurTime:       1700000000,
		CoinbaseValue: 5000000000,
		Rules:         []string{"segwit"},
	}
}

func newTestManager(t *testing.T, source Source, notify NotifyFunc, ping PingFunc) *Manager {
	t.Helper()
	cfg := Config{
		OperatorScript: []byte{0x76, 0xa9, 0x14},
		Enonce1Len:     4,
		Enonce2Len:     8,
	}
	return New(cfg, source, txcache.New(1<<20), notify, nil, nil, ping)
}

func TestRegenerateInstallsWorkbaseAndNotifies(t *testing.T) {
	src := &fakeSource{tmpl: baseTemplate(1)}

	var notified *Workbase
	var cleanJobsSeen bool
	mgr := newTestManager(t, src, func(wb *Workbase, cleanJobs bool) {
		notified = wb
		cleanJobsSeen = cleanJobs
	}, nil)

	ok, err := mgr.Regenerate(context.Background(), PriorityNormal)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, notified)
	require.True(t, cleanJobsSeen, "first workbase always begins a new block-change epoch")
	require.Equal(t, StateLive, notified.State())
}

func TestRegenerateSamePrevHashIsNotCleanJobs(t *testing.T) {
	src := &fakeSource{tmpl: baseTemplate(1)}

	var cleanJobsSeen []bool
	mgr := newTestManager(t, src, func(wb *Workbase, cleanJobs bool) {
		cleanJobsSeen = append(cleanJobsSeen, cleanJobs)
	}, nil)

	_, err := mgr.Regenerate(context.Background(), PriorityNormal)
	require.NoError(t, err)
	_, err = mgr.Regenerate(context.Background(), PriorityNormal)
	require.NoError(t, err)

	require.Equal(t, []bool{true, false}, cleanJobsSeen)
}

func TestRegenerateBlockChangeUpdatesLastSwapHash(t *testing.T) {
	src := &fakeSource{tmpl: baseTemplate(1)}
	mgr := newTestManager(t, src, nil, nil)

	_, err := mgr.Regenerate(context.Background(), PriorityNormal)
	require.NoError(t, err)
	first := mgr.LastSwapHash()
	require.NotEmpty(t, first)

	src.tmpl = baseTemplate(2)
	_, err = mgr.Regenerate(context.Background(), PriorityNormal)
	require.NoError(t, err)
	require.NotEqual(t, first, mgr.LastSwapHash())
}

func TestRegenerateHighPriorityRetriesThenPings(t *testing.T) {
	src := &fakeSource{err: errors.New("daemon unreachable")}

	pinged := false
	mgr := newTestManager(t, src, nil, func() { pinged = true })

	ok, err := mgr.Regenerate(context.Background(), PriorityHigh)
	require.Error(t, err)
	require.False(t, ok)
	require.True(t, pinged)
	require.Equal(t, maxTemplateRetries, src.n)
}

func TestRegenerateNormalPriorityDoesNotRetry(t *testing.T) {
	src := &fakeSource{err: errors.New("daemon unreachable")}
	mgr := newTestManager(t, src, nil, nil)

	_, err := mgr.Regenerate(context.Background(), PriorityNormal)
	require.Error(t, err)
	require.Equal(t, 1, src.n)
}

func TestRegenerateRejectsUnrecognisedMandatoryRule(t *testing.T) {
	tmpl := baseTemplate(1)
	tmpl.Rules = []string{"!exoticfork"}
	src := &fakeSource{tmpl: tmpl}
	mgr := newTestManager(t, src, nil, nil)

	ok, err := mgr.Regenerate(context.Background(), PriorityNormal)
	require.Error(t, err)
	require.False(t, ok)
}

func TestLookupIncrementsRefcount(t *testing.T) {
	src := &fakeSource{tmpl: baseTemplate(1)}
	mgr := newTestManager(t, src, nil, nil)
	_, err := mgr.Regenerate(context.Background(), PriorityNormal)
	require.NoError(t, err)

	latest, ok := mgr.Latest()
	require.True(t, ok)

	wb, ok := mgr.Lookup(latest.ID)
	require.True(t, ok)
	require.EqualValues(t, 1, wb.refs())
	wb.Unref()
}

func TestIngestPeerWorkbaseMarksIncompleteOnMissingTxn(t *testing.T) {
	src := &fakeSource{tmpl: baseTemplate(1)}
	mgr := newTestManager(t, src, nil, nil)

	var missingHash [32]byte
	missingHash[0] = 0xaa
	src.unresolvable = map[[32]byte]bool{missingHash: true}

	wb, err := mgr.IngestPeerWorkbase(context.Background(), PeerWorkbase{
		ID:        500,
		TxnHashes: [][32]byte{missingHash},
	}, true)
	require.NoError(t, err)
	require.Equal(t, StateIncomplete, wb.State())
}

func TestIngestPeerWorkbaseCompleteWhenAllTxnsResolve(t *testing.T) {
	src := &fakeSource{tmpl: baseTemplate(1)}
	mgr := newTestManager(t, src, nil, nil)

	var h [32]byte
	h[0] = 0xbb

	wb, err := mgr.IngestPeerWorkbase(context.Background(), PeerWorkbase{
		ID:        501,
		TxnHashes: [][32]byte{h},
	}, true)
	require.NoError(t, err)
	require.Equal(t, StateLive, wb.State())
}

func TestCheckIncompletePromotesOnlyFullyResolvedWorkbases(t *testing.T) {
	src := &fakeSource{tmpl: baseTemplate(1)}
	mgr := newTestManager(t, src, nil, nil)

	var stillMissing, nowResolved [32]byte
	stillMissing[0] = 0xcc
	nowResolved[0] = 0xdd

	src.unresolvable = map[[32]byte]bool{stillMissing: true, nowResolved: true}
	wbA, err := mgr.IngestPeerWorkbase(context.Background(), PeerWorkbase{
		ID:        600,
		TxnHashes: [][32]byte{stillMissing},
	}, true)
	require.NoError(t, err)
	wbB, err := mgr.IngestPeerWorkbase(context.Background(), PeerWorkbase{
		ID:        601,
		TxnHashes: [][32]byte{nowResolved},
	}, true)
	require.NoError(t, err)
	require.Equal(t, StateIncomplete, wbA.State())
	require.Equal(t, StateIncomplete, wbB.State())

	// wbB's hash is now resolvable; wbA's is not.
	src.unresolvable = map[[32]byte]bool{stillMissing: true}
	mgr.CheckIncomplete(context.Background())
	require.Equal(t, StateIncomplete, wbA.State(), "still-missing hash must not be promoted")
	require.Equal(t, StateLive, wbB.State(), "fully-resolved workbase must be promoted")
}

func TestInstallPurgesDupeSetOnBlockChange(t *testing.T) {
	src := &fakeSource{tmpl: baseTemplate(1)}
	mgr := newTestManager(t, src, nil, nil)

	var purgeCalls []int64
	mgr.SetDupePurge(func(id int64) { purgeCalls = append(purgeCalls, id) }, nil)

	_, err := mgr.Regenerate(context.Background(), PriorityNormal)
	require.NoError(t, err)
	require.Len(t, purgeCalls, 1, "the first install always begins a new epoch")
	firstEpoch := purgeCalls[0]

	// Same prevhash: no epoch change, no purge call.
	_, err = mgr.Regenerate(context.Background(), PriorityNormal)
	require.NoError(t, err)
	require.Len(t, purgeCalls, 1)

	src.tmpl = baseTemplate(2)
	_, err = mgr.Regenerate(context.Background(), PriorityNormal)
	require.NoError(t, err)
	require.Len(t, purgeCalls, 2)
	require.NotEqual(t, firstEpoch, purgeCalls[1])
}

func TestClearAgedPurgesDupeSetPerFreedWorkbase(t *testing.T) {
	src := &fakeSource{tmpl: baseTemplate(1)}
	mgr := newTestManager(t, src, nil, nil)

	var purgedAged []int64
	mgr.SetDupePurge(nil, func(id int64) { purgedAged = append(purgedAged, id) })

	for i := 0; i < keepNewest+2; i++ {
		src.tmpl = baseTemplate(byte(i + 1))
		_, err := mgr.Regenerate(context.Background(), PriorityNormal)
		require.NoError(t, err)
	}

	// Backdate every workbase past agingThreshold so ClearAged's wall-age
	// check no longer excludes them; only the keepNewest-id protection
	// should still hold a workbase back.
	mgr.mu.Lock()
	for _, wb := range mgr.byID {
		wb.createdAt = wb.createdAt.Add(-2 * agingThreshold)
	}
	mgr.mu.Unlock()

	mgr.ClearAged()

	require.Len(t, purgedAged, 2, "only the two oldest, unprotected workbases should free")
	require.ElementsMatch(t, []int64{1, 2}, purgedAged)
}
