package stratum

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ckpool-go/ckpool/internal/session"
	"github.com/ckpool-go/ckpool/internal/share"
	"github.com/ckpool-go/ckpool/internal/txcache"
	"github.com/ckpool-go/ckpool/internal/workbase"
)

type fakeSource struct {
	tmpl *workbase.Template
}

func (f *fakeSource) GetBlockTemplate(ctx context.Context, rules []string) (*workbase.Template, error) {
	return f.tmpl, nil
}
func (f *fakeSource) SubmitBlock(ctx context.Context, blockHex string) (*workbase.SubmitResult, error) {
	return &workbase.SubmitResult{Accepted: true}, nil
}
func (f *fakeSource) ValidateAddress(ctx context.Context, address string) (bool, error) {
	return true, nil
}
func (f *fakeSource) GetRawTransaction(ctx context.Context, hash [32]byte) ([]byte, error) {
	return nil, nil
}
func (f *fakeSource) GetBestBlockHash(ctx context.Context) ([32]byte, error) {
	return [32]byte{}, nil
}

func buildDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	src := &fakeSource{tmpl: &workbase.Template{
		Height:        1,
		Bits:          0x1d00ffff,
		NetworkDiff:   1,
		Version:       1,
		CurTime:       1700000000,
		CoinbaseValue: 5000000000,
	}}
	txns := txcache.New(1 << 16)
	cfg := workbase.Config{
		OperatorScript: []byte{0x51},
		Enonce1Len:     4,
		Enonce2Len:     8,
	}
	wbMgr := workbase.New(cfg, src, txns, nil, nil, nil, nil)
	_, err := wbMgr.Regenerate(context.Background(), workbase.PriorityHigh)
	require.NoError(t, err)

	alloc := session.NewAllocator(0, 4, nil)
	resume := session.NewMemResumeStore()
	sessMgr := session.NewManager(alloc, resume, nil, true)

	dupes := share.NewDupeSet(1024)
	vd := session.VarDiffParams{PoolMinDiff: 1, PoolMaxDiff: 1e9}

	return NewDispatcher(sessMgr, wbMgr, dupes, func(string) bool { return false }, vd, 1, 1e9)
}

func collectSend(out *[]Response) Sender {
	return func(v interface{}) {
		b, _ := json.Marshal(v)
		var r Response
		if err := json.Unmarshal(b, &r); err == nil {
			*out = append(*out, r)
		}
	}
}

func TestSubscribeAuthorizeSubmitFlow(t *testing.T) {
	d := buildDispatcher(t)
	var responses []Response

	var client *session.Client
	ctx := context.Background()

	subReq := Request{ID: json.RawMessage(`1`), Method: MethodSubscribe, Params: json.RawMessage(`["cgminer/4.10"]`)}
	client = d.Dispatch(ctx, subReq, client, collectSend(&responses))
	require.NotNil(t, client)
	require.Len(t, responses, 1)

	authReq := Request{ID: json.RawMessage(`2`), Method: MethodAuthorize, Params: json.RawMessage(`["alice._rig1","x"]`)}
	client = d.Dispatch(ctx, authReq, client, collectSend(&responses))
	require.Len(t, responses, 2)

	wb, ok := d.wbs.Latest()
	require.True(t, ok)
	wb.Unref()

	client.SetDiff(1e-18, wb.ID+1)

	enonce2 := hex.EncodeToString(make([]byte, 8))
	ntimeHex := hex.EncodeToString(uint32ToBytes(wb.NTime))

	var nonceHex string
	var found bool
	for n := uint32(0); n < 5000 && !found; n++ {
		nh := hex.EncodeToString(uint32ToBytes(n))
		sub := share.Submission{WorkerName: "alice._rig1", JobIDHex: int64ToHex(wb.ID), Enonce2Hex: enonce2, NtimeHex: ntimeHex, NonceHex: nh}
		view := workbaseView(wb, client)
		res := share.Validate(sub, view, 1e-18, 1e-18, wb.ID+1)
		if res.Accepted {
			nonceHex = nh
			found = true
		}
	}
	require.True(t, found, "expected to find an accepted nonce within search range")

	submitReq := Request{
		ID:     json.RawMessage(`3`),
		Method: MethodSubmit,
		Params: json.RawMessage(`["alice._rig1","` + int64ToHex(wb.ID) + `","` + enonce2 + `","` + ntimeHex + `","` + nonceHex + `"]`),
	}
	client = d.Dispatch(ctx, submitReq, client, collectSend(&responses))
	require.Len(t, responses, 3)
	require.Nil(t, responses[2].Error)
}

func uint32ToBytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func int64ToHex(v int64) string {
	return strconv.FormatInt(v, 16)
}
