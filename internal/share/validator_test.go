package share

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ckpool-go/ckpool/internal/merkle"
)

func buildTestWorkbase(t *testing.T) (WorkbaseView, func(nonce uint32, ntime uint32) Submission) {
	t.Helper()
	coinb1, coinb2 := merkle.BuildCoinbase(merkle.CoinbaseParams{
		Height:         1,
		Enonce1Len:     4,
		Enonce2Len:     8,
		CoinbaseValue:  5000000000,
		OperatorScript: []byte{0x51},
	})

	wb := WorkbaseView{
		ID:           1,
		Enonce2Len:   8,
		Coinb1:       coinb1,
		Coinb2:       coinb2,
		Enonce1Const: nil,
		Enonce1Var:   []byte{0, 0, 0, 0},
		MerkleBranch: nil,
		NTime:        1700000000,
		BBVersion:    1,
		NBit:         0x1d00ffff,
		NetworkDiff:  1,
	}

	mk := func(nonce uint32, ntime uint32) Submission {
		nonceHex := hex.EncodeToString([]byte{byte(nonce >> 24), byte(nonce >> 16), byte(nonce >> 8), byte(nonce)})
		ntimeHex := hex.EncodeToString([]byte{byte(ntime >> 24), byte(ntime >> 16), byte(ntime >> 8), byte(ntime)})
		return Submission{
			WorkerName: "alice._rig1",
			JobIDHex:   "1",
			Enonce2Hex: "0000000000000000",
			NtimeHex:   ntimeHex,
			NonceHex:   nonceHex,
		}
	}
	return wb, mk
}

func TestValidateNtimeBoundaries(t *testing.T) {
	wb, mk := buildTestWorkbase(t)

	// Exactly at wb.NTime: allowed (not NTIME_INVALID).
	res := Validate(mk(0, wb.NTime), wb, 1e-18, 0, 1)
	require.NotEqual(t, CodeNtimeInvalid, res.Code)

	// Exactly at the +7000 boundary: still allowed.
	res = Validate(mk(0, wb.NTime+7000), wb, 1e-18, 0, 1)
	require.NotEqual(t, CodeNtimeInvalid, res.Code)

	// One past the boundary: rejected.
	res = Validate(mk(0, wb.NTime+7001), wb, 1e-18, 0, 1)
	require.Equal(t, CodeNtimeInvalid, res.Code)

	// Below wb.NTime: rejected.
	res = Validate(mk(0, wb.NTime-1), wb, 1e-18, 0, 1)
	require.Equal(t, CodeNtimeInvalid, res.Code)
}

func TestValidateHighDiffRejectsLowShare(t *testing.T) {
	wb, mk := buildTestWorkbase(t)
	// An absurdly high client diff guarantees the computed sdiff is below it.
	res := Validate(mk(1, wb.NTime), wb, 1e18, 0, 1)
	require.Equal(t, CodeHighDiff, res.Code)
	require.False(t, res.Accepted)
}

func TestValidateDiffChangeBoundaryUsesLeniency(t *testing.T) {
	wb, mk := buildTestWorkbase(t)
	sub := mk(1, wb.NTime)

	// wb.ID (1) < diffChangeJobID (2): old diff (very low) should be used
	// when it is lower than the new, high diff, per the leniency rule.
	res := Validate(sub, wb, 1e18, 1e-18, 2)
	require.True(t, res.Accepted)
}

func TestMerkleRootMatchesHeaderEmbedding(t *testing.T) {
	wb, mk := buildTestWorkbase(t)
	sub := mk(0, wb.NTime)

	enonce2, err := coerceEnonce2(sub.Enonce2Hex, wb.Enonce2Len)
	require.NoError(t, err)
	coinbase := merkle.AssembleCoinbase(wb.Coinb1, wb.Enonce1Const, wb.Enonce1Var, enonce2, wb.Coinb2)
	coinbaseHash := merkle.CoinbaseTxid(coinbase)
	wantRoot := merkle.FoldBranch(coinbaseHash, merkle.Branch(wb.MerkleBranch))

	res := Validate(sub, wb, 1e-18, 0, 1)
	headerBytes, err := hex.DecodeString(res.HeaderHex)
	require.NoError(t, err)
	require.Equal(t, wantRoot[:], headerBytes[36:68])
}
