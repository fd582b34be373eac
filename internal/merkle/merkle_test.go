package merkle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildBranchEmpty(t *testing.T) {
	branch := BuildBranch(nil)
	require.Empty(t, branch)

	root := FoldBranch(DoubleSHA256([]byte("coinbase")), branch)
	require.Equal(t, DoubleSHA256([]byte("coinbase")), root)
}

// referenceRoot computes the standard Bitcoin merkle root directly over a
// full list of txids (coinbase included at index 0), duplicating the last
// node of any odd-sized level, for comparison against BuildBranch+FoldBranch.
func referenceRoot(txids [][32]byte) [32]byte {
	level := make([][32]byte, len(txids))
	copy(level, txids)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][32]byte, len(level)/2)
		for i := range next {
			next[i] = DoubleSHA256(concat(level[2*i][:], level[2*i+1][:]))
		}
		level = next
	}
	return level[0]
}

func TestBuildBranchAgreesWithDirectComputation(t *testing.T) {
	coinbase := DoubleSHA256([]byte("coinbase-tx"))
	for n := 1; n <= 7; n++ {
		txids := make([][32]byte, n)
		all := make([][32]byte, 0, n+1)
		all = append(all, coinbase)
		for i := 0; i < n; i++ {
			txids[i] = DoubleSHA256([]byte{byte(i), byte(i + 1)})
			all = append(all, txids[i])
		}

		branch := BuildBranch(txids)
		got := FoldBranch(coinbase, branch)
		want := referenceRoot(all)
		require.Equal(t, want, got, "tx count %d", n)
	}
}

func TestSplitValueExact(t *testing.T) {
	operator, donation := SplitValue(1000, true)
	require.Equal(t, int64(995), operator)
	require.Equal(t, int64(5), donation)
	require.Equal(t, int64(1000), operator+donation)

	operator, donation = SplitValue(1000, false)
	require.Equal(t, int64(1000), operator)
	require.Equal(t, int64(0), donation)
}

func TestBuildCoinbaseRoundTripsLength(t *testing.T) {
	coinb1, coinb2 := BuildCoinbase(CoinbaseParams{
		Height:        700000,
		Flags:         []byte("/ckpool-go/"),
		BrandTag:      []byte("CKP"),
		Enonce1Len:    4,
		Enonce2Len:    8,
		CoinbaseValue: 625000000,
		OperatorScript: []byte{0x76, 0xa9, 0x14},
	})
	require.NotEmpty(t, coinb1)
	require.NotEmpty(t, coinb2)

	enonce1 := make([]byte, 4)
	enonce2 := make([]byte, 8)
	full := AssembleCoinbase(coinb1, enonce1, nil, enonce2, coinb2)
	require.Equal(t, len(coinb1)+len(coinb2)+4+8, len(full))
}
