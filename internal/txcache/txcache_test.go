package txcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func hash(b byte) [32]byte {
	var h [32]byte
	h[0] = b
	return h
}

func TestInsertLookupRoundTrip(t *testing.T) {
	tbl := New(1 << 20)
	h := hash(1)
	tbl.Insert(h, []byte("raw-tx-bytes"))

	raw, ok := tbl.Lookup(h)
	require.True(t, ok)
	require.Equal(t, []byte("raw-tx-bytes"), raw)
	require.True(t, tbl.Seen(h))
}

func TestRemoteRefOverridesLocalWeight(t *testing.T) {
	tbl := New(1 << 20)
	h := hash(2)
	tbl.Insert(h, []byte("x"))
	tbl.InsertRemote(h, []byte("x"))

	// Remote weight (2) takes two Decay() calls to evict, not one.
	require.Equal(t, 0, tbl.Decay())
	require.Equal(t, 1, tbl.Len())
	require.Equal(t, 1, tbl.Decay())
	require.Equal(t, 0, tbl.Len())
}

func TestDecayEvictsAtZeroRefcount(t *testing.T) {
	tbl := New(1 << 20)
	h := hash(3)
	tbl.Insert(h, []byte("x"))
	require.Equal(t, 1, tbl.Len())

	evicted := tbl.Decay()
	require.Equal(t, 1, evicted)
	require.Equal(t, 0, tbl.Len())

	_, ok := tbl.Lookup(h)
	require.False(t, ok)
}
