package accounting

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSequencerMonotonicPerKindAndGlobal(t *testing.T) {
	s := NewSequencer()

	k1, g1 := s.Next(KindShares)
	k2, g2 := s.Next(KindShares)
	k3, g3 := s.Next(KindWorkinfo)

	require.Equal(t, int64(1), k1)
	require.Equal(t, int64(2), k2)
	require.Equal(t, int64(1), k3) // independent per-kind counter
	require.Equal(t, int64(1), g1)
	require.Equal(t, int64(2), g2)
	require.Equal(t, int64(3), g3) // shared global counter
}

func TestStandaloneBridgeEmitIsNoOp(t *testing.T) {
	b := NewBridge("", true, nil)
	require.NoError(t, b.Dial())
	b.Emit(KindShares, map[string]interface{}{"result": true})
	// No assertion beyond "did not panic or block": standalone mode never
	// touches a socket.
}

func TestHandleResponseDispatchesDiffchangeHints(t *testing.T) {
	var got []DiffchangeHint
	b := NewBridge("", false, func(hints []DiffchangeHint) {
		got = append(got, hints...)
	})

	b.HandleResponse(`1.2.heartbeat=diffchange.[{"worker":"alice._rig1","mindiff":512}]`)

	require.Len(t, got, 1)
	require.Equal(t, "alice._rig1", got[0].Worker)
	require.Equal(t, 512.0, got[0].MinDiff)
}

func TestHandleResponseIgnoresOkTag(t *testing.T) {
	called := false
	b := NewBridge("", false, func(hints []DiffchangeHint) { called = true })
	b.HandleResponse("1.1.ok")
	require.False(t, called)
}
