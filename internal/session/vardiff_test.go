package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecommendDiffWithinHysteresisNoChange(t *testing.T) {
	params := VarDiffParams{PoolMinDiff: 1, PoolMaxDiff: 1_000_000, NetworkDiff: 1_000_000}
	// dsps5/currentDiff = 0.2, within [0.15, 0.4] band.
	_, changed := RecommendDiff(20, 100, params)
	require.False(t, changed)
}

func TestRecommendDiffClimbsWithinBounds(t *testing.T) {
	params := VarDiffParams{PoolMinDiff: 1, PoolMaxDiff: 1_000_000, NetworkDiff: 1_000_000}
	// Pick a share rate outside the hysteresis band on the high side; the
	// formula new diff = round(dsps5 * 3.33) should land within
	// [2.0x, 3.5x] of the prior diff for a rate chosen around that target
	// (spec.md §8 scenario 5).
	diff := 10.0
	dsps5 := 2.7 * diff / 3.33
	newDiff, changed := RecommendDiff(dsps5, diff, params)
	require.True(t, changed)
	require.GreaterOrEqual(t, newDiff, 2.0*diff)
	require.LessOrEqual(t, newDiff, 3.5*diff)
}

func TestRecommendDiffClampsToPoolBounds(t *testing.T) {
	params := VarDiffParams{PoolMinDiff: 50, PoolMaxDiff: 200, NetworkDiff: 1_000_000}
	newDiff, changed := RecommendDiff(1000, 1, params)
	require.True(t, changed)
	require.Equal(t, 200.0, newDiff)

	newDiff, changed = RecommendDiff(0.001, 1, params)
	require.True(t, changed)
	require.Equal(t, 50.0, newDiff)
}

func TestClampSuggestDiff(t *testing.T) {
	require.Equal(t, 4.0, ClampSuggestDiff(1, 4))
	require.Equal(t, 10.0, ClampSuggestDiff(10, 4))
}

func TestRecommendDiffHonoursClientSuggestDiff(t *testing.T) {
	params := VarDiffParams{PoolMinDiff: 1, PoolMaxDiff: 1_000_000, NetworkDiff: 1_000_000, ClientSuggestDiff: 75}
	newDiff, changed := RecommendDiff(0.001, 1, params)
	require.True(t, changed)
	require.Equal(t, 75.0, newDiff)
}
