package session

import "math"

// VarDiffParams are the clamps configured for the pool (spec.md §4.2,
// §6 mindiff/startdiff/maxdiff).
type VarDiffParams struct {
	PoolMinDiff   float64
	PoolMaxDiff   float64
	NetworkDiff   float64
	WorkerMinDiff float64

	// ClientSuggestDiff is the requesting client's own mining.suggest_difficulty
	// floor, if any (0 means none suggested). Part of the lower clamp
	// alongside PoolMinDiff/WorkerMinDiff (spec.md §4.2).
	ClientSuggestDiff float64
}

// targetRatio and hysteresis band are the spec-mandated share-rate-to-diff
// tuning constants (spec.md §4.2).
const (
	targetRatio    = 0.3
	hysteresisLow  = 0.15
	hysteresisHigh = 0.4

	// recompute throttle: at most once every 240s or 72 shares.
	recomputeIntervalSeconds = 240
	recomputeShareCount      = 72
)

// RecommendDiff computes a new target difficulty from the 5-minute EWMA
// share rate (dsps5), or returns (0, false) if the current diff is already
// within the hysteresis band (spec.md §4.2 Variable-difficulty controller).
func RecommendDiff(dsps5 float64, currentDiff float64, params VarDiffParams) (float64, bool) {
	if currentDiff <= 0 {
		return params.PoolMinDiff, true
	}
	ratio := dsps5 / currentDiff
	if ratio >= hysteresisLow && ratio <= hysteresisHigh {
		return 0, false
	}

	newDiff := math.Round(dsps5 * 3.33)

	lower := params.PoolMinDiff
	if params.WorkerMinDiff > lower {
		lower = params.WorkerMinDiff
	}
	if params.ClientSuggestDiff > lower {
		lower = params.ClientSuggestDiff
	}

	upper := params.PoolMaxDiff
	if params.NetworkDiff > 0 && params.NetworkDiff < upper {
		upper = params.NetworkDiff
	}

	if newDiff < lower {
		newDiff = lower
	}
	if upper > 0 && newDiff > upper {
		newDiff = upper
	}

	if newDiff == currentDiff {
		return 0, false
	}
	return newDiff, true
}

// ShouldRecompute reports whether enough time or share volume has elapsed
// since the last var-diff recomputation (spec.md §4.2: "at most once every
// 240s or 72 shares").
func ShouldRecompute(secondsSinceLast int64, sharesSinceLast int) bool {
	return secondsSinceLast >= recomputeIntervalSeconds || sharesSinceLast >= recomputeShareCount
}

// ClampSuggestDiff floors a client-suggested difficulty at the pool minimum
// (spec.md §4.4 mining.suggest_difficulty).
func ClampSuggestDiff(suggested, poolMinDiff float64) float64 {
	if suggested < poolMinDiff {
		return poolMinDiff
	}
	return suggested
}
