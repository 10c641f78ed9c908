package engine

import (
	"math"
	"time"
)

// growthPerMs is the exponential growth constant of the live multiplier:
// mult(t) = 1.00 * e^(growthPerMs * t_ms). It reaches 2.00x around 11.5s
// and 10.00x around 38s.
const growthPerMs = 6e-5

// MultiplierAt maps elapsed play time to the live multiplier in
// fixed-point hundredths. Continuous, strictly increasing, starts at 100
// (1.00x).
func MultiplierAt(elapsed time.Duration) int64 {
	return multiplierAt(growthPerMs, elapsed)
}

// DurationToReach returns how long after play start the live multiplier
// reaches the given value. The crash instant of a round is
// startedAt + DurationToReach(crashPoint).
func DurationToReach(multiplier int64) time.Duration {
	return durationToReach(growthPerMs, multiplier)
}

// multiplierCap bounds the clock well past any reachable crash point;
// converting a float beyond int64 range is undefined.
const multiplierCap = int64(1) << 62

func multiplierAt(growth float64, elapsed time.Duration) int64 {
	if elapsed <= 0 {
		return 100
	}
	ms := float64(elapsed) / float64(time.Millisecond)
	v := math.Floor(100 * math.Exp(growth*ms))
	if v >= float64(multiplierCap) {
		return multiplierCap
	}
	return int64(v)
}

func durationToReach(growth float64, multiplier int64) time.Duration {
	if multiplier <= 100 {
		return 0
	}
	ms := math.Log(float64(multiplier)/100) / growth
	return time.Duration(math.Ceil(ms)) * time.Millisecond
}
