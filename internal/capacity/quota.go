package capacity

import "math/rand"

// Quota converts a fractional per-second rate into a whole send count for
// one worker tick. The fractional remainder is resolved stochastically so
// that low rates (e.g. 0.3/s with a 1s tick) still average out correctly
// across ticks instead of rounding to zero forever.
func Quota(ratePerSecond float64, elapsedSeconds float64, rng *rand.Rand) int {
	if ratePerSecond <= 0 || elapsedSeconds <= 0 {
		return 0
	}
	budget := ratePerSecond * elapsedSeconds
	whole := int(budget)
	frac := budget - float64(whole)

	var roll float64
	if rng != nil {
		roll = rng.Float64()
	} else {
		roll = rand.Float64()
	}
	if roll < frac {
		whole++
	}
	return whole
}
