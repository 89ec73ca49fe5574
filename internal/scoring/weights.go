package scoring

import "math"

func coefficientOfVariation(values []float64) float64 {
	n := float64(len(values))
	if n == 0 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= n
	if mean == 0 {
		return 0
	}
	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= n
	return math.Sqrt(variance) / math.Abs(mean)
}

// adaptiveWeights2 renormalises (wa, wb) by each metric's coefficient of
// variation, then rescales so the sum is unchanged. Falls back to the
// static weights when both cv's are zero.
func adaptiveWeights2(waiting, cache []float64, wa, wb float64) (newWA, newWB, _ float64) {
	cvW := coefficientOfVariation(waiting)
	cvC := coefficientOfVariation(cache)
	sumCV := cvW + cvC
	if sumCV == 0 {
		return wa, wb, 0
	}
	sumW := wa + wb
	boostedWA := wa * (1 + cvW/sumCV)
	boostedWB := wb * (1 + cvC/sumCV)
	boostedSum := boostedWA + boostedWB
	scale := sumW / boostedSum
	return boostedWA * scale, boostedWB * scale, 0
}

// adaptiveWeights3 is the three-term S2 sibling of adaptiveWeights2.
func adaptiveWeights3(waiting, cache, running []float64, wa, wb, wg float64) (newWA, newWB, newWG float64) {
	cvW := coefficientOfVariation(waiting)
	cvC := coefficientOfVariation(cache)
	cvR := coefficientOfVariation(running)
	sumCV := cvW + cvC + cvR
	if sumCV == 0 {
		return wa, wb, wg
	}
	sumW := wa + wb + wg
	boostedWA := wa * (1 + cvW/sumCV)
	boostedWB := wb * (1 + cvC/sumCV)
	boostedWG := wg * (1 + cvR/sumCV)
	boostedSum := boostedWA + boostedWB + boostedWG
	scale := sumW / boostedSum
	return boostedWA * scale, boostedWB * scale, boostedWG * scale
}

// Canonical dynamic-waiting interpolation factors, shared by the S1 and S2
// families.
const (
	minWAFactor, maxWAFactor = 0.2, 2.5
	minWBFactor, maxWBFactor = 1.8, 0.3
	minWGFactor, maxWGFactor = 1.4, 0.6
)

// waitingIntensity returns tanh(M*steepness/transitionPoint) in [0,1],
// where M is the maximum observed waiting_queue across the pool.
func waitingIntensity(waiting []float64, mode ModeConfig) float64 {
	if mode.TransitionPoint == 0 {
		return 0
	}
	max := 0.0
	for _, v := range waiting {
		if v > max {
			max = v
		}
	}
	return math.Tanh(max * mode.Steepness / mode.TransitionPoint)
}

func interpolate(minFactor, maxFactor, intensity float64) float64 {
	return minFactor + (maxFactor-minFactor)*intensity
}

// dynamicWaitingWeights2 interpolates (wa, wb) multipliers by queue
// intensity, then rescales so the sum matches the original static sum.
func dynamicWaitingWeights2(waiting []float64, mode ModeConfig) (newWA, newWB, _ float64) {
	intensity := waitingIntensity(waiting, mode)
	factorA := interpolate(minWAFactor, maxWAFactor, intensity)
	factorB := interpolate(minWBFactor, maxWBFactor, intensity)

	sumW := mode.WA + mode.WB
	scaledWA := mode.WA * factorA
	scaledWB := mode.WB * factorB
	scaledSum := scaledWA + scaledWB
	if scaledSum == 0 {
		return mode.WA, mode.WB, 0
	}
	scale := sumW / scaledSum
	return scaledWA * scale, scaledWB * scale, 0
}

// dynamicWaitingWeights3 is the three-term S2 sibling.
func dynamicWaitingWeights3(waiting []float64, mode ModeConfig) (newWA, newWB, newWG float64) {
	intensity := waitingIntensity(waiting, mode)
	factorA := interpolate(minWAFactor, maxWAFactor, intensity)
	factorB := interpolate(minWBFactor, maxWBFactor, intensity)
	factorG := interpolate(minWGFactor, maxWGFactor, intensity)

	sumW := mode.WA + mode.WB + mode.WG
	scaledWA := mode.WA * factorA
	scaledWB := mode.WB * factorB
	scaledWG := mode.WG * factorG
	scaledSum := scaledWA + scaledWB + scaledWG
	if scaledSum == 0 {
		return mode.WA, mode.WB, mode.WG
	}
	scale := sumW / scaledSum
	return scaledWA * scale, scaledWB * scale, scaledWG * scale
}
