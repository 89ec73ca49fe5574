// Package scoring implements the score-calculator algorithm family: given
// a pool and an active mode configuration, it turns each eligible member's
// raw metrics into a new score in [0,1].
package scoring

import (
	"math"

	"github.com/f5devcentral/llm-inference-lb/internal/normalize"
	"github.com/f5devcentral/llm-inference-lb/internal/registry"
	"github.com/f5devcentral/llm-inference-lb/pkg/apperror"
)

// ModeConfig is one named algorithm configuration: static weights plus the
// two extra knobs s1_dynamic_waiting/s2_dynamic_waiting use.
type ModeConfig struct {
	Name            string
	WA, WB, WG      float64
	TransitionPoint float64
	Steepness       float64
}

const nonlinearPowerDefault = 2.0

// Apply computes new scores for pool's eligible members under mode and
// writes them back onto the member records. Members missing a required
// metric keep their previous score. An unsupported mode name returns
// apperror.CodeUnknownAlgorithm and leaves every score untouched.
func Apply(pool *registry.Pool, mode ModeConfig) error {
	algo, ok := algorithms[mode.Name]
	if !ok {
		return apperror.New(apperror.CodeUnknownAlgorithm, "unsupported scoring algorithm: "+mode.Name)
	}

	members := pool.Members()
	eligible := make([]*registry.Member, 0, len(members))
	waiting := make([]float64, 0, len(members))
	cache := make([]float64, 0, len(members))
	running := make([]float64, 0, len(members))

	for _, m := range members {
		metrics := m.Metrics()
		w, wok := metrics.Get("waiting_queue")
		c, cok := metrics.Get("cache_usage")
		if !wok || !cok {
			continue
		}
		if algo.needsRunning {
			r, rok := metrics.Get("running_req")
			if !rok {
				continue
			}
			running = append(running, r)
		}
		eligible = append(eligible, m)
		waiting = append(waiting, w)
		cache = append(cache, c)
	}

	if len(eligible) == 0 {
		return nil
	}

	scores := algo.compute(waitingCacheRunning{waiting: waiting, cache: cache, running: running}, mode)
	for i, m := range eligible {
		m.SetScore(scores[i])
	}
	return nil
}

type waitingCacheRunning struct {
	waiting, cache, running []float64
}

type algorithm struct {
	needsRunning bool
	compute      func(m waitingCacheRunning, mode ModeConfig) []float64
}

var algorithms map[string]algorithm

func init() {
	algorithms = map[string]algorithm{
		"s1":                       {compute: s1},
		"s1_enhanced":              {compute: s1Enhanced},
		"s1_adaptive":              {compute: s1Adaptive},
		"s1_ratio":                 {compute: s1Ratio},
		"s1_precise":               {compute: s1Precise},
		"s1_nonlinear":             {compute: s1Nonlinear},
		"s1_balanced":              {compute: s1Balanced},
		"s1_adaptive_distribution": {compute: s1AdaptiveDistribution},
		"s1_advanced":              {compute: s1Advanced},
		"s1_dynamic_waiting":       {compute: s1DynamicWaiting},
		"s2":                       {needsRunning: true, compute: s2},
		"s2_enhanced":              {needsRunning: true, compute: s2Enhanced},
		"s2_ratio":                 {needsRunning: true, compute: s2Ratio},
		"s2_precise":               {needsRunning: true, compute: s2Precise},
		"s2_advanced":              {needsRunning: true, compute: s2Advanced},
		"s2_dynamic_waiting":       {needsRunning: true, compute: s2DynamicWaiting},
	}
}

// identity passes raw values through unnormalized, used by the "raw"
// column entries in the algorithm table.
func identity(values []float64) []float64 {
	out := make([]float64, len(values))
	copy(out, values)
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// staticS1 scores waiting/cache terms under static weights (w_a, w_b).
func staticS1(waitingNorm, cacheNorm []float64, wa, wb float64) []float64 {
	out := make([]float64, len(waitingNorm))
	for i := range out {
		out[i] = clamp01(wa*(1-waitingNorm[i]) + wb*(1-cacheNorm[i]))
	}
	return out
}

// staticS2 adds the running term with weight w_g.
func staticS2(waitingNorm, cacheNorm, runningNorm []float64, wa, wb, wg float64) []float64 {
	out := make([]float64, len(waitingNorm))
	for i := range out {
		out[i] = clamp01(wa*(1-waitingNorm[i]) + wb*(1-cacheNorm[i]) + wg*(1-runningNorm[i]))
	}
	return out
}

func s1(m waitingCacheRunning, mode ModeConfig) []float64 {
	w := normalize.MinMax(m.waiting)
	c := identity(m.cache)
	return staticS1(w, c, mode.WA, mode.WB)
}

func s1Enhanced(m waitingCacheRunning, mode ModeConfig) []float64 {
	w := normalize.MinMax(m.waiting)
	c := normalize.PreciseCache(m.cache)
	return staticS1(w, c, mode.WA, mode.WB)
}

func s1Adaptive(m waitingCacheRunning, mode ModeConfig) []float64 {
	w := normalize.MinMax(m.waiting)
	c := normalize.MinMax(m.cache)
	wa, wb, _ := adaptiveWeights2(m.waiting, m.cache, mode.WA, mode.WB)
	return staticS1(w, c, wa, wb)
}

func s1Ratio(m waitingCacheRunning, mode ModeConfig) []float64 {
	w := identity(m.waiting)
	c := normalize.RatioBased(m.cache)
	return staticS1(w, c, mode.WA, mode.WB)
}

func s1Precise(m waitingCacheRunning, mode ModeConfig) []float64 {
	w := identity(m.waiting)
	c := identity(m.cache)
	return staticS1(w, c, mode.WA, mode.WB)
}

// nonlinearTerm applies min-max+epsilon, raises to power, then renormalises
// back onto [0,1] via plain min-max so the power transform's compression
// doesn't shrink the usable range.
func nonlinearTerm(values []float64, power float64) []float64 {
	base := normalize.MinMaxEpsilon(values)
	powered := make([]float64, len(base))
	for i, v := range base {
		powered[i] = math.Pow(v, power)
	}
	return normalize.MinMax(powered)
}

func s1Nonlinear(m waitingCacheRunning, mode ModeConfig) []float64 {
	w := nonlinearTerm(m.waiting, nonlinearPowerDefault)
	c := nonlinearTerm(m.cache, nonlinearPowerDefault)
	return staticS1(w, c, mode.WA, mode.WB)
}

func s1Balanced(m waitingCacheRunning, mode ModeConfig) []float64 {
	w := normalize.Smooth(m.waiting)
	c := normalize.Smooth(m.cache)
	return staticS1(w, c, mode.WA, mode.WB)
}

func s1AdaptiveDistribution(m waitingCacheRunning, mode ModeConfig) []float64 {
	w := normalize.AdaptiveDistribution(m.waiting)
	c := normalize.AdaptiveDistribution(m.cache)
	return staticS1(w, c, mode.WA, mode.WB)
}

func s1Advanced(m waitingCacheRunning, mode ModeConfig) []float64 {
	w := normalize.AdaptiveDistribution(m.waiting)
	c := normalize.AdaptiveDistribution(m.cache)
	wa, wb, _ := adaptiveWeights2(m.waiting, m.cache, mode.WA, mode.WB)
	return staticS1(w, c, wa, wb)
}

func s1DynamicWaiting(m waitingCacheRunning, mode ModeConfig) []float64 {
	w := normalize.AdaptiveDistribution(m.waiting)
	c := normalize.AdaptiveDistribution(m.cache)
	wa, wb, _ := dynamicWaitingWeights2(m.waiting, mode)
	return staticS1(w, c, wa, wb)
}

func s2(m waitingCacheRunning, mode ModeConfig) []float64 {
	w := normalize.MinMax(m.waiting)
	c := identity(m.cache)
	r := normalize.MinMax(m.running)
	return staticS2(w, c, r, mode.WA, mode.WB, mode.WG)
}

func s2Enhanced(m waitingCacheRunning, mode ModeConfig) []float64 {
	w := normalize.MinMax(m.waiting)
	c := normalize.PreciseCache(m.cache)
	r := normalize.PreciseRunning(m.running)
	return staticS2(w, c, r, mode.WA, mode.WB, mode.WG)
}

func s2Ratio(m waitingCacheRunning, mode ModeConfig) []float64 {
	w := identity(m.waiting)
	c := normalize.RatioBased(m.cache)
	r := normalize.MinMax(m.running)
	return staticS2(w, c, r, mode.WA, mode.WB, mode.WG)
}

func s2Precise(m waitingCacheRunning, mode ModeConfig) []float64 {
	w := identity(m.waiting)
	c := identity(m.cache)
	r := normalize.MinMax(m.running)
	return staticS2(w, c, r, mode.WA, mode.WB, mode.WG)
}

func s2Advanced(m waitingCacheRunning, mode ModeConfig) []float64 {
	w := normalize.AdaptiveDistribution(m.waiting)
	c := normalize.AdaptiveDistribution(m.cache)
	r := normalize.AdaptiveDistribution(m.running)
	wa, wb, wg := adaptiveWeights3(m.waiting, m.cache, m.running, mode.WA, mode.WB, mode.WG)
	return staticS2(w, c, r, wa, wb, wg)
}

func s2DynamicWaiting(m waitingCacheRunning, mode ModeConfig) []float64 {
	w := normalize.AdaptiveDistribution(m.waiting)
	c := normalize.AdaptiveDistribution(m.cache)
	r := normalize.AdaptiveDistribution(m.running)
	wa, wb, wg := dynamicWaitingWeights3(m.waiting, mode)
	return staticS2(w, c, r, wa, wb, wg)
}
