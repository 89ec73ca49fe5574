package scoring

import (
	"testing"

	"github.com/f5devcentral/llm-inference-lb/internal/registry"
	"github.com/f5devcentral/llm-inference-lb/pkg/apperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMember(ip string, port int, waiting, cache, running float64, withRunning bool) *registry.Member {
	m := registry.NewMember(ip, port)
	metrics := registry.Metrics{
		WaitingQueue: waiting, HasWaitingQueue: true,
		CacheUsage: cache, HasCacheUsage: true,
	}
	if withRunning {
		metrics.RunningReq = running
		metrics.HasRunningReq = true
	}
	m.SetMetrics(metrics)
	return m
}

func poolWith(members ...*registry.Member) *registry.Pool {
	p := registry.NewPool(registry.Key{Name: "p", Partition: "Common"}, registry.EngineVLLM, registry.Fallback{})
	p.ReconcileMembers(members)
	return p
}

// E1 from the scoring scenarios: equal waiting queues, differing cache.
func TestE1MinMaxTieOnWaiting(t *testing.T) {
	m1 := newMember("10.0.0.1", 8000, 0, 0.118, 0, false)
	m2 := newMember("10.0.0.2", 8000, 0, 0.009, 0, false)
	pool := poolWith(m1, m2)

	err := Apply(pool, ModeConfig{Name: "s1", WA: 0.2, WB: 0.8})
	require.NoError(t, err)

	assert.InDelta(t, 0.906, m1.Score(), 1e-3)
	assert.InDelta(t, 0.993, m2.Score(), 1e-3)
}

// E2: distinct waiting queues, weights (0.2, 0.8), raw cache term.
func TestE2DistinctWaitingQueues(t *testing.T) {
	m1 := newMember("10.0.0.1", 8000, 5, 0.3, 0, false)
	m2 := newMember("10.0.0.2", 8000, 2, 0.6, 0, false)
	pool := poolWith(m1, m2)

	err := Apply(pool, ModeConfig{Name: "s1", WA: 0.2, WB: 0.8})
	require.NoError(t, err)

	assert.InDelta(t, 0.56, m1.Score(), 1e-9)
	assert.InDelta(t, 0.52, m2.Score(), 1e-9)
}

func TestUnsupportedAlgorithmLeavesScoresUnchanged(t *testing.T) {
	m1 := newMember("10.0.0.1", 8000, 0, 0.5, 0, false)
	m1.SetScore(0.42)
	pool := poolWith(m1)

	err := Apply(pool, ModeConfig{Name: "not_a_real_algorithm"})
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.CodeUnknownAlgorithm))
	assert.Equal(t, 0.42, m1.Score())
}

func TestMemberMissingMetricKeepsPreviousScore(t *testing.T) {
	m1 := newMember("10.0.0.1", 8000, 0, 0.118, 0, false)
	m2 := registry.NewMember("10.0.0.2", 8000)
	m2.SetScore(0.77) // no metrics set at all
	pool := poolWith(m1, m2)

	err := Apply(pool, ModeConfig{Name: "s1", WA: 0.2, WB: 0.8})
	require.NoError(t, err)

	// m1 is the only eligible member, so MinMax maps its waiting value to 0.5.
	assert.InDelta(t, 0.2*(1-0.5)+0.8*(1-0.118), m1.Score(), 1e-9)
	assert.Equal(t, 0.77, m2.Score())
}

func TestScoresAreClampedToUnitInterval(t *testing.T) {
	m1 := newMember("10.0.0.1", 8000, 0, -5, 0, false)
	m2 := newMember("10.0.0.2", 8000, 0, 5, 0, false)
	pool := poolWith(m1, m2)

	err := Apply(pool, ModeConfig{Name: "s1_precise", WA: 0.5, WB: 0.5})
	require.NoError(t, err)
	for _, m := range pool.Members() {
		assert.GreaterOrEqual(t, m.Score(), 0.0)
		assert.LessOrEqual(t, m.Score(), 1.0)
	}
}

func TestS2RequiresRunningReqMetric(t *testing.T) {
	withRunning := newMember("10.0.0.1", 8000, 1, 0.2, 3, true)
	withoutRunning := newMember("10.0.0.2", 8000, 1, 0.2, 0, false)
	withoutRunning.SetScore(0.5)
	pool := poolWith(withRunning, withoutRunning)

	err := Apply(pool, ModeConfig{Name: "s2", WA: 0.3, WB: 0.3, WG: 0.4})
	require.NoError(t, err)

	assert.NotEqual(t, registry.InitialScore, withRunning.Score())
	assert.Equal(t, 0.5, withoutRunning.Score())
}

func TestDynamicWaitingZeroQueueUsesMinFactors(t *testing.T) {
	waiting := []float64{0, 0, 0}
	mode := ModeConfig{WA: 0.2, WB: 0.8, TransitionPoint: 10, Steepness: 1}
	wa, wb, _ := dynamicWaitingWeights2(waiting, mode)
	// intensity 0 -> factors are exactly the min factors, then rescaled
	// to preserve sum(wa,wb); with all-zero M the ratio is unchanged
	// direction-wise (wa should shrink relative to wb since minWAFactor < minWBFactor).
	assert.InDelta(t, mode.WA+mode.WB, wa+wb, 1e-9)
	assert.Less(t, wa, wb)
}

func TestDynamicWaitingHighQueueShiftsTowardWaiting(t *testing.T) {
	mode := ModeConfig{WA: 0.2, WB: 0.8, TransitionPoint: 10, Steepness: 1}
	_, lowWB, _ := dynamicWaitingWeights2([]float64{0}, mode)
	highWA, _, _ := dynamicWaitingWeights2([]float64{1000}, mode)
	baseWA, _, _ := dynamicWaitingWeights2([]float64{0}, mode)
	assert.Greater(t, highWA, baseWA)
	_ = lowWB
}

func TestAdaptiveWeightsFallBackToStaticWhenNoVariation(t *testing.T) {
	wa, wb, _ := adaptiveWeights2([]float64{1, 1, 1}, []float64{2, 2, 2}, 0.3, 0.7)
	assert.Equal(t, 0.3, wa)
	assert.Equal(t, 0.7, wb)
}

func TestAdaptiveWeightsPreserveSum(t *testing.T) {
	wa, wb, _ := adaptiveWeights2([]float64{1, 10, 3}, []float64{0.1, 0.1, 0.9}, 0.4, 0.6)
	assert.InDelta(t, 1.0, wa+wb, 1e-9)
}

func TestAllSixteenAlgorithmsProduceClampedScores(t *testing.T) {
	names := []string{
		"s1", "s1_enhanced", "s1_adaptive", "s1_ratio", "s1_precise",
		"s1_nonlinear", "s1_balanced", "s1_adaptive_distribution",
		"s1_advanced", "s1_dynamic_waiting",
		"s2", "s2_enhanced", "s2_ratio", "s2_precise", "s2_advanced",
		"s2_dynamic_waiting",
	}
	for _, name := range names {
		m1 := newMember("10.0.0.1", 8000, 1, 0.2, 4, true)
		m2 := newMember("10.0.0.2", 8000, 6, 0.7, 1, true)
		pool := poolWith(m1, m2)

		err := Apply(pool, ModeConfig{
			Name: name, WA: 0.2, WB: 0.5, WG: 0.3,
			TransitionPoint: 10, Steepness: 1,
		})
		require.NoError(t, err, name)
		for _, m := range pool.Members() {
			assert.GreaterOrEqual(t, m.Score(), 0.0, name)
			assert.LessOrEqual(t, m.Score(), 1.0, name)
		}
	}
}
