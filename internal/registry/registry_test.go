package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemberScoreAlwaysClamped(t *testing.T) {
	m := NewMember("10.0.0.1", 8000)
	m.SetScore(5)
	assert.Equal(t, 1.0, m.Score())
	m.SetScore(-2)
	assert.Equal(t, 0.0, m.Score())
}

func TestNewMemberStartsWithPositiveScore(t *testing.T) {
	m := NewMember("10.0.0.1", 8000)
	assert.Equal(t, InitialScore, m.Score())
	assert.Greater(t, m.Score(), 0.0)
}

func TestReconcileMembersPreservesScoreAndMetrics(t *testing.T) {
	pool := NewPool(Key{Name: "p", Partition: "Common"}, EngineVLLM, Fallback{})

	old := NewMember("10.0.0.1", 8000)
	old.SetScore(0.73)
	old.SetMetrics(Metrics{WaitingQueue: 4, HasWaitingQueue: true})
	pool.ReconcileMembers([]*Member{old})

	fresh := NewMember("10.0.0.1", 8000) // same identity, fresh defaults
	pool.ReconcileMembers([]*Member{fresh})

	got := pool.FindMember("10.0.0.1", 8000)
	assert.Equal(t, 0.73, got.Score())
	metrics := got.Metrics()
	assert.True(t, metrics.HasWaitingQueue)
	assert.Equal(t, 4.0, metrics.WaitingQueue)
}

func TestReconcileMembersDropsRemovedAndAddsNew(t *testing.T) {
	pool := NewPool(Key{Name: "p", Partition: "Common"}, EngineVLLM, Fallback{})
	pool.ReconcileMembers([]*Member{
		NewMember("10.0.0.1", 8000),
		NewMember("10.0.0.2", 8000),
	})

	pool.ReconcileMembers([]*Member{
		NewMember("10.0.0.2", 8000),
		NewMember("10.0.0.3", 8000),
	})

	assert.Nil(t, pool.FindMember("10.0.0.1", 8000))
	assert.NotNil(t, pool.FindMember("10.0.0.2", 8000))
	assert.NotNil(t, pool.FindMember("10.0.0.3", 8000))
	assert.Len(t, pool.Members(), 2)
}

func TestReconcileMembersResetsConsecutiveFailures(t *testing.T) {
	pool := NewPool(Key{Name: "p", Partition: "Common"}, EngineVLLM, Fallback{})
	pool.IncrementFailures()
	pool.IncrementFailures()
	assert.Equal(t, 2, pool.ConsecutiveFailures())

	pool.ReconcileMembers([]*Member{NewMember("10.0.0.1", 8000)})
	assert.Equal(t, 0, pool.ConsecutiveFailures())
}

func TestIncrementFailuresReachesThresholdSignalsRemoval(t *testing.T) {
	pool := NewPool(Key{Name: "p", Partition: "Common"}, EngineVLLM, Fallback{})
	const threshold = 5
	var last int
	for i := 0; i < threshold; i++ {
		last = pool.IncrementFailures()
	}
	assert.Equal(t, threshold, last)

	reg := New()
	reg.Upsert(pool)
	if pool.ConsecutiveFailures() >= threshold {
		reg.Delete(pool.Key)
	}
	assert.Nil(t, reg.Get(pool.Key))
}

func TestRegistryGetUpsertDeleteList(t *testing.T) {
	reg := New()
	key := Key{Name: "p1", Partition: "Common"}
	pool := NewPool(key, EngineSGLang, Fallback{PoolFallback: true})

	assert.Nil(t, reg.Get(key))

	reg.Upsert(pool)
	assert.Same(t, pool, reg.Get(key))
	assert.Len(t, reg.List(), 1)

	reg.Delete(key)
	assert.Nil(t, reg.Get(key))
	assert.Len(t, reg.List(), 0)
}

func TestEngineTypeStringAndParseRoundTrip(t *testing.T) {
	for _, e := range []EngineType{EngineVLLM, EngineSGLang} {
		assert.Equal(t, e, ParseEngineType(e.String()))
	}
	assert.Equal(t, EngineUnspecified, ParseEngineType("bogus"))
}

func TestConcurrentAccessIsRaceFree(t *testing.T) {
	reg := New()
	key := Key{Name: "p", Partition: "Common"}
	pool := NewPool(key, EngineVLLM, Fallback{})
	reg.Upsert(pool)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(3)
		go func(i int) {
			defer wg.Done()
			m := NewMember("10.0.0.1", 8000+i)
			pool.ReconcileMembers([]*Member{m})
		}(i)
		go func() {
			defer wg.Done()
			_ = pool.Members()
			_ = pool.ConsecutiveFailures()
		}()
		go func() {
			defer wg.Done()
			_ = reg.Get(key)
			_ = reg.List()
		}()
	}
	wg.Wait()
}

func TestMemberKeyFormat(t *testing.T) {
	m := NewMember("192.168.1.5", 9000)
	assert.Equal(t, "192.168.1.5:9000", m.Key())
}
