// Package registry holds the process-wide mapping from (pool name,
// partition) to a pool record: its members, engine type, fallback
// configuration, and consecutive-failure counter. It is the shared state
// that the membership fetcher, metrics collector, hot-reload controller,
// and selection front end all read and mutate concurrently.
package registry

import (
	"sort"
	"strconv"
	"sync"
)

// EngineType selects which Prometheus metric names a pool's members
// expose.
type EngineType int

const (
	EngineUnspecified EngineType = iota
	EngineVLLM
	EngineSGLang
)

// String returns the engine type's config/log spelling.
func (e EngineType) String() string {
	switch e {
	case EngineVLLM:
		return "vllm"
	case EngineSGLang:
		return "sglang"
	default:
		return "unspecified"
	}
}

// ParseEngineType maps a config string to an EngineType.
func ParseEngineType(s string) EngineType {
	switch s {
	case "vllm":
		return EngineVLLM
	case "sglang":
		return EngineSGLang
	default:
		return EngineUnspecified
	}
}

// InitialScore is the score a freshly-created member starts with: small
// enough not to distort selection, strictly positive so it remains
// eligible before its first successful scrape.
const InitialScore = 0.001

// Metrics is the fixed three-key sample set a member's last scrape
// produced. A missing key means "not yet observed / last scrape failed".
type Metrics struct {
	WaitingQueue float64
	CacheUsage   float64
	RunningReq   float64

	HasWaitingQueue bool
	HasCacheUsage   bool
	HasRunningReq   bool
}

// Get returns the named metric, mirroring the Prometheus metric-name
// triple's three keys.
func (m Metrics) Get(name string) (float64, bool) {
	switch name {
	case "waiting_queue":
		return m.WaitingQueue, m.HasWaitingQueue
	case "cache_usage":
		return m.CacheUsage, m.HasCacheUsage
	case "running_req":
		return m.RunningReq, m.HasRunningReq
	default:
		return 0, false
	}
}

// Member identifies one backend endpoint within a pool by (ip, port).
// Equality and hashing use (ip, port) only.
type Member struct {
	IP   string
	Port int

	mu      sync.RWMutex
	metrics Metrics
	score   float64
}

// NewMember builds a member with the initial positive score and empty
// metrics.
func NewMember(ip string, port int) *Member {
	return &Member{IP: ip, Port: port, score: InitialScore}
}

// Key returns the member's "ip:port" identity string, matching the
// load-balancer's own member-name spelling.
func (m *Member) Key() string {
	return m.IP + ":" + strconv.Itoa(m.Port)
}

// Metrics returns a snapshot of the member's last scrape result.
func (m *Member) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// SetMetrics atomically replaces the member's metrics (whole-mapping
// replacement, per the scrape/score consistency contract).
func (m *Member) SetMetrics(metrics Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = metrics
}

// ClearMetrics empties the member's metrics after a failed scrape, so the
// calculator treats it as unscored for this round.
func (m *Member) ClearMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = Metrics{}
}

// Score returns the member's current score.
func (m *Member) Score() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.score
}

// SetScore clamps and stores a new score.
func (m *Member) SetScore(score float64) {
	if score < 0 {
		score = 0
	} else if score > 1 {
		score = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.score = score
}

// inheritFrom copies metrics and score from another member, used when
// reconciling membership lists: a retained member keeps its observed
// state, only its identity is refreshed.
func (m *Member) inheritFrom(old *Member) {
	old.mu.RLock()
	metrics, score := old.metrics, old.score
	old.mu.RUnlock()

	m.mu.Lock()
	m.metrics, m.score = metrics, score
	m.mu.Unlock()
}

// Fallback holds a pool's fallback-routing configuration.
type Fallback struct {
	PoolFallback                bool
	MemberRunningReqThreshold   *float64
	MemberWaitingQueueThreshold *float64
}

// Key identifies a pool by (name, partition).
type Key struct {
	Name      string
	Partition string
}

// Pool is a process-wide record of one pool's live membership and health.
type Pool struct {
	Key Key

	mu                  sync.RWMutex
	engineType          EngineType
	members             []*Member
	consecutiveFailures int
	fallback            Fallback
}

// NewPool builds an empty pool record.
func NewPool(key Key, engineType EngineType, fallback Fallback) *Pool {
	return &Pool{Key: key, engineType: engineType, fallback: fallback}
}

// EngineType returns the pool's configured engine type.
func (p *Pool) EngineType() EngineType {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.engineType
}

// SetEngineType mutates the live record's engine type, used when a
// retained pool's engine_type changes under a configuration reload.
func (p *Pool) SetEngineType(t EngineType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.engineType = t
}

// Fallback returns the pool's fallback configuration.
func (p *Pool) Fallback() Fallback {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.fallback
}

// SetFallback replaces the pool's fallback configuration.
func (p *Pool) SetFallback(f Fallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fallback = f
}

// Members returns an ordered snapshot of the pool's current member
// pointers. Caller may read/use the pointers without further locking;
// each Member synchronises its own field access.
func (p *Pool) Members() []*Member {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Member, len(p.members))
	copy(out, p.members)
	return out
}

// ConsecutiveFailures returns the current failure streak.
func (p *Pool) ConsecutiveFailures() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.consecutiveFailures
}

// ResetFailures zeroes the consecutive-failure counter (called on any
// successful membership fetch).
func (p *Pool) ResetFailures() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveFailures = 0
}

// IncrementFailures advances the consecutive-failure counter by one and
// returns the new value.
func (p *Pool) IncrementFailures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveFailures++
	return p.consecutiveFailures
}

// ReconcileMembers replaces the pool's member list with freshMembers,
// preserving metrics/score for any (ip,port) retained from the old list
// and resetting the failure counter.
func (p *Pool) ReconcileMembers(freshMembers []*Member) {
	p.mu.Lock()
	defer p.mu.Unlock()

	oldByKey := make(map[string]*Member, len(p.members))
	for _, m := range p.members {
		oldByKey[m.Key()] = m
	}

	for _, nm := range freshMembers {
		if old, ok := oldByKey[nm.Key()]; ok {
			nm.inheritFrom(old)
		}
	}

	p.members = freshMembers
	p.consecutiveFailures = 0
}

// FindMember returns the member matching (ip, port), or nil.
func (p *Pool) FindMember(ip string, port int) *Member {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, m := range p.members {
		if m.IP == ip && m.Port == port {
			return m
		}
	}
	return nil
}

// Registry is the process-wide (name, partition) -> *Pool mapping.
type Registry struct {
	mu    sync.RWMutex
	pools map[Key]*Pool
}

// New builds an empty registry.
func New() *Registry {
	return &Registry{pools: make(map[Key]*Pool)}
}

// Get returns the pool for key, or nil if absent.
func (r *Registry) Get(key Key) *Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pools[key]
}

// Upsert inserts or replaces the pool record for its key.
func (r *Registry) Upsert(pool *Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[pool.Key] = pool
}

// Delete removes the pool for key, if present.
func (r *Registry) Delete(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pools, key)
}

// List returns a snapshot of all registered pools, ordered by name and
// then partition. The slice may be iterated without holding the
// registry's lock.
func (r *Registry) List() []*Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Name != out[j].Key.Name {
			return out[i].Key.Name < out[j].Key.Name
		}
		return out[i].Key.Partition < out[j].Key.Partition
	})
	return out
}

