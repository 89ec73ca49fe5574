// Package fetch runs the periodic membership-fetch loop: for every
// configured pool, query the load balancer, reconcile the result into the
// registry, and classify any failure as serious (counts toward a pool's
// removal threshold) or transient (logged and ignored).
package fetch

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/f5devcentral/llm-inference-lb/internal/lbclient"
	"github.com/f5devcentral/llm-inference-lb/internal/registry"
	"github.com/f5devcentral/llm-inference-lb/pkg/apperror"
	"github.com/f5devcentral/llm-inference-lb/pkg/logger"
	"github.com/f5devcentral/llm-inference-lb/pkg/metrics"
	"github.com/f5devcentral/llm-inference-lb/pkg/telemetry"
)

// DefaultFailureThreshold is the number of consecutive serious failures
// after which a pool is removed from the registry.
const DefaultFailureThreshold = 5

// PoolTarget is one pool this fetcher is responsible for.
type PoolTarget struct {
	Key        registry.Key
	EngineType registry.EngineType
	Fallback   registry.Fallback
}

// Fetcher periodically reconciles pool membership from the load balancer.
type Fetcher struct {
	client           *lbclient.Client
	reg              *registry.Registry
	interval         time.Duration
	failureThreshold int
	targets          func() []PoolTarget
}

// New builds a Fetcher. targets is called at the start of every cycle so
// configuration reloads are picked up without restarting the loop.
func New(client *lbclient.Client, reg *registry.Registry, interval time.Duration, targets func() []PoolTarget) *Fetcher {
	return &Fetcher{
		client:           client,
		reg:              reg,
		interval:         interval,
		failureThreshold: DefaultFailureThreshold,
		targets:          targets,
	}
}

// SetFailureThreshold overrides the default consecutive-failure threshold.
func (f *Fetcher) SetFailureThreshold(n int) {
	if n > 0 {
		f.failureThreshold = n
	}
}

// Run drives the fetch loop on a ticker until ctx is cancelled. Pools are
// fetched sequentially under the client's single authenticated session;
// one pool's failure never aborts the others.
func (f *Fetcher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.runOnce(ctx)
		}
	}
}

func (f *Fetcher) runOnce(ctx context.Context) {
	ctx, span := telemetry.StartSpan(ctx, "membership_fetch_cycle")
	defer span.End()

	timer := metrics.NewTimer(metrics.Get().FetchDuration)
	defer timer.ObserveDuration()

	for _, target := range f.targets() {
		f.fetchOne(ctx, target)
	}
}

func (f *Fetcher) fetchOne(ctx context.Context, target PoolTarget) {
	members, err := f.client.GetPoolMembers(ctx, target.Key.Name, target.Key.Partition)
	if err != nil {
		f.handleFailure(target, err)
		return
	}

	pool := f.reg.Get(target.Key)
	if pool == nil {
		pool = registry.NewPool(target.Key, target.EngineType, target.Fallback)
		f.reg.Upsert(pool)
	} else {
		pool.SetEngineType(target.EngineType)
		pool.SetFallback(target.Fallback)
	}

	regMembers := make([]*registry.Member, 0, len(members))
	for _, m := range members {
		regMembers = append(regMembers, registry.NewMember(m.IP, m.Port))
	}
	pool.ReconcileMembers(regMembers)
	metrics.Get().SetPoolMembers(target.Key.Name, target.Key.Partition, len(regMembers))
}

func (f *Fetcher) handleFailure(target PoolTarget, err error) {
	failureType, serious := classify(err)
	logger.Warn("membership fetch failed", "pool", target.Key.Name, "partition", target.Key.Partition, "type", failureType, "serious", serious, "error", err)

	class := "transient"
	if serious {
		class = "serious"
	}
	metrics.Get().RecordFetchFailure(target.Key.Name, target.Key.Partition, class)

	if !serious {
		return
	}

	pool := f.reg.Get(target.Key)
	if pool == nil {
		return
	}
	count := pool.IncrementFailures()
	if count >= f.failureThreshold {
		logger.Warn("removing pool after consecutive serious failures", "pool", target.Key.Name, "partition", target.Key.Partition, "count", count)
		f.reg.Delete(target.Key)
	}
}

// classify maps an error from the load-balancer client onto (description,
// shouldCount) per the serious/transient taxonomy.
func classify(err error) (string, bool) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "network timeout", true
	}

	var httpErr *lbclient.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusNotFound:
			return "pool does not exist (404)", true
		case httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden:
			return "authentication failed", false
		case httpErr.StatusCode >= 500:
			return "load balancer server error", false
		default:
			return "load balancer api error", true
		}
	}

	if apperror.Is(err, apperror.CodeAuthFailed) {
		return "token authentication failed", false
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "network connection error", false
	}

	return "unknown error", true
}
