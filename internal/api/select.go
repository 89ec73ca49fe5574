// Package api implements the selection front-end adapter and the HTTP
// surface that exposes it: pool status reporting, health, and selection
// diagnostics.
package api

import (
	"strconv"
	"strings"

	"github.com/f5devcentral/llm-inference-lb/internal/registry"
	"github.com/f5devcentral/llm-inference-lb/internal/selector"
	"github.com/f5devcentral/llm-inference-lb/pkg/logger"
)

// Select runs the front-end selection algorithm against a pool already
// present in the registry. candidates are "ip:port" strings supplied by
// the caller; the result is one of those strings, selector.NoneLiteral,
// or selector.FallbackLiteral.
func Select(pool *registry.Pool, candidates []string) string {
	if pool.Fallback().PoolFallback {
		return selector.FallbackLiteral
	}

	parsed := make([]struct {
		ip   string
		port int
	}, 0, len(candidates))
	for _, c := range candidates {
		ip, port, ok := parseIPPort(c)
		if !ok {
			logger.Warn("skipping malformed candidate", "candidate", c)
			continue
		}
		parsed = append(parsed, struct {
			ip   string
			port int
		}{ip, port})
	}

	candidateSet := make(map[string]bool, len(parsed))
	for _, p := range parsed {
		candidateSet[p.ip+":"+strconv.Itoa(p.port)] = true
	}

	fallback := pool.Fallback()
	members := pool.Members()
	intersected := make([]*registry.Member, 0, len(members))
	for _, m := range members {
		if !candidateSet[m.Key()] {
			continue
		}
		if dropByThreshold(m, fallback) {
			continue
		}
		intersected = append(intersected, m)
	}

	if len(intersected) == 0 {
		return selector.NoneLiteral
	}

	scored := make([]selector.Candidate, len(intersected))
	for i, m := range intersected {
		scored[i] = selector.Candidate{Key: m.Key(), Score: m.Score()}
	}

	winner, ok := selector.Select(scored)
	if !ok {
		return selector.NoneLiteral
	}
	return winner.Key
}

// dropByThreshold applies the conservative per-member threshold filter:
// a member missing the relevant metric is always kept.
func dropByThreshold(m *registry.Member, fallback registry.Fallback) bool {
	metrics := m.Metrics()
	if fallback.MemberRunningReqThreshold != nil && metrics.HasRunningReq {
		if metrics.RunningReq > *fallback.MemberRunningReqThreshold {
			return true
		}
	}
	if fallback.MemberWaitingQueueThreshold != nil && metrics.HasWaitingQueue {
		if metrics.WaitingQueue > *fallback.MemberWaitingQueueThreshold {
			return true
		}
	}
	return false
}

func parseIPPort(s string) (string, int, bool) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 || idx == len(s)-1 {
		return "", 0, false
	}
	ip := s[:idx]
	if ip == "" {
		return "", 0, false
	}
	port, err := strconv.Atoi(s[idx+1:])
	if err != nil || port <= 0 {
		return "", 0, false
	}
	return ip, port, true
}
