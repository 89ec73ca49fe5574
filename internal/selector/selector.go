// Package selector implements the weighted random choice that turns a
// pool's member scores into a single selection, using a high-precision
// cumulative-sum walk so accumulated floating-point error never visibly
// skews the last member in a skewed weight vector.
package selector

import (
	"math/big"
	"math/rand"
)

// Candidate is the minimal shape the selector needs from a pool member.
type Candidate struct {
	Key   string
	Score float64
}

// precision is the mantissa precision, in bits, big.Float carries through
// the cumulative-sum walk; it only needs to comfortably exceed float64's
// own 53-bit mantissa.
const precision = 200

// Select picks one candidate according to its score's share of the total,
// filtering out non-positive scores first. Returns false if nothing
// survives the filter. Never panics: any unexpected arithmetic condition
// falls through to returning the last filtered candidate.
func Select(candidates []Candidate) (Candidate, bool) {
	filtered := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Score > 0 {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == 0 {
		return Candidate{}, false
	}
	if len(filtered) == 1 {
		return filtered[0], true
	}

	total := new(big.Float).SetPrec(precision)
	for _, c := range filtered {
		total.Add(total, big.NewFloat(c.Score))
	}

	if total.Sign() <= 0 {
		return filtered[rand.Intn(len(filtered))], true
	}

	u := rand.Float64()
	target := new(big.Float).SetPrec(precision).Mul(total, big.NewFloat(u))

	cumulative := new(big.Float).SetPrec(precision)
	for i, c := range filtered {
		cumulative.Add(cumulative, big.NewFloat(c.Score))
		if i == len(filtered)-1 {
			return c, true
		}
		if target.Cmp(cumulative) < 0 {
			return c, true
		}
	}

	return filtered[len(filtered)-1], true
}

// NoneLiteral is returned by the selection front end when no candidate
// survives filtering.
const NoneLiteral = "none"

// FallbackLiteral is returned unconditionally when a pool is configured
// for fallback routing, regardless of member scores.
const FallbackLiteral = "fallback"
