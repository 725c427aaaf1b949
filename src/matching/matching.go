package matching

import (
	"math"
	"math/big"

	"github.com/grantmatch/qf-engine/src/model"
)

// Isqrt returns floor(sqrt(x)) via Babylonian iteration. The floor rounding
// is part of the financial contract: two runs (or two implementations) must
// agree bit-for-bit on the same inputs, so no floating point is allowed
// anywhere on this path. Converges when z*z <= x < (z+1)*(z+1).
func Isqrt(x uint64) uint64 {
	if x < 2 {
		return x
	}
	z := x
	y := x/2 + 1
	for y < z {
		z = y
		y = (z + x/z) / 2
	}
	return z
}

// CalculateMatch computes the quadratic-funding match for one (round,
// project): match = (sum of floor-sqrts of the weighted contributions)^2
// minus the sum of the weighted contributions, clamped at zero. Donors with
// a zero weighted amount contribute to neither term. A project with no
// donors matches 0.
//
// Pure and deterministic; map iteration order cannot affect the result since
// both terms are order-independent sums. The squared term is carried in
// big.Int so large rounds can't silently wrap; a result past the signed
// 64-bit range saturates at MaxInt64, the largest value the storage layer's
// amount columns hold (the pool balance check downstream bounds what can
// actually be paid).
func CalculateMatch(contributions model.ContributionMap) uint64 {
	sumRoots := new(big.Int)
	total := new(big.Int)
	scratch := new(big.Int)
	for _, c := range contributions {
		if c == 0 {
			continue
		}
		sumRoots.Add(sumRoots, scratch.SetUint64(Isqrt(c)))
		total.Add(total, scratch.SetUint64(c))
	}

	match := new(big.Int).Mul(sumRoots, sumRoots)
	match.Sub(match, total)
	if match.Sign() <= 0 {
		return 0
	}
	if !match.IsInt64() {
		return math.MaxInt64
	}
	return match.Uint64()
}
