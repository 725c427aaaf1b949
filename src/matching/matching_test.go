package matching

import (
	"math"
	"testing"

	"github.com/grantmatch/qf-engine/src/model"
)

func TestIsqrtFloorRounding(t *testing.T) {
	cases := map[uint64]uint64{
		0:              0,
		1:              1,
		2:              1,
		3:              1,
		4:              2,
		8:              2,
		9:              3,
		10:             3,
		15:             3,
		16:             4,
		99:             9,
		100:            10,
		101:            10,
		1<<32 - 1:      65535,
		1 << 32:        65536,
		math.MaxUint64: 4294967295,
	}
	for in, want := range cases {
		if got := Isqrt(in); got != want {
			t.Errorf("Isqrt(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestIsqrtConvergenceInvariant(t *testing.T) {
	// z*z <= x < (z+1)*(z+1) across a spread of values
	for _, x := range []uint64{5, 17, 24, 26, 1000000, 999999999999, 1<<52 + 7} {
		z := Isqrt(x)
		if z*z > x {
			t.Fatalf("Isqrt(%d) = %d overshoots", x, z)
		}
		if (z+1)*(z+1) <= x {
			t.Fatalf("Isqrt(%d) = %d undershoots", x, z)
		}
	}
}

func TestWorkedExample(t *testing.T) {
	// three donors, 1 unit each: S = 3, S^2 = 9, sum = 3, match = 6
	contributions := model.ContributionMap{"A": 1, "B": 1, "C": 1}
	if got := CalculateMatch(contributions); got != 6 {
		t.Fatalf("expected match of 6, got %d", got)
	}
}

func TestBreadthBeatsConcentration(t *testing.T) {
	broad := model.ContributionMap{}
	for _, d := range []model.DonorAddr{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		broad[d] = 1
	}
	concentrated := model.ContributionMap{"whale": 10}

	broadMatch := CalculateMatch(broad)
	concentratedMatch := CalculateMatch(concentrated)
	if broadMatch != 90 {
		t.Errorf("ten 1-unit donors should match 90, got %d", broadMatch)
	}
	if concentratedMatch != 0 {
		t.Errorf("one 10-unit donor should match 0, got %d", concentratedMatch)
	}
	if broadMatch <= concentratedMatch {
		t.Fatalf("breadth must strictly beat concentration: %d vs %d", broadMatch, concentratedMatch)
	}
}

func TestDeterministicAcrossCalls(t *testing.T) {
	contributions := model.ContributionMap{
		"A": 123456789,
		"B": 42,
		"C": 987654321012345,
		"D": 1,
		"E": 0,
	}
	first := CalculateMatch(contributions)
	for i := 0; i < 100; i++ {
		if got := CalculateMatch(contributions); got != first {
			t.Fatalf("call %d returned %d, first call returned %d", i, got, first)
		}
	}
}

func TestZeroDonors(t *testing.T) {
	if got := CalculateMatch(model.ContributionMap{}); got != 0 {
		t.Fatalf("empty contribution map should match 0, got %d", got)
	}
	if got := CalculateMatch(nil); got != 0 {
		t.Fatalf("nil contribution map should match 0, got %d", got)
	}
}

func TestZeroWeightedDonorsExcluded(t *testing.T) {
	// a zero-weighted donor must not add to S or to the subtracted total
	with := CalculateMatch(model.ContributionMap{"A": 1, "B": 1, "C": 1, "sybil": 0})
	without := CalculateMatch(model.ContributionMap{"A": 1, "B": 1, "C": 1})
	if with != without {
		t.Fatalf("zero-amount donor changed the match: %d vs %d", with, without)
	}
}

func TestSingleDonorNeverMatches(t *testing.T) {
	// S^2 - c = floor(sqrt(c))^2 - c <= 0 for any single donor
	for _, c := range []uint64{1, 2, 9, 10, 12345, math.MaxUint64} {
		if got := CalculateMatch(model.ContributionMap{"solo": c}); got != 0 {
			t.Errorf("single donor of %d matched %d, want 0", c, got)
		}
	}
}

func TestLargeRoundSaturates(t *testing.T) {
	contributions := model.ContributionMap{}
	for i := 0; i < 64; i++ {
		contributions[model.DonorAddr(string(rune('a'+i)))] = math.MaxInt64
	}
	// the squared term overflows 64 bits; must clamp at the storable
	// maximum, not wrap
	if got := CalculateMatch(contributions); got != math.MaxInt64 {
		t.Fatalf("expected saturation at MaxInt64, got %d", got)
	}
}
