// Package stats tests whether late line movements predict the under.
//
// For a threshold configuration the population of settled movements is split
// into a test group (movements meeting the thresholds) and a control group (the
// rest). The test group's under rate is compared against the control group's
// with a one-sample chi-square goodness-of-fit test (df = 1), using the Yates
// continuity correction when any expected count is below 5, and bracketed by a
// 95% Wilson score interval.
package stats

import "math"

// Z95 is the two-sided 95% normal quantile.
const Z95 = 1.959963984540054

// SignificanceLevel is the p-value below which a result is significant.
const SignificanceLevel = 0.05

// minExpected is the expected count below which the Yates correction applies.
const minExpected = 5.0

// ChiSquare tests under/over counts against an expected under rate. It returns
// the statistic and its p-value. A degenerate baseline (0 or 1) or an empty
// sample yields (0, 1).
func ChiSquare(under, over int, baseline float64) (float64, float64) {
	n := float64(under + over)
	if n == 0 || baseline <= 0 || baseline >= 1 {
		return 0, 1
	}

	expUnder := n * baseline
	expOver := n * (1 - baseline)
	yates := expUnder < minExpected || expOver < minExpected

	term := func(observed, expected float64) float64 {
		diff := math.Abs(observed - expected)
		if yates {
			diff = math.Max(0, diff-0.5)
		}
		return diff * diff / expected
	}

	chi2 := term(float64(under), expUnder) + term(float64(over), expOver)
	return chi2, ChiSquarePValue(chi2)
}

// ChiSquarePValue is the upper tail of the chi-square distribution with one
// degree of freedom.
func ChiSquarePValue(chi2 float64) float64 {
	if chi2 <= 0 {
		return 1
	}
	return math.Erfc(math.Sqrt(chi2 / 2))
}

// Wilson returns the Wilson score interval for successes out of n at quantile z.
// An empty sample yields [0, 1].
func Wilson(successes, n int, z float64) (float64, float64) {
	if n <= 0 {
		return 0, 1
	}
	fn := float64(n)
	p := float64(successes) / fn
	z2 := z * z

	denom := 1 + z2/fn
	center := (p + z2/(2*fn)) / denom
	half := z * math.Sqrt(p*(1-p)/fn+z2/(4*fn*fn)) / denom

	return math.Max(0, center-half), math.Min(1, center+half)
}
