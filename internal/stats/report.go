package stats

import (
	"context"
	"fmt"
	"strings"

	"github.com/rewired-gh/linewatch/internal/models"
)

// MainConfig is the configuration the report's conclusion is drawn from.
var MainConfig = Config{PropType: models.PropTypeAll, ThresholdPct: 10, ThresholdAbs: 5, HoursBefore: 3}

// supportedUnderRate is the under rate a significant result must exceed to
// count as support.
const supportedUnderRate = 0.55

// Report renders the stored results as a plain-text report.
func (s *Service) Report(ctx context.Context) (string, error) {
	results, err := s.store.ListAnalysisResults(ctx, "")
	if err != nil {
		return "", err
	}
	return FormatReport(results), nil
}

// FormatReport renders results, concluding on MainConfig when present.
func FormatReport(results []models.AnalysisResult) string {
	if len(results) == 0 {
		return "No analysis results found."
	}

	rule := strings.Repeat("=", 80)
	var b strings.Builder
	fmt.Fprintln(&b, rule)
	fmt.Fprintln(&b, "PROP LINE MOVEMENT ANALYSIS")
	fmt.Fprintln(&b, rule)
	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "Hypothesis: large prop line moves close to kickoff predict the player")
	fmt.Fprintln(&b, "finishing UNDER the final line.")
	fmt.Fprintln(&b)
	fmt.Fprintln(&b, strings.Repeat("-", 80))

	var main *models.AnalysisResult
	for i := range results {
		r := &results[i]
		if r.Name == MainConfig.Name() {
			main = r
		}

		fmt.Fprintf(&b, "\nAnalysis: %s\n", r.Name)
		fmt.Fprintf(&b, "  Prop Type: %s\n", r.PropType.Label())
		fmt.Fprintf(&b, "  Thresholds: %g%% or %g units\n", r.ThresholdPct, r.ThresholdAbs)
		fmt.Fprintf(&b, "  Time Window: within %g hours of kickoff\n", r.HoursBeforeThreshold)
		fmt.Fprintf(&b, "  Sample Size: %d (over %d, under %d, push %d)\n", r.SampleSize, r.OverCount, r.UnderCount, r.PushCount)
		if r.ZeroSample {
			fmt.Fprintln(&b, "  Under Rate: n/a (no decided outcomes)")
		} else {
			fmt.Fprintf(&b, "  Under Rate: %.1f%%\n", r.ObservedRate*100)
			fmt.Fprintf(&b, "  95%% CI: [%.1f%%, %.1f%%]\n", r.ConfidenceLow*100, r.ConfidenceHigh*100)
			fmt.Fprintf(&b, "  Chi-Square: %.4f  P-Value: %.4f\n", r.ChiSquare, r.PValue)
		}
		fmt.Fprintf(&b, "  Statistically Significant: %s\n", yesNo(r.IsSignificant))
		if r.BaselineSampleSize > 0 {
			fmt.Fprintf(&b, "  Baseline Under Rate: %.1f%% (n=%d)\n", r.BaselineRate*100, r.BaselineSampleSize)
		}
		fmt.Fprintln(&b, strings.Repeat("-", 40))
	}

	fmt.Fprintln(&b)
	fmt.Fprintln(&b, rule)
	fmt.Fprintln(&b, "CONCLUSION:")
	fmt.Fprintln(&b, Conclusion(main))
	fmt.Fprint(&b, rule)
	return b.String()
}

// Conclusion summarizes the main result in one sentence.
func Conclusion(main *models.AnalysisResult) string {
	switch {
	case main == nil:
		return "Unable to conclude: main analysis " + MainConfig.Name() + " not found."
	case main.ZeroSample:
		return "Unable to conclude: no settled late movements yet."
	case main.IsSignificant && main.ObservedRate > supportedUnderRate:
		return fmt.Sprintf("SUPPORTED. Late movers went under %.1f%% of the time (p = %.4f).", main.ObservedRate*100, main.PValue)
	case main.ObservedRate > 0.5:
		return fmt.Sprintf("TREND. Late movers went under %.1f%% of the time, but more data is needed (p = %.4f).", main.ObservedRate*100, main.PValue)
	default:
		return fmt.Sprintf("NOT SUPPORTED. Late movers went under only %.1f%% of the time.", main.ObservedRate*100)
	}
}

func yesNo(v bool) string {
	if v {
		return "YES"
	}
	return "NO"
}
