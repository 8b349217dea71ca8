package models

import (
	"errors"
	"time"
)

// AnalysisResult is the outcome of one significance test for a threshold
// configuration. It is a cache of the computation and is replaced on every run.
type AnalysisResult struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	PropType             PropType  `json:"prop_type"`
	ThresholdPct         float64   `json:"threshold_pct"`
	ThresholdAbs         float64   `json:"threshold_abs"`
	HoursBeforeThreshold float64   `json:"hours_before_threshold"`
	SampleSize           int       `json:"sample_size"`
	OverCount            int       `json:"over_count"`
	UnderCount           int       `json:"under_count"`
	PushCount            int       `json:"push_count"`
	ObservedRate         float64   `json:"observed_rate"`
	ZeroSample           bool      `json:"zero_sample"` // no decided (non-push) outcomes
	ChiSquare            float64   `json:"chi_square"`
	PValue               float64   `json:"p_value"`
	IsSignificant        bool      `json:"is_significant"`
	ConfidenceLow        float64   `json:"confidence_interval_low"`
	ConfidenceHigh       float64   `json:"confidence_interval_high"`
	BaselineRate         float64   `json:"baseline_rate"`
	BaselineSampleSize   int       `json:"baseline_sample_size"`
	CreatedAt            time.Time `json:"created_at"`
}

// Validate checks the count and rate invariants.
func (r *AnalysisResult) Validate() error {
	if r.OverCount < 0 || r.UnderCount < 0 || r.PushCount < 0 {
		return errors.New("counts must not be negative")
	}
	if r.OverCount+r.UnderCount+r.PushCount != r.SampleSize {
		return errors.New("over + under + push must equal sample size")
	}
	if r.ObservedRate < 0 || r.ObservedRate > 1 {
		return errors.New("observed rate must be between 0.0 and 1.0")
	}
	if r.SampleSize == 0 && !r.ZeroSample {
		return errors.New("empty sample must be flagged zero-sample")
	}
	if r.ConfidenceLow > r.ConfidenceHigh {
		return errors.New("confidence interval low must be <= high")
	}
	if r.PValue < 0 || r.PValue > 1 {
		return errors.New("p-value must be between 0.0 and 1.0")
	}
	return nil
}
