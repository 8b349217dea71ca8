package storage

import (
	"context"
	"fmt"

	"github.com/rewired-gh/linewatch/internal/models"
)

// SaveAnalysisResult stores a result, replacing any earlier result for the same
// (prop type, thresholds) configuration. The prop type column holds the filter
// label so the unfiltered population is stored as "all".
func (s *Storage) SaveAnalysisResult(ctx context.Context, r *models.AnalysisResult) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid analysis result: %w", err)
	}
	_, err := s.exec(ctx, `INSERT INTO analysis_results
		(id, name, prop_type, threshold_pct, threshold_abs, hours_before, sample_size,
		 over_count, under_count, push_count, observed_rate, zero_sample, chi_square,
		 p_value, is_significant, ci_low, ci_high, baseline_rate, baseline_sample_size, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (prop_type, threshold_pct, threshold_abs, hours_before) DO UPDATE SET
			id = excluded.id,
			name = excluded.name,
			sample_size = excluded.sample_size,
			over_count = excluded.over_count,
			under_count = excluded.under_count,
			push_count = excluded.push_count,
			observed_rate = excluded.observed_rate,
			zero_sample = excluded.zero_sample,
			chi_square = excluded.chi_square,
			p_value = excluded.p_value,
			is_significant = excluded.is_significant,
			ci_low = excluded.ci_low,
			ci_high = excluded.ci_high,
			baseline_rate = excluded.baseline_rate,
			baseline_sample_size = excluded.baseline_sample_size,
			created_at = excluded.created_at`,
		r.ID, r.Name, r.PropType.Label(), r.ThresholdPct, r.ThresholdAbs, r.HoursBeforeThreshold,
		r.SampleSize, r.OverCount, r.UnderCount, r.PushCount, r.ObservedRate, r.ZeroSample,
		r.ChiSquare, r.PValue, r.IsSignificant, r.ConfidenceLow, r.ConfidenceHigh,
		r.BaselineRate, r.BaselineSampleSize, toNanos(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save analysis result %s: %w", r.Name, err)
	}
	return nil
}

// ListAnalysisResults returns stored results. A non-empty label ("all",
// "rushing_yards", ...) narrows them to one prop type filter.
func (s *Storage) ListAnalysisResults(ctx context.Context, label string) ([]models.AnalysisResult, error) {
	query := `SELECT id, name, prop_type, threshold_pct, threshold_abs, hours_before, sample_size,
		over_count, under_count, push_count, observed_rate, zero_sample, chi_square, p_value,
		is_significant, ci_low, ci_high, baseline_rate, baseline_sample_size, created_at
		FROM analysis_results`
	var args []any
	if label != "" {
		query += ` WHERE prop_type = ?`
		args = append(args, label)
	}
	query += ` ORDER BY name`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query analysis results: %w", err)
	}
	defer rows.Close()

	results := []models.AnalysisResult{}
	for rows.Next() {
		var (
			r         models.AnalysisResult
			prop      string
			createdAt int64
		)
		if err := rows.Scan(&r.ID, &r.Name, &prop, &r.ThresholdPct, &r.ThresholdAbs, &r.HoursBeforeThreshold,
			&r.SampleSize, &r.OverCount, &r.UnderCount, &r.PushCount, &r.ObservedRate, &r.ZeroSample,
			&r.ChiSquare, &r.PValue, &r.IsSignificant, &r.ConfidenceLow, &r.ConfidenceHigh,
			&r.BaselineRate, &r.BaselineSampleSize, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan analysis result: %w", err)
		}
		if r.PropType, err = models.ParsePropType(prop); err != nil {
			return nil, fmt.Errorf("analysis result %s: %w", r.Name, err)
		}
		r.CreatedAt = fromNanos(createdAt)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read analysis results: %w", err)
	}
	return results, nil
}
