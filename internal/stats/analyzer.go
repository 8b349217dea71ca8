package stats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/linewatch/internal/logger"
	"github.com/rewired-gh/linewatch/internal/models"
	"github.com/rewired-gh/linewatch/internal/movement"
)

// ErrInvalidConfig is returned for analysis configurations outside sane bounds.
var ErrInvalidConfig = errors.New("invalid analysis config")

// defaultBaseline is used when the control group has no decided outcome.
const defaultBaseline = 0.5

// Config is one threshold configuration to test.
type Config struct {
	PropType     models.PropType `json:"prop_type"`
	ThresholdPct float64         `json:"threshold_pct"`
	ThresholdAbs float64         `json:"threshold_abs"`
	HoursBefore  float64         `json:"hours_before"`
}

// Thresholds returns the movement thresholds the test group must meet.
func (c Config) Thresholds() movement.Thresholds {
	return movement.Thresholds{Pct: c.ThresholdPct, Abs: c.ThresholdAbs, HoursBefore: c.HoursBefore}
}

// Name returns the stable result name, e.g. "thesis_all_pct10_abs5_hrs3".
func (c Config) Name() string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return fmt.Sprintf("thesis_%s_pct%s_abs%s_hrs%s", c.PropType.Label(), f(c.ThresholdPct), f(c.ThresholdAbs), f(c.HoursBefore))
}

// Validate checks the prop type filter and thresholds.
func (c Config) Validate() error {
	if c.PropType != models.PropTypeAll && !c.PropType.Valid() {
		return fmt.Errorf("%w: prop type %q", ErrInvalidConfig, c.PropType)
	}
	if err := c.Thresholds().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// DefaultConfigs returns the standard threshold sweep over every prop type filter.
func DefaultConfigs() []Config {
	thresholds := []struct{ pct, abs, hours float64 }{
		{5, 3, 3},
		{10, 5, 3},
		{15, 7, 3},
		{10, 5, 1},
		{10, 5, 6},
	}
	filters := []models.PropType{models.PropTypeAll, models.PropTypeRushing, models.PropTypeReceiving}

	configs := make([]Config, 0, len(thresholds)*len(filters))
	for _, p := range filters {
		for _, th := range thresholds {
			configs = append(configs, Config{PropType: p, ThresholdPct: th.pct, ThresholdAbs: th.abs, HoursBefore: th.hours})
		}
	}
	return configs
}

type tally struct {
	over, under, push int
}

func (t *tally) add(m *models.Movement) {
	switch {
	case m.WentOver != nil && *m.WentOver:
		t.over++
	case m.WentUnder != nil && *m.WentUnder:
		t.under++
	default:
		t.push++
	}
}

func (t tally) decided() int { return t.over + t.under }
func (t tally) total() int   { return t.over + t.under + t.push }

// Analyze computes the result for one configuration over a population of
// movements. Each series counts once, through its latest movement. Movements
// without an outcome or outside the prop type filter are ignored.
func Analyze(population []models.Movement, cfg Config, now time.Time) models.AnalysisResult {
	th := cfg.Thresholds()

	population = models.LatestPerSeries(population)

	var test, control tally
	for i := range population {
		m := &population[i]
		if !m.HasOutcome() || !cfg.PropType.Matches(m.PropType) {
			continue
		}
		if th.Meets(m.AbsoluteChange, m.PercentChange, m.HoursBeforeKickoff) {
			test.add(m)
		} else {
			control.add(m)
		}
	}

	r := models.AnalysisResult{
		ID:                   uuid.New().String(),
		Name:                 cfg.Name(),
		PropType:             cfg.PropType,
		ThresholdPct:         cfg.ThresholdPct,
		ThresholdAbs:         cfg.ThresholdAbs,
		HoursBeforeThreshold: cfg.HoursBefore,
		SampleSize:           test.total(),
		OverCount:            test.over,
		UnderCount:           test.under,
		PushCount:            test.push,
		BaselineRate:         defaultBaseline,
		BaselineSampleSize:   control.total(),
		CreatedAt:            now,
	}
	if control.decided() > 0 {
		r.BaselineRate = float64(control.under) / float64(control.decided())
	}

	if test.decided() == 0 {
		r.ZeroSample = true
		r.PValue = 1
		r.ConfidenceLow, r.ConfidenceHigh = Wilson(0, 0, Z95)
		logger.Debug("Analysis %s: no decided outcomes (sample=%d)", r.Name, r.SampleSize)
		return r
	}

	r.ObservedRate = float64(test.under) / float64(test.decided())
	r.ChiSquare, r.PValue = ChiSquare(test.under, test.over, r.BaselineRate)
	r.IsSignificant = r.PValue < SignificanceLevel
	r.ConfidenceLow, r.ConfidenceHigh = Wilson(test.under, test.decided(), Z95)
	if r.BaselineRate <= 0 || r.BaselineRate >= 1 {
		logger.Debug("Analysis %s: degenerate baseline %.2f, test skipped", r.Name, r.BaselineRate)
	}
	return r
}

// Store is the persistence the analyzer needs.
type Store interface {
	ListMovements(ctx context.Context, f models.MovementFilter) ([]models.Movement, int, error)
	SaveAnalysisResult(ctx context.Context, r *models.AnalysisResult) error
	ListAnalysisResults(ctx context.Context, label string) ([]models.AnalysisResult, error)
}

// Service runs and persists analyses.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates an analysis service. A nil now uses time.Now.
func NewService(store Store, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, now: now}
}

// RunAnalysis analyzes every configuration against the settled movements and
// replaces the stored result of each. An empty configs runs DefaultConfigs.
func (s *Service) RunAnalysis(ctx context.Context, configs []Config) ([]models.AnalysisResult, error) {
	if len(configs) == 0 {
		configs = DefaultConfigs()
	}
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	settled := true
	population, _, err := s.store.ListMovements(ctx, models.MovementFilter{HasOutcome: &settled, IncludePastGames: true})
	if err != nil {
		return nil, fmt.Errorf("failed to load settled movements: %w", err)
	}

	now := s.now()
	results := make([]models.AnalysisResult, 0, len(configs))
	for _, cfg := range configs {
		r := Analyze(population, cfg, now)
		if err := s.store.SaveAnalysisResult(ctx, &r); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	logger.Info("Analysis complete: %d configuration(s) over %d settled movement(s)", len(results), len(population))
	return results, nil
}

// Results returns stored results, optionally narrowed to one prop type filter
// label ("all", "rushing_yards", ...).
func (s *Service) Results(ctx context.Context, label string) ([]models.AnalysisResult, error) {
	return s.store.ListAnalysisResults(ctx, label)
}
