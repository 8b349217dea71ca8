package movement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rewired-gh/linewatch/internal/logger"
	"github.com/rewired-gh/linewatch/internal/models"
	"github.com/rewired-gh/linewatch/internal/storage"
)

// Store is the persistence the detector needs.
type Store interface {
	GetSeries(ctx context.Context, key models.SeriesKey) ([]models.Snapshot, error)
	SeriesByGameStart(ctx context.Context, from, to time.Time) ([]models.SeriesKey, error)
	UpsertMovement(ctx context.Context, m *models.Movement) (bool, error)
	GetMovement(ctx context.Context, id string) (*models.Movement, error)
	MovementsForSeries(ctx context.Context, key models.SeriesKey) ([]models.Movement, error)
	SetMovementOutcome(ctx context.Context, m *models.Movement) (bool, error)
	ListMovements(ctx context.Context, f models.MovementFilter) ([]models.Movement, int, error)
	SaveOutcome(ctx context.Context, o *models.Outcome) error
	GetOutcome(ctx context.Context, key models.SeriesKey) (*models.Outcome, error)
}

// DetectionError represents a per-series error during a detection sweep
type DetectionError struct {
	Key models.SeriesKey
	Err error
}

func (e DetectionError) Error() string {
	return fmt.Sprintf("detection error for series %s: %v", e.Key, e.Err)
}

// Summary aggregates a movement listing. Rates are nil when no movement has an outcome.
type Summary struct {
	TotalMovements int      `json:"total_movements"`
	WithResults    int      `json:"with_results"`
	OverCount      int      `json:"over_count"`
	UnderCount     int      `json:"under_count"`
	OverRate       *float64 `json:"over_rate"`
	UnderRate      *float64 `json:"under_rate"`
}

// Service runs detection over stored series and settles movements.
type Service struct {
	store    Store
	lookback time.Duration
	now      func() time.Time

	// OnCreated, if set, is called for every newly stored movement.
	OnCreated func(m models.Movement)
}

// NewService creates a detection service. Sweeps cover games starting within
// lookback of now in either direction. A nil now uses time.Now.
func NewService(store Store, lookback time.Duration, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, lookback: lookback, now: now}
}

// DetectSeries evaluates one series and stores the qualifying movement. It
// returns the movement (nil when none qualifies) and whether it was newly stored.
// A movement detected after its outcome is known is stored already settled.
func (s *Service) DetectSeries(ctx context.Context, key models.SeriesKey, th Thresholds) (*models.Movement, bool, error) {
	if err := th.Validate(); err != nil {
		return nil, false, err
	}

	series, err := s.store.GetSeries(ctx, key)
	if err != nil {
		return nil, false, err
	}
	m := Detect(series, th, s.now())
	if m == nil {
		return nil, false, nil
	}

	outcome, err := s.store.GetOutcome(ctx, key)
	switch {
	case err == nil:
		m.AttachOutcome(outcome.ActualValue)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, false, err
	}

	created, err := s.store.UpsertMovement(ctx, m)
	if err != nil {
		return nil, false, err
	}
	if created {
		logger.Info("Late movement: %s %s %s -> %s (%s) %.2fh before kickoff",
			key, m.Sportsbook, m.InitialLine, m.FinalLine, m.AbsoluteChange, m.HoursBeforeKickoff)
		if s.OnCreated != nil {
			s.OnCreated(*m)
		}
	}
	return m, created, nil
}

// RunDetection sweeps every series whose game starts within the lookback and
// returns the number of qualifying movements found, whether new or already
// stored. Per-series failures are logged and skipped; only a failure to list
// the series is returned.
func (s *Service) RunDetection(ctx context.Context, th Thresholds) (int, error) {
	if err := th.Validate(); err != nil {
		return 0, err
	}

	now := s.now()
	keys, err := s.store.SeriesByGameStart(ctx, now.Add(-s.lookback), now.Add(s.lookback))
	if err != nil {
		return 0, fmt.Errorf("failed to list series for detection: %w", err)
	}

	var (
		found, created  int
		detectionErrors []DetectionError
	)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		m, isNew, err := s.DetectSeries(ctx, key, th)
		if err != nil {
			detectionErrors = append(detectionErrors, DetectionError{Key: key, Err: err})
			continue
		}
		if m != nil {
			found++
		}
		if isNew {
			created++
		}
	}

	for _, de := range detectionErrors {
		logger.Warn("%v", de)
	}
	logger.Debug("RunDetection: series=%d found=%d created=%d errors=%d", len(keys), found, created, len(detectionErrors))
	return found, nil
}

// AttachOutcome records a realized statistic and settles every movement of the
// series that has no outcome yet. Returns the number of movements updated.
func (s *Service) AttachOutcome(ctx context.Context, o *models.Outcome) (int, error) {
	if o.RecordedAt.IsZero() {
		o.RecordedAt = s.now()
	}
	if err := s.store.SaveOutcome(ctx, o); err != nil {
		return 0, err
	}

	movements, err := s.store.MovementsForSeries(ctx, o.Key())
	if err != nil {
		return 0, err
	}

	updated := 0
	for i := range movements {
		m := &movements[i]
		if m.HasOutcome() {
			continue
		}
		m.AttachOutcome(o.ActualValue)
		ok, err := s.store.SetMovementOutcome(ctx, m)
		if err != nil {
			return updated, err
		}
		if ok {
			updated++
		}
	}
	logger.Debug("Outcome %s = %.1f settled %d movement(s)", o.Key(), o.ActualValue, updated)
	return updated, nil
}

// Get returns one movement by ID.
func (s *Service) Get(ctx context.Context, id string) (*models.Movement, error) {
	return s.store.GetMovement(ctx, id)
}

// List returns movements matching the filter and the total before pagination.
func (s *Service) List(ctx context.Context, f models.MovementFilter) ([]models.Movement, int, error) {
	if f.Now.IsZero() {
		f.Now = s.now()
	}
	return s.store.ListMovements(ctx, f)
}

// Summarize aggregates every movement matching the filter, ignoring pagination.
// Each series counts once, through its latest movement.
func (s *Service) Summarize(ctx context.Context, f models.MovementFilter) (*Summary, error) {
	f.Limit, f.Offset = 0, 0
	movements, _, err := s.List(ctx, f)
	if err != nil {
		return nil, err
	}

	movements = models.LatestPerSeries(movements)

	sum := &Summary{TotalMovements: len(movements)}
	for _, m := range movements {
		if !m.HasOutcome() {
			continue
		}
		sum.WithResults++
		if m.WentOver != nil && *m.WentOver {
			sum.OverCount++
		}
		if m.WentUnder != nil && *m.WentUnder {
			sum.UnderCount++
		}
	}
	if sum.WithResults > 0 {
		over := float64(sum.OverCount) / float64(sum.WithResults)
		under := float64(sum.UnderCount) / float64(sum.WithResults)
		sum.OverRate = &over
		sum.UnderRate = &under
	}
	return sum, nil
}
