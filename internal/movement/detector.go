// Package movement detects late line movements and settles them against outcomes.
//
// A series is reduced to one long-horizon comparison on the consensus book: the
// initial sample is the latest snapshot strictly before the late cutoff
// (game start minus HoursBefore) and the final sample is the latest snapshot at or
// after it. When either side of the cutoff is empty the first and last snapshots
// are compared instead. The comparison qualifies when
//
//	(|percent change| >= Pct OR |absolute change| >= Abs) AND 0 <= hours before kickoff(final) <= HoursBefore
//
// Either threshold alone is sufficient. Movements are stored idempotently per
// (event, player, prop type, final snapshot time).
package movement

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rewired-gh/linewatch/internal/models"
	"github.com/rewired-gh/linewatch/internal/window"
)

// ErrInvalidThresholds is returned for negative or non-finite thresholds.
var ErrInvalidThresholds = errors.New("invalid thresholds")

// Thresholds configures what counts as a late movement.
type Thresholds struct {
	Pct         float64 `json:"threshold_pct"`
	Abs         float64 `json:"threshold_abs"`
	HoursBefore float64 `json:"hours_before"`
}

// DefaultThresholds returns 10%, 5 units, 3 hours.
func DefaultThresholds() Thresholds {
	return Thresholds{Pct: 10, Abs: 5, HoursBefore: 3}
}

// Validate rejects thresholds outside sane bounds.
func (t Thresholds) Validate() error {
	fields := []struct {
		name string
		v    float64
	}{
		{"threshold_pct", t.Pct},
		{"threshold_abs", t.Abs},
		{"hours_before", t.HoursBefore},
	}
	for _, f := range fields {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) || f.v < 0 {
			return fmt.Errorf("%w: %s must be a non-negative number, got %v", ErrInvalidThresholds, f.name, f.v)
		}
	}
	return nil
}

// Meets reports whether a change satisfies the magnitude and timing thresholds.
// A null percent change can only qualify through the absolute threshold.
func (t Thresholds) Meets(abs decimal.Decimal, pct decimal.NullDecimal, hoursBefore float64) bool {
	if hoursBefore < 0 || hoursBefore > t.HoursBefore {
		return false
	}
	if abs.Abs().GreaterThanOrEqual(decimal.NewFromFloat(t.Abs)) {
		return true
	}
	return pct.Valid && pct.Decimal.Abs().GreaterThanOrEqual(decimal.NewFromFloat(t.Pct))
}

// Comparison is the long-horizon pair a series is judged on.
type Comparison struct {
	Initial models.Snapshot
	Final   models.Snapshot
	Delta   window.Delta
}

// HoursBeforeKickoff of the final sample.
func (c Comparison) HoursBeforeKickoff() float64 {
	return c.Final.HoursBeforeKickoff()
}

// Baseline selects the comparison for book over an ordered series. Snapshots
// taken after kickoff are ignored. It reports false when fewer than two
// pre-kickoff snapshots carry the book.
func Baseline(series []models.Snapshot, book string, hoursBefore float64) (Comparison, bool) {
	var carrying []int
	for i := range series {
		if series[i].SnapshotTime.After(series[i].GameStartTime) {
			continue
		}
		if _, ok := series[i].Books[book]; ok {
			carrying = append(carrying, i)
		}
	}
	if len(carrying) < 2 {
		return Comparison{}, false
	}

	last := series[carrying[len(carrying)-1]]
	cutoff := last.GameStartTime.Add(-time.Duration(hoursBefore * float64(time.Hour)))

	initial, final := -1, -1
	for _, i := range carrying {
		if series[i].SnapshotTime.Before(cutoff) {
			initial = i
		} else {
			final = i
		}
	}
	if initial < 0 || final < 0 {
		initial, final = carrying[0], carrying[len(carrying)-1]
	}

	return Comparison{
		Initial: series[initial],
		Final:   series[final],
		Delta:   window.Between(series[initial].Books[book], series[final].Books[book]),
	}, true
}

// Detect evaluates a series against the thresholds on the consensus book and
// returns the qualifying movement, or nil.
func Detect(series []models.Snapshot, th Thresholds, now time.Time) *models.Movement {
	cmp, ok := Baseline(series, models.ConsensusBook, th.HoursBefore)
	if !ok {
		return nil
	}
	if !cmp.Initial.SnapshotTime.Before(cmp.Final.SnapshotTime) {
		return nil
	}
	abs := cmp.Delta.AbsoluteChange.Decimal
	if abs.IsZero() {
		return nil
	}
	hours := cmp.HoursBeforeKickoff()
	if !th.Meets(abs, cmp.Delta.PercentChange, hours) {
		return nil
	}

	return &models.Movement{
		ID:                  uuid.New().String(),
		EventID:             cmp.Final.EventID,
		Player:              cmp.Final.Player,
		PropType:            cmp.Final.PropType,
		Sportsbook:          models.ConsensusBook,
		InitialLine:         cmp.Delta.OldLine.Decimal,
		FinalLine:           cmp.Final.Books[models.ConsensusBook].Line,
		AbsoluteChange:      abs,
		PercentChange:       cmp.Delta.PercentChange,
		HoursBeforeKickoff:  hours,
		InitialSnapshotTime: cmp.Initial.SnapshotTime,
		FinalSnapshotTime:   cmp.Final.SnapshotTime,
		GameStartTime:       cmp.Final.GameStartTime,
		CreatedAt:           now,
	}
}
