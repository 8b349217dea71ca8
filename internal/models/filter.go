package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MovementFilter narrows movement listings and summaries. Zero values disable
// the corresponding filter.
type MovementFilter struct {
	Player           string // case-insensitive substring
	PropType         PropType
	MinPercentMove   float64 // |percent change| >= MinPercentMove
	MaxHoursBefore   float64
	WentUnder        *bool
	HasOutcome       *bool
	GameStartFrom    time.Time
	GameStartTo      time.Time
	IncludePastGames bool
	Now              time.Time // reference time for excluding started games
	Limit            int
	Offset           int
}

// MatchesMove applies the magnitude filter, which is evaluated on exact decimals
// rather than in the database.
func (f MovementFilter) MatchesMove(m *Movement) bool {
	if f.MinPercentMove <= 0 {
		return true
	}
	if !m.PercentChange.Valid {
		return false
	}
	return m.PercentChange.Decimal.Abs().GreaterThanOrEqual(decimal.NewFromFloat(f.MinPercentMove))
}
