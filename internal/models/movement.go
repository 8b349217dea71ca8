package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Movement is a persisted late line move that crossed the detection thresholds.
// It is unique per (EventID, Player, PropType, FinalSnapshotTime).
type Movement struct {
	ID                  string              `json:"id"`
	EventID             string              `json:"event_id"`
	Player              string              `json:"player"`
	PropType            PropType            `json:"prop_type"`
	Sportsbook          string              `json:"sportsbook"`
	InitialLine         decimal.Decimal     `json:"initial_line"`
	FinalLine           decimal.Decimal     `json:"final_line"`
	AbsoluteChange      decimal.Decimal     `json:"absolute_change"`
	PercentChange       decimal.NullDecimal `json:"percent_change"`
	HoursBeforeKickoff  float64             `json:"hours_before_kickoff"`
	InitialSnapshotTime time.Time           `json:"initial_snapshot_time"`
	FinalSnapshotTime   time.Time           `json:"final_snapshot_time"`
	GameStartTime       time.Time           `json:"game_start_time"`
	ActualValue         *float64            `json:"actual_value"`
	WentOver            *bool               `json:"went_over"`
	WentUnder           *bool               `json:"went_under"`
	CreatedAt           time.Time           `json:"created_at"`
}

// Key returns the series the movement was detected on.
func (m *Movement) Key() SeriesKey {
	return SeriesKey{EventID: m.EventID, Player: m.Player, PropType: m.PropType}
}

// HasOutcome reports whether a realized result has been attached.
func (m *Movement) HasOutcome() bool {
	return m.ActualValue != nil
}

// LatestPerSeries keeps, for each series, only the movement with the latest
// final snapshot. Order follows each series' first appearance.
func LatestPerSeries(movements []Movement) []Movement {
	index := make(map[SeriesKey]int, len(movements))
	out := make([]Movement, 0, len(movements))
	for _, m := range movements {
		i, seen := index[m.Key()]
		if !seen {
			index[m.Key()] = len(out)
			out = append(out, m)
			continue
		}
		if m.FinalSnapshotTime.After(out[i].FinalSnapshotTime) {
			out[i] = m
		}
	}
	return out
}

// AttachOutcome records the realized statistic. An exact push leaves both
// WentOver and WentUnder false.
func (m *Movement) AttachOutcome(actual float64) {
	final := m.FinalLine.InexactFloat64()
	over := actual > final
	under := actual < final
	m.ActualValue = &actual
	m.WentOver = &over
	m.WentUnder = &under
}

// Validate checks that all movement fields are valid
func (m *Movement) Validate() error {
	if m.ID == "" {
		return errors.New("movement ID must not be empty")
	}
	if m.EventID == "" {
		return errors.New("event ID must not be empty")
	}
	if m.Player == "" {
		return errors.New("player must not be empty")
	}
	if !m.PropType.Valid() {
		return errors.New("prop type is not supported")
	}
	if !m.InitialSnapshotTime.Before(m.FinalSnapshotTime) {
		return errors.New("initial snapshot time must be before final snapshot time")
	}
	if !m.FinalLine.Sub(m.InitialLine).Equal(m.AbsoluteChange) {
		return errors.New("absolute change must equal final line - initial line")
	}
	if m.PercentChange.Valid && m.PercentChange.Decimal.Sign() != m.AbsoluteChange.Sign() {
		return errors.New("percent change sign must match absolute change sign")
	}
	if m.HoursBeforeKickoff < 0 {
		return errors.New("hours before kickoff must not be negative")
	}
	return nil
}

// Outcome is the realized statistic for one series, supplied after the game.
type Outcome struct {
	EventID     string    `json:"event_id"`
	Player      string    `json:"player"`
	PropType    PropType  `json:"prop_type"`
	ActualValue float64   `json:"actual_value"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Key returns the series the outcome settles.
func (o *Outcome) Key() SeriesKey {
	return SeriesKey{EventID: o.EventID, Player: o.Player, PropType: o.PropType}
}

// Validate checks that all outcome fields are valid
func (o *Outcome) Validate() error {
	if o.EventID == "" {
		return errors.New("event ID must not be empty")
	}
	if o.Player == "" {
		return errors.New("player must not be empty")
	}
	if !o.PropType.Valid() {
		return errors.New("prop type is not supported")
	}
	return nil
}
