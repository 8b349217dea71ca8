// Package models defines the core domain entities for linewatch.
// These models represent player prop line snapshots, detected line movements,
// realized outcomes, and the results of statistical analysis over them.
// All models include built-in validation to ensure data integrity throughout the application.
//
// Terminology:
//   - Series: every snapshot for one (event, player, prop type), ordered by snapshot time.
//   - Book: a sportsbook identifier. "consensus" is a synthetic book aggregating the others.
package models

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// PropType identifies the statistic a prop line is posted on.
type PropType string

const (
	PropTypeRushing   PropType = "rushing_yards"
	PropTypeReceiving PropType = "receiving_yards"

	// PropTypeAll is the empty filter: it matches every prop type.
	PropTypeAll PropType = ""
)

// ConsensusBook is the synthetic sportsbook carrying the aggregate line.
const ConsensusBook = "consensus"

// PropTypes lists every supported prop type.
func PropTypes() []PropType {
	return []PropType{PropTypeRushing, PropTypeReceiving}
}

// Valid reports whether p is a concrete, supported prop type.
func (p PropType) Valid() bool {
	return p == PropTypeRushing || p == PropTypeReceiving
}

// Matches reports whether a snapshot of prop type other falls under the filter p.
func (p PropType) Matches(other PropType) bool {
	return p == PropTypeAll || p == other
}

// Label returns the filter name used in logs, cache keys and analysis names.
func (p PropType) Label() string {
	if p == PropTypeAll {
		return "all"
	}
	return string(p)
}

// ParsePropType parses a prop type filter. "" and "all" both mean no filter.
func ParsePropType(s string) (PropType, error) {
	switch s {
	case "", "all":
		return PropTypeAll, nil
	case string(PropTypeRushing), string(PropTypeReceiving):
		return PropType(s), nil
	}
	return PropTypeAll, fmt.Errorf("invalid prop type: %q", s)
}

// BookLine is one sportsbook's line and American odds at a snapshot.
// Odds are carried as quoted, without conversion to implied probability.
type BookLine struct {
	Line      decimal.Decimal `json:"line"`
	OverOdds  *int            `json:"over_odds"`
	UnderOdds *int            `json:"under_odds"`
}

// SeriesKey identifies one line series.
type SeriesKey struct {
	EventID  string   `json:"event_id"`
	Player   string   `json:"player"`
	PropType PropType `json:"prop_type"`
}

func (k SeriesKey) String() string {
	return k.EventID + "/" + k.Player + "/" + string(k.PropType)
}

// Snapshot is an immutable observation of a prop line across sportsbooks.
type Snapshot struct {
	ID            string              `json:"id"`
	EventID       string              `json:"event_id"`
	Player        string              `json:"player"`
	PropType      PropType            `json:"prop_type"`
	GameStartTime time.Time           `json:"game_start_time"`
	SnapshotTime  time.Time           `json:"snapshot_time"`
	Books         map[string]BookLine `json:"books"`
	Source        string              `json:"source,omitempty"`
}

// Key returns the series this snapshot belongs to.
func (s *Snapshot) Key() SeriesKey {
	return SeriesKey{EventID: s.EventID, Player: s.Player, PropType: s.PropType}
}

// HoursBeforeKickoff is negative once the game has started.
func (s *Snapshot) HoursBeforeKickoff() float64 {
	return s.GameStartTime.Sub(s.SnapshotTime).Hours()
}

// Book returns the line for book, if present.
func (s *Snapshot) Book(book string) (BookLine, bool) {
	line, ok := s.Books[book]
	return line, ok
}

// BookIDs returns the sportsbook identifiers present, sorted.
func (s *Snapshot) BookIDs() []string {
	ids := make([]string, 0, len(s.Books))
	for id := range s.Books {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EnsureConsensus derives the consensus book as the mean of the real books'
// lines when the source did not provide one. Reports whether it was added.
func (s *Snapshot) EnsureConsensus() bool {
	if _, ok := s.Books[ConsensusBook]; ok {
		return false
	}
	sum := decimal.Zero
	n := 0
	for id, line := range s.Books {
		if id == ConsensusBook {
			continue
		}
		sum = sum.Add(line.Line)
		n++
	}
	if n == 0 {
		return false
	}
	s.Books[ConsensusBook] = BookLine{Line: sum.Div(decimal.NewFromInt(int64(n))).Round(2)}
	return true
}

// Validate checks that all snapshot fields are valid
func (s *Snapshot) Validate() error {
	if s.ID == "" {
		return errors.New("snapshot ID must not be empty")
	}
	if s.EventID == "" {
		return errors.New("event ID must not be empty")
	}
	if s.Player == "" {
		return errors.New("player must not be empty")
	}
	if !s.PropType.Valid() {
		return fmt.Errorf("prop type must be one of %v", PropTypes())
	}
	if s.GameStartTime.IsZero() {
		return errors.New("game start time must be set")
	}
	if s.SnapshotTime.IsZero() {
		return errors.New("snapshot time must be set")
	}
	if len(s.Books) == 0 {
		return errors.New("snapshot must carry at least one sportsbook line")
	}
	for id, line := range s.Books {
		if id == "" {
			return errors.New("sportsbook ID must not be empty")
		}
		if line.Line.IsNegative() {
			return fmt.Errorf("line for %s must not be negative", id)
		}
	}
	return nil
}

// SortSeries orders snapshots by snapshot time ascending. The sort is stable so
// snapshots sharing a timestamp keep their arrival order.
func SortSeries(series []Snapshot) {
	sort.SliceStable(series, func(i, j int) bool {
		return series[i].SnapshotTime.Before(series[j].SnapshotTime)
	})
}
