// Package window resolves trailing-window line deltas over a snapshot series.
//
// For a reference time T and window W the resolver compares the latest sample at or
// before T with the latest sample at or before T-W, per sportsbook. When no such
// prior sample exists every field of the resulting Delta is null: "no data" is never
// reported as a zero change.
package window

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/linewatch/internal/models"
)

// OpenName is the name of the since-open window.
const OpenName = "open"

var hundred = decimal.NewFromInt(100)

// Window is a named trailing duration, or the since-open sentinel.
type Window struct {
	Name      string
	Duration  time.Duration
	SinceOpen bool
}

// Defaults returns the standard dashboard window set.
func Defaults() []Window {
	return []Window{
		{Name: "5m", Duration: 5 * time.Minute},
		{Name: "10m", Duration: 10 * time.Minute},
		{Name: "15m", Duration: 15 * time.Minute},
		{Name: "30m", Duration: 30 * time.Minute},
		{Name: "45m", Duration: 45 * time.Minute},
		{Name: "60m", Duration: 60 * time.Minute},
		{Name: "12h", Duration: 12 * time.Hour},
		{Name: "24h", Duration: 24 * time.Hour},
		{Name: OpenName, SinceOpen: true},
	}
}

// Parse turns configured window names ("5m", "12h", "open") into windows.
func Parse(names []string) ([]Window, error) {
	windows := make([]Window, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			return nil, fmt.Errorf("duplicate window %q", name)
		}
		seen[name] = true

		if name == OpenName {
			windows = append(windows, Window{Name: OpenName, SinceOpen: true})
			continue
		}
		d, err := time.ParseDuration(name)
		if err != nil {
			return nil, fmt.Errorf("invalid window %q: %w", name, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("invalid window %q: must be positive", name)
		}
		windows = append(windows, Window{Name: name, Duration: d})
	}
	return windows, nil
}

// Delta is the change of one book's line over one window. Null fields mean no
// qualifying prior sample existed.
type Delta struct {
	OldLine        decimal.NullDecimal `json:"old_line"`
	OldOverOdds    *int                `json:"old_over_odds"`
	OldUnderOdds   *int                `json:"old_under_odds"`
	AbsoluteChange decimal.NullDecimal `json:"absolute_change"`
	PercentChange  decimal.NullDecimal `json:"percent_change"`
}

// HasData reports whether a prior sample was found.
func (d Delta) HasData() bool {
	return d.OldLine.Valid
}

// Between computes the delta from old to current. The percent change is null
// when the old line is zero.
func Between(old, current models.BookLine) Delta {
	abs := current.Line.Sub(old.Line)
	d := Delta{
		OldLine:        decimal.NewNullDecimal(old.Line),
		OldOverOdds:    old.OverOdds,
		OldUnderOdds:   old.UnderOdds,
		AbsoluteChange: decimal.NewNullDecimal(abs),
	}
	if !old.Line.IsZero() {
		d.PercentChange = decimal.NewNullDecimal(PercentChange(abs, old.Line))
	}
	return d
}

// PercentChange returns abs / old * 100. The caller guarantees old is non-zero.
func PercentChange(abs, old decimal.Decimal) decimal.Decimal {
	return abs.Div(old).Mul(hundred)
}

// Latest returns the index of the latest snapshot at or before ref that carries
// book, or -1. The series must be ordered by snapshot time.
func Latest(series []models.Snapshot, book string, ref time.Time) int {
	// first index strictly after ref
	i := sort.Search(len(series), func(i int) bool {
		return series[i].SnapshotTime.After(ref)
	})
	for i--; i >= 0; i-- {
		if _, ok := series[i].Books[book]; ok {
			return i
		}
	}
	return -1
}

// LatestAny returns the index of the latest snapshot at or before ref, or -1.
func LatestAny(series []models.Snapshot, ref time.Time) int {
	return sort.Search(len(series), func(i int) bool {
		return series[i].SnapshotTime.After(ref)
	}) - 1
}

// First returns the index of the earliest snapshot at or before ref that
// carries book, or -1.
func First(series []models.Snapshot, book string, ref time.Time) int {
	for i := range series {
		if series[i].SnapshotTime.After(ref) {
			break
		}
		if _, ok := series[i].Books[book]; ok {
			return i
		}
	}
	return -1
}

// Resolve computes the delta for one book over window w ending at ref.
func Resolve(series []models.Snapshot, book string, ref time.Time, w Window) Delta {
	cur := Latest(series, book, ref)
	if cur < 0 {
		return Delta{}
	}

	var old int
	if w.SinceOpen {
		old = First(series, book, ref)
	} else {
		old = Latest(series, book, ref.Add(-w.Duration))
	}
	if old < 0 {
		return Delta{}
	}

	return Between(series[old].Books[book], series[cur].Books[book])
}

// ResolveAll resolves every window for one book, keyed by window name.
func ResolveAll(series []models.Snapshot, book string, ref time.Time, windows []Window) map[string]Delta {
	deltas := make(map[string]Delta, len(windows))
	for _, w := range windows {
		deltas[w.Name] = Resolve(series, book, ref, w)
	}
	return deltas
}
