// Package dashboard materializes and caches the per-window line movement view.
//
// A dashboard covers every series with a snapshot in the last HoursBack hours
// whose game has not started. For each book present on a series it reports the
// current line and odds plus one window.Delta per configured window.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/linewatch/internal/logger"
	"github.com/rewired-gh/linewatch/internal/models"
	"github.com/rewired-gh/linewatch/internal/storage"
	"github.com/rewired-gh/linewatch/internal/window"
)

// MaxHoursBack bounds the lookback a scope may request.
const MaxHoursBack = 24 * 30

// ErrInvalidScope is returned for scopes outside the accepted range.
var ErrInvalidScope = errors.New("invalid dashboard scope")

// Scope identifies one dashboard query.
type Scope struct {
	PropType  models.PropType `json:"prop_type"`
	HoursBack int             `json:"hours_back"`
}

// Validate checks the prop type filter and lookback.
func (s Scope) Validate() error {
	if s.PropType != models.PropTypeAll && !s.PropType.Valid() {
		return fmt.Errorf("%w: prop type %q", ErrInvalidScope, s.PropType)
	}
	if s.HoursBack <= 0 || s.HoursBack > MaxHoursBack {
		return fmt.Errorf("%w: hours_back must be in [1, %d], got %d", ErrInvalidScope, MaxHoursBack, s.HoursBack)
	}
	return nil
}

func (s Scope) String() string {
	return fmt.Sprintf("%s/%dh", s.PropType.Label(), s.HoursBack)
}

// BookView is one sportsbook's current line and its windowed deltas.
type BookView struct {
	Sportsbook string                  `json:"sportsbook"`
	Line       decimal.Decimal         `json:"line"`
	OverOdds   *int                    `json:"over_odds"`
	UnderOdds  *int                    `json:"under_odds"`
	Windows    map[string]window.Delta `json:"windows"`
}

// Item is the dashboard row for one series.
type Item struct {
	EventID            string          `json:"event_id"`
	Player             string          `json:"player"`
	PropType           models.PropType `json:"prop_type"`
	GameStartTime      time.Time       `json:"game_start_time"`
	HoursBeforeKickoff float64         `json:"hours_before_kickoff"`
	LastUpdated        time.Time       `json:"last_updated"`
	Books              []BookView      `json:"books"`
}

// Dashboard is a materialized view for one scope.
type Dashboard struct {
	Scope       Scope     `json:"scope"`
	Windows     []string  `json:"windows"`
	Items       []Item    `json:"items"`
	Total       int       `json:"total"`
	Skipped     int       `json:"skipped"`
	GeneratedAt time.Time `json:"generated_at"`
}

// ItemError represents a series that could not be materialized
type ItemError struct {
	Key models.SeriesKey
	Err error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("dashboard item error for series %s: %v", e.Key, e.Err)
}

// Store is the read side the materializer needs.
type Store interface {
	ActiveSeries(ctx context.Context, propType models.PropType, since, now time.Time) ([]models.SeriesKey, error)
	GetSeries(ctx context.Context, key models.SeriesKey) ([]models.Snapshot, error)
}

// Service serves dashboards through the cache.
type Service struct {
	store   Store
	cache   *Cache
	windows []window.Window
	now     func() time.Time
}

// NewService creates a dashboard service. A nil now uses time.Now.
func NewService(store Store, cache *Cache, windows []window.Window, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, cache: cache, windows: windows, now: now}
}

// Get returns the dashboard for scope, served from cache when fresh.
func (s *Service) Get(ctx context.Context, scope Scope) (*Dashboard, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	return s.cache.Get(ctx, scope, func(ctx context.Context) (*Dashboard, error) {
		return s.Build(ctx, scope)
	})
}

// Invalidate drops cached dashboards affected by new data for propType.
func (s *Service) Invalidate(propType models.PropType) {
	s.cache.Invalidate(propType)
}

// Build materializes a dashboard without the cache. Series that cannot be
// materialized are omitted and counted in Skipped; store failures abort.
func (s *Service) Build(ctx context.Context, scope Scope) (*Dashboard, error) {
	now := s.now()
	since := now.Add(-time.Duration(scope.HoursBack) * time.Hour)

	keys, err := s.store.ActiveSeries(ctx, scope.PropType, since, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list active series: %w", err)
	}

	d := &Dashboard{
		Scope:       scope,
		Windows:     make([]string, 0, len(s.windows)),
		Items:       make([]Item, 0, len(keys)),
		GeneratedAt: now,
	}
	for _, w := range s.windows {
		d.Windows = append(d.Windows, w.Name)
	}

	var itemErrors []ItemError
	for _, key := range keys {
		series, err := s.store.GetSeries(ctx, key)
		if err != nil {
			if errors.Is(err, storage.ErrCorrupt) {
				itemErrors = append(itemErrors, ItemError{Key: key, Err: err})
				continue
			}
			return nil, err
		}
		item, err := s.materialize(series, now)
		if err != nil {
			itemErrors = append(itemErrors, ItemError{Key: key, Err: err})
			continue
		}
		d.Items = append(d.Items, item)
	}

	sort.SliceStable(d.Items, func(i, j int) bool {
		a, b := d.Items[i], d.Items[j]
		if !a.GameStartTime.Equal(b.GameStartTime) {
			return a.GameStartTime.Before(b.GameStartTime)
		}
		if a.Player != b.Player {
			return a.Player < b.Player
		}
		return a.PropType < b.PropType
	})

	d.Total = len(d.Items)
	d.Skipped = len(itemErrors)
	for _, ie := range itemErrors {
		logger.Warn("%v", ie)
	}
	logger.Debug("Dashboard %s built: items=%d skipped=%d", scope, d.Total, d.Skipped)
	return d, nil
}

func (s *Service) materialize(series []models.Snapshot, now time.Time) (Item, error) {
	latest := window.LatestAny(series, now)
	if latest < 0 {
		return Item{}, errors.New("no snapshot at or before reference time")
	}
	last := series[latest]

	books := make(map[string]bool)
	for i := 0; i <= latest; i++ {
		for id := range series[i].Books {
			books[id] = true
		}
	}
	ids := make([]string, 0, len(books))
	for id := range books {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	item := Item{
		EventID:            last.EventID,
		Player:             last.Player,
		PropType:           last.PropType,
		GameStartTime:      last.GameStartTime,
		HoursBeforeKickoff: last.GameStartTime.Sub(now).Hours(),
		LastUpdated:        last.SnapshotTime,
		Books:              make([]BookView, 0, len(ids)),
	}
	for _, id := range ids {
		cur := window.Latest(series, id, now)
		if cur < 0 {
			continue
		}
		line := series[cur].Books[id]
		item.Books = append(item.Books, BookView{
			Sportsbook: id,
			Line:       line.Line,
			OverOdds:   line.OverOdds,
			UnderOdds:  line.UnderOdds,
			Windows:    window.ResolveAll(series, id, now, s.windows),
		})
	}
	if len(item.Books) == 0 {
		return Item{}, errors.New("no sportsbook lines")
	}
	return item, nil
}
