package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/linewatch/internal/models"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var (
	gameStart = time.Date(2026, 1, 4, 18, 0, 0, 0, time.UTC)
	testKey   = models.SeriesKey{EventID: "evt-1", Player: "Derrick Henry", PropType: models.PropTypeRushing}
)

func testSnapshot(id string, at time.Time, line string) *models.Snapshot {
	over := -110
	return &models.Snapshot{
		ID:            id,
		EventID:       testKey.EventID,
		Player:        testKey.Player,
		PropType:      testKey.PropType,
		GameStartTime: gameStart,
		SnapshotTime:  at,
		Books: map[string]models.BookLine{
			"draftkings": {Line: decimal.RequireFromString(line), OverOdds: &over},
		},
		Source: "test",
	}
}

func testMovement(id string, finalAt time.Time) *models.Movement {
	return &models.Movement{
		ID:                  id,
		EventID:             testKey.EventID,
		Player:              testKey.Player,
		PropType:            testKey.PropType,
		Sportsbook:          models.ConsensusBook,
		InitialLine:         decimal.RequireFromString("85.5"),
		FinalLine:           decimal.RequireFromString("77.5"),
		AbsoluteChange:      decimal.RequireFromString("-8"),
		PercentChange:       decimal.NewNullDecimal(decimal.RequireFromString("-9.36")),
		HoursBeforeKickoff:  2,
		InitialSnapshotTime: finalAt.Add(-6 * time.Hour),
		FinalSnapshotTime:   finalAt,
		GameStartTime:       gameStart,
		CreatedAt:           finalAt,
	}
}

func TestStorage_SnapshotRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if err := s.AddSnapshot(ctx, testSnapshot("s2", gameStart.Add(-time.Hour), "84.5")); err != nil {
		t.Fatalf("AddSnapshot failed: %v", err)
	}
	if err := s.AddSnapshot(ctx, testSnapshot("s1", gameStart.Add(-3*time.Hour), "85.5")); err != nil {
		t.Fatalf("AddSnapshot failed: %v", err)
	}
	// same ID again is a no-op
	if err := s.AddSnapshot(ctx, testSnapshot("s1", gameStart.Add(-3*time.Hour), "99")); err != nil {
		t.Fatalf("AddSnapshot duplicate failed: %v", err)
	}

	series, err := s.GetSeries(ctx, testKey)
	if err != nil {
		t.Fatalf("GetSeries failed: %v", err)
	}
	if len(series) != 2 {
		t.Fatalf("Expected 2 snapshots, got %d", len(series))
	}
	if series[0].ID != "s1" || series[1].ID != "s2" {
		t.Errorf("Expected snapshots ordered by time, got %s, %s", series[0].ID, series[1].ID)
	}
	dk := series[0].Books["draftkings"]
	if !dk.Line.Equal(decimal.RequireFromString("85.5")) {
		t.Errorf("Expected line 85.5, got %s", dk.Line)
	}
	if dk.OverOdds == nil || *dk.OverOdds != -110 || dk.UnderOdds != nil {
		t.Errorf("Odds did not round-trip: %v/%v", dk.OverOdds, dk.UnderOdds)
	}
	if !series[0].GameStartTime.Equal(gameStart) {
		t.Errorf("Expected game start %v, got %v", gameStart, series[0].GameStartTime)
	}
}

func TestStorage_AddSnapshotRejectsInvalid(t *testing.T) {
	s := newTestStorage(t)
	snap := testSnapshot("bad", gameStart, "80")
	snap.Books = nil
	if err := s.AddSnapshot(context.Background(), snap); err == nil {
		t.Error("Expected error for snapshot without books")
	}
}

func TestStorage_ActiveSeries(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := gameStart.Add(-2 * time.Hour)

	recent := testSnapshot("recent", now.Add(-30*time.Minute), "80")
	stale := testSnapshot("stale", now.Add(-30*time.Hour), "80")
	stale.EventID = "evt-stale"
	started := testSnapshot("started", now.Add(-10*time.Minute), "80")
	started.EventID = "evt-started"
	started.GameStartTime = now.Add(-time.Minute)
	receiving := testSnapshot("rec", now.Add(-5*time.Minute), "55.5")
	receiving.Player = "Puka Nacua"
	receiving.PropType = models.PropTypeReceiving

	for _, snap := range []*models.Snapshot{recent, stale, started, receiving} {
		if err := s.AddSnapshot(ctx, snap); err != nil {
			t.Fatalf("AddSnapshot failed: %v", err)
		}
	}

	tests := []struct {
		name     string
		propType models.PropType
		want     int
	}{
		{"all", models.PropTypeAll, 2},
		{"rushing", models.PropTypeRushing, 1},
		{"receiving", models.PropTypeReceiving, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys, err := s.ActiveSeries(ctx, tt.propType, now.Add(-24*time.Hour), now)
			if err != nil {
				t.Fatalf("ActiveSeries failed: %v", err)
			}
			if len(keys) != tt.want {
				t.Errorf("Expected %d active series, got %d: %v", tt.want, len(keys), keys)
			}
		})
	}
}

func TestStorage_UpsertMovementIsIdempotent(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	finalAt := gameStart.Add(-2 * time.Hour)

	created, err := s.UpsertMovement(ctx, testMovement("m1", finalAt))
	if err != nil {
		t.Fatalf("UpsertMovement failed: %v", err)
	}
	if !created {
		t.Error("Expected first upsert to create a row")
	}

	// a different ID with the same natural key must not duplicate
	created, err = s.UpsertMovement(ctx, testMovement("m2", finalAt))
	if err != nil {
		t.Fatalf("UpsertMovement failed: %v", err)
	}
	if created {
		t.Error("Expected duplicate upsert to be a no-op")
	}

	movements, err := s.MovementsForSeries(ctx, testKey)
	if err != nil {
		t.Fatalf("MovementsForSeries failed: %v", err)
	}
	if len(movements) != 1 {
		t.Fatalf("Expected 1 movement, got %d", len(movements))
	}
	m := movements[0]
	if m.ID != "m1" || !m.PercentChange.Valid || !m.PercentChange.Decimal.Equal(decimal.RequireFromString("-9.36")) {
		t.Errorf("Movement did not round-trip: %+v", m)
	}
	if m.HasOutcome() {
		t.Error("New movement should not carry an outcome")
	}
}

func TestStorage_ConcurrentUpsertCreatesOnce(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	finalAt := gameStart.Add(-2 * time.Hour)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.UpsertMovement(ctx, testMovement(string(rune('a'+i)), finalAt))
			if err != nil {
				t.Errorf("UpsertMovement failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("Expected exactly one creation, got %d", created)
	}
}

func TestStorage_GetMovementNotFound(t *testing.T) {
	s := newTestStorage(t)
	_, err := s.GetMovement(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestStorage_SetMovementOutcomeOnlyOnce(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	m := testMovement("m1", gameStart.Add(-2*time.Hour))
	if _, err := s.UpsertMovement(ctx, m); err != nil {
		t.Fatalf("UpsertMovement failed: %v", err)
	}

	m.AttachOutcome(70)
	updated, err := s.SetMovementOutcome(ctx, m)
	if err != nil {
		t.Fatalf("SetMovementOutcome failed: %v", err)
	}
	if !updated {
		t.Error("Expected outcome to be attached")
	}

	m.AttachOutcome(120)
	updated, err = s.SetMovementOutcome(ctx, m)
	if err != nil {
		t.Fatalf("SetMovementOutcome failed: %v", err)
	}
	if updated {
		t.Error("Expected second attach to be ignored")
	}

	got, err := s.GetMovement(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMovement failed: %v", err)
	}
	if got.ActualValue == nil || *got.ActualValue != 70 || !*got.WentUnder || *got.WentOver {
		t.Errorf("Unexpected outcome: actual=%v over=%v under=%v", got.ActualValue, got.WentOver, got.WentUnder)
	}
}

func TestStorage_ListMovementsFilters(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := gameStart.Add(-3 * time.Hour)

	big := testMovement("big", gameStart.Add(-2*time.Hour))
	small := testMovement("small", gameStart.Add(-time.Hour))
	small.FinalLine = decimal.RequireFromString("84.5")
	small.AbsoluteChange = decimal.RequireFromString("-1")
	small.PercentChange = decimal.NewNullDecimal(decimal.RequireFromString("-1.17"))
	small.HoursBeforeKickoff = 1
	past := testMovement("past", gameStart.Add(-50*time.Hour))
	past.EventID = "evt-old"
	past.GameStartTime = gameStart.Add(-48 * time.Hour)
	past.Player = "Saquon Barkley"

	for _, m := range []*models.Movement{big, small, past} {
		if _, err := s.UpsertMovement(ctx, m); err != nil {
			t.Fatalf("UpsertMovement failed: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter models.MovementFilter
		want   []string
	}{
		{"upcoming only", models.MovementFilter{Now: now}, []string{"big", "small"}},
		{"include past", models.MovementFilter{Now: now, IncludePastGames: true}, []string{"big", "small", "past"}},
		{"min percent", models.MovementFilter{Now: now, MinPercentMove: 5}, []string{"big"}},
		{"max hours", models.MovementFilter{Now: now, MaxHoursBefore: 1.5}, []string{"small"}},
		{"player substring", models.MovementFilter{Now: now, IncludePastGames: true, Player: "saquon"}, []string{"past"}},
		{"prop type", models.MovementFilter{Now: now, PropType: models.PropTypeReceiving}, nil},
		{"paged", models.MovementFilter{Now: now, Limit: 1, Offset: 1}, []string{"small"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := s.ListMovements(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListMovements failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %v, got %d movements", tt.want, len(got))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("Position %d: expected %s, got %s", i, id, got[i].ID)
				}
			}
		})
	}

	_, total, err := s.ListMovements(ctx, models.MovementFilter{Now: now, Limit: 1})
	if err != nil {
		t.Fatalf("ListMovements failed: %v", err)
	}
	if total != 2 {
		t.Errorf("Expected total 2 before pagination, got %d", total)
	}
}

func TestStorage_Outcomes(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if _, err := s.GetOutcome(ctx, testKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	o := &models.Outcome{EventID: testKey.EventID, Player: testKey.Player, PropType: testKey.PropType, ActualValue: 64, RecordedAt: gameStart}
	if err := s.SaveOutcome(ctx, o); err != nil {
		t.Fatalf("SaveOutcome failed: %v", err)
	}
	o.ActualValue = 71
	if err := s.SaveOutcome(ctx, o); err != nil {
		t.Fatalf("SaveOutcome correction failed: %v", err)
	}

	got, err := s.GetOutcome(ctx, testKey)
	if err != nil {
		t.Fatalf("GetOutcome failed: %v", err)
	}
	if got.ActualValue != 71 {
		t.Errorf("Expected corrected value 71, got %v", got.ActualValue)
	}
}

func TestStorage_AnalysisResultsReplaceOnWrite(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	r := &models.AnalysisResult{
		ID: "r1", Name: "thesis_all_pct10_abs5_hrs3", PropType: models.PropTypeAll,
		ThresholdPct: 10, ThresholdAbs: 5, HoursBeforeThreshold: 3,
		SampleSize: 4, UnderCount: 4, ObservedRate: 1, PValue: 0.13, ConfidenceLow: 0.51, ConfidenceHigh: 1,
		BaselineRate: 0.5, CreatedAt: gameStart,
	}
	if err := s.SaveAnalysisResult(ctx, r); err != nil {
		t.Fatalf("SaveAnalysisResult failed: %v", err)
	}
	r.ID = "r2"
	r.SampleSize, r.UnderCount, r.OverCount = 6, 4, 2
	r.ObservedRate = 4.0 / 6.0
	if err := s.SaveAnalysisResult(ctx, r); err != nil {
		t.Fatalf("SaveAnalysisResult failed: %v", err)
	}

	rushing := *r
	rushing.ID = "r3"
	rushing.PropType = models.PropTypeRushing
	if err := s.SaveAnalysisResult(ctx, &rushing); err != nil {
		t.Fatalf("SaveAnalysisResult failed: %v", err)
	}

	all, err := s.ListAnalysisResults(ctx, "")
	if err != nil {
		t.Fatalf("ListAnalysisResults failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Expected 2 results after replace, got %d", len(all))
	}

	filtered, err := s.ListAnalysisResults(ctx, models.PropTypeAll.Label())
	if err != nil {
		t.Fatalf("ListAnalysisResults failed: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ID != "r2" || filtered[0].SampleSize != 6 || filtered[0].PropType != models.PropTypeAll {
		t.Errorf("Expected the replaced unfiltered result, got %+v", filtered)
	}
}

func TestRebind(t *testing.T) {
	pg := &Storage{driver: DriverPostgres}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("Unexpected postgres rebind: %s", got)
	}
	lite := &Storage{driver: DriverSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("SQLite queries must not be rebound: %s", got)
	}
}

func TestNew_RejectsUnknownDriver(t *testing.T) {
	if _, err := New("mysql", "x"); err == nil {
		t.Error("Expected error for unsupported driver")
	}
}
