package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/linewatch/internal/models"
	"github.com/rewired-gh/linewatch/internal/storage"
	"github.com/rewired-gh/linewatch/internal/window"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var ref = time.Date(2026, 1, 4, 15, 0, 0, 0, time.UTC)

// fakeStore serves series from memory and counts listing calls.
type fakeStore struct {
	mu        sync.Mutex
	series    map[models.SeriesKey][]models.Snapshot
	errs      map[models.SeriesKey]error
	listErr   error
	listCalls atomic.Int32
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		series: make(map[models.SeriesKey][]models.Snapshot),
		errs:   make(map[models.SeriesKey]error),
	}
}

func (f *fakeStore) add(s models.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := s.Key()
	f.series[key] = append(f.series[key], s)
	models.SortSeries(f.series[key])
}

func (f *fakeStore) ActiveSeries(_ context.Context, propType models.PropType, since, now time.Time) ([]models.SeriesKey, error) {
	f.listCalls.Add(1)
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []models.SeriesKey
	for key, series := range f.series {
		if !propType.Matches(key.PropType) {
			continue
		}
		for _, s := range series {
			if !s.SnapshotTime.Before(since) && !s.SnapshotTime.After(now) && s.GameStartTime.After(now) {
				keys = append(keys, key)
				break
			}
		}
	}
	return keys, nil
}

func (f *fakeStore) GetSeries(_ context.Context, key models.SeriesKey) ([]models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[key]; err != nil {
		return nil, err
	}
	return append([]models.Snapshot(nil), f.series[key]...), nil
}

func snapshot(player string, propType models.PropType, gameStart time.Time, at time.Duration, lines map[string]string) models.Snapshot {
	books := make(map[string]models.BookLine, len(lines))
	for id, l := range lines {
		books[id] = models.BookLine{Line: decimal.RequireFromString(l)}
	}
	return models.Snapshot{
		ID:            fmt.Sprintf("%s-%s-%d", player, propType, at),
		EventID:       "evt-" + player,
		Player:        player,
		PropType:      propType,
		GameStartTime: gameStart,
		SnapshotTime:  ref.Add(at),
		Books:         books,
	}
}

func newTestService(store Store, clock *fakeClock) *Service {
	return NewService(store, NewCache(30*time.Second, clock.Now), window.Defaults(), clock.Now)
}

func TestCache_HitReturnsIdenticalPayload(t *testing.T) {
	clock := &fakeClock{now: ref}
	store := newFakeStore()
	store.add(snapshot("Henry", models.PropTypeRushing, ref.Add(3*time.Hour), -40*time.Minute, map[string]string{"consensus": "85.5", "dk": "86.5"}))
	store.add(snapshot("Henry", models.PropTypeRushing, ref.Add(3*time.Hour), -time.Minute, map[string]string{"consensus": "80.5", "dk": "81.5"}))
	svc := newTestService(store, clock)
	scope := Scope{PropType: models.PropTypeRushing, HoursBack: 48}

	first, err := svc.Get(context.Background(), scope)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	clock.Advance(10 * time.Second)
	second, err := svc.Get(context.Background(), scope)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if calls := store.listCalls.Load(); calls != 1 {
		t.Errorf("Expected 1 store pass, got %d", calls)
	}
	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if !bytes.Equal(a, b) {
		t.Error("Cached responses are not byte-identical")
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	clock := &fakeClock{now: ref}
	c := NewCache(30*time.Second, clock.Now)
	scope := Scope{PropType: models.PropTypeAll, HoursBack: 48}

	var computes int
	compute := func(context.Context) (*Dashboard, error) {
		computes++
		return &Dashboard{Scope: scope}, nil
	}

	for _, step := range []time.Duration{0, 29 * time.Second, 2 * time.Second} {
		clock.Advance(step)
		if _, err := c.Get(context.Background(), scope, compute); err != nil {
			t.Fatalf("Get failed: %v", err)
		}
	}
	if computes != 2 {
		t.Errorf("Expected recompute only after TTL, got %d computes", computes)
	}
}

func TestCache_SingleFlight(t *testing.T) {
	c := NewCache(time.Minute, nil)
	scope := Scope{PropType: models.PropTypeRushing, HoursBack: 48}

	var computes atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) (*Dashboard, error) {
		computes.Add(1)
		<-release
		return &Dashboard{Scope: scope}, nil
	}

	const callers = 16
	var wg sync.WaitGroup
	results := make([]*Dashboard, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := c.Get(context.Background(), scope, compute)
			if err != nil {
				t.Errorf("Get failed: %v", err)
				return
			}
			results[i] = d
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := computes.Load(); n != 1 {
		t.Errorf("Expected 1 computation, got %d", n)
	}
	for i := 1; i < callers; i++ {
		if results[i] != results[0] {
			t.Fatalf("Caller %d received a different dashboard", i)
		}
	}
}

func TestCache_ErrorsAreNotCached(t *testing.T) {
	c := NewCache(time.Minute, nil)
	scope := Scope{PropType: models.PropTypeAll, HoursBack: 48}
	boom := errors.New("store unavailable")

	calls := 0
	compute := func(context.Context) (*Dashboard, error) {
		calls++
		if calls == 1 {
			return nil, boom
		}
		return &Dashboard{Scope: scope}, nil
	}

	if _, err := c.Get(context.Background(), scope, compute); !errors.Is(err, boom) {
		t.Fatalf("Expected store error, got %v", err)
	}
	if c.Len() != 0 {
		t.Error("Failure must not be cached")
	}
	if _, err := c.Get(context.Background(), scope, compute); err != nil {
		t.Fatalf("Expected recovery, got %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 computations, got %d", calls)
	}
}

func TestCache_CancelledWaiterStillStoresEntry(t *testing.T) {
	c := NewCache(time.Minute, nil)
	scope := Scope{PropType: models.PropTypeAll, HoursBack: 48}

	started := make(chan struct{})
	release := make(chan struct{})
	var computes atomic.Int32
	compute := func(ctx context.Context) (*Dashboard, error) {
		computes.Add(1)
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &Dashboard{Scope: scope}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, scope, compute)
		done <- err
	}()
	<-started
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for c.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Len() != 1 {
		t.Fatal("Computation should have been stored after the waiter left")
	}
	if _, err := c.Get(context.Background(), scope, compute); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if n := computes.Load(); n != 1 {
		t.Errorf("Expected the stored entry to be reused, got %d computations", n)
	}
}

func TestCache_InvalidationDuringComputeIsNotStored(t *testing.T) {
	c := NewCache(time.Minute, nil)
	scope := Scope{PropType: models.PropTypeRushing, HoursBack: 48}

	started := make(chan struct{})
	release := make(chan struct{})
	var computes atomic.Int32
	compute := func(context.Context) (*Dashboard, error) {
		if computes.Add(1) == 1 {
			close(started)
			<-release
		}
		return &Dashboard{Scope: scope}, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Get(context.Background(), scope, compute)
	}()
	<-started
	c.Invalidate(models.PropTypeRushing)
	close(release)
	<-done

	if c.Len() != 0 {
		t.Error("Stale computation must not be stored")
	}
	if _, err := c.Get(context.Background(), scope, compute); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if n := computes.Load(); n != 2 {
		t.Errorf("Expected a fresh computation after invalidation, got %d", n)
	}
}

func TestService_InvalidationByPropType(t *testing.T) {
	clock := &fakeClock{now: ref}
	store := newFakeStore()
	store.add(snapshot("Henry", models.PropTypeRushing, ref.Add(3*time.Hour), -time.Hour, map[string]string{"consensus": "85.5"}))
	svc := newTestService(store, clock)
	ctx := context.Background()

	rushing := Scope{PropType: models.PropTypeRushing, HoursBack: 48}
	all := Scope{PropType: models.PropTypeAll, HoursBack: 48}
	for _, scope := range []Scope{rushing, all} {
		if _, err := svc.Get(ctx, scope); err != nil {
			t.Fatalf("Get(%s) failed: %v", scope, err)
		}
	}
	if n := store.listCalls.Load(); n != 2 {
		t.Fatalf("Expected 2 builds, got %d", n)
	}

	// a receiving ingestion leaves the rushing entry alone
	store.add(snapshot("Nacua", models.PropTypeReceiving, ref.Add(3*time.Hour), -time.Minute, map[string]string{"consensus": "75.5"}))
	svc.Invalidate(models.PropTypeReceiving)

	if _, err := svc.Get(ctx, rushing); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if n := store.listCalls.Load(); n != 2 {
		t.Errorf("Rushing dashboard should still be cached, got %d builds", n)
	}

	d, err := svc.Get(ctx, all)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if n := store.listCalls.Load(); n != 3 {
		t.Errorf("All dashboard should have been rebuilt, got %d builds", n)
	}
	if d.Total != 2 {
		t.Errorf("Expected 2 items after receiving ingestion, got %d", d.Total)
	}
}

func TestService_BuildMaterializesWindows(t *testing.T) {
	clock := &fakeClock{now: ref}
	store := newFakeStore()
	late := ref.Add(5 * time.Hour)
	early := ref.Add(2 * time.Hour)
	store.add(snapshot("Henry", models.PropTypeRushing, late, -30*time.Minute, map[string]string{"consensus": "85.5", "dk": "86.5"}))
	store.add(snapshot("Henry", models.PropTypeRushing, late, -2*time.Minute, map[string]string{"consensus": "80.5"}))
	store.add(snapshot("Barkley", models.PropTypeRushing, early, -time.Hour, map[string]string{"consensus": "70.5"}))
	store.add(snapshot("Started", models.PropTypeRushing, ref.Add(-time.Minute), -time.Hour, map[string]string{"consensus": "50.5"}))
	svc := newTestService(store, clock)

	d, err := svc.Build(context.Background(), Scope{PropType: models.PropTypeAll, HoursBack: 48})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if d.Total != 2 || len(d.Items) != 2 {
		t.Fatalf("Expected 2 items, got %d", d.Total)
	}
	if d.Items[0].Player != "Barkley" || d.Items[1].Player != "Henry" {
		t.Errorf("Items not ordered by game start: %s, %s", d.Items[0].Player, d.Items[1].Player)
	}
	if len(d.Windows) != len(window.Defaults()) {
		t.Errorf("Expected %d windows, got %d", len(window.Defaults()), len(d.Windows))
	}

	henry := d.Items[1]
	if len(henry.Books) != 2 || henry.Books[0].Sportsbook != "consensus" || henry.Books[1].Sportsbook != "dk" {
		t.Fatalf("Unexpected books: %+v", henry.Books)
	}
	consensus := henry.Books[0]
	if !consensus.Line.Equal(decimal.RequireFromString("80.5")) {
		t.Errorf("Expected current consensus 80.5, got %s", consensus.Line)
	}
	if w := consensus.Windows["30m"]; !w.AbsoluteChange.Valid || !w.AbsoluteChange.Decimal.Equal(decimal.NewFromInt(-5)) {
		t.Errorf("Expected 30m change -5, got %+v", w)
	}
	if w := consensus.Windows["60m"]; w.HasData() {
		t.Errorf("Expected null 60m window, got %+v", w)
	}
	if w := consensus.Windows[window.OpenName]; !w.AbsoluteChange.Decimal.Equal(decimal.NewFromInt(-5)) {
		t.Errorf("Expected since-open change -5, got %+v", w)
	}
	// dk is carried at its last quote
	if !henry.Books[1].Line.Equal(decimal.RequireFromString("86.5")) {
		t.Errorf("Expected dk line 86.5, got %s", henry.Books[1].Line)
	}
}

func TestService_CorruptItemIsSkipped(t *testing.T) {
	clock := &fakeClock{now: ref}
	store := newFakeStore()
	good := snapshot("Henry", models.PropTypeRushing, ref.Add(time.Hour), -time.Minute, map[string]string{"consensus": "85.5"})
	bad := snapshot("Broken", models.PropTypeRushing, ref.Add(time.Hour), -time.Minute, map[string]string{"consensus": "60.5"})
	store.add(good)
	store.add(bad)
	store.errs[bad.Key()] = fmt.Errorf("snapshot x: %w", storage.ErrCorrupt)
	svc := newTestService(store, clock)

	d, err := svc.Get(context.Background(), Scope{PropType: models.PropTypeAll, HoursBack: 48})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if d.Total != 1 || d.Skipped != 1 {
		t.Errorf("Expected 1 item and 1 skipped, got total=%d skipped=%d", d.Total, d.Skipped)
	}
}

func TestService_StoreFailureEscalates(t *testing.T) {
	clock := &fakeClock{now: ref}
	store := newFakeStore()
	store.add(snapshot("Henry", models.PropTypeRushing, ref.Add(time.Hour), -time.Minute, map[string]string{"consensus": "85.5"}))
	h := models.SeriesKey{EventID: "evt-Henry", Player: "Henry", PropType: models.PropTypeRushing}
	store.errs[h] = errors.New("connection reset")
	svc := newTestService(store, clock)

	if _, err := svc.Get(context.Background(), Scope{PropType: models.PropTypeAll, HoursBack: 48}); err == nil {
		t.Fatal("Expected store failure to escalate")
	}
	delete(store.errs, h)
	d, err := svc.Get(context.Background(), Scope{PropType: models.PropTypeAll, HoursBack: 48})
	if err != nil {
		t.Fatalf("Get after recovery failed: %v", err)
	}
	if d.Total != 1 {
		t.Errorf("Expected 1 item after recovery, got %d", d.Total)
	}
}

func TestScope_Validate(t *testing.T) {
	tests := []struct {
		scope Scope
		ok    bool
	}{
		{Scope{PropType: models.PropTypeAll, HoursBack: 48}, true},
		{Scope{PropType: models.PropTypeReceiving, HoursBack: 1}, true},
		{Scope{PropType: "passing_yards", HoursBack: 48}, false},
		{Scope{PropType: models.PropTypeAll, HoursBack: 0}, false},
		{Scope{PropType: models.PropTypeAll, HoursBack: MaxHoursBack + 1}, false},
	}
	for _, tt := range tests {
		err := tt.scope.Validate()
		if (err == nil) != tt.ok {
			t.Errorf("Validate(%+v) = %v, want ok=%v", tt.scope, err, tt.ok)
		}
		if err != nil && !errors.Is(err, ErrInvalidScope) {
			t.Errorf("Expected ErrInvalidScope, got %v", err)
		}
	}
}
