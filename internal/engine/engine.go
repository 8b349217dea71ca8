// Package engine is the ingestion boundary of linewatch.
//
// Ingest stores a snapshot, invalidates the affected dashboards synchronously,
// then hands a new-snapshot event to the detection loop and signals the change
// publisher when its scope is affected. Neither hand-off blocks the write path: when the event queue is
// full the event is dropped and the periodic detection sweep picks the series
// up later.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/linewatch/internal/logger"
	"github.com/rewired-gh/linewatch/internal/models"
	"github.com/rewired-gh/linewatch/internal/movement"
)

// ErrInvalidSnapshot is returned when a snapshot fails validation. Nothing is
// stored, invalidated or published for it.
var ErrInvalidSnapshot = errors.New("invalid snapshot")

// Store persists snapshots.
type Store interface {
	AddSnapshot(ctx context.Context, s *models.Snapshot) error
}

// Invalidator drops cached views affected by new data.
type Invalidator interface {
	Invalidate(propType models.PropType)
}

// Detector evaluates one series for a late movement.
type Detector interface {
	DetectSeries(ctx context.Context, key models.SeriesKey, th movement.Thresholds) (*models.Movement, bool, error)
}

// Notifier is signalled after an ingestion that could change the dashboard
// it publishes.
type Notifier interface {
	Affects(propType models.PropType) bool
	Notify()
}

// Event announces a stored snapshot.
type Event struct {
	Key                models.SeriesKey
	SnapshotTime       time.Time
	HoursBeforeKickoff float64
}

// Engine wires ingestion to invalidation, detection and publication.
type Engine struct {
	store      Store
	cache      Invalidator
	detector   Detector
	notifier   Notifier
	thresholds movement.Thresholds
	events     chan Event
	dropped    atomic.Int64
}

// New creates an engine. notifier may be nil.
func New(store Store, cache Invalidator, detector Detector, notifier Notifier, th movement.Thresholds, queueSize int) *Engine {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Engine{
		store:      store,
		cache:      cache,
		detector:   detector,
		notifier:   notifier,
		thresholds: th,
		events:     make(chan Event, queueSize),
	}
}

// Ingest validates and stores a snapshot. Missing IDs are generated and a
// missing consensus book is derived from the real books.
func (e *Engine) Ingest(ctx context.Context, snap *models.Snapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	snap.SnapshotTime = snap.SnapshotTime.UTC()
	snap.GameStartTime = snap.GameStartTime.UTC()
	if snap.Books != nil {
		snap.EnsureConsensus()
	}
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}

	if err := e.store.AddSnapshot(ctx, snap); err != nil {
		return err
	}
	e.cache.Invalidate(snap.PropType)

	ev := Event{Key: snap.Key(), SnapshotTime: snap.SnapshotTime, HoursBeforeKickoff: snap.HoursBeforeKickoff()}
	select {
	case e.events <- ev:
	default:
		n := e.dropped.Add(1)
		logger.Warn("Detection queue full, dropped event for %s (%d dropped so far)", ev.Key, n)
	}

	if e.notifier != nil && e.notifier.Affects(snap.PropType) {
		e.notifier.Notify()
	}
	return nil
}

// Dropped returns the number of events dropped because the queue was full.
func (e *Engine) Dropped() int64 {
	return e.dropped.Load()
}

// Run consumes ingestion events until ctx is done, detecting late movements on
// series whose latest snapshot is inside the pre-kickoff window.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.events:
			e.handle(ctx, ev)
		}
	}
}

func (e *Engine) handle(ctx context.Context, ev Event) {
	if ev.HoursBeforeKickoff < 0 || ev.HoursBeforeKickoff > e.thresholds.HoursBefore {
		return
	}
	if _, _, err := e.detector.DetectSeries(ctx, ev.Key, e.thresholds); err != nil {
		logger.Warn("Detection failed for %s: %v", ev.Key, err)
	}
}
