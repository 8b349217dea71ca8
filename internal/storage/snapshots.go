package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rewired-gh/linewatch/internal/models"
)

// AddSnapshot appends an immutable snapshot. Re-adding the same ID is a no-op.
func (s *Storage) AddSnapshot(ctx context.Context, snapshot *models.Snapshot) error {
	if err := snapshot.Validate(); err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}

	books, err := json.Marshal(snapshot.Books)
	if err != nil {
		return fmt.Errorf("failed to marshal books: %w", err)
	}

	_, err = s.exec(ctx, `INSERT INTO snapshots
		(id, event_id, player, prop_type, game_start, snapshot_time, books, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		snapshot.ID, snapshot.EventID, snapshot.Player, string(snapshot.PropType),
		toNanos(snapshot.GameStartTime), toNanos(snapshot.SnapshotTime), string(books), snapshot.Source,
	)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// GetSeries returns every snapshot of one series ordered by snapshot time.
func (s *Storage) GetSeries(ctx context.Context, key models.SeriesKey) ([]models.Snapshot, error) {
	rows, err := s.query(ctx, `SELECT id, event_id, player, prop_type, game_start, snapshot_time, books, source
		FROM snapshots
		WHERE event_id = ? AND player = ? AND prop_type = ?
		ORDER BY snapshot_time ASC, id ASC`,
		key.EventID, key.Player, string(key.PropType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query series %s: %w", key, err)
	}
	defer rows.Close()

	var series []models.Snapshot
	for rows.Next() {
		var (
			snap                models.Snapshot
			propType, books     string
			gameStart, snapTime int64
		)
		if err := rows.Scan(&snap.ID, &snap.EventID, &snap.Player, &propType, &gameStart, &snapTime, &books, &snap.Source); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap.PropType = models.PropType(propType)
		snap.GameStartTime = fromNanos(gameStart)
		snap.SnapshotTime = fromNanos(snapTime)
		if err := json.Unmarshal([]byte(books), &snap.Books); err != nil {
			return nil, fmt.Errorf("snapshot %s: %w: books: %v", snap.ID, ErrCorrupt, err)
		}
		series = append(series, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read series %s: %w", key, err)
	}
	return series, nil
}

// ActiveSeries lists series with at least one snapshot in [since, now] whose
// game has not started yet. A PropTypeAll filter matches every prop type.
func (s *Storage) ActiveSeries(ctx context.Context, propType models.PropType, since, now time.Time) ([]models.SeriesKey, error) {
	query := `SELECT DISTINCT event_id, player, prop_type FROM snapshots
		WHERE snapshot_time >= ? AND snapshot_time <= ? AND game_start > ?`
	args := []any{toNanos(since), toNanos(now), toNanos(now)}
	if propType != models.PropTypeAll {
		query += ` AND prop_type = ?`
		args = append(args, string(propType))
	}
	query += ` ORDER BY event_id, player, prop_type`
	return s.seriesKeys(ctx, query, args...)
}

// SeriesByGameStart lists series whose game starts within [from, to].
func (s *Storage) SeriesByGameStart(ctx context.Context, from, to time.Time) ([]models.SeriesKey, error) {
	return s.seriesKeys(ctx, `SELECT DISTINCT event_id, player, prop_type FROM snapshots
		WHERE game_start >= ? AND game_start <= ?
		ORDER BY event_id, player, prop_type`,
		toNanos(from), toNanos(to),
	)
}

func (s *Storage) seriesKeys(ctx context.Context, query string, args ...any) ([]models.SeriesKey, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query series keys: %w", err)
	}
	defer rows.Close()

	var keys []models.SeriesKey
	for rows.Next() {
		var key models.SeriesKey
		var propType string
		if err := rows.Scan(&key.EventID, &key.Player, &propType); err != nil {
			return nil, fmt.Errorf("failed to scan series key: %w", err)
		}
		key.PropType = models.PropType(propType)
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read series keys: %w", err)
	}
	return keys, nil
}
