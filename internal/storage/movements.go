package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/linewatch/internal/models"
)

const movementColumns = `id, event_id, player, prop_type, sportsbook, initial_line, final_line,
	absolute_change, percent_change, hours_before_kickoff, initial_snapshot_time,
	final_snapshot_time, game_start, actual_value, went_over, went_under, created_at`

// UpsertMovement inserts a movement unless one already exists for the same
// (event, player, prop type, final snapshot time). The unique constraint makes
// this safe under concurrent detection. Reports whether a row was created.
func (s *Storage) UpsertMovement(ctx context.Context, m *models.Movement) (bool, error) {
	if err := m.Validate(); err != nil {
		return false, fmt.Errorf("invalid movement: %w", err)
	}

	var pct any
	if m.PercentChange.Valid {
		pct = m.PercentChange.Decimal.String()
	}

	res, err := s.exec(ctx, `INSERT INTO movements (`+movementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id, player, prop_type, final_snapshot_time) DO NOTHING`,
		m.ID, m.EventID, m.Player, string(m.PropType), m.Sportsbook,
		m.InitialLine.String(), m.FinalLine.String(), m.AbsoluteChange.String(), pct,
		m.HoursBeforeKickoff, toNanos(m.InitialSnapshotTime), toNanos(m.FinalSnapshotTime),
		toNanos(m.GameStartTime), nullFloat(m.ActualValue), nullBool(m.WentOver), nullBool(m.WentUnder),
		toNanos(m.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert movement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read upsert result: %w", err)
	}
	return n > 0, nil
}

// GetMovement retrieves a movement by ID.
func (s *Storage) GetMovement(ctx context.Context, id string) (*models.Movement, error) {
	row := s.queryRow(ctx, `SELECT `+movementColumns+` FROM movements WHERE id = ?`, id)
	m, err := scanMovement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("movement %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// MovementsForSeries returns every movement detected on one series.
func (s *Storage) MovementsForSeries(ctx context.Context, key models.SeriesKey) ([]models.Movement, error) {
	return s.movements(ctx, `SELECT `+movementColumns+` FROM movements
		WHERE event_id = ? AND player = ? AND prop_type = ?
		ORDER BY final_snapshot_time ASC`,
		key.EventID, key.Player, string(key.PropType),
	)
}

// ListMovements returns movements matching the filter, newest games first,
// along with the total number of matches before pagination.
func (s *Storage) ListMovements(ctx context.Context, f models.MovementFilter) ([]models.Movement, int, error) {
	var (
		where []string
		args  []any
	)
	if f.Player != "" {
		where = append(where, "LOWER(player) LIKE ?")
		args = append(args, "%"+strings.ToLower(f.Player)+"%")
	}
	if f.PropType != models.PropTypeAll {
		where = append(where, "prop_type = ?")
		args = append(args, string(f.PropType))
	}
	if f.MaxHoursBefore > 0 {
		where = append(where, "hours_before_kickoff <= ?")
		args = append(args, f.MaxHoursBefore)
	}
	if f.WentUnder != nil {
		where = append(where, "went_under = ?")
		args = append(args, *f.WentUnder)
	}
	if f.HasOutcome != nil {
		if *f.HasOutcome {
			where = append(where, "actual_value IS NOT NULL")
		} else {
			where = append(where, "actual_value IS NULL")
		}
	}
	if !f.GameStartFrom.IsZero() {
		where = append(where, "game_start >= ?")
		args = append(args, toNanos(f.GameStartFrom))
	}
	if !f.GameStartTo.IsZero() {
		where = append(where, "game_start <= ?")
		args = append(args, toNanos(f.GameStartTo))
	}
	if !f.IncludePastGames && !f.Now.IsZero() {
		where = append(where, "game_start > ?")
		args = append(args, toNanos(f.Now))
	}

	query := `SELECT ` + movementColumns + ` FROM movements`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY game_start DESC, player ASC, final_snapshot_time ASC`

	all, err := s.movements(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}

	matched := all[:0]
	for i := range all {
		if f.MatchesMove(&all[i]) {
			matched = append(matched, all[i])
		}
	}
	total := len(matched)

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return []models.Movement{}, total, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

// SetMovementOutcome attaches a realized result to a movement that has none yet.
// Reports whether the movement was updated.
func (s *Storage) SetMovementOutcome(ctx context.Context, m *models.Movement) (bool, error) {
	if !m.HasOutcome() {
		return false, fmt.Errorf("movement %s has no outcome to attach", m.ID)
	}
	res, err := s.exec(ctx, `UPDATE movements SET actual_value = ?, went_over = ?, went_under = ?
		WHERE id = ? AND actual_value IS NULL`,
		*m.ActualValue, *m.WentOver, *m.WentUnder, m.ID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to attach outcome to movement %s: %w", m.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read update result: %w", err)
	}
	return n > 0, nil
}

// SaveOutcome records (or corrects) the realized statistic for a series.
func (s *Storage) SaveOutcome(ctx context.Context, o *models.Outcome) error {
	if err := o.Validate(); err != nil {
		return fmt.Errorf("invalid outcome: %w", err)
	}
	_, err := s.exec(ctx, `INSERT INTO outcomes (event_id, player, prop_type, actual_value, recorded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (event_id, player, prop_type)
		DO UPDATE SET actual_value = excluded.actual_value, recorded_at = excluded.recorded_at`,
		o.EventID, o.Player, string(o.PropType), o.ActualValue, toNanos(o.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save outcome: %w", err)
	}
	return nil
}

// GetOutcome returns the outcome recorded for a series, or ErrNotFound.
func (s *Storage) GetOutcome(ctx context.Context, key models.SeriesKey) (*models.Outcome, error) {
	var (
		o          models.Outcome
		propType   string
		recordedAt int64
	)
	err := s.queryRow(ctx, `SELECT event_id, player, prop_type, actual_value, recorded_at
		FROM outcomes WHERE event_id = ? AND player = ? AND prop_type = ?`,
		key.EventID, key.Player, string(key.PropType),
	).Scan(&o.EventID, &o.Player, &propType, &o.ActualValue, &recordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("outcome %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query outcome %s: %w", key, err)
	}
	o.PropType = models.PropType(propType)
	o.RecordedAt = fromNanos(recordedAt)
	return &o, nil
}

func (s *Storage) movements(ctx context.Context, query string, args ...any) ([]models.Movement, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements: %w", err)
	}
	defer rows.Close()

	movements := []models.Movement{}
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		movements = append(movements, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read movements: %w", err)
	}
	return movements, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMovement(row scanner) (*models.Movement, error) {
	var (
		m                          models.Movement
		propType                   string
		initial, final, abs        string
		pct                        sql.NullString
		initialAt, finalAt, gameAt int64
		createdAt                  int64
		actual                     sql.NullFloat64
		over, under                sql.NullBool
	)
	err := row.Scan(&m.ID, &m.EventID, &m.Player, &propType, &m.Sportsbook, &initial, &final,
		&abs, &pct, &m.HoursBeforeKickoff, &initialAt, &finalAt, &gameAt, &actual, &over, &under, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan movement: %w", err)
	}

	m.PropType = models.PropType(propType)
	if m.InitialLine, err = decimal.NewFromString(initial); err != nil {
		return nil, fmt.Errorf("movement %s: %w: bad initial line: %v", m.ID, ErrCorrupt, err)
	}
	if m.FinalLine, err = decimal.NewFromString(final); err != nil {
		return nil, fmt.Errorf("movement %s: %w: bad final line: %v", m.ID, ErrCorrupt, err)
	}
	if m.AbsoluteChange, err = decimal.NewFromString(abs); err != nil {
		return nil, fmt.Errorf("movement %s: %w: bad absolute change: %v", m.ID, ErrCorrupt, err)
	}
	if pct.Valid {
		d, err := decimal.NewFromString(pct.String)
		if err != nil {
			return nil, fmt.Errorf("movement %s: %w: bad percent change: %v", m.ID, ErrCorrupt, err)
		}
		m.PercentChange = decimal.NewNullDecimal(d)
	}
	m.InitialSnapshotTime = fromNanos(initialAt)
	m.FinalSnapshotTime = fromNanos(finalAt)
	m.GameStartTime = fromNanos(gameAt)
	m.CreatedAt = fromNanos(createdAt)
	if actual.Valid {
		v := actual.Float64
		m.ActualValue = &v
	}
	if over.Valid {
		v := over.Bool
		m.WentOver = &v
	}
	if under.Valid {
		v := under.Bool
		m.WentUnder = &v
	}
	return &m, nil
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullBool(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}
