package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/RyderHornbeck/waterai-server/internal/goal"
	"github.com/RyderHornbeck/waterai-server/internal/models"
)

// querier covers both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadRanges(ctx context.Context, q querier, userID uuid.UUID) ([]models.GoalRange, error) {
	rows, err := q.Query(ctx, `
		SELECT user_id, daily_goal, effective_from, effective_until
		FROM goal_ranges WHERE user_id = $1
		ORDER BY effective_from ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ranges []models.GoalRange
	for rows.Next() {
		var r models.GoalRange
		if err := rows.Scan(&r.UserID, &r.DailyGoal, &r.EffectiveFrom, &r.EffectiveUntil); err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}
	return ranges, rows.Err()
}

// GoalRanges returns a user's full goal history, oldest first.
func (s *Storage) GoalRanges(ctx context.Context, userID uuid.UUID) ([]models.GoalRange, error) {
	const op = "storage.GoalRanges"

	ranges, err := loadRanges(ctx, s.pool, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ranges, nil
}

// GoalOnDate answers what the user's daily goal was on one date, falling back
// to the settings default and then the hard default for users with no
// history. Read-only.
func (s *Storage) GoalOnDate(ctx context.Context, userID uuid.UUID, date time.Time) (float64, error) {
	const op = "storage.GoalOnDate"

	ranges, err := loadRanges(ctx, s.pool, userID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if g, ok := goal.Resolve(ranges, date); ok {
		return g, nil
	}
	return s.fallbackGoal(ctx, userID)
}

// GoalsOnDates resolves a batch of dates against a single load of the user's
// range history. Equivalent to calling GoalOnDate per date, minus the
// per-date queries.
func (s *Storage) GoalsOnDates(ctx context.Context, userID uuid.UUID, dates []time.Time) (map[time.Time]float64, error) {
	const op = "storage.GoalsOnDates"

	ranges, err := loadRanges(ctx, s.pool, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	fallback, err := s.fallbackGoal(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return goal.ResolveAll(ranges, dates, fallback), nil
}

func (s *Storage) fallbackGoal(ctx context.Context, userID uuid.UUID) (float64, error) {
	const op = "storage.fallbackGoal"

	var g float64
	err := s.pool.QueryRow(ctx, `SELECT daily_goal FROM user_settings WHERE user_id = $1`, userID).Scan(&g)
	if errors.Is(err, pgx.ErrNoRows) {
		return goal.DefaultDailyGoal, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return g, nil
}

// SetDailyGoal records a goal change effective from the given date: the
// currently open range is closed the day before, a new open range begins, and
// the settings default moves with it, all in one transaction.
func (s *Storage) SetDailyGoal(ctx context.Context, userID uuid.UUID, newGoal float64, effectiveFrom time.Time) error {
	const op = "storage.SetDailyGoal"

	if newGoal <= 0 {
		return fmt.Errorf("%s: daily goal must be positive", op)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	var open *models.GoalRange
	var openID int64
	r := models.GoalRange{}
	err = tx.QueryRow(ctx, `
		SELECT id, user_id, daily_goal, effective_from
		FROM goal_ranges
		WHERE user_id = $1 AND effective_until IS NULL
		FOR UPDATE`, userID).Scan(&openID, &r.UserID, &r.DailyGoal, &r.EffectiveFrom)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// First goal ever set outside onboarding; fall through with no range
		// to close.
	case err != nil:
		return fmt.Errorf("%s: load open range: %w", op, err)
	default:
		open = &r
	}

	closed, opened := goal.CloseAndAppend(open, userID, newGoal, effectiveFrom)

	if closed != nil {
		// A change effective on or before the open range's own start would
		// invert it; the new range replaces it outright instead.
		if closed.EffectiveUntil.Before(models.DateOf(closed.EffectiveFrom)) {
			if _, err := tx.Exec(ctx, `DELETE FROM goal_ranges WHERE id = $1`, openID); err != nil {
				return fmt.Errorf("%s: drop inverted range: %w", op, err)
			}
		} else if _, err := tx.Exec(ctx, `
			UPDATE goal_ranges SET effective_until = $1 WHERE id = $2`,
			closed.EffectiveUntil, openID); err != nil {
			return fmt.Errorf("%s: close open range: %w", op, err)
		}
	}

	// A back-dated change supersedes history from the new start onward:
	// ranges beginning on or after it go away, and closed ranges spilling
	// past it are truncated to end the day before. Keeps the history free of
	// overlaps.
	if _, err := tx.Exec(ctx, `
		DELETE FROM goal_ranges WHERE user_id = $1 AND effective_from >= $2`,
		userID, opened.EffectiveFrom); err != nil {
		return fmt.Errorf("%s: drop superseded ranges: %w", op, err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE goal_ranges SET effective_until = $1
		WHERE user_id = $2 AND effective_from < $3 AND effective_until >= $3`,
		opened.EffectiveFrom.AddDate(0, 0, -1), userID, opened.EffectiveFrom); err != nil {
		return fmt.Errorf("%s: truncate overlapping ranges: %w", op, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO goal_ranges (user_id, daily_goal, effective_from, effective_until)
		VALUES ($1, $2, $3, NULL)`,
		opened.UserID, opened.DailyGoal, opened.EffectiveFrom)
	if err != nil {
		return fmt.Errorf("%s: open new range: %w", op, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO user_settings (user_id, daily_goal) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET daily_goal = $2`,
		userID, newGoal)
	if err != nil {
		return fmt.Errorf("%s: update default: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}

	s.invalidate(userID.String())
	return nil
}

// ensureInitialRange opens a user's first goal range at onboarding,
// back-dated to the Monday of the week of their earliest entry, or a fixed
// far-past date when they have none. Does nothing for users with history.
func ensureInitialRange(ctx context.Context, tx pgx.Tx, userID uuid.UUID, dailyGoal float64) error {
	var count int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM goal_ranges WHERE user_id = $1`, userID).Scan(&count); err != nil {
		return fmt.Errorf("count ranges: %w", err)
	}
	if count > 0 {
		return nil
	}

	start := goal.FarPastDate
	var earliest *time.Time
	err := tx.QueryRow(ctx, `
		SELECT MIN(entry_date) FROM consumption_entries
		WHERE user_id = $1 AND NOT is_deleted`, userID).Scan(&earliest)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("earliest entry: %w", err)
	}
	if earliest != nil {
		start = models.MondayOf(*earliest)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO goal_ranges (user_id, daily_goal, effective_from, effective_until)
		VALUES ($1, $2, $3, NULL)`,
		userID, dailyGoal, start)
	if err != nil {
		return fmt.Errorf("insert initial range: %w", err)
	}
	return nil
}
