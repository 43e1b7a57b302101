package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/RyderHornbeck/waterai-server/internal/goal"
	"github.com/RyderHornbeck/waterai-server/internal/hydration"
	"github.com/RyderHornbeck/waterai-server/internal/models"
)

// CreateEntry records one consumption event and keeps every read-model
// consistent with it in a single transaction: the entry row, the daily
// aggregate, the weekly summary (total, time bucket, per-liquid totals, day
// counts), and the rate-limit counter the entry's classification owns.
// Everything commits or nothing does.
func (s *Storage) CreateEntry(ctx context.Context, in models.EntryInput) (*models.ConsumptionEntry, error) {
	const op = "storage.CreateEntry"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	settings, err := lockSettings(ctx, tx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// The entry date and time bucket are fixed now, in the user's current
	// timezone, and never re-derived later.
	local := in.Timestamp.In(settings.Location())
	entryDate := models.DateOf(local)
	bucket := models.BucketForTime(local)

	entry := &models.ConsumptionEntry{
		ID:                  uuid.New(),
		UserID:              in.UserID,
		Ounces:              hydration.Round2(in.Ounces),
		EntryDate:           entryDate,
		Timestamp:           in.Timestamp.UTC(),
		Classification:      in.Classification,
		LiquidType:          in.LiquidType,
		Servings:            in.Servings,
		CreatedFromFavorite: in.CreatedFromFavorite,
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO consumption_entries
			(id, user_id, ounces, entry_date, ts, classification, liquid_type, servings, created_from_favorite)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.UserID, entry.Ounces, entry.EntryDate, entry.Timestamp,
		entry.Classification, entry.LiquidType, entry.Servings, entry.CreatedFromFavorite)
	if err != nil {
		return nil, fmt.Errorf("%s: insert entry: %w", op, err)
	}

	if err := applyAggregates(ctx, tx, entry, bucket, +1); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// Manual and description entries carry their counter increment inside the
	// entry transaction. Photo and barcode entries were counted at submission.
	// The limit is re-checked here under the settings row lock: the earlier
	// authorization ran in its own transaction, so concurrent requests at the
	// edge of the limit would otherwise all slip through.
	var counterQuery string
	switch entry.Classification {
	case models.ClassManual:
		if s.limits.Manual > 0 && settings.ManualCount >= s.limits.Manual {
			return nil, ErrRateLimited
		}
		counterQuery = `UPDATE user_settings SET manual_count = manual_count + 1 WHERE user_id = $1`
	case models.ClassDescription:
		if s.limits.Text > 0 && settings.TextCount >= s.limits.Text {
			return nil, ErrRateLimited
		}
		counterQuery = `UPDATE user_settings SET text_count = text_count + 1 WHERE user_id = $1`
	}
	if counterQuery != "" {
		if _, err := tx.Exec(ctx, counterQuery, entry.UserID); err != nil {
			return nil, fmt.Errorf("%s: bump counter: %w", op, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%s: commit: %w", op, err)
	}

	s.invalidate(entry.UserID.String())
	return entry, nil
}

// DeleteEntry soft-deletes an entry and walks every aggregate back, flooring
// at zero. Missing, foreign, and already-deleted entries all come back as
// ErrNotFound without touching anything.
func (s *Storage) DeleteEntry(ctx context.Context, userID, entryID uuid.UUID) error {
	const op = "storage.DeleteEntry"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	settings, err := lockSettings(ctx, tx, userID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	entry := &models.ConsumptionEntry{}
	err = tx.QueryRow(ctx, `
		SELECT id, user_id, ounces, entry_date, ts, classification, liquid_type, servings
		FROM consumption_entries
		WHERE id = $1 AND user_id = $2 AND NOT is_deleted
		FOR UPDATE`,
		entryID, userID).Scan(
		&entry.ID, &entry.UserID, &entry.Ounces, &entry.EntryDate, &entry.Timestamp,
		&entry.Classification, &entry.LiquidType, &entry.Servings)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%s: load entry: %w", op, err)
	}

	if _, err := tx.Exec(ctx, `UPDATE consumption_entries SET is_deleted = TRUE WHERE id = $1`, entry.ID); err != nil {
		return fmt.Errorf("%s: soft delete: %w", op, err)
	}

	bucket := models.BucketForTime(entry.Timestamp.In(settings.Location()))
	if err := applyAggregates(ctx, tx, entry, bucket, -1); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}

	s.invalidate(userID.String())
	return nil
}

// FavoriteEntry toggles an entry's favorite flag, appending it to the end of
// the user's favorite ordering. Returns ErrNotFound for missing or foreign
// entries.
func (s *Storage) FavoriteEntry(ctx context.Context, userID, entryID uuid.UUID, favorited bool) error {
	const op = "storage.FavoriteEntry"

	tag, err := s.pool.Exec(ctx, `
		UPDATE consumption_entries
		SET is_favorited = $1,
		    favorite_order = CASE WHEN $1 THEN
		        (SELECT COALESCE(MAX(favorite_order), 0) + 1 FROM consumption_entries WHERE user_id = $2 AND is_favorited)
		    ELSE 0 END
		WHERE id = $3 AND user_id = $2 AND NOT is_deleted`,
		favorited, userID, entryID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.invalidate(userID.String())
	return nil
}

// applyAggregates adds (sign +1) or removes (sign -1) one entry's ounces from
// the daily aggregate, the weekly summary, and the weekly per-liquid totals,
// then recomputes the week's day counts. Decrements floor at zero so an
// out-of-order delete/create race can never drive a total negative.
func applyAggregates(ctx context.Context, tx pgx.Tx, entry *models.ConsumptionEntry, bucket models.TimeBucket, sign float64) error {
	oz := hydration.Round2(entry.Ounces * sign)
	weekStart := models.MondayOf(entry.EntryDate)

	_, err := tx.Exec(ctx, `
		INSERT INTO daily_aggregates (user_id, entry_date, total_ounces)
		VALUES ($1, $2, GREATEST($3::double precision, 0))
		ON CONFLICT (user_id, entry_date)
		DO UPDATE SET total_ounces = GREATEST(daily_aggregates.total_ounces + $3, 0)`,
		entry.UserID, entry.EntryDate, oz)
	if err != nil {
		return fmt.Errorf("daily aggregate: %w", err)
	}

	// One delta per bucket column, all parameterized; exactly one is nonzero.
	deltas := make(map[models.TimeBucket]float64, len(models.AllTimeBuckets))
	deltas[bucket] = oz
	_, err = tx.Exec(ctx, `
		INSERT INTO weekly_summaries
			(user_id, week_start, total_ounces, morning_oz, midday_oz, afternoon_oz, evening_oz, night_oz)
		VALUES ($1, $2,
			GREATEST($3::double precision, 0),
			GREATEST($4::double precision, 0), GREATEST($5::double precision, 0),
			GREATEST($6::double precision, 0), GREATEST($7::double precision, 0),
			GREATEST($8::double precision, 0))
		ON CONFLICT (user_id, week_start) DO UPDATE SET
			total_ounces = GREATEST(weekly_summaries.total_ounces + $3, 0),
			morning_oz   = GREATEST(weekly_summaries.morning_oz + $4, 0),
			midday_oz    = GREATEST(weekly_summaries.midday_oz + $5, 0),
			afternoon_oz = GREATEST(weekly_summaries.afternoon_oz + $6, 0),
			evening_oz   = GREATEST(weekly_summaries.evening_oz + $7, 0),
			night_oz     = GREATEST(weekly_summaries.night_oz + $8, 0)`,
		entry.UserID, weekStart, oz,
		deltas[models.BucketMorning], deltas[models.BucketMidday],
		deltas[models.BucketAfternoon], deltas[models.BucketEvening],
		deltas[models.BucketNight])
	if err != nil {
		return fmt.Errorf("weekly summary: %w", err)
	}

	class, _ := hydration.Classify(entry.LiquidType)
	_, err = tx.Exec(ctx, `
		INSERT INTO weekly_liquid_totals (user_id, week_start, liquid_class, ounces)
		VALUES ($1, $2, $3, GREATEST($4::double precision, 0))
		ON CONFLICT (user_id, week_start, liquid_class)
		DO UPDATE SET ounces = GREATEST(weekly_liquid_totals.ounces + $4, 0)`,
		entry.UserID, weekStart, class, oz)
	if err != nil {
		return fmt.Errorf("weekly liquid totals: %w", err)
	}

	return recomputeWeekCounts(ctx, tx, entry.UserID, weekStart)
}

// recomputeWeekCounts refreshes days_with_data and days_goal_met from live
// daily aggregates and the goal ranges in effect that week, inside the same
// transaction as the write that changed them.
func recomputeWeekCounts(ctx context.Context, tx pgx.Tx, userID uuid.UUID, weekStart time.Time) error {
	weekEnd := weekStart.AddDate(0, 0, 6)

	rows, err := tx.Query(ctx, `
		SELECT entry_date, total_ounces FROM daily_aggregates
		WHERE user_id = $1 AND entry_date BETWEEN $2 AND $3 AND total_ounces > 0`,
		userID, weekStart, weekEnd)
	if err != nil {
		return fmt.Errorf("load daily totals: %w", err)
	}
	type dayTotal struct {
		date  time.Time
		total float64
	}
	var days []dayTotal
	for rows.Next() {
		var d dayTotal
		if err := rows.Scan(&d.date, &d.total); err != nil {
			rows.Close()
			return fmt.Errorf("scan daily total: %w", err)
		}
		days = append(days, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate daily totals: %w", err)
	}

	ranges, err := loadRanges(ctx, tx, userID)
	if err != nil {
		return fmt.Errorf("load goal ranges: %w", err)
	}

	var fallback float64 = goal.DefaultDailyGoal
	if err := tx.QueryRow(ctx, `SELECT daily_goal FROM user_settings WHERE user_id = $1`, userID).Scan(&fallback); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("load default goal: %w", err)
	}

	goalMet := 0
	for _, d := range days {
		g, ok := goal.Resolve(ranges, d.date)
		if !ok {
			g = fallback
		}
		if d.total >= g {
			goalMet++
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE weekly_summaries SET days_with_data = $1, days_goal_met = $2
		WHERE user_id = $3 AND week_start = $4`,
		len(days), goalMet, userID, weekStart)
	if err != nil {
		return fmt.Errorf("update day counts: %w", err)
	}
	return nil
}

// GetDailyAggregate returns a user's total for one date; absent rows read as
// zero.
func (s *Storage) GetDailyAggregate(ctx context.Context, userID uuid.UUID, date time.Time) (*models.DailyAggregate, error) {
	const op = "storage.GetDailyAggregate"

	agg := &models.DailyAggregate{UserID: userID, EntryDate: models.DateOf(date)}
	err := s.pool.QueryRow(ctx, `
		SELECT total_ounces FROM daily_aggregates WHERE user_id = $1 AND entry_date = $2`,
		userID, agg.EntryDate).Scan(&agg.TotalOunces)
	if errors.Is(err, pgx.ErrNoRows) {
		return agg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return agg, nil
}

// GetWeeklySummary returns the rollup for the week containing date, with the
// per-liquid totals folded in. Absent weeks read as a zeroed summary.
func (s *Storage) GetWeeklySummary(ctx context.Context, userID uuid.UUID, date time.Time) (*models.WeeklySummary, error) {
	const op = "storage.GetWeeklySummary"

	w := &models.WeeklySummary{
		UserID:       userID,
		WeekStart:    models.MondayOf(date),
		Buckets:      make(map[models.TimeBucket]float64, len(models.AllTimeBuckets)),
		LiquidTotals: make(map[string]float64),
	}
	var morning, midday, afternoon, evening, night float64
	err := s.pool.QueryRow(ctx, `
		SELECT total_ounces, morning_oz, midday_oz, afternoon_oz, evening_oz, night_oz,
		       days_with_data, days_goal_met
		FROM weekly_summaries WHERE user_id = $1 AND week_start = $2`,
		userID, w.WeekStart).Scan(
		&w.TotalOunces, &morning, &midday, &afternoon, &evening, &night,
		&w.DaysWithData, &w.DaysGoalMet)
	if errors.Is(err, pgx.ErrNoRows) {
		return w, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	w.Buckets[models.BucketMorning] = morning
	w.Buckets[models.BucketMidday] = midday
	w.Buckets[models.BucketAfternoon] = afternoon
	w.Buckets[models.BucketEvening] = evening
	w.Buckets[models.BucketNight] = night

	rows, err := s.pool.Query(ctx, `
		SELECT liquid_class, ounces FROM weekly_liquid_totals
		WHERE user_id = $1 AND week_start = $2 AND ounces > 0`,
		userID, w.WeekStart)
	if err != nil {
		return nil, fmt.Errorf("%s: liquid totals: %w", op, err)
	}
	defer rows.Close()
	for rows.Next() {
		var class string
		var oz float64
		if err := rows.Scan(&class, &oz); err != nil {
			return nil, fmt.Errorf("%s: scan liquid total: %w", op, err)
		}
		w.LiquidTotals[class] = oz
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return w, nil
}
