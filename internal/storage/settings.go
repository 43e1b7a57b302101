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

// lockSettings loads a user's settings row under FOR UPDATE, creating the
// default row first if the user has none. Serializes counter and aggregate
// writes for one user without any in-process lock.
func lockSettings(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.UserSettings, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO user_settings (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return nil, fmt.Errorf("ensure settings row: %w", err)
	}

	s := &models.UserSettings{}
	err = tx.QueryRow(ctx, `
		SELECT user_id, timezone, daily_goal, manual_count, text_count, image_count, last_reset_date
		FROM user_settings WHERE user_id = $1
		FOR UPDATE`, userID).Scan(
		&s.UserID, &s.Timezone, &s.DailyGoal,
		&s.ManualCount, &s.TextCount, &s.ImageCount, &s.LastResetDate)
	if err != nil {
		return nil, fmt.Errorf("lock settings: %w", err)
	}
	return s, nil
}

// GetSettings returns a user's settings, or ErrNotFound.
func (s *Storage) GetSettings(ctx context.Context, userID uuid.UUID) (*models.UserSettings, error) {
	const op = "storage.GetSettings"

	set := &models.UserSettings{}
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, timezone, daily_goal, manual_count, text_count, image_count, last_reset_date
		FROM user_settings WHERE user_id = $1`, userID).Scan(
		&set.UserID, &set.Timezone, &set.DailyGoal,
		&set.ManualCount, &set.TextCount, &set.ImageCount, &set.LastResetDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return set, nil
}

// UpsertSettings creates or updates a user's settings and, for a brand-new
// user, opens their first goal range back-dated per onboarding rules.
func (s *Storage) UpsertSettings(ctx context.Context, userID uuid.UUID, timezone string, dailyGoal float64) (*models.UserSettings, error) {
	const op = "storage.UpsertSettings"

	if _, err := time.LoadLocation(timezone); err != nil {
		return nil, fmt.Errorf("%s: invalid timezone %q", op, timezone)
	}
	if dailyGoal <= 0 {
		dailyGoal = goal.DefaultDailyGoal
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO user_settings (user_id, timezone, daily_goal)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET timezone = $2, daily_goal = $3`,
		userID, timezone, dailyGoal)
	if err != nil {
		return nil, fmt.Errorf("%s: upsert: %w", op, err)
	}

	if err := ensureInitialRange(ctx, tx, userID, dailyGoal); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%s: commit: %w", op, err)
	}

	s.invalidate(userID.String())
	return s.GetSettings(ctx, userID)
}

// AuthorizeSubmission enforces the per-day submission limits. The counters
// belong to the user's local calendar day: the first request observing a new
// day zeros all three before any limit is evaluated. Image and barcode
// submissions consume their counter here, at submission time; manual and
// description entries consume theirs inside the entry transaction instead.
func (s *Storage) AuthorizeSubmission(ctx context.Context, userID uuid.UUID, class models.Classification) error {
	const op = "storage.AuthorizeSubmission"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	settings, err := lockSettings(ctx, tx, userID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	today := models.DateOf(time.Now().In(settings.Location()))
	if !models.DateOf(settings.LastResetDate).Equal(today) {
		if _, err := tx.Exec(ctx, `
			UPDATE user_settings
			SET manual_count = 0, text_count = 0, image_count = 0, last_reset_date = $1
			WHERE user_id = $2`, today, userID); err != nil {
			return fmt.Errorf("%s: reset counters: %w", op, err)
		}
		settings.ManualCount, settings.TextCount, settings.ImageCount = 0, 0, 0
	}

	var (
		count, limit int
		consume      string
	)
	switch class {
	case models.ClassManual:
		count, limit = settings.ManualCount, s.limits.Manual
	case models.ClassDescription:
		count, limit = settings.TextCount, s.limits.Text
	case models.ClassPhoto, models.ClassBarcode:
		count, limit = settings.ImageCount, s.limits.Image
		consume = `UPDATE user_settings SET image_count = image_count + 1 WHERE user_id = $1`
	default:
		return fmt.Errorf("%s: unknown classification %q", op, class)
	}

	if limit > 0 && count >= limit {
		return ErrRateLimited
	}
	if consume != "" {
		if _, err := tx.Exec(ctx, consume, userID); err != nil {
			return fmt.Errorf("%s: consume counter: %w", op, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	s.invalidate(userID.String())
	return nil
}
