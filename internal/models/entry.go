package models

import (
	"time"

	"github.com/google/uuid"
)

type Classification string

const (
	ClassManual      Classification = "manual"
	ClassDescription Classification = "description"
	ClassPhoto       Classification = "photo"
	ClassBarcode     Classification = "barcode"
)

func (c Classification) Valid() bool {
	switch c {
	case ClassManual, ClassDescription, ClassPhoto, ClassBarcode:
		return true
	}
	return false
}

// TimeBucket is the closed set of time-of-day slots a weekly summary tracks.
type TimeBucket string

const (
	BucketMorning   TimeBucket = "morning"
	BucketMidday    TimeBucket = "midday"
	BucketAfternoon TimeBucket = "afternoon"
	BucketEvening   TimeBucket = "evening"
	BucketNight     TimeBucket = "night"
)

// AllTimeBuckets lists the buckets in column order.
var AllTimeBuckets = []TimeBucket{
	BucketMorning, BucketMidday, BucketAfternoon, BucketEvening, BucketNight,
}

// BucketForTime maps a local timestamp to its time-of-day bucket.
func BucketForTime(t time.Time) TimeBucket {
	switch h := t.Hour(); {
	case h >= 5 && h < 11:
		return BucketMorning
	case h >= 11 && h < 14:
		return BucketMidday
	case h >= 14 && h < 18:
		return BucketAfternoon
	case h >= 18 && h < 22:
		return BucketEvening
	default:
		return BucketNight
	}
}

type ConsumptionEntry struct {
	ID                  uuid.UUID      `json:"id"`
	UserID              uuid.UUID      `json:"user_id"`
	Ounces              float64        `json:"ounces"`
	EntryDate           time.Time      `json:"entry_date"`
	Timestamp           time.Time      `json:"timestamp"`
	Classification      Classification `json:"classification"`
	LiquidType          string         `json:"liquid_type"`
	Servings            float64        `json:"servings"`
	IsDeleted           bool           `json:"is_deleted,omitempty"`
	IsFavorited         bool           `json:"is_favorited,omitempty"`
	FavoriteOrder       int            `json:"favorite_order,omitempty"`
	CreatedFromFavorite bool           `json:"created_from_favorite,omitempty"`
}

// EntryInput is what the aggregate writer needs to create one entry. The
// entry date and time bucket are derived from Timestamp in the user's
// timezone at write time.
type EntryInput struct {
	UserID              uuid.UUID
	Ounces              float64
	Timestamp           time.Time
	Classification      Classification
	LiquidType          string
	Servings            float64
	CreatedFromFavorite bool
}

type DailyAggregate struct {
	UserID      uuid.UUID `json:"user_id"`
	EntryDate   time.Time `json:"entry_date"`
	TotalOunces float64   `json:"total_ounces"`
}

// WeeklySummary is a denormalized rollup of one user's week. TotalOunces
// always equals the sum of the five bucket columns.
type WeeklySummary struct {
	UserID       uuid.UUID              `json:"user_id"`
	WeekStart    time.Time              `json:"week_start_date"`
	TotalOunces  float64                `json:"total_ounces"`
	Buckets      map[TimeBucket]float64 `json:"buckets"`
	LiquidTotals map[string]float64     `json:"liquid_totals"`
	DaysWithData int                    `json:"days_with_data"`
	DaysGoalMet  int                    `json:"days_goal_met"`
}

// GoalRange records the daily goal in effect over [EffectiveFrom, EffectiveUntil].
// A nil EffectiveUntil marks the open, currently active range.
type GoalRange struct {
	UserID         uuid.UUID  `json:"user_id"`
	DailyGoal      float64    `json:"daily_goal"`
	EffectiveFrom  time.Time  `json:"effective_from_date"`
	EffectiveUntil *time.Time `json:"effective_until_date,omitempty"`
}

type UserSettings struct {
	UserID        uuid.UUID `json:"user_id"`
	Timezone      string    `json:"timezone"`
	DailyGoal     float64   `json:"daily_goal"`
	ManualCount   int       `json:"manual_count"`
	TextCount     int       `json:"text_count"`
	ImageCount    int       `json:"image_count"`
	LastResetDate time.Time `json:"last_reset_date"`
}

// Location resolves the user's stored timezone, falling back to UTC.
func (s *UserSettings) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil || s.Timezone == "" {
		return time.UTC
	}
	return loc
}

// DateOf truncates a timestamp to midnight UTC, the canonical calendar-date
// representation used for entry_date and range boundaries.
func DateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MondayOf returns the Monday of the week containing d, at midnight UTC.
func MondayOf(d time.Time) time.Time {
	d = DateOf(d)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}
