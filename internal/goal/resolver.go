// Package goal answers point-in-time daily goal queries against a user's
// effective-dated range history. Resolution is pure; loading ranges and
// fallback defaults live in the storage layer.
package goal

import (
	"time"

	"github.com/google/uuid"

	"github.com/RyderHornbeck/waterai-server/internal/models"
)

// DefaultDailyGoal applies when a user has no settings row at all.
const DefaultDailyGoal = 64

// FarPastDate anchors the first range for users who have no entries yet.
var FarPastDate = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Resolve returns the goal in effect on date, or ok=false if no range
// contains it. When ranges overlap (which the mutation path prevents, but
// imported data may not), the most recently started match wins.
func Resolve(ranges []models.GoalRange, date time.Time) (float64, bool) {
	d := models.DateOf(date)
	var (
		found bool
		best  models.GoalRange
	)
	for _, r := range ranges {
		from := models.DateOf(r.EffectiveFrom)
		if d.Before(from) {
			continue
		}
		if r.EffectiveUntil != nil && d.After(models.DateOf(*r.EffectiveUntil)) {
			continue
		}
		if !found || from.After(models.DateOf(best.EffectiveFrom)) {
			best = r
			found = true
		}
	}
	if !found {
		return 0, false
	}
	return best.DailyGoal, true
}

// ResolveAll resolves every requested date against one loaded range set,
// falling back to fallbackGoal for dates no range covers. Results are keyed
// by the normalized date.
func ResolveAll(ranges []models.GoalRange, dates []time.Time, fallbackGoal float64) map[time.Time]float64 {
	out := make(map[time.Time]float64, len(dates))
	for _, date := range dates {
		d := models.DateOf(date)
		if g, ok := Resolve(ranges, d); ok {
			out[d] = g
		} else {
			out[d] = fallbackGoal
		}
	}
	return out
}

// CloseAndAppend models a goal change: the open range is closed the day
// before newStart and a new open range begins at newStart. A nil open range
// (no history yet) yields just the new open range. Pure helper used by the
// storage mutation; the returned pair preserves the no-gaps, no-overlaps
// invariant.
func CloseAndAppend(open *models.GoalRange, userID uuid.UUID, newGoal float64, newStart time.Time) (closed *models.GoalRange, opened models.GoalRange) {
	start := models.DateOf(newStart)
	if open != nil {
		until := start.AddDate(0, 0, -1)
		c := *open
		c.EffectiveUntil = &until
		closed = &c
	}
	opened = models.GoalRange{
		UserID:        userID,
		DailyGoal:     newGoal,
		EffectiveFrom: start,
	}
	return closed, opened
}
