package storage_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/RyderHornbeck/waterai-server/internal/cache"
	"github.com/RyderHornbeck/waterai-server/internal/models"
	"github.com/RyderHornbeck/waterai-server/internal/storage"
)

// These tests need a real Postgres because the claim protocol and the
// aggregate writer lean on row locks. Point TEST_DATABASE_URL at a throwaway
// database to run them.
func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	return newTestStorageLimits(t, storage.RateLimits{Manual: 50, Text: 20, Image: 2})
}

func newTestStorageLimits(t *testing.T, limits storage.RateLimits) *storage.Storage {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	t.Setenv("MIGRATIONS_DIR", "../../migrations")

	c := cache.New(time.Minute)
	t.Cleanup(c.Close)

	s, err := storage.NewStorage(dsn, c, limits)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func mustCreateJob(t *testing.T, s *storage.Storage, userID uuid.UUID, maxAttempts int) *models.AnalysisJob {
	t.Helper()
	job, err := s.CreateJob(context.Background(), userID, models.JobTypeText,
		json.RawMessage(`{"description":"16 oz water"}`), maxAttempts)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func TestClaimBatchExclusive(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	userID := uuid.New()

	mine := make(map[uuid.UUID]bool, 12)
	for range 12 {
		mine[mustCreateJob(t, s, userID, 3).ID] = true
	}

	var (
		mu      sync.Mutex
		claimed = make(map[uuid.UUID]int)
		wg      sync.WaitGroup
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				jobs, err := s.ClaimBatch(ctx, 3, time.Minute)
				if err != nil {
					t.Errorf("ClaimBatch: %v", err)
					return
				}
				if len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					if mine[j.ID] {
						claimed[j.ID]++
					}
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != len(mine) {
		t.Fatalf("claimed %d distinct jobs, want %d", len(claimed), len(mine))
	}
	for id, n := range claimed {
		if n != 1 {
			t.Errorf("job %s claimed %d times", id, n)
		}
	}
}

// claimOne drains pending batches until the wanted job shows up. Jobs left
// behind by other tests are never pending, so anything else claimed here
// would be a leak in this file.
func claimOne(t *testing.T, s *storage.Storage, want uuid.UUID) *models.AnalysisJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		jobs, err := s.ClaimBatch(context.Background(), 10, time.Minute)
		if err != nil {
			t.Fatalf("ClaimBatch: %v", err)
		}
		for _, j := range jobs {
			if j.ID == want {
				return j
			}
		}
		if len(jobs) == 0 {
			time.Sleep(50 * time.Millisecond)
		}
	}
	t.Fatalf("job %s never claimed", want)
	return nil
}

func TestTransientFailureRetriesThenErrors(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	job := mustCreateJob(t, s, uuid.New(), 2)

	first := claimOne(t, s, job.ID)
	if first.Attempts != 1 {
		t.Fatalf("attempts after first claim = %d, want 1", first.Attempts)
	}
	if err := s.FailTransient(ctx, job.ID, "provider unavailable"); err != nil {
		t.Fatalf("FailTransient: %v", err)
	}
	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != models.JobPending {
		t.Fatalf("status after first failure = %q, want pending", got.Status)
	}

	second := claimOne(t, s, job.ID)
	if second.Attempts != 2 {
		t.Fatalf("attempts after second claim = %d, want 2", second.Attempts)
	}
	if err := s.FailTransient(ctx, job.ID, "provider unavailable"); err != nil {
		t.Fatalf("FailTransient: %v", err)
	}
	got, err = s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != models.JobError {
		t.Fatalf("status after exhausting attempts = %q, want error", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("terminal job has no completed_at")
	}
	if got.ErrorMessage != "provider unavailable" {
		t.Errorf("error_message = %q", got.ErrorMessage)
	}
}

func TestReapExpiredRequeues(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	job := mustCreateJob(t, s, uuid.New(), 3)

	// Claim with a lease short enough to expire on its own, simulating a
	// worker that died mid-job.
	short, err := s.ClaimBatch(ctx, 10, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	found := false
	for _, j := range short {
		if j.ID == job.ID {
			found = true
			if j.LeaseExpiresAt == nil {
				t.Fatal("claimed job has no lease")
			}
		}
	}
	if !found {
		t.Fatal("job not claimed with short lease")
	}

	time.Sleep(200 * time.Millisecond)
	n, err := s.ReapExpired(ctx)
	if err != nil {
		t.Fatalf("ReapExpired: %v", err)
	}
	if n < 1 {
		t.Fatalf("ReapExpired swept %d rows, want at least 1", n)
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != models.JobPending {
		t.Fatalf("reaped job status = %q, want pending", got.Status)
	}
	if got.LeaseExpiresAt != nil {
		t.Error("reaped job still holds a lease")
	}

	// Clean up: burn the remaining attempt so later claims skip this job.
	claimOne(t, s, job.ID)
	if err := s.FailPermanent(ctx, job.ID, "done"); err != nil {
		t.Fatalf("FailPermanent: %v", err)
	}
}

func TestCreateAndDeleteEntryKeepsAggregatesConsistent(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	userID := uuid.New()

	if _, err := s.UpsertSettings(ctx, userID, "UTC", 64); err != nil {
		t.Fatalf("UpsertSettings: %v", err)
	}

	// Tuesday morning.
	ts := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	day := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	monday := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)

	e1, err := s.CreateEntry(ctx, models.EntryInput{
		UserID: userID, Ounces: 14.5, Timestamp: ts,
		Classification: models.ClassManual, LiquidType: "water", Servings: 1,
	})
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}

	agg, err := s.GetDailyAggregate(ctx, userID, day)
	if err != nil {
		t.Fatalf("GetDailyAggregate: %v", err)
	}
	if agg.TotalOunces != 14.5 {
		t.Fatalf("daily total = %v, want 14.5", agg.TotalOunces)
	}

	week, err := s.GetWeeklySummary(ctx, userID, day)
	if err != nil {
		t.Fatalf("GetWeeklySummary: %v", err)
	}
	if !week.WeekStart.Equal(monday) {
		t.Errorf("week start = %v, want %v", week.WeekStart, monday)
	}
	if week.TotalOunces != 14.5 {
		t.Errorf("weekly total = %v, want 14.5", week.TotalOunces)
	}
	if week.Buckets[models.BucketMorning] != 14.5 {
		t.Errorf("morning bucket = %v, want 14.5", week.Buckets[models.BucketMorning])
	}
	if week.DaysWithData != 1 {
		t.Errorf("days_with_data = %d, want 1", week.DaysWithData)
	}
	if week.DaysGoalMet != 0 {
		t.Errorf("days_goal_met = %d, want 0 under a 64oz goal", week.DaysGoalMet)
	}
	if week.LiquidTotals["water"] != 14.5 {
		t.Errorf("water total = %v, want 14.5", week.LiquidTotals["water"])
	}

	// A second entry pushes the day over the goal.
	e2, err := s.CreateEntry(ctx, models.EntryInput{
		UserID: userID, Ounces: 80, Timestamp: ts.Add(9 * time.Hour),
		Classification: models.ClassManual, LiquidType: "water", Servings: 1,
	})
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	week, err = s.GetWeeklySummary(ctx, userID, day)
	if err != nil {
		t.Fatalf("GetWeeklySummary: %v", err)
	}
	if week.DaysGoalMet != 1 {
		t.Errorf("days_goal_met after 94.5oz = %d, want 1", week.DaysGoalMet)
	}
	if week.Buckets[models.BucketEvening] != 80 {
		t.Errorf("evening bucket = %v, want 80", week.Buckets[models.BucketEvening])
	}

	// Deleting both walks every read model back to zero, never negative.
	if err := s.DeleteEntry(ctx, userID, e1.ID); err != nil {
		t.Fatalf("DeleteEntry: %v", err)
	}
	if err := s.DeleteEntry(ctx, userID, e2.ID); err != nil {
		t.Fatalf("DeleteEntry: %v", err)
	}
	agg, err = s.GetDailyAggregate(ctx, userID, day)
	if err != nil {
		t.Fatalf("GetDailyAggregate: %v", err)
	}
	if agg.TotalOunces != 0 {
		t.Errorf("daily total after deletes = %v, want 0", agg.TotalOunces)
	}
	week, err = s.GetWeeklySummary(ctx, userID, day)
	if err != nil {
		t.Fatalf("GetWeeklySummary: %v", err)
	}
	if week.TotalOunces != 0 || week.DaysWithData != 0 || week.DaysGoalMet != 0 {
		t.Errorf("weekly summary after deletes = %+v, want all zero", week)
	}

	// Double delete is not found.
	if err := s.DeleteEntry(ctx, userID, e1.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestGoalChangeClosesOpenRange(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	userID := uuid.New()

	if _, err := s.UpsertSettings(ctx, userID, "UTC", 64); err != nil {
		t.Fatalf("UpsertSettings: %v", err)
	}

	changeDay := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	if err := s.SetDailyGoal(ctx, userID, 80, changeDay); err != nil {
		t.Fatalf("SetDailyGoal: %v", err)
	}

	before, err := s.GoalOnDate(ctx, userID, changeDay.AddDate(0, 0, -1))
	if err != nil {
		t.Fatalf("GoalOnDate: %v", err)
	}
	if before != 64 {
		t.Errorf("goal before change = %v, want 64", before)
	}
	on, err := s.GoalOnDate(ctx, userID, changeDay)
	if err != nil {
		t.Fatalf("GoalOnDate: %v", err)
	}
	if on != 80 {
		t.Errorf("goal on change date = %v, want 80", on)
	}
	after, err := s.GoalOnDate(ctx, userID, changeDay.AddDate(0, 1, 0))
	if err != nil {
		t.Fatalf("GoalOnDate: %v", err)
	}
	if after != 80 {
		t.Errorf("goal a month later = %v, want 80", after)
	}

	ranges, err := s.GoalRanges(ctx, userID)
	if err != nil {
		t.Fatalf("GoalRanges: %v", err)
	}
	if len(ranges) != 2 {
		t.Fatalf("got %d ranges, want 2", len(ranges))
	}
	if ranges[0].EffectiveUntil == nil || !ranges[0].EffectiveUntil.Equal(changeDay.AddDate(0, 0, -1)) {
		t.Errorf("first range closed at %v, want day before change", ranges[0].EffectiveUntil)
	}
	if ranges[1].EffectiveUntil != nil {
		t.Error("latest range should be open")
	}

	// Batch resolution matches the point lookups.
	dates := []time.Time{changeDay.AddDate(0, 0, -1), changeDay, changeDay.AddDate(0, 1, 0)}
	goals, err := s.GoalsOnDates(ctx, userID, dates)
	if err != nil {
		t.Fatalf("GoalsOnDates: %v", err)
	}
	for _, d := range dates {
		want, err := s.GoalOnDate(ctx, userID, d)
		if err != nil {
			t.Fatalf("GoalOnDate: %v", err)
		}
		if goals[d] != want {
			t.Errorf("batch goal for %v = %v, point lookup = %v", d, goals[d], want)
		}
	}
}

func TestGoalChangeOnOpenRangeStartDateReplacesIt(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	userID := uuid.New()

	if _, err := s.UpsertSettings(ctx, userID, "UTC", 64); err != nil {
		t.Fatalf("UpsertSettings: %v", err)
	}

	day := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	if err := s.SetDailyGoal(ctx, userID, 80, day); err != nil {
		t.Fatalf("SetDailyGoal: %v", err)
	}
	// Second change effective the same day must replace the 80oz range, not
	// close it before it began.
	if err := s.SetDailyGoal(ctx, userID, 90, day); err != nil {
		t.Fatalf("SetDailyGoal same day: %v", err)
	}

	ranges, err := s.GoalRanges(ctx, userID)
	if err != nil {
		t.Fatalf("GoalRanges: %v", err)
	}
	if len(ranges) != 2 {
		t.Fatalf("got %d ranges, want 2: %+v", len(ranges), ranges)
	}
	for _, r := range ranges {
		if r.EffectiveUntil != nil && r.EffectiveUntil.Before(r.EffectiveFrom) {
			t.Errorf("inverted range stored: from=%v until=%v", r.EffectiveFrom, r.EffectiveUntil)
		}
	}

	got, err := s.GoalOnDate(ctx, userID, day)
	if err != nil {
		t.Fatalf("GoalOnDate: %v", err)
	}
	if got != 90 {
		t.Errorf("goal on change date = %v, want 90", got)
	}
	got, err = s.GoalOnDate(ctx, userID, day.AddDate(0, 0, -1))
	if err != nil {
		t.Fatalf("GoalOnDate: %v", err)
	}
	if got != 64 {
		t.Errorf("goal the day before = %v, want 64", got)
	}
}

func TestBackdatedGoalChangeKeepsRangesDisjoint(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	userID := uuid.New()

	if _, err := s.UpsertSettings(ctx, userID, "UTC", 64); err != nil {
		t.Fatalf("UpsertSettings: %v", err)
	}
	day := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	if err := s.SetDailyGoal(ctx, userID, 80, day); err != nil {
		t.Fatalf("SetDailyGoal: %v", err)
	}
	// Back-date a change before the open range's start: the 80oz range is
	// superseded and the initial range must stop short of the new start.
	backdated := day.AddDate(0, 0, -5)
	if err := s.SetDailyGoal(ctx, userID, 100, backdated); err != nil {
		t.Fatalf("SetDailyGoal backdated: %v", err)
	}

	ranges, err := s.GoalRanges(ctx, userID)
	if err != nil {
		t.Fatalf("GoalRanges: %v", err)
	}
	open := 0
	for i, r := range ranges {
		if r.EffectiveUntil == nil {
			open++
			continue
		}
		if r.EffectiveUntil.Before(r.EffectiveFrom) {
			t.Errorf("inverted range stored: from=%v until=%v", r.EffectiveFrom, r.EffectiveUntil)
		}
		if i+1 < len(ranges) && !r.EffectiveUntil.Before(ranges[i+1].EffectiveFrom) {
			t.Errorf("ranges overlap: [..%v] and [%v..]", r.EffectiveUntil, ranges[i+1].EffectiveFrom)
		}
	}
	if open != 1 {
		t.Errorf("%d open ranges, want exactly 1", open)
	}

	for date, want := range map[time.Time]float64{
		backdated.AddDate(0, 0, -1): 64,
		backdated:                   100,
		day:                         100,
	} {
		got, err := s.GoalOnDate(ctx, userID, date)
		if err != nil {
			t.Fatalf("GoalOnDate: %v", err)
		}
		if got != want {
			t.Errorf("goal on %v = %v, want %v", date.Format("2006-01-02"), got, want)
		}
	}
}

func TestManualEntryLimitEnforcedInTransaction(t *testing.T) {
	s := newTestStorageLimits(t, storage.RateLimits{Manual: 2, Text: 20, Image: 20})
	ctx := context.Background()
	userID := uuid.New()

	if _, err := s.UpsertSettings(ctx, userID, "UTC", 64); err != nil {
		t.Fatalf("UpsertSettings: %v", err)
	}

	in := models.EntryInput{
		UserID: userID, Ounces: 8, Timestamp: time.Now().UTC(),
		Classification: models.ClassManual, LiquidType: "water", Servings: 1,
	}
	for i := 0; i < 2; i++ {
		if _, err := s.CreateEntry(ctx, in); err != nil {
			t.Fatalf("CreateEntry %d: %v", i, err)
		}
	}
	// The counter lives inside the entry transaction, so the ceiling holds
	// even when authorization raced ahead in its own transaction.
	if _, err := s.CreateEntry(ctx, in); !errors.Is(err, storage.ErrRateLimited) {
		t.Fatalf("third entry err = %v, want ErrRateLimited", err)
	}

	settings, err := s.GetSettings(ctx, userID)
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if settings.ManualCount != 2 {
		t.Errorf("manual_count = %d, want 2", settings.ManualCount)
	}
}

func TestSubmissionLimitPerDay(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	userID := uuid.New()

	// Image limit is 2 in the test fixture.
	for i := 0; i < 2; i++ {
		if err := s.AuthorizeSubmission(ctx, userID, models.ClassPhoto); err != nil {
			t.Fatalf("AuthorizeSubmission %d: %v", i, err)
		}
	}
	if err := s.AuthorizeSubmission(ctx, userID, models.ClassPhoto); !errors.Is(err, storage.ErrRateLimited) {
		t.Fatalf("third photo submission err = %v, want ErrRateLimited", err)
	}

	// Manual submissions track a separate counter and are untouched.
	if err := s.AuthorizeSubmission(ctx, userID, models.ClassManual); err != nil {
		t.Errorf("manual submission blocked: %v", err)
	}

	settings, err := s.GetSettings(ctx, userID)
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if settings.ImageCount != 2 {
		t.Errorf("image_count = %d, want 2", settings.ImageCount)
	}
}
