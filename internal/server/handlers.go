package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/RyderHornbeck/waterai-server/internal/cache"
	"github.com/RyderHornbeck/waterai-server/internal/hydration"
	"github.com/RyderHornbeck/waterai-server/internal/models"
	"github.com/RyderHornbeck/waterai-server/internal/storage"
)

const dateLayout = "2006-01-02"

type submitRequest struct {
	UserID  string          `json:"user_id" binding:"required"`
	Payload json.RawMessage `json:"payload" binding:"required"`
}

type submitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func (s *Server) handleSubmitImage(c *gin.Context) {
	s.submit(c, models.JobTypeImage, models.ClassPhoto)
}

func (s *Server) handleSubmitBarcode(c *gin.Context) {
	s.submit(c, models.JobTypeBarcode, models.ClassBarcode)
}

func (s *Server) handleSubmitText(c *gin.Context) {
	s.submit(c, models.JobTypeText, models.ClassDescription)
}

// submit enqueues an analysis job. The daily quota for the submission kind
// is consumed here, before the job exists, so rejected submissions never
// reach the queue.
func (s *Server) submit(c *gin.Context, jobType models.JobType, class models.Classification) {
	const op = "server.submit"

	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}

	if err := s.db.AuthorizeSubmission(c.Request.Context(), userID, class); err != nil {
		if errors.Is(err, storage.ErrRateLimited) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "daily limit reached"})
			return
		}
		log.Printf("%s: %v", op, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to authorize submission"})
		return
	}

	job, err := s.db.CreateJob(c.Request.Context(), userID, jobType, req.Payload, s.cfg.MaxAttempts)
	if err != nil {
		log.Printf("%s: %v", op, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue job"})
		return
	}

	s.wakeWorkers(c, job.ID)

	c.JSON(http.StatusAccepted, submitResponse{JobID: job.ID.String(), Status: string(job.Status)})
}

// wakeWorkers nudges the consumer over Kafka. Delivery failure is logged
// and swallowed: the reaper-driven drain picks the job up regardless.
func (s *Server) wakeWorkers(c *gin.Context, jobID uuid.UUID) {
	if s.producer == nil {
		return
	}
	msg := kafka.Message{
		Key:   []byte(jobID.String()),
		Value: []byte(fmt.Sprintf(`{"job_id":%q}`, jobID.String())),
	}
	if err := s.producer.WriteMessages(c.Request.Context(), msg); err != nil {
		log.Printf("server.wakeWorkers: %v", err)
	}
}

func (s *Server) handleGetJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	job, err := s.db.GetJob(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		log.Printf("server.handleGetJob: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleListJobs(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	s.listJobs(c, userID)
}

// handleListJobsQuery is the flat polling route; the user comes from a query
// parameter instead of the path.
func (s *Server) handleListJobsQuery(c *gin.Context) {
	userID, err := uuid.Parse(c.Query("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}
	s.listJobs(c, userID)
}

func (s *Server) listJobs(c *gin.Context, userID uuid.UUID) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 200 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	jobs, err := s.db.ListJobs(c.Request.Context(), userID, limit)
	if err != nil {
		log.Printf("server.handleListJobs: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

type createEntryRequest struct {
	UserID              string   `json:"user_id" binding:"required"`
	Ounces              float64  `json:"ounces"`
	CapacityOz          float64  `json:"capacity_oz"`
	Percentage          *float64 `json:"percentage,omitempty"`
	DurationSeconds     *float64 `json:"duration_seconds,omitempty"`
	SipSize             string   `json:"sip_size,omitempty"`
	LiquidType          string   `json:"liquid_type"`
	Servings            float64  `json:"servings"`
	Timestamp           *string  `json:"timestamp,omitempty"`
	CreatedFromFavorite bool     `json:"created_from_favorite"`
}

// handleCreateEntry records a manual entry. The client may send a final
// ounce value directly or container capacity plus percentage/duration, in
// which case the hydration calculator runs server-side.
func (s *Server) handleCreateEntry(c *gin.Context) {
	const op = "server.handleCreateEntry"

	var req createEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}

	ounces := req.Ounces
	if ounces <= 0 {
		ounces, err = hydration.Consumed(hydration.Input{
			CapacityOz:      req.CapacityOz,
			Percentage:      req.Percentage,
			DurationSeconds: req.DurationSeconds,
			SipSize:         hydration.SipSize(req.SipSize),
			Servings:        req.Servings,
			LiquidType:      req.LiquidType,
		})
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
	}

	ts := time.Now()
	if req.Timestamp != nil {
		ts, err = time.Parse(time.RFC3339, *req.Timestamp)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid timestamp"})
			return
		}
	}
	servings := req.Servings
	if servings <= 0 {
		servings = 1
	}

	if err := s.db.AuthorizeSubmission(c.Request.Context(), userID, models.ClassManual); err != nil {
		if errors.Is(err, storage.ErrRateLimited) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "daily limit reached"})
			return
		}
		log.Printf("%s: %v", op, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to authorize submission"})
		return
	}

	entry, err := s.db.CreateEntry(c.Request.Context(), models.EntryInput{
		UserID:              userID,
		Ounces:              ounces,
		Timestamp:           ts,
		Classification:      models.ClassManual,
		LiquidType:          req.LiquidType,
		Servings:            servings,
		CreatedFromFavorite: req.CreatedFromFavorite,
	})
	if err != nil {
		if errors.Is(err, storage.ErrRateLimited) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "daily limit reached"})
			return
		}
		log.Printf("%s: %v", op, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create entry"})
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (s *Server) handleDeleteEntry(c *gin.Context) {
	entryID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entry id"})
		return
	}
	userID, err := uuid.Parse(c.Query("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}
	if err := s.db.DeleteEntry(c.Request.Context(), userID, entryID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
			return
		}
		log.Printf("server.handleDeleteEntry: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete entry"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

type favoriteRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	Favorited bool   `json:"favorited"`
}

func (s *Server) handleFavoriteEntry(c *gin.Context) {
	entryID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entry id"})
		return
	}
	var req favoriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}
	if err := s.db.FavoriteEntry(c.Request.Context(), userID, entryID, req.Favorited); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
			return
		}
		log.Printf("server.handleFavoriteEntry: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update favorite"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"favorited": req.Favorited})
}

func (s *Server) handleDailySummary(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	date, ok := parseDateQuery(c, "date")
	if !ok {
		return
	}
	agg, err := s.db.GetDailyAggregate(c.Request.Context(), userID, date)
	if err != nil {
		log.Printf("server.handleDailySummary: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load daily summary"})
		return
	}
	goal, err := s.db.GoalOnDate(c.Request.Context(), userID, date)
	if err != nil {
		log.Printf("server.handleDailySummary: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve goal"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":      agg.UserID,
		"entry_date":   agg.EntryDate.Format(dateLayout),
		"total_ounces": agg.TotalOunces,
		"daily_goal":   goal,
		"goal_met":     agg.TotalOunces >= goal,
	})
}

func (s *Server) handleWeeklySummary(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	param := "week"
	if c.Query(param) == "" {
		param = "date"
	}
	date, ok := parseDateQuery(c, param)
	if !ok {
		return
	}
	week, err := s.db.GetWeeklySummary(c.Request.Context(), userID, date)
	if err != nil {
		log.Printf("server.handleWeeklySummary: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load weekly summary"})
		return
	}
	c.JSON(http.StatusOK, week)
}

func (s *Server) handleGoalOnDate(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	date, ok := parseDateQuery(c, "date")
	if !ok {
		return
	}
	goal, err := s.db.GoalOnDate(c.Request.Context(), userID, date)
	if err != nil {
		log.Printf("server.handleGoalOnDate: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve goal"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"date": date.Format(dateLayout), "daily_goal": goal})
}

// handleGoalsOnDates resolves the effective goal for a comma-separated list
// of dates in one pass over the user's goal history.
func (s *Server) handleGoalsOnDates(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	raw := c.Query("dates")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "dates query parameter is required"})
		return
	}
	parts := strings.Split(raw, ",")
	if len(parts) > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many dates"})
		return
	}
	dates := make([]time.Time, 0, len(parts))
	for _, p := range parts {
		d, err := time.Parse(dateLayout, strings.TrimSpace(p))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date: " + p})
			return
		}
		dates = append(dates, d)
	}
	goals, err := s.db.GoalsOnDates(c.Request.Context(), userID, dates)
	if err != nil {
		log.Printf("server.handleGoalsOnDates: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve goals"})
		return
	}
	out := make(map[string]float64, len(goals))
	for d, g := range goals {
		out[d.Format(dateLayout)] = g
	}
	c.JSON(http.StatusOK, gin.H{"goals": out})
}

type setGoalRequest struct {
	DailyGoal     float64 `json:"daily_goal" binding:"required"`
	EffectiveFrom string  `json:"effective_from,omitempty"`
}

func (s *Server) handleSetGoal(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	var req setGoalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if req.DailyGoal <= 0 || req.DailyGoal > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "daily_goal must be between 0 and 1000"})
		return
	}
	from := models.DateOf(time.Now().UTC())
	if req.EffectiveFrom != "" {
		d, err := time.Parse(dateLayout, req.EffectiveFrom)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid effective_from"})
			return
		}
		from = d
	}
	if err := s.db.SetDailyGoal(c.Request.Context(), userID, req.DailyGoal, from); err != nil {
		log.Printf("server.handleSetGoal: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to set goal"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"daily_goal": req.DailyGoal, "effective_from": from.Format(dateLayout)})
}

// handleGetSettings serves settings through the TTL cache; writes elsewhere
// invalidate the user's keys.
func (s *Server) handleGetSettings(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	key := cache.Key(userID.String(), "settings")
	if v, hit := s.cache.Get(key); hit {
		c.JSON(http.StatusOK, v)
		return
	}
	settings, err := s.db.GetSettings(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "settings not found"})
			return
		}
		log.Printf("server.handleGetSettings: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load settings"})
		return
	}
	s.cache.Set(key, settings, 0)
	c.JSON(http.StatusOK, settings)
}

type settingsRequest struct {
	Timezone  string  `json:"timezone" binding:"required"`
	DailyGoal float64 `json:"daily_goal"`
}

func (s *Server) handleUpsertSettings(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	settings, err := s.db.UpsertSettings(c.Request.Context(), userID, req.Timezone, req.DailyGoal)
	if err != nil {
		log.Printf("server.handleUpsertSettings: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, settings)
}

func parseUserID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return uuid.Nil, false
	}
	return id, true
}

func parseDateQuery(c *gin.Context, name string) (time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return models.DateOf(time.Now().UTC()), true
	}
	d, err := time.Parse(dateLayout, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return time.Time{}, false
	}
	return d, true
}
