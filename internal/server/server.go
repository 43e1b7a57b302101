package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/kafka-go"

	"github.com/RyderHornbeck/waterai-server/internal/cache"
	"github.com/RyderHornbeck/waterai-server/internal/models"
	"github.com/RyderHornbeck/waterai-server/internal/storage"
)

type Server struct {
	cfg      *models.Config
	router   *gin.Engine
	db       *storage.Storage
	cache    *cache.Cache
	producer *kafka.Writer
	srv      *http.Server
}

func NewServer(cfg *models.Config, db *storage.Storage, c *cache.Cache, producer *kafka.Writer) *Server {
	r := gin.Default()

	s := &Server{cfg: cfg, router: r, db: db, cache: c, producer: producer}

	api := r.Group("/api")

	analysisGroup := api.Group("/analysis", RateLimit(float64(cfg.SubmitRPS)))
	analysisGroup.POST("/image", s.handleSubmitImage)
	analysisGroup.POST("/barcode", s.handleSubmitBarcode)
	analysisGroup.POST("/text", s.handleSubmitText)

	api.GET("/jobs/:id", s.handleGetJob)
	api.GET("/jobs", s.handleListJobsQuery)

	api.POST("/entries", s.handleCreateEntry)
	api.DELETE("/entries/:id", s.handleDeleteEntry)
	api.POST("/entries/:id/favorite", s.handleFavoriteEntry)

	users := api.Group("/users/:id")
	users.GET("/jobs", s.handleListJobs)
	users.GET("/summary/daily", s.handleDailySummary)
	users.GET("/summary/weekly", s.handleWeeklySummary)
	users.GET("/goal", s.handleGoalOnDate)
	users.GET("/goals", s.handleGoalsOnDates)
	users.PUT("/goal", s.handleSetGoal)
	users.GET("/settings", s.handleGetSettings)
	users.PUT("/settings", s.handleUpsertSettings)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return s
}

func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:         s.cfg.ServerAddr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop() {
	if s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.srv.Shutdown(ctx) //nolint:errcheck
}
