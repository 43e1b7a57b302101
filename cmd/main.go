package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/RyderHornbeck/waterai-server/internal/analysis"
	"github.com/RyderHornbeck/waterai-server/internal/cache"
	"github.com/RyderHornbeck/waterai-server/internal/models"
	"github.com/RyderHornbeck/waterai-server/internal/server"
	"github.com/RyderHornbeck/waterai-server/internal/storage"
	"github.com/RyderHornbeck/waterai-server/internal/worker"
)

func main() {
	cfg, err := models.LoadConfig("config.yaml")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	c := cache.New(time.Duration(cfg.CacheTTLSeconds) * time.Second)
	defer c.Close()

	db, err := storage.NewStorage(cfg.DatabaseURL, c, storage.RateLimits{
		Manual: cfg.DailyManualLimit,
		Text:   cfg.DailyTextLimit,
		Image:  cfg.DailyImageLimit,
	})
	if err != nil {
		log.Fatalf("failed to init storage: %v", err)
	}
	defer db.Close()

	provider := analysis.NewHTTPProvider(cfg.ProviderURL, cfg.ProviderAPIKey,
		time.Duration(cfg.ProviderTimeout)*time.Second)
	registry := analysis.NewRegistry(provider, db)
	w := worker.New(db, registry,
		cfg.BatchSize, time.Duration(cfg.LeaseSeconds)*time.Second)

	// Kafka producer
	producer := kafka.NewWriter(kafka.WriterConfig{
		Brokers: []string{cfg.KafkaBroker},
		Topic:   cfg.KafkaTopic,
	})

	ctx, cancel := context.WithCancel(context.Background())

	// Consumer: each submission message triggers a drain of the pending
	// backlog. Messages only wake workers, they carry no job state.
	go func() {
		consumer := kafka.NewReader(kafka.ReaderConfig{
			Brokers: []string{cfg.KafkaBroker},
			Topic:   cfg.KafkaTopic,
			GroupID: "analysis-worker-group",
		})
		defer consumer.Close()

		for {
			_, err := consumer.ReadMessage(ctx)
			if err != nil {
				if err == context.Canceled {
					return
				}
				log.Printf("error reading message: %v", err)
				continue
			}
			if err := w.Drain(ctx); err != nil {
				log.Printf("error draining jobs: %v", err)
			}
		}
	}()

	// Reaper: requeues jobs whose leases expired on a dead worker.
	go w.RunReaper(ctx, time.Duration(cfg.ReaperSeconds)*time.Second)

	srv := server.NewServer(cfg, db, c, producer)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	cancel()
	srv.Stop()
	producer.Close()
}
