// Package worker drains the analysis backlog in waves: claim a bounded batch,
// process every job in it concurrently, repeat until the backlog is empty.
// Claim exclusivity comes from the store, so any number of drains may run at
// once across any number of processes.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/RyderHornbeck/waterai-server/internal/analysis"
	"github.com/RyderHornbeck/waterai-server/internal/models"
)

// Queue is the durable backlog the worker claims from.
type Queue interface {
	ClaimBatch(ctx context.Context, n int, lease time.Duration) ([]*models.AnalysisJob, error)
	Complete(ctx context.Context, id uuid.UUID, result *models.AnalysisResult) error
	FailTransient(ctx context.Context, id uuid.UUID, message string) error
	FailPermanent(ctx context.Context, id uuid.UUID, message string) error
	ReapExpired(ctx context.Context) (int64, error)
}

// Dispatcher resolves a job type to its analysis strategy.
type Dispatcher interface {
	ForType(t models.JobType) (analysis.Strategy, bool)
}

type Worker struct {
	queue     Queue
	dispatch  Dispatcher
	batchSize int
	lease     time.Duration
}

func New(queue Queue, dispatch Dispatcher, batchSize int, lease time.Duration) *Worker {
	return &Worker{queue: queue, dispatch: dispatch, batchSize: batchSize, lease: lease}
}

// Drain claims and processes batches until the backlog is empty. Jobs inside
// one batch run fully in parallel with no ordering among them; batches run
// back to back.
func (w *Worker) Drain(ctx context.Context) error {
	const op = "worker.Drain"

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := w.queue.ClaimBatch(ctx, w.batchSize, w.lease)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if len(batch) == 0 {
			return nil
		}

		var wg sync.WaitGroup
		for _, job := range batch {
			wg.Add(1)
			go func(j *models.AnalysisJob) {
				defer wg.Done()
				w.process(ctx, j)
			}(job)
		}
		wg.Wait()
	}
}

// process runs one claimed job to a terminal or requeued state. Every path
// ends in Complete, FailTransient, or FailPermanent; nothing escapes.
func (w *Worker) process(ctx context.Context, job *models.AnalysisJob) {
	strategy, ok := w.dispatch.ForType(job.Type)
	if !ok {
		w.fail(ctx, job, analysis.Permanent(fmt.Errorf("unknown job type %q", job.Type)))
		return
	}

	result, err := strategy.Analyze(ctx, job)
	if err != nil {
		w.fail(ctx, job, err)
		return
	}

	if err := w.queue.Complete(ctx, job.ID, result); err != nil {
		log.Printf("worker: complete job %s: %v", job.ID, err)
	}
}

func (w *Worker) fail(ctx context.Context, job *models.AnalysisJob, err error) {
	var storeErr error
	if analysis.IsPermanent(err) {
		storeErr = w.queue.FailPermanent(ctx, job.ID, err.Error())
	} else {
		storeErr = w.queue.FailTransient(ctx, job.ID, err.Error())
	}
	if storeErr != nil {
		log.Printf("worker: fail job %s: %v", job.ID, storeErr)
	}
}

// RunReaper periodically requeues processing jobs whose lease expired, which
// is how work claimed by a crashed worker gets back into the backlog. Blocks
// until ctx is done.
func (w *Worker) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.queue.ReapExpired(ctx)
			if err != nil {
				log.Printf("worker: reap expired leases: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("worker: requeued %d jobs with expired leases", n)
				if err := w.Drain(ctx); err != nil && ctx.Err() == nil {
					log.Printf("worker: drain after reap: %v", err)
				}
			}
		}
	}
}

// DecodeResult unmarshals a completed job's result blob.
func DecodeResult(job *models.AnalysisJob) (*models.AnalysisResult, error) {
	if job.Status != models.JobComplete || len(job.Result) == 0 {
		return nil, fmt.Errorf("job %s has no result", job.ID)
	}
	var res models.AnalysisResult
	if err := json.Unmarshal(job.Result, &res); err != nil {
		return nil, fmt.Errorf("decode result for job %s: %w", job.ID, err)
	}
	return &res, nil
}
