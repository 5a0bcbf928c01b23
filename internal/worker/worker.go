// Package worker consumes transcode jobs from the Redis queue and hands them
// to the orchestrator.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vodhost/backend/internal/metrics"
	"github.com/vodhost/backend/internal/models"
	"github.com/vodhost/backend/internal/transcode"
	"github.com/vodhost/backend/pkg/queue"
)

// errInvalidJob marks jobs that can never succeed and are not retried.
var errInvalidJob = errors.New("invalid job")

// JobSource is the queue the processor consumes. *queue.Queue implements it.
type JobSource interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
	Requeue(ctx context.Context, job *queue.Job) error
}

// Runner executes one transcode job. *transcode.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, job transcode.Job) (models.VideoStatus, error)
}

// TranscodeProcessor runs transcode jobs with a fixed number of consumers.
// Videos are independent, so consumers never coordinate.
type TranscodeProcessor struct {
	source      JobSource
	runner      Runner
	concurrency int
	backoff     time.Duration
	logger      *zap.Logger
}

// NewTranscodeProcessor creates a processor with concurrency consumers (min 1).
func NewTranscodeProcessor(source JobSource, runner Runner, concurrency int, logger *zap.Logger) *TranscodeProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &TranscodeProcessor{
		source:      source,
		runner:      runner,
		concurrency: concurrency,
		backoff:     queue.RetryBackoff,
		logger:      logger,
	}
}

// SetBackoff overrides the pause after a failed job or a queue error.
func (p *TranscodeProcessor) SetBackoff(d time.Duration) { p.backoff = d }

// Process executes one transcode job. Task failures are not errors here: the
// orchestrator records them as status failed. An error means the job should
// be retried, unless it wraps errInvalidJob.
func (p *TranscodeProcessor) Process(ctx context.Context, job *queue.Job) error {
	payload, err := job.TranscodePayload()
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidJob, err)
	}
	status, err := p.runner.Run(ctx, transcode.Job{
		VideoID: payload.VideoID,
		OwnerID: payload.OwnerID,
		RawPath: payload.RawPath,
	})
	if err != nil {
		return err
	}
	p.logger.Info("transcode job done",
		zap.String("job_id", job.ID),
		zap.String("video_id", payload.VideoID.String()),
		zap.String("status", string(status)),
	)
	return nil
}

// Run starts the consumers and blocks until ctx is cancelled and all of them
// have returned.
func (p *TranscodeProcessor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.consume(ctx, p.logger.With(zap.Int("consumer", id)))
		}(i)
	}
	p.logger.Info("transcode worker started", zap.Int("consumers", p.concurrency))
	wg.Wait()
	p.logger.Info("transcode worker stopped")
}

// consume is one dequeue, process, retry loop.
func (p *TranscodeProcessor) consume(ctx context.Context, log *zap.Logger) {
	for ctx.Err() == nil {
		job, err := p.source.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("dequeue error", zap.Error(err))
			sleep(ctx, p.backoff)
			continue
		}
		if job == nil {
			continue
		}

		log.Debug("processing job", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		err = p.Process(ctx, job)
		switch {
		case err == nil:
			metrics.QueueJobsTotal.WithLabelValues("processed").Inc()
		case errors.Is(err, transcode.ErrInterrupted):
			metrics.QueueJobsTotal.WithLabelValues("requeued").Inc()
			log.Warn("job interrupted; requeueing", zap.String("job_id", job.ID))
			if reErr := p.source.Requeue(context.WithoutCancel(ctx), job); reErr != nil {
				log.Error("requeue failed", zap.String("job_id", job.ID), zap.Error(reErr))
			}
		case errors.Is(err, errInvalidJob):
			metrics.QueueJobsTotal.WithLabelValues("invalid").Inc()
			log.Error("dropping invalid job", zap.String("job_id", job.ID), zap.Error(err))
		default:
			metrics.QueueJobsTotal.WithLabelValues("retried").Inc()
			log.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			// the job must survive shutdown, so re-enqueue detached from ctx
			if reErr := p.source.Retry(context.WithoutCancel(ctx), job); reErr != nil {
				log.Error("retry enqueue failed", zap.String("job_id", job.ID), zap.Error(reErr))
			}
			sleep(ctx, p.backoff)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
