// Package transcode turns an uploaded file into one rendition per quality
// profile and records the aggregate outcome in the video catalog.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vodhost/backend/internal/metrics"
	"github.com/vodhost/backend/internal/models"
	"github.com/vodhost/backend/pkg/storage"
)

var (
	// ErrTaskTimeout marks a task that exceeded its per-task deadline.
	ErrTaskTimeout = errors.New("transcode task timed out")
	// ErrInterrupted marks a run cut short by shutdown. Nothing terminal was
	// committed and the job should be requeued.
	ErrInterrupted = errors.New("transcode interrupted")
)

const (
	finalizeTimeout  = 10 * time.Second
	finalizeAttempts = 3
)

// Store is the part of the video catalog the orchestrator writes to.
// Both methods must be conditional on (video, owner, status=processing)
// and return models.ErrStatusFinal when nothing matched.
type Store interface {
	SetVariant(ctx context.Context, videoID, ownerID uuid.UUID, profile, path string) error
	Finalize(ctx context.Context, videoID, ownerID uuid.UUID, status models.VideoStatus) error
}

// Archiver copies finished renditions somewhere durable. Optional.
type Archiver interface {
	Archive(ctx context.Context, videoID uuid.UUID, variants map[string]string) error
}

// Job identifies one upload to process.
type Job struct {
	VideoID uuid.UUID
	OwnerID uuid.UUID
	RawPath string
}

// Config holds orchestrator settings.
type Config struct {
	ContentRoot     string
	OutputExt       string
	TaskTimeout     time.Duration
	FinalizeBackoff time.Duration // pause between catalog write attempts
}

// TaskError is a failed rendition.
type TaskError struct {
	Profile string
	Err     error
}

func (e *TaskError) Error() string { return fmt.Sprintf("profile %s: %v", e.Profile, e.Err) }
func (e *TaskError) Unwrap() error { return e.Err }

// TaskResult is the terminal outcome of one profile task.
type TaskResult struct {
	Profile  string
	Output   string
	Duration time.Duration
	Err      error
}

// Aggregate returns ready only when every task succeeded.
func Aggregate(results []TaskResult) models.VideoStatus {
	if len(results) == 0 {
		return models.VideoStatusFailed
	}
	for _, r := range results {
		if r.Err != nil {
			return models.VideoStatusFailed
		}
	}
	return models.VideoStatusReady
}

// Orchestrator fans one transcode task out per profile, joins them, and
// commits a single terminal status.
type Orchestrator struct {
	store    Store
	engine   Engine
	profiles []Profile
	cfg      Config
	archiver Archiver
	logger   *zap.Logger
}

// NewOrchestrator creates an orchestrator. profiles is copied and never mutated.
func NewOrchestrator(store Store, engine Engine, profiles []Profile, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.OutputExt == "" {
		cfg.OutputExt = "mp4"
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Minute
	}
	if cfg.FinalizeBackoff <= 0 {
		cfg.FinalizeBackoff = time.Second
	}
	ps := make([]Profile, len(profiles))
	copy(ps, profiles)
	return &Orchestrator{store: store, engine: engine, profiles: ps, cfg: cfg, logger: logger}
}

// SetArchiver enables copying renditions after a ready commit.
func (o *Orchestrator) SetArchiver(a Archiver) { o.archiver = a }

// Profiles returns a copy of the configured profiles.
func (o *Orchestrator) Profiles() []Profile {
	out := make([]Profile, len(o.profiles))
	copy(out, o.profiles)
	return out
}

// OutputPath returns where the rendition for p of videoID is written.
func (o *Orchestrator) OutputPath(videoID uuid.UUID, p Profile) string {
	return storage.VariantPath(o.cfg.ContentRoot, videoID.String(), p.Name, o.cfg.OutputExt)
}

// Run processes job and returns the aggregate status it committed.
//
// Task failures never produce an error: they become status failed. An error
// is returned when ctx was cancelled before every task succeeded (wrapping
// ErrInterrupted, nothing committed) or when the final catalog write kept
// failing for a reason other than the video already being terminal. In both
// cases the caller may requeue the job; renditions already on disk are
// reused instead of being encoded again.
func (o *Orchestrator) Run(ctx context.Context, job Job) (models.VideoStatus, error) {
	log := o.logger.With(zap.String("video_id", job.VideoID.String()), zap.String("owner_id", job.OwnerID.String()))
	start := time.Now()

	results, err := o.fanOut(ctx, job, log)
	status := models.VideoStatusFailed
	if err != nil {
		log.Error("transcode setup failed", zap.Error(err))
	} else {
		status = Aggregate(results)
	}

	if status != models.VideoStatusReady && ctx.Err() != nil {
		log.Warn("transcode interrupted; video left processing", zap.Error(ctx.Err()))
		return models.VideoStatusProcessing, fmt.Errorf("%w: %v", ErrInterrupted, ctx.Err())
	}

	if err := o.finalize(ctx, job, status, log); err != nil {
		if errors.Is(err, models.ErrStatusFinal) {
			log.Warn("video already terminal; status left unchanged", zap.String("computed", string(status)))
			return status, nil
		}
		return status, fmt.Errorf("finalize %s: %w", job.VideoID, err)
	}
	metrics.VideosFinalizedTotal.WithLabelValues(string(status)).Inc()
	log.Info("transcode finished", zap.String("status", string(status)), zap.Duration("elapsed", time.Since(start)))

	if status == models.VideoStatusReady && o.archiver != nil {
		variants := make(map[string]string, len(results))
		for _, r := range results {
			variants[r.Profile] = r.Output
		}
		if err := o.archiver.Archive(ctx, job.VideoID, variants); err != nil {
			log.Warn("archive renditions failed", zap.Error(err))
		}
	}
	return status, nil
}

// finalize commits status, retrying transient catalog errors. The join is
// done, so it runs detached from ctx.
func (o *Orchestrator) finalize(ctx context.Context, job Job, status models.VideoStatus, log *zap.Logger) error {
	dctx := context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= finalizeAttempts; attempt++ {
		fctx, cancel := context.WithTimeout(dctx, finalizeTimeout)
		err = o.store.Finalize(fctx, job.VideoID, job.OwnerID, status)
		cancel()
		if err == nil || errors.Is(err, models.ErrStatusFinal) {
			return err
		}
		log.Warn("finalize failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt < finalizeAttempts {
			time.Sleep(o.cfg.FinalizeBackoff)
		}
	}
	return err
}

// fanOut runs every profile task concurrently and waits for all of them.
// A failing task does not cancel its siblings.
func (o *Orchestrator) fanOut(ctx context.Context, job Job, log *zap.Logger) ([]TaskResult, error) {
	if job.RawPath == "" {
		return nil, errors.New("empty raw path")
	}
	if len(o.profiles) == 0 {
		return nil, errors.New("no profiles configured")
	}
	dir := storage.VariantDir(o.cfg.ContentRoot, job.VideoID.String())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	results := make([]TaskResult, len(o.profiles))
	var g errgroup.Group
	for i, p := range o.profiles {
		g.Go(func() error {
			results[i] = o.runTask(ctx, job, p, log)
			return results[i].Err
		})
	}
	if err := g.Wait(); err != nil {
		log.Debug("at least one task failed", zap.Error(err))
	}
	return results, nil
}

func (o *Orchestrator) runTask(ctx context.Context, job Job, p Profile, log *zap.Logger) TaskResult {
	out := o.OutputPath(job.VideoID, p)
	res := TaskResult{Profile: p.Name, Output: out}
	log = log.With(zap.String("profile", p.Name))

	metrics.TranscodeTasksInFlight.Inc()
	defer metrics.TranscodeTasksInFlight.Dec()

	outcome := "success"
	start := time.Now()
	var err error
	if complete(out) {
		outcome = "reused"
		log.Info("rendition already on disk; skipping engine", zap.String("output", out))
	} else {
		err = o.transcode(ctx, job.RawPath, p, out)
	}
	res.Duration = time.Since(start)
	metrics.TranscodeTaskDuration.WithLabelValues(p.Name).Observe(res.Duration.Seconds())

	if err == nil {
		if err = o.store.SetVariant(ctx, job.VideoID, job.OwnerID, p.Name, out); err != nil {
			err = fmt.Errorf("record variant: %w", err)
		}
	}
	if err != nil {
		res.Err = &TaskError{Profile: p.Name, Err: err}
		outcome = "failure"
		if errors.Is(err, ErrTaskTimeout) {
			outcome = "timeout"
		}
		metrics.TranscodeTasksTotal.WithLabelValues(p.Name, outcome).Inc()
		log.Error("transcode task failed", zap.Duration("elapsed", res.Duration), zap.Error(err))
		return res
	}
	metrics.TranscodeTasksTotal.WithLabelValues(p.Name, outcome).Inc()
	log.Info("transcode task done", zap.Duration("elapsed", res.Duration), zap.String("output", out))
	return res
}

// transcode invokes the engine under the per-task deadline. The engine
// writes to a partial path that is renamed to out only once it holds a
// non-empty file, so out never exists half-written.
func (o *Orchestrator) transcode(ctx context.Context, input string, p Profile, out string) error {
	tctx, cancel := context.WithTimeout(ctx, o.cfg.TaskTimeout)
	defer cancel()

	part := partialPath(out)
	defer os.Remove(part)

	err := o.engine.Transcode(tctx, input, p, part)
	if errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTaskTimeout, o.cfg.TaskTimeout)
	}
	if err != nil {
		return err
	}
	info, err := os.Stat(part)
	if err != nil {
		return fmt.Errorf("output missing: %w", err)
	}
	if info.Size() == 0 {
		return errors.New("output is empty")
	}
	if err := os.Rename(part, out); err != nil {
		return fmt.Errorf("commit output: %w", err)
	}
	return nil
}

// partialPath keeps the extension last so ffmpeg still infers the container.
func partialPath(out string) string {
	ext := filepath.Ext(out)
	return strings.TrimSuffix(out, ext) + ".part" + ext
}

func complete(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}
