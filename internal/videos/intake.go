package videos

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vodhost/backend/internal/metrics"
	"github.com/vodhost/backend/internal/models"
	"github.com/vodhost/backend/pkg/queue"
)

// ErrEnqueue marks a Submit failure that happened after the row was created.
var ErrEnqueue = errors.New("enqueue transcode")

// ValidationError is a client input error reported as 400.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Catalog is the video store used by the HTTP layer.
type Catalog interface {
	Create(ctx context.Context, ownerID uuid.UUID, title, rawPath string) (*models.Video, error)
	Get(ctx context.Context, videoID, ownerID uuid.UUID) (*models.Video, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.VideoSummary, error)
	Finalize(ctx context.Context, videoID, ownerID uuid.UUID, status models.VideoStatus) error
}

// Scheduler hands a transcode job to the background executor. *queue.Queue implements it.
type Scheduler interface {
	EnqueueTranscode(ctx context.Context, p queue.TranscodePayload) (string, error)
}

// UploadRequest is a stored upload waiting to be registered.
type UploadRequest struct {
	OwnerID uuid.UUID
	Title   string
	RawPath string
}

// Intake registers uploads and schedules their transcoding.
type Intake struct {
	catalog   Catalog
	scheduler Scheduler
	logger    *zap.Logger
}

// NewIntake creates an upload intake.
func NewIntake(catalog Catalog, scheduler Scheduler, logger *zap.Logger) *Intake {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Intake{catalog: catalog, scheduler: scheduler, logger: logger}
}

// Submit creates the video row in status processing and enqueues its
// transcode job. If the job cannot be enqueued the row is marked failed so
// it does not stay processing forever.
func (i *Intake) Submit(ctx context.Context, req UploadRequest) (*models.Video, error) {
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		return nil, &ValidationError{Msg: "title is required"}
	}
	if req.RawPath == "" {
		return nil, &ValidationError{Msg: "video file is required"}
	}

	v, err := i.catalog.Create(ctx, req.OwnerID, req.Title, req.RawPath)
	if err != nil {
		return nil, err
	}
	log := i.logger.With(zap.String("video_id", v.ID.String()), zap.String("owner_id", req.OwnerID.String()))

	jobID, err := i.scheduler.EnqueueTranscode(ctx, queue.TranscodePayload{
		VideoID: v.ID,
		OwnerID: req.OwnerID,
		RawPath: req.RawPath,
	})
	if err != nil {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if ferr := i.catalog.Finalize(fctx, v.ID, req.OwnerID, models.VideoStatusFailed); ferr != nil && !errors.Is(ferr, models.ErrStatusFinal) {
			log.Error("mark video failed after enqueue error", zap.Error(ferr))
		}
		return nil, fmt.Errorf("%w: %v", ErrEnqueue, err)
	}
	metrics.QueueJobsTotal.WithLabelValues("enqueued").Inc()
	log.Info("upload accepted", zap.String("job_id", jobID), zap.String("raw_path", req.RawPath))
	return v, nil
}
