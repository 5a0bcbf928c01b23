package transcode

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vodhost/backend/internal/metrics"
	"github.com/vodhost/backend/pkg/storage"
)

// ObjectUploader uploads a local file under an object key. *storage.S3 implements it.
type ObjectUploader interface {
	UploadFile(ctx context.Context, key, filePath string) error
}

// ObjectArchiver mirrors ready renditions to object storage under
// videos/<video_id>/<profile>.<ext>.
type ObjectArchiver struct {
	uploader ObjectUploader
	ext      string
	logger   *zap.Logger
}

// NewObjectArchiver creates an archiver writing keys with the given extension.
func NewObjectArchiver(uploader ObjectUploader, ext string, logger *zap.Logger) *ObjectArchiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ObjectArchiver{uploader: uploader, ext: ext, logger: logger}
}

// Archive uploads every variant; it keeps going after a failure and returns
// the joined errors.
func (a *ObjectArchiver) Archive(ctx context.Context, videoID uuid.UUID, variants map[string]string) error {
	names := make([]string, 0, len(variants))
	for name := range variants {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		key := storage.VariantKey(videoID.String(), name, a.ext)
		if err := a.uploader.UploadFile(ctx, key, variants[name]); err != nil {
			metrics.ArchiveUploadsTotal.WithLabelValues("failure").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		metrics.ArchiveUploadsTotal.WithLabelValues("success").Inc()
		a.logger.Info("rendition archived", zap.String("video_id", videoID.String()), zap.String("key", key))
	}
	return errors.Join(errs...)
}
