package videos

import (
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vodhost/backend/internal/metrics"
	"github.com/vodhost/backend/internal/models"
	"github.com/vodhost/backend/pkg/httprange"
	"github.com/vodhost/backend/pkg/response"
	"github.com/vodhost/backend/pkg/storage"
)

// Stream handles GET and HEAD /videos/stream/:video_id/:quality.
//
// "original" (or "raw") serves the uploaded file in any status; a profile
// name serves its rendition once the video is ready. Without a Range header
// the whole file is sent with 200; a single byte range gets 206, and a range
// that cannot be served gets 416 with "Content-Range: bytes */size".
func (h *Handler) Stream(c *gin.Context) {
	v, ok := h.lookup(c)
	if !ok {
		metrics.StreamResponsesTotal.WithLabelValues("not_found").Inc()
		return
	}
	path, ok := sourcePath(v, c.Param("quality"))
	if !ok {
		metrics.StreamResponsesTotal.WithLabelValues("not_found").Inc()
		response.NotFound(c, "quality not available")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			h.logger.Error("open video file failed", zap.Error(err), zap.String("video_id", v.ID.String()), zap.String("path", path))
		}
		metrics.StreamResponsesTotal.WithLabelValues("not_found").Inc()
		response.NotFound(c, "video file not found")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		metrics.StreamResponsesTotal.WithLabelValues("not_found").Inc()
		response.NotFound(c, "video file not found")
		return
	}
	size := info.Size()
	contentType := storage.ContentTypeForFilename(path)
	c.Header("Accept-Ranges", "bytes")

	rangeHeader := c.GetHeader("Range")
	if rangeHeader == "" {
		metrics.StreamResponsesTotal.WithLabelValues("full").Inc()
		h.send(c, http.StatusOK, contentType, f, size)
		return
	}

	r, err := httprange.Parse(rangeHeader, size)
	if err != nil {
		metrics.StreamResponsesTotal.WithLabelValues("unsatisfiable").Inc()
		c.Header("Content-Range", httprange.Unsatisfiable(size))
		response.Fail(c, http.StatusRequestedRangeNotSatisfiable, "requested range not satisfiable")
		return
	}
	metrics.StreamResponsesTotal.WithLabelValues("partial").Inc()
	c.Header("Content-Range", r.ContentRange(size))
	h.send(c, http.StatusPartialContent, contentType, io.NewSectionReader(f, r.Start, r.Length()), r.Length())
}

// send writes length bytes from body. HEAD gets the headers only.
func (h *Handler) send(c *gin.Context, status int, contentType string, body io.Reader, length int64) {
	if c.Request.Method == http.MethodHead {
		c.Header("Content-Type", contentType)
		c.Header("Content-Length", strconv.FormatInt(length, 10))
		c.Status(status)
		return
	}
	c.DataFromReader(status, length, contentType, body, nil)
	metrics.StreamBytesTotal.Add(float64(length))
}

// sourcePath maps a quality name to the file backing it.
func sourcePath(v *models.Video, quality string) (string, bool) {
	if quality == models.QualityOriginal || quality == models.QualityRaw {
		return v.RawPath, v.RawPath != ""
	}
	if v.Status != models.VideoStatusReady {
		return "", false
	}
	return v.VariantPath(quality)
}
