// Package videos implements the video catalog, upload intake and the
// authenticated video endpoints.
package videos

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vodhost/backend/internal/metrics"
	"github.com/vodhost/backend/internal/middleware"
	"github.com/vodhost/backend/internal/models"
	"github.com/vodhost/backend/pkg/response"
	"github.com/vodhost/backend/pkg/storage"
)

// multipartMemory is how much of a multipart body is buffered in memory
// before spilling to temp files.
const multipartMemory = 32 << 20

// Presigner issues download URLs for archived renditions. *storage.S3 implements it.
type Presigner interface {
	Exists(ctx context.Context, key string) (bool, error)
	PresignDownload(ctx context.Context, key string, expires time.Duration) (string, error)
	PresignExpire() time.Duration
}

// HandlerConfig holds handler settings.
type HandlerConfig struct {
	ContentRoot    string
	MaxUploadBytes int64
	OutputExt      string
}

// Handler handles the /videos endpoints.
type Handler struct {
	catalog   Catalog
	intake    *Intake
	presigner Presigner
	cfg       HandlerConfig
	logger    *zap.Logger
}

// NewHandler creates a videos handler.
func NewHandler(catalog Catalog, intake *Intake, cfg HandlerConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.OutputExt == "" {
		cfg.OutputExt = "mp4"
	}
	return &Handler{catalog: catalog, intake: intake, cfg: cfg, logger: logger}
}

// SetPresigner enables GET /videos/:video_id/download-url/:quality.
func (h *Handler) SetPresigner(p Presigner) { h.presigner = p }

// Register mounts the video routes on an authenticated group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.GET("/videos", h.List)
	rg.POST("/videos/upload", h.Upload)
	rg.GET("/videos/stream/:video_id/:quality", h.Stream)
	rg.HEAD("/videos/stream/:video_id/:quality", h.Stream)
	rg.GET("/videos/:video_id", h.Get)
	rg.GET("/videos/:video_id/download-url/:quality", h.DownloadURL)
}

// List handles GET /videos.
func (h *Handler) List(c *gin.Context) {
	ownerID, _ := middleware.UserID(c)
	list, err := h.catalog.ListByOwner(c.Request.Context(), ownerID)
	if err != nil {
		h.logger.Error("list videos failed", zap.Error(err), zap.String("owner_id", ownerID.String()))
		response.Internal(c, "failed to list videos")
		return
	}
	response.OK(c, list)
}

// Get handles GET /videos/:video_id.
func (h *Handler) Get(c *gin.Context) {
	v, ok := h.lookup(c)
	if !ok {
		return
	}
	response.OK(c, v.ToDetail())
}

// Upload handles POST /videos/upload (multipart: title, video).
func (h *Handler) Upload(c *gin.Context) {
	ownerID, _ := middleware.UserID(c)
	if h.cfg.MaxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxUploadBytes)
	}
	if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
		if isTooLarge(err) {
			metrics.UploadsTotal.WithLabelValues("too_large").Inc()
			response.RequestEntityTooLarge(c, "upload exceeds maximum size")
			return
		}
		if isReadTimeout(err) {
			metrics.UploadsTotal.WithLabelValues("timeout").Inc()
			h.logger.Warn("upload body read timed out", zap.Error(err), zap.String("owner_id", ownerID.String()))
			response.RequestTimeout(c, "timed out reading upload")
			return
		}
		metrics.UploadsTotal.WithLabelValues("invalid").Inc()
		response.BadRequest(c, "invalid multipart form")
		return
	}
	defer func() {
		if c.Request.MultipartForm != nil {
			_ = c.Request.MultipartForm.RemoveAll()
		}
	}()

	title := strings.TrimSpace(c.Request.FormValue("title"))
	if title == "" {
		metrics.UploadsTotal.WithLabelValues("invalid").Inc()
		response.BadRequest(c, "title is required")
		return
	}
	file := formFile(c.Request.MultipartForm, "video")
	if file == nil || file.Size <= 0 {
		metrics.UploadsTotal.WithLabelValues("invalid").Inc()
		response.BadRequest(c, "video file is required")
		return
	}

	if err := os.MkdirAll(h.cfg.ContentRoot, 0o750); err != nil {
		h.logger.Error("create content root failed", zap.Error(err))
		response.Internal(c, "failed to store upload")
		return
	}
	rawPath, err := saveUpload(file, h.cfg.ContentRoot)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("error").Inc()
		h.logger.Error("save upload failed", zap.Error(err), zap.String("filename", file.Filename))
		response.Internal(c, "failed to store upload")
		return
	}

	v, err := h.intake.Submit(c.Request.Context(), UploadRequest{OwnerID: ownerID, Title: title, RawPath: rawPath})
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			_ = os.Remove(rawPath)
			metrics.UploadsTotal.WithLabelValues("invalid").Inc()
			response.BadRequest(c, verr.Msg)
			return
		}
		// Once the row exists it references the raw file, so keep it.
		if !errors.Is(err, ErrEnqueue) {
			_ = os.Remove(rawPath)
		}
		metrics.UploadsTotal.WithLabelValues("error").Inc()
		h.logger.Error("submit upload failed", zap.Error(err), zap.String("owner_id", ownerID.String()))
		response.Internal(c, "failed to process upload")
		return
	}

	metrics.UploadsTotal.WithLabelValues("accepted").Inc()
	metrics.UploadBytes.Observe(float64(file.Size))
	response.OK(c, gin.H{"video_id": v.ID, "status": v.Status})
}

// DownloadURL handles GET /videos/:video_id/download-url/:quality and
// returns a pre-signed URL for an archived rendition.
func (h *Handler) DownloadURL(c *gin.Context) {
	if h.presigner == nil {
		response.ServiceUnavailable(c, "object storage not configured")
		return
	}
	v, ok := h.lookup(c)
	if !ok {
		return
	}
	quality := c.Param("quality")
	if v.Status != models.VideoStatusReady {
		response.NotFound(c, "quality not available")
		return
	}
	if _, ok := v.VariantPath(quality); !ok {
		response.NotFound(c, "quality not available")
		return
	}

	key := storage.VariantKey(v.ID.String(), quality, h.cfg.OutputExt)
	exists, err := h.presigner.Exists(c.Request.Context(), key)
	if err != nil {
		h.logger.Error("check archived rendition failed", zap.Error(err), zap.String("key", key))
		response.Internal(c, "failed to generate download URL")
		return
	}
	if !exists {
		response.NotFound(c, "rendition not archived")
		return
	}
	expire := h.presigner.PresignExpire()
	url, err := h.presigner.PresignDownload(c.Request.Context(), key, expire)
	if err != nil {
		h.logger.Error("presign download failed", zap.Error(err), zap.String("key", key))
		response.Internal(c, "failed to generate download URL")
		return
	}
	response.OK(c, gin.H{"download_url": url, "expires_in": int(expire.Seconds())})
}

// lookup resolves :video_id for the caller. An unparsable id, a missing
// video and another owner's video all produce the same 404.
func (h *Handler) lookup(c *gin.Context) (*models.Video, bool) {
	ownerID, _ := middleware.UserID(c)
	videoID, err := uuid.Parse(c.Param("video_id"))
	if err != nil {
		response.NotFound(c, "video not found")
		return nil, false
	}
	v, err := h.catalog.Get(c.Request.Context(), videoID, ownerID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(c, "video not found")
			return nil, false
		}
		h.logger.Error("get video failed", zap.Error(err), zap.String("video_id", videoID.String()))
		response.Internal(c, "failed to load video")
		return nil, false
	}
	return v, true
}

// saveUpload copies an uploaded file into a freshly created raw upload path.
func saveUpload(file *multipart.FileHeader, root string) (string, error) {
	src, err := file.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst, err := storage.CreateRawUpload(root, file.Filename, time.Now())
	if err != nil {
		return "", err
	}
	path := dst.Name()
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

func formFile(form *multipart.Form, field string) *multipart.FileHeader {
	if form == nil || len(form.File[field]) == 0 {
		return nil
	}
	return form.File[field][0]
}

func isReadTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}
