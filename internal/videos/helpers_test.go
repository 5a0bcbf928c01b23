package videos

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/vodhost/backend/internal/middleware"
	"github.com/vodhost/backend/internal/models"
	"github.com/vodhost/backend/pkg/queue"
)

// memCatalog is an in-memory Catalog with the same owner scoping and
// conditional status writes as Repository.
type memCatalog struct {
	mu        sync.Mutex
	videos    map[uuid.UUID]*models.Video
	createErr error
}

func newMemCatalog() *memCatalog {
	return &memCatalog{videos: make(map[uuid.UUID]*models.Video)}
}

func (m *memCatalog) Create(_ context.Context, ownerID uuid.UUID, title, rawPath string) (*models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	now := time.Now()
	v := &models.Video{
		ID:           uuid.New(),
		OwnerID:      ownerID,
		Title:        title,
		Status:       models.VideoStatusProcessing,
		RawPath:      rawPath,
		VariantPaths: map[string]string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.videos[v.ID] = v
	cp := *v
	return &cp, nil
}

func (m *memCatalog) Get(_ context.Context, videoID, ownerID uuid.UUID) (*models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.videos[videoID]
	if !ok || v.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (m *memCatalog) ListByOwner(_ context.Context, ownerID uuid.UUID) ([]models.VideoSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var owned []*models.Video
	for _, v := range m.videos {
		if v.OwnerID == ownerID {
			owned = append(owned, v)
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].CreatedAt.After(owned[j].CreatedAt) })
	list := make([]models.VideoSummary, 0, len(owned))
	for _, v := range owned {
		list = append(list, models.VideoSummary{ID: v.ID, Title: v.Title, Status: v.Status})
	}
	return list, nil
}

func (m *memCatalog) Finalize(_ context.Context, videoID, ownerID uuid.UUID, status models.VideoStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.videos[videoID]
	if !ok || v.OwnerID != ownerID || !models.CanTransition(v.Status, status) {
		return models.ErrStatusFinal
	}
	v.Status = status
	return nil
}

// put stores a fully formed video for read-path tests.
func (m *memCatalog) put(v models.Video) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.VariantPaths == nil {
		v.VariantPaths = map[string]string{}
	}
	m.videos[v.ID] = &v
}

func (m *memCatalog) status(id uuid.UUID) models.VideoStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videos[id].Status
}

func (m *memCatalog) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.videos)
}

type fakeScheduler struct {
	mu   sync.Mutex
	jobs []queue.TranscodePayload
	err  error
}

func (s *fakeScheduler) EnqueueTranscode(_ context.Context, p queue.TranscodePayload) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.jobs = append(s.jobs, p)
	return uuid.NewString(), nil
}

func (s *fakeScheduler) submitted() []queue.TranscodePayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]queue.TranscodePayload(nil), s.jobs...)
}

var errBoom = errors.New("boom")

func newTestRouter(h *Handler, user uuid.UUID) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("")
	g.Use(func(c *gin.Context) {
		c.Set(middleware.ContextUserID, user)
		c.Next()
	})
	h.Register(g)
	return r
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}
