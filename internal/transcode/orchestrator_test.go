package transcode

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vodhost/backend/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memStore mimics the conditional catalog writes of the Postgres repository.
type memStore struct {
	mu            sync.Mutex
	videos        map[uuid.UUID]*models.Video
	events        []string
	finalizeErr   error
	finalizeFails int // leading Finalize calls that fail with finalizeErr; 0 means all
	finalizeCalls int
}

func newMemStore() *memStore {
	return &memStore{videos: make(map[uuid.UUID]*models.Video)}
}

func (s *memStore) add(owner uuid.UUID) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.videos[id] = &models.Video{ID: id, OwnerID: owner, Status: models.VideoStatusProcessing, VariantPaths: map[string]string{}}
	return id
}

func (s *memStore) get(id uuid.UUID) models.Video {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := *s.videos[id]
	v.VariantPaths = make(map[string]string, len(s.videos[id].VariantPaths))
	for k, p := range s.videos[id].VariantPaths {
		v.VariantPaths[k] = p
	}
	return v
}

func (s *memStore) setStatus(id uuid.UUID, st models.VideoStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videos[id].Status = st
}

func (s *memStore) SetVariant(_ context.Context, videoID, ownerID uuid.UUID, profile, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.videos[videoID]
	if !ok || v.OwnerID != ownerID || v.Status != models.VideoStatusProcessing {
		return models.ErrStatusFinal
	}
	v.VariantPaths[profile] = path
	s.events = append(s.events, "variant:"+profile)
	return nil
}

func (s *memStore) Finalize(_ context.Context, videoID, ownerID uuid.UUID, status models.VideoStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizeCalls++
	if s.finalizeErr != nil && (s.finalizeFails == 0 || s.finalizeCalls <= s.finalizeFails) {
		return s.finalizeErr
	}
	v, ok := s.videos[videoID]
	if !ok || v.OwnerID != ownerID || !models.CanTransition(v.Status, status) {
		return models.ErrStatusFinal
	}
	v.Status = status
	s.events = append(s.events, "finalize:"+string(status))
	return nil
}

func (s *memStore) eventLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

// fakeEngine writes a small file per rendition unless told otherwise.
type fakeEngine struct {
	fail   map[string]error
	delay  map[string]time.Duration
	noFile map[string]bool
	calls  atomic.Int32
}

func (e *fakeEngine) Transcode(ctx context.Context, _ string, p Profile, output string) error {
	e.calls.Add(1)
	if d := e.delay[p.Name]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := e.fail[p.Name]; err != nil {
		// leave a partial file behind like a crashed encoder would
		_ = os.WriteFile(output, []byte("partial"), 0o600)
		return err
	}
	if e.noFile[p.Name] {
		return nil
	}
	return os.WriteFile(output, []byte("rendition "+p.Name), 0o600)
}

type fakeArchiver struct {
	mu    sync.Mutex
	calls []map[string]string
}

func (a *fakeArchiver) Archive(_ context.Context, _ uuid.UUID, variants map[string]string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, variants)
	return nil
}

func newTestOrchestrator(t *testing.T, store Store, engine Engine) (*Orchestrator, string) {
	t.Helper()
	root := t.TempDir()
	o := NewOrchestrator(store, engine, DefaultProfiles(), Config{ContentRoot: root, OutputExt: "mp4", TaskTimeout: 5 * time.Second, FinalizeBackoff: time.Millisecond}, nil)
	return o, root
}

func TestRunAllProfilesSucceed(t *testing.T) {
	store := newMemStore()
	engine := &fakeEngine{}
	o, root := newTestOrchestrator(t, store, engine)
	owner := uuid.New()
	id := store.add(owner)

	status, err := o.Run(context.Background(), Job{VideoID: id, OwnerID: owner, RawPath: "/raw/in.mp4"})
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusReady, status)
	assert.EqualValues(t, 3, engine.calls.Load())

	v := store.get(id)
	assert.Equal(t, models.VideoStatusReady, v.Status)
	for _, p := range DefaultProfiles() {
		path, ok := v.VariantPath(p.Name)
		require.True(t, ok, p.Name)
		assert.Equal(t, filepath.Join(root, id.String(), p.Name+".mp4"), path)
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Positive(t, info.Size())
	}

	events := store.eventLog()
	require.Len(t, events, 4)
	assert.Equal(t, "finalize:ready", events[3], "status must be committed after every variant")
}

func TestRunOneFailureFailsVideo(t *testing.T) {
	store := newMemStore()
	engine := &fakeEngine{fail: map[string]error{"720p": errors.New("exit status 1")}}
	o, root := newTestOrchestrator(t, store, engine)
	owner := uuid.New()
	id := store.add(owner)

	status, err := o.Run(context.Background(), Job{VideoID: id, OwnerID: owner, RawPath: "/raw/in.mp4"})
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusFailed, status)

	v := store.get(id)
	assert.Equal(t, models.VideoStatusFailed, v.Status)
	assert.Len(t, v.VariantPaths, 2, "successful renditions stay recorded")
	assert.NoFileExists(t, filepath.Join(root, id.String(), "720p.mp4"), "a failed rendition never reaches its final path")
	assert.NoFileExists(t, filepath.Join(root, id.String(), "720p.part.mp4"))

	events := store.eventLog()
	assert.Equal(t, "finalize:failed", events[len(events)-1])
}

func TestRunFailureDoesNotCancelSiblings(t *testing.T) {
	store := newMemStore()
	engine := &fakeEngine{
		fail:  map[string]error{"1080p": errors.New("boom")},
		delay: map[string]time.Duration{"720p": 50 * time.Millisecond, "480p": 80 * time.Millisecond},
	}
	o, _ := newTestOrchestrator(t, store, engine)
	owner := uuid.New()
	id := store.add(owner)

	status, err := o.Run(context.Background(), Job{VideoID: id, OwnerID: owner, RawPath: "/raw/in.mp4"})
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusFailed, status)

	v := store.get(id)
	assert.Contains(t, v.VariantPaths, "720p")
	assert.Contains(t, v.VariantPaths, "480p")
}

func TestRunMissingOutputCountsAsFailure(t *testing.T) {
	store := newMemStore()
	engine := &fakeEngine{noFile: map[string]bool{"480p": true}}
	o, _ := newTestOrchestrator(t, store, engine)
	owner := uuid.New()
	id := store.add(owner)

	status, err := o.Run(context.Background(), Job{VideoID: id, OwnerID: owner, RawPath: "/raw/in.mp4"})
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusFailed, status)
	assert.NotContains(t, store.get(id).VariantPaths, "480p")
}

func TestRunTaskTimeout(t *testing.T) {
	store := newMemStore()
	engine := &fakeEngine{delay: map[string]time.Duration{"1080p": time.Minute}}
	root := t.TempDir()
	o := NewOrchestrator(store, engine, DefaultProfiles(), Config{ContentRoot: root, TaskTimeout: 50 * time.Millisecond}, nil)
	owner := uuid.New()
	id := store.add(owner)

	start := time.Now()
	status, err := o.Run(context.Background(), Job{VideoID: id, OwnerID: owner, RawPath: "/raw/in.mp4"})
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusFailed, status)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunTasksAreConcurrent(t *testing.T) {
	store := newMemStore()
	var started sync.WaitGroup
	started.Add(3)
	engine := &barrierEngine{started: &started}
	o, _ := newTestOrchestrator(t, store, engine)
	owner := uuid.New()
	id := store.add(owner)

	status, err := o.Run(context.Background(), Job{VideoID: id, OwnerID: owner, RawPath: "/raw/in.mp4"})
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusReady, status, "every task must be running before any finishes")
}

// barrierEngine only completes once all three tasks have started.
type barrierEngine struct {
	started *sync.WaitGroup
}

func (e *barrierEngine) Transcode(ctx context.Context, _ string, p Profile, output string) error {
	e.started.Done()
	done := make(chan struct{})
	go func() {
		e.started.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return os.WriteFile(output, []byte(p.Name), 0o600)
}

func TestRunTerminalStatusIsSticky(t *testing.T) {
	store := newMemStore()
	o, _ := newTestOrchestrator(t, store, &fakeEngine{})
	owner := uuid.New()
	id := store.add(owner)
	store.setStatus(id, models.VideoStatusFailed)

	status, err := o.Run(context.Background(), Job{VideoID: id, OwnerID: owner, RawPath: "/raw/in.mp4"})
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusFailed, status, "variants could not be recorded")
	assert.Equal(t, models.VideoStatusFailed, store.get(id).Status)

	// a stray late completion cannot flip a ready video either
	id2 := store.add(owner)
	_, err = o.Run(context.Background(), Job{VideoID: id2, OwnerID: owner, RawPath: "/raw/in.mp4"})
	require.NoError(t, err)
	require.Equal(t, models.VideoStatusReady, store.get(id2).Status)
	assert.ErrorIs(t, store.Finalize(context.Background(), id2, owner, models.VideoStatusFailed), models.ErrStatusFinal)
	assert.Equal(t, models.VideoStatusReady, store.get(id2).Status)
}

func TestRunScopedByOwner(t *testing.T) {
	store := newMemStore()
	o, _ := newTestOrchestrator(t, store, &fakeEngine{})
	owner := uuid.New()
	id := store.add(owner)

	_, err := o.Run(context.Background(), Job{VideoID: id, OwnerID: uuid.New(), RawPath: "/raw/in.mp4"})
	require.NoError(t, err)
	v := store.get(id)
	assert.Equal(t, models.VideoStatusProcessing, v.Status, "another owner's job must not touch the row")
	assert.Empty(t, v.VariantPaths)
}

func TestRunFinalizeErrorIsReturned(t *testing.T) {
	store := newMemStore()
	store.finalizeErr = errors.New("connection refused")
	o, _ := newTestOrchestrator(t, store, &fakeEngine{})
	owner := uuid.New()
	id := store.add(owner)

	_, err := o.Run(context.Background(), Job{VideoID: id, OwnerID: owner, RawPath: "/raw/in.mp4"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, finalizeAttempts, store.finalizeCalls)
}

func TestRunFinalizeRetriesTransientErrors(t *testing.T) {
	store := newMemStore()
	store.finalizeErr = errors.New("connection reset")
	store.finalizeFails = finalizeAttempts - 1
	engine := &fakeEngine{}
	o, _ := newTestOrchestrator(t, store, engine)
	owner := uuid.New()
	id := store.add(owner)

	status, err := o.Run(context.Background(), Job{VideoID: id, OwnerID: owner, RawPath: "/raw/in.mp4"})
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusReady, status)
	assert.Equal(t, models.VideoStatusReady, store.get(id).Status)
	assert.EqualValues(t, 3, engine.calls.Load(), "only the catalog write is retried")
}

func TestRunRerunReusesCompletedRenditions(t *testing.T) {
	store := newMemStore()
	store.finalizeErr = errors.New("connection refused")
	engine := &fakeEngine{}
	o, _ := newTestOrchestrator(t, store, engine)
	owner := uuid.New()
	id := store.add(owner)
	job := Job{VideoID: id, OwnerID: owner, RawPath: "/raw/in.mp4"}

	_, err := o.Run(context.Background(), job)
	require.Error(t, err)
	require.Equal(t, models.VideoStatusProcessing, store.get(id).Status)

	store.mu.Lock()
	store.finalizeErr = nil
	store.mu.Unlock()

	status, err := o.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusReady, status)
	assert.EqualValues(t, 3, engine.calls.Load(), "renditions on disk are not encoded again")
	assert.Len(t, store.get(id).VariantPaths, 3)
}

func TestRunInterruptedLeavesVideoProcessing(t *testing.T) {
	store := newMemStore()
	engine := &fakeEngine{delay: map[string]time.Duration{"1080p": time.Minute, "720p": time.Minute}}
	o, root := newTestOrchestrator(t, store, engine)
	owner := uuid.New()
	id := store.add(owner)
	job := Job{VideoID: id, OwnerID: owner, RawPath: "/raw/in.mp4"}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	status, err := o.Run(ctx, job)
	require.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, models.VideoStatusProcessing, status)
	assert.Equal(t, models.VideoStatusProcessing, store.get(id).Status)
	assert.NotContains(t, store.eventLog(), "finalize:failed")
	assert.NoFileExists(t, filepath.Join(root, id.String(), "1080p.part.mp4"))

	// after a restart the job completes and only the interrupted profiles run again
	engine.delay = nil
	status, err = o.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusReady, status)
	assert.Equal(t, models.VideoStatusReady, store.get(id).Status)
	assert.EqualValues(t, 5, engine.calls.Load())
}

func TestRunEmptyRawPathFails(t *testing.T) {
	store := newMemStore()
	engine := &fakeEngine{}
	o, _ := newTestOrchestrator(t, store, engine)
	owner := uuid.New()
	id := store.add(owner)

	status, err := o.Run(context.Background(), Job{VideoID: id, OwnerID: owner})
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusFailed, status)
	assert.Zero(t, engine.calls.Load())
}

func TestRunConcurrentVideosAreIndependent(t *testing.T) {
	store := newMemStore()
	engine := &pathFailEngine{failInput: "/raw/bad.mp4"}
	o, root := newTestOrchestrator(t, store, engine)
	owner := uuid.New()
	good := store.add(owner)
	bad := store.add(owner)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = o.Run(context.Background(), Job{VideoID: good, OwnerID: owner, RawPath: "/raw/good.mp4"})
	}()
	go func() {
		defer wg.Done()
		_, _ = o.Run(context.Background(), Job{VideoID: bad, OwnerID: owner, RawPath: "/raw/bad.mp4"})
	}()
	wg.Wait()

	assert.Equal(t, models.VideoStatusReady, store.get(good).Status)
	assert.Equal(t, models.VideoStatusFailed, store.get(bad).Status)
	for _, p := range store.get(good).VariantPaths {
		assert.Equal(t, filepath.Join(root, good.String()), filepath.Dir(p))
	}
	assert.Empty(t, store.get(bad).VariantPaths)
}

type pathFailEngine struct {
	failInput string
}

func (e *pathFailEngine) Transcode(_ context.Context, input string, p Profile, output string) error {
	if input == e.failInput {
		return errors.New("invalid data found when processing input")
	}
	return os.WriteFile(output, []byte(input+p.Name), 0o600)
}

func TestArchiverOnlyAfterReady(t *testing.T) {
	store := newMemStore()
	arch := &fakeArchiver{}
	o, _ := newTestOrchestrator(t, store, &fakeEngine{})
	o.SetArchiver(arch)
	owner := uuid.New()

	_, err := o.Run(context.Background(), Job{VideoID: store.add(owner), OwnerID: owner, RawPath: "/raw/in.mp4"})
	require.NoError(t, err)

	failing, _ := newTestOrchestrator(t, store, &fakeEngine{fail: map[string]error{"480p": errors.New("x")}})
	failing.SetArchiver(arch)
	_, err = failing.Run(context.Background(), Job{VideoID: store.add(owner), OwnerID: owner, RawPath: "/raw/in.mp4"})
	require.NoError(t, err)

	require.Len(t, arch.calls, 1)
	assert.Len(t, arch.calls[0], 3)
}

func TestAggregate(t *testing.T) {
	assert.Equal(t, models.VideoStatusFailed, Aggregate(nil))
	assert.Equal(t, models.VideoStatusReady, Aggregate([]TaskResult{{Profile: "a"}, {Profile: "b"}}))
	assert.Equal(t, models.VideoStatusFailed, Aggregate([]TaskResult{{Profile: "a"}, {Profile: "b", Err: errors.New("x")}}))
}

func TestPartialPathKeepsExtension(t *testing.T) {
	assert.Equal(t, "/c/v/720p.part.mp4", partialPath("/c/v/720p.mp4"))
	assert.Equal(t, "/c/v/720p.part", partialPath("/c/v/720p"))
}

func TestTaskErrorUnwraps(t *testing.T) {
	err := error(&TaskError{Profile: "720p", Err: ErrTaskTimeout})
	assert.ErrorIs(t, err, ErrTaskTimeout)
	assert.Contains(t, err.Error(), "720p")
}
