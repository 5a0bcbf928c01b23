package videos

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vodhost/backend/internal/models"
)

func TestSubmitCreatesRowAndEnqueues(t *testing.T) {
	cat := newMemCatalog()
	sched := &fakeScheduler{}
	in := NewIntake(cat, sched, nil)
	owner := uuid.New()

	v, err := in.Submit(context.Background(), UploadRequest{OwnerID: owner, Title: "  Holiday  ", RawPath: "/c/1-a.mp4"})
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusProcessing, v.Status)
	assert.Equal(t, "Holiday", v.Title)
	assert.Empty(t, v.VariantPaths)

	jobs := sched.submitted()
	require.Len(t, jobs, 1)
	assert.Equal(t, v.ID, jobs[0].VideoID)
	assert.Equal(t, owner, jobs[0].OwnerID)
	assert.Equal(t, "/c/1-a.mp4", jobs[0].RawPath)
}

func TestSubmitValidatesBeforeWriting(t *testing.T) {
	cat := newMemCatalog()
	sched := &fakeScheduler{}
	in := NewIntake(cat, sched, nil)

	_, err := in.Submit(context.Background(), UploadRequest{OwnerID: uuid.New(), Title: "   ", RawPath: "/c/x.mp4"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = in.Submit(context.Background(), UploadRequest{OwnerID: uuid.New(), Title: "t"})
	require.ErrorAs(t, err, &verr)

	assert.Zero(t, cat.count())
	assert.Empty(t, sched.submitted())
}

func TestSubmitCreateFailureSchedulesNothing(t *testing.T) {
	cat := newMemCatalog()
	cat.createErr = errBoom
	sched := &fakeScheduler{}
	in := NewIntake(cat, sched, nil)

	_, err := in.Submit(context.Background(), UploadRequest{OwnerID: uuid.New(), Title: "t", RawPath: "/c/x.mp4"})
	require.ErrorIs(t, err, errBoom)
	assert.NotErrorIs(t, err, ErrEnqueue)
	assert.Empty(t, sched.submitted())
}

func TestSubmitEnqueueFailureMarksFailed(t *testing.T) {
	cat := newMemCatalog()
	in := NewIntake(cat, &fakeScheduler{err: errBoom}, nil)
	owner := uuid.New()

	_, err := in.Submit(context.Background(), UploadRequest{OwnerID: owner, Title: "t", RawPath: "/c/x.mp4"})
	require.ErrorIs(t, err, ErrEnqueue)

	list, err := cat.ListByOwner(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.VideoStatusFailed, list[0].Status)
}
