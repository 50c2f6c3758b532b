//go:build postgres

package jobqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"mediaforge/internal/models"
	"mediaforge/internal/testsupport/pgtest"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	pool := pgtest.Start(t)
	store, err := NewPostgresStore(pool)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := store.NextSeq(ctx)
	require.NoError(t, err)
	second, err := store.NextSeq(ctx)
	require.NoError(t, err)
	require.Greater(t, second, first)

	now := time.Now().UTC().Truncate(time.Microsecond)
	job := models.Job{
		ID:          uuid.NewString(),
		Kind:        models.JobKindTranscode,
		AssetID:     uuid.NewString(),
		Input:       "/data/originals/clip.mp4",
		State:       models.JobStateQueued,
		MaxAttempts: 3,
		Seq:         second,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, store.Save(ctx, job))

	other := job
	other.ID = uuid.NewString()
	other.State = models.JobStateRunning
	other.Seq = first
	require.NoError(t, store.Save(ctx, other))

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, other.ID, pending[0].ID)
	require.Equal(t, job.ID, pending[1].ID)

	job.State = models.JobStateFailed
	job.Attempts = 3
	job.LastError = "encode failed"
	require.NoError(t, store.Save(ctx, job))

	job.State = models.JobStateQueued
	err = store.Save(ctx, job)
	require.True(t, errors.Is(err, ErrTerminal), "expected ErrTerminal, got %v", err)

	stored, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStateFailed, stored.State)
	require.Equal(t, 3, stored.Attempts)
	require.Equal(t, "encode failed", stored.LastError)

	_, err = store.Get(ctx, uuid.NewString())
	require.ErrorIs(t, err, ErrNotFound)
}
