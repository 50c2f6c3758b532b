//go:build postgres

package metadata

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"mediaforge/internal/models"
	"mediaforge/internal/testsupport/pgtest"
)

func TestPostgresStoreRoundTrip(t *testing.T) {
	pool := pgtest.Start(t)
	store, err := NewPostgresStore(pool)
	require.NoError(t, err)
	ctx := context.Background()

	asset, err := store.CreateAsset(ctx, NewAsset{
		Title:        "Keynote",
		Description:  "Opening session",
		OriginalPath: "/data/originals/keynote.mp4",
		FileSize:     1 << 20,
		ContentHash:  "abc123",
	})
	require.NoError(t, err)
	require.Equal(t, models.AssetStatusProcessing, asset.Status)
	require.Empty(t, asset.Renditions)

	renditions := map[models.Resolution]string{models.Resolution480p: "/encoded/480p/" + asset.ID + ".mp4"}
	written, err := store.WriteRenditions(ctx, asset.ID, renditions)
	require.NoError(t, err)
	require.Equal(t, renditions, written.Renditions)
	require.Empty(t, written.Thumbnails)

	written, err = store.WriteThumbnails(ctx, asset.ID, []string{"t1.png", "t2.png", "t3.png"})
	require.NoError(t, err)
	require.Equal(t, renditions, written.Renditions, "thumbnail write must not clobber renditions")
	require.True(t, written.ProcessingDone())

	require.NoError(t, store.WriteQuality(ctx, asset.ID, models.Quality{BitrateKbps: 4200, Resolution: "1280x720", Duration: 31.5}))

	ready, changed, err := store.MarkReady(ctx, asset.ID)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, models.AssetStatusReady, ready.Status)
	require.Equal(t, 4200, ready.Quality.BitrateKbps)

	_, changed, err = store.MarkFailed(ctx, asset.ID, "late failure")
	require.NoError(t, err)
	require.False(t, changed)

	require.NoError(t, store.IncrementViews(ctx, asset.ID))
	require.NoError(t, store.SoftDelete(ctx, asset.ID))
	require.ErrorIs(t, store.IncrementViews(ctx, asset.ID), ErrNotFound)

	stored, err := store.GetAsset(ctx, asset.ID)
	require.NoError(t, err)
	require.True(t, stored.Deleted())
	require.EqualValues(t, 1, stored.Views)

	_, err = store.GetAsset(ctx, uuid.NewString())
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetAsset(ctx, "not-a-uuid")
	require.ErrorIs(t, err, ErrNotFound)
}
