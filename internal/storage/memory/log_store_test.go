package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jobswipe/applyd/internal/autoapply"
	"github.com/jobswipe/applyd/internal/storage"
)

func TestLogStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewLogStore()
	ctx := context.Background()

	log := autoapply.AutomationLog{
		JobID:     "job-1",
		StartedAt: time.Now().UTC(),
		Result:    autoapply.ProcessingResult{Success: true, ConfirmationID: "ABC123"},
	}
	require.NoError(t, store.SaveLog(ctx, log))

	got, err := store.GetLog(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "ABC123", got.Result.ConfirmationID)
}

func TestLogStoreMissing(t *testing.T) {
	t.Parallel()

	store := NewLogStore()
	_, err := store.GetLog(context.Background(), "nope")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.Error(t, store.SaveLog(context.Background(), autoapply.AutomationLog{}))
}

func TestLogStoreStats(t *testing.T) {
	t.Parallel()

	store := NewLogStore()
	ctx := context.Background()

	stats, err := store.LoadStats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Total)

	stats.RecordRun(true, 2*time.Second)
	require.NoError(t, store.SaveStats(ctx, stats))

	got, err := store.LoadStats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, got.Total)
	require.EqualValues(t, 1, got.Succeeded)
	require.EqualValues(t, 2000, got.AvgDurationMs)
}

func TestBlobStorePutObject(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "shots/a.png", "image/png", []byte{0x89, 0x50})
	require.NoError(t, err)
	require.Equal(t, "memory://shots/a.png", uri)

	data, ok := store.Get("shots/a.png")
	require.True(t, ok)
	require.Len(t, data, 2)

	_, err = store.PutObject(context.Background(), "", "", nil)
	require.Error(t, err)
}
