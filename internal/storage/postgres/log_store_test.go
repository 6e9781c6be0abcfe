package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/jobswipe/applyd/internal/autoapply"
	"github.com/jobswipe/applyd/internal/storage"
)

func TestSaveLogUpsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewLogStoreWithPool(mock)
	require.NoError(t, err)

	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(90 * time.Second)
	log := autoapply.AutomationLog{
		JobID:      "job-1",
		StartedAt:  started,
		FinishedAt: finished,
		Result:     autoapply.ProcessingResult{Success: true, ConfirmationID: "ABC123"},
	}
	payload, err := json.Marshal(log)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO automation_logs").
		WithArgs("job-1", payload, true, started, finished).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveLog(context.Background(), log))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLogNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewLogStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT log FROM automation_logs").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err = store.GetLog(context.Background(), "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLogRoundTrip(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewLogStoreWithPool(mock)
	require.NoError(t, err)

	want := autoapply.AutomationLog{
		JobID:  "job-2",
		Result: autoapply.ProcessingResult{Success: false, ErrorText: "captcha unresolved"},
	}
	payload, err := json.Marshal(want)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT log FROM automation_logs").
		WithArgs("job-2").
		WillReturnRows(pgxmock.NewRows([]string{"log"}).AddRow(payload))

	got, err := store.GetLog(context.Background(), "job-2")
	require.NoError(t, err)
	require.Equal(t, "captcha unresolved", got.Result.ErrorText)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatsRoundTrip(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewLogStoreWithPool(mock)
	require.NoError(t, err)

	stats := autoapply.Stats{Total: 10, Succeeded: 7, Failed: 3, AvgDurationMs: 42000}
	mock.ExpectExec("INSERT INTO automation_stats").
		WithArgs(stats.Total, stats.Succeeded, stats.Failed, stats.CaptchaEncountered, stats.CaptchaSolved, stats.AvgDurationMs).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.SaveStats(context.Background(), stats))

	mock.ExpectQuery("SELECT total, succeeded, failed").
		WillReturnRows(pgxmock.NewRows(
			[]string{"total", "succeeded", "failed", "captcha_encountered", "captcha_solved", "avg_duration_ms"},
		).AddRow(int64(10), int64(7), int64(3), int64(0), int64(0), int64(42000)))

	got, err := store.LoadStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, stats, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadStatsEmptyTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewLogStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT total, succeeded, failed").
		WillReturnError(pgx.ErrNoRows)

	got, err := store.LoadStats(context.Background())
	require.NoError(t, err)
	require.Zero(t, got.Total)
	require.NoError(t, mock.ExpectationsWereMet())
}
