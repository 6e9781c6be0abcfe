package poller

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jobswipe/applyd/internal/autoapply"
	"github.com/jobswipe/applyd/internal/clock/system"
	"github.com/jobswipe/applyd/internal/events"
	uuidgen "github.com/jobswipe/applyd/internal/id/uuid"
	"github.com/jobswipe/applyd/internal/orchestrator"
	"github.com/jobswipe/applyd/internal/procpool"
	pubmem "github.com/jobswipe/applyd/internal/publisher/memory"
	storemem "github.com/jobswipe/applyd/internal/storage/memory"
)

// trackingQueue serves one pending job and records its status transitions.
type trackingQueue struct {
	mu          sync.Mutex
	job         autoapply.QueueItem
	claimed     bool
	transitions []autoapply.JobStatus
	result      *autoapply.ProcessingResult
}

func (q *trackingQueue) ListPending(context.Context, int, int) ([]autoapply.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.claimed {
		return nil, nil
	}
	return []autoapply.QueueItem{q.job}, nil
}

func (q *trackingQueue) Claim(_ context.Context, jobID, deviceID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.claimed || jobID != q.job.ID || deviceID == "" {
		return false, nil
	}
	q.claimed = true
	q.transitions = append(q.transitions, autoapply.JobStatusQueued)
	return true, nil
}

func (q *trackingQueue) UpdateProgress(_ context.Context, _ string, _ int, status autoapply.JobStatus, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.transitions) == 0 || q.transitions[len(q.transitions)-1] != status {
		q.transitions = append(q.transitions, status)
	}
	return nil
}

func (q *trackingQueue) Complete(_ context.Context, _ string, result autoapply.ProcessingResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.result = &result
	if result.Success {
		q.transitions = append(q.transitions, autoapply.JobStatusCompleted)
	} else {
		q.transitions = append(q.transitions, autoapply.JobStatusFailed)
	}
	return nil
}

func (q *trackingQueue) snapshot() ([]autoapply.JobStatus, *autoapply.ProcessingResult) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := append([]autoapply.JobStatus(nil), q.transitions...)
	return out, q.result
}

func TestEndToEndApplication(t *testing.T) {
	t.Parallel()

	script := filepath.Join(t.TempDir(), "worker.sh")
	body := `#!/bin/sh
echo READY
while read -r line; do
  echo 'PROGRESS:{"step":"fill_form","progress":50}'
  echo '{"success":true,"confirmationId":"ABC123"}'
done
`
	require.NoError(t, os.WriteFile(script, []byte(body), 0o700))

	clock := system.New()
	ids := uuidgen.NewGenerator()
	emitter := &captureEmitter{}

	pool, err := procpool.New(procpool.Config{
		MaxWorkers:       1,
		Command:          "/bin/sh",
		Args:             []string{script},
		ProcessTimeout:   10 * time.Second,
		ReadinessTimeout: 5 * time.Second,
		AcquireTimeout:   5 * time.Second,
		Reuse:            true,
		TerminateGrace:   time.Second,
	}, clock, ids, emitter, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = pool.StopAll(ctx)
	})

	queue := &trackingQueue{job: autoapply.QueueItem{
		ID:     "j1",
		Status: autoapply.JobStatusPending,
		Payload: autoapply.JobPayload{
			Posting: autoapply.JobPosting{ID: "p1", Title: "SRE", Company: "Acme", ApplyURL: "https://jobs.lever.co/acme/1"},
			Profile: autoapply.ApplicantProfile{FirstName: "Ada", Email: "ada@example.com"},
		},
	}}

	orch, err := orchestrator.New(orchestrator.Config{
		Mode:              autoapply.ModeAdaptive,
		MaxRetries:        2,
		RetryDelay:        time.Millisecond,
		RequestsPerMinute: 100,
		BurstLimit:        10,
		ProcessTimeout:    10 * time.Second,
	}, pool, queue, storemem.NewLogStore(), storemem.NewBlobStore(), pubmem.New(), clock, ids, emitter, nil)
	require.NoError(t, err)

	p, err := New(Config{
		Interval:      20 * time.Millisecond,
		DeviceID:      "device-e2e",
		MaxConcurrent: 1,
		AvgProcessing: time.Minute,
	}, queue, orch, clock, emitter, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, result := queue.snapshot()
		return result != nil
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-runDone)

	transitions, result := queue.snapshot()
	require.NotNil(t, result)
	require.True(t, result.Success)
	require.Equal(t, "ABC123", result.ConfirmationID)

	// pending -> queued (claim) -> processing (progress) -> completed,
	// with the terminal transition exactly once.
	require.Equal(t, []autoapply.JobStatus{
		autoapply.JobStatusQueued,
		autoapply.JobStatusProcessing,
		autoapply.JobStatusCompleted,
	}, transitions)

	require.Equal(t, 1, emitter.countKind(events.KindJobDiscovered))
	require.Equal(t, 1, emitter.countKind(events.KindJobClaimed))
	require.Equal(t, 1, emitter.countKind(events.KindJobCompleted))
	require.GreaterOrEqual(t, emitter.countKind(events.KindJobProgress), 1)
}
