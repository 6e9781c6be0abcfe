// Package poller periodically polls the remote queue for pending jobs,
// claims them up to the configured concurrency cap and hands each claimed
// job to the orchestrator.
package poller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jobswipe/applyd/internal/autoapply"
	"github.com/jobswipe/applyd/internal/events"
	"github.com/jobswipe/applyd/internal/metrics"
	"github.com/jobswipe/applyd/internal/orchestrator"
)

// Processor consumes claimed jobs. Implemented by the orchestrator.
type Processor interface {
	ProcessJobApplication(ctx context.Context, job autoapply.QueueItem) (autoapply.ProcessingResult, error)
}

// Config controls the polling and claim behavior.
type Config struct {
	// Interval between polls (default 10s).
	Interval time.Duration
	// PageSize for list-pending requests (default 20).
	PageSize int
	// DeviceID tags claim requests.
	DeviceID string
	// MaxConcurrent caps the locally-tracked processing set.
	MaxConcurrent int
	// MaxRetries bounds consecutive poll failures before the poller stops.
	MaxRetries int
	// BackoffBase, BackoffMultiplier and BackoffMax shape the exponential
	// poll-failure backoff.
	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
	// AvgProcessing feeds the coarse wait-time estimate.
	AvgProcessing time.Duration
}

// Poller owns the processing set; claims never push it past the cap.
type Poller struct {
	cfg     Config
	queue   autoapply.QueueAPI
	proc    Processor
	clock   autoapply.Clock
	emitter events.Emitter
	logger  *zap.Logger

	mu         sync.Mutex
	processing map[string]struct{}
	estimate   time.Duration

	wg sync.WaitGroup
}

// ErrPollingStopped is returned by Run when consecutive poll failures
// exhausted the retry budget.
var ErrPollingStopped = errors.New("polling stopped after repeated failures")

// New constructs a Poller.
func New(cfg Config, queue autoapply.QueueAPI, proc Processor, clock autoapply.Clock, emitter events.Emitter, logger *zap.Logger) (*Poller, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue api is required")
	}
	if proc == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		cfg:        cfg,
		queue:      queue,
		proc:       proc,
		clock:      clock,
		emitter:    emitter,
		logger:     logger,
		processing: make(map[string]struct{}),
	}, nil
}

// Run polls until the context is cancelled or the failure budget is
// exhausted, then waits for in-flight jobs before returning.
func (p *Poller) Run(ctx context.Context) error {
	defer p.wg.Wait()

	failures := 0
	for {
		if err := p.performPoll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			metrics.ObservePollFailure()
			if failures > p.cfg.MaxRetries {
				p.logger.Error("poll retry budget exhausted, stopping",
					zap.Int("failures", failures),
					zap.Error(err),
				)
				p.emit(events.Event{Kind: events.KindPollerStopped, TS: p.clock.Now(), Note: err.Error()})
				return fmt.Errorf("%w: %v", ErrPollingStopped, err)
			}
			delay := p.backoff(failures)
			p.logger.Warn("poll failed, backing off",
				zap.Int("attempt", failures),
				zap.Duration("backoff", delay),
				zap.Error(err),
			)
			if !sleep(ctx, delay) {
				return nil
			}
			continue
		}
		failures = 0
		if !sleep(ctx, p.cfg.Interval) {
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// backoff returns base × multiplier^(attempt-1), capped.
func (p *Poller) backoff(attempt int) time.Duration {
	d := time.Duration(float64(p.cfg.BackoffBase) * math.Pow(p.cfg.BackoffMultiplier, float64(attempt-1)))
	if d > p.cfg.BackoffMax || d <= 0 {
		d = p.cfg.BackoffMax
	}
	return d
}

// performPoll lists pending jobs, emits one discovery event per item,
// refreshes the wait estimate and attempts claims up to the cap.
func (p *Poller) performPoll(ctx context.Context) error {
	items, err := p.queue.ListPending(ctx, 1, p.cfg.PageSize)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}

	p.mu.Lock()
	p.estimate = time.Duration(len(items)) * p.cfg.AvgProcessing
	p.mu.Unlock()

	now := p.clock.Now()
	for _, item := range items {
		p.emit(events.Event{
			Kind:    events.KindJobDiscovered,
			TS:      now,
			JobID:   item.ID,
			Company: autoapply.DetectCompanyType(item.Payload.Posting.ApplyURL),
		})
	}
	if len(items) > 0 {
		p.logger.Info("pending jobs discovered",
			zap.Int("count", len(items)),
			zap.Duration("wait_estimate", time.Duration(len(items))*p.cfg.AvgProcessing),
		)
	}

	for _, item := range items {
		p.ClaimJob(ctx, item)
	}
	return nil
}

// ClaimJob claims one job and schedules it for processing. It returns
// true only when the server acknowledged the claim and a local slot was
// reserved; at the cap the claim is refused locally without a request.
func (p *Poller) ClaimJob(ctx context.Context, item autoapply.QueueItem) bool {
	p.mu.Lock()
	if len(p.processing) >= p.cfg.MaxConcurrent {
		p.mu.Unlock()
		p.logger.Debug("claim refused locally, at concurrency cap", zap.String("job_id", item.ID))
		return false
	}
	if _, dup := p.processing[item.ID]; dup {
		p.mu.Unlock()
		return false
	}
	// Reserve the slot before the request so concurrent claims can never
	// push the set past the cap.
	p.processing[item.ID] = struct{}{}
	p.mu.Unlock()

	claimed, err := p.queue.Claim(ctx, item.ID, p.cfg.DeviceID)
	if err != nil {
		p.releaseSlot(item.ID)
		metrics.ObserveClaim("error")
		p.logger.Warn("claim request failed", zap.String("job_id", item.ID), zap.Error(err))
		return false
	}
	if !claimed {
		p.releaseSlot(item.ID)
		metrics.ObserveClaim("lost")
		return false
	}
	metrics.ObserveClaim("won")
	p.emit(events.Event{Kind: events.KindJobClaimed, TS: p.clock.Now(), JobID: item.ID})

	p.wg.Add(1)
	go p.process(ctx, item)
	return true
}

func (p *Poller) process(ctx context.Context, item autoapply.QueueItem) {
	defer p.wg.Done()
	defer p.releaseSlot(item.ID)

	item.Status = autoapply.JobStatusProcessing
	item.DeviceID = p.cfg.DeviceID

	if _, err := p.proc.ProcessJobApplication(ctx, item); err != nil {
		if errors.Is(err, orchestrator.ErrRateLimited) {
			p.logger.Info("job deferred by rate limiter, will resubmit on a later poll",
				zap.String("job_id", item.ID))
			return
		}
		p.logger.Warn("job processing failed", zap.String("job_id", item.ID), zap.Error(err))
	}
}

func (p *Poller) releaseSlot(jobID string) {
	p.mu.Lock()
	delete(p.processing, jobID)
	p.mu.Unlock()
}

// Active returns the size of the locally-tracked processing set.
func (p *Poller) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.processing)
}

// WaitEstimate returns the latest coarse wait estimate.
func (p *Poller) WaitEstimate() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.estimate
}

func (p *Poller) emit(evt events.Event) {
	if p.emitter != nil {
		p.emitter.Emit(evt)
	}
}
