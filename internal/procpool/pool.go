// Package procpool manages a bounded pool of long-lived automation worker
// processes. Workers are spawned on demand up to a fixed cap, handshake
// with a readiness marker, accept task frames on stdin and stream progress
// back over the stdout line protocol.
package procpool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jobswipe/applyd/internal/autoapply"
	"github.com/jobswipe/applyd/internal/events"
	"github.com/jobswipe/applyd/internal/ipc"
	"github.com/jobswipe/applyd/internal/metrics"
)

// Config controls Pool behavior.
type Config struct {
	// MaxWorkers caps concurrently running worker processes.
	MaxWorkers int
	// Command and Args launch one worker process.
	Command string
	Args    []string
	// Env is appended to each worker's environment at spawn.
	Env map[string]string
	// ProcessTimeout bounds one task when the task carries no timeout.
	ProcessTimeout time.Duration
	// IdleTimeout recycles workers unused for this long.
	IdleTimeout time.Duration
	// ReadinessTimeout bounds the startup handshake.
	ReadinessTimeout time.Duration
	// AcquireTimeout bounds the wait for a free worker.
	AcquireTimeout time.Duration
	// CleanupInterval is the idle-reaper cadence (0 disables the reaper).
	CleanupInterval time.Duration
	// Reuse keeps workers alive between tasks. When false each task gets
	// a fresh process.
	Reuse bool
	// TerminateGrace is the SIGTERM-to-SIGKILL escalation window
	// (default 5s).
	TerminateGrace time.Duration
}

const (
	defaultProcessTimeout   = 5 * time.Minute
	defaultReadinessTimeout = 10 * time.Second
	defaultAcquireTimeout   = time.Minute
	defaultTerminateGrace   = 5 * time.Second
	acquirePollInterval     = 100 * time.Millisecond
)

// Pool is the bounded worker process pool. Safe for concurrent use.
type Pool struct {
	cfg     Config
	clock   autoapply.Clock
	ids     autoapply.IDGenerator
	emitter events.Emitter
	logger  *zap.Logger

	mu       sync.Mutex
	workers  map[string]*workerProc
	reserved int
	stopped  bool

	stopCh   chan struct{}
	cleanupW sync.WaitGroup
}

// New constructs a Pool and starts the idle reaper when configured.
func New(cfg Config, clock autoapply.Clock, ids autoapply.IDGenerator, emitter events.Emitter, logger *zap.Logger) (*Pool, error) {
	if cfg.MaxWorkers <= 0 {
		return nil, fmt.Errorf("max workers must be > 0")
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("worker command is required")
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = defaultProcessTimeout
	}
	if cfg.ReadinessTimeout <= 0 {
		cfg.ReadinessTimeout = defaultReadinessTimeout
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	if cfg.TerminateGrace <= 0 {
		cfg.TerminateGrace = defaultTerminateGrace
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cfg:     cfg,
		clock:   clock,
		ids:     ids,
		emitter: emitter,
		logger:  logger,
		workers: make(map[string]*workerProc),
		stopCh:  make(chan struct{}),
	}
	if cfg.CleanupInterval > 0 && cfg.IdleTimeout > 0 {
		p.cleanupW.Add(1)
		go p.cleanupIdleWorkers()
	}
	return p, nil
}

// GetOrCreateWorker returns a busy-marked worker: an idle one when
// available, a fresh one when below the cap, otherwise it polls until a
// worker frees up or the acquire timeout elapses.
func (p *Pool) GetOrCreateWorker(ctx context.Context) (*workerProc, error) {
	deadline := time.Now().Add(p.cfg.AcquireTimeout)
	for {
		w, spawn, err := p.tryAcquireLocked()
		if err != nil {
			return nil, err
		}
		if w != nil {
			return w, nil
		}
		if spawn {
			return p.createWorker()
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("no worker available within %s", p.cfg.AcquireTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire worker: %w", ctx.Err())
		case <-time.After(acquirePollInterval):
		}
	}
}

// tryAcquireLocked either hands back an idle worker (marked busy), grants
// a spawn reservation, or reports that the caller must wait.
func (p *Pool) tryAcquireLocked() (*workerProc, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil, false, fmt.Errorf("pool is stopped")
	}
	now := p.clock.Now()
	for id, w := range p.workers {
		if w.currentStatus() == autoapply.WorkerTerminated {
			delete(p.workers, id)
			continue
		}
		if w.tryAcquire(now) {
			p.publishGauges()
			return w, false, nil
		}
	}
	if len(p.workers)+p.reserved < p.cfg.MaxWorkers {
		p.reserved++
		return nil, true, nil
	}
	return nil, false, nil
}

// createWorker spawns a process, waits for the readiness handshake and
// registers the worker in busy state. The caller holds a reservation.
func (p *Pool) createWorker() (*workerProc, error) {
	release := func() {
		p.mu.Lock()
		p.reserved--
		p.mu.Unlock()
	}

	id, err := p.ids.NewID()
	if err != nil {
		release()
		return nil, fmt.Errorf("worker id: %w", err)
	}
	w, err := spawnWorker(id, p.cfg.Command, p.cfg.Args, p.cfg.Env)
	if err != nil {
		release()
		return nil, fmt.Errorf("spawn worker: %w", err)
	}
	if err := w.awaitReady(p.cfg.ReadinessTimeout); err != nil {
		w.terminate(p.cfg.TerminateGrace)
		release()
		return nil, fmt.Errorf("worker handshake: %w", err)
	}

	now := p.clock.Now()
	if !w.tryAcquire(now) {
		w.terminate(p.cfg.TerminateGrace)
		release()
		return nil, fmt.Errorf("worker %s died during startup", id)
	}

	p.mu.Lock()
	p.reserved--
	if p.stopped {
		p.mu.Unlock()
		w.terminate(p.cfg.TerminateGrace)
		return nil, fmt.Errorf("pool is stopped")
	}
	p.workers[id] = w
	p.publishGauges()
	p.mu.Unlock()

	p.logger.Info("worker spawned", zap.String("worker_id", id), zap.Int("pid", w.pid()))
	p.emit(events.Event{Kind: events.KindWorkerSpawned, TS: now, WorkerID: id})
	return w, nil
}

// RunScript acquires a worker, dispatches the task and streams the worker
// output until a terminal result line, process exit, timeout or context
// cancellation. onMessage (optional) observes every protocol message along
// with the executing worker's ID.
func (p *Pool) RunScript(ctx context.Context, task autoapply.Task, onMessage func(workerID string, msg ipc.Message)) (autoapply.TaskResult, error) {
	w, err := p.GetOrCreateWorker(ctx)
	if err != nil {
		return autoapply.TaskResult{}, err
	}
	res := p.runOnWorker(ctx, w, task, onMessage)

	switch {
	case res.Status == autoapply.TaskCompleted && p.cfg.Reuse && w.alive():
		w.release(p.clock.Now())
	default:
		// Timeouts, failures, exited processes and non-reuse mode all
		// recycle the worker: a process that missed its framing cannot
		// be trusted with the next task.
		p.retire(w)
	}
	p.mu.Lock()
	p.publishGauges()
	p.mu.Unlock()
	return res, nil
}

func (p *Pool) runOnWorker(ctx context.Context, w *workerProc, task autoapply.Task, onMessage func(workerID string, msg ipc.Message)) autoapply.TaskResult {
	start := time.Now()
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = p.cfg.ProcessTimeout
	}
	w.setDeadline(start.Add(timeout))

	payload, err := json.Marshal(task)
	if err != nil {
		return autoapply.TaskResult{
			Status:    autoapply.TaskFailed,
			ErrorText: fmt.Sprintf("marshal task: %v", err),
			Duration:  time.Since(start),
		}
	}
	if err := w.dispatch(payload); err != nil {
		return autoapply.TaskResult{
			Status:    autoapply.TaskFailed,
			ErrorText: fmt.Sprintf("dispatch task: %v", err),
			Duration:  time.Since(start),
		}
	}

	var (
		screenshots []string
		logs        []string
	)
	timer := time.NewTimer(time.Until(w.currentDeadline()))
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-w.msgCh:
			if !ok {
				// Process exited mid-task; fall back to exit-code
				// semantics over whatever was streamed.
				<-w.exitCh
				return p.exitFallback(w, screenshots, logs, start)
			}
			switch msg.Kind {
			case ipc.KindScreenshot:
				screenshots = append(screenshots, msg.Path)
			case ipc.KindLog:
				if msg.Raw != "" {
					logs = append(logs, msg.Raw)
				}
			}
			if onMessage != nil {
				onMessage(w.id, msg)
			}
			if msg.Kind == ipc.KindResult {
				return autoapply.TaskResult{
					Status:      autoapply.TaskCompleted,
					Output:      msg.Result,
					Raw:         msg.Raw,
					Screenshots: screenshots,
					Logs:        logs,
					Duration:    time.Since(start),
				}
			}
		case <-timer.C:
			// The deadline may have been extended while we slept.
			if remaining := time.Until(w.currentDeadline()); remaining > 0 {
				timer.Reset(remaining)
				continue
			}
			w.terminate(p.cfg.TerminateGrace)
			return autoapply.TaskResult{
				Status:      autoapply.TaskTimeout,
				Screenshots: screenshots,
				Logs:        logs,
				ErrorText:   fmt.Sprintf("task exceeded %s", timeout),
				Duration:    time.Since(start),
			}
		case <-ctx.Done():
			w.terminate(p.cfg.TerminateGrace)
			return autoapply.TaskResult{
				Status:      autoapply.TaskCancelled,
				Screenshots: screenshots,
				Logs:        logs,
				ErrorText:   ctx.Err().Error(),
				Duration:    time.Since(start),
			}
		}
	}
}

// exitFallback derives a result from a dead worker. The stream loop has
// already consumed any well-formed JSON result line, so an exit code of
// zero without one falls back to the raw captured output; a nonzero exit
// surfaces stderr.
func (p *Pool) exitFallback(w *workerProc, screenshots, logs []string, start time.Time) autoapply.TaskResult {
	res := autoapply.TaskResult{
		Status:      autoapply.TaskFailed,
		ExitCode:    w.exitCode,
		Screenshots: screenshots,
		Logs:        logs,
		Duration:    time.Since(start),
	}
	if w.exitCode == 0 {
		res.Status = autoapply.TaskCompleted
		res.Raw = strings.Join(logs, "\n")
		return res
	}
	res.ErrorText = w.stderrTail()
	if res.ErrorText == "" {
		res.ErrorText = fmt.Sprintf("worker exited with code %d", w.exitCode)
	}
	return res
}

// ExtendTimeout pushes out the in-flight task deadline on a worker, e.g.
// while a human solves a challenge. Unknown worker IDs are ignored.
func (p *Pool) ExtendTimeout(workerID string, d time.Duration) {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	p.mu.Unlock()
	if !ok || d <= 0 {
		return
	}
	newDeadline := w.extendDeadline(d)
	p.logger.Info("task deadline extended",
		zap.String("worker_id", workerID),
		zap.Duration("extension", d),
		zap.Time("deadline", newDeadline),
	)
}

// Snapshot reports the current worker set.
func (p *Pool) Snapshot() []autoapply.WorkerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]autoapply.WorkerInfo, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.info())
	}
	return out
}

// StopAll terminates every worker and stops the reaper. Calling it on an
// empty pool is a no-op and emits nothing.
func (p *Pool) StopAll(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	victims := make([]*workerProc, 0, len(p.workers))
	for _, w := range p.workers {
		victims = append(victims, w)
	}
	p.workers = make(map[string]*workerProc)
	p.mu.Unlock()

	close(p.stopCh)
	p.cleanupW.Wait()

	var wg sync.WaitGroup
	for _, w := range victims {
		wg.Add(1)
		go func(w *workerProc) {
			defer wg.Done()
			w.terminate(p.cfg.TerminateGrace)
			p.emit(events.Event{Kind: events.KindWorkerTerminated, TS: p.clock.Now(), WorkerID: w.id})
		}(w)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop workers: %w", ctx.Err())
	}
}

// retire removes a worker from the pool and terminates it.
func (p *Pool) retire(w *workerProc) {
	p.mu.Lock()
	delete(p.workers, w.id)
	p.mu.Unlock()
	w.terminate(p.cfg.TerminateGrace)
	p.emit(events.Event{Kind: events.KindWorkerTerminated, TS: p.clock.Now(), WorkerID: w.id})
}

// cleanupIdleWorkers reaps workers idle beyond the idle timeout.
func (p *Pool) cleanupIdleWorkers() {
	defer p.cleanupW.Done()
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			now := p.clock.Now()
			p.mu.Lock()
			var victims []*workerProc
			for id, w := range p.workers {
				info := w.info()
				if info.Status == autoapply.WorkerIdle && now.Sub(info.LastUsedAt) >= p.cfg.IdleTimeout {
					victims = append(victims, w)
					delete(p.workers, id)
				}
				if info.Status == autoapply.WorkerTerminated {
					delete(p.workers, id)
				}
			}
			p.publishGauges()
			p.mu.Unlock()
			for _, w := range victims {
				p.logger.Info("reaping idle worker", zap.String("worker_id", w.id))
				w.terminate(p.cfg.TerminateGrace)
				p.emit(events.Event{Kind: events.KindWorkerTerminated, TS: now, WorkerID: w.id})
			}
		}
	}
}

// publishGauges refreshes the pool gauges. Caller holds p.mu.
func (p *Pool) publishGauges() {
	counts := map[autoapply.WorkerStatus]int{}
	for _, w := range p.workers {
		counts[w.currentStatus()]++
	}
	metrics.SetPoolWorkers("idle", counts[autoapply.WorkerIdle])
	metrics.SetPoolWorkers("busy", counts[autoapply.WorkerBusy])
}

func (p *Pool) emit(evt events.Event) {
	if p.emitter != nil {
		p.emitter.Emit(evt)
	}
}
