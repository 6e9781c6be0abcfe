// Package orchestrator drives one job application end to end: rate-gate
// admission, a prepare/execute/validate pipeline with step-level retry,
// captcha-triggered mode switching, artifact upload and result reporting.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jobswipe/applyd/internal/autoapply"
	"github.com/jobswipe/applyd/internal/events"
	"github.com/jobswipe/applyd/internal/ipc"
	"github.com/jobswipe/applyd/internal/metrics"
	"github.com/jobswipe/applyd/internal/ratelimit"
)

// WorkerPool is the execution backend consumed by the orchestrator.
type WorkerPool interface {
	RunScript(ctx context.Context, task autoapply.Task, onMessage func(workerID string, msg ipc.Message)) (autoapply.TaskResult, error)
	ExtendTimeout(workerID string, d time.Duration)
}

// Config controls the orchestration pipeline.
type Config struct {
	// Mode is the initial processing mode for each job.
	Mode autoapply.ProcessingMode
	// MaxRetries bounds retryable step attempts.
	MaxRetries int
	// RetryDelay is the linear backoff base.
	RetryDelay time.Duration
	// RequestsPerMinute and BurstLimit size the admission gate.
	RequestsPerMinute int
	BurstLimit        int
	// CaptchaGrace extends the in-flight task deadline per detection.
	CaptchaGrace time.Duration
	// ProcessTimeout bounds one worker task.
	ProcessTimeout time.Duration
	// ScriptDir holds the per-ATS automation scripts.
	ScriptDir string
	// ArtifactPrefix and ArtifactContentType shape screenshot uploads.
	ArtifactPrefix      string
	ArtifactContentType string
	// CompletionTopic names the publish channel for terminal results; empty
	// disables publishing.
	CompletionTopic string
}

// ErrRateLimited is returned when the admission gate rejects a job start.
// The caller should leave the job claimed-pending and resubmit later.
var ErrRateLimited = errors.New("rate limit exceeded")

// Orchestrator runs claimed jobs through the automation pipeline.
type Orchestrator struct {
	cfg       Config
	pool      WorkerPool
	gate      *ratelimit.Gate
	queue     autoapply.QueueAPI
	logStore  autoapply.LogStore
	artifacts autoapply.ArtifactStore
	publisher autoapply.Publisher
	clock     autoapply.Clock
	ids       autoapply.IDGenerator
	emitter   events.Emitter
	retry     *autoapply.LinearRetryPolicy
	logger    *zap.Logger

	statsMu sync.Mutex
	stats   autoapply.Stats
}

// New constructs an Orchestrator, loading persisted stats so counters
// survive restarts.
func New(
	cfg Config,
	pool WorkerPool,
	queue autoapply.QueueAPI,
	logStore autoapply.LogStore,
	artifacts autoapply.ArtifactStore,
	publisher autoapply.Publisher,
	clock autoapply.Clock,
	ids autoapply.IDGenerator,
	emitter events.Emitter,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if pool == nil {
		return nil, fmt.Errorf("worker pool is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("queue api is required")
	}
	if logStore == nil {
		return nil, fmt.Errorf("log store is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = autoapply.ModeAdaptive
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 5 * time.Minute
	}
	if cfg.CaptchaGrace <= 0 {
		cfg.CaptchaGrace = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		cfg:       cfg,
		pool:      pool,
		gate:      ratelimit.NewGate(ratelimit.Config{RequestsPerMinute: cfg.RequestsPerMinute, BurstLimit: cfg.BurstLimit}, clock),
		queue:     queue,
		logStore:  logStore,
		artifacts: artifacts,
		publisher: publisher,
		clock:     clock,
		ids:       ids,
		emitter:   emitter,
		retry:     autoapply.NewLinearRetryPolicy(cfg.MaxRetries, cfg.RetryDelay),
		logger:    logger,
	}
	if stats, err := logStore.LoadStats(context.Background()); err == nil {
		o.stats = stats
	} else {
		logger.Warn("load persisted stats failed", zap.Error(err))
	}
	return o, nil
}

// Stats returns a snapshot of the aggregate run counters.
func (o *Orchestrator) Stats() autoapply.Stats {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	return o.stats
}

// runState accumulates everything observed during one job run. It is
// mutated only from the single control flow that owns the job.
type runState struct {
	job         autoapply.QueueItem
	executionID string
	company     autoapply.CompanyType
	mode        autoapply.ProcessingMode
	startedAt   time.Time

	steps       []autoapply.AutomationStep
	captchas    []autoapply.CaptchaEvent
	screenshots []string
	logs        []string
	taskResult  autoapply.TaskResult

	// Populated by the validate step.
	workerSuccess  bool
	applicationID  string
	confirmationID string
	indicators     bool
	confidence     int
}

// ProcessJobApplication runs one claimed job through the pipeline and
// reports the terminal result to the queue exactly once. A rate-limit
// rejection returns ErrRateLimited before any state is touched.
func (o *Orchestrator) ProcessJobApplication(ctx context.Context, job autoapply.QueueItem) (autoapply.ProcessingResult, error) {
	if !o.gate.Allow() {
		metrics.ObserveRateLimitRejection()
		retryIn := o.gate.Wait()
		o.logger.Warn("job admission rate limited",
			zap.String("job_id", job.ID),
			zap.Duration("retry_in", retryIn),
		)
		return autoapply.ProcessingResult{}, fmt.Errorf("job %s: retry in %s: %w", job.ID, retryIn, ErrRateLimited)
	}

	metrics.IncActiveJobs()
	defer metrics.DecActiveJobs()

	executionID, err := o.ids.NewID()
	if err != nil {
		return autoapply.ProcessingResult{}, fmt.Errorf("execution id: %w", err)
	}

	state := &runState{
		job:         job,
		executionID: executionID,
		company:     autoapply.DetectCompanyType(job.Payload.Posting.ApplyURL),
		mode:        o.cfg.Mode,
		startedAt:   o.clock.Now(),
	}

	o.logger.Info("processing job application",
		zap.String("job_id", job.ID),
		zap.String("company", string(state.company)),
		zap.String("mode", string(state.mode)),
	)
	if err := o.queue.UpdateProgress(ctx, job.ID, 0, autoapply.JobStatusProcessing, "automation started"); err != nil {
		o.logger.Warn("initial progress update failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	pipelineErr := o.runPipeline(ctx, state)
	result := o.buildResult(state, pipelineErr)

	o.uploadScreenshots(ctx, state, &result)
	o.recordRun(ctx, state, result)
	o.reportResult(ctx, state, result)

	if pipelineErr != nil {
		return result, pipelineErr
	}
	return result, nil
}

// runPipeline executes prepare, execute and validate in order. The first
// terminal step failure aborts the remainder.
func (o *Orchestrator) runPipeline(ctx context.Context, state *runState) error {
	var task autoapply.Task

	if err := o.runStep(ctx, state, "prepare", func(context.Context) error {
		var err error
		task, err = o.prepareTask(state)
		return err
	}); err != nil {
		return err
	}

	if err := o.runStep(ctx, state, "execute", func(stepCtx context.Context) error {
		return o.executeTask(stepCtx, state, task)
	}); err != nil {
		return err
	}

	return o.runStep(ctx, state, "validate", func(context.Context) error {
		return o.validateRun(state)
	})
}

// runStep wraps one pipeline step with classification, linear backoff and
// the append-only step log.
func (o *Orchestrator) runStep(ctx context.Context, state *runState, name string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		start := o.clock.Now()
		err := fn(ctx)
		stepID, idErr := o.ids.NewID()
		if idErr != nil {
			stepID = fmt.Sprintf("%s-%d", name, attempt)
		}
		entry := autoapply.AutomationStep{
			ID:        stepID,
			Name:      name,
			Success:   err == nil,
			Retries:   attempt,
			Duration:  o.clock.Now().Sub(start),
			Timestamp: start,
		}
		if err != nil {
			entry.ErrorText = err.Error()
		}
		state.steps = append(state.steps, entry)

		if err == nil {
			return nil
		}
		lastErr = err

		if !o.retry.ShouldRetry(err, attempt) {
			kind := autoapply.Classify(err)
			o.logger.Warn("pipeline step failed terminally",
				zap.String("job_id", state.job.ID),
				zap.String("step", name),
				zap.String("kind", string(kind)),
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return autoapply.NewError(kind, name, lastErr)
		}

		metrics.ObserveStepRetry(name)
		delay := o.retry.Backoff(attempt)
		o.logger.Info("retrying pipeline step",
			zap.String("job_id", state.job.ID),
			zap.String("step", name),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
		)
		select {
		case <-ctx.Done():
			return autoapply.NewError(autoapply.Classify(ctx.Err()), name, ctx.Err())
		case <-time.After(delay):
		}
	}
}

// prepareTask builds the task definition handed to the worker pool.
func (o *Orchestrator) prepareTask(state *runState) (autoapply.Task, error) {
	payload, err := json.Marshal(state.job.Payload)
	if err != nil {
		return autoapply.Task{}, fmt.Errorf("serialize job payload: %w", err)
	}
	script := filepath.Join(o.cfg.ScriptDir, string(state.company)+".js")
	return autoapply.Task{
		ID:     state.executionID,
		JobID:  state.job.ID,
		Script: script,
		Args:   []string{string(payload)},
		Env: map[string]string{
			"APPLYD_MODE":         string(state.mode),
			"APPLYD_EXECUTION_ID": state.executionID,
			"APPLYD_TIMEOUT_MS":   strconv.FormatInt(o.cfg.ProcessTimeout.Milliseconds(), 10),
			"APPLYD_COMPANY":      string(state.company),
		},
		Timeout:   o.cfg.ProcessTimeout,
		Priority:  state.job.Priority,
		CreatedAt: o.clock.Now(),
	}, nil
}

// executeTask submits the task and streams worker signals until terminal.
func (o *Orchestrator) executeTask(ctx context.Context, state *runState, task autoapply.Task) error {
	// Env reflects the mode current at (re)submission time.
	task.Env["APPLYD_MODE"] = string(state.mode)

	res, err := o.pool.RunScript(ctx, task, func(workerID string, msg ipc.Message) {
		o.handleWorkerMessage(ctx, state, workerID, msg)
	})
	if err != nil {
		return fmt.Errorf("submit task: %w", err)
	}

	state.taskResult = res
	state.screenshots = append(state.screenshots, res.Screenshots...)
	state.logs = append(state.logs, res.Logs...)

	switch res.Status {
	case autoapply.TaskCompleted:
		return nil
	case autoapply.TaskTimeout:
		return autoapply.NewError(autoapply.KindProcessTimeout, "execute", errors.New(res.ErrorText))
	case autoapply.TaskCancelled:
		return autoapply.NewError(autoapply.KindUnknown, "execute", context.Canceled)
	default:
		detail := res.ErrorText
		if detail == "" {
			detail = fmt.Sprintf("worker exited with code %d", res.ExitCode)
		}
		kind := autoapply.Classify(errors.New(detail))
		return autoapply.NewError(kind, "execute", errors.New(detail))
	}
}

// handleWorkerMessage consumes one streamed protocol message: progress is
// mirrored to the queue and event hub, and every captcha-signal line
// produces exactly one detection occurrence.
func (o *Orchestrator) handleWorkerMessage(ctx context.Context, state *runState, workerID string, msg ipc.Message) {
	now := o.clock.Now()
	switch msg.Kind {
	case ipc.KindProgress:
		o.emit(events.Event{
			Kind:     events.KindJobProgress,
			TS:       now,
			JobID:    state.job.ID,
			WorkerID: workerID,
			Percent:  msg.Progress.Percent,
			Step:     msg.Progress.Step,
			Company:  state.company,
		})
		if err := o.queue.UpdateProgress(ctx, state.job.ID, msg.Progress.Percent, autoapply.JobStatusProcessing, msg.Progress.Message); err != nil {
			o.logger.Warn("progress update failed", zap.String("job_id", state.job.ID), zap.Error(err))
		}
		if captchaType, ok := detectCaptcha(msg.Progress.Step + " " + msg.Progress.Message); ok {
			o.onCaptcha(state, workerID, captchaType, now)
		}
	case ipc.KindLog:
		if captchaType, ok := detectCaptcha(msg.Raw); ok {
			o.onCaptcha(state, workerID, captchaType, now)
		}
	case ipc.KindScreenshot, ipc.KindResult:
		// Collected by the pool; nothing to do mid-stream.
	}
}

// onCaptcha records the occurrence, switches adaptive runs to interactive
// and extends the in-flight task deadline.
func (o *Orchestrator) onCaptcha(state *runState, workerID string, captchaType autoapply.CaptchaType, now time.Time) {
	state.captchas = append(state.captchas, autoapply.CaptchaEvent{
		JobID:     state.job.ID,
		Type:      captchaType,
		Timestamp: now,
	})
	o.emit(events.Event{
		Kind:        events.KindCaptchaDetected,
		TS:          now,
		JobID:       state.job.ID,
		WorkerID:    workerID,
		CaptchaType: captchaType,
		Company:     state.company,
	})
	o.logger.Info("captcha detected",
		zap.String("job_id", state.job.ID),
		zap.String("type", string(captchaType)),
		zap.String("mode", string(state.mode)),
	)

	if state.mode == autoapply.ModeAdaptive {
		state.mode = autoapply.ModeInteractive
		o.emit(events.Event{
			Kind:  events.KindModeSwitched,
			TS:    now,
			JobID: state.job.ID,
			Mode:  autoapply.ModeInteractive,
			Note:  "captcha detected in adaptive mode",
		})
	}
	o.pool.ExtendTimeout(workerID, o.cfg.CaptchaGrace)
}

// validateRun inspects the worker output and log history for success
// markers, extracts a confirmation identifier and scores confidence.
func (o *Orchestrator) validateRun(state *runState) error {
	if state.taskResult.Status != autoapply.TaskCompleted {
		return fmt.Errorf("no completed task result to validate")
	}

	lines := make([]string, 0, len(state.logs)+1)
	lines = append(lines, state.logs...)
	if state.taskResult.Raw != "" {
		lines = append(lines, state.taskResult.Raw)
	}

	if out := state.taskResult.Output; out != nil {
		if v, ok := out["success"].(bool); ok {
			state.workerSuccess = v
		}
		if v, ok := out["applicationId"].(string); ok {
			state.applicationID = v
		}
		if v, ok := out["confirmationId"].(string); ok {
			state.confirmationID = v
		}
	}
	state.indicators = matchIndicators(lines)
	if state.confirmationID == "" {
		state.confirmationID = extractConfirmationID(lines)
	}
	state.confidence = confidenceScore(state.workerSuccess, state.indicators, state.confirmationID, len(state.screenshots))
	return nil
}

// buildResult folds the run state into the terminal ProcessingResult.
func (o *Orchestrator) buildResult(state *runState, pipelineErr error) autoapply.ProcessingResult {
	result := autoapply.ProcessingResult{
		Success:        pipelineErr == nil && state.workerSuccess,
		ApplicationID:  state.applicationID,
		ConfirmationID: state.confirmationID,
		Confidence:     state.confidence,
		Screenshots:    state.screenshots,
		Logs:           state.logs,
		CompanyType:    state.company,
		Mode:           state.mode,
		Duration:       o.clock.Now().Sub(state.startedAt),
	}
	if pipelineErr != nil {
		result.ErrorText = pipelineErr.Error()
		result.Confidence = 0
	}
	return result
}

// uploadScreenshots pushes local screenshot files to the artifact store
// and swaps paths for URIs. Unreadable files keep their original path.
func (o *Orchestrator) uploadScreenshots(ctx context.Context, state *runState, result *autoapply.ProcessingResult) {
	if o.artifacts == nil || len(result.Screenshots) == 0 {
		return
	}
	contentType := o.cfg.ArtifactContentType
	if contentType == "" {
		contentType = "image/png"
	}
	for i, path := range result.Screenshots {
		data, err := os.ReadFile(path)
		if err != nil {
			o.logger.Warn("read screenshot failed", zap.String("path", path), zap.Error(err))
			continue
		}
		objectPath := filepath.ToSlash(filepath.Join(o.cfg.ArtifactPrefix, state.job.ID, filepath.Base(path)))
		uri, err := o.artifacts.PutObject(ctx, objectPath, contentType, data)
		if err != nil {
			o.logger.Warn("upload screenshot failed", zap.String("path", path), zap.Error(err))
			continue
		}
		result.Screenshots[i] = uri
	}
}

// recordRun updates and persists the aggregate counters and the per-job
// automation log. Both are written regardless of outcome.
func (o *Orchestrator) recordRun(ctx context.Context, state *runState, result autoapply.ProcessingResult) {
	o.statsMu.Lock()
	o.stats.RecordRun(result.Success, result.Duration)
	o.stats.CaptchaEncountered += int64(len(state.captchas))
	if result.Success {
		o.stats.CaptchaSolved += int64(len(state.captchas))
	}
	statsCopy := o.stats
	o.statsMu.Unlock()

	if err := o.logStore.SaveStats(ctx, statsCopy); err != nil {
		o.logger.Warn("persist stats failed", zap.Error(err))
	}

	log := autoapply.AutomationLog{
		JobID:      state.job.ID,
		Steps:      state.steps,
		Captchas:   state.captchas,
		Result:     result,
		StartedAt:  state.startedAt,
		FinishedAt: o.clock.Now(),
	}
	if err := o.logStore.SaveLog(ctx, log); err != nil {
		o.logger.Warn("persist automation log failed", zap.String("job_id", state.job.ID), zap.Error(err))
	}
}

// reportResult publishes the completion notification, reports the terminal
// state to the queue and emits the terminal event.
func (o *Orchestrator) reportResult(ctx context.Context, state *runState, result autoapply.ProcessingResult) {
	if o.publisher != nil && o.cfg.CompletionTopic != "" {
		payload := map[string]any{
			"job_id":          state.job.ID,
			"execution_id":    state.executionID,
			"success":         result.Success,
			"confirmation_id": result.ConfirmationID,
			"company_type":    string(result.CompanyType),
			"mode":            string(result.Mode),
			"duration_ms":     result.Duration.Milliseconds(),
			"timestamp":       o.clock.Now().Format(time.RFC3339),
		}
		if _, err := o.publisher.Publish(ctx, o.cfg.CompletionTopic, payload); err != nil {
			o.logger.Warn("publish completion failed", zap.String("job_id", state.job.ID), zap.Error(err))
		}
	}

	if err := o.queue.Complete(ctx, state.job.ID, result); err != nil {
		o.logger.Error("completion report failed", zap.String("job_id", state.job.ID), zap.Error(err))
	}

	kind := events.KindJobCompleted
	if !result.Success {
		kind = events.KindJobFailed
	}
	o.emit(events.Event{
		Kind:    kind,
		TS:      o.clock.Now(),
		JobID:   state.job.ID,
		Company: state.company,
		Mode:    state.mode,
		Dur:     result.Duration,
		Note:    result.ErrorText,
	})
}

func (o *Orchestrator) emit(evt events.Event) {
	if o.emitter != nil {
		o.emitter.Emit(evt)
	}
}
