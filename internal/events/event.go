// Package events defines the typed event stream emitted by the poller,
// orchestrator and worker pool, and the hub that fans events out to sinks.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/jobswipe/applyd/internal/autoapply"
)

// Kind discriminates event payloads.
type Kind string

// Supported event kinds.
const (
	KindJobDiscovered    Kind = "JOB_DISCOVERED"
	KindJobClaimed       Kind = "JOB_CLAIMED"
	KindJobProgress      Kind = "JOB_PROGRESS"
	KindCaptchaDetected  Kind = "CAPTCHA_DETECTED"
	KindModeSwitched     Kind = "MODE_SWITCHED"
	KindJobCompleted     Kind = "JOB_COMPLETED"
	KindJobFailed        Kind = "JOB_FAILED"
	KindPollerStopped    Kind = "POLLER_STOPPED"
	KindWorkerSpawned    Kind = "WORKER_SPAWNED"
	KindWorkerTerminated Kind = "WORKER_TERMINATED"
)

// Event captures a single milestone in the automation lifecycle. Only the
// fields relevant to the Kind are populated.
type Event struct {
	// Kind denotes which lifecycle milestone occurred.
	Kind Kind
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// JobID scopes job-lifecycle events; empty for pool/poller events.
	JobID string
	// WorkerID scopes pool events and execution progress.
	WorkerID string
	// Company labels job events with the detected ATS family.
	Company autoapply.CompanyType
	// Percent carries progress for JOB_PROGRESS (0-100).
	Percent int
	// Step names the pipeline step or progress step reported by the worker.
	Step string
	// CaptchaType qualifies CAPTCHA_DETECTED.
	CaptchaType autoapply.CaptchaType
	// Mode carries the new mode for MODE_SWITCHED.
	Mode autoapply.ProcessingMode
	// Dur captures execution latency for terminal job events.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindJobDiscovered, KindJobClaimed, KindJobCompleted, KindJobFailed:
		if e.JobID == "" {
			return errors.New("job event requires job id")
		}
	case KindJobProgress:
		if e.JobID == "" {
			return errors.New("progress requires job id")
		}
		if e.Percent < 0 || e.Percent > 100 {
			return errors.New("progress percent out of range")
		}
	case KindCaptchaDetected:
		if e.JobID == "" {
			return errors.New("captcha event requires job id")
		}
		if e.CaptchaType == "" {
			return errors.New("captcha event requires challenge type")
		}
	case KindModeSwitched:
		if e.Mode == "" {
			return errors.New("mode switch requires target mode")
		}
	case KindWorkerSpawned, KindWorkerTerminated:
		if e.WorkerID == "" {
			return errors.New("worker event requires worker id")
		}
	case KindPollerStopped:
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
