// Package autoapply defines core types shared across subsystems.
package autoapply

import (
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a queued application job.
type JobStatus string

// Job status values mirrored from the remote queue.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// ProcessingMode selects how the automation browser runs.
type ProcessingMode string

// Supported processing modes. Adaptive starts headless and switches to
// interactive when a bot challenge is detected.
const (
	ModeHeadless    ProcessingMode = "headless"
	ModeInteractive ProcessingMode = "interactive"
	ModeAdaptive    ProcessingMode = "adaptive"
)

// JobPosting describes the posting being applied to.
type JobPosting struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Company     string `json:"company"`
	ApplyURL    string `json:"apply_url"`
	Description string `json:"description,omitempty"`
}

// ApplicantProfile carries the applicant data handed to the worker script.
type ApplicantProfile struct {
	FirstName          string `json:"first_name"`
	LastName           string `json:"last_name"`
	Email              string `json:"email"`
	Phone              string `json:"phone,omitempty"`
	ResumeURL          string `json:"resume_url,omitempty"`
	BrowserProfilePath string `json:"browser_profile_path,omitempty"`
}

// JobPayload is the claimable unit of work: a posting plus the profile to
// apply with.
type JobPayload struct {
	Posting JobPosting       `json:"posting"`
	Profile ApplicantProfile `json:"profile"`
}

// QueueItem mirrors a remote queue entry while it is claimed locally.
type QueueItem struct {
	ID        string     `json:"id"`
	Payload   JobPayload `json:"payload"`
	Priority  int        `json:"priority"`
	Status    JobStatus  `json:"status"`
	DeviceID  string     `json:"device_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// WorkerStatus is the pool-side state of a worker process.
type WorkerStatus string

// Worker states. Terminated is a sink. Only idle re-enters busy; a worker
// that faults is marked error and retired rather than reused.
const (
	WorkerIdle       WorkerStatus = "idle"
	WorkerBusy       WorkerStatus = "busy"
	WorkerError      WorkerStatus = "error"
	WorkerTerminated WorkerStatus = "terminated"
)

// WorkerInfo is a point-in-time snapshot of a pooled worker process.
type WorkerInfo struct {
	ID         string       `json:"id"`
	PID        int          `json:"pid"`
	Status     WorkerStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	LastUsedAt time.Time    `json:"last_used_at"`
	TaskCount  int          `json:"task_count"`
	MemoryRSS  int64        `json:"memory_rss,omitempty"`
}

// TaskStatus is the terminal state of one automation task.
type TaskStatus string

// A task reaches exactly one of these.
const (
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskTimeout   TaskStatus = "timeout"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is one unit of work submitted to the worker pool.
type Task struct {
	ID          string            `json:"id"`
	JobID       string            `json:"job_id"`
	Script      string            `json:"script"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Timeout     time.Duration     `json:"timeout"`
	Priority    int               `json:"priority"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	WorkerID    string            `json:"worker_id,omitempty"`
}

// TaskResult is what the pool hands back after a task reaches a terminal
// state. Output holds the structured result parsed from the worker stream,
// Raw the unparsed fallback.
type TaskResult struct {
	Status      TaskStatus     `json:"status"`
	ExitCode    int            `json:"exit_code"`
	Output      map[string]any `json:"output,omitempty"`
	Raw         string         `json:"raw,omitempty"`
	Screenshots []string       `json:"screenshots,omitempty"`
	Logs        []string       `json:"logs,omitempty"`
	ErrorText   string         `json:"error_text,omitempty"`
	Duration    time.Duration  `json:"duration"`
}

// AutomationStep is one append-only entry in a job's step log.
type AutomationStep struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Success   bool          `json:"success"`
	Retries   int           `json:"retries"`
	Duration  time.Duration `json:"duration"`
	ErrorText string        `json:"error_text,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// CaptchaType labels the kind of challenge observed in worker output.
type CaptchaType string

// Known challenge kinds.
const (
	CaptchaRecaptcha  CaptchaType = "recaptcha"
	CaptchaHCaptcha   CaptchaType = "hcaptcha"
	CaptchaCloudflare CaptchaType = "cloudflare"
	CaptchaImage      CaptchaType = "image_captcha"
	CaptchaText       CaptchaType = "text_captcha"
	CaptchaUnknown    CaptchaType = "unknown"
)

// CaptchaEvent records one challenge-detection occurrence during a run.
type CaptchaEvent struct {
	JobID            string      `json:"job_id"`
	Type             CaptchaType `json:"type"`
	Timestamp        time.Time   `json:"timestamp"`
	Solved           bool        `json:"solved"`
	ResolutionMethod string      `json:"resolution_method,omitempty"`
}

// ProcessingResult is the terminal outcome of one job application run.
type ProcessingResult struct {
	Success        bool           `json:"success"`
	ApplicationID  string         `json:"application_id,omitempty"`
	ConfirmationID string         `json:"confirmation_id,omitempty"`
	Confidence     int            `json:"confidence"`
	Screenshots    []string       `json:"screenshots,omitempty"`
	Logs           []string       `json:"logs,omitempty"`
	ErrorText      string         `json:"error_text,omitempty"`
	CompanyType    CompanyType    `json:"company_type,omitempty"`
	Mode           ProcessingMode `json:"mode,omitempty"`
	Duration       time.Duration  `json:"duration"`
}

// AutomationLog is the persisted per-job record of all steps and timing.
type AutomationLog struct {
	JobID      string           `json:"job_id"`
	Steps      []AutomationStep `json:"steps"`
	Captchas   []CaptchaEvent   `json:"captchas,omitempty"`
	Result     ProcessingResult `json:"result"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// Stats aggregates run counters across all processed jobs. Persisted after
// each mutation so counts survive a restart.
type Stats struct {
	Total              int64 `json:"total"`
	Succeeded          int64 `json:"succeeded"`
	Failed             int64 `json:"failed"`
	CaptchaEncountered int64 `json:"captcha_encountered"`
	CaptchaSolved      int64 `json:"captcha_solved"`
	AvgDurationMs      int64 `json:"avg_duration_ms"`
}

// RecordRun folds one run into the counters, keeping a rolling average
// duration.
func (s *Stats) RecordRun(success bool, d time.Duration) {
	prevTotal := s.Total
	s.Total++
	if success {
		s.Succeeded++
	} else {
		s.Failed++
	}
	s.AvgDurationMs = (s.AvgDurationMs*prevTotal + d.Milliseconds()) / s.Total
}

// CompanyType identifies the ATS/job-board family behind an apply URL.
type CompanyType string

// Recognized ATS families; Generic is the fallback automation.
const (
	CompanyLinkedIn   CompanyType = "linkedin"
	CompanyGreenhouse CompanyType = "greenhouse"
	CompanyLever      CompanyType = "lever"
	CompanyWorkday    CompanyType = "workday"
	CompanyIndeed     CompanyType = "indeed"
	CompanyBambooHR   CompanyType = "bamboohr"
	CompanyGeneric    CompanyType = "generic"
)

// DetectCompanyType classifies an apply URL into an ATS family.
func DetectCompanyType(applyURL string) CompanyType {
	lower := strings.ToLower(applyURL)
	switch {
	case strings.Contains(lower, "linkedin.com"):
		return CompanyLinkedIn
	case strings.Contains(lower, "greenhouse.io"):
		return CompanyGreenhouse
	case strings.Contains(lower, "lever.co"):
		return CompanyLever
	case strings.Contains(lower, "myworkdayjobs.com"), strings.Contains(lower, "workday.com"):
		return CompanyWorkday
	case strings.Contains(lower, "indeed.com"):
		return CompanyIndeed
	case strings.Contains(lower, "bamboohr.com"):
		return CompanyBambooHR
	default:
		return CompanyGeneric
	}
}
