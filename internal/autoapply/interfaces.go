package autoapply

import (
	"context"
	"time"
)

// QueueAPI is the remote queue consumed by the poller and orchestrator.
type QueueAPI interface {
	ListPending(ctx context.Context, page, pageSize int) ([]QueueItem, error)
	Claim(ctx context.Context, jobID, deviceID string) (bool, error)
	UpdateProgress(ctx context.Context, jobID string, percent int, status JobStatus, message string) error
	Complete(ctx context.Context, jobID string, result ProcessingResult) error
}

// LogStore persists automation logs and the aggregate run statistics.
type LogStore interface {
	SaveLog(ctx context.Context, log AutomationLog) error
	GetLog(ctx context.Context, jobID string) (AutomationLog, error)
	SaveStats(ctx context.Context, stats Stats) error
	LoadStats(ctx context.Context) (Stats, error)
}

// ArtifactStore writes raw artifacts (screenshots) and returns a URI.
type ArtifactStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes terminal results to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task and execution IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
