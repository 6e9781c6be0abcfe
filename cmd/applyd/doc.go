// Package main hosts the application automation service entrypoint.
//
// Architecture overview:
//   - Queue poller: internal/poller lists pending jobs from the remote queue API on an interval, claims each
//     job for this device up to the configured concurrency cap, and hands claimed jobs to the orchestrator.
//     Consecutive poll failures back off exponentially and stop the poller once the retry budget is spent.
//   - Orchestrator: internal/orchestrator runs each claimed job through a prepare/execute/validate pipeline
//     with per-step retries, an admission rate gate, captcha detection with adaptive-to-interactive mode
//     switching, and confidence scoring of the outcome.
//   - Worker pool: internal/procpool manages a bounded pool of long-lived worker processes (Node automation
//     scripts by default). Tasks are framed onto worker stdin; progress, screenshots, and the final result
//     stream back over the stdout line protocol parsed by internal/ipc.
//   - Persistence & fanout: automation logs and aggregate stats go to the configured log store
//     (memory/Postgres); screenshots go to the configured blob store (memory/local/GCS); terminal results are
//     published to Pub/Sub when a topic is configured, and mirrored to the queue API.
//   - HTTP API: internal/api.Server exposes health, readiness, Prometheus metrics, pool/poller status,
//     aggregate stats, and per-job automation log lookup.
//   - Configuration & plumbing: Viper populates config from env/files (APPLYD_ prefix); zap provides
//     structured logging; lifecycle events are batched through the internal/events hub into log and
//     Prometheus sinks.
//
// Operational notes:
//   - Concurrency model: the poller's processing set caps concurrent jobs; the pool caps worker processes.
//     Shutdown is coordinated via context cancellation; workers get SIGTERM with a grace window before
//     SIGKILL.
//   - Rate limiting: a dual-window gate (per-minute plus short burst) rejects job starts; rejected jobs stay
//     claimed and are resubmitted on a later poll. Outbound queue API calls are paced separately.
//   - Run locally: go run ./cmd/applyd -config config.yaml (or rely solely on env overrides; queue.base_url
//     and queue.device_id are required).
package main
