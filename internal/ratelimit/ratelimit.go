// Package ratelimit implements the dual-window admission gate that paces
// outbound automation runs: a fixed per-minute quota plus a short burst
// window that recovers ten seconds after each admission.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jobswipe/applyd/internal/autoapply"
)

const (
	minuteWindow = time.Minute
	burstWindow  = 10 * time.Second
)

// Config sizes the two admission windows.
type Config struct {
	// RequestsPerMinute caps admissions inside each fixed 60s window.
	RequestsPerMinute int
	// BurstLimit caps admissions inside any rolling 10s window.
	BurstLimit int
}

// Gate is a dual-window admission gate. The minute window is fixed and
// resets 60s after it opened; the burst window is rolling, each admission
// occupying a slot that frees 10s later. Safe for concurrent use.
type Gate struct {
	mu          sync.Mutex
	cfg         Config
	clock       autoapply.Clock
	windowStart time.Time
	minuteCount int
	burstTimes  []time.Time
}

// NewGate builds a Gate. A nil clock falls back to the wall clock.
func NewGate(cfg Config, clock autoapply.Clock) *Gate {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 30
	}
	if cfg.BurstLimit <= 0 {
		cfg.BurstLimit = 5
	}
	if clock == nil {
		clock = wallClock{}
	}
	return &Gate{cfg: cfg, clock: clock}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Allow reports whether a run may start now. A rejected attempt consumes
// nothing from either window.
func (g *Gate) Allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	if g.windowStart.IsZero() || now.Sub(g.windowStart) >= minuteWindow {
		g.windowStart = now
		g.minuteCount = 0
	}
	g.pruneBurst(now)

	if g.minuteCount >= g.cfg.RequestsPerMinute {
		return false
	}
	if len(g.burstTimes) >= g.cfg.BurstLimit {
		return false
	}

	g.minuteCount++
	g.burstTimes = append(g.burstTimes, now)
	return true
}

// Wait returns how long the caller should pause before the next attempt
// could succeed, or zero when a slot is free now.
func (g *Gate) Wait() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	g.pruneBurst(now)

	var wait time.Duration
	if !g.windowStart.IsZero() && g.minuteCount >= g.cfg.RequestsPerMinute {
		if d := minuteWindow - now.Sub(g.windowStart); d > wait {
			wait = d
		}
	}
	if len(g.burstTimes) >= g.cfg.BurstLimit {
		if d := burstWindow - now.Sub(g.burstTimes[0]); d > wait {
			wait = d
		}
	}
	return wait
}

func (g *Gate) pruneBurst(now time.Time) {
	kept := g.burstTimes[:0]
	for _, t := range g.burstTimes {
		if now.Sub(t) < burstWindow {
			kept = append(kept, t)
		}
	}
	g.burstTimes = kept
}
