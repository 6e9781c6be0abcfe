package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jobswipe/applyd/internal/autoapply"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (s *captureSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, batch...)
	return nil
}

func (s *captureSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *captureSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestHubDeliversBatches(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchWait: 20 * time.Millisecond}, sink)

	for i := 0; i < 5; i++ {
		hub.Emit(Event{
			Kind:  KindJobDiscovered,
			TS:    time.Now().UTC(),
			JobID: "job-1",
		})
	}

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 5
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Close(context.Background()))
	require.True(t, sink.closed)
}

func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchWait: 20 * time.Millisecond}, sink)

	hub.Emit(Event{Kind: KindJobDiscovered, TS: time.Now().UTC()}) // missing job id
	hub.Emit(Event{Kind: "BOGUS", TS: time.Now().UTC()})
	hub.Emit(Event{
		Kind:        KindCaptchaDetected,
		TS:          time.Now().UTC(),
		JobID:       "job-2",
		CaptchaType: autoapply.CaptchaRecaptcha,
	})

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)

	got := sink.snapshot()
	require.Equal(t, KindCaptchaDetected, got[0].Kind)
	require.NoError(t, hub.Close(context.Background()))
}

func TestHubCloseDrainsPending(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchWait: time.Hour}, sink)

	for i := 0; i < 10; i++ {
		hub.Emit(Event{Kind: KindPollerStopped, TS: time.Now().UTC()})
	}
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.snapshot(), 10)

	// Emit after close is a no-op.
	hub.Emit(Event{Kind: KindPollerStopped, TS: time.Now().UTC()})
	require.Len(t, sink.snapshot(), 10)
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	cases := []struct {
		name    string
		evt     Event
		wantErr bool
	}{
		{"zero timestamp", Event{Kind: KindPollerStopped}, true},
		{"progress out of range", Event{Kind: KindJobProgress, TS: now, JobID: "j", Percent: 150}, true},
		{"progress ok", Event{Kind: KindJobProgress, TS: now, JobID: "j", Percent: 50}, false},
		{"mode switch without mode", Event{Kind: KindModeSwitched, TS: now}, true},
		{"mode switch ok", Event{Kind: KindModeSwitched, TS: now, Mode: autoapply.ModeInteractive}, false},
		{"worker event without id", Event{Kind: KindWorkerSpawned, TS: now}, true},
		{"negative duration", Event{Kind: KindPollerStopped, TS: now, Dur: -time.Second}, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.evt.Validate()
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
