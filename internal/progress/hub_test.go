package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/recipe-importer/internal/importer"
)

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageJobStart))
	hub.Emit(sampleEvent(StageJobProgress))
	require.Eventually(t, func() bool {
		batches := sink.Batches()
		return len(batches) == 1 && len(batches[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageJobStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	hub := &Hub{
		cfg:     Config{},
		events:  make(chan Event),
		logger:  zap.New(core),
		dropLog: rate.Sometimes{Interval: time.Hour},
	}
	start := time.Now()
	hub.Emit(sampleEvent(StageJobStart))
	hub.Emit(sampleEvent(StageJobStart))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(2), hub.Dropped())

	entries := logs.FilterMessage("progress events dropped due to backpressure").All()
	require.Len(t, entries, 1)
	require.Equal(t, int64(1), entries[0].ContextMap()["dropped"])
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchWait: time.Minute}, sink)

	hub.Emit(Event{Stage: StageJobStart})
	hub.Emit(Event{JobID: "job-1", TS: time.Now(), Stage: StageJobDone})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(sampleEvent(StageJobStart))

	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.closed)

	hub.Emit(sampleEvent(StageJobStart))
	require.Len(t, sink.Batches(), 1)
}

func TestEventTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, sampleEvent(StageJobProgress).Terminal())
	require.True(t, Event{Stage: StageJobCancelled}.Terminal())
	require.True(t, Event{Stage: StageJobDone}.Terminal())
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(stage Stage) Event {
	return Event{
		JobID:   "job-1",
		TS:      time.Now(),
		Stage:   stage,
		Status:  importer.StatusDownloading,
		Percent: 10,
	}
}
