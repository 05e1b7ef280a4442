// Package limiter caps how many jobs execute their pipeline at once.
package limiter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/recipe-importer/internal/metrics"
)

// DefaultCapacity is used when a non-positive capacity is supplied.
const DefaultCapacity = 5

// Limiter is a counting gate shared by all job runners.
type Limiter struct {
	sem      *semaphore.Weighted
	capacity int64
	inUse    atomic.Int64

	slotsInUse prometheus.Gauge
	waitTime   prometheus.Histogram
}

// Slot is a held permit. Release is idempotent.
type Slot struct {
	l    *Limiter
	once sync.Once
}

// New builds a Limiter of the given capacity and registers its collectors on
// reg. A nil registerer skips metric registration; a registerer that already
// holds the collectors is reused.
func New(capacity int, reg prometheus.Registerer) (*Limiter, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Limiter{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
		slotsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "recipes_limiter_slots_in_use",
			Help: "Job execution slots currently held.",
		}),
		waitTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "recipes_limiter_wait_seconds",
			Help:    "Time jobs spent waiting for an execution slot.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		}),
	}
	if reg != nil {
		var err error
		if l.slotsInUse, err = metrics.Register(reg, l.slotsInUse); err != nil {
			return nil, fmt.Errorf("register limiter collector: %w", err)
		}
		if l.waitTime, err = metrics.Register(reg, l.waitTime); err != nil {
			return nil, fmt.Errorf("register limiter collector: %w", err)
		}
	}
	return l, nil
}

// Acquire blocks until a slot is free or ctx ends. On ctx end no slot is held.
func (l *Limiter) Acquire(ctx context.Context) (*Slot, error) {
	start := time.Now()
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire execution slot: %w", err)
	}
	l.waitTime.Observe(time.Since(start).Seconds())
	l.slotsInUse.Set(float64(l.inUse.Add(1)))
	return &Slot{l: l}, nil
}

// Release returns the slot. Calls after the first are no-ops.
func (s *Slot) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.l.slotsInUse.Set(float64(s.l.inUse.Add(-1)))
		s.l.sem.Release(1)
	})
}

// InUse returns the number of slots currently held.
func (l *Limiter) InUse() int {
	return int(l.inUse.Load())
}

// Capacity returns the configured maximum.
func (l *Limiter) Capacity() int {
	return int(l.capacity)
}
