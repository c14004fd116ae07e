package kernelz

import (
	"context"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for Semaphore, grounded on ratelimiter.go's
// count-under-a-mutex instrumentation shape.
const (
	MetricSemWaitTotal   = metricz.Key("semaphore.wait.total")
	MetricSemSignalTotal = metricz.Key("semaphore.signal.total")
	MetricSemDropTotal   = metricz.Key("semaphore.dropped.total")
	SemWaitSpan          = tracez.Key("semaphore.wait")
)

// Semaphore is a counting semaphore with wait/signal/broadcast and the
// documented "drop at max with no waiter" behavior (spec.md §4.6).
type Semaphore struct {
	k       *Kernel
	count   int
	max     int
	waiters waitList
	metrics *metricz.Registry
	tracer  *tracez.Tracer
}

// NewSemaphore creates a Semaphore with an initial count (clamped to
// [0,max]) and a maximum count.
func NewSemaphore(k *Kernel, initial, max int) *Semaphore {
	if initial > max {
		initial = max
	}
	if initial < 0 {
		initial = 0
	}
	return &Semaphore{
		k:       k,
		count:   initial,
		max:     max,
		waiters: newWaitList(),
		metrics: k.metrics,
		tracer:  k.tracer,
	}
}

// Wait decrements the count, blocking up to timeout ticks if it is
// already zero. timeout == 0 is a non-blocking try; TicksForever waits
// indefinitely.
func (s *Semaphore) Wait(ctx context.Context, timeout Ticks) error {
	s.k.checkNotInCallback()
	s.k.CheckPoint(ctx)
	_, span := s.tracer.StartSpan(ctx, SemWaitSpan)
	defer span.Finish()

	s.k.mu.Lock()
	s.metrics.Counter(MetricSemWaitTotal).Inc()

	cur := s.k.tasks[s.k.current]
	for {
		if s.count > 0 {
			s.count--
			s.k.mu.Unlock()
			return nil
		}
		if timeout == 0 {
			s.k.mu.Unlock()
			return newError("Semaphore.Wait", Timeout, s.k.now(), nil)
		}
		capitan.Info(ctx, SignalSemaphoreBlocked, FieldTaskID.Field(int(s.k.current)), FieldCount.Field(s.count))
		if !s.k.blockWithTimeoutLocked(&s.waiters, timeout) {
			s.k.mu.Unlock()
			return newError("Semaphore.Wait", Timeout, s.k.now(), nil)
		}
		// The semaphore was deleted out from under us: it's a released
		// indication, not a grant, and must return unconditionally rather
		// than falling through to re-check count.
		if cur.released {
			cur.released = false
			s.k.mu.Unlock()
			return newError("Semaphore.Wait", Deleted, s.k.now(), nil)
		}
		// A direct Signal handoff grants the token without touching
		// count; only a broadcast or spurious wake needs to re-check it.
		if cur.handoffGranted {
			cur.handoffGranted = false
			s.k.mu.Unlock()
			return nil
		}
	}
}

// Signal wakes one waiter directly (token handoff, count unchanged) if
// any are waiting; otherwise increments count up to max. A signal at max
// with no waiter is silently dropped (spec.md §4.6, Open Question:
// confirmed as explicit, not an error).
func (s *Semaphore) Signal() {
	s.k.mu.Lock()
	defer s.k.mu.Unlock()

	id := s.k.waitListPop(&s.waiters)
	if id != invalidTaskID {
		s.k.tasks[id].handoffGranted = true
		s.k.wakeTaskLocked(id)
		s.metrics.Counter(MetricSemSignalTotal).Inc()
		capitan.Info(context.Background(), SignalSemaphoreSignaled, FieldTaskID.Field(int(id)))
		return
	}
	if s.count < s.max {
		s.count++
		s.metrics.Counter(MetricSemSignalTotal).Inc()
		return
	}
	s.metrics.Counter(MetricSemDropTotal).Inc()
	capitan.Warn(context.Background(), SignalSemaphoreDropped,
		FieldCount.Field(s.count), FieldMaxCount.Field(s.max))
}

// Broadcast wakes every waiter, incrementing count up to max for each
// (excess dropped). Woken waiters re-check on wake and re-block if the
// count is already exhausted by the time they run.
func (s *Semaphore) Broadcast() {
	s.k.mu.Lock()
	defer s.k.mu.Unlock()

	for {
		id := s.k.waitListPop(&s.waiters)
		if id == invalidTaskID {
			break
		}
		if s.count < s.max {
			s.count++
		}
		s.k.wakeTaskLocked(id)
	}
}

// Delete wakes every waiter with a released indication without granting
// the semaphore.
func (s *Semaphore) Delete() {
	s.k.mu.Lock()
	defer s.k.mu.Unlock()
	s.k.drainReleased(&s.waiters)
}
