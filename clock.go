package kernelz

import (
	"context"
	"time"

	"github.com/zoobzio/clockz"
)

// TickSource drives a Kernel's SchedulerTick off a clockz.Clock, standing
// in for spec.md's tick_count()/hardware-timer-ISR pair. Use clockz.
// RealClock for production and clockz.NewFakeClock() in tests to advance
// ticks deterministically instead of sleeping wall time.
type TickSource struct {
	clock  clockz.Clock
	period time.Duration
	kernel *Kernel
}

// NewTickSource builds a TickSource that calls kernel.SchedulerTick once
// per period, measured against clock.
func NewTickSource(kernel *Kernel, clock clockz.Clock, period time.Duration) *TickSource {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &TickSource{clock: clock, period: period, kernel: kernel}
}

// Run drives ticks until ctx is canceled. Intended to run in its own
// goroutine alongside (*Kernel).Run.
func (ts *TickSource) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ts.clock.After(ts.period):
			ts.kernel.SchedulerTick()
		}
	}
}

// Clock exposes the underlying clock, e.g. so a test can advance a
// clockz.FakeClock directly instead of going through Run.
func (ts *TickSource) Clock() clockz.Clock {
	return ts.clock
}
