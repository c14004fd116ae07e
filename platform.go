package kernelz

import (
	"context"
	"fmt"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
)

// Platform is the kernel's hardware-abstraction collaborator: the two
// primitives spec.md's bare-metal contract reduces to once context
// switching is a goroutine/channel handoff rather than a register save —
// everything else (tick_count, irq_lock/unlock, initialize_stack_frame)
// has a direct Go-native substitute documented in SPEC_FULL.md §1.
type Platform interface {
	// CPUIdle is called by the idle task when no other task is Ready. The
	// default implementation sleeps one tick period on a clock instead of
	// busy-waiting.
	CPUIdle()
	// Panic is the kernel's unrecoverable-condition sink: stack-canary
	// corruption, a blocking call made from inside a push callback, and
	// task panics all route here instead of through ordinary error
	// returns. The allocator package does not call it.
	Panic(reason string)
}

// defaultPlatform is the stock Platform: CPUIdle sleeps one tick period on
// a clock, Panic emits a capitan signal at Error severity and then calls
// the Go builtin panic.
type defaultPlatform struct {
	clock      clockz.Clock
	tickPeriod time.Duration
}

// DefaultPlatform returns a Platform whose CPUIdle sleeps tickPeriod on
// clock and whose Panic logs then calls the Go builtin panic.
func DefaultPlatform(clock clockz.Clock, tickPeriod time.Duration) Platform {
	if clock == nil {
		clock = clockz.RealClock
	}
	if tickPeriod <= 0 {
		tickPeriod = time.Millisecond
	}
	return &defaultPlatform{clock: clock, tickPeriod: tickPeriod}
}

func (p *defaultPlatform) CPUIdle() {
	<-p.clock.After(p.tickPeriod)
}

func (p *defaultPlatform) Panic(reason string) {
	capitan.Error(context.Background(), SignalStackCorruption,
		FieldError.Field(reason),
		FieldTimestamp.Field(float64(p.clock.Now().Unix())),
	)
	panic(fmt.Sprintf("kernelz: fatal: %s", reason))
}
