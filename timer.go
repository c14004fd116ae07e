package kernelz

import (
	"context"
	"sync"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
)

// Observability constants for TimerService, grounded on backoff.go's
// attempt/expiry bookkeeping shape.
const (
	MetricTimersActive    = metricz.Key("timer.active.count")
	MetricTimerFiresTotal = metricz.Key("timer.fires.total")

	TimerEventFired = hookz.Key("timer.fired")
)

// TimerCallback is invoked when a timer fires.
type TimerCallback func(t *Timer, arg any)

// TimerFiredEvent is emitted via hookz on every fire, independent of the
// direct callback invocation.
type TimerFiredEvent struct {
	Name string
	Tick uint32
}

// Timer is a single one-shot or periodic software timer (spec.md §4.9).
type Timer struct {
	Name       string
	period     Ticks
	expiryTick uint32
	autoReload bool
	active     bool
	cb         TimerCallback
	arg        any
	seq        uint64 // insertion order, for tie-breaking on expiry.
}

// TimerService evaluates software timers against a 32-bit tick counter
// with modular wrap-around comparison, exactly as spec.md §4.9 requires.
// The caller (typically the idle task or SchedulerTick's driver) invokes
// CheckExpiries once per tick.
type TimerService struct {
	k         *Kernel
	mu        sync.Mutex
	timers    []*Timer
	maxTimers int
	nextSeq   uint64
	metrics   *metricz.Registry
	hooks     *hookz.Hooks[TimerFiredEvent]
}

// NewTimerService creates a TimerService bound to k, holding at most
// maxTimers timers.
func NewTimerService(k *Kernel, maxTimers int) *TimerService {
	return &TimerService{
		k:         k,
		maxTimers: maxTimers,
		metrics:   k.metrics,
		hooks:     hookz.New[TimerFiredEvent](),
	}
}

// Create allocates an inactive timer.
func (ts *TimerService) Create(name string, period Ticks, autoReload bool, cb TimerCallback, arg any) (*Timer, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.timers) >= ts.maxTimers {
		return nil, newError("TimerService.Create", ResourceExhausted, ts.k.now(), nil)
	}
	if cb == nil {
		return nil, newError("TimerService.Create", InvalidArgument, ts.k.now(), nil)
	}
	t := &Timer{Name: name, period: period, autoReload: autoReload, cb: cb, arg: arg}
	ts.timers = append(ts.timers, t)
	ts.metrics.Gauge(MetricTimersActive).Set(float64(len(ts.timers)))
	return t, nil
}

// Start sets expiry_tick = tick_count()+period and marks t active; if
// already active, this is a restart (expiry reset).
func (ts *TimerService) Start(t *Timer) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.nextSeq++
	t.seq = ts.nextSeq
	t.expiryTick = uint32(ts.k.currentTick()) + uint32(t.period)
	t.active = true
	capitan.Info(context.Background(), SignalTimerStarted,
		FieldName.Field(t.Name), FieldPeriod.Field(int(t.period)))
}

// Stop clears t's active flag.
func (ts *TimerService) Stop(t *Timer) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t.active = false
	capitan.Info(context.Background(), SignalTimerStopped, FieldName.Field(t.Name))
}

// Delete removes t from the service entirely.
func (ts *TimerService) Delete(t *Timer) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for i, other := range ts.timers {
		if other == t {
			ts.timers = append(ts.timers[:i], ts.timers[i+1:]...)
			break
		}
	}
	ts.metrics.Gauge(MetricTimersActive).Set(float64(len(ts.timers)))
}

// expired reports whether expiry has passed current using modular
// (wrap-around-safe) unsigned arithmetic: spec.md §4.9's "compare
// (tick - expiry) reinterpreted as signed".
func expired(current, expiry uint32) bool {
	return int32(current-expiry) >= 0
}

// CheckExpiries fires every timer whose expiry has passed (insertion
// order on ties), reschedules auto-reload timers, and returns the
// minimum remaining ticks across active timers (or TicksForever if none
// are active).
func (ts *TimerService) CheckExpiries() Ticks {
	ts.mu.Lock()
	current := uint32(ts.k.currentTick())

	var due []firing
	for _, t := range ts.timers {
		if t.active && expired(current, t.expiryTick) {
			due = append(due, firing{t, t.seq})
		}
	}
	sortBySeq(due)

	for _, f := range due {
		t := f.t
		ts.metrics.Counter(MetricTimerFiresTotal).Inc()
		capitan.Info(context.Background(), SignalTimerFired, FieldName.Field(t.Name), FieldTick.Field(int(current)))
		if t.autoReload {
			t.expiryTick = current + uint32(t.period)
		} else {
			t.active = false
		}
		cb, arg := t.cb, t.arg
		ts.mu.Unlock()
		cb(t, arg)
		_ = ts.hooks.Emit(context.Background(), TimerEventFired, TimerFiredEvent{Name: t.Name, Tick: current})
		ts.mu.Lock()
	}

	minRemaining := Ticks(TicksForever)
	for _, t := range ts.timers {
		if !t.active {
			continue
		}
		remaining := Ticks(t.expiryTick - current)
		if remaining < minRemaining {
			minRemaining = remaining
		}
	}
	ts.mu.Unlock()
	return minRemaining
}

// firing pairs a due timer with its start-order sequence number for
// tie-breaking (spec.md §4.9: simultaneous expiries fire in insertion
// order).
type firing struct {
	t   *Timer
	seq uint64
}

func sortBySeq(due []firing) {
	for i := 1; i < len(due); i++ {
		for j := i; j > 0 && due[j].seq < due[j-1].seq; j-- {
			due[j], due[j-1] = due[j-1], due[j]
		}
	}
}

// currentTick exposes the kernel's tick counter to TimerService without
// widening Kernel's exported surface.
func (k *Kernel) currentTick() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.tick
}
