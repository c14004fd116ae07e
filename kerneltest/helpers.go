// Package kerneltest provides test utilities and helpers for kernelz-based
// schedulers and primitives.
//
// This package includes a fake platform, notification-counting hooks, chaos
// injection for timer callbacks, and assertion/polling helpers to make
// testing kernelz tasks and primitives easier and more comprehensive.
package kerneltest

import (
	"context"
	"crypto/rand"
	mathrand "math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/kernelz"
)

// FakePlatform is a configurable kernelz.Platform for tests. It records
// every CPUIdle call and every Panic reason rather than acting on them, so
// a test can drive fatal paths (stack canary audits, task panics) without
// crashing the test process.
type FakePlatform struct {
	mu         sync.Mutex
	idleCount  int64
	panics     []string
	idleDelay  time.Duration
}

// NewFakePlatform creates a FakePlatform with no idle delay.
func NewFakePlatform() *FakePlatform {
	return &FakePlatform{}
}

// WithIdleDelay configures CPUIdle to sleep for d before returning, useful
// for simulating a slow idle loop.
func (p *FakePlatform) WithIdleDelay(d time.Duration) *FakePlatform {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idleDelay = d
	return p
}

// CPUIdle implements kernelz.Platform.
func (p *FakePlatform) CPUIdle() {
	atomic.AddInt64(&p.idleCount, 1)
	p.mu.Lock()
	d := p.idleDelay
	p.mu.Unlock()
	if d > 0 {
		time.Sleep(d)
	}
}

// Panic implements kernelz.Platform by recording reason instead of calling
// the builtin panic, so tests can assert a corruption condition was
// detected without tearing down the process.
func (p *FakePlatform) Panic(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.panics = append(p.panics, reason)
}

// IdleCount returns how many times CPUIdle has been called.
func (p *FakePlatform) IdleCount() int {
	return int(atomic.LoadInt64(&p.idleCount))
}

// Panics returns a copy of every reason passed to Panic, in order.
func (p *FakePlatform) Panics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.panics))
	copy(out, p.panics)
	return out
}

// PanicCount returns how many times Panic has been called.
func (p *FakePlatform) PanicCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.panics)
}

var _ kernelz.Platform = (*FakePlatform)(nil)

// NotifyRecorder is a kernelz.OnTaskNotify handler that records every
// delivered kernelz.NotifyEvent for later assertions.
type NotifyRecorder struct {
	mu     sync.Mutex
	events []kernelz.NotifyEvent
}

// NewNotifyRecorder creates an empty NotifyRecorder.
func NewNotifyRecorder() *NotifyRecorder {
	return &NotifyRecorder{}
}

// Handler returns the func to pass to Kernel.OnTaskNotify.
func (r *NotifyRecorder) Handler() func(context.Context, kernelz.NotifyEvent) error {
	return func(_ context.Context, ev kernelz.NotifyEvent) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
		return nil
	}
}

// Count returns how many events have been recorded.
func (r *NotifyRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Last returns the most recently recorded event and true, or a zero value
// and false if none have arrived yet.
func (r *NotifyRecorder) Last() (kernelz.NotifyEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return kernelz.NotifyEvent{}, false
	}
	return r.events[len(r.events)-1], true
}

// ChaosTimerCallback wraps a kernelz.TimerCallback and randomly injects a
// panic, mirroring chaos-testing injection rates rather than deterministic
// behavior, to exercise recoverTaskPanic-style fault isolation around
// software timers.
type ChaosTimerCallback struct {
	mu         sync.Mutex
	wrapped    kernelz.TimerCallback
	panicRate  float64
	rng        *mathrand.Rand
	totalCalls int64
	panicCalls int64
}

// NewChaosTimerCallback creates a ChaosTimerCallback that calls wrapped on
// every fire, panicking with panicRate probability instead. seed == 0 picks
// a random seed via crypto/rand.
func NewChaosTimerCallback(wrapped kernelz.TimerCallback, panicRate float64, seed int64) *ChaosTimerCallback {
	if seed == 0 {
		var b [8]byte
		if _, err := rand.Read(b[:]); err == nil {
			seed = int64(b[0])<<56 | int64(b[1])<<48 | int64(b[2])<<40 | int64(b[3])<<32 |
				int64(b[4])<<24 | int64(b[5])<<16 | int64(b[6])<<8 | int64(b[7])
		} else {
			seed = 1
		}
	}
	return &ChaosTimerCallback{
		wrapped:   wrapped,
		panicRate: panicRate,
		rng:       mathrand.New(mathrand.NewSource(seed)), //nolint:gosec // deterministic test chaos, not security sensitive
	}
}

// Callback returns the kernelz.TimerCallback to pass to TimerService.Create.
func (c *ChaosTimerCallback) Callback() kernelz.TimerCallback {
	return func(t *kernelz.Timer, arg any) {
		atomic.AddInt64(&c.totalCalls, 1)
		c.mu.Lock()
		trigger := c.rng.Float64() < c.panicRate
		c.mu.Unlock()
		if trigger {
			atomic.AddInt64(&c.panicCalls, 1)
			panic("chaos timer callback induced panic")
		}
		if c.wrapped != nil {
			c.wrapped(t, arg)
		}
	}
}

// Stats returns the total and panicking call counts observed so far.
func (c *ChaosTimerCallback) Stats() (total, panics int64) {
	return atomic.LoadInt64(&c.totalCalls), atomic.LoadInt64(&c.panicCalls)
}

// WaitForState polls until task id reaches want, or timeout elapses.
// Returns true if want was observed.
func WaitForState(k *kernelz.Kernel, id kernelz.TaskID, want kernelz.TaskState, timeout time.Duration) bool {
	start := time.Now()
	for time.Since(start) < timeout {
		if k.TaskGetStateAtomic(id) == want {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return k.TaskGetStateAtomic(id) == want
}

// WaitForCondition polls cond until it returns true, or timeout elapses.
// Returns true if cond was observed true.
func WaitForCondition(cond func() bool, timeout time.Duration) bool {
	start := time.Now()
	for time.Since(start) < timeout {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}

// AssertTaskState fails the test unless task id is in state want.
func AssertTaskState(t *testing.T, k *kernelz.Kernel, id kernelz.TaskID, want kernelz.TaskState) {
	t.Helper()
	if got := k.TaskGetStateAtomic(id); got != want {
		t.Errorf("task %d state = %s, want %s", id, got, want)
	}
}

// ParallelTest runs testFunc concurrently across goroutines goroutines and
// waits for all of them to finish, useful for hammering a mutex, semaphore,
// queue, or event group from many tasks at once.
func ParallelTest(t *testing.T, goroutines int, testFunc func(id int)) {
	t.Helper()

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			testFunc(id)
		}(i)
	}
	wg.Wait()
}

// MeasureLatency measures the wall-clock duration of fn, useful for
// asserting a blocking primitive actually blocked (or didn't) under a fake
// clock.
func MeasureLatency(fn func()) time.Duration {
	start := time.Now()
	fn()
	return time.Since(start)
}
