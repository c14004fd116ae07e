package kernelz

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for the scheduler core.
const (
	MetricTasksCreatedTotal    = metricz.Key("scheduler.tasks.created.total")
	MetricTasksDeletedTotal    = metricz.Key("scheduler.tasks.deleted.total")
	MetricContextSwitchesTotal = metricz.Key("scheduler.context_switches.total")
	MetricReadyGauge           = metricz.Key("scheduler.ready.count")
	MetricZombieGauge          = metricz.Key("scheduler.zombie.count")

	SchedulerTickSpan     = tracez.Key("scheduler.tick")
	SchedulerSleepSpan    = tracez.Key("scheduler.sleep")
	SchedulerTagTick      = tracez.Tag("scheduler.tick")
	SchedulerTagTaskID    = tracez.Tag("scheduler.task_id")
	SchedulerTagWeight    = tracez.Tag("scheduler.weight")

	NotifyEventDelivered = hookz.Key("task.notify.delivered")
)

// NotifyEvent is emitted via hookz whenever TaskNotify delivers a value,
// mirroring pipz's per-connector Event-struct-over-hookz pattern.
type NotifyEvent struct {
	TaskID    TaskID
	Value     uint32
	Timestamp time.Time
}

// Kernel is the process-wide scheduler: the task table, ready set, sleep
// bookkeeping, and the single lock that plays the role of
// irq_lock/irq_unlock (spec.md §5). Create one with New and drive it with
// Run plus a TickSource.
type Kernel struct {
	mu sync.Mutex

	cfg      Config
	platform Platform
	clock    clockz.Clock

	tasks   []*Task
	ready   []TaskID
	current TaskID
	zombies []TaskID

	tick       uint64
	lastGCTick uint64

	// inCallback guards against a queue push callback (or any other
	// synchronous hook invoked from inside the critical section) calling
	// back into a blocking kernel operation (spec.md §5). It is checked
	// before k.mu is acquired, since a reentrant call runs on the same
	// goroutine that already holds k.mu and would otherwise deadlock on
	// a non-reentrant mutex rather than being caught.
	inCallback atomic.Bool

	notifyHooks *hookz.Hooks[NotifyEvent]
	metrics     *metricz.Registry
	tracer      *tracez.Tracer
}

// New creates a Kernel with its idle task (slot 0, weight WeightLow)
// already Ready, the Go-native substitute for scheduler_init(). An
// invalid cfg falls back to DefaultConfig() rather than failing, since
// the spec's configuration values are tuning knobs, not required input.
func New(cfg Config, platform Platform) *Kernel {
	if err := cfg.validate(); err != nil {
		cfg = DefaultConfig()
	}
	if platform == nil {
		platform = DefaultPlatform(clockz.RealClock, time.Millisecond)
	}

	metrics := metricz.New()
	metrics.Counter(MetricTasksCreatedTotal)
	metrics.Counter(MetricTasksDeletedTotal)
	metrics.Counter(MetricContextSwitchesTotal)
	metrics.Gauge(MetricReadyGauge)
	metrics.Gauge(MetricZombieGauge)

	k := &Kernel{
		cfg:         cfg,
		platform:    platform,
		clock:       clockz.RealClock,
		tasks:       make([]*Task, cfg.MaxTasks),
		current:     invalidTaskID,
		notifyHooks: hookz.New[NotifyEvent](),
		metrics:     metrics,
		tracer:      tracez.New(),
	}

	idleStack := make([]byte, cfg.StackMinBytes)
	idle := newTask(idleTaskID, k.idleLoop, nil, idleStack, true, WeightLow)
	idle.writeCanaries()
	idle.state = StateReady
	k.tasks[idleTaskID] = idle
	k.ready = append(k.ready, idleTaskID)

	go k.runTaskGoroutine(idle)
	return k
}

// WithClock installs a clock used for error/signal timestamps. It does
// not affect tick cadence; pair a TickSource with the same clock for
// deterministic tests.
func (k *Kernel) WithClock(clock clockz.Clock) *Kernel {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.clock = clock
	return k
}

func (k *Kernel) now() time.Time {
	if k.clock == nil {
		return time.Now()
	}
	return k.clock.Now()
}

// Metrics returns the kernel's metrics registry.
func (k *Kernel) Metrics() *metricz.Registry { return k.metrics }

// Tracer returns the kernel's tracer.
func (k *Kernel) Tracer() *tracez.Tracer { return k.tracer }

// OnTaskNotify registers a handler invoked whenever TaskNotify delivers a
// value to a task.
func (k *Kernel) OnTaskNotify(handler func(context.Context, NotifyEvent) error) error {
	_, err := k.notifyHooks.Hook(NotifyEventDelivered, handler)
	return err
}

// Close releases observability resources.
func (k *Kernel) Close() error {
	k.tracer.Close()
	k.notifyHooks.Close()
	return nil
}

// Run hands control to the first Ready task (scheduler_start's Go-native
// substitute) and blocks until ctx is canceled. Unlike the bare-metal
// "does not return" contract, a hosted process needs a clean way to stop
// the simulation for tests and graceful shutdown (REDESIGN FLAGS).
func (k *Kernel) Run(ctx context.Context) error {
	k.mu.Lock()
	next := k.scheduleNextTaskLocked()
	k.mu.Unlock()
	if next != invalidTaskID {
		k.resumeTask(next)
	}
	<-ctx.Done()
	return ctx.Err()
}

// SchedulerTick is the ISR-context entry point: decrement the running
// task's slice, move expired sleepers to Ready, and mark a preemption
// pending when warranted. Actual context switch happens at the next
// checkpoint the running task's goroutine reaches (see CheckPoint).
func (k *Kernel) SchedulerTick() {
	_, span := k.tracer.StartSpan(context.Background(), SchedulerTickSpan)
	defer span.Finish()

	k.mu.Lock()
	k.tick++
	tick := k.tick
	span.SetTag(SchedulerTagTick, fmt.Sprintf("%d", tick))

	for id := TaskID(0); int(id) < len(k.tasks); id++ {
		t := k.tasks[id]
		if t == nil || t.state != StateSleeping {
			continue
		}
		if tick < t.wakeUpTick {
			continue
		}
		if t.waitListRef != nil {
			k.waitListRemove(t.waitListRef, id)
			t.timedOut = true
			t.waitListRef = nil
		}
		k.wakeTaskLocked(id)
	}

	if k.current != invalidTaskID {
		cur := k.tasks[k.current]
		if cur.slice > 0 {
			cur.slice--
		}
		switchNeeded := cur.slice == 0 || cur.state != StateRunning
		if !switchNeeded && k.highestReadyWeightLocked() > cur.weight {
			switchNeeded = true
		}
		if switchNeeded {
			cur.preemptPending.Store(true)
		}
	}
	k.mu.Unlock()
}

// CheckPoint consumes a pending tick-boundary preemption, the Go-native
// substitute for a hardware timer interrupt landing mid-instruction
// (SPEC_FULL.md §1, REDESIGN FLAGS). Task entry points should call it
// from CPU-bound loops; every blocking primitive calls it once on entry,
// before its wait loop.
func (k *Kernel) CheckPoint(_ context.Context) {
	k.mu.Lock()
	id := k.current
	if id == invalidTaskID {
		k.mu.Unlock()
		return
	}
	t := k.tasks[id]
	if !t.preemptPending.Load() {
		k.mu.Unlock()
		return
	}
	t.preemptPending.Store(false)
	k.enqueueReadyLocked(id)
	k.current = invalidTaskID
	next := k.scheduleNextTaskLocked()
	k.mu.Unlock()
	if next != invalidTaskID {
		k.resumeTask(next)
	}
	<-t.resume
}

// scheduleNextTaskLocked implements the weighted round-robin walk:
// highest effective weight among Ready tasks wins, ties broken by FIFO
// (insertion order in the ready queue). The idle task is chosen only when
// it is the sole Ready task. Caller holds k.mu.
func (k *Kernel) scheduleNextTaskLocked() TaskID {
	if len(k.ready) == 0 {
		return invalidTaskID
	}
	bestIdx := -1
	var best Weight
	for i, rid := range k.ready {
		if rid == idleTaskID && len(k.ready) > 1 {
			continue
		}
		if w := k.tasks[rid].weight; bestIdx < 0 || w > best {
			best = w
			bestIdx = i
		}
	}
	id := k.ready[bestIdx]
	k.ready = append(k.ready[:bestIdx], k.ready[bestIdx+1:]...)

	from := k.current
	t := k.tasks[id]
	t.state = StateRunning
	t.slice = Ticks(t.weight)
	t.preemptPending.Store(false)
	k.current = id
	k.metrics.Counter(MetricContextSwitchesTotal).Inc()
	capitan.Info(context.Background(), SignalContextSwitch, FieldFromTaskID.Field(int(from)), FieldTaskID.Field(int(id)))
	return id
}

func (k *Kernel) highestReadyWeightLocked() Weight {
	var best Weight
	for _, id := range k.ready {
		if w := k.tasks[id].weight; w > best {
			best = w
		}
	}
	return best
}

// evaluatePreemptionLocked marks the running task's preemption pending
// when a higher-weight task just became Ready, or when the idle task is
// running and any other task is Ready.
func (k *Kernel) evaluatePreemptionLocked() {
	if k.current == invalidTaskID {
		return
	}
	cur := k.tasks[k.current]
	if (k.current == idleTaskID && len(k.ready) > 0) || k.highestReadyWeightLocked() > cur.weight {
		cur.preemptPending.Store(true)
	}
}

func (k *Kernel) enqueueReadyLocked(id TaskID) {
	t := k.tasks[id]
	t.state = StateReady
	k.ready = append(k.ready, id)
	k.metrics.Gauge(MetricReadyGauge).Set(float64(len(k.ready)))
}

func (k *Kernel) removeReadyLocked(id TaskID) {
	for i, r := range k.ready {
		if r == id {
			k.ready = append(k.ready[:i], k.ready[i+1:]...)
			return
		}
	}
}

// wakeTaskLocked transitions a waiter popped off a primitive's wait list
// back to Ready. It does not itself trigger a context switch — the
// newly-ready task only runs once the currently running task yields,
// blocks, or is preempted at a checkpoint.
func (k *Kernel) wakeTaskLocked(id TaskID) {
	t := k.tasks[id]
	t.wakeUpTick = 0
	t.waitListRef = nil
	t.waitingForNotify = false
	k.enqueueReadyLocked(id)
	k.evaluatePreemptionLocked()
}

// resumeTask hands the run token to id. Must be called with k.mu NOT
// held, after the caller has already released it.
func (k *Kernel) resumeTask(id TaskID) {
	t := k.tasks[id]
	select {
	case t.resume <- struct{}{}:
	default:
	}
}

// blockWithTimeoutLocked parks the current task on w with the given
// finite-or-forever timeout and dispatches the next Ready task. Returns
// once resumed, with k.mu re-acquired; the caller must re-check its
// condition (spurious wakeups are permitted) and inspect the returned
// bool: false means the wait timed out and the task was already detached
// from w.
func (k *Kernel) blockWithTimeoutLocked(w *waitList, timeout Ticks) bool {
	id := k.current
	t := k.tasks[id]
	t.waitListRef = w
	if timeout == TicksForever {
		t.state = StateBlocked
	} else {
		t.state = StateSleeping
		t.wakeUpTick = k.tick + uint64(timeout)
	}
	k.waitListPush(w, id)
	k.current = invalidTaskID
	next := k.scheduleNextTaskLocked()
	k.mu.Unlock()
	if next != invalidTaskID {
		k.resumeTask(next)
	}
	<-t.resume
	k.mu.Lock()
	timedOut := t.timedOut
	t.timedOut = false
	return !timedOut
}

// taskSleepLocked implements task_sleep_ticks(n>0): no shared wait list is
// involved, SchedulerTick wakes the task by direct table scan.
func (k *Kernel) taskSleepLocked(n Ticks) {
	id := k.current
	t := k.tasks[id]
	t.state = StateSleeping
	t.wakeUpTick = k.tick + uint64(n)
	t.waitListRef = nil
	k.current = invalidTaskID
	next := k.scheduleNextTaskLocked()
	k.mu.Unlock()
	if next != invalidTaskID {
		k.resumeTask(next)
	}
	<-t.resume
}

// checkNotInCallback panics via Platform.Panic if called while a
// synchronous push callback is executing, enforcing the "callbacks must
// not block" contract (spec.md §5). Callers check this before acquiring
// k.mu, so a reentrant call fails fast instead of deadlocking on the
// already-held, non-reentrant mutex.
func (k *Kernel) checkNotInCallback() {
	if k.inCallback.Load() {
		k.platform.Panic(errHookReentrancy.Error())
	}
}

// runCallbackLocked invokes fn (a queue push callback) with the
// reentrancy guard engaged. Caller holds k.mu; fn must not call a
// blocking kernel operation.
func (k *Kernel) runCallbackLocked(fn func()) {
	k.inCallback.Store(true)
	fn()
	k.inCallback.Store(false)
}

// idleLoop is the idle task's body: cpu_idle(), periodic garbage
// collection and stack-canary audit, then a checkpoint.
func (k *Kernel) idleLoop(ctx context.Context, _ any) {
	for {
		k.mu.Lock()
		due := k.tick-k.lastGCTick >= uint64(k.cfg.GCTicks)
		if due {
			k.lastGCTick = k.tick
		}
		k.mu.Unlock()
		if due {
			k.gcSweep()
			k.auditCanaries()
		}
		k.platform.CPUIdle()
		k.CheckPoint(ctx)
	}
}

// gcSweep frees Zombie tasks' table slots (and dynamically allocated
// stacks) so they can be reused by TaskCreate.
func (k *Kernel) gcSweep() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.zombies) == 0 {
		return
	}
	for _, id := range k.zombies {
		if t := k.tasks[id]; t != nil && t.stackOwned {
			t.stack = nil
		}
		k.tasks[id] = nil
	}
	k.zombies = nil
	k.metrics.Gauge(MetricZombieGauge).Set(0)
	capitan.Info(context.Background(), SignalGCSweep, FieldZombieCount.Field(0), FieldTick.Field(int(k.tick)))
}

// auditCanaries checks every live task's stack guard words and routes a
// mismatch to Platform.Panic — corruption is unrecoverable (spec.md §7).
func (k *Kernel) auditCanaries() {
	k.mu.Lock()
	for _, t := range k.tasks {
		if t == nil || t.state == StateZombie || t.state == StateUnused {
			continue
		}
		if !t.checkCanaries() {
			id := t.id
			k.mu.Unlock()
			k.platform.Panic(fmt.Sprintf("stack canary corruption on task %d", id))
			return
		}
	}
	k.mu.Unlock()
}

// runTaskGoroutine is the body of every task's backing goroutine: park on
// the run token until first scheduled, run the entry function, then
// transition to Zombie if it returns (task_exit's implicit form).
func (k *Kernel) runTaskGoroutine(t *Task) {
	<-t.resume
	defer recoverTaskPanic(k, t.id)
	t.fn(context.Background(), t.arg)
	k.taskExitLocked(t.id)
}

func (k *Kernel) taskExitLocked(id TaskID) {
	k.mu.Lock()
	t := k.tasks[id]
	if t == nil || t.state == StateZombie {
		k.mu.Unlock()
		return
	}
	wasCurrent := k.current == id
	t.state = StateZombie
	k.zombies = append(k.zombies, id)
	k.metrics.Counter(MetricTasksDeletedTotal).Inc()
	k.metrics.Gauge(MetricZombieGauge).Set(float64(len(k.zombies)))
	capitan.Info(context.Background(), SignalTaskZombie, FieldTaskID.Field(int(id)))
	if wasCurrent {
		k.current = invalidTaskID
		next := k.scheduleNextTaskLocked()
		k.mu.Unlock()
		if next != invalidTaskID {
			k.resumeTask(next)
		}
		return
	}
	k.mu.Unlock()
}

// TaskCreate allocates a task table slot and a dynamically-sized stack
// region, and starts its backing goroutine Ready to run.
func (k *Kernel) TaskCreate(fn TaskFunc, arg any, stackSize int, weight Weight) (TaskID, error) {
	if fn == nil {
		return invalidTaskID, newError("TaskCreate", InvalidArgument, k.now(), nil)
	}
	if stackSize < k.cfg.StackMinBytes || stackSize > k.cfg.StackMaxBytes {
		return invalidTaskID, newError("TaskCreate", InvalidArgument, k.now(), errStackBoundsInvalid)
	}
	if weight < 1 {
		weight = 1
	}
	return k.createTask(fn, arg, make([]byte, stackSize), true, weight)
}

// TaskCreateStatic is TaskCreate over a caller-supplied buffer; the
// record references buf and must not free it on deletion.
func (k *Kernel) TaskCreateStatic(fn TaskFunc, arg any, buf []byte, weight Weight) (TaskID, error) {
	if fn == nil || buf == nil {
		return invalidTaskID, newError("TaskCreateStatic", InvalidArgument, k.now(), nil)
	}
	if len(buf) < k.cfg.StackMinBytes || len(buf) > k.cfg.StackMaxBytes {
		return invalidTaskID, newError("TaskCreateStatic", InvalidArgument, k.now(), errStackBoundsInvalid)
	}
	if weight < 1 {
		weight = 1
	}
	return k.createTask(fn, arg, buf, false, weight)
}

func (k *Kernel) createTask(fn TaskFunc, arg any, stack []byte, owned bool, weight Weight) (TaskID, error) {
	k.mu.Lock()
	slot := invalidTaskID
	for i := 1; i < len(k.tasks); i++ {
		if k.tasks[i] == nil {
			slot = TaskID(i)
			break
		}
	}
	if slot == invalidTaskID {
		k.mu.Unlock()
		capitan.Warn(context.Background(), SignalTaskTableExhausted, FieldReadyCount.Field(len(k.ready)))
		return invalidTaskID, newError("TaskCreate", ResourceExhausted, k.now(), errTaskTableFull)
	}

	t := newTask(slot, fn, arg, stack, owned, weight)
	t.writeCanaries()
	t.state = StateReady
	k.tasks[slot] = t
	k.ready = append(k.ready, slot)
	k.metrics.Counter(MetricTasksCreatedTotal).Inc()
	k.metrics.Gauge(MetricReadyGauge).Set(float64(len(k.ready)))
	capitan.Info(context.Background(), SignalTaskCreated,
		FieldTaskID.Field(int(slot)), FieldWeight.Field(int(weight)))
	k.evaluatePreemptionLocked()
	k.mu.Unlock()

	go k.runTaskGoroutine(t)
	return slot, nil
}

// TaskDelete marks a task Zombie, detaching it from any wait list it was
// parked on, and reschedules if it was the running task.
func (k *Kernel) TaskDelete(id TaskID) error {
	k.mu.Lock()
	if int(id) >= len(k.tasks) || k.tasks[id] == nil || k.tasks[id].state == StateUnused {
		k.mu.Unlock()
		return newError("TaskDelete", InvalidArgument, k.now(), errUnknownTask)
	}
	t := k.tasks[id]
	if t.state == StateZombie {
		k.mu.Unlock()
		return nil
	}
	if t.waiting && t.waitListRef != nil {
		k.waitListRemove(t.waitListRef, id)
	}
	wasCurrent := k.current == id
	if t.state == StateReady {
		k.removeReadyLocked(id)
	}
	t.state = StateZombie
	k.zombies = append(k.zombies, id)
	k.metrics.Counter(MetricTasksDeletedTotal).Inc()
	k.metrics.Gauge(MetricZombieGauge).Set(float64(len(k.zombies)))
	capitan.Info(context.Background(), SignalTaskDeleted, FieldTaskID.Field(int(id)))

	if wasCurrent {
		k.current = invalidTaskID
		next := k.scheduleNextTaskLocked()
		k.mu.Unlock()
		if next != invalidTaskID {
			k.resumeTask(next)
		}
		return nil
	}
	k.mu.Unlock()
	return nil
}

// TaskExit marks the calling task Zombie and parks its goroutine forever;
// like scheduler_start, it does not return.
func (k *Kernel) TaskExit() {
	id := k.TaskGetCurrent()
	k.taskExitLocked(id)
	<-k.tasks[id].resume
}

// TaskGetCurrent returns the currently Running task's id.
func (k *Kernel) TaskGetCurrent() TaskID {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.current
}

// TaskGetStateAtomic reads a task's state under the kernel lock, the
// word-sized atomic load spec.md §4.3 calls for.
func (k *Kernel) TaskGetStateAtomic(id TaskID) TaskState {
	k.mu.Lock()
	defer k.mu.Unlock()
	if int(id) >= len(k.tasks) || k.tasks[id] == nil {
		return StateUnused
	}
	return k.tasks[id].state
}

// TaskSleepTicks sets wake_up_tick = tick_count()+n and yields. n == 0 is
// a documented no-op that still yields once (spec.md §9 Open Questions).
func (k *Kernel) TaskSleepTicks(ctx context.Context, n Ticks) {
	k.CheckPoint(ctx)
	k.mu.Lock()
	if n == 0 {
		id := k.current
		t := k.tasks[id]
		k.enqueueReadyLocked(id)
		k.current = invalidTaskID
		next := k.scheduleNextTaskLocked()
		k.mu.Unlock()
		if next != invalidTaskID {
			k.resumeTask(next)
		}
		<-t.resume
		return
	}
	k.taskSleepLocked(n)
}

// TaskNotify ORs value into id's notification word, setting the pending
// flag, and wakes the task immediately if it is parked in
// TaskNotifyWait. ISR-safe: it never blocks.
func (k *Kernel) TaskNotify(id TaskID, value uint32) error {
	k.mu.Lock()
	if int(id) >= len(k.tasks) || k.tasks[id] == nil || k.tasks[id].state == StateUnused {
		k.mu.Unlock()
		return newError("TaskNotify", InvalidArgument, k.now(), errUnknownTask)
	}
	t := k.tasks[id]
	t.notifyValue |= value
	t.notifyPending = true
	capitan.Info(context.Background(), SignalTaskNotified, FieldTaskID.Field(int(id)))
	if t.waitingForNotify && (t.state == StateBlocked || t.state == StateSleeping) {
		t.waitingForNotify = false
		k.wakeTaskLocked(id)
	}
	k.mu.Unlock()
	_ = k.notifyHooks.Emit(context.Background(), NotifyEventDelivered,
		NotifyEvent{TaskID: id, Value: value, Timestamp: k.now()})
	return nil
}

// TaskNotifyWait checks the pending flag; if unset, blocks (optionally
// with a timeout) until TaskNotify delivers a value or the wait expires,
// returning 0 on timeout.
func (k *Kernel) TaskNotifyWait(ctx context.Context, clear bool, timeout Ticks) uint32 {
	k.CheckPoint(ctx)
	k.mu.Lock()
	t := k.tasks[k.current]

	if t.notifyPending {
		v := t.notifyValue
		t.notifyPending = false
		if clear {
			t.notifyValue = 0
		}
		k.mu.Unlock()
		return v
	}
	if timeout == 0 {
		k.mu.Unlock()
		return 0
	}

	id := k.current
	t.waitingForNotify = true
	if timeout == TicksForever {
		t.state = StateBlocked
		t.waitListRef = nil
	} else {
		t.state = StateSleeping
		t.wakeUpTick = k.tick + uint64(timeout)
		t.waitListRef = nil
	}
	k.current = invalidTaskID
	next := k.scheduleNextTaskLocked()
	k.mu.Unlock()
	if next != invalidTaskID {
		k.resumeTask(next)
	}
	<-t.resume
	k.mu.Lock()
	t.waitingForNotify = false
	v := uint32(0)
	if t.notifyPending {
		v = t.notifyValue
		t.notifyPending = false
		if clear {
			t.notifyValue = 0
		}
	}
	_ = id
	k.mu.Unlock()
	return v
}
