package kernelz

import "github.com/zoobzio/capitan"

// Signal constants for kernel events. Signals follow the pattern
// <component>.<event>.
const (
	// Task / scheduler signals.
	SignalTaskCreated        capitan.Signal = "task.created"
	SignalTaskDeleted        capitan.Signal = "task.deleted"
	SignalTaskZombie         capitan.Signal = "task.zombie"
	SignalTaskNotified       capitan.Signal = "task.notified"
	SignalContextSwitch      capitan.Signal = "scheduler.context-switch"
	SignalGCSweep            capitan.Signal = "scheduler.gc-sweep"
	SignalStackCorruption    capitan.Signal = "scheduler.stack-corruption"
	SignalTaskTableExhausted capitan.Signal = "scheduler.task-table-exhausted"

	// Mutex signals.
	SignalMutexLocked   capitan.Signal = "mutex.locked"
	SignalMutexUnlocked capitan.Signal = "mutex.unlocked"
	SignalMutexBoosted  capitan.Signal = "mutex.boosted"
	SignalMutexBlocked  capitan.Signal = "mutex.blocked"

	// Semaphore signals.
	SignalSemaphoreSignaled capitan.Signal = "semaphore.signaled"
	SignalSemaphoreDropped  capitan.Signal = "semaphore.dropped"
	SignalSemaphoreBlocked  capitan.Signal = "semaphore.blocked"

	// Queue signals.
	SignalQueueFull      capitan.Signal = "queue.full"
	SignalQueueEmpty     capitan.Signal = "queue.empty"
	SignalQueueReset     capitan.Signal = "queue.reset"
	SignalQueuePushedISR capitan.Signal = "queue.pushed-isr"

	// Event group signals.
	SignalEventGroupSet     capitan.Signal = "eventgroup.set"
	SignalEventGroupCleared capitan.Signal = "eventgroup.cleared"
	SignalEventGroupDeleted capitan.Signal = "eventgroup.deleted"

	// Timer signals.
	SignalTimerStarted capitan.Signal = "timer.started"
	SignalTimerStopped capitan.Signal = "timer.stopped"
	SignalTimerFired   capitan.Signal = "timer.fired"
)

// Common field keys using capitan primitive types, matching the teacher
// library's convention of typed field keys over ad-hoc struct logging.
var (
	// Common fields.
	FieldTaskID     = capitan.NewIntKey("task_id")
	FieldFromTaskID = capitan.NewIntKey("from_task_id")
	FieldName       = capitan.NewStringKey("name")
	FieldError      = capitan.NewStringKey("error")
	FieldTimestamp  = capitan.NewFloat64Key("timestamp")
	FieldTick       = capitan.NewIntKey("tick")

	// Scheduler fields.
	FieldWeight          = capitan.NewIntKey("weight")
	FieldEffectiveWeight = capitan.NewIntKey("effective_weight")
	FieldReadyCount      = capitan.NewIntKey("ready_count")
	FieldZombieCount     = capitan.NewIntKey("zombie_count")

	// Mutex fields.
	FieldOwner       = capitan.NewIntKey("owner_task_id")
	FieldWaiterCount = capitan.NewIntKey("waiter_count")

	// Semaphore fields.
	FieldCount    = capitan.NewIntKey("count")
	FieldMaxCount = capitan.NewIntKey("max_count")

	// Queue fields.
	FieldQueueLen      = capitan.NewIntKey("queue_len")
	FieldQueueCapacity = capitan.NewIntKey("queue_capacity")

	// Event group fields.
	FieldBits     = capitan.NewIntKey("bits")
	FieldWaitMask = capitan.NewIntKey("wait_mask")

	// Timer fields.
	FieldPeriod = capitan.NewIntKey("period_ticks")
)
