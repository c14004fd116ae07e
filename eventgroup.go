package kernelz

import (
	"context"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for EventGroup.
const (
	MetricEventGroupSetTotal = metricz.Key("eventgroup.set.total")
	EventGroupWaitSpan       = tracez.Key("eventgroup.wait")

	EventGroupEventSet = hookz.Key("eventgroup.set")
)

// EventGroupSetEvent is emitted on every SetBits/SetBitsFromISR call,
// carrying the group's bits after any CLEAR_ON_EXIT waiters consumed theirs.
type EventGroupSetEvent struct {
	Bits uint32
}

// EventGroup is a 32-bit bitmask with wait-any/all, clear-on-exit, and
// timeouts (spec.md §4.8).
type EventGroup struct {
	k       *Kernel
	bits    uint32
	waiters waitList
	hooks   *hookz.Hooks[EventGroupSetEvent]
	metrics *metricz.Registry
	tracer  *tracez.Tracer
}

// NewEventGroup creates an EventGroup with all bits initially clear.
func NewEventGroup(k *Kernel) *EventGroup {
	return &EventGroup{
		k:       k,
		waiters: newWaitList(),
		hooks:   hookz.New[EventGroupSetEvent](),
		metrics: k.metrics,
		tracer:  k.tracer,
	}
}

func (eg *EventGroup) satisfied(waitBits uint32, flags WaitFlags) bool {
	masked := eg.bits & waitBits
	if flags&WaitAll != 0 {
		return masked == waitBits
	}
	return masked != 0
}

// setBitsLocked ORs mask into bits then scans the wait list in FIFO
// order, waking every satisfied waiter; CLEAR_ON_EXIT waiters have their
// consumed mask cleared from bits before the next waiter is evaluated, so
// a CLEAR_ON_EXIT wait-any effectively serializes into consume semantics.
func (eg *EventGroup) setBitsLocked(mask uint32) {
	eg.bits |= mask
	eg.metrics.Counter(MetricEventGroupSetTotal).Inc()

	cur := eg.waiters.head
	for cur != invalidTaskID {
		t := eg.k.tasks[cur]
		next := t.waitNext
		if eg.satisfied(t.waitBits, t.flags()) {
			eg.k.waitListRemove(&eg.waiters, cur)
			t.waitResult = eg.bits
			t.handoffGranted = true
			if t.flags()&ClearOnExit != 0 {
				eg.bits &^= t.waitBits
			}
			eg.k.wakeTaskLocked(cur)
		}
		cur = next
	}
	capitan.Info(context.Background(), SignalEventGroupSet, FieldBits.Field(int(eg.bits)))
	_ = eg.hooks.Emit(context.Background(), EventGroupEventSet, EventGroupSetEvent{Bits: eg.bits})
}

// SetBits ORs mask into the group's bits and wakes every waiter whose
// condition is now satisfied.
func (eg *EventGroup) SetBits(mask uint32) {
	eg.k.mu.Lock()
	defer eg.k.mu.Unlock()
	eg.setBitsLocked(mask)
}

// SetBitsFromISR is identical to SetBits; safe to call from ISR context
// since it only ever wakes waiters under the kernel lock.
func (eg *EventGroup) SetBitsFromISR(mask uint32) {
	eg.SetBits(mask)
}

// ClearBits unconditionally clears mask from the group's bits.
func (eg *EventGroup) ClearBits(mask uint32) {
	eg.k.mu.Lock()
	defer eg.k.mu.Unlock()
	eg.bits &^= mask
	capitan.Info(context.Background(), SignalEventGroupCleared, FieldBits.Field(int(eg.bits)))
}

// GetBits returns a consistent snapshot of the group's bits.
func (eg *EventGroup) GetBits() uint32 {
	eg.k.mu.Lock()
	defer eg.k.mu.Unlock()
	return eg.bits
}

// WaitBits blocks (up to timeout ticks) until mask is satisfied per
// flags, returning the bits observed at wake (applying CLEAR_ON_EXIT), or
// zero on timeout.
func (eg *EventGroup) WaitBits(ctx context.Context, mask uint32, flags WaitFlags, timeout Ticks) uint32 {
	eg.k.checkNotInCallback()
	eg.k.CheckPoint(ctx)
	_, span := eg.tracer.StartSpan(ctx, EventGroupWaitSpan)
	defer span.Finish()

	eg.k.mu.Lock()

	if eg.satisfied(mask, flags) {
		observed := eg.bits
		if flags&ClearOnExit != 0 {
			eg.bits &^= mask
		}
		eg.k.mu.Unlock()
		return observed
	}
	if timeout == 0 {
		eg.k.mu.Unlock()
		return 0
	}

	t := eg.k.tasks[eg.k.current]
	t.waitBits = mask
	t.waitFlags = flags
	for {
		if !eg.k.blockWithTimeoutLocked(&eg.waiters, timeout) {
			eg.k.mu.Unlock()
			return 0
		}
		if t.released {
			t.released = false
			eg.k.mu.Unlock()
			return 0
		}
		if t.handoffGranted {
			t.handoffGranted = false
			result := t.waitResult
			eg.k.mu.Unlock()
			return result
		}
		// Spurious wake with condition still unmet: re-park with the
		// same target.
		t.waitBits = mask
		t.waitFlags = flags
	}
}

// Delete wakes every waiter with the sentinel value 0.
func (eg *EventGroup) Delete() {
	eg.k.mu.Lock()
	defer eg.k.mu.Unlock()
	eg.k.drainReleased(&eg.waiters)
	capitan.Info(context.Background(), SignalEventGroupDeleted, FieldBits.Field(int(eg.bits)))
}

// flags is a convenience accessor so EventGroup code can read a task's
// stored wait flags without reaching into the task package directly.
func (t *Task) flags() WaitFlags { return t.waitFlags }
