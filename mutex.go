package kernelz

import (
	"context"
	"fmt"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for Mutex, grounded on circuitbreaker.go's
// state-machine instrumentation shape.
const (
	MetricMutexLockedTotal   = metricz.Key("mutex.locked.total")
	MetricMutexContended     = metricz.Key("mutex.contended.total")
	MetricMutexBoostedTotal  = metricz.Key("mutex.boosted.total")
	MutexLockSpan            = tracez.Key("mutex.lock")
	MutexTagWaiterCount      = tracez.Tag("mutex.waiter_count")
)

// Mutex provides mutual exclusion with priority inheritance: blocking an
// owner boosts its effective weight to the highest blocked waiter's, and
// unlock restores the owner's base weight and chains the boost forward to
// the new owner (spec.md §4.5).
type Mutex struct {
	k       *Kernel
	owner   TaskID
	waiters waitList
	metrics *metricz.Registry
	tracer  *tracez.Tracer
}

// NewMutex creates an unlocked Mutex bound to k.
func NewMutex(k *Kernel) *Mutex {
	return &Mutex{
		k:       k,
		owner:   invalidTaskID,
		waiters: newWaitList(),
		metrics: k.metrics,
		tracer:  k.tracer,
	}
}

// Lock acquires the mutex. A recursive lock by the current owner is
// idempotent (spec.md §9 Open Questions: no depth counter, preserved as
// specified).
func (m *Mutex) Lock(ctx context.Context) error {
	m.k.checkNotInCallback()
	m.k.CheckPoint(ctx)
	ctx, span := m.tracer.StartSpan(ctx, MutexLockSpan)
	defer span.Finish()

	m.k.mu.Lock()

	cur := m.k.current
	if m.owner == invalidTaskID {
		m.owner = cur
		m.metrics.Counter(MetricMutexLockedTotal).Inc()
		m.k.mu.Unlock()
		capitan.Info(ctx, SignalMutexLocked, FieldTaskID.Field(int(cur)))
		return nil
	}
	if m.owner == cur {
		// Recursive acquisition: ownership is already held, no-op.
		m.k.mu.Unlock()
		return nil
	}

	m.metrics.Counter(MetricMutexContended).Inc()
	span.SetTag(MutexTagWaiterCount, fmt.Sprintf("%d", m.waiterCountLocked()+1))

	ownerTask := m.k.tasks[m.owner]
	curTask := m.k.tasks[cur]
	if curTask.weight > ownerTask.weight {
		ownerTask.weight = curTask.weight
		m.metrics.Counter(MetricMutexBoostedTotal).Inc()
		capitan.Warn(ctx, SignalMutexBoosted,
			FieldOwner.Field(int(m.owner)), FieldEffectiveWeight.Field(int(ownerTask.weight)))
	}

	capitan.Info(ctx, SignalMutexBlocked, FieldTaskID.Field(int(cur)), FieldOwner.Field(int(m.owner)))
	for {
		// Mutex waits are unbounded (spec.md §4.5 has no mutex timeout
		// contract); blockWithTimeoutLocked(TicksForever) always returns
		// true, but the loop still re-checks because wakeups may be
		// spurious or a Delete-style release.
		m.k.blockWithTimeoutLocked(&m.waiters, TicksForever)
		// The mutex was deleted out from under us: return the released
		// indication unconditionally rather than mistaking the owner
		// reset for a grant.
		if curTask.released {
			curTask.released = false
			m.k.mu.Unlock()
			return newError("Mutex.Lock", Deleted, m.k.now(), nil)
		}
		if m.owner == cur {
			m.k.mu.Unlock()
			capitan.Info(ctx, SignalMutexLocked, FieldTaskID.Field(int(cur)))
			return nil
		}
		if m.owner == invalidTaskID {
			m.owner = cur
			m.k.mu.Unlock()
			return nil
		}
		// Still owned by someone else: re-park.
	}
}

// Unlock releases the mutex. Must be called by the owner. Restores the
// owner's base weight and, if the wait list is non-empty, hands ownership
// to the head waiter and re-evaluates chained priority inheritance on it.
func (m *Mutex) Unlock() error {
	m.k.mu.Lock()
	cur := m.k.current
	if m.owner != cur {
		m.k.mu.Unlock()
		return newError("Mutex.Unlock", NotPermitted, m.k.now(), errNotOwner)
	}

	ownerTask := m.k.tasks[m.owner]
	ownerTask.weight = ownerTask.baseWeight

	next := m.k.waitListPop(&m.waiters)
	if next == invalidTaskID {
		m.owner = invalidTaskID
		m.k.mu.Unlock()
		capitan.Info(context.Background(), SignalMutexUnlocked, FieldTaskID.Field(int(cur)))
		return nil
	}

	m.owner = next
	nextTask := m.k.tasks[next]
	if best := m.highestWaiterWeightLocked(); best > nextTask.weight {
		nextTask.weight = best
		capitan.Warn(context.Background(), SignalMutexBoosted,
			FieldOwner.Field(int(next)), FieldEffectiveWeight.Field(int(nextTask.weight)))
	}
	m.k.wakeTaskLocked(next)
	m.k.mu.Unlock()
	capitan.Info(context.Background(), SignalMutexUnlocked, FieldTaskID.Field(int(cur)), FieldOwner.Field(int(next)))
	return nil
}

func (m *Mutex) waiterCountLocked() int {
	n := 0
	for id := m.waiters.head; id != invalidTaskID; id = m.k.tasks[id].waitNext {
		n++
	}
	return n
}

func (m *Mutex) highestWaiterWeightLocked() Weight {
	var best Weight
	for id := m.waiters.head; id != invalidTaskID; id = m.k.tasks[id].waitNext {
		if w := m.k.tasks[id].weight; w > best {
			best = w
		}
	}
	return best
}

// Delete releases the mutex and wakes every waiter with a released
// indication (spec.md §3: "deletion of a primitive with non-empty wait
// list must wake all waiters").
func (m *Mutex) Delete() {
	m.k.mu.Lock()
	defer m.k.mu.Unlock()
	m.owner = invalidTaskID
	m.k.drainReleased(&m.waiters)
}
