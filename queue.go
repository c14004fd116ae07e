package kernelz

import (
	"context"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for Queue.
const (
	MetricQueuePushTotal = metricz.Key("queue.push.total")
	MetricQueuePopTotal  = metricz.Key("queue.pop.total")
	MetricQueueLenGauge  = metricz.Key("queue.len")
	QueuePushSpan        = tracez.Key("queue.push")
	QueuePopSpan         = tracez.Key("queue.pop")

	QueueEventPushed = hookz.Key("queue.pushed")
)

// QueuePushedEvent is emitted via hookz on every successful push, in
// addition to any synchronous callback installed with SetPushCallback.
type QueuePushedEvent struct {
	Len int
	ISR bool
}

// Queue is a fixed-capacity ring buffer with bidirectional blocking: Pop
// blocks on empty (rx_wait), Push blocks on full (tx_wait). Items are
// opaque itemSize-byte records, matching the "copy item_size bytes by
// value" contract of spec.md §4.7.
type Queue struct {
	k          *Kernel
	itemSize   int
	capacity   int
	buf        []byte
	count      int
	head, tail int
	rxWait     waitList
	txWait     waitList
	pushCB     func(item []byte)
	hooks      *hookz.Hooks[QueuePushedEvent]
	metrics    *metricz.Registry
	tracer     *tracez.Tracer
}

// NewQueue creates an empty Queue of capacity items, each itemSize bytes.
func NewQueue(k *Kernel, itemSize, capacity int) *Queue {
	if itemSize < 1 {
		itemSize = 1
	}
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		k:        k,
		itemSize: itemSize,
		capacity: capacity,
		buf:      make([]byte, itemSize*capacity),
		rxWait:   newWaitList(),
		txWait:   newWaitList(),
		hooks:    hookz.New[QueuePushedEvent](),
		metrics:  k.metrics,
		tracer:   k.tracer,
	}
}

func (q *Queue) slot(i int) []byte {
	return q.buf[i*q.itemSize : (i+1)*q.itemSize]
}

// SetPushCallback installs cb, invoked synchronously (inside the kernel's
// critical section) on every successful push. cb must not call a
// blocking kernel operation (spec.md §5); violating this panics via
// Platform.Panic rather than deadlocking.
func (q *Queue) SetPushCallback(cb func(item []byte)) {
	q.k.mu.Lock()
	defer q.k.mu.Unlock()
	q.pushCB = cb
}

// OnPush registers an asynchronous hookz handler for every successful
// push, independent of any SetPushCallback.
func (q *Queue) OnPush(handler func(context.Context, QueuePushedEvent) error) error {
	_, err := q.hooks.Hook(QueueEventPushed, handler)
	return err
}

// Push copies item into the queue, blocking up to timeout ticks if full.
func (q *Queue) Push(ctx context.Context, item []byte, timeout Ticks) error {
	if len(item) != q.itemSize {
		return newError("Queue.Push", InvalidArgument, q.k.now(), errItemSizeMismatch)
	}
	q.k.checkNotInCallback()
	q.k.CheckPoint(ctx)
	_, span := q.tracer.StartSpan(ctx, QueuePushSpan)
	defer span.Finish()

	q.k.mu.Lock()
	cur := q.k.tasks[q.k.current]
	for q.count == q.capacity {
		if timeout == 0 {
			q.k.mu.Unlock()
			return newError("Queue.Push", ResourceExhausted, q.k.now(), errQueueFull)
		}
		if !q.k.blockWithTimeoutLocked(&q.txWait, timeout) {
			q.k.mu.Unlock()
			return newError("Queue.Push", Timeout, q.k.now(), nil)
		}
		// The queue was deleted out from under us: return the released
		// indication unconditionally rather than re-checking capacity,
		// which nothing will ever again change.
		if cur.released {
			cur.released = false
			q.k.mu.Unlock()
			return newError("Queue.Push", Deleted, q.k.now(), nil)
		}
	}
	q.pushLocked(item, false)
	q.k.mu.Unlock()
	return nil
}

// PushFromISR is the non-blocking ISR-safe variant of Push.
func (q *Queue) PushFromISR(item []byte) error {
	if len(item) != q.itemSize {
		return newError("Queue.PushFromISR", InvalidArgument, q.k.now(), errItemSizeMismatch)
	}
	q.k.mu.Lock()
	if q.count == q.capacity {
		q.k.mu.Unlock()
		return newError("Queue.PushFromISR", ResourceExhausted, q.k.now(), errQueueFull)
	}
	q.pushLocked(item, true)
	q.k.mu.Unlock()
	return nil
}

// PushArr is semantically count calls to Push preserving order; it may
// block between items.
func (q *Queue) PushArr(ctx context.Context, data []byte, count int, timeout Ticks) error {
	for i := 0; i < count; i++ {
		if err := q.Push(ctx, data[i*q.itemSize:(i+1)*q.itemSize], timeout); err != nil {
			return err
		}
	}
	return nil
}

// pushLocked writes item into the ring buffer, wakes one rx waiter if
// any, and invokes the installed push callback / hook. Caller holds
// k.mu.
func (q *Queue) pushLocked(item []byte, isr bool) {
	copy(q.slot(q.tail), item)
	q.tail = (q.tail + 1) % q.capacity
	q.count++
	q.metrics.Counter(MetricQueuePushTotal).Inc()
	q.metrics.Gauge(MetricQueueLenGauge).Set(float64(q.count))

	if q.count == q.capacity {
		capitan.Warn(context.Background(), SignalQueueFull, FieldQueueCapacity.Field(q.capacity))
	}

	if id := q.k.waitListPop(&q.rxWait); id != invalidTaskID {
		q.k.wakeTaskLocked(id)
	}

	if q.pushCB != nil {
		cb := q.pushCB
		itemCopy := append([]byte(nil), item...)
		q.k.runCallbackLocked(func() { cb(itemCopy) })
	}
	if isr {
		capitan.Info(context.Background(), SignalQueuePushedISR, FieldQueueLen.Field(q.count))
	}
	_ = q.hooks.Emit(context.Background(), QueueEventPushed, QueuePushedEvent{Len: q.count, ISR: isr})
}

// Pop copies the head item into out, blocking up to timeout ticks if
// empty.
func (q *Queue) Pop(ctx context.Context, out []byte, timeout Ticks) error {
	if len(out) != q.itemSize {
		return newError("Queue.Pop", InvalidArgument, q.k.now(), errItemSizeMismatch)
	}
	q.k.checkNotInCallback()
	q.k.CheckPoint(ctx)
	_, span := q.tracer.StartSpan(ctx, QueuePopSpan)
	defer span.Finish()

	q.k.mu.Lock()
	cur := q.k.tasks[q.k.current]
	for q.count == 0 {
		capitan.Warn(context.Background(), SignalQueueEmpty, FieldTaskID.Field(int(q.k.current)))
		if timeout == 0 {
			q.k.mu.Unlock()
			return newError("Queue.Pop", Timeout, q.k.now(), nil)
		}
		if !q.k.blockWithTimeoutLocked(&q.rxWait, timeout) {
			q.k.mu.Unlock()
			return newError("Queue.Pop", Timeout, q.k.now(), nil)
		}
		// The queue was deleted out from under us: return the released
		// indication unconditionally rather than re-checking emptiness,
		// which nothing will ever again change.
		if cur.released {
			cur.released = false
			q.k.mu.Unlock()
			return newError("Queue.Pop", Deleted, q.k.now(), nil)
		}
	}
	q.popLocked(out)
	q.k.mu.Unlock()
	return nil
}

// PopFromISR is the non-blocking ISR-safe variant of Pop.
func (q *Queue) PopFromISR(out []byte) error {
	if len(out) != q.itemSize {
		return newError("Queue.PopFromISR", InvalidArgument, q.k.now(), errItemSizeMismatch)
	}
	q.k.mu.Lock()
	if q.count == 0 {
		q.k.mu.Unlock()
		return newError("Queue.PopFromISR", Timeout, q.k.now(), errQueueEmpty)
	}
	q.popLocked(out)
	q.k.mu.Unlock()
	return nil
}

func (q *Queue) popLocked(out []byte) {
	copy(out, q.slot(q.head))
	q.head = (q.head + 1) % q.capacity
	q.count--
	q.metrics.Counter(MetricQueuePopTotal).Inc()
	q.metrics.Gauge(MetricQueueLenGauge).Set(float64(q.count))

	if id := q.k.waitListPop(&q.txWait); id != invalidTaskID {
		q.k.wakeTaskLocked(id)
	}
}

// Peek copies the head item into out without modifying queue state.
func (q *Queue) Peek(out []byte) error {
	if len(out) != q.itemSize {
		return newError("Queue.Peek", InvalidArgument, q.k.now(), errItemSizeMismatch)
	}
	q.k.mu.Lock()
	defer q.k.mu.Unlock()
	if q.count == 0 {
		return newError("Queue.Peek", Timeout, q.k.now(), errQueueEmpty)
	}
	copy(out, q.slot(q.head))
	return nil
}

// Reset empties the queue and wakes every tx waiter (space is now
// available); rx waiters are left untouched since there is still nothing
// to receive.
func (q *Queue) Reset() {
	q.k.mu.Lock()
	defer q.k.mu.Unlock()
	q.count, q.head, q.tail = 0, 0, 0
	q.metrics.Gauge(MetricQueueLenGauge).Set(0)
	capitan.Info(context.Background(), SignalQueueReset, FieldQueueCapacity.Field(q.capacity))
	for {
		id := q.k.waitListPop(&q.txWait)
		if id == invalidTaskID {
			break
		}
		q.k.wakeTaskLocked(id)
	}
}

// Delete wakes every waiter (both directions) with a released
// indication.
func (q *Queue) Delete() {
	q.k.mu.Lock()
	defer q.k.mu.Unlock()
	q.k.drainReleased(&q.rxWait)
	q.k.drainReleased(&q.txWait)
}
