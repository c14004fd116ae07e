package kernelz

import (
	"testing"

	"github.com/zoobzio/metricz"
)

func newPlumbingKernel(n int) *Kernel {
	metrics := metricz.New()
	metrics.Gauge(MetricReadyGauge)
	k := &Kernel{tasks: make([]*Task, n), current: invalidTaskID, metrics: metrics}
	for i := 0; i < n; i++ {
		k.tasks[i] = newTask(TaskID(i), nil, nil, nil, false, WeightNormal)
	}
	return k
}

func TestWaitListFIFOOrder(t *testing.T) {
	k := newPlumbingKernel(4)
	w := newWaitList()

	k.waitListPush(&w, 0)
	k.waitListPush(&w, 1)
	k.waitListPush(&w, 2)

	for _, want := range []TaskID{0, 1, 2} {
		if got := k.waitListPop(&w); got != want {
			t.Fatalf("waitListPop() = %d, want %d", got, want)
		}
	}
	if got := k.waitListPop(&w); got != invalidTaskID {
		t.Errorf("waitListPop() on empty list = %d, want invalidTaskID", got)
	}
	if !w.empty() {
		t.Error("expected waitList to be empty after draining")
	}
}

func TestWaitListRemoveMiddle(t *testing.T) {
	k := newPlumbingKernel(4)
	w := newWaitList()
	k.waitListPush(&w, 0)
	k.waitListPush(&w, 1)
	k.waitListPush(&w, 2)

	if !k.waitListRemove(&w, 1) {
		t.Fatal("expected removal of task 1 to succeed")
	}
	if k.waitListRemove(&w, 1) {
		t.Error("expected a second removal of task 1 to fail (already detached)")
	}

	var order []TaskID
	for id := k.waitListPop(&w); id != invalidTaskID; id = k.waitListPop(&w) {
		order = append(order, id)
	}
	if len(order) != 2 || order[0] != 0 || order[1] != 2 {
		t.Errorf("remaining order = %v, want [0 2]", order)
	}
}

func TestWaitListRemoveTail(t *testing.T) {
	k := newPlumbingKernel(4)
	w := newWaitList()
	k.waitListPush(&w, 0)
	k.waitListPush(&w, 1)

	if !k.waitListRemove(&w, 1) {
		t.Fatal("expected removal of tail task to succeed")
	}
	k.waitListPush(&w, 2)

	var order []TaskID
	for id := k.waitListPop(&w); id != invalidTaskID; id = k.waitListPop(&w) {
		order = append(order, id)
	}
	if len(order) != 2 || order[0] != 0 || order[1] != 2 {
		t.Errorf("order after tail removal and re-push = %v, want [0 2]", order)
	}
}

func TestDrainReleasedWakesAllAndClearsList(t *testing.T) {
	k := newPlumbingKernel(4)
	w := newWaitList()
	k.waitListPush(&w, 0)
	k.waitListPush(&w, 1)
	k.tasks[0].state = StateBlocked
	k.tasks[1].state = StateBlocked
	k.current = invalidTaskID

	k.drainReleased(&w)

	if !w.empty() {
		t.Error("expected waitList empty after drainReleased")
	}
	if k.tasks[0].state != StateReady || k.tasks[1].state != StateReady {
		t.Errorf("expected both tasks Ready, got %s, %s", k.tasks[0].state, k.tasks[1].state)
	}
	if !k.tasks[0].released || !k.tasks[1].released {
		t.Error("expected both tasks marked released, so their primitive's recheck loop returns unconditionally instead of re-parking")
	}
}
