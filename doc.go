// Package kernelz provides a preemptive real-time kernel for single-core
// targets: a weighted round-robin task scheduler, a tick-driven sleep and
// timeout facility, and a set of blocking synchronization primitives built
// on one shared wait-queue protocol — mutex with priority inheritance,
// counting semaphore, fixed-capacity queue, event group, and software
// timers.
//
// # Core Concepts
//
//   - Task: a goroutine-backed unit of scheduling with a stable TaskID, a
//     weight in [1,255], and a state (Ready, Running, Blocked, Sleeping,
//     Zombie).
//   - Kernel: the process-wide scheduler singleton, created with New and
//     driven by Run. Every mutation of the task table, ready set, sleep
//     list, and every primitive's wait list is serialized by Kernel.mu,
//     the Go substitute for interrupt masking.
//   - Checkpoint: the point in task code where a pending tick-boundary
//     preemption is serviced. Go cannot interrupt arbitrary goroutine code
//     from the outside, so CheckPoint (called at the top of every
//     blocking primitive, and available for CPU-bound task loops to call
//     directly) stands in for a hardware timer interrupt landing
//     mid-instruction.
//
// # Suspension points
//
// A task suspends only by: calling a blocking primitive (Mutex.Lock,
// Semaphore.Wait, Queue.Push/Pop, EventGroup.WaitBits,
// Kernel.TaskSleepTicks, Kernel.TaskNotifyWait), being preempted at a
// checkpoint when its slice has expired, or exiting.
//
// # Example
//
//	k := kernelz.New(kernelz.DefaultConfig(), kernelz.DefaultPlatform(nil, 0))
//	id, err := k.TaskCreate(func(ctx context.Context, arg any) {
//	    for {
//	        k.TaskSleepTicks(ctx, 10)
//	        // do periodic work
//	    }
//	}, nil, 4096, kernelz.WeightNormal)
//
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	go k.Run(ctx)
//
// # Observability
//
// Every component emits capitan signals on state transitions, keeps
// metricz counters and gauges, opens tracez spans around blocking
// operations, and emits hookz events (task notifications, queue pushes,
// timer fires, event-group bit sets). See Kernel.Metrics, Kernel.Tracer,
// Kernel.OnTaskNotify, and Queue.OnPush; TimerService and EventGroup
// expose no method for registering a handler on their events.
//
// # Memory
//
// Two independent packages cover the memory side a bare-metal kernel
// would also own: allocator, a segregated-free-list heap over a
// caller-supplied byte arena, and mempool, a fixed-block pool built on
// top of one allocator.Heap allocation. Neither is wired into the
// scheduler's own task-stack bookkeeping — they're there for tasks and
// drivers running on top of the kernel that want manual control over a
// region of memory instead of the host Go heap.
package kernelz
