// Package thread implements the thread object and its lifecycle state
// machine (component C4), the lock-bitmap bookkeeping that backs
// priority donation (component C6's data model), and the run-queue
// rebucketing hooks that tie the two together.
//
// Grounded on original_source/src/threads/thread.c: init_thread,
// thread_create, thread_block, thread_unblock, thread_exit,
// thread_yield, thread_add_lock, thread_remove_lock,
// thread_get_max_inherit_priority, thread_get_max_priority,
// thread_donate_priority.
package thread

import (
	"github.com/pintos-go/kernel/internal/runqueue"
)

// Priority and nice bounds, per spec.md §3.
const (
	PriMin = 0
	PriMax = 63

	NiceMin = -20
	NiceMax = 20

	// ThreadLocks is the fixed capacity of the per-thread held-locks set.
	ThreadLocks = 8
)

// Status is a thread's lifecycle state.
type Status int

const (
	Running Status = iota
	Ready
	Blocked
	Dying
)

func (s Status) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Ready:
		return "READY"
	case Blocked:
		return "BLOCKED"
	case Dying:
		return "DYING"
	default:
		return "UNKNOWN"
	}
}

// magic is the stack-overflow sentinel value, carried over from the
// original's THREAD_MAGIC for fidelity to the data model in spec.md §3;
// Go goroutines don't expose a stack this package can corrupt, so it is
// never checked, only recorded.
const magic = 0xcd6abf4b

// LockSlot annotates one lock held by a thread with the highest-priority
// thread currently waiting on it, mirroring struct thread_lock in the
// original. Lock identity is opaque here (compared by interface
// equality) to avoid an import cycle with the threadsync package that
// defines the actual Lock type.
type LockSlot struct {
	Lock   any
	Waiter *Thread
}

// Func is a thread's entry point.
type Func func(aux any)

// Thread is the kernel's per-thread control block.
type Thread struct {
	ID   int
	Name string

	Status Status

	Priority      int // effective priority
	SavedPriority int // base priority, survives donation
	Nice          int
	RCPU          int64 // fixedpoint.Value; int64 here to avoid an import of fixedpoint in this low-level struct

	SleepTime int
	IsWaiting bool

	ParentThread *Thread
	ParentLock   any

	Locks   [ThreadLocks]LockSlot
	locksBM uint32

	// WaitQueue is the run-queue or semaphore waiter queue currently
	// holding this thread, or nil if it is running or not queued
	// anywhere. Tracked so a donation that changes this thread's
	// priority while it is itself blocked deep in a donation chain can
	// re-bucket it in whichever queue currently holds it, not just the
	// scheduler's ready queue.
	WaitQueue *runqueue.Queue[*Thread]

	// Stack and Magic are carried over from the original's data model
	// (spec.md §3) but are vestigial in this goroutine-based rendition:
	// Go does not expose a manipulable stack pointer, so nothing reads
	// or corrupts them. Kept so struct shape documentation matches spec.
	Stack uintptr
	Magic uint32

	Fn  Func
	Aux any

	// resume is the context-switch handoff channel (see internal/scheduler):
	// closed/sent-to exactly when the scheduler grants this thread the CPU.
	resume chan struct{}
	// exited signals that the thread's goroutine body has returned.
	exited chan struct{}
}

// New allocates a thread control block. The caller is responsible for
// assigning ID (guarded by a real lock, not the interrupt mask — see
// spec.md §5) and for computing the initial effective Priority via the
// active scheduler policy before the thread is made runnable.
func New(name string, priority int) *Thread {
	return &Thread{
		Name:          name,
		Status:        Blocked,
		Priority:      priority,
		SavedPriority: priority,
		Magic:         magic,
		resume:        make(chan struct{}),
		exited:        make(chan struct{}),
	}
}

// ResumeChan returns the channel the scheduler sends on to grant this
// thread the CPU (the Go rendition of switch_threads' low-level
// register restore).
func (t *Thread) ResumeChan() chan struct{} { return t.resume }

// ExitedChan is closed when the thread's Func has returned.
func (t *Thread) ExitedChan() chan struct{} { return t.exited }

// MarkExited closes the exited channel. Idempotent.
func (t *Thread) MarkExited() {
	select {
	case <-t.exited:
	default:
		close(t.exited)
	}
}

// AddLock records that t now holds lock, with waiter as the current
// highest-priority thread blocked on it (nil if none yet). Returns
// false if the fixed-capacity lock set is full — a resource-exhaustion
// error per spec.md §7 kind (b), not a programmer-error abort.
func (t *Thread) AddLock(lock any, waiter *Thread) bool {
	for slot := 0; slot < ThreadLocks; slot++ {
		if t.locksBM&(1<<uint(slot)) == 0 {
			t.Locks[slot] = LockSlot{Lock: lock, Waiter: waiter}
			t.locksBM |= 1 << uint(slot)
			return true
		}
	}
	return false
}

// RemoveLock clears the bookkeeping for lock, previously added via
// AddLock. No-op if lock is not held by t.
func (t *Thread) RemoveLock(lock any) {
	for slot := 0; slot < ThreadLocks; slot++ {
		if t.locksBM&(1<<uint(slot)) != 0 && t.Locks[slot].Lock == lock {
			t.locksBM &^= 1 << uint(slot)
			t.Locks[slot] = LockSlot{}
			return
		}
	}
}

// UpdateLockWaiter updates the recorded highest-priority waiter for an
// already-held lock, used when a later donation raises that waiter's
// priority further. Returns false if lock is not held by t.
func (t *Thread) UpdateLockWaiter(lock any, waiter *Thread) bool {
	for slot := 0; slot < ThreadLocks; slot++ {
		if t.locksBM&(1<<uint(slot)) != 0 && t.Locks[slot].Lock == lock {
			t.Locks[slot].Waiter = waiter
			return true
		}
	}
	return false
}

// MaxInheritPriority returns the highest priority among waiters on
// locks t currently holds, or PriMin-1 if t holds no lock with a
// recorded waiter.
func (t *Thread) MaxInheritPriority() int {
	max := PriMin - 1
	for slot := 0; slot < ThreadLocks; slot++ {
		if t.locksBM&(1<<uint(slot)) == 0 {
			continue
		}
		if w := t.Locks[slot].Waiter; w != nil && w.Priority > max {
			max = w.Priority
		}
	}
	return max
}

// MaxPriority returns t's would-be effective priority: the greater of
// its saved (base) priority and the highest donated priority across
// its held locks.
func (t *Thread) MaxPriority() int {
	inherited := t.MaxInheritPriority()
	if inherited < t.SavedPriority {
		return t.SavedPriority
	}
	return inherited
}

// Donate walks the donation chain starting at holder, raising each
// node's effective priority to child's priority and re-bucketing it in
// whichever queue currently holds it (its WaitQueue — the scheduler's
// ready queue if READY, a semaphore's waiter queue if BLOCKED on
// another lock further up the chain), until a node already has
// priority >= child's priority or the chain ends. Iterative per
// spec.md §9 (bounded by ThreadLocks * chain depth to avoid
// recursion), grounded on thread_donate_priority.
func Donate(holder *Thread, lock any, child *Thread) {
	const maxChain = ThreadLocks * (PriMax - PriMin + 1)

	node := holder
	l := lock
	visited := make(map[*Thread]bool, 8)

	for i := 0; node != nil && i < maxChain; i++ {
		if visited[node] {
			// Cycle in the holder chain: impossible given an acyclic
			// lock-holder relation, but detect and abort the walk
			// rather than spin forever.
			return
		}
		visited[node] = true

		newPriority := child.Priority
		if node.Priority >= newPriority {
			return
		}

		oldPriority := node.Priority
		node.Priority = newPriority
		if node.WaitQueue != nil {
			node.WaitQueue.Rebucket(node, oldPriority, newPriority)
		}
		node.UpdateLockWaiter(l, child)

		l = node.ParentLock
		node = node.ParentThread
	}
}
