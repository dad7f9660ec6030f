// Package threadsync implements the blocking synchronization primitives
// (component C6): semaphores, locks with priority donation, and
// condition variables. Grounded on original_source/src/threads/thread.c
// (thread_donate_priority, thread_add_lock/thread_remove_lock,
// thread_get_max_priority) — the file that carries Pintos's synch.c
// counterpart's semantics inline via the thread-side donation hooks.
package threadsync

import (
	"github.com/pintos-go/kernel/internal/interrupt"
	"github.com/pintos-go/kernel/internal/kmetrics"
	"github.com/pintos-go/kernel/internal/runqueue"
	"github.com/pintos-go/kernel/internal/thread"
)

// Scheduler is the minimal capability threadsync needs from the
// scheduler: the ability to park the current thread, wake another,
// yield, and get at the interrupt mask to bracket its own critical
// sections. Implemented by internal/scheduler.Scheduler.
type Scheduler interface {
	// Current returns the running thread. Must be safe to call from
	// any kernel context.
	Current() *thread.Thread
	// Block deschedules the current thread using an already-acquired
	// guard; it must already be marked BLOCKED and recorded in
	// whatever waiter queue is appropriate. Does not return until the
	// thread is unblocked and re-selected to run.
	Block(guard *interrupt.Guard)
	// Unblock transitions t from BLOCKED to READY and enqueues it. Does
	// not preempt the caller. Self-contained: safe to call without
	// already holding the mask.
	Unblock(t *thread.Thread)
	// MaybeYield yields the CPU if candidate has strictly higher
	// priority than the current thread and the caller is not already
	// in an interrupt-handler context — mirroring the "yield if the
	// wake target outranks us" rule in spec.md §4.6/§5.
	MaybeYield(candidate *thread.Thread)
	// InInterruptContext reports whether the caller is running on the
	// timer-interrupt path (where yielding must be deferred, not
	// performed inline).
	InInterruptContext() bool
	// Mask returns the kernel's interrupt mask.
	Mask() *interrupt.Mask
}

// Semaphore is a non-negative counter with a priority-ordered FIFO
// waiter queue (component C6: "value: non-negative int, waiters: FIFO
// of threads" — popped in priority order, ties broken by FIFO, exactly
// the discipline runqueue.Queue already implements for the ready
// queue).
type Semaphore struct {
	sched   Scheduler
	value   int
	waiters *runqueue.Queue[*thread.Thread]
}

// NewSemaphore creates a semaphore with the given initial value.
func NewSemaphore(sched Scheduler, value int) *Semaphore {
	return &Semaphore{
		sched:   sched,
		value:   value,
		waiters: runqueue.New[*thread.Thread](thread.PriMin, thread.PriMax),
	}
}

// Down decrements the semaphore, blocking while the value is zero.
func (s *Semaphore) Down() {
	for {
		guard := s.sched.Mask().ScopedMask()

		if s.value > 0 {
			s.value--
			guard.Release()
			return
		}

		cur := s.sched.Current()
		cur.IsWaiting = true
		cur.Status = thread.Blocked
		cur.WaitQueue = s.waiters
		s.waiters.Push(cur, cur.Priority)
		s.sched.Block(guard)
	}
}

// Up increments the semaphore and, if a thread was waiting, wakes the
// highest-priority one (ties broken by FIFO). Yields if the woken
// thread outranks the current one and this is not an interrupt
// handler.
func (s *Semaphore) Up() {
	guard := s.sched.Mask().ScopedMask()
	s.value++
	woken, ok := s.waiters.Pop()
	if ok {
		woken.IsWaiting = false
		woken.WaitQueue = nil
	}
	guard.Release()

	if !ok {
		return
	}
	s.sched.Unblock(woken)
	s.sched.MaybeYield(woken)
}

// Value reports the current semaphore count (diagnostic only).
func (s *Semaphore) Value() int { return s.value }

// Lock is a binary semaphore with an owner and priority donation,
// component C6's strict-priority-mode lock. The mlfqs flag disables
// donation: under MLFQS, priority is never user-set nor donated.
type Lock struct {
	sched   Scheduler
	sema    *Semaphore
	holder  *thread.Thread
	mlfqs   bool
	metrics *kmetrics.Metrics
}

// NewLock creates an unheld lock. mlfqs selects whether acquiring the
// lock performs priority donation (false) or not (true) — donation is
// strict-priority-mode only, per spec.md §4.6. metrics may be nil, in
// which case donations simply go uncounted (same nil-is-fine contract
// as kmetrics.New's Registerer argument).
func NewLock(sched Scheduler, mlfqs bool, metrics *kmetrics.Metrics) *Lock {
	return &Lock{sched: sched, sema: NewSemaphore(sched, 1), mlfqs: mlfqs, metrics: metrics}
}

// Holder returns the current owner, or nil if unheld.
func (l *Lock) Holder() *thread.Thread { return l.holder }

// Acquire blocks until l is held by the caller, donating priority up
// the holder chain first if l is currently held and the kernel is in
// strict-priority mode.
func (l *Lock) Acquire() {
	cur := l.sched.Current()

	if l.holder != nil && !l.mlfqs {
		guard := l.sched.Mask().ScopedMask()
		cur.ParentThread = l.holder
		cur.ParentLock = l
		thread.Donate(l.holder, l, cur)
		guard.Release()

		if l.metrics != nil {
			l.metrics.Donations.Inc()
		}
	}

	l.sema.Down()

	cur.ParentThread = nil
	cur.ParentLock = nil
	l.holder = cur
	if !l.AddHolderLock(cur) {
		// THREAD_LOCKS exhausted: a resource-exhaustion condition per
		// spec.md §7 kind (b). The original aborts via ASSERT(0); this
		// rendition surfaces it the same way since there is no
		// sensible "acquired but not tracked" state to return to the
		// caller.
		panic("threadsync: THREAD_LOCKS exhausted")
	}
}

// AddHolderLock is split out from Acquire so tests can probe the
// fail-fast-on-overflow behavior directly.
func (l *Lock) AddHolderLock(holder *thread.Thread) bool {
	return holder.AddLock(l, nil)
}

// Release releases l, recomputing the holder's effective priority as
// max(saved, max waiter priority across remaining held locks) and
// re-bucketing if it changed, then wakes the highest-priority waiter.
func (l *Lock) Release() {
	holder := l.holder

	guard := l.sched.Mask().ScopedMask()
	holder.RemoveLock(l)
	l.holder = nil

	newPriority := holder.MaxPriority()
	if newPriority != holder.Priority {
		oldPriority := holder.Priority
		holder.Priority = newPriority
		if holder.WaitQueue != nil {
			holder.WaitQueue.Rebucket(holder, oldPriority, newPriority)
		}
	}
	guard.Release()

	l.sema.Up()
}

// IsHeldByCurrent reports whether the calling thread holds l.
func (l *Lock) IsHeldByCurrent() bool {
	return l.holder != nil && l.holder == l.sched.Current()
}

// SetPriority implements the user-visible thread_set_priority contract
// for strict-priority mode: updates the caller's saved priority, then
// recomputes its effective priority as max(new, max donated), yielding
// if the effective priority decreased. No-op under MLFQS (spec.md
// §4.6: "user-visible, strict-priority mode only").
func SetPriority(sched Scheduler, mlfqs bool, newPriority int) {
	if mlfqs {
		return
	}

	guard := sched.Mask().ScopedMask()
	cur := sched.Current()
	old := cur.Priority
	cur.SavedPriority = newPriority

	updated := newPriority
	if newPriority <= old {
		inherited := cur.MaxInheritPriority()
		if inherited > newPriority {
			updated = inherited
		}
	}

	if old != updated {
		cur.Priority = updated
		if cur.WaitQueue != nil {
			cur.WaitQueue.Rebucket(cur, old, updated)
		}
	}
	guard.Release()

	if old > updated {
		// effective priority decreased: give the CPU a chance to go to
		// whoever now outranks us.
		sched.MaybeYield(nil)
	}
}

// CondVar is a condition variable associated with an external lock
// (passed explicitly to Wait/Signal/Broadcast, matching Pintos's
// synch.h contract rather than embedding the lock).
type CondVar struct {
	sched   Scheduler
	waiters *runqueue.Queue[*condWaiter]
}

type condWaiter struct {
	t    *thread.Thread
	sema *Semaphore
}

// NewCondVar creates an empty condition variable.
func NewCondVar(sched Scheduler) *CondVar {
	return &CondVar{sched: sched, waiters: runqueue.New[*condWaiter](thread.PriMin, thread.PriMax)}
}

// Wait atomically releases lock and blocks the caller until Signal or
// Broadcast wakes it, then reacquires lock before returning.
func (c *CondVar) Wait(lock *Lock) {
	cur := c.sched.Current()
	s := NewSemaphore(c.sched, 0)
	w := &condWaiter{t: cur, sema: s}

	guard := c.sched.Mask().ScopedMask()
	c.waiters.Push(w, cur.Priority)
	guard.Release()

	lock.Release()
	s.Down()
	lock.Acquire()
}

// Signal wakes the highest-priority waiter, if any.
func (c *CondVar) Signal() {
	guard := c.sched.Mask().ScopedMask()
	w, ok := c.waiters.Pop()
	guard.Release()

	if !ok {
		return
	}
	w.sema.Up()
}

// Broadcast wakes every waiter, highest priority first.
func (c *CondVar) Broadcast() {
	for {
		guard := c.sched.Mask().ScopedMask()
		w, ok := c.waiters.Pop()
		guard.Release()

		if !ok {
			return
		}
		w.sema.Up()
	}
}
