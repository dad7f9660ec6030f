// Package scheduler implements component C5 (the scheduler and its
// context-switch contract) together with the MLFQS periodic
// recomputation math described in spec.md §4.5, grounded on
// original_source/src/threads/thread.c (schedule, thread_create,
// thread_block, thread_unblock, thread_yield, thread_exit,
// thread_tick, thread_calc_priority/rcpu/load_avg).
//
// Go has no mechanism to asynchronously preempt an arbitrary goroutine
// mid-instruction the way a real timer interrupt preempts a CPU, so
// this rendition models each kernel thread as a goroutine that is
// cooperatively handed a single "CPU token" at a time (see
// ResumeChan/schedule below) and checks CheckPreempt at its own
// natural checkpoints (loop iterations; every suspension point routes
// through Yield/Block too). This is the Go-native equivalent of the
// spec's "arm a yield on interrupt return" contract.
//
// The interrupt mask (internal/interrupt) is a real sync.Mutex and is
// therefore not reentrant: every exported method here acquires it for
// only its own critical section and releases it before making any
// blocking channel call or before invoking a caller-supplied callback
// that might itself need the mask (ForEach). schedule itself is handed
// an already-acquired guard by its caller and is responsible for
// releasing it immediately before the context-switch handoff — the
// channel send/receive pair is itself a happens-before edge, so
// nothing shared is touched while the mask is unheld during a switch.
package scheduler

import (
	"fmt"
	"runtime"
	"strconv"
	"sync"

	"github.com/sourcegraph/log"
	"go.uber.org/atomic"

	"github.com/pintos-go/kernel/internal/fixedpoint"
	"github.com/pintos-go/kernel/internal/interrupt"
	"github.com/pintos-go/kernel/internal/kmetrics"
	"github.com/pintos-go/kernel/internal/runqueue"
	"github.com/pintos-go/kernel/internal/thread"
	"github.com/pintos-go/kernel/internal/threadsync"
)

// TimeSlice is the number of ticks a thread may run before preemption,
// per spec.md's glossary.
const TimeSlice = 4

// Scheduler owns the process-wide singletons named in spec.md §9:
// the run-queue, the global thread list, load_avg, and the tid
// allocator lock. There is exactly one per kernel instance,
// constructed once during boot.
type Scheduler struct {
	logger  log.Logger
	metrics *kmetrics.Metrics
	mask    *interrupt.Mask
	policy  Policy

	rq *runqueue.Queue[*thread.Thread]

	tidMu   sync.Mutex
	nextTID int
	all     map[int]*thread.Thread

	current *thread.Thread
	idle    *thread.Thread

	loadAvg      fixedpoint.Value
	threadTicks  int
	timeSlice    int
	yieldPending bool

	idleTicks   atomic.Int64
	kernelTicks atomic.Int64
	userTicks   atomic.Int64

	interruptDepth atomic.Int32
}

// New constructs a scheduler. Call Start to create the initial and
// idle threads before creating any user threads, mirroring thread_init
// + thread_start.
func New(logger log.Logger, policy Policy, metrics *kmetrics.Metrics) *Scheduler {
	return &Scheduler{
		logger:    logger.Scoped("scheduler", "thread scheduler and run-queue"),
		metrics:   metrics,
		mask:      interrupt.New(),
		policy:    policy,
		rq:        runqueue.New[*thread.Thread](thread.PriMin, thread.PriMax),
		all:       make(map[int]*thread.Thread),
		timeSlice: TimeSlice,
	}
}

// SetTimeSlice overrides the number of ticks a thread may run before
// ArmPreemption reports the slice has expired (TimeSlice is only the
// compiled-in default). n<=0 is ignored. Intended to be called once
// during boot, before Start, mirroring --time-slice's role as
// boot-time-immutable configuration (spec.md §6).
func (s *Scheduler) SetTimeSlice(n int) {
	if n <= 0 {
		return
	}
	guard := s.mask.ScopedMask()
	defer guard.Release()
	s.timeSlice = n
}

// Policy returns the active scheduling policy.
func (s *Scheduler) Policy() Policy { return s.policy }

// Mask exposes the kernel's interrupt mask for components (threadsync,
// syscalls, the timer driver) that must bracket their own critical
// sections around calls into this scheduler.
func (s *Scheduler) Mask() *interrupt.Mask { return s.mask }

// allocateTID assigns the next thread id. Guarded by a dedicated lock,
// not the interrupt mask, per spec.md §5 ("Global TID allocation is
// guarded by a lock").
func (s *Scheduler) allocateTID() int {
	s.tidMu.Lock()
	defer s.tidMu.Unlock()
	s.nextTID++
	return s.nextTID
}

// Start creates the initial thread (representing the calling goroutine)
// and the idle thread, then marks the kernel ready to schedule.
func (s *Scheduler) Start() {
	guard := s.mask.ScopedMask()
	initial := thread.New("main", thread.PriMin+1)
	initial.ID = s.allocateTID()
	initial.Status = thread.Running
	s.all[initial.ID] = initial
	s.current = initial
	guard.Release()

	idle, err := s.Create("idle", thread.PriMin, func(any) {
		for {
			guard := s.mask.ScopedMask()
			s.Block(guard)
		}
	}, nil)
	if err != nil {
		s.logger.Fatal("failed to create idle thread", log.Error(err))
	}
	s.idle = idle
}

// Current returns the running thread. Implements threadsync.Scheduler.
func (s *Scheduler) Current() *thread.Thread {
	return s.current
}

// Create spawns a new thread, grounded on thread_create. It is created
// BLOCKED, initialized, then unblocked (queued READY); if its priority
// exceeds the caller's, the caller yields immediately so preemption is
// observed (spec.md §4.4 step 6).
func (s *Scheduler) Create(name string, priority int, fn thread.Func, aux any) (*thread.Thread, error) {
	if priority < thread.PriMin || priority > thread.PriMax {
		return nil, fmt.Errorf("scheduler: priority %d out of range [%d,%d]", priority, thread.PriMin, thread.PriMax)
	}

	parentRCPU := int64(0)
	parentNice := 0
	if s.current != nil {
		parentRCPU = s.current.RCPU
		parentNice = s.current.Nice
	}

	t := thread.New(name, priority)
	t.Nice = parentNice
	t.RCPU = parentRCPU
	t.Priority = s.policy.InitialPriority(priority, parentNice, parentRCPU, int64(s.loadAvg))
	t.SavedPriority = priority
	t.Fn = fn
	t.Aux = aux

	guard := s.mask.ScopedMask()
	t.ID = s.allocateTID()
	s.all[t.ID] = t
	guard.Release()

	go func() {
		<-t.ResumeChan()
		t.Fn(t.Aux)
		s.Exit()
	}()

	s.logger.Debug("thread created", log.Int("tid", t.ID), log.String("name", name), log.Int("priority", t.Priority))

	s.Unblock(t)

	if s.current != nil && s.current.Priority < t.Priority {
		s.Yield()
	}

	return t, nil
}

// Unblock transitions t from BLOCKED to READY and enqueues it, per
// spec.md §4.4: "if sleep_time<=0 and !is_waiting, move to READY and
// enqueue (unless idle); no preemption here." Self-contained: acquires
// and releases its own guard, so it is safe to call from anywhere that
// does not already hold the mask (including from inside a ForEach
// callback, since ForEach releases the mask before invoking callbacks).
// Implements threadsync.Scheduler.
func (s *Scheduler) Unblock(t *thread.Thread) {
	guard := s.mask.ScopedMask()
	defer guard.Release()

	if t.SleepTime > 0 || t.IsWaiting {
		return
	}

	t.Status = thread.Ready
	// s.idle is still nil only while Start is creating the idle thread
	// itself, which must not be queued either.
	if t != s.idle && s.idle != nil {
		t.WaitQueue = s.rq
		s.rq.Push(t, t.Priority)
		s.reportReadyQueueDepth(t.Priority)
	}
}

// reportReadyQueueDepth publishes the current depth of the run-queue's
// band for priority to kmetrics.Metrics.ReadyQueueDepth. Call sites
// hold (or have just released) the mask; BandLen itself takes no lock,
// matching the rest of the run-queue's caller-holds-the-mask contract.
func (s *Scheduler) reportReadyQueueDepth(priority int) {
	if s.metrics == nil {
		return
	}
	s.metrics.ReadyQueueDepth.WithLabelValues(strconv.Itoa(priority)).Set(float64(s.rq.BandLen(priority)))
}

// MaybeYield yields if candidate outranks the running thread and the
// caller is not in interrupt context. Implements threadsync.Scheduler.
func (s *Scheduler) MaybeYield(candidate *thread.Thread) {
	if s.InInterruptContext() {
		return
	}

	guard := s.mask.ScopedMask()
	cur := s.current
	guard.Release()

	if candidate != nil && candidate.Priority <= cur.Priority {
		return
	}
	s.Yield()
}

// InInterruptContext reports whether the calling goroutine is inside
// the timer tick handler. Implements threadsync.Scheduler.
func (s *Scheduler) InInterruptContext() bool {
	return s.interruptDepth.Load() > 0
}

// EnterInterruptContext/ExitInterruptContext bracket the timer tick
// handler's execution; used by internal/timer.
func (s *Scheduler) EnterInterruptContext() { s.interruptDepth.Inc() }
func (s *Scheduler) ExitInterruptContext()  { s.interruptDepth.Dec() }

// Yield voluntarily gives up the CPU: the caller (if not idle) is
// pushed back onto the ready queue as READY, then schedule() runs.
// Grounded on thread_yield.
func (s *Scheduler) Yield() {
	guard := s.mask.ScopedMask()

	cur := s.current
	cur.Status = thread.Ready
	if cur != s.idle {
		cur.WaitQueue = s.rq
		s.rq.Push(cur, cur.Priority)
		s.reportReadyQueueDepth(cur.Priority)
	}
	s.schedule(guard)
}

// Block parks the current thread. The caller must already hold guard
// (acquired via Mask().ScopedMask()) and must already have set its own
// status away from RUNNING and recorded it in whatever waiter queue is
// appropriate (e.g. threadsync.Semaphore.Down does both before calling
// this). Grounded on thread_block. Implements threadsync.Scheduler.
func (s *Scheduler) Block(guard *interrupt.Guard) {
	s.schedule(guard)
}

// Exit removes the current thread from the global list, marks it
// DYING, and never returns to the caller. Grounded on thread_exit.
func (s *Scheduler) Exit() {
	guard := s.mask.ScopedMask()

	cur := s.current
	delete(s.all, cur.ID)
	cur.Status = thread.Dying
	s.logger.Debug("thread exiting", log.Int("tid", cur.ID), log.String("name", cur.Name))
	s.schedule(guard)
	runtime.Goexit()
}

// schedule picks the next thread to run and performs the hand-off.
// Precondition: guard is held (current thread's status already set
// away from RUNNING by the caller). guard is released before the
// actual channel-based switch, since the channel operations themselves
// establish the necessary happens-before edge and nothing shared is
// touched for the remainder of this function. Grounded on
// schedule()/thread_schedule_tail in the original.
func (s *Scheduler) schedule(guard *interrupt.Guard) {
	next, ok := s.rq.Pop()
	if !ok {
		next = s.idle
	} else {
		s.reportReadyQueueDepth(next.Priority)
	}

	prev := s.current
	s.current = next
	next.Status = thread.Running
	next.WaitQueue = nil
	s.threadTicks = 0

	if s.metrics != nil {
		s.metrics.ContextSwitches.Inc()
	}

	guard.Release()

	if next == prev {
		return
	}

	next.ResumeChan() <- struct{}{}

	if prev.Status == thread.Dying {
		prev.MarkExited()
		return
	}

	<-prev.ResumeChan()
}

// ForEach invokes fn for every live thread, mirroring thread_foreach.
// The thread list is snapshotted under the mask and fn is then invoked
// on each entry with the mask released, so fn is free to call back
// into any self-locking method here (Unblock, DecayRCPU, ...).
func (s *Scheduler) ForEach(fn func(t *thread.Thread)) {
	guard := s.mask.ScopedMask()
	snapshot := make([]*thread.Thread, 0, len(s.all))
	for _, t := range s.all {
		snapshot = append(snapshot, t)
	}
	guard.Release()

	for _, t := range snapshot {
		fn(t)
	}
}

// ArmPreemption increments the current thread's tick count and returns
// true exactly once TimeSlice has been reached, in which case it also
// resets the counter — the Go-native equivalent of intr_yield_on_return.
func (s *Scheduler) ArmPreemption() bool {
	guard := s.mask.ScopedMask()
	defer guard.Release()

	s.threadTicks++
	if s.threadTicks >= s.timeSlice {
		s.threadTicks = 0
		return true
	}
	return false
}

// CheckPreempt yields if a preemption was armed by the timer driver
// since the thread last ran. Thread bodies should call this at natural
// checkpoints (loop iterations); every suspension point (Block, Down,
// Acquire) effectively calls it too by going through Yield/schedule.
func (s *Scheduler) CheckPreempt() {
	guard := s.mask.ScopedMask()
	pending := s.yieldPending
	s.yieldPending = false
	guard.Release()

	if pending {
		s.Yield()
	}
}

// RequestPreemption marks a deferred yield for the running thread,
// called by the timer driver when ArmPreemption reports the time
// slice has expired.
func (s *Scheduler) RequestPreemption() {
	guard := s.mask.ScopedMask()
	defer guard.Release()
	s.yieldPending = true
}

// ActiveCount returns the number of ready threads plus 1 if the running
// thread is not idle, per thread_get_active_count.
func (s *Scheduler) ActiveCount() int {
	guard := s.mask.ScopedMask()
	defer guard.Release()
	return s.activeCountLocked()
}

func (s *Scheduler) activeCountLocked() int {
	extra := 0
	if s.current != s.idle {
		extra = 1
	}
	return s.rq.ActiveCount(extra)
}

// LoadAvg returns the raw fixed-point load average.
func (s *Scheduler) LoadAvg() fixedpoint.Value {
	guard := s.mask.ScopedMask()
	defer guard.Release()
	return s.loadAvg
}

// GetLoadAvg returns 100*load_avg rounded, per thread_get_load_avg.
func (s *Scheduler) GetLoadAvg() int {
	guard := s.mask.ScopedMask()
	defer guard.Release()
	return fixedpoint.ToIntRound(s.loadAvg * 100)
}

// GetRecentCPU returns 100*t.rcpu rounded, per thread_get_recent_cpu.
func (s *Scheduler) GetRecentCPU(t *thread.Thread) int {
	guard := s.mask.ScopedMask()
	defer guard.Release()
	return fixedpoint.ToIntRound(fixedpoint.Value(t.RCPU) * 100)
}

// RecomputeMLFQSPriority recomputes and re-buckets t's priority from
// its current rcpu and nice, per thread_calc_priority. No-op under
// strict-priority mode. Self-contained.
func (s *Scheduler) RecomputeMLFQSPriority(t *thread.Thread) {
	if !s.policy.MLFQS() {
		return
	}

	guard := s.mask.ScopedMask()
	defer guard.Release()

	np := mlfqsPriority(fixedpoint.Value(t.RCPU), t.Nice)
	if np == t.Priority {
		return
	}
	old := t.Priority
	t.Priority = np
	if t.WaitQueue != nil {
		t.WaitQueue.Rebucket(t, old, np)
	}
}

// DecayRCPU applies the once-per-second recent-CPU decay to t, per
// thread_calc_rcpu. Self-contained.
func (s *Scheduler) DecayRCPU(t *thread.Thread) {
	guard := s.mask.ScopedMask()
	defer guard.Release()
	t.RCPU = int64(mlfqsRCPUDecay(fixedpoint.Value(t.RCPU), s.loadAvg, t.Nice))
}

// RecomputeLoadAvg applies the once-per-second load_avg decay, per
// thread_calc_load_avg. Self-contained.
func (s *Scheduler) RecomputeLoadAvg() {
	guard := s.mask.ScopedMask()
	s.loadAvg = mlfqsLoadAvgDecay(s.loadAvg, s.activeCountLocked())
	loadAvg := s.loadAvg
	guard.Release()

	if s.metrics != nil {
		s.metrics.LoadAvg.Set(float64(fixedpoint.ToIntRound(loadAvg * 100)))
	}
}

// IncRunningRCPU increments the running thread's rcpu by 1.0, called
// once per tick. Self-contained.
func (s *Scheduler) IncRunningRCPU() {
	guard := s.mask.ScopedMask()
	defer guard.Release()
	s.current.RCPU = int64(fixedpoint.Inc(fixedpoint.Value(s.current.RCPU)))
}

// RecordTick bumps the idle/kernel/user tick counters based on which
// thread is currently running — the supplemented thread_print_stats
// feature from SPEC_FULL.md. Self-contained.
func (s *Scheduler) RecordTick(isUser bool) {
	guard := s.mask.ScopedMask()
	idle := s.current == s.idle
	guard.Release()

	switch {
	case idle:
		s.idleTicks.Inc()
	case isUser:
		s.userTicks.Inc()
	default:
		s.kernelTicks.Inc()
	}
}

// Stats is the thread_print_stats-equivalent snapshot.
type Stats struct {
	IdleTicks, KernelTicks, UserTicks int64
}

// Stats returns the current tick-count snapshot.
func (s *Scheduler) Stats() Stats {
	return Stats{
		IdleTicks:   s.idleTicks.Load(),
		KernelTicks: s.kernelTicks.Load(),
		UserTicks:   s.userTicks.Load(),
	}
}

// SetPriority implements the user-visible thread_set_priority contract
// via threadsync.SetPriority, threading this scheduler through as both
// the Scheduler and the MLFQS-mode flag.
func (s *Scheduler) SetPriority(newPriority int) {
	threadsync.SetPriority(s, s.policy.MLFQS(), newPriority)
}
