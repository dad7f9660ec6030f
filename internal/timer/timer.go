// Package timer implements the tick driver (component C7): a
// glock.Clock-driven periodic handler that advances every thread's
// sleep countdown, decays recent-CPU and load_avg on their MLFQS
// schedules, and arms time-slice preemption.
//
// Grounded on internal/goroutine/periodic.go's PeriodicGoroutine (the
// glock.Clock field, the ticker-driven Start loop) and
// original_source/src/devices/timer.c + src/threads/thread.c
// (timer_interrupt, thread_tick).
package timer

import (
	"context"
	"time"

	"github.com/derision-test/glock"
	"github.com/sourcegraph/log"
	"go.uber.org/atomic"

	"github.com/pintos-go/kernel/internal/scheduler"
	"github.com/pintos-go/kernel/internal/thread"
)

// Driver drives the kernel's timer tick. There is exactly one per
// kernel instance.
type Driver struct {
	logger log.Logger
	clock  glock.Clock
	sched  *scheduler.Scheduler
	hz     int

	ticks atomic.Int64

	// IsUserContext reports whether the thread currently running is
	// executing user-process code, for the idle/kernel/user tick
	// breakdown in Scheduler.Stats(). Defaults to reporting false
	// (kernel context) when unset.
	IsUserContext func() bool
}

// New constructs a tick driver. hz is ticks per second (TIMER_FREQ in
// the original, typically 100).
func New(logger log.Logger, clock glock.Clock, sched *scheduler.Scheduler, hz int) *Driver {
	return &Driver{
		logger: logger.Scoped("timer", "periodic tick driver"),
		clock:  clock,
		sched:  sched,
		hz:     hz,
	}
}

// Ticks returns the number of ticks delivered so far.
func (d *Driver) Ticks() int64 { return d.ticks.Load() }

// Run drives ticks at 1/hz second intervals until ctx is cancelled.
// Grounded on PeriodicGoroutine.Start's clock.NewTicker loop.
func (d *Driver) Run(ctx context.Context) {
	interval := time.Second / time.Duration(d.hz)
	ticker := d.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			d.tick()
		}
	}
}

// tick runs the four-step per-tick algorithm: bump recent-CPU and tick
// counters, advance sleep countdowns and wake expired sleepers, run the
// once-per-second and once-per-four-ticks MLFQS recomputation, and arm
// time-slice preemption. Grounded on thread_tick.
//
// Every Scheduler method called here is self-contained with respect to
// the interrupt mask (each acquires and releases its own guard), so
// tick does not hold one across the whole handler — only individual
// sub-steps are atomic, which is sufficient since ticks are delivered
// sequentially by a single ticker goroutine.
func (d *Driver) tick() {
	d.sched.EnterInterruptContext()
	defer d.sched.ExitInterruptContext()

	n := d.ticks.Inc()

	d.sched.IncRunningRCPU()
	d.sched.RecordTick(d.isUser())

	d.sched.ForEach(func(t *thread.Thread) {
		if t.SleepTime <= 0 {
			return
		}
		t.SleepTime--
		if t.SleepTime == 0 {
			d.sched.Unblock(t)
		}
	})

	if d.hz > 0 && n%int64(d.hz) == 0 {
		d.sched.RecomputeLoadAvg()
		d.sched.ForEach(func(t *thread.Thread) {
			d.sched.DecayRCPU(t)
		})
	}

	if n%4 == 0 {
		d.sched.ForEach(func(t *thread.Thread) {
			if t.Status == thread.Blocked {
				return
			}
			d.sched.RecomputeMLFQSPriority(t)
		})
	}

	if d.sched.ArmPreemption() {
		d.sched.RequestPreemption()
	}
}

func (d *Driver) isUser() bool {
	if d.IsUserContext == nil {
		return false
	}
	return d.IsUserContext()
}

// Sleep blocks the calling thread for the given number of ticks,
// grounded on timer_sleep's busy-free countdown-then-block contract
// (spec.md §4.7: "threads sleep by setting sleep_time and blocking;
// the tick handler decrements and unblocks").
func (d *Driver) Sleep(ticks int) {
	if ticks <= 0 {
		return
	}

	guard := d.sched.Mask().ScopedMask()
	cur := d.sched.Current()
	cur.SleepTime = ticks
	cur.Status = thread.Blocked
	d.sched.Block(guard)
}
