// Package kernel wires the scheduler, timer driver, process manager,
// and syscall gateway into a single bootable instance, and owns the
// process-wide singletons spec.md §9 calls out as requiring exactly
// one explicit initialization ("global mutable state ... initialized
// exactly once ... explicit init()").
//
// Grounded on enterprise/cmd/executor/internal/run/run.go's RunRun:
// build an observation.Context-equivalent (logger + registerer), build
// the long-lived components, launch their background routines, and
// return control to the caller holding the handle needed to stop them.
package kernel

import (
	"context"

	"github.com/derision-test/glock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/log"
	"golang.org/x/sync/errgroup"

	"github.com/pintos-go/kernel/internal/kmetrics"
	"github.com/pintos-go/kernel/internal/process"
	"github.com/pintos-go/kernel/internal/scheduler"
	"github.com/pintos-go/kernel/internal/syscalls"
	"github.com/pintos-go/kernel/internal/thread"
	"github.com/pintos-go/kernel/internal/timer"
)

// Config selects the kernel's boot-time policy, immutable once Boot
// returns, per spec.md §6 ("config immutable after thread_init"):
// there is no setter for any of these fields after Boot.
type Config struct {
	// MLFQS selects the multi-level feedback queue scheduler policy
	// when true; strict-priority-with-donation when false.
	MLFQS bool

	// TimerHz is the tick frequency (TIMER_FREQ in the original,
	// typically 100).
	TimerHz int

	// TimeSlice is the number of ticks a thread may run before
	// time-slice preemption is armed (TIME_SLICE in the original).
	// Defaults to scheduler.TimeSlice when zero.
	TimeSlice int

	// Clock is the tick source. Defaults to glock.NewRealClock() when
	// nil, overridable in tests with glock.NewMockClock().
	Clock glock.Clock

	// Loader produces the entry point for a named program, standing in
	// for the ELF loader named as an external collaborator in
	// spec.md §1. Defaults to a loader that always fails, since this
	// module carries no executable format of its own.
	Loader process.Loader

	// FileSystem backs the create/remove/open syscalls, standing in
	// for the filesystem named as an external collaborator in
	// spec.md §1. Defaults to an in-memory filesystem with no files.
	FileSystem syscalls.FileSystem

	// Console backs fd 0/1 in the read/write syscalls. Defaults to a
	// console that yields zero bytes on read and discards writes.
	Console syscalls.Console

	// Registerer receives the kernel's prometheus metrics. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

func (c *Config) setDefaults() {
	if c.TimerHz <= 0 {
		c.TimerHz = 100
	}
	if c.TimeSlice <= 0 {
		c.TimeSlice = scheduler.TimeSlice
	}
	if c.Clock == nil {
		c.Clock = glock.NewRealClock()
	}
	if c.Loader == nil {
		c.Loader = func(name string) (thread.Func, error) {
			return nil, errUnloadable(name)
		}
	}
	if c.FileSystem == nil {
		c.FileSystem = newMemFS()
	}
	if c.Console == nil {
		c.Console = newNullConsole()
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.DefaultRegisterer
	}
}

// Kernel is a fully wired, running instance: a scheduler with its
// idle thread started, a timer driver advancing in the background,
// a process manager, and a syscall gateway ready to dispatch.
type Kernel struct {
	logger  log.Logger
	cfg     Config
	Sched   *scheduler.Scheduler
	Timer   *timer.Driver
	Procs   *process.Manager
	Gateway *syscalls.Gateway
	Metrics *kmetrics.Metrics

	cancel context.CancelFunc
	group  *errgroup.Group
}

// Boot constructs and starts a kernel: selects the scheduling policy
// named by cfg.MLFQS, builds the scheduler and its initial/idle
// threads (Scheduler.Start, grounded on thread_init + thread_start),
// then launches the timer driver's tick loop as a background routine
// via an errgroup, mirroring RunRun's "build routines, launch them,
// return a handle" shape.
func Boot(cfg Config) (*Kernel, error) {
	cfg.setDefaults()

	logger := log.Scoped("kernel", "teaching-kernel scheduler core")
	metrics := kmetrics.New(cfg.Registerer)

	var policy scheduler.Policy
	if cfg.MLFQS {
		policy = scheduler.NewMLFQSPolicy()
	} else {
		policy = scheduler.NewStrictPolicy()
	}

	sched := scheduler.New(logger, policy, metrics)
	sched.SetTimeSlice(cfg.TimeSlice)
	sched.Start()

	tickDriver := timer.New(logger, cfg.Clock, sched, cfg.TimerHz)
	procs := process.NewManager(logger, sched, cfg.Loader)
	gateway := syscalls.NewGateway(logger, sched, procs, cfg.FileSystem, cfg.Console, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		tickDriver.Run(groupCtx)
		return nil
	})

	logger.Info("kernel booted",
		log.Bool("mlfqs", cfg.MLFQS),
		log.Int("timer_hz", cfg.TimerHz))

	return &Kernel{
		logger:  logger,
		cfg:     cfg,
		Sched:   sched,
		Timer:   tickDriver,
		Procs:   procs,
		Gateway: gateway,
		Metrics: metrics,
		cancel:  cancel,
		group:   group,
	}, nil
}

// Shutdown stops the timer driver's background loop and waits for it
// to return.
func (k *Kernel) Shutdown() error {
	k.cancel()
	return k.group.Wait()
}

// Stats is the thread_print_stats-equivalent public entrypoint,
// delegating to the scheduler's tick-count snapshot.
func (k *Kernel) Stats() scheduler.Stats {
	return k.Sched.Stats()
}

type errUnloadable string

func (e errUnloadable) Error() string {
	return "kernel: no loader configured, cannot load program " + string(e)
}

// memFS is the zero-value filesystem used when Config.FileSystem is
// unset: every file lives only in memory for the lifetime of the
// kernel, sufficient for exercising the open/read/write/close syscalls
// without pulling in real filesystem internals (explicitly out of
// scope per spec.md §1).
type memFS struct {
	files map[string]*memFile
}

func newMemFS() *memFS {
	return &memFS{files: make(map[string]*memFile)}
}

func (fs *memFS) Create(name string, initialSize int) bool {
	if _, exists := fs.files[name]; exists {
		return false
	}
	fs.files[name] = &memFile{data: make([]byte, initialSize)}
	return true
}

func (fs *memFS) Remove(name string) bool {
	if _, exists := fs.files[name]; !exists {
		return false
	}
	delete(fs.files, name)
	return true
}

func (fs *memFS) Open(name string) (syscalls.File, bool) {
	f, ok := fs.files[name]
	if !ok {
		return nil, false
	}
	return &memFileHandle{f: f}, true
}

type memFile struct {
	data []byte
}

type memFileHandle struct {
	f   *memFile
	pos int
}

func (h *memFileHandle) Read(p []byte) int {
	n := copy(p, h.f.data[h.pos:])
	h.pos += n
	return n
}

func (h *memFileHandle) Write(p []byte) int {
	end := h.pos + len(p)
	if end > len(h.f.data) {
		grown := make([]byte, end)
		copy(grown, h.f.data)
		h.f.data = grown
	}
	copy(h.f.data[h.pos:end], p)
	h.pos = end
	return len(p)
}

func (h *memFileHandle) Seek(pos int) { h.pos = pos }
func (h *memFileHandle) Tell() int    { return h.pos }
func (h *memFileHandle) Size() int    { return len(h.f.data) }
func (h *memFileHandle) Close()       {}

// nullConsole discards writes and yields zero bytes on read, the
// quietest possible stand-in for the keyboard/display devices named as
// external collaborators in spec.md §1.
type nullConsole struct{}

func newNullConsole() *nullConsole { return &nullConsole{} }

func (nullConsole) ReadByte() byte  { return 0 }
func (nullConsole) Write(p []byte) {}
