// Package process implements component C10, the process lifecycle
// glue that sits between the scheduler's threads and user programs:
// exec/wait/exit signalling between parent and child.
//
// Grounded on _examples/original_source/src/userprog/process.h's
// signatures (process_execute, process_wait, process_exit) and the
// load-completion semaphore pattern used by process_execute_sync.
package process

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sourcegraph/log"

	"github.com/pintos-go/kernel/internal/fdtable"
	"github.com/pintos-go/kernel/internal/scheduler"
	"github.com/pintos-go/kernel/internal/thread"
	"github.com/pintos-go/kernel/internal/threadsync"
)

// ErrLoadFailed is returned by ExecuteSync when the loader rejects the
// named program.
var ErrLoadFailed = errors.New("process: program load failed")

// Loader stands in for the ELF loader named in spec.md §1 as an
// external collaborator: given a program name, it produces the
// thread entry point that will run as the new process, or an error if
// the program could not be loaded.
type Loader func(name string) (thread.Func, error)

// Process is the per-process bookkeeping the glue layer owns on top
// of a scheduler thread: its FD table and its exit-status handoff to
// whoever calls Wait.
type Process struct {
	Tid  int
	Name string

	FDTable *fdtable.Table

	mu         sync.Mutex
	exited     bool
	waitedOnce bool
	exitStatus int

	// exitSignal is upped exactly once, by Notify, and downed by the
	// first (and only) caller of Wait — a cooperative, scheduler-aware
	// one-shot signal. A raw Go channel cannot be used here: Wait is
	// called from inside a running kernel thread's own goroutine (e.g.
	// from the "wait" syscall handler), and parking that goroutine on
	// a bare channel receive would hold the single active CPU token
	// forever, since nothing else would ever get scheduled to run the
	// child and eventually call Notify.
	exitSignal *threadsync.Semaphore

	// loadSignal/loadOK carry the one-shot exec load result to
	// ExecuteSync, grounded on process_execute_sync's "block until the
	// child signals load success/failure" contract via a
	// load-completion semaphore. loadOK is written before loadSignal is
	// upped and read only after ExecuteSync's Down returns, so the
	// scheduler's single-active-thread discipline orders the two
	// without further synchronization.
	loadSignal *threadsync.Semaphore
	loadOK     bool
}

// Manager owns every live process and wires thread creation through
// to the scheduler, grounded on the original's global process table
// implicit in process_wait/process_notify being addressable by tid.
type Manager struct {
	logger log.Logger
	sched  *scheduler.Scheduler
	loader Loader

	mu    sync.Mutex
	procs map[int]*Process
}

// NewManager constructs a process manager. loader is consulted by
// Execute/ExecuteSync to turn a program name into a runnable thread
// entry point.
func NewManager(logger log.Logger, sched *scheduler.Scheduler, loader Loader) *Manager {
	return &Manager{
		logger: logger.Scoped("process", "process lifecycle glue"),
		sched:  sched,
		loader: loader,
		procs:  make(map[int]*Process),
	}
}

func (m *Manager) lookup(tid int) *Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.procs[tid]
}

// Execute forks a thread that loads and runs name, returning its tid
// immediately without waiting for the load to complete. Grounded on
// process_execute.
func (m *Manager) Execute(name string) (int, error) {
	proc := &Process{
		Name:       name,
		FDTable:    fdtable.New(),
		exitSignal: threadsync.NewSemaphore(m.sched, 0),
		loadSignal: threadsync.NewSemaphore(m.sched, 0),
	}

	entry := func(aux any) {
		fn, err := m.loader(name)
		if err != nil {
			m.logger.Warn("program load failed", log.String("name", name), log.Error(err))
			proc.loadOK = false
			proc.loadSignal.Up()
			m.Notify(proc.Tid, -1)
			return
		}
		proc.loadOK = true
		proc.loadSignal.Up()
		fn(aux)
		// A thread entry that returns without an explicit exit syscall
		// is treated as a normal exit with status 0, mirroring
		// thread_exit being invoked unconditionally once Fn returns.
		m.Notify(proc.Tid, 0)
	}

	t, err := m.sched.Create(name, thread.PriMin+1, entry, nil)
	if err != nil {
		return -1, errors.Wrap(err, "process.Execute")
	}

	proc.Tid = t.ID
	m.mu.Lock()
	m.procs[t.ID] = proc
	m.mu.Unlock()

	return t.ID, nil
}

// ExecuteSync additionally blocks until the child signals load success
// or failure, returning −1 if the load failed. Grounded on
// process_execute_sync.
func (m *Manager) ExecuteSync(name string) (int, error) {
	tid, err := m.Execute(name)
	if err != nil {
		return -1, err
	}

	proc := m.lookup(tid)
	proc.loadSignal.Down()
	if !proc.loadOK {
		return -1, ErrLoadFailed
	}
	return tid, nil
}

// Wait blocks until the process identified by tid exits and returns
// its exit status. A second call for the same tid returns −1
// immediately, grounded on process_wait's "once" contract.
func (m *Manager) Wait(tid int) int {
	proc := m.lookup(tid)
	if proc == nil {
		return -1
	}

	proc.mu.Lock()
	if proc.waitedOnce {
		proc.mu.Unlock()
		return -1
	}
	proc.waitedOnce = true
	proc.mu.Unlock()

	proc.exitSignal.Down()

	m.mu.Lock()
	delete(m.procs, tid)
	m.mu.Unlock()

	return proc.exitStatus
}

// Notify records the exit status of the process identified by tid for
// whoever calls Wait, grounded on process_notify. Idempotent: only the
// first call's status is recorded.
func (m *Manager) Notify(tid int, status int) {
	proc := m.lookup(tid)
	if proc == nil {
		return
	}

	proc.mu.Lock()
	if proc.exited {
		proc.mu.Unlock()
		return
	}
	proc.exited = true
	proc.exitStatus = status
	proc.mu.Unlock()

	// Up may trigger a full context switch (MaybeYield); proc.mu must
	// already be released before that happens, or a concurrent Wait/
	// Notify on the same process could deadlock against a goroutine
	// parked mid-hold.
	proc.exitSignal.Up()
}

// Exit releases the process's FD table, grounded on process_exit
// (the original also tears down the page directory; this rendition
// has no address space to release). The bookkeeping record itself
// outlives the FD table release — it is retained until Wait collects
// the exit status, mirroring the original's wait_status surviving
// independently of the thread it describes so a parent can still
// observe a child that exited before the parent ever called wait.
func (m *Manager) Exit(tid int) {
	proc := m.lookup(tid)
	if proc == nil {
		return
	}
	proc.FDTable.Destroy(nil)
}

// Lookup returns the process registered under tid, if any — used by
// internal/syscalls to reach a process's FD table.
func (m *Manager) Lookup(tid int) (*Process, bool) {
	proc := m.lookup(tid)
	return proc, proc != nil
}
