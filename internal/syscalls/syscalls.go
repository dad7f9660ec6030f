// Package syscalls implements the syscall gateway (component C8): a
// dispatch table indexed by syscall number, argument/pointer
// validation at user-memory boundaries, and the 13 handlers named in
// spec.md §4.8.
//
// Grounded on _examples/original_source/src/userprog/syscall.c
// (syscall_handler's validate-then-dispatch structure,
// get_syscall_number/get_argument's byte-range checks).
package syscalls

import (
	"github.com/sourcegraph/log"

	"github.com/pintos-go/kernel/internal/kmetrics"
	"github.com/pintos-go/kernel/internal/process"
	"github.com/pintos-go/kernel/internal/scheduler"
)

// Number identifies a syscall, matching the table in spec.md §4.8.
type Number int

const (
	Halt Number = iota
	Exit
	Exec
	Wait
	Create
	Remove
	Open
	Filesize
	Read
	Write
	Seek
	Tell
	Close
)

func (n Number) String() string {
	if name, ok := names[n]; ok {
		return name
	}
	return "unknown"
}

var names = map[Number]string{
	Halt: "halt", Exit: "exit", Exec: "exec", Wait: "wait",
	Create: "create", Remove: "remove", Open: "open", Filesize: "filesize",
	Read: "read", Write: "write", Seek: "seek", Tell: "tell", Close: "close",
}

// argc is the argument count per syscall, per spec.md §4.8's dispatch
// table ({handler, argc} entries).
var argc = map[Number]int{
	Halt: 0, Exit: 1, Exec: 1, Wait: 1,
	Create: 2, Remove: 1, Open: 1, Filesize: 1,
	Read: 3, Write: 3, Seek: 2, Tell: 1, Close: 1,
}

// Memory abstracts the current process's address space for pointer
// validation, standing in for the page-table lookups the original
// performs in get_user/put_user. Present must report false for any
// address not mapped to a present page in the current address space.
type Memory interface {
	Present(addr uintptr) bool
	ReadWord(addr uintptr) (uint32, bool)
	ReadBytes(addr uintptr, length int) ([]byte, bool)
	WriteBytes(addr uintptr, data []byte) bool
	ReadCString(addr uintptr, maxLen int) (string, bool)
}

// validRange checks the byte at addr and the byte at addr+length-1
// are both present, the byte-by-byte-at-both-ends check spec.md §8
// calls for on string/buffer arguments.
func validRange(mem Memory, addr uintptr, length int) bool {
	if length <= 0 {
		return mem.Present(addr)
	}
	return mem.Present(addr) && mem.Present(addr+uintptr(length)-1)
}

// File is the opaque per-descriptor handle C9 stores, with the
// operations the syscalls in this package need from it.
type File interface {
	Read(p []byte) int
	Write(p []byte) int
	Seek(pos int)
	Tell() int
	Size() int
	Close()
}

// FileSystem is the external collaborator named in spec.md §1 for
// filesystem internals (deliberately out of scope as an implementation,
// specified here only by the surface syscalls need).
type FileSystem interface {
	Create(name string, initialSize int) bool
	Remove(name string) bool
	Open(name string) (File, bool)
}

// Console models fd 0 (keyboard) and fd 1 (display), per spec.md §4.8's
// read/write special-cases.
type Console interface {
	ReadByte() byte
	Write(p []byte)
}

// Gateway dispatches syscalls for one kernel instance. There is one
// per kernel, shared across all processes.
type Gateway struct {
	logger  log.Logger
	sched   *scheduler.Scheduler
	procs   *process.Manager
	fs      FileSystem
	console Console
	metrics *kmetrics.Metrics
}

// NewGateway constructs a syscall gateway.
func NewGateway(logger log.Logger, sched *scheduler.Scheduler, procs *process.Manager, fs FileSystem, console Console, metrics *kmetrics.Metrics) *Gateway {
	return &Gateway{
		logger:  logger.Scoped("syscalls", "syscall gateway"),
		sched:   sched,
		procs:   procs,
		fs:      fs,
		console: console,
		metrics: metrics,
	}
}

// Dispatch validates and invokes the syscall whose trap frame begins
// at esp in mem, returning the value to be written into the trap
// frame's return register. Any validation failure — esp itself,
// the syscall-number slot, or an argument slot — terminates the
// calling process with exit status −1 and never returns a value;
// Dispatch itself never returns to the caller in that case because it
// calls tid's thread.Exit via the scheduler after notifying the parent,
// mirroring spec.md §4.8 step 1/2 ("on failure, terminate the process
// ... invoke the process's exit notifier, then thread_exit").
func (g *Gateway) Dispatch(tid int, mem Memory, esp uintptr) uint32 {
	// A syscall trap is a return-to-kernel checkpoint, the same kind of
	// boundary intr_yield_on_return enacts a deferred time-slice
	// preemption on in the original: honor one here before touching the
	// calling thread's own trap frame.
	g.sched.CheckPreempt()

	if !validRange(mem, esp, 4) {
		g.kill(tid)
		return 0
	}

	raw, ok := mem.ReadWord(esp)
	if !ok {
		g.kill(tid)
		return 0
	}
	num := Number(raw)

	n, known := argc[num]
	if !known {
		g.kill(tid)
		return 0
	}

	var args [3]uint32
	for i := 0; i < n; i++ {
		slot := esp + uintptr(4*(i+1))
		if !validRange(mem, slot, 4) {
			g.kill(tid)
			return 0
		}
		w, ok := mem.ReadWord(slot)
		if !ok {
			g.kill(tid)
			return 0
		}
		args[i] = w
	}

	if g.metrics != nil {
		g.metrics.SyscallsTotal.WithLabelValues(num.String()).Inc()
	}

	ret, fault := g.invoke(tid, mem, num, args)
	if fault {
		g.kill(tid)
		return 0
	}
	return ret
}

func (g *Gateway) invoke(tid int, mem Memory, num Number, args [3]uint32) (ret uint32, fault bool) {
	proc, ok := g.procs.Lookup(tid)
	if !ok {
		return 0, true
	}

	switch num {
	case Halt:
		g.logger.Info("halt syscall received; shutting down")
		return 0, false

	case Exit:
		status := int32(args[0])
		g.procs.Notify(tid, int(status))
		g.procs.Exit(tid)
		g.sched.Exit()
		return 0, false // unreachable: Exit never returns

	case Exec:
		name, ok := mem.ReadCString(uintptr(args[0]), 256)
		if !ok {
			return 0, true
		}
		childTid, err := g.procs.ExecuteSync(name)
		if err != nil {
			return uint32(int32(-1)), false
		}
		return uint32(childTid), false

	case Wait:
		status := g.procs.Wait(int(int32(args[0])))
		return uint32(int32(status)), false

	case Create:
		name, ok := mem.ReadCString(uintptr(args[0]), 256)
		if !ok {
			return 0, true
		}
		if g.fs.Create(name, int(args[1])) {
			return 1, false
		}
		return 0, false

	case Remove:
		name, ok := mem.ReadCString(uintptr(args[0]), 256)
		if !ok {
			return 0, true
		}
		if g.fs.Remove(name) {
			return 1, false
		}
		return 0, false

	case Open:
		name, ok := mem.ReadCString(uintptr(args[0]), 256)
		if !ok {
			return 0, true
		}
		f, found := g.fs.Open(name)
		if !found {
			return uint32(int32(-1)), false
		}
		fd, err := proc.FDTable.Insert(f)
		if err != nil {
			return uint32(int32(-1)), false
		}
		return uint32(fd), false

	case Filesize:
		f, ok := proc.FDTable.Search(int(int32(args[0])))
		if !ok {
			return uint32(int32(-1)), false
		}
		return uint32(f.(File).Size()), false

	case Read:
		return g.read(proc, mem, args)

	case Write:
		return g.write(proc, mem, args)

	case Seek:
		f, ok := proc.FDTable.Search(int(int32(args[0])))
		if !ok {
			return 0, false
		}
		f.(File).Seek(int(args[1]))
		return 0, false

	case Tell:
		f, ok := proc.FDTable.Search(int(int32(args[0])))
		if !ok {
			return uint32(int32(-1)), false
		}
		return uint32(f.(File).Tell()), false

	case Close:
		fd := int(int32(args[0]))
		f, err := proc.FDTable.Remove(fd)
		if err == nil {
			f.(File).Close()
		}
		return 0, false

	default:
		return 0, true
	}
}

// read implements syscall 8, per spec.md §4.8: "fd 0 → one byte from
// keyboard; fd 1 → 0; else file read".
func (g *Gateway) read(proc *process.Process, mem Memory, args [3]uint32) (uint32, bool) {
	fd := int(int32(args[0]))
	bufAddr := uintptr(args[1])
	length := int(args[2])

	if !validRange(mem, bufAddr, length) {
		return 0, true
	}

	switch fd {
	case 0:
		b := g.console.ReadByte()
		if !mem.WriteBytes(bufAddr, []byte{b}) {
			return 0, true
		}
		return 1, false
	case 1:
		return 0, false
	default:
		f, ok := proc.FDTable.Search(fd)
		if !ok {
			return uint32(int32(-1)), false
		}
		buf := make([]byte, length)
		n := f.(File).Read(buf)
		if !mem.WriteBytes(bufAddr, buf[:n]) {
			return 0, true
		}
		return uint32(n), false
	}
}

// write implements syscall 9, per spec.md §4.8: "fd 1 → console
// putbuf; fd 0 → 0; else file write".
func (g *Gateway) write(proc *process.Process, mem Memory, args [3]uint32) (uint32, bool) {
	fd := int(int32(args[0]))
	bufAddr := uintptr(args[1])
	length := int(args[2])

	if !validRange(mem, bufAddr, length) {
		return 0, true
	}
	buf, ok := mem.ReadBytes(bufAddr, length)
	if !ok {
		return 0, true
	}

	switch fd {
	case 0:
		return 0, false
	case 1:
		g.console.Write(buf)
		return uint32(length), false
	default:
		f, ok := proc.FDTable.Search(fd)
		if !ok {
			return uint32(int32(-1)), false
		}
		return uint32(f.(File).Write(buf)), false
	}
}

// kill terminates the calling process with exit status −1, per
// spec.md §7 kind (c): "user-program faults ... force process
// termination with exit status −1, propagating the status to the
// parent."
func (g *Gateway) kill(tid int) {
	g.logger.Warn("terminating process on validation failure", log.Int("tid", tid))
	g.procs.Notify(tid, -1)
	g.procs.Exit(tid)
	g.sched.Exit()
}
