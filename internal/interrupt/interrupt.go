// Package interrupt models the kernel's only exclusion primitive: a
// scoped "interrupts off" mask. In this uniprocessor simulation a
// goroutine holding the mask is, by definition, the only one permitted
// to touch scheduler-private state (the run-queue, the global thread
// list, load_avg, rcpu) — exactly as a real kernel running with
// interrupts disabled is the only code path touching it.
package interrupt

import "sync"

// Level is the interrupt enable/disable state.
type Level int

const (
	// On means interrupts are enabled (the default, outside a masked section).
	On Level = iota
	// Off means interrupts are disabled.
	Off
)

func (l Level) String() string {
	if l == Off {
		return "OFF"
	}
	return "ON"
}

// Mask is the process-wide interrupt mask. There is exactly one per
// kernel instance.
type Mask struct {
	mu    sync.Mutex
	level Level
}

// New returns a mask initialized to the enabled (On) state.
func New() *Mask {
	return &Mask{level: On}
}

// Level reports the current interrupt level. It reads the level without
// acquiring the mask, so it can be called both while holding the mask
// and outside it.
func (m *Mask) Level() Level {
	return m.level
}

// Disable masks interrupts and returns the previous level so the caller
// can restore it later with Set. Blocks until any other masked section
// has exited.
//
// Callers must not call Disable again before restoring via Enable/Set —
// the mask is not reentrant: only the outermost kernel entry point
// toggles it; nested code paths assert Level() == Off rather than
// disabling again.
func (m *Mask) Disable() Level {
	m.mu.Lock()
	prev := m.level
	m.level = Off
	return prev
}

// Enable unmasks interrupts (sets the level to On) and returns the
// previous level. Must be called by the goroutine that currently holds
// the mask.
func (m *Mask) Enable() Level {
	prev := m.level
	m.level = On
	m.mu.Unlock()
	return prev
}

// Set restores a previously saved level and releases the mask. The
// caller must hold the mask (acquired via Disable).
func (m *Mask) Set(prev Level) {
	m.level = prev
	m.mu.Unlock()
}

// Guard is returned by ScopedMask; Release restores the interrupt level
// that was in effect before the mask was acquired. Safe to call via
// defer on every exit path, including error unwinding.
type Guard struct {
	mask *Mask
	prev Level
	done bool
}

// ScopedMask disables interrupts and returns a guard that restores the
// previous level on Release. Equivalent to
//
//	old := mask.Disable()
//	defer mask.Set(old)
func (m *Mask) ScopedMask() *Guard {
	m.mu.Lock()
	prev := m.level
	m.level = Off
	return &Guard{mask: m, prev: prev}
}

// Release restores the interrupt level captured when the guard was
// created. Idempotent: calling it more than once is a no-op after the
// first call.
func (g *Guard) Release() {
	if g.done {
		return
	}
	g.done = true
	g.mask.level = g.prev
	g.mask.mu.Unlock()
}
