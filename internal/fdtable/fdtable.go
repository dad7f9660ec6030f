// Package fdtable implements the per-process file-descriptor table
// (component C9): a small-integer namespace over opaque file handles,
// backed by an occupancy slice (standing in for the original's
// allocation bitmap) and a map keyed by fd.
//
// Grounded on _examples/original_source/src/filesys/fd.c
// (fd_init/fd_insert/fd_remove/fd_search/fd_destroy).
package fdtable

import "github.com/pkg/errors"

// FD bounds, per spec.md §3: "fd ∈ [FD_MIN..FD_MAX] (2..128)".
const (
	FDMin = 2
	FDMax = 128
)

// ErrTableFull is returned by Insert when no descriptor slot remains.
var ErrTableFull = errors.New("fdtable: no free descriptor slots")

// ErrNoSuchFD is returned by Remove when fd is out of range or unused.
var ErrNoSuchFD = errors.New("fdtable: no such descriptor")

// File is the opaque per-descriptor handle; the table never interprets it.
type File any

// Table is a per-process FD table. It is not safe for concurrent use
// from more than one goroutine: spec.md §5 says "FD tables are
// per-process and accessed only from the owning thread."
type Table struct {
	occupied []bool
	files    map[int]File
}

// New creates an empty table.
func New() *Table {
	return &Table{
		occupied: make([]bool, FDMax-FDMin+1),
		files:    make(map[int]File),
	}
}

// Insert assigns the lowest free fd to file and returns it, or returns
// ErrTableFull if every slot in [FDMin,FDMax] is taken. Grounded on
// fd_insert's bitmap_scan-for-lowest-clear-bit discipline.
func (t *Table) Insert(file File) (int, error) {
	for slot, used := range t.occupied {
		if used {
			continue
		}
		t.occupied[slot] = true
		fd := FDMin + slot
		t.files[fd] = file
		return fd, nil
	}
	return -1, ErrTableFull
}

// Search returns the file registered at fd, or (nil, false) if fd is
// out of range or unused. Bounds check uses && per spec.md §9's
// resolution of the original's inconsistent `fd_search` check.
func (t *Table) Search(fd int) (File, bool) {
	if fd < FDMin || fd > FDMax {
		return nil, false
	}
	f, ok := t.files[fd]
	return f, ok
}

// Remove clears fd's slot and returns the file that was there, or
// ErrNoSuchFD if fd is out of range or unused.
func (t *Table) Remove(fd int) (File, error) {
	if fd < FDMin || fd > FDMax {
		return nil, ErrNoSuchFD
	}
	f, ok := t.files[fd]
	if !ok {
		return nil, ErrNoSuchFD
	}
	delete(t.files, fd)
	t.occupied[fd-FDMin] = false
	return f, nil
}

// Destroy calls dtor (if non-nil) for every live entry, then discards
// the table's storage. Grounded on fd_destroy's optional destructor
// callback.
func (t *Table) Destroy(dtor func(fd int, file File)) {
	if dtor != nil {
		for fd, f := range t.files {
			dtor(fd, f)
		}
	}
	t.occupied = nil
	t.files = nil
}
