// Package pmm contains code that manages physical memory frame allocations.
package pmm

import (
	"corekern/kernel/mem"
	"math"
)

// Frame describes a physical memory frame index.
type Frame uintptr

const (
	// InvalidFrame is returned by frame allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << mem.FrameShift)
}

// FrameFromAddress returns the Frame that contains the given physical
// address. Addresses that are not frame-aligned are rounded down to the start
// of their frame.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr &^ uintptr(mem.FrameSize-1)) >> mem.FrameShift)
}
