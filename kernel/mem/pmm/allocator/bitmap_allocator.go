// Package allocator implements the physical frame allocator used by the
// kernel. Frames are tracked with a bitmap that covers the entire usable
// physical address space reported by the boot loader.
package allocator

import (
	"corekern/kernel"
	"corekern/kernel/hal/multiboot"
	"corekern/kernel/kfmt"
	"corekern/kernel/mem"
	"corekern/kernel/mem/pmm"
	"corekern/kernel/sync"
	"io"
	"math/bits"

	xcpu "golang.org/x/sys/cpu"
)

var (
	// ErrOutOfMemory is returned when no run of free frames large enough
	// to satisfy a request exists.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// ErrInvalidAddress is returned for misaligned addresses and for
	// addresses that are not tracked by the allocator.
	ErrInvalidAddress = &kernel.Error{Module: "pmm", Message: "invalid frame address"}

	// ErrDoubleFree is returned when releasing frames that are already free.
	ErrDoubleFree = &kernel.Error{Module: "pmm", Message: "frame is already free"}

	errNoMemInfo       = &kernel.Error{Module: "pmm", Message: "boot loader did not provide basic memory info"}
	errCounterMismatch = &kernel.Error{Module: "pmm", Message: "used frame counter does not match bitmap population count"}

	// assertFn is mocked by tests and is automatically inlined by the compiler.
	assertFn = kfmt.Assert
)

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations using a bitmap. Bit i of the bitmap is set if frame i is in
// use. Within each bitmap word, frames are stored MSB first.
type BitmapAllocator struct {
	lock sync.Spinlock

	// Keep the lock and the state it protects in separate cache lines.
	_ xcpu.CacheLinePad

	// totalFrames tracks the total number of frames covered by the bitmap.
	totalFrames uint64

	// usedFrames tracks the number of frames currently marked as used.
	usedFrames uint64

	bitmap []uint64
}

// New creates a frame allocator for the memory described by info. The total
// amount of physical memory is (info.MemUpper + 1024) KiB; all frames start
// out free except for those overlapping [0, reserved) which contain the
// kernel image and the boot structures. The bitmap of an allocator returned
// by New lives on the Go heap; the kernel builds its allocator with Init.
func New(reserved uintptr, info *multiboot.BasicMemInfo) (*BitmapAllocator, *kernel.Error) {
	totalFrames, err := trackedFrames(info)
	if err != nil {
		return nil, err
	}

	alloc := new(BitmapAllocator)
	if err = alloc.setup(reserved, totalFrames, make([]uint64, bitmapWords(totalFrames))); err != nil {
		return nil, err
	}

	return alloc, nil
}

// trackedFrames returns the number of whole frames covered by info.
func trackedFrames(info *multiboot.BasicMemInfo) (uint64, *kernel.Error) {
	if info == nil {
		return 0, errNoMemInfo
	}

	totalBytes := (mem.Size(info.MemUpper) + 1024) * mem.Kb
	totalFrames := uint64(totalBytes >> mem.FrameShift)
	if totalFrames == 0 {
		return 0, errNoMemInfo
	}

	return totalFrames, nil
}

// bitmapWords returns the number of bitmap words needed for totalFrames.
func bitmapWords(totalFrames uint64) uint64 {
	return (totalFrames + mem.WordBits - 1) / mem.WordBits
}

// setup clears bitmap, attaches it to the allocator and reserves the frames
// overlapping [0, reserved). Frame 0 is reserved even when reserved is 0:
// callers use physical address 0 to signal a failed or missing allocation.
func (alloc *BitmapAllocator) setup(reserved uintptr, totalFrames uint64, bitmap []uint64) *kernel.Error {
	for i := range bitmap {
		bitmap[i] = 0
	}
	alloc.totalFrames, alloc.usedFrames, alloc.bitmap = totalFrames, 0, bitmap

	if reserved == 0 {
		reserved = 1
	}
	return alloc.AllocateArea(0, mem.Size(reserved))
}

// AllocateFrame reserves the first run of contiguous free frames that can
// hold size bytes and returns the physical address of the first frame in
// the run. A zero size reserves a single frame.
func (alloc *BitmapAllocator) AllocateFrame(size mem.Size) (uintptr, *kernel.Error) {
	if size > mem.Size(alloc.totalFrames)<<mem.FrameShift {
		return 0, ErrOutOfMemory
	}

	count := size.Frames()
	if count == 0 {
		count = 1
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if count > alloc.totalFrames-alloc.usedFrames {
		return 0, ErrOutOfMemory
	}

	first, found := alloc.findFreeRun(count)
	if !found {
		return 0, ErrOutOfMemory
	}

	for frame := first; frame < first+count; frame++ {
		alloc.markUsed(frame)
	}
	alloc.usedFrames += count
	alloc.assertCounters()

	return pmm.Frame(first).Address(), nil
}

// FreeFrame releases the frame that starts at addr. Runs of frames obtained
// by a multi-frame AllocateFrame call are released with FreeArea.
func (alloc *BitmapAllocator) FreeFrame(addr uintptr) *kernel.Error {
	if !mem.IsAligned(addr, mem.FrameSize) {
		return ErrInvalidAddress
	}

	frame := uint64(pmm.FrameFromAddress(addr))
	if frame >= alloc.totalFrames {
		return ErrInvalidAddress
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if !alloc.isUsed(frame) {
		return ErrDoubleFree
	}

	alloc.markFree(frame)
	alloc.usedFrames--
	alloc.assertCounters()

	return nil
}

// AllocateArea marks every frame that overlaps [start, start+size) as used.
// Unlike AllocateFrame, no search takes place: the caller picks the range.
// Frames in the range that are already in use are left untouched so
// overlapping reservations (e.g. the kernel image and a firmware hole) are
// allowed.
func (alloc *BitmapAllocator) AllocateArea(start uintptr, size mem.Size) *kernel.Error {
	first, last, err := alloc.frameRange(start, size)
	if err != nil {
		return err
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for frame := first; frame < last; frame++ {
		if alloc.isUsed(frame) {
			continue
		}

		alloc.markUsed(frame)
		alloc.usedFrames++
	}
	alloc.assertCounters()

	return nil
}

// FreeArea releases the frames that overlap [start, start+size). The start
// address must be frame-aligned. If any frame in the range is already free,
// FreeArea returns ErrDoubleFree without modifying the bitmap.
func (alloc *BitmapAllocator) FreeArea(start uintptr, size mem.Size) *kernel.Error {
	if !mem.IsAligned(start, mem.FrameSize) {
		return ErrInvalidAddress
	}

	first, last, err := alloc.frameRange(start, size)
	if err != nil {
		return err
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for frame := first; frame < last; frame++ {
		if !alloc.isUsed(frame) {
			return ErrDoubleFree
		}
	}

	for frame := first; frame < last; frame++ {
		alloc.markFree(frame)
	}
	alloc.usedFrames -= last - first
	alloc.assertCounters()

	return nil
}

// TotalFrames returns the number of frames tracked by the allocator.
func (alloc *BitmapAllocator) TotalFrames() uint64 {
	return alloc.totalFrames
}

// UsedFrames returns the number of frames currently in use.
func (alloc *BitmapAllocator) UsedFrames() uint64 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	return alloc.usedFrames
}

// FreeMemory returns the amount of memory that is still available for
// allocation.
func (alloc *BitmapAllocator) FreeMemory() mem.Size {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	return mem.Size(alloc.totalFrames-alloc.usedFrames) << mem.FrameShift
}

// Check verifies that the used frame counter matches the number of bits set
// in the bitmap.
func (alloc *BitmapAllocator) Check() *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if alloc.popCount() != alloc.usedFrames {
		return errCounterMismatch
	}

	return nil
}

// PrintStats writes a summary of the allocator state to w.
func (alloc *BitmapAllocator) PrintStats(w io.Writer) {
	alloc.lock.Acquire()
	total, used := alloc.totalFrames, alloc.usedFrames
	alloc.lock.Release()

	kfmt.Fprintf(w, "[pmm] frames: %d total, %d used, %d free (%dKb available)\n",
		total, used, total-used,
		uint64((mem.Size(total-used)<<mem.FrameShift)/mem.Kb),
	)
}

// DumpBitmap writes the raw bitmap contents to w, one word per line.
func (alloc *BitmapAllocator) DumpBitmap(w io.Writer) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for index, word := range alloc.bitmap {
		kfmt.Fprintf(w, "[pmm] %4d: %64b\n", uint64(index)*mem.WordBits, word)
	}
}

// frameRange converts a byte range into the half-open frame range
// [first, last) of all frames that overlap it.
func (alloc *BitmapAllocator) frameRange(start uintptr, size mem.Size) (uint64, uint64, *kernel.Error) {
	end := uint64(start) + uint64(size)
	if end < uint64(start) {
		return 0, 0, ErrInvalidAddress
	}

	first := uint64(pmm.FrameFromAddress(start))
	last := uint64(mem.AlignUp(mem.Size(end), mem.FrameSize) >> mem.FrameShift)
	if first >= alloc.totalFrames || last > alloc.totalFrames {
		return 0, 0, ErrInvalidAddress
	}

	return first, last, nil
}

// findFreeRun returns the index of the first frame in the lowest run of count
// contiguous free frames.
func (alloc *BitmapAllocator) findFreeRun(count uint64) (uint64, bool) {
	var runStart, runLen uint64

	for frame := uint64(0); frame < alloc.totalFrames; {
		// Skip over fully reserved words
		if frame%mem.WordBits == 0 && alloc.bitmap[frame/mem.WordBits] == ^uint64(0) {
			runLen = 0
			frame += mem.WordBits
			continue
		}

		if alloc.isUsed(frame) {
			runLen = 0
		} else {
			if runLen == 0 {
				runStart = frame
			}

			runLen++
			if runLen == count {
				return runStart, true
			}
		}

		frame++
	}

	return 0, false
}

func bitFor(frame uint64) (uint64, uint64) {
	return frame / mem.WordBits, 1 << (mem.WordBits - 1 - frame%mem.WordBits)
}

func (alloc *BitmapAllocator) isUsed(frame uint64) bool {
	word, mask := bitFor(frame)
	return alloc.bitmap[word]&mask != 0
}

func (alloc *BitmapAllocator) markUsed(frame uint64) {
	word, mask := bitFor(frame)
	alloc.bitmap[word] |= mask
}

func (alloc *BitmapAllocator) markFree(frame uint64) {
	word, mask := bitFor(frame)
	alloc.bitmap[word] &^= mask
}

func (alloc *BitmapAllocator) popCount() uint64 {
	var count int
	for _, word := range alloc.bitmap {
		count += bits.OnesCount64(word)
	}

	return uint64(count)
}

// assertCounters halts the kernel if the used frame counter has drifted from
// the bitmap contents. It must be called with the lock held.
func (alloc *BitmapAllocator) assertCounters() {
	assertFn(alloc.popCount() == alloc.usedFrames, errCounterMismatch)
}
