// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator. The runtime hooks that request memory from the OS
// are redirected to functions in this package that hand out runs of physical
// frames instead.
package goruntime

import (
	"corekern/kernel"
	"corekern/kernel/kfmt"
	"corekern/kernel/mem"
	"corekern/kernel/mem/pmm/allocator"
	"corekern/kernel/sync"
	"unsafe"
)

// maxRegions is the number of distinct frame runs that can be handed to the
// Go allocator at the same time.
const maxRegions = 128

// FrameSource is implemented by physical frame allocators that can back the
// Go allocator.
type FrameSource interface {
	AllocateFrame(size mem.Size) (uintptr, *kernel.Error)
	FreeArea(start uintptr, size mem.Size) *kernel.Error
}

// region describes a run of frames handed to the Go allocator.
type region struct {
	virt, phys uintptr
	size       mem.Size
}

var (
	mallocInitFn    = mallocInit
	algInitFn       = algInit
	modulesInitFn   = modulesInit
	typeLinksInitFn = typeLinksInit
	itabsInitFn     = itabsInit
	memsetFn        = mem.Memset
	panicFn         = kfmt.Panic

	frames FrameSource
	mapFn  allocator.MapFn

	regionLock sync.Spinlock
	regions    [maxRegions]region

	// ticks backs nanotime1 until a timer driver is available.
	ticks int64

	// A seed for the pseudo-random number generator used by readRandom
	prngSeed = 0xdeadc0de

	errNoFrameSource = &kernel.Error{Module: "goruntime", Message: "no frame source available"}
	errNotReserved   = &kernel.Error{Module: "goruntime", Message: "sysMap called for memory outside a reserved region"}
)

// allocRegion reserves enough contiguous frames to hold size bytes, maps
// them and records the run so it can be released by freeRegion. It returns
// nil if the request cannot be satisfied.
//
//go:nosplit
func allocRegion(size uintptr) unsafe.Pointer {
	if frames == nil || size == 0 {
		return nil
	}

	regionSize := mem.AlignUp(mem.Size(size), mem.FrameSize)
	if regionSize < mem.Size(size) {
		return nil
	}

	physAddr, err := frames.AllocateFrame(regionSize)
	if err != nil {
		return nil
	}

	virtAddr := mapFn(physAddr, regionSize)
	if virtAddr == 0 || !trackRegion(region{virt: virtAddr, phys: physAddr, size: regionSize}) {
		_ = frames.FreeArea(physAddr, regionSize)
		return nil
	}

	memsetFn(virtAddr, 0, regionSize)
	return unsafe.Pointer(virtAddr)
}

// trackRegion stores r in the first unused slot of the region table.
func trackRegion(r region) bool {
	regionLock.Acquire()
	defer regionLock.Release()

	for i := range regions {
		if regions[i].size == 0 {
			regions[i] = r
			return true
		}
	}

	return false
}

// findRegion returns the index of the region containing [virt, virt+size)
// or -1 if no such region exists. It must be called with regionLock held.
func findRegion(virt uintptr, size mem.Size) int {
	for i := range regions {
		r := &regions[i]
		if r.size != 0 && virt >= r.virt && uint64(virt-r.virt)+uint64(size) <= uint64(r.size) {
			return i
		}
	}

	return -1
}

// sysReserveOS reserves address space for the Go allocator. The kernel
// identity-maps physical memory so reserving address space requires
// reserving the frames behind it; the hint address v is ignored.
//
// This function replaces runtime.sysReserveOS and is required for
// initializing the Go allocator.
//
//go:redirect-from runtime.sysReserveOS
//go:nosplit
func sysReserveOS(_ unsafe.Pointer, n uintptr) unsafe.Pointer {
	return allocRegion(n)
}

// sysMapOS commits memory previously obtained via sysReserveOS. Reserved
// regions are already backed by frames so sysMapOS only checks that the
// range belongs to one of them.
//
// This function replaces runtime.sysMapOS.
//
//go:redirect-from runtime.sysMapOS
//go:nosplit
func sysMapOS(v unsafe.Pointer, n uintptr) {
	if n == 0 {
		return
	}

	regionLock.Acquire()
	index := findRegion(uintptr(v), mem.Size(n))
	regionLock.Release()

	if index < 0 {
		panicFn(errNotReserved)
	}
}

// sysAllocOS reserves enough physical frames to satisfy the allocation
// request and returns a pointer to the zeroed memory.
//
// This function replaces runtime.sysAllocOS.
//
//go:redirect-from runtime.sysAllocOS
//go:nosplit
func sysAllocOS(n uintptr) unsafe.Pointer {
	return allocRegion(n)
}

// sysFreeOS returns the frames backing a region obtained via sysAllocOS or
// sysReserveOS to the frame allocator. Only whole regions are released;
// requests that cover part of a region are ignored.
//
// This function replaces runtime.sysFreeOS.
//
//go:redirect-from runtime.sysFreeOS
//go:nosplit
func sysFreeOS(v unsafe.Pointer, n uintptr) {
	regionLock.Acquire()
	index := findRegion(uintptr(v), mem.Size(n))
	if index < 0 || regions[index].virt != uintptr(v) || mem.AlignUp(mem.Size(n), mem.FrameSize) != regions[index].size {
		regionLock.Release()
		return
	}

	r := regions[index]
	regions[index] = region{}
	regionLock.Release()

	_ = frames.FreeArea(r.phys, r.size)
}

// nanotime1 returns a monotonically increasing clock value. This is a
// placeholder until a timer driver is available.
//
// This function replaces runtime.nanotime1 and is invoked by the Go
// allocator when a span allocation is performed.
//
//go:redirect-from runtime.nanotime1
//go:nosplit
func nanotime1() int64 {
	ticks++
	return ticks
}

// readRandom populates the given slice with random data. The runtime reads
// the random stream from the OS; the kernel uses a prng instead.
//
//go:redirect-from runtime.readRandom
func readRandom(r []byte) int {
	for i := 0; i < len(r); i++ {
		prngSeed = (prngSeed * 58321) + 11113
		r[i] = byte((prngSeed >> 16) & 255)
	}
	return len(r)
}

// Init enables support for various Go runtime features. Memory requested by
// the Go allocator is served by src and made accessible through mapPhys.
// After a call to Init the following runtime features become available for
// use:
//   - heap memory allocation (new, make e.t.c)
//   - map primitives
//   - interfaces
func Init(src FrameSource, mapPhys allocator.MapFn) *kernel.Error {
	if src == nil || mapPhys == nil {
		return errNoFrameSource
	}
	frames, mapFn = src, mapPhys

	mallocInitFn()
	algInitFn()       // setup hash implementation for map keys
	modulesInitFn()   // provides activeModules
	typeLinksInitFn() // uses maps, activeModules
	itabsInitFn()     // uses activeModules

	kfmt.Printf("[goruntime] Go allocator backed by physical frames\n")
	return nil
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file.
	zeroPtr := unsafe.Pointer(uintptr(0))

	sysReserveOS(zeroPtr, 0)
	sysMapOS(zeroPtr, 0)
	sysAllocOS(0)
	sysFreeOS(zeroPtr, 0)
	readRandom(nil)
	_ = nanotime1()
}
