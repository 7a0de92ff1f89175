package allocator

import (
	"corekern/kernel"
	"corekern/kernel/hal/multiboot"
	"corekern/kernel/kfmt"
	"corekern/kernel/mem"
	"unsafe"
)

var (
	// bootAllocator is the allocator instance returned by Init. It is
	// statically allocated as Init runs before the Go allocator is usable.
	bootAllocator BitmapAllocator

	errBitmapNotMapped = &kernel.Error{Module: "pmm", Message: "unable to map frame bitmap"}
)

// MapFn makes size bytes of physical memory starting at physAddr accessible
// to the kernel and returns the virtual address of the first byte or 0 if
// the memory could not be mapped.
type MapFn func(physAddr uintptr, size mem.Size) uintptr

// Init sets up the kernel physical memory allocation sub-system using the
// memory information supplied by the boot loader. The frame bitmap is placed
// in the physical memory that immediately follows kernelEnd and is accessed
// through mapFn. Frames covering [0, end of bitmap) as well as any memory map
// region that is not available for use are marked as reserved.
func Init(kernelEnd uintptr, mapFn MapFn) (*BitmapAllocator, *kernel.Error) {
	totalFrames, err := trackedFrames(multiboot.GetBasicMemInfo())
	if err != nil {
		return nil, err
	}

	var (
		words      = bitmapWords(totalFrames)
		bitmapAddr = uintptr(mem.AlignUp(mem.Size(kernelEnd), 8))
		bitmapSize = mem.Size(words) * 8
		bitmapPtr  = unsafe.Pointer(mapFn(bitmapAddr, bitmapSize))
	)

	if bitmapPtr == nil {
		return nil, errBitmapNotMapped
	}

	if err = bootAllocator.setup(bitmapAddr+uintptr(bitmapSize), totalFrames, unsafe.Slice((*uint64)(bitmapPtr), words)); err != nil {
		return nil, err
	}

	printMemoryMap()
	kfmt.Printf("[pmm] frame bitmap: %d bytes at 0x%x\n", bitmapSize, bitmapAddr)

	if err = bootAllocator.reserveHoles(); err != nil {
		return nil, err
	}

	bootAllocator.PrintStats(kfmt.GetOutputSink())
	return &bootAllocator, nil
}

// reserveHoles marks the frames that overlap a non-available memory map
// region as used. Regions are clipped to the tracked address space.
func (alloc *BitmapAllocator) reserveHoles() *kernel.Error {
	var (
		limit = alloc.totalFrames << mem.FrameShift
		err   *kernel.Error
	)

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type == multiboot.MemAvailable || region.Length == 0 {
			return true
		}

		start, end := region.PhysAddress, region.PhysAddress+region.Length
		if start >= limit {
			return true
		}
		if end > limit || end < start {
			end = limit
		}

		err = alloc.AllocateArea(uintptr(start), mem.Size(end-start))
		return err == nil
	})

	return err
}

func printMemoryMap() {
	var totalFree mem.Size

	kfmt.Printf("[pmm] system memory map:\n")
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n",
			region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mem.Size(region.Length)
		}
		return true
	})
	kfmt.Printf("[pmm] available memory: %dKb\n", totalFree/mem.Kb)
}
