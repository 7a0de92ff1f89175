// Package kmain contains the kernel entrypoint and the boot sequence that
// brings up the memory subsystems and the device drivers.
package kmain

import (
	"corekern/device"
	"corekern/device/tty"
	"corekern/device/video/console"
	"corekern/kernel"
	"corekern/kernel/goruntime"
	"corekern/kernel/hal/multiboot"
	"corekern/kernel/ipc"
	"corekern/kernel/kfmt"
	"corekern/kernel/mem"
	"corekern/kernel/mem/heap"
	"corekern/kernel/mem/pmm/allocator"
	"corekern/kernel/resource"
	"strconv"
)

const (
	// KernelHeapSize is the default size of the kernel heap. It can be
	// overridden with the kheap=<MiB> boot parameter.
	KernelHeapSize = 16 * mem.Mb

	// MaxDrivers limits the number of drivers that can be active at the
	// same time.
	MaxDrivers = 16
)

var (
	errKmainReturned   = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
	errInvalidHeapSize = &kernel.Error{Module: "kmain", Message: "invalid kheap boot parameter"}

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	driverListFn    = device.DriverList
	goruntimeInitFn = goruntime.Init
	mapPhysFn       = identityMap
	panicFn         = kfmt.Panic
)

// System groups the kernel subsystems that are brought up at boot.
type System struct {
	Frames    *allocator.BitmapAllocator
	Heap      *heap.Heap
	Resources *resource.Registry
	Devices   *device.Manager
	Terminal  *tty.Vt
}

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. This function is invoked by the rt0 assembly code
// after setting up the GDT and setting up a a minimal g0 struct that allows
// Go code using the 4K stack allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by
// the bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the
// CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	if _, err := boot(kernelStart, kernelEnd); err != nil {
		panicFn(err)
	}

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	panicFn(errKmainReturned)
}

// boot initializes the kernel subsystems in dependency order: the frame
// allocator, the Go allocator, the kernel heap carved out of frames, the
// resource registry and finally the device drivers. Nothing before the call
// to goruntimeInitFn may allocate memory from the Go heap.
func boot(kernelStart, kernelEnd uintptr) (*System, *kernel.Error) {
	kfmt.Printf("[kmain] kernel image at [0x%x - 0x%x]\n", kernelStart, kernelEnd)

	frames, err := allocator.Init(kernelEnd, mapPhysFn)
	if err != nil {
		return nil, err
	}

	if err = goruntimeInitFn(frames, mapPhysFn); err != nil {
		return nil, err
	}

	sys := &System{Frames: frames}

	cmdLine := multiboot.GetBootCmdLine()
	if sys.Heap, err = initHeap(sys.Frames, cmdLine); err != nil {
		return nil, err
	}

	sys.Resources = resource.NewRegistry()
	sys.Resources.RegisterFactory(resource.TypeSharedMemory, ipc.SharedMemoryFactory(sys.Frames))
	sys.Resources.RegisterFactory(resource.TypeMessageEndpoint, ipc.MessageEndpointFactory(sys.Heap))

	sys.Devices = device.NewManager(MaxDrivers)
	if err = sys.Devices.Probe(driverListFn(), sys.Heap, kfmt.GetOutputSink()); err != nil {
		return nil, err
	}

	sys.Terminal = attachTerminal(sys.Devices)

	if _, ok := cmdLine["pmmdump"]; ok {
		sys.Frames.DumpBitmap(kfmt.GetOutputSink())
	}
	sys.Frames.PrintStats(kfmt.GetOutputSink())

	return sys, nil
}

// initHeap reserves the frames for the kernel heap and sets up the heap
// manager on top of them.
func initHeap(frames *allocator.BitmapAllocator, cmdLine map[string]string) (*heap.Heap, *kernel.Error) {
	size := KernelHeapSize
	if v, ok := cmdLine["kheap"]; ok {
		mb, convErr := strconv.Atoi(v)
		if convErr != nil || mb <= 0 {
			return nil, errInvalidHeapSize
		}
		size = mem.Size(mb) * mem.Mb
	}

	var opts []heap.Option
	if cmdLine["kheapmerge"] == "both" {
		opts = append(opts, heap.WithBackwardCoalescing())
	}

	physAddr, err := frames.AllocateFrame(size)
	if err != nil {
		return nil, err
	}

	kheap, err := heap.New(mapPhysFn(physAddr, size), size, opts...)
	if err != nil {
		_ = frames.FreeArea(physAddr, size)
		return nil, err
	}

	kfmt.Printf("[heap] %dKb reserved at 0x%x\n", size/mem.Kb, physAddr)
	return kheap, nil
}

// attachTerminal links a terminal to the first active console and redirects
// kernel output to it.
func attachTerminal(devices *device.Manager) *tty.Vt {
	for _, drv := range devices.Drivers() {
		cons, ok := drv.(console.Console)
		if !ok {
			continue
		}

		vt := new(tty.Vt)
		vt.AttachTo(cons)
		kfmt.SetOutputSink(vt)
		return vt
	}

	return nil
}

// identityMap returns the virtual address for a physical memory region. The
// kernel identity-maps physical memory.
func identityMap(physAddr uintptr, _ mem.Size) uintptr {
	return physAddr
}
