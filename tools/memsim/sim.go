package main

import (
	"corekern/kernel"
	"corekern/kernel/hal/multiboot"
	"corekern/kernel/hal/multiboot/builder"
	"corekern/kernel/ipc"
	"corekern/kernel/kfmt"
	"corekern/kernel/mem"
	"corekern/kernel/mem/heap"
	"corekern/kernel/mem/pmm/allocator"
	"corekern/kernel/resource"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// kernelImageEnd marks the end of the simulated kernel image.
const kernelImageEnd = 0x1fa7c8

type config struct {
	memSize  mem.Size
	heapSize mem.Size
	ops      int
	workers  int
	seed     int64
	backward bool
	dump     bool
}

type stats struct {
	frameAllocs, frameFrees, frameOOM uint64
	mallocs, frees, heapOOM           uint64
	shmCreates, shmOpens, shmCloses   uint64
}

// simulator drives the kernel allocators on top of an anonymous memory
// mapping that stands in for physical RAM.
type simulator struct {
	cfg   config
	out   io.Writer
	arena []byte
	info  []byte

	frames   *allocator.BitmapAllocator
	kheap    *heap.Heap
	registry *resource.Registry

	stats stats
}

func newSimulator(cfg config, out io.Writer) (*simulator, error) {
	if cfg.memSize < 4*mem.FrameSize || cfg.heapSize == 0 || cfg.heapSize >= cfg.memSize {
		return nil, errors.New("invalid memory or heap size")
	}

	arena, err := unix.Mmap(-1, 0, int(cfg.memSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("unable to map simulated RAM: %w", err)
	}

	sim := &simulator{cfg: cfg, out: out, arena: arena}

	// Describe the arena the way a multiboot loader would
	sim.info = builder.New().
		SetMemInfo(639, uint32(cfg.memSize/mem.Kb)-1024).
		AddRegion(0, 0x9fc00, multiboot.MemAvailable).
		AddRegion(0x9fc00, 0x400, multiboot.MemReserved).
		AddRegion(0x100000, uint64(cfg.memSize)-0x100000, multiboot.MemAvailable).
		Install()

	if err := sim.boot(); err != nil {
		_ = sim.close()
		return nil, err
	}

	return sim, nil
}

func (sim *simulator) boot() error {
	var err *kernel.Error

	kfmt.SetOutputSink(&kfmt.PrefixWriter{Sink: sim.out, Prefix: []byte("[memsim] ")})

	if sim.frames, err = allocator.Init(kernelImageEnd, sim.mapPhys); err != nil {
		return err
	}

	heapPhys, err := sim.frames.AllocateFrame(sim.cfg.heapSize)
	if err != nil {
		return err
	}

	var opts []heap.Option
	if sim.cfg.backward {
		opts = append(opts, heap.WithBackwardCoalescing())
	}

	if sim.kheap, err = heap.New(sim.virt(heapPhys), sim.cfg.heapSize, opts...); err != nil {
		return err
	}

	sim.registry = resource.NewRegistry()
	sim.registry.RegisterFactory(resource.TypeSharedMemory, ipc.SharedMemoryFactory(sim.frames))
	return nil
}

func (sim *simulator) close() error {
	kfmt.SetOutputSink(nil)
	runtime.KeepAlive(sim.info)
	return unix.Munmap(sim.arena)
}

// virt translates a simulated physical address into an address inside the
// arena.
func (sim *simulator) virt(physAddr uintptr) uintptr {
	return uintptr(unsafe.Pointer(&sim.arena[0])) + physAddr
}

// mapPhys implements allocator.MapFn for the simulated RAM.
func (sim *simulator) mapPhys(physAddr uintptr, size mem.Size) uintptr {
	if uint64(physAddr)+uint64(size) > uint64(len(sim.arena)) {
		return 0
	}
	return sim.virt(physAddr)
}

// discard tells the host that a range of simulated RAM is no longer needed.
func (sim *simulator) discard(physAddr uintptr, size mem.Size) {
	size = mem.AlignUp(size, mem.FrameSize)
	_ = unix.Madvise(sim.arena[physAddr:physAddr+uintptr(size)], unix.MADV_DONTNEED)
}

type frameRun struct {
	addr uintptr
	size mem.Size
}

type block struct {
	addr    uintptr
	size    mem.Size
	pattern byte
}

// run executes the configured number of random operations split across the
// workers and verifies the allocator invariants once all workers are done.
func (sim *simulator) run() error {
	var (
		wg       sync.WaitGroup
		errCount uint64
		perOp    = sim.cfg.ops / sim.cfg.workers
	)

	for worker := 0; worker < sim.cfg.workers; worker++ {
		wg.Add(1)
		go func(pid uint64) {
			defer wg.Done()
			if err := sim.worker(pid, perOp); err != nil {
				kfmt.Printf("worker %d: %s\n", pid, err.Error())
				atomic.AddUint64(&errCount, 1)
			}
		}(uint64(worker + 1))
	}
	wg.Wait()

	if errCount != 0 {
		return fmt.Errorf("%d workers failed", errCount)
	}

	return sim.verify()
}

func (sim *simulator) worker(pid uint64, ops int) error {
	var (
		rng    = rand.New(rand.NewSource(sim.cfg.seed + int64(pid)))
		table  = resource.NewTable(pid, sim.registry)
		runs   []frameRun
		blocks []block
	)

	defer table.CloseAll()

	for op := 0; op < ops; op++ {
		switch choice := rng.Intn(10); {
		case choice < 2:
			size := mem.Size(rng.Intn(3)+1) * mem.FrameSize
			addr, err := sim.frames.AllocateFrame(size)
			if err == allocator.ErrOutOfMemory {
				atomic.AddUint64(&sim.stats.frameOOM, 1)
				continue
			} else if err != nil {
				return err
			}
			atomic.AddUint64(&sim.stats.frameAllocs, 1)
			runs = append(runs, frameRun{addr, size})
		case choice < 3 && len(runs) != 0:
			index := rng.Intn(len(runs))
			run := runs[index]
			runs = append(runs[:index], runs[index+1:]...)
			sim.discard(run.addr, run.size)
			if err := sim.frames.FreeArea(run.addr, run.size); err != nil {
				return err
			}
			atomic.AddUint64(&sim.stats.frameFrees, 1)
		case choice < 6:
			size := mem.Size(rng.Intn(2048))
			addr, err := sim.kheap.Malloc(size)
			if err == heap.ErrOutOfMemory {
				atomic.AddUint64(&sim.stats.heapOOM, 1)
				continue
			} else if err != nil {
				return err
			}
			pattern := byte(rng.Intn(256))
			mem.Memset(addr, pattern, size)
			blocks = append(blocks, block{addr, size, pattern})
			atomic.AddUint64(&sim.stats.mallocs, 1)
		case choice < 9 && len(blocks) != 0:
			index := rng.Intn(len(blocks))
			blk := blocks[index]
			blocks = append(blocks[:index], blocks[index+1:]...)
			if err := checkPattern(blk); err != nil {
				return err
			}
			if err := sim.kheap.Free(blk.addr); err != nil {
				return err
			}
			atomic.AddUint64(&sim.stats.frees, 1)
		default:
			if err := sim.sharedMemoryRoundTrip(table, rng); err != nil {
				return err
			}
		}
	}

	for _, blk := range blocks {
		if err := checkPattern(blk); err != nil {
			return err
		}
		if err := sim.kheap.Free(blk.addr); err != nil {
			return err
		}
	}

	for _, run := range runs {
		if err := sim.frames.FreeArea(run.addr, run.size); err != nil {
			return err
		}
	}

	return nil
}

// sharedMemoryRoundTrip creates or opens one of a small set of named
// regions, checks that its contents are visible through the mapping and
// then randomly closes it again.
func (sim *simulator) sharedMemoryRoundTrip(table *resource.Table, rng *rand.Rand) error {
	name := fmt.Sprintf("shm-%d", rng.Intn(4))

	addr := ipc.OpenSharedMemory(table, name)
	if addr == 0 {
		if addr = ipc.CreateSharedMemory(table, name, mem.FrameSize); addr == 0 {
			// Another worker won the race or frames ran out
			return nil
		}
		atomic.AddUint64(&sim.stats.shmCreates, 1)
	} else {
		atomic.AddUint64(&sim.stats.shmOpens, 1)
	}

	if !mem.IsAligned(addr, mem.FrameSize) {
		return fmt.Errorf("shared memory %s mapped at unaligned address 0x%x", name, addr)
	}

	// Bump a counter stored in the region
	counter := (*uint64)(unsafe.Pointer(sim.virt(addr)))
	atomic.AddUint64(counter, 1)

	if rng.Intn(2) == 0 && ipc.CloseSharedMemory(table, name) {
		atomic.AddUint64(&sim.stats.shmCloses, 1)
	}

	return nil
}

func (sim *simulator) verify() error {
	if err := sim.frames.Check(); err != nil {
		return err
	}

	if err := sim.kheap.Check(); err != nil {
		return err
	}

	if used := sim.kheap.UsedBytes(); used != 0 {
		return fmt.Errorf("heap leaked %d bytes", uint64(used))
	}

	return nil
}

func (sim *simulator) report() {
	s := &sim.stats
	kfmt.Printf("frames: %d allocated, %d freed, %d out of memory\n", s.frameAllocs, s.frameFrees, s.frameOOM)
	kfmt.Printf("heap: %d allocated, %d freed, %d out of memory\n", s.mallocs, s.frees, s.heapOOM)
	kfmt.Printf("shared memory: %d created, %d opened, %d closed\n", s.shmCreates, s.shmOpens, s.shmCloses)
	kfmt.Printf("heap: %d bytes free of %d\n", uint64(sim.kheap.FreeBytes()), uint64(sim.kheap.Size()))
	sim.frames.PrintStats(kfmt.GetOutputSink())

	if sim.cfg.dump {
		sim.frames.DumpBitmap(kfmt.GetOutputSink())
	}
}

func checkPattern(blk block) error {
	if blk.size == 0 {
		return nil
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(blk.addr)), int(blk.size))
	for offset, b := range data {
		if b != blk.pattern {
			return fmt.Errorf("heap block at 0x%x corrupted at offset %d", blk.addr, offset)
		}
	}

	return nil
}
