package allocator

import (
	"bytes"
	"corekern/kernel"
	"corekern/kernel/hal/multiboot"
	"corekern/kernel/mem"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultAssertFn = assertFn

// memUpper64M describes 64 MiB of RAM (32 frames).
const memUpper64M = 64512

func newTestAllocator(t *testing.T, reserved uintptr) *BitmapAllocator {
	t.Helper()

	alloc, err := New(reserved, &multiboot.BasicMemInfo{MemLower: 639, MemUpper: memUpper64M})
	require.Nil(t, err)
	return alloc
}

func frameAddr(frame uint64) uintptr {
	return uintptr(frame << mem.FrameShift)
}

func TestNew(t *testing.T) {
	specs := []struct {
		reserved     uintptr
		memUpper     uint32
		expFrames    uint64
		expUsed      uint64
		expBitmapLen int
	}{
		// frame 0 is always reserved
		{0, memUpper64M, 32, 1, 1},
		{0x1fa7c8, memUpper64M, 32, 1, 1},
		{uintptr(2 * mem.FrameSize), memUpper64M, 32, 2, 1},
		{uintptr(2*mem.FrameSize) + 1, memUpper64M, 32, 3, 1},
		// 129920 KiB above 1M reported by qemu with 128M RAM
		{0x1fa7c8, 129920, 63, 1, 1},
		// 4G
		{0, 4*1024*1024 - 1024, 2048, 1, 32},
		// 1 frame not fully covered by the 65th bit
		{0, 65*2048 - 1024, 65, 1, 2},
	}

	for specIndex, spec := range specs {
		alloc, err := New(spec.reserved, &multiboot.BasicMemInfo{MemUpper: spec.memUpper})
		require.Nil(t, err, "spec %d", specIndex)

		assert.Equal(t, spec.expFrames, alloc.TotalFrames(), "spec %d", specIndex)
		assert.Equal(t, spec.expUsed, alloc.UsedFrames(), "spec %d", specIndex)
		assert.Len(t, alloc.bitmap, spec.expBitmapLen, "spec %d", specIndex)
		assert.Nil(t, alloc.Check(), "spec %d", specIndex)
	}
}

func TestNewErrors(t *testing.T) {
	t.Run("missing mem info", func(t *testing.T) {
		_, err := New(0, nil)
		assert.Equal(t, errNoMemInfo, err)
	})

	t.Run("less than one frame", func(t *testing.T) {
		_, err := New(0, &multiboot.BasicMemInfo{MemUpper: 512})
		assert.Equal(t, errNoMemInfo, err)
	})

	t.Run("reserved region beyond tracked memory", func(t *testing.T) {
		_, err := New(uintptr(64*mem.Mb)+1, &multiboot.BasicMemInfo{MemUpper: memUpper64M})
		assert.Equal(t, ErrInvalidAddress, err)
	})
}

func TestBitOrder(t *testing.T) {
	alloc := newTestAllocator(t, 0)

	require.Nil(t, alloc.AllocateArea(frameAddr(0), mem.FrameSize))
	require.Nil(t, alloc.AllocateArea(frameAddr(31), mem.FrameSize))

	assert.Equal(t, uint64(1<<63|1<<32), alloc.bitmap[0])
}

func TestAllocateFrame(t *testing.T) {
	alloc := newTestAllocator(t, 0x1fa7c8)

	// Frame 0 holds the kernel so the first allocation gets frame 1
	addr, err := alloc.AllocateFrame(mem.FrameSize)
	require.Nil(t, err)
	assert.Equal(t, frameAddr(1), addr)

	// Size 0 still reserves a frame
	addr, err = alloc.AllocateFrame(0)
	require.Nil(t, err)
	assert.Equal(t, frameAddr(2), addr)

	// 3 MiB needs two contiguous frames
	addr, err = alloc.AllocateFrame(3 * mem.Mb)
	require.Nil(t, err)
	assert.Equal(t, frameAddr(3), addr)
	assert.Equal(t, uint64(5), alloc.UsedFrames())

	// Exhaust the remaining 27 frames one at a time
	for frame := uint64(5); frame < 32; frame++ {
		addr, err = alloc.AllocateFrame(1)
		require.Nil(t, err)
		assert.Equal(t, frameAddr(frame), addr)
	}

	_, err = alloc.AllocateFrame(1)
	assert.Equal(t, ErrOutOfMemory, err)
	assert.Equal(t, mem.Size(0), alloc.FreeMemory())
	assert.Nil(t, alloc.Check())
}

func TestAllocateFrameOversizedRequest(t *testing.T) {
	alloc := newTestAllocator(t, 0x1fa7c8)

	specs := []mem.Size{
		^mem.Size(0),
		^mem.Size(0) - mem.FrameSize + 2,
		33 * mem.FrameSize,
		64*mem.Mb + 1,
	}

	for specIndex, size := range specs {
		addr, err := alloc.AllocateFrame(size)
		assert.Equal(t, ErrOutOfMemory, err, "spec %d", specIndex)
		assert.Equal(t, uintptr(0), addr, "spec %d", specIndex)
	}

	assert.Equal(t, uint64(1), alloc.UsedFrames())
	assert.Nil(t, alloc.Check())
}

func TestFrameZeroIsNeverAllocated(t *testing.T) {
	alloc := newTestAllocator(t, 0)
	require.True(t, alloc.isUsed(0))

	for {
		addr, err := alloc.AllocateFrame(mem.FrameSize)
		if err != nil {
			assert.Equal(t, ErrOutOfMemory, err)
			break
		}
		assert.NotEqual(t, uintptr(0), addr)
	}

	assert.Equal(t, uint64(32), alloc.UsedFrames())
}

func TestAllocateFrameNeedsContiguousRun(t *testing.T) {
	alloc := newTestAllocator(t, 0)

	// Reserve every even frame so that only isolated frames remain free
	for frame := uint64(0); frame < alloc.TotalFrames(); frame += 2 {
		require.Nil(t, alloc.AllocateArea(frameAddr(frame), mem.FrameSize))
	}

	freeBefore := alloc.FreeMemory()
	_, err := alloc.AllocateFrame(3 * mem.Mb)
	assert.Equal(t, ErrOutOfMemory, err)
	assert.Equal(t, freeBefore, alloc.FreeMemory(), "failed allocation must not change the bitmap")

	// Free frame 10 which joins frames 9, 10 and 11 into a single run
	require.Nil(t, alloc.FreeFrame(frameAddr(10)))

	addr, err := alloc.AllocateFrame(3 * mem.Mb)
	require.Nil(t, err)
	assert.Equal(t, frameAddr(9), addr)
	assert.Nil(t, alloc.Check())
}

func TestAllocateFrameSkipsFullWords(t *testing.T) {
	// 2 words worth of frames
	alloc, err := New(0, &multiboot.BasicMemInfo{MemUpper: 128*2048 - 1024})
	require.Nil(t, err)
	require.Nil(t, alloc.AllocateArea(0, 64*mem.FrameSize))

	addr, err := alloc.AllocateFrame(mem.FrameSize)
	require.Nil(t, err)
	assert.Equal(t, frameAddr(64), addr)

	// A run may straddle a word boundary
	require.Nil(t, alloc.FreeArea(frameAddr(62), 2*mem.FrameSize))
	require.Nil(t, alloc.FreeFrame(frameAddr(64)))
	addr, err = alloc.AllocateFrame(3 * mem.FrameSize)
	require.Nil(t, err)
	assert.Equal(t, frameAddr(62), addr)
}

func TestFreeFrame(t *testing.T) {
	alloc := newTestAllocator(t, 0)

	addr, err := alloc.AllocateFrame(mem.FrameSize)
	require.Nil(t, err)
	require.Equal(t, frameAddr(1), addr)
	require.Equal(t, uint64(2), alloc.UsedFrames())

	specs := []struct {
		addr   uintptr
		expErr *kernel.Error
	}{
		{addr + 4096, ErrInvalidAddress},
		{frameAddr(32), ErrInvalidAddress},
		{frameAddr(5), ErrDoubleFree},
		{addr, nil},
		{addr, ErrDoubleFree},
	}

	for specIndex, spec := range specs {
		assert.Equal(t, spec.expErr, alloc.FreeFrame(spec.addr), "spec %d", specIndex)
	}

	assert.Equal(t, uint64(1), alloc.UsedFrames())
	assert.Equal(t, 62*mem.Mb, alloc.FreeMemory())
}

func TestAllocateArea(t *testing.T) {
	alloc := newTestAllocator(t, 0)

	// Partially covered frames at either end are reserved
	require.Nil(t, alloc.AllocateArea(frameAddr(1)+4096, mem.FrameSize))
	assert.Equal(t, uint64(3), alloc.UsedFrames())

	// Overlapping reservations only count newly marked frames
	require.Nil(t, alloc.AllocateArea(frameAddr(2), 2*mem.FrameSize))
	assert.Equal(t, uint64(4), alloc.UsedFrames())

	// Zero-sized areas are a no-op
	require.Nil(t, alloc.AllocateArea(frameAddr(10), 0))
	assert.Equal(t, uint64(4), alloc.UsedFrames())

	specs := []struct {
		start uintptr
		size  mem.Size
	}{
		{frameAddr(32), mem.FrameSize},
		{frameAddr(31), 2 * mem.FrameSize},
		{^uintptr(0) - 10, 100},
	}

	for specIndex, spec := range specs {
		assert.Equal(t, ErrInvalidAddress, alloc.AllocateArea(spec.start, spec.size), "spec %d", specIndex)
	}

	assert.Equal(t, uint64(4), alloc.UsedFrames())
	assert.Nil(t, alloc.Check())
}

func TestFreeArea(t *testing.T) {
	alloc := newTestAllocator(t, 0)
	require.Nil(t, alloc.AllocateArea(frameAddr(4), 4*mem.FrameSize))

	t.Run("misaligned start", func(t *testing.T) {
		assert.Equal(t, ErrInvalidAddress, alloc.FreeArea(frameAddr(4)+1, mem.FrameSize))
	})

	t.Run("outside tracked memory", func(t *testing.T) {
		assert.Equal(t, ErrInvalidAddress, alloc.FreeArea(frameAddr(30), 4*mem.FrameSize))
	})

	t.Run("partially free range", func(t *testing.T) {
		assert.Equal(t, ErrDoubleFree, alloc.FreeArea(frameAddr(2), 4*mem.FrameSize))
		assert.Equal(t, uint64(5), alloc.UsedFrames(), "no frame should be released")
	})

	t.Run("success", func(t *testing.T) {
		require.Nil(t, alloc.FreeArea(frameAddr(4), 3*mem.FrameSize+1))
		assert.Equal(t, uint64(1), alloc.UsedFrames())
		assert.Equal(t, ErrDoubleFree, alloc.FreeArea(frameAddr(4), mem.FrameSize))
	})
}

func TestConcurrentAllocationsDoNotOverlap(t *testing.T) {
	// 512 frames
	alloc, err := New(0x1fa7c8, &multiboot.BasicMemInfo{MemUpper: 512*2048 - 1024})
	require.Nil(t, err)

	const workers = 8
	var (
		wg      sync.WaitGroup
		results [workers][]uintptr
	)

	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			size := mem.Size(worker%2+1) * mem.FrameSize
			for {
				addr, err := alloc.AllocateFrame(size)
				if err != nil {
					return
				}
				results[worker] = append(results[worker], addr, uintptr(size))
			}
		}(worker)
	}
	wg.Wait()

	owner := make(map[uint64]int)
	var allocated uint64
	for worker, list := range results {
		for i := 0; i < len(list); i += 2 {
			first := uint64(list[i] >> mem.FrameShift)
			count := mem.Size(list[i+1]).Frames()
			for frame := first; frame < first+count; frame++ {
				prev, taken := owner[frame]
				require.False(t, taken, "frame %d handed to workers %d and %d", frame, prev, worker)
				owner[frame] = worker
			}
			allocated += count
		}
	}

	assert.Equal(t, alloc.UsedFrames(), allocated+1)
	assert.Nil(t, alloc.Check())
}

func TestCounterMismatchDetection(t *testing.T) {
	defer func() {
		assertFn = defaultAssertFn
	}()

	var failures []*kernel.Error
	assertFn = func(cond bool, err *kernel.Error) {
		if !cond {
			failures = append(failures, err)
		}
	}

	alloc := newTestAllocator(t, 0)
	alloc.bitmap[0] |= 1 // corrupt frame 63 (untracked)

	_, err := alloc.AllocateFrame(mem.FrameSize)
	require.Nil(t, err)

	require.Len(t, failures, 1)
	assert.Equal(t, errCounterMismatch, failures[0])
	assert.Equal(t, errCounterMismatch, alloc.Check())
}

func TestPrintStats(t *testing.T) {
	alloc := newTestAllocator(t, 0x1fa7c8)

	var buf bytes.Buffer
	alloc.PrintStats(&buf)

	exp := "[pmm] frames: 32 total, 1 used, 31 free (63488Kb available)\n"
	assert.Equal(t, exp, buf.String())
}

func TestDumpBitmap(t *testing.T) {
	alloc := newTestAllocator(t, 0)
	require.Nil(t, alloc.AllocateArea(frameAddr(1), mem.FrameSize))

	var buf bytes.Buffer
	alloc.DumpBitmap(&buf)

	exp := "[pmm]    0: 11" + strings.Repeat("0", 62) + "\n"
	assert.Equal(t, exp, buf.String())
}
