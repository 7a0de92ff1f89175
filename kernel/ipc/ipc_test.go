package ipc

import (
	"corekern/kernel"
	"corekern/kernel/hal/multiboot"
	"corekern/kernel/mem"
	"corekern/kernel/mem/heap"
	"corekern/kernel/mem/pmm/allocator"
	"corekern/kernel/resource"
	"runtime"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestFrameAllocator returns an allocator for 64M of RAM with the first
// frame reserved.
func newTestFrameAllocator(t *testing.T) *allocator.BitmapAllocator {
	t.Helper()

	frames, err := allocator.New(0x1fa7c8, &multiboot.BasicMemInfo{MemUpper: 64512})
	require.Nil(t, err)
	return frames
}

func newTestHeap(t *testing.T, size mem.Size) *heap.Heap {
	t.Helper()

	buf := make([]byte, size+heap.Alignment)
	t.Cleanup(func() { runtime.KeepAlive(buf) })

	start := uintptr(mem.AlignUp(mem.Size(uintptr(unsafe.Pointer(&buf[0]))), heap.Alignment))
	h, err := heap.New(start, size)
	require.Nil(t, err)
	return h
}

func newTestRegistry(t *testing.T) (*resource.Registry, *allocator.BitmapAllocator, *heap.Heap) {
	frames := newTestFrameAllocator(t)
	kheap := newTestHeap(t, 4*mem.Kb)

	registry := resource.NewRegistry()
	registry.RegisterFactory(resource.TypeSharedMemory, SharedMemoryFactory(frames))
	registry.RegisterFactory(resource.TypeMessageEndpoint, MessageEndpointFactory(kheap))
	return registry, frames, kheap
}

func TestSharedMemoryRendezvous(t *testing.T) {
	registry, frames, _ := newTestRegistry(t)
	procA := resource.NewTable(1, registry)
	procB := resource.NewTable(2, registry)
	usedBefore := frames.UsedFrames()

	addrA := CreateSharedMemory(procA, "fb", 4096)
	require.NotZero(t, addrA)
	assert.True(t, mem.IsAligned(addrA, mem.FrameSize))
	assert.Equal(t, usedBefore+1, frames.UsedFrames())

	addrB := OpenSharedMemory(procB, "fb")
	assert.Equal(t, addrA, addrB)

	// Creating a region with the same name fails
	assert.Zero(t, CreateSharedMemory(procB, "fb", 4096))
	assert.Zero(t, OpenSharedMemory(procB, "missing"))

	uses, _ := registry.Uses(resource.TypeSharedMemory, "fb")
	assert.Equal(t, 2, uses)

	// Frames are released when the last handle is closed
	assert.True(t, CloseSharedMemory(procA, "fb"))
	assert.False(t, CloseSharedMemory(procA, "fb"))
	assert.Equal(t, usedBefore+1, frames.UsedFrames())

	assert.True(t, CloseSharedMemory(procB, "fb"))
	assert.Equal(t, usedBefore, frames.UsedFrames())
	assert.Equal(t, 0, registry.Len())
	assert.Nil(t, frames.Check())
}

func TestSharedMemoryReleasedOnProcessExit(t *testing.T) {
	registry, frames, _ := newTestRegistry(t)
	procA := resource.NewTable(1, registry)
	procB := resource.NewTable(2, registry)
	usedBefore := frames.UsedFrames()

	// 5 MiB needs 3 frames
	addr := CreateSharedMemory(procA, "big", 5*mem.Mb)
	require.NotZero(t, addr)
	require.Equal(t, addr, OpenSharedMemory(procB, "big"))
	require.Equal(t, addr, OpenSharedMemory(procB, "big"))
	assert.Equal(t, usedBefore+3, frames.UsedFrames())

	procA.CloseAll()
	assert.Equal(t, usedBefore+3, frames.UsedFrames())

	procB.CloseAll()
	assert.Equal(t, usedBefore, frames.UsedFrames())
}

func TestSharedMemoryCreateWithConcurrentOpenClose(t *testing.T) {
	registry, frames, _ := newTestRegistry(t)
	usedBefore := frames.UsedFrames()

	for round := 0; round < 50; round++ {
		var (
			wg    sync.WaitGroup
			start = make(chan struct{})
		)

		wg.Add(1)
		go func() {
			defer wg.Done()

			other := resource.NewTable(2, registry)
			<-start
			for i := 0; i < 100; i++ {
				if OpenSharedMemory(other, "fb") != 0 {
					CloseSharedMemory(other, "fb")
				}
			}
		}()

		creator := resource.NewTable(1, registry)
		close(start)
		addr := CreateSharedMemory(creator, "fb", 4096)
		wg.Wait()

		require.NotZero(t, addr, "round %d", round)
		assert.Equal(t, usedBefore+1, frames.UsedFrames(), "round %d", round)

		require.True(t, CloseSharedMemory(creator, "fb"))
		assert.Equal(t, usedBefore, frames.UsedFrames(), "round %d", round)
	}

	assert.Equal(t, 0, registry.Len())
	assert.Nil(t, frames.Check())
}

func TestSharedMemoryNeverAtAddressZero(t *testing.T) {
	frames, err := allocator.New(0, &multiboot.BasicMemInfo{MemUpper: 64512})
	require.Nil(t, err)

	registry := resource.NewRegistry()
	registry.RegisterFactory(resource.TypeSharedMemory, SharedMemoryFactory(frames))
	proc := resource.NewTable(1, registry)

	// Every frame except frame 0 can back a region
	names := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, name := range names {
		addr := CreateSharedMemory(proc, name, 4*mem.FrameSize)
		if name == "h" {
			assert.Zero(t, addr)
			continue
		}
		assert.NotZero(t, addr, "region %s", name)
	}

	assert.Equal(t, len(names)-1, registry.Len())
	assert.Equal(t, uint64(29), frames.UsedFrames())

	proc.CloseAll()
	assert.Equal(t, uint64(1), frames.UsedFrames())
}

func TestSharedMemoryOutOfFrames(t *testing.T) {
	registry, frames, _ := newTestRegistry(t)
	proc := resource.NewTable(1, registry)

	assert.Zero(t, CreateSharedMemory(proc, "huge", 128*mem.Mb))
	assert.Equal(t, 0, registry.Len())
	assert.Equal(t, uint64(1), frames.UsedFrames())
}

func TestSharedMemoryMappings(t *testing.T) {
	frames := newTestFrameAllocator(t)
	res, err := SharedMemoryFactory(frames)("fb", 0)
	require.Nil(t, err)

	shm := res.(*SharedMemory)
	assert.Equal(t, "fb", shm.Name())
	assert.Equal(t, resource.TypeSharedMemory, shm.Type())
	assert.Equal(t, mem.Size(0), shm.Size())
	assert.Equal(t, uint64(2), frames.UsedFrames())

	_, err = shm.Read(1, nil)
	assert.Equal(t, errNotMapped, err)

	require.Nil(t, shm.Open(1))
	require.Nil(t, shm.Open(1))
	shm.Close(1)

	addr, err := shm.Read(1, nil)
	require.Nil(t, err)
	assert.Equal(t, uint64(shm.PhysicalAddress()), addr)

	shm.Close(1)
	shm.Close(1)
	_, err = shm.Read(1, nil)
	assert.Equal(t, errNotMapped, err)

	_, err = shm.Write(1, []byte{1})
	assert.Equal(t, errNotSupported, err)

	shm.Destroy()
	assert.Equal(t, uint64(1), frames.UsedFrames())
}

func TestMessageEndpoint(t *testing.T) {
	registry, _, kheap := newTestRegistry(t)
	sender := resource.NewTable(1, registry)
	receiver := resource.NewTable(2, registry)

	txHandle := CreateMessageEndpoint(sender, "console", 64)
	require.NotZero(t, txHandle)
	assert.Zero(t, CreateMessageEndpoint(receiver, "console", 64))
	assert.Zero(t, OpenMessageEndpoint(receiver, "missing"))

	rxHandle := OpenMessageEndpoint(receiver, "console")
	require.NotZero(t, rxHandle)

	buf := make([]byte, 16)
	_, err := receiver.Read(rxHandle, buf)
	assert.Equal(t, ErrShouldBlock, err)

	for _, msg := range []string{"hello", "", "world of messages"} {
		n, err := sender.Write(txHandle, []byte(msg))
		require.Nil(t, err)
		assert.Equal(t, uint64(len(msg)), n)
	}

	_, err = sender.Write(txHandle, make([]byte, 65))
	assert.Equal(t, errMessageTooLarge, err)
	assert.NotZero(t, kheap.UsedBytes())

	n, err := receiver.Read(rxHandle, buf)
	require.Nil(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	n, err = receiver.Read(rxHandle, buf)
	require.Nil(t, err)
	assert.Zero(t, n)

	// Truncated to the size of the receive buffer
	n, err = receiver.Read(rxHandle, buf)
	require.Nil(t, err)
	assert.Equal(t, "world of message", string(buf[:n]))

	assert.Equal(t, mem.Size(0), kheap.UsedBytes())
}

func TestMessageEndpointDestroyReleasesMessages(t *testing.T) {
	registry, _, kheap := newTestRegistry(t)
	proc := resource.NewTable(1, registry)

	handle := CreateMessageEndpoint(proc, "log", 0)
	require.NotZero(t, handle)

	res, err := registry.Get(resource.TypeMessageEndpoint, "log")
	require.Nil(t, err)
	ep := res.(*MessageEndpoint)
	require.Nil(t, registry.Put(res))

	for i := 0; i < 4; i++ {
		_, err := proc.Write(handle, make([]byte, 100))
		require.Nil(t, err)
	}
	assert.Equal(t, 4, ep.Pending())
	assert.NotZero(t, kheap.UsedBytes())

	require.Nil(t, proc.Close(handle))
	assert.Equal(t, 0, ep.Pending())
	assert.Equal(t, mem.Size(0), kheap.UsedBytes())
	assert.Nil(t, kheap.Check())
}

// destroyingAllocator destroys ep while a message payload is being
// allocated.
type destroyingAllocator struct {
	heap.Allocator
	ep *MessageEndpoint
}

func (a *destroyingAllocator) Malloc(size mem.Size) (uintptr, *kernel.Error) {
	addr, err := a.Allocator.Malloc(size)
	a.ep.Destroy()
	return addr, err
}

func TestMessageEndpointWriteAfterDestroy(t *testing.T) {
	t.Run("destroyed before write", func(t *testing.T) {
		kheap := newTestHeap(t, 4*mem.Kb)
		res, err := MessageEndpointFactory(kheap)("log", 0)
		require.Nil(t, err)

		_, err = res.Write(1, []byte("queued"))
		require.Nil(t, err)
		res.Destroy()
		assert.Equal(t, mem.Size(0), kheap.UsedBytes())

		_, err = res.Write(1, []byte("late"))
		assert.Equal(t, errEndpointClosed, err)
		_, err = res.Read(1, make([]byte, 8))
		assert.Equal(t, errEndpointClosed, err)
		assert.Equal(t, mem.Size(0), kheap.UsedBytes())
	})

	t.Run("destroyed during write", func(t *testing.T) {
		kheap := newTestHeap(t, 4*mem.Kb)
		alloc := &destroyingAllocator{Allocator: kheap}
		res, err := MessageEndpointFactory(alloc)("log", 0)
		require.Nil(t, err)
		alloc.ep = res.(*MessageEndpoint)

		_, err = res.Write(1, []byte("racing"))
		assert.Equal(t, errEndpointClosed, err)
		assert.Equal(t, 0, alloc.ep.Pending())
		assert.Equal(t, mem.Size(0), kheap.UsedBytes(), "payload must be released")
		assert.Nil(t, kheap.Check())
	})
}

func TestMessageEndpointHeapExhaustion(t *testing.T) {
	kheap := newTestHeap(t, 256)
	res, err := MessageEndpointFactory(kheap)("tiny", 0)
	require.Nil(t, err)

	_, err = res.Write(1, make([]byte, 512))
	assert.Equal(t, heap.ErrOutOfMemory, err)

	_, err = res.Read(1, nil)
	assert.Equal(t, ErrShouldBlock, err)
}
