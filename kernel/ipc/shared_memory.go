// Package ipc implements the kernel objects that processes use to exchange
// data: named shared memory regions and message endpoints. Both are
// published through the resource registry so that unrelated processes can
// rendezvous on them by name.
package ipc

import (
	"corekern/kernel"
	"corekern/kernel/kfmt"
	"corekern/kernel/mem"
	"corekern/kernel/resource"
	"corekern/kernel/sync"
)

var (
	errNotMapped    = &kernel.Error{Module: "ipc", Message: "shared memory is not mapped by the process"}
	errNotSupported = &kernel.Error{Module: "ipc", Message: "operation not supported by resource"}
)

// FrameAllocator is implemented by physical frame allocators that can back
// shared memory regions.
type FrameAllocator interface {
	AllocateFrame(size mem.Size) (uintptr, *kernel.Error)
	FreeArea(start uintptr, size mem.Size) *kernel.Error
}

type mapping struct {
	addr uintptr
	refs int
}

// SharedMemory is a named region of physical frames that can be mapped by
// multiple processes.
type SharedMemory struct {
	lock sync.Spinlock

	name   string
	frames FrameAllocator
	base   uintptr
	size   mem.Size

	mappings map[uint64]*mapping
}

// SharedMemoryFactory returns a resource.Factory that backs new shared
// memory regions with frames obtained from frames.
func SharedMemoryFactory(frames FrameAllocator) resource.Factory {
	return func(name string, size mem.Size) (resource.Resource, *kernel.Error) {
		base, err := frames.AllocateFrame(size)
		if err != nil {
			return nil, err
		}

		return &SharedMemory{
			name:     name,
			frames:   frames,
			base:     base,
			size:     size,
			mappings: make(map[uint64]*mapping),
		}, nil
	}
}

// Name returns the name of the region.
func (shm *SharedMemory) Name() string { return shm.name }

// Type returns resource.TypeSharedMemory.
func (shm *SharedMemory) Type() resource.Type { return resource.TypeSharedMemory }

// PhysicalAddress returns the address of the first backing frame.
func (shm *SharedMemory) PhysicalAddress() uintptr { return shm.base }

// Size returns the requested size of the region.
func (shm *SharedMemory) Size() mem.Size { return shm.size }

// Open maps the region into the address space of process pid. Repeated
// opens by the same process reuse the existing mapping. Physical memory is
// identity-mapped so the mapping address is the physical base address.
func (shm *SharedMemory) Open(pid uint64) *kernel.Error {
	shm.lock.Acquire()
	defer shm.lock.Release()

	if m, ok := shm.mappings[pid]; ok {
		m.refs++
		return nil
	}

	shm.mappings[pid] = &mapping{addr: shm.base, refs: 1}
	return nil
}

// Close drops one reference to the mapping held by process pid.
func (shm *SharedMemory) Close(pid uint64) {
	shm.lock.Acquire()
	defer shm.lock.Release()

	m, ok := shm.mappings[pid]
	if !ok {
		return
	}

	if m.refs--; m.refs == 0 {
		delete(shm.mappings, pid)
	}
}

// Read returns the address at which process pid has mapped the region.
func (shm *SharedMemory) Read(pid uint64, _ []byte) (uint64, *kernel.Error) {
	shm.lock.Acquire()
	defer shm.lock.Release()

	m, ok := shm.mappings[pid]
	if !ok {
		return 0, errNotMapped
	}

	return uint64(m.addr), nil
}

// Write is not supported for shared memory; processes access the region
// directly.
func (shm *SharedMemory) Write(uint64, []byte) (uint64, *kernel.Error) {
	return 0, errNotSupported
}

// Destroy returns the backing frames to the frame allocator.
func (shm *SharedMemory) Destroy() {
	size := mem.Size(shm.size.Frames()) << mem.FrameShift
	if size == 0 {
		size = mem.FrameSize
	}

	if err := shm.frames.FreeArea(shm.base, size); err != nil {
		kfmt.Printf("[ipc] unable to release frames for %s: %s\n", shm.name, err.Message)
	}
}

// CreateSharedMemory creates a new shared memory region called name and
// opens it on behalf of the process that owns table. It returns the address
// of the region or 0 if the name is already in use or there is not enough
// physical memory to back the region. The region is published with the
// creator's handle already attached so it survives other processes opening
// and closing it before CreateSharedMemory returns.
func CreateSharedMemory(table *resource.Table, name string, size mem.Size) uintptr {
	handle, err := table.Create(resource.TypeSharedMemory, name, size)
	if err != nil {
		return 0
	}

	return mappedAddress(table, handle)
}

// OpenSharedMemory opens an existing shared memory region on behalf of the
// process that owns table and returns its address or 0 if the name cannot be
// resolved.
func OpenSharedMemory(table *resource.Table, name string) uintptr {
	handle, err := table.Open(resource.TypeSharedMemory, name)
	if err != nil {
		return 0
	}

	return mappedAddress(table, handle)
}

// mappedAddress returns the address of the region referred to by handle. The
// handle is closed if the address cannot be obtained.
func mappedAddress(table *resource.Table, handle resource.Handle) uintptr {
	addr, err := table.Read(handle, nil)
	if err != nil || addr == 0 {
		_ = table.Close(handle)
		return 0
	}

	return uintptr(addr)
}

// CloseSharedMemory closes a handle to the named region held by the process
// that owns table. The backing frames are released once the last handle to
// the region is closed. It returns false if the process has not opened the
// region.
func CloseSharedMemory(table *resource.Table, name string) bool {
	handle, ok := table.Find(resource.TypeSharedMemory, name)
	if !ok {
		return false
	}

	return table.Close(handle) == nil
}
