// Package heap implements the kernel heap: a first-fit allocator that carves
// variable-sized blocks out of a contiguous range of memory. Each block is
// preceded by a chunk header that is stored inside the managed range and the
// chunks are kept in a doubly-linked list sorted by address.
package heap

import (
	"corekern/kernel"
	"corekern/kernel/kfmt"
	"corekern/kernel/mem"
	"corekern/kernel/sync"
	"unsafe"

	xcpu "golang.org/x/sys/cpu"
)

const (
	// Alignment of every payload address and size returned by the heap.
	Alignment = 16 * mem.Byte

	// chunkMagic marks the start of a valid chunk header.
	chunkMagic = 0x4b484550

	headerSize = mem.Size(unsafe.Sizeof(chunk{}))
)

var (
	// ErrOutOfMemory is returned when no free chunk can hold the request.
	ErrOutOfMemory = &kernel.Error{Module: "heap", Message: "out of memory"}

	// ErrInvalidAddress is returned when the heap start address is not
	// suitably aligned.
	ErrInvalidAddress = &kernel.Error{Module: "heap", Message: "heap start address is not 16-byte aligned"}

	// ErrDoubleFree is returned when freeing a block that is already free.
	ErrDoubleFree = &kernel.Error{Module: "heap", Message: "block is already free"}

	// ErrInvalidPointer is returned when freeing an address that was not
	// returned by Malloc.
	ErrInvalidPointer = &kernel.Error{Module: "heap", Message: "pointer was not returned by this heap"}

	errHeapTooSmall    = &kernel.Error{Module: "heap", Message: "heap range cannot hold a single chunk"}
	errBadMagic        = &kernel.Error{Module: "heap", Message: "chunk header magic mismatch"}
	errBrokenLink      = &kernel.Error{Module: "heap", Message: "chunk list links are inconsistent"}
	errChunkOutOfRange = &kernel.Error{Module: "heap", Message: "chunk extends outside the heap"}

	// panicFn is mocked by tests and is automatically inlined by the compiler.
	panicFn = kfmt.Panic
)

// Allocator is implemented by objects that hand out blocks of memory.
type Allocator interface {
	// Malloc reserves a block of at least size bytes and returns its
	// address.
	Malloc(size mem.Size) (uintptr, *kernel.Error)

	// Free releases a block previously returned by Malloc.
	Free(ptr uintptr) *kernel.Error
}

// chunk is the header that precedes every block in the heap. Its size is a
// multiple of Alignment so payloads stay aligned.
type chunk struct {
	// size of the payload that follows the header.
	size mem.Size

	// prev and next hold the addresses of the neighboring chunks or 0.
	prev uintptr
	next uintptr

	magic     uint32
	allocated uint32
}

func chunkAt(addr uintptr) *chunk {
	return (*chunk)(unsafe.Pointer(addr))
}

// Option configures optional Heap behavior.
type Option func(*Heap)

// WithBackwardCoalescing makes Free merge a released block with a free
// predecessor in addition to a free successor.
func WithBackwardCoalescing() Option {
	return func(h *Heap) {
		h.backwardCoalescing = true
	}
}

// Heap manages a contiguous range of memory. All methods are safe for
// concurrent use.
type Heap struct {
	lock sync.Spinlock

	_ xcpu.CacheLinePad

	start uintptr
	size  mem.Size

	backwardCoalescing bool
}

// New creates a heap that manages [start, start+size). The start address
// must be 16-byte aligned; any trailing bytes that do not form a multiple of
// the alignment are left unused.
func New(start uintptr, size mem.Size, opts ...Option) (*Heap, *kernel.Error) {
	if !mem.IsAligned(start, Alignment) {
		return nil, ErrInvalidAddress
	}

	size = mem.AlignDown(size, Alignment)
	if size < headerSize+Alignment {
		return nil, errHeapTooSmall
	}

	h := &Heap{start: start, size: size}
	for _, opt := range opts {
		opt(h)
	}

	*chunkAt(start) = chunk{
		size:  size - headerSize,
		magic: chunkMagic,
	}

	return h, nil
}

// Malloc reserves a block of at least size bytes using a first-fit strategy.
// The size is rounded up to a multiple of 16 bytes and requests for 0 bytes
// reserve 16 bytes.
func (h *Heap) Malloc(size mem.Size) (uintptr, *kernel.Error) {
	if size > h.size {
		return 0, ErrOutOfMemory
	}

	size = mem.AlignUp(size, Alignment)
	if size == 0 {
		size = Alignment
	}

	h.lock.Acquire()
	defer h.lock.Release()

	for addr, prev := h.start, uintptr(0); addr != 0; prev, addr = addr, chunkAt(addr).next {
		if !h.valid(addr, prev) {
			break
		}

		c := chunkAt(addr)
		if c.allocated != 0 || c.size < size {
			continue
		}

		// Split when the remainder can host another header and a payload
		if c.size-size > headerSize {
			splitAddr := addr + uintptr(headerSize+size)
			*chunkAt(splitAddr) = chunk{
				size:  c.size - size - headerSize,
				prev:  addr,
				next:  c.next,
				magic: chunkMagic,
			}

			if c.next != 0 {
				chunkAt(c.next).prev = splitAddr
			}

			c.next = splitAddr
			c.size = size
		}

		c.allocated = 1
		return addr + uintptr(headerSize), nil
	}

	return 0, ErrOutOfMemory
}

// Calloc behaves like Malloc but also zeroes the returned block.
func (h *Heap) Calloc(size mem.Size) (uintptr, *kernel.Error) {
	ptr, err := h.Malloc(size)
	if err != nil {
		return 0, err
	}

	mem.Memset(ptr, 0, chunkAt(ptr-uintptr(headerSize)).size)
	return ptr, nil
}

// Free releases the block at ptr and merges it with a free successor (and,
// if backward coalescing is enabled, with a free predecessor).
//
// Releasing a block that is still free returns ErrDoubleFree. Once a freed
// block has been merged into a neighbor its header no longer exists, so a
// second Free of that pointer returns ErrInvalidPointer instead.
func (h *Heap) Free(ptr uintptr) *kernel.Error {
	if ptr < h.start+uintptr(headerSize) || ptr >= h.end() || !mem.IsAligned(ptr-h.start, Alignment) {
		return ErrInvalidPointer
	}

	h.lock.Acquire()
	defer h.lock.Release()

	target := ptr - uintptr(headerSize)
	for addr, prev := h.start, uintptr(0); addr != 0 && addr <= target; prev, addr = addr, chunkAt(addr).next {
		if !h.valid(addr, prev) {
			break
		}

		if addr != target {
			continue
		}

		c := chunkAt(addr)
		if c.allocated == 0 {
			return ErrDoubleFree
		}

		c.allocated = 0
		if c.next != 0 && chunkAt(c.next).allocated == 0 {
			h.merge(addr, c.next)
		}

		if h.backwardCoalescing && c.prev != 0 && chunkAt(c.prev).allocated == 0 {
			h.merge(c.prev, addr)
		}

		return nil
	}

	return ErrInvalidPointer
}

// FreeBytes returns the total payload size of all free chunks.
func (h *Heap) FreeBytes() mem.Size {
	_, free := h.usage()
	return free
}

// UsedBytes returns the total payload size of all allocated chunks.
func (h *Heap) UsedBytes() mem.Size {
	used, _ := h.usage()
	return used
}

// Size returns the number of bytes managed by the heap including the space
// occupied by chunk headers.
func (h *Heap) Size() mem.Size {
	return h.size
}

// Walk invokes fn for each chunk in address order while holding the heap
// lock. Walking stops if fn returns false. fn must not call back into the
// heap.
func (h *Heap) Walk(fn func(addr uintptr, size mem.Size, allocated bool) bool) {
	h.lock.Acquire()
	defer h.lock.Release()

	for addr, prev := h.start, uintptr(0); addr != 0; prev, addr = addr, chunkAt(addr).next {
		if !h.valid(addr, prev) {
			return
		}

		c := chunkAt(addr)
		if !fn(addr+uintptr(headerSize), c.size, c.allocated != 0) {
			return
		}
	}
}

// Check validates the chunk list: headers must carry the chunk magic, the
// links must be consistent and the chunks must cover the managed range
// without gaps or overlaps.
func (h *Heap) Check() *kernel.Error {
	h.lock.Acquire()
	defer h.lock.Release()

	var covered mem.Size
	for addr, prev := h.start, uintptr(0); addr != 0; prev, addr = addr, chunkAt(addr).next {
		if err := h.verify(addr, prev); err != nil {
			return err
		}

		covered += headerSize + chunkAt(addr).size
	}

	if covered != h.size {
		return errChunkOutOfRange
	}

	return nil
}

func (h *Heap) end() uintptr {
	return h.start + uintptr(h.size)
}

func (h *Heap) usage() (used, free mem.Size) {
	h.Walk(func(_ uintptr, size mem.Size, allocated bool) bool {
		if allocated {
			used += size
		} else {
			free += size
		}
		return true
	})

	return used, free
}

// merge absorbs the chunk at next into the chunk at addr. The two chunks
// must be adjacent.
func (h *Heap) merge(addr, next uintptr) {
	c, n := chunkAt(addr), chunkAt(next)

	c.size += headerSize + n.size
	c.next = n.next
	if n.next != 0 {
		chunkAt(n.next).prev = addr
	}

	n.magic = 0
}

// valid checks the chunk at addr and triggers a kernel panic if the chunk
// list is corrupted. The heap lock must be held.
func (h *Heap) valid(addr, prev uintptr) bool {
	err := h.verify(addr, prev)
	if err == nil {
		return true
	}

	kfmt.Printf("[heap] corrupted chunk at 0x%x (prev: 0x%x)\n", addr, prev)
	panicFn(err)
	return false
}

// verify checks that the chunk at addr is well-formed and linked to prev.
func (h *Heap) verify(addr, prev uintptr) *kernel.Error {
	if addr < h.start || addr+uintptr(headerSize) > h.end() {
		return errChunkOutOfRange
	}

	c := chunkAt(addr)
	switch {
	case c.magic != chunkMagic:
		return errBadMagic
	case c.prev != prev:
		return errBrokenLink
	case c.size > mem.Size(h.end()-addr)-headerSize:
		return errChunkOutOfRange
	}

	chunkEnd := addr + uintptr(headerSize+c.size)
	if (c.next != 0 && c.next != chunkEnd) || (c.next == 0 && chunkEnd != h.end()) {
		return errBrokenLink
	}

	return nil
}
