package ipc

import (
	"corekern/kernel"
	"corekern/kernel/mem"
	"corekern/kernel/mem/heap"
	"corekern/kernel/resource"
	"corekern/kernel/sync"
	"unsafe"
)

var (
	// ErrShouldBlock is returned by reads from an empty endpoint. Callers
	// are expected to yield and retry.
	ErrShouldBlock = &kernel.Error{Module: "ipc", Message: "no messages available"}

	errMessageTooLarge = &kernel.Error{Module: "ipc", Message: "message exceeds the endpoint message size"}
	errEndpointClosed  = &kernel.Error{Module: "ipc", Message: "message endpoint has been destroyed"}
)

type message struct {
	addr uintptr
	size mem.Size
}

// MessageEndpoint is a named FIFO queue of messages. Message payloads are
// copied into blocks obtained from the kernel heap.
type MessageEndpoint struct {
	lock sync.Spinlock

	name    string
	maxSize mem.Size
	alloc   heap.Allocator
	queue   []message

	// destroyed is set by Destroy. Writes that race with Destroy release
	// their payload instead of queueing it.
	destroyed bool
}

// MessageEndpointFactory returns a resource.Factory for message endpoints
// whose messages are stored in blocks obtained from alloc. The size passed
// to the factory limits the size of each message; 0 means no limit.
func MessageEndpointFactory(alloc heap.Allocator) resource.Factory {
	return func(name string, size mem.Size) (resource.Resource, *kernel.Error) {
		return &MessageEndpoint{name: name, maxSize: size, alloc: alloc}, nil
	}
}

// Name returns the endpoint name.
func (ep *MessageEndpoint) Name() string { return ep.name }

// Type returns resource.TypeMessageEndpoint.
func (ep *MessageEndpoint) Type() resource.Type { return resource.TypeMessageEndpoint }

// Open is a no-op; any process may send or receive messages.
func (ep *MessageEndpoint) Open(uint64) *kernel.Error { return nil }

// Close is a no-op.
func (ep *MessageEndpoint) Close(uint64) {}

// Pending returns the number of queued messages.
func (ep *MessageEndpoint) Pending() int {
	ep.lock.Acquire()
	defer ep.lock.Release()

	return len(ep.queue)
}

// Write appends a copy of buf to the message queue and returns the number of
// bytes queued.
func (ep *MessageEndpoint) Write(_ uint64, buf []byte) (uint64, *kernel.Error) {
	size := mem.Size(len(buf))
	if ep.maxSize != 0 && size > ep.maxSize {
		return 0, errMessageTooLarge
	}

	if ep.isDestroyed() {
		return 0, errEndpointClosed
	}

	addr, err := ep.alloc.Malloc(size)
	if err != nil {
		return 0, err
	}

	if size != 0 {
		mem.Memcopy(uintptr(unsafe.Pointer(&buf[0])), addr, size)
	}

	ep.lock.Acquire()
	if ep.destroyed {
		ep.lock.Release()
		_ = ep.alloc.Free(addr)
		return 0, errEndpointClosed
	}
	ep.queue = append(ep.queue, message{addr: addr, size: size})
	ep.lock.Release()

	return uint64(size), nil
}

// Read pops the oldest message from the queue and copies as much of it as
// fits into buf. Any message bytes that do not fit are discarded. It returns
// the number of bytes copied or ErrShouldBlock if the queue is empty.
func (ep *MessageEndpoint) Read(_ uint64, buf []byte) (uint64, *kernel.Error) {
	ep.lock.Acquire()
	if ep.destroyed {
		ep.lock.Release()
		return 0, errEndpointClosed
	}

	if len(ep.queue) == 0 {
		ep.lock.Release()
		return 0, ErrShouldBlock
	}

	msg := ep.queue[0]
	ep.queue[0] = message{}
	ep.queue = ep.queue[1:]
	ep.lock.Release()

	var n int
	if msg.size != 0 {
		n = copy(buf, unsafe.Slice((*byte)(unsafe.Pointer(msg.addr)), int(msg.size)))
	}

	_ = ep.alloc.Free(msg.addr)
	return uint64(n), nil
}

// Destroy releases the payloads of any messages still in the queue. Reads
// and writes that reach the endpoint afterwards fail.
func (ep *MessageEndpoint) Destroy() {
	ep.lock.Acquire()
	defer ep.lock.Release()

	for _, msg := range ep.queue {
		_ = ep.alloc.Free(msg.addr)
	}
	ep.queue = nil
	ep.destroyed = true
}

func (ep *MessageEndpoint) isDestroyed() bool {
	ep.lock.Acquire()
	defer ep.lock.Release()

	return ep.destroyed
}

// CreateMessageEndpoint creates a new message endpoint and opens it on
// behalf of the process that owns table. It returns the handle of the
// endpoint or 0 on failure.
func CreateMessageEndpoint(table *resource.Table, name string, maxMessageSize mem.Size) resource.Handle {
	handle, err := table.Create(resource.TypeMessageEndpoint, name, maxMessageSize)
	if err != nil {
		return 0
	}

	return handle
}

// OpenMessageEndpoint opens an existing message endpoint on behalf of the
// process that owns table. It returns the handle of the endpoint or 0 if the
// name cannot be resolved.
func OpenMessageEndpoint(table *resource.Table, name string) resource.Handle {
	handle, err := table.Open(resource.TypeMessageEndpoint, name)
	if err != nil {
		return 0
	}

	return handle
}
