package resource

import (
	"corekern/kernel"
	"corekern/kernel/mem"
	"corekern/kernel/sync"
)

// Handle identifies an open resource within a process. Handle 0 is never
// issued and can be used to signal failure.
type Handle uint64

var errUnknownHandle = &kernel.Error{Module: "resource", Message: "unknown resource handle"}

// Table tracks the resources opened by a single process.
type Table struct {
	lock sync.Spinlock

	pid        uint64
	registry   *Registry
	nextHandle Handle
	handles    map[Handle]Resource
}

// NewTable returns an empty handle table for process pid that resolves names
// using registry.
func NewTable(pid uint64, registry *Registry) *Table {
	return &Table{
		pid:        pid,
		registry:   registry,
		nextHandle: 1,
		handles:    make(map[Handle]Resource),
	}
}

// PID returns the id of the process that owns the table.
func (t *Table) PID() uint64 {
	return t.pid
}

// Registry returns the registry used for resolving resource names.
func (t *Table) Registry() *Registry {
	return t.registry
}

// Create builds a new resource and returns a handle to it. The resource is
// published with the handle's reference already taken so handles opened and
// closed by other processes in the meantime cannot destroy it.
func (t *Table) Create(resType Type, name string, size mem.Size) (Handle, *kernel.Error) {
	res, err := t.registry.create(resType, name, size, 1)
	if err != nil {
		return 0, err
	}

	return t.install(res)
}

// Open resolves a resource by name, opens it on behalf of the process and
// returns a new handle for it.
func (t *Table) Open(resType Type, name string) (Handle, *kernel.Error) {
	res, err := t.registry.Get(resType, name)
	if err != nil {
		return 0, err
	}

	return t.install(res)
}

// install opens res on behalf of the process and allocates a handle for it.
// The caller must hold a registry reference to res which is dropped if the
// resource refuses the open request.
func (t *Table) install(res Resource) (Handle, *kernel.Error) {
	if err := res.Open(t.pid); err != nil {
		_ = t.registry.Put(res)
		return 0, err
	}

	t.lock.Acquire()
	handle := t.nextHandle
	t.nextHandle++
	t.handles[handle] = res
	t.lock.Release()

	return handle, nil
}

// Find returns the lowest handle that refers to the named resource.
func (t *Table) Find(resType Type, name string) (Handle, bool) {
	t.lock.Acquire()
	defer t.lock.Release()

	var found Handle
	for handle, res := range t.handles {
		if res.Type() != resType || res.Name() != name {
			continue
		}

		if found == 0 || handle < found {
			found = handle
		}
	}

	return found, found != 0
}

// Read forwards a read request to the resource referred to by handle.
func (t *Table) Read(handle Handle, buf []byte) (uint64, *kernel.Error) {
	res, err := t.lookup(handle)
	if err != nil {
		return 0, err
	}

	return res.Read(t.pid, buf)
}

// Write forwards a write request to the resource referred to by handle.
func (t *Table) Write(handle Handle, buf []byte) (uint64, *kernel.Error) {
	res, err := t.lookup(handle)
	if err != nil {
		return 0, err
	}

	return res.Write(t.pid, buf)
}

// Close releases handle. The underlying resource is destroyed once no handle
// in any process refers to it.
func (t *Table) Close(handle Handle) *kernel.Error {
	t.lock.Acquire()
	res, ok := t.handles[handle]
	delete(t.handles, handle)
	t.lock.Release()

	if !ok {
		return errUnknownHandle
	}

	res.Close(t.pid)
	return t.registry.Put(res)
}

// CloseAll releases every handle held by the process. It is invoked when
// the process exits.
func (t *Table) CloseAll() {
	t.lock.Acquire()
	handles := make([]Handle, 0, len(t.handles))
	for handle := range t.handles {
		handles = append(handles, handle)
	}
	t.lock.Release()

	for _, handle := range handles {
		_ = t.Close(handle)
	}
}

// Len returns the number of open handles.
func (t *Table) Len() int {
	t.lock.Acquire()
	defer t.lock.Release()

	return len(t.handles)
}

func (t *Table) lookup(handle Handle) (Resource, *kernel.Error) {
	t.lock.Acquire()
	defer t.lock.Release()

	res, ok := t.handles[handle]
	if !ok {
		return nil, errUnknownHandle
	}

	return res, nil
}
