// Package resource provides the kernel namespace that maps resource names to
// kernel objects. A global Registry owns the named resources and tracks how
// many handles refer to each of them while a per-process Table hands out the
// handles that processes use to access them.
package resource

import (
	"corekern/kernel"
	"corekern/kernel/mem"
	"corekern/kernel/sync"
)

// Type identifies a kind of resource.
type Type uint8

// The list of supported resource types.
const (
	TypeSharedMemory Type = iota + 1
	TypeMessageEndpoint
)

// String implements fmt.Stringer for Type.
func (t Type) String() string {
	switch t {
	case TypeSharedMemory:
		return "shared memory"
	case TypeMessageEndpoint:
		return "message endpoint"
	default:
		return "unknown"
	}
}

var (
	// ErrUnknownResource is returned when a name cannot be resolved.
	ErrUnknownResource = &kernel.Error{Module: "resource", Message: "unknown resource"}

	errResourceExists = &kernel.Error{Module: "resource", Message: "resource name already in use"}
	errUnknownType    = &kernel.Error{Module: "resource", Message: "no factory registered for resource type"}
)

// Resource is implemented by kernel objects that can be shared between
// processes by name.
type Resource interface {
	// Name returns the name the resource is registered under.
	Name() string

	// Type returns the resource type.
	Type() Type

	// Open is invoked when process pid obtains a handle to the resource.
	Open(pid uint64) *kernel.Error

	// Close is invoked when process pid releases a handle.
	Close(pid uint64)

	// Read and Write implement resource-specific data transfers. The
	// meaning of the returned value depends on the resource type.
	Read(pid uint64, buf []byte) (uint64, *kernel.Error)
	Write(pid uint64, buf []byte) (uint64, *kernel.Error)

	// Destroy releases any memory held by the resource. It is invoked
	// once the last handle to the resource has been closed.
	Destroy()
}

// Factory creates a resource of a particular type.
type Factory func(name string, size mem.Size) (Resource, *kernel.Error)

type key struct {
	resType Type
	name    string
}

type entry struct {
	res  Resource
	uses int
}

// Registry is the global namespace for resources. All methods are safe for
// concurrent use.
type Registry struct {
	lock sync.Spinlock

	factories map[Type]Factory
	entries   map[key]*entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[Type]Factory),
		entries:   make(map[key]*entry),
	}
}

// RegisterFactory installs the factory used by Create for resources of type
// resType, replacing any previously registered factory.
func (r *Registry) RegisterFactory(resType Type, factory Factory) {
	r.lock.Acquire()
	r.factories[resType] = factory
	r.lock.Release()
}

// Create builds a new resource with the given name using the factory for
// resType. The new resource is not referenced by any handle until it is
// obtained via Get. Callers that need a handle to the resource they create
// should use Table.Create which takes the first reference atomically.
func (r *Registry) Create(resType Type, name string, size mem.Size) *kernel.Error {
	_, err := r.create(resType, name, size, 0)
	return err
}

// create builds and publishes a new resource with its use count set to uses.
func (r *Registry) create(resType Type, name string, size mem.Size, uses int) (Resource, *kernel.Error) {
	r.lock.Acquire()
	defer r.lock.Release()

	factory, ok := r.factories[resType]
	if !ok {
		return nil, errUnknownType
	}

	k := key{resType, name}
	if _, exists := r.entries[k]; exists {
		return nil, errResourceExists
	}

	res, err := factory(name, size)
	if err != nil {
		return nil, err
	}

	r.entries[k] = &entry{res: res, uses: uses}
	return res, nil
}

// Get looks up a resource by name and increments its use count. Each
// successful call must be balanced by a call to Put.
func (r *Registry) Get(resType Type, name string) (Resource, *kernel.Error) {
	r.lock.Acquire()
	defer r.lock.Release()

	e, ok := r.entries[key{resType, name}]
	if !ok {
		return nil, ErrUnknownResource
	}

	e.uses++
	return e.res, nil
}

// Put decrements the use count of res. When the count drops to zero the
// resource is removed from the registry and destroyed.
func (r *Registry) Put(res Resource) *kernel.Error {
	r.lock.Acquire()

	k := key{res.Type(), res.Name()}
	e, ok := r.entries[k]
	if !ok || e.res != res {
		r.lock.Release()
		return ErrUnknownResource
	}

	if e.uses--; e.uses > 0 {
		r.lock.Release()
		return nil
	}

	delete(r.entries, k)
	r.lock.Release()

	res.Destroy()
	return nil
}

// Uses returns the number of outstanding references to the named resource.
func (r *Registry) Uses(resType Type, name string) (int, bool) {
	r.lock.Acquire()
	defer r.lock.Release()

	e, ok := r.entries[key{resType, name}]
	if !ok {
		return 0, false
	}

	return e.uses, true
}

// Len returns the number of registered resources.
func (r *Registry) Len() int {
	r.lock.Acquire()
	defer r.lock.Release()

	return len(r.entries)
}
