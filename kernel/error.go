package kernel

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. Allocator code paths
// cannot depend on the Go allocator so errors.New is off limits; callers
// compare errors by identity instead.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// String returns the error in the "[module] message" form used by the
// kernel console.
func (e *Error) String() string {
	if e == nil {
		return "<nil>"
	}

	if e.Module == "" {
		return e.Message
	}

	return "[" + e.Module + "] " + e.Message
}
