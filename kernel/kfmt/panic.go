package kfmt

import (
	"corekern/kernel"
	"corekern/kernel/cpu"
	"runtime"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	// callerFn is mocked by tests that need a stable call site.
	callerFn = runtime.Caller

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Calls to Panic never return. Panic also works as a redirection target
// for calls to panic() (resolved via runtime.gopanic)
//
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	panicAt(e, "", 0)
}

// Assert halts the CPU with err if cond is false. The file and line of the
// caller are printed together with the error so that broken allocator
// invariants can be traced back to the operation that detected them.
func Assert(cond bool, err *kernel.Error) {
	if cond {
		return
	}

	_, file, line, ok := callerFn(1)
	if !ok {
		file, line = "", 0
	}

	panicAt(err, file, line)
}

func panicAt(e interface{}, file string, line int) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		panicString(t)
		return
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	if file != "" {
		Printf("detected at %s:%d\n", file, line)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}

// panicString serves as a redirect target for runtime.throw
//
//go:redirect-from runtime.throw
func panicString(msg string) {
	errRuntimePanic.Message = msg
	Panic(errRuntimePanic)
}
