package cpu

// Halt stops instruction execution.
func Halt()

// Pause hints the processor that the caller is executing a spin-wait loop.
// Unlike Halt it is safe to call from user mode.
func Pause()
