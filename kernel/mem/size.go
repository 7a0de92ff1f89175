package mem

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Frames returns the number of frames that are required for storing this
// size. A zero size requires zero frames. The result is exact for every
// Size value, including those that AlignUp would wrap around.
func (s Size) Frames() uint64 {
	frames := uint64(s >> FrameShift)
	if s&(FrameSize-1) != 0 {
		frames++
	}
	return frames
}

// AlignUp rounds s up to the nearest multiple of align which must be a
// power of 2.
func AlignUp(s, align Size) Size {
	return (s + align - 1) &^ (align - 1)
}

// AlignDown rounds s down to the nearest multiple of align which must be a
// power of 2.
func AlignDown(s, align Size) Size {
	return s &^ (align - 1)
}

// IsAligned returns true if addr is a multiple of align which must be a power
// of 2.
func IsAligned(addr uintptr, align Size) bool {
	return addr&uintptr(align-1) == 0
}
