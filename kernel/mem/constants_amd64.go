//go:build amd64

package mem

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = 3

	// FrameShift is equal to log2(FrameSize). This constant is used when
	// we need to convert a physical address to a frame number (shift right
	// by FrameShift) and vice-versa.
	FrameShift = 21

	// FrameSize defines the size of the physical frames handed out by the
	// frame allocator. Frames are backed by 2M pages.
	FrameSize = Size(1 << FrameShift)

	// WordBits is the number of bits in a frame bitmap word.
	WordBits = 64
)
