package kfmt

import (
	"corekern/kernel/cpu"
	"io"
	"sync/atomic"
)

// earlyBufferSize is large enough to hold the memory map and the frame bitmap
// dump printed while booting a machine with 4G of RAM. It must be a power
// of 2.
const earlyBufferSize = 8192

// earlyBuffer keeps Printf output until an output sink is registered. Once
// full, the oldest bytes are overwritten and counted as dropped. All methods
// are safe for concurrent use and none of them allocate memory.
type earlyBuffer struct {
	lock uint32
	data [earlyBufferSize]byte

	// head and tail count the bytes ever consumed and produced; the
	// buffer holds tail-head bytes starting at data[head%earlyBufferSize].
	head, tail uint64

	dropped uint64
}

func (b *earlyBuffer) acquire() {
	for !atomic.CompareAndSwapUint32(&b.lock, 0, 1) {
		cpu.Pause()
	}
}

func (b *earlyBuffer) release() {
	atomic.StoreUint32(&b.lock, 0)
}

// Write appends p to the buffer. It never fails.
func (b *earlyBuffer) Write(p []byte) (int, error) {
	b.acquire()
	for _, ch := range p {
		if b.tail-b.head == earlyBufferSize {
			b.head++
			b.dropped++
		}

		b.data[b.tail&(earlyBufferSize-1)] = ch
		b.tail++
	}
	b.release()

	return len(p), nil
}

// Read moves up to len(p) of the oldest buffered bytes into p. It returns
// io.EOF once the buffer is empty.
func (b *earlyBuffer) Read(p []byte) (int, error) {
	b.acquire()
	defer b.release()

	if b.head == b.tail {
		return 0, io.EOF
	}

	var n int
	for ; n < len(p) && b.head != b.tail; n++ {
		p[n] = b.data[b.head&(earlyBufferSize-1)]
		b.head++
	}

	return n, nil
}

// WriteTo drains the buffer into w. It allows io.Copy to flush the buffer
// without allocating a copy buffer.
func (b *earlyBuffer) WriteTo(w io.Writer) (int64, error) {
	b.acquire()
	defer b.release()

	var total int64
	for b.head != b.tail {
		start := b.head & (earlyBufferSize - 1)
		end := start + (b.tail - b.head)
		if end > earlyBufferSize {
			end = earlyBufferSize
		}

		n, err := w.Write(b.data[start:end])
		b.head += uint64(n)
		total += int64(n)

		switch {
		case err != nil:
			return total, err
		case n == 0:
			return total, io.ErrShortWrite
		}
	}

	return total, nil
}

// Len returns the number of buffered bytes.
func (b *earlyBuffer) Len() int {
	b.acquire()
	defer b.release()

	return int(b.tail - b.head)
}

// takeDropped returns the number of bytes that were overwritten before they
// could be read and resets the counter.
func (b *earlyBuffer) takeDropped() uint64 {
	b.acquire()
	defer b.release()

	dropped := b.dropped
	b.dropped = 0
	return dropped
}

// reset discards the buffer contents.
func (b *earlyBuffer) reset() {
	b.acquire()
	b.head, b.tail, b.dropped = 0, 0, 0
	b.release()
}
