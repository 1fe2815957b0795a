package kfmt

import "io"

// earlyBufferSize is the capacity of the buffer that captures Printf output
// generated before an output sink is registered. It must be a power of 2 so
// the cursors can wrap with a mask instead of a modulo.
const earlyBufferSize = 2048

// ringBuffer is a fixed-capacity circular byte buffer. When it fills up the
// oldest bytes are overwritten so that the tail of the boot log is what
// survives until a sink is attached.
type ringBuffer struct {
	data [earlyBufferSize]byte

	readPos, writePos int
}

// Write appends the contents of p to the buffer, pushing the read cursor
// ahead of any overwritten bytes. The returned error is always nil.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.data[rb.writePos] = b
		rb.writePos = (rb.writePos + 1) & (earlyBufferSize - 1)
		if rb.readPos == rb.writePos {
			rb.readPos = (rb.readPos + 1) & (earlyBufferSize - 1)
		}
	}

	return len(p), nil
}

// Read copies up to len(p) buffered bytes into p and advances the read
// cursor. When the buffered region wraps past the end of the backing array
// only the leading chunk is returned; the next Read picks up the remainder.
// Reading from an empty buffer returns io.EOF.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.readPos == rb.writePos {
		return 0, io.EOF
	}

	end := rb.writePos
	if rb.readPos > rb.writePos {
		end = earlyBufferSize
	}

	n := copy(p, rb.data[rb.readPos:end])
	rb.readPos = (rb.readPos + n) & (earlyBufferSize - 1)

	return n, nil
}
