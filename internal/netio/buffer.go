// Package netio provides non-blocking TCP primitives — Connection,
// Acceptor and Connector — built directly on raw file descriptors and
// driven by an internal/reactor Loop, plus the owned Buffer type and
// socket-option helpers they share.
package netio

// Buffer is an owned byte slice with a position cursor, handed around by
// value-of-pointer between a Connection's callers and its internal send
// queue. There is no shared ownership: whoever holds a *Buffer is the only
// party reading or writing it. Release, if set, is invoked once the buffer
// is no longer needed (fully sent, or discarded on error) so a caller that
// pools buffers can reclaim them instead of leaving that to the garbage
// collector.
type Buffer struct {
	Data    []byte
	Pos     int
	release func()
}

// NewBuffer wraps data in a Buffer starting at position 0.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{Data: data}
}

// SetRelease installs a callback invoked by Release.
func (b *Buffer) SetRelease(f func()) { b.release = f }

// Release invokes the installed release callback, if any. Safe to call
// more than once: the callback is cleared after it runs, so only the first
// call has effect.
func (b *Buffer) Release() {
	if b.release != nil {
		b.release()
		b.release = nil
	}
}

// Len returns the total capacity of the buffer, independent of Pos.
func (b *Buffer) Len() int { return len(b.Data) }

// Remaining returns the unconsumed tail of the buffer, starting at Pos.
func (b *Buffer) Remaining() []byte { return b.Data[b.Pos:] }

// Done reports whether every byte has been consumed.
func (b *Buffer) Done() bool { return b.Pos >= len(b.Data) }
