package netio

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/quietproxy/snet/internal/reactor"
)

// ErrPeerClosed is returned by Recv once the peer has performed an orderly
// shutdown (recv returning 0). Read interest is disabled at that point, so
// a caller that ignores the error would otherwise spin on a readable fd
// that never produces more data.
var ErrPeerClosed = errors.New("netio: peer closed connection")

// ErrNoData is returned by Recv when the fd has no data ready right now
// (EAGAIN/EWOULDBLOCK) — not a failure, just "try again once OnReadable
// fires".
var ErrNoData = errors.New("netio: no data available")

// Connection wraps a connected, non-blocking TCP fd: reads happen directly
// against caller-supplied buffers, writes queue in FIFO order and drain as
// the fd becomes writable. A Connection is owned by the single reactor
// goroutine that drives its Loop and is not safe to use from any other
// goroutine.
type Connection struct {
	fd   int
	loop reactor.Loop
	id   reactor.HandlerID

	enabled reactor.EventMask

	sendQueue []*Buffer

	onError        func()
	onReceivable   func()
	onSendComplete func()
}

// NewConnection takes ownership of fd (which must already be non-blocking)
// and registers it with loop.
func NewConnection(fd int, loop reactor.Loop) (*Connection, error) {
	c := &Connection{fd: fd, enabled: reactor.EventRead}
	if loop != nil {
		id, err := loop.AddEventHandler(c)
		if err != nil {
			return nil, err
		}
		c.loop = loop
		c.id = id
	}
	return c, nil
}

// Fd implements reactor.EventHandler.
func (c *Connection) Fd() int { return c.fd }

// Events implements reactor.EventHandler: a Connection is always a
// candidate for both read and write readiness, with EnabledEvents
// controlling which actually trigger a callback.
func (c *Connection) Events() reactor.EventMask { return reactor.EventRead | reactor.EventWrite }

// EnabledEvents implements reactor.EventHandler.
func (c *Connection) EnabledEvents() reactor.EventMask { return c.enabled }

// OnReadable implements reactor.EventHandler by invoking the registered
// receivable callback; the callback is expected to call Recv itself; this
// mirrors the original design where readiness and the actual read are
// decoupled so a caller can read into whatever buffer it wants.
func (c *Connection) OnReadable() {
	if c.onReceivable != nil {
		c.onReceivable()
	}
}

// OnWritable implements reactor.EventHandler by draining as much of the
// outbound queue as the socket will currently accept.
func (c *Connection) OnWritable() {
	for len(c.sendQueue) > 0 {
		buf := c.sendQueue[0]
		if err := c.writeBuffer(buf); err != nil {
			c.disableWrite()
			c.sendQueue = c.sendQueue[1:]
			buf.Release()
			if c.onError != nil {
				c.onError()
			}
			return
		}
		if !buf.Done() {
			break
		}
		c.sendQueue = c.sendQueue[1:]
		buf.Release()
	}

	if len(c.sendQueue) == 0 {
		c.disableWrite()
		if c.onSendComplete != nil {
			c.onSendComplete()
		}
	}
}

// Send either writes buf immediately (if the outbound queue is currently
// empty) or appends it behind whatever is already queued. Ownership of buf
// passes to the Connection; it is released once fully written or dropped
// on error.
func (c *Connection) Send(buf *Buffer) error {
	if len(c.sendQueue) > 0 {
		c.sendQueue = append(c.sendQueue, buf)
		return nil
	}

	if err := c.writeBuffer(buf); err != nil {
		buf.Release()
		return err
	}

	if buf.Done() {
		buf.Release()
		if c.onSendComplete != nil {
			c.onSendComplete()
		}
		return nil
	}

	c.sendQueue = append(c.sendQueue, buf)
	c.enableWrite()
	return nil
}

// Recv reads directly into buf starting at buf.Pos and returns the number
// of bytes read. It returns ErrNoData if nothing is currently available
// and ErrPeerClosed on an orderly shutdown.
func (c *Connection) Recv(buf *Buffer) (int, error) {
	n, err := unix.Read(c.fd, buf.Data[buf.Pos:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return 0, ErrNoData
		}
		return 0, err
	}
	if n == 0 {
		c.disableRead()
		return 0, ErrPeerClosed
	}
	return n, nil
}

// Close deregisters and closes the underlying fd and releases any still
// queued outbound buffers. Safe to call more than once.
func (c *Connection) Close() {
	if c.fd < 0 {
		return
	}
	if c.loop != nil {
		c.loop.DelEventHandler(c.id)
	}
	_ = unix.Close(c.fd)
	c.fd = -1

	for _, buf := range c.sendQueue {
		buf.Release()
	}
	c.sendQueue = nil
}

// ShutdownWrite half-closes the connection for writing: the peer will see
// EOF on its read side once its queued data is delivered, but this side can
// still receive.
func (c *Connection) ShutdownWrite() error {
	if c.fd < 0 {
		return nil
	}
	return unix.Shutdown(c.fd, unix.SHUT_WR)
}

// GetPeerAddress returns the remote endpoint of the connection.
func (c *Connection) GetPeerAddress() (ip string, port int, err error) {
	sa, err := unix.Getpeername(c.fd)
	if err != nil {
		return "", 0, err
	}
	return sockaddrToString(sa)
}

// ChangeEventLoop moves this connection from whatever Loop currently owns
// it (if any) to loop, re-registering with its existing EnabledEvents.
// Used when handing an accepted connection off to a worker reactor that is
// not the one that accepted it.
func (c *Connection) ChangeEventLoop(loop reactor.Loop) error {
	if c.loop != nil {
		c.loop.DelEventHandler(c.id)
	}
	c.loop = loop
	if loop == nil {
		return nil
	}
	id, err := loop.AddEventHandler(c)
	if err != nil {
		c.loop = nil
		return err
	}
	c.id = id
	return nil
}

// SetOnError installs the callback invoked when a queued write fails.
func (c *Connection) SetOnError(f func()) { c.onError = f }

// SetOnReceivable installs the callback invoked when the fd becomes
// readable.
func (c *Connection) SetOnReceivable(f func()) { c.onReceivable = f }

// SetOnSendComplete installs the callback invoked once the outbound queue
// fully drains.
func (c *Connection) SetOnSendComplete(f func()) { c.onSendComplete = f }

func (c *Connection) writeBuffer(buf *Buffer) error {
	n, err := unix.Write(c.fd, buf.Remaining())
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			n = 0
		} else {
			return err
		}
	}
	buf.Pos += n
	return nil
}

func (c *Connection) enableWrite() {
	if c.enabled&reactor.EventWrite != 0 {
		return
	}
	c.enabled |= reactor.EventWrite
	c.syncEvents()
}

func (c *Connection) disableWrite() {
	if c.enabled&reactor.EventWrite == 0 {
		return
	}
	c.enabled &^= reactor.EventWrite
	c.syncEvents()
}

func (c *Connection) disableRead() {
	if c.enabled&reactor.EventRead == 0 {
		return
	}
	c.enabled &^= reactor.EventRead
	c.syncEvents()
}

func (c *Connection) syncEvents() {
	if c.loop != nil {
		_ = c.loop.UpdateEvents(c.id)
	}
}
