package netio

import (
	"golang.org/x/sys/unix"

	"github.com/quietproxy/snet/internal/reactor"
)

// Connector drives a single non-blocking outbound TCP connect attempt to
// completion: socket, connect, and if the kernel returns EINPROGRESS, a
// one-shot wait for writability followed by an SO_ERROR check. The result
// (a connected *Connection, or nil on failure) is delivered to the
// callback passed to Connect exactly once.
type Connector struct {
	fd           int
	ehRegistered bool
	ip           string
	port         int

	loop reactor.Loop
	id   reactor.HandlerID
	oc   func(*Connection)
}

// NewConnector prepares a Connector for a single attempt at ip:port on
// loop. Connect must be called to actually start it.
func NewConnector(ip string, port int, loop reactor.Loop) *Connector {
	return &Connector{fd: -1, ip: ip, port: port, loop: loop}
}

// Connect starts the connection attempt. oc is called exactly once, either
// synchronously (on immediate success or failure) or from a later
// OnWritable dispatch.
func (c *Connector) Connect(oc func(*Connection)) {
	c.oc = oc

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		c.connectFailed()
		return
	}
	c.fd = fd

	if err := setNonBlock(fd); err != nil {
		c.connectFailed()
		return
	}

	sa, err := sockaddrInet4(c.ip, c.port)
	if err != nil {
		c.connectFailed()
		return
	}

	err = unix.Connect(fd, sa)
	if err == nil {
		c.connectSucceeded()
		return
	}
	if err != unix.EINPROGRESS {
		c.connectFailed()
		return
	}

	c.processInProgress()
}

// Close aborts an in-flight attempt, if any.
func (c *Connector) Close() {
	if c.ehRegistered {
		c.loop.DelEventHandler(c.id)
		c.ehRegistered = false
	}
	if c.fd >= 0 {
		_ = unix.Close(c.fd)
		c.fd = -1
	}
}

// Fd implements reactor.EventHandler.
func (c *Connector) Fd() int { return c.fd }

// Events implements reactor.EventHandler: a Connector only ever watches
// for writability (the socket becoming connected, successfully or not).
func (c *Connector) Events() reactor.EventMask { return reactor.EventWrite }

// EnabledEvents implements reactor.EventHandler.
func (c *Connector) EnabledEvents() reactor.EventMask { return reactor.EventWrite }

// OnReadable implements reactor.EventHandler; a Connector never cares
// about readability.
func (c *Connector) OnReadable() {}

// OnWritable implements reactor.EventHandler by checking the outcome of
// the in-progress connect.
func (c *Connector) OnWritable() { c.handleConnect() }

func (c *Connector) processInProgress() {
	id, err := c.loop.AddEventHandler(c)
	if err != nil {
		c.connectFailed()
		return
	}
	c.id = id
	c.ehRegistered = true
}

func (c *Connector) handleConnect() {
	c.loop.DelEventHandler(c.id)
	c.ehRegistered = false

	errno, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err == nil && errno == 0 {
		c.connectSucceeded()
		return
	}
	c.connectFailed()
}

func (c *Connector) connectFailed() {
	if c.fd >= 0 {
		_ = unix.Close(c.fd)
		c.fd = -1
	}
	if c.oc != nil {
		c.oc(nil)
	}
}

func (c *Connector) connectSucceeded() {
	fd := c.fd
	c.fd = -1

	conn, err := NewConnection(fd, c.loop)
	if err != nil {
		_ = unix.Close(fd)
		if c.oc != nil {
			c.oc(nil)
		}
		return
	}
	if c.oc != nil {
		c.oc(conn)
	}
}
