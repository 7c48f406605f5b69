package netio

import (
	"golang.org/x/sys/unix"

	"github.com/quietproxy/snet/internal/reactor"
)

// DefaultBacklog is the listen(2) backlog used when none is given.
const DefaultBacklog = 128

// Acceptor listens on a single IPv4 TCP address and hands every accepted
// connection to an OnNewConnection callback. By default accepted
// connections are registered with the same Loop the Acceptor itself runs
// on; SetNewConnectionWithEventLoop(false) hands them back detached (no
// Loop) so a caller can move them to a different reactor via
// Connection.ChangeEventLoop before registering any callbacks.
type Acceptor struct {
	fd             int
	backlog        int
	listenOK       bool
	withEventLoop  bool
	loop           reactor.Loop
	id             reactor.HandlerID
	onNewConn      func(*Connection)
}

// NewAcceptor creates a listening socket bound to ip:port and registers it
// with loop. IsListenOk reports whether the listen setup succeeded; a
// failed Acceptor is otherwise inert.
func NewAcceptor(ip string, port int, loop reactor.Loop) *Acceptor {
	return NewAcceptorWithBacklog(ip, port, loop, DefaultBacklog)
}

// NewAcceptorWithBacklog is like NewAcceptor with an explicit listen(2)
// backlog.
func NewAcceptorWithBacklog(ip string, port int, loop reactor.Loop, backlog int) *Acceptor {
	a := &Acceptor{fd: -1, backlog: backlog, withEventLoop: true, loop: loop}
	if a.createListenSocket(ip, port) {
		id, err := loop.AddEventHandler(a)
		if err == nil {
			a.id = id
		} else {
			a.listenOK = false
		}
	}
	return a
}

// IsListenOk reports whether the listen socket was created successfully.
func (a *Acceptor) IsListenOk() bool { return a.listenOK }

// SetOnNewConnection installs the callback invoked for every accepted
// connection.
func (a *Acceptor) SetOnNewConnection(f func(*Connection)) { a.onNewConn = f }

// SetNewConnectionWithEventLoop controls whether accepted connections are
// pre-registered with the Acceptor's Loop (the default) or handed back
// detached.
func (a *Acceptor) SetNewConnectionWithEventLoop(flag bool) { a.withEventLoop = flag }

// DisableAccept stops the Acceptor from reporting readability, without
// closing the listen socket — pending connections simply queue in the
// kernel's backlog until EnableAccept is called again.
func (a *Acceptor) DisableAccept() {
	if a.loop != nil {
		a.loop.DelEventHandler(a.id)
	}
}

// EnableAccept re-registers the listen socket after DisableAccept.
func (a *Acceptor) EnableAccept() {
	if a.loop == nil || !a.listenOK {
		return
	}
	id, err := a.loop.AddEventHandler(a)
	if err == nil {
		a.id = id
	}
}

// Close tears down the listen socket.
func (a *Acceptor) Close() {
	if a.fd < 0 {
		return
	}
	if a.loop != nil {
		a.loop.DelEventHandler(a.id)
	}
	_ = unix.Close(a.fd)
	a.fd = -1
}

// Fd implements reactor.EventHandler.
func (a *Acceptor) Fd() int { return a.fd }

// Events implements reactor.EventHandler: an Acceptor only ever cares
// about readability (a pending connection).
func (a *Acceptor) Events() reactor.EventMask { return reactor.EventRead }

// EnabledEvents implements reactor.EventHandler.
func (a *Acceptor) EnabledEvents() reactor.EventMask { return reactor.EventRead }

// OnReadable implements reactor.EventHandler by accepting one connection.
func (a *Acceptor) OnReadable() { a.handleAccept() }

// OnWritable implements reactor.EventHandler; an Acceptor never enables
// write interest.
func (a *Acceptor) OnWritable() {}

func (a *Acceptor) createListenSocket(ip string, port int) bool {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return false
	}
	a.fd = fd

	if err := setNonBlock(fd); err != nil {
		return false
	}
	_ = setReuseAddr(fd)

	sa, err := sockaddrInet4(ip, port)
	if err != nil {
		return false
	}
	if err := unix.Bind(fd, sa); err != nil {
		return false
	}
	if err := unix.Listen(fd, a.backlog); err != nil {
		return false
	}

	a.listenOK = true
	return true
}

func (a *Acceptor) handleAccept() {
	newFd, _, err := unix.Accept(a.fd)
	if err != nil {
		return
	}
	if err := setNonBlock(newFd); err != nil {
		_ = unix.Close(newFd)
		return
	}

	loop := a.loop
	if !a.withEventLoop {
		loop = nil
	}
	conn, err := NewConnection(newFd, loop)
	if err != nil {
		_ = unix.Close(newFd)
		return
	}
	if a.onNewConn != nil {
		a.onNewConn(conn)
	}
}
