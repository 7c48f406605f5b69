// Package server implements the server-side composition: a listening
// tunnel endpoint where every accepted connection gets its own table of
// relay.Clients, one per open sub-stream, dispatched by the Open/Close/
// Data records carried over that tunnel. Grounded on
// original_source/test/stunnel/Server.cpp's STunnelConnection and
// STunnelServer. The original ties a tunnel connection's lifetime to a
// weak_ptr so its error handler can erase the owning shared_ptr without a
// reference cycle; a plain map keyed by *Connection serves the same
// purpose here since Go's garbage collector already handles the cycle
// that would otherwise require a weak reference.
package server

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/quietproxy/snet/internal/netio"
	"github.com/quietproxy/snet/internal/reactor"
	"github.com/quietproxy/snet/internal/relay"
	"github.com/quietproxy/snet/internal/resolver"
	"github.com/quietproxy/snet/internal/stunnel"
	"github.com/quietproxy/snet/internal/tunnel"
)

// Connection wraps one accepted tunnel connection and the relay.Clients it
// has opened on behalf of its peer's sub-streams.
type Connection struct {
	loop     reactor.Loop
	resolver *resolver.Resolver

	tun    *tunnel.Connection
	relays map[uint64]*relay.Client
}

func newConnection(tun *tunnel.Connection, loop reactor.Loop, res *resolver.Resolver) *Connection {
	c := &Connection{loop: loop, resolver: res, tun: tun, relays: make(map[uint64]*relay.Client)}
	tun.SetDataHandler(c.handleTunnelData)
	return c
}

// SetErrorHandler installs the callback invoked once the underlying
// tunnel connection errors out.
func (c *Connection) SetErrorHandler(f func()) { c.tun.SetErrorHandler(f) }

// Close tears down every relay this connection has opened.
func (c *Connection) Close() {
	for id, r := range c.relays {
		r.Close()
		delete(c.relays, id)
	}
}

func (c *Connection) handleTunnelData(data []byte) {
	buf := netio.NewBuffer(data)
	switch stunnel.UnpackProtocolType(buf) {
	case stunnel.Open:
		c.handleOpen(buf)
	case stunnel.Close:
		c.handleClose(buf)
	case stunnel.Data:
		c.handleData(buf)
	}
}

func (c *Connection) handleOpen(buf *netio.Buffer) {
	id, host, port, err := stunnel.UnpackOpen(buf)
	if err != nil {
		return
	}

	rc := relay.NewClient(port, c.loop, c.resolver)
	rc.SetEventHandler(func(ev relay.Event) { c.handleRelayEvent(id, ev) })
	rc.SetDataHandler(func(data []byte) { c.handleRelayData(id, data) })
	rc.ConnectHost(host)

	c.relays[id] = rc
}

func (c *Connection) handleClose(buf *netio.Buffer) {
	id, err := stunnel.UnpackClose(buf)
	if err != nil {
		return
	}
	if r, ok := c.relays[id]; ok {
		r.Close()
		delete(c.relays, id)
	}
}

func (c *Connection) handleData(buf *netio.Buffer) {
	id, err := stunnel.UnpackData(buf)
	if err != nil {
		return
	}
	r, ok := c.relays[id]
	if !ok {
		c.sendTunnel(stunnel.PackClose(id).Data)
		return
	}
	r.Send(buf.Remaining())
}

func (c *Connection) handleRelayEvent(id uint64, ev relay.Event) {
	if ev == relay.ConnectServerSuccess {
		r, ok := c.relays[id]
		if !ok {
			c.sendTunnel(stunnel.PackClose(id).Data)
			return
		}
		ip, port, ok := r.GetPeerAddress()
		if !ok {
			c.sendTunnel(stunnel.PackClose(id).Data)
			return
		}
		ip4, err := ipv4ToUint32(ip)
		if err != nil {
			c.sendTunnel(stunnel.PackClose(id).Data)
			return
		}
		c.sendTunnel(stunnel.PackOpenSuccess(id, ip4, uint16(port)).Data)
		return
	}

	c.sendTunnel(stunnel.PackClose(id).Data)
	if r, ok := c.relays[id]; ok {
		r.Close()
		delete(c.relays, id)
	}
}

func (c *Connection) handleRelayData(id uint64, data []byte) {
	c.sendTunnel(stunnel.PackData(id, data).Data)
}

func (c *Connection) sendTunnel(payload []byte) {
	_ = c.tun.Send(payload)
}

func ipv4ToUint32(s string) (uint32, error) {
	v4 := net.ParseIP(s).To4()
	if v4 == nil {
		return 0, fmt.Errorf("server: %q is not an IPv4 address", s)
	}
	return binary.BigEndian.Uint32(v4), nil
}

// App listens for tunnel connections and keeps every live Connection
// alive until its tunnel errors out.
type App struct {
	loop     reactor.Loop
	resolver *resolver.Resolver

	tunnelServer *tunnel.Server
	conns        map[*Connection]struct{}
}

// New listens on ip:port for tunnel clients sharing key.
func New(ip string, port int, key []byte, loop reactor.Loop, timers *reactor.TimerList, res *resolver.Resolver) *App {
	a := &App{loop: loop, resolver: res, conns: make(map[*Connection]struct{})}
	a.tunnelServer = tunnel.NewServer(ip, port, key, loop, timers)
	a.tunnelServer.SetOnNewConnection(a.handleNewConnection)
	return a
}

// IsListenOk reports whether the tunnel listen socket was created
// successfully.
func (a *App) IsListenOk() bool { return a.tunnelServer.IsListenOk() }

// SetKey replaces the key used for every tunnel connection accepted from
// now on. Safe to call from any goroutine, e.g. a config.KeyWatcher
// callback.
func (a *App) SetKey(key []byte) { a.tunnelServer.SetKey(key) }

func (a *App) handleNewConnection(tun *tunnel.Connection) {
	conn := newConnection(tun, a.loop, a.resolver)
	a.conns[conn] = struct{}{}
	conn.SetErrorHandler(func() {
		conn.Close()
		delete(a.conns, conn)
	})
}
