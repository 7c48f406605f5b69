// Package client implements the client-side composition: a local SOCKS5
// server whose connections are multiplexed, sub-stream by sub-stream, over
// one reconnecting tunnel to a remote server. Grounded on
// original_source/test/stunnel/Client.cpp's Server class (renamed App
// here to avoid colliding with this module's own server composition).
package client

import (
	"sync"
	"time"

	"github.com/quietproxy/snet/internal/netio"
	"github.com/quietproxy/snet/internal/reactor"
	"github.com/quietproxy/snet/internal/socks5"
	"github.com/quietproxy/snet/internal/stunnel"
	"github.com/quietproxy/snet/internal/tunnel"
)

const reconnectDelay = time.Second

// App owns the local SOCKS5 listener, the live sub-stream table keyed by
// id, and the single tunnel connection to the remote server, recreating
// the tunnel on a fixed delay whenever it errors out.
type App struct {
	tunnelIP   string
	tunnelPort int
	keyMu      sync.Mutex
	tunnelKey  []byte
	loop       reactor.Loop
	timers     *reactor.TimerList

	idGenerator uint64
	socks5Conns map[uint64]*socks5.Connection

	socks5Server   *socks5.Server
	reconnectTimer *reactor.Timer
	tun            *tunnel.Client
}

// New builds the composition: the SOCKS5 listener starts with accepting
// disabled (it is enabled once the tunnel handshake completes) and the
// first tunnel connection attempt starts immediately.
func New(socks5IP string, socks5Port int, tunnelIP string, tunnelPort int, tunnelKey []byte, loop reactor.Loop, timers *reactor.TimerList) *App {
	a := &App{
		tunnelIP:       tunnelIP,
		tunnelPort:     tunnelPort,
		tunnelKey:      tunnelKey,
		loop:           loop,
		timers:         timers,
		socks5Conns:    make(map[uint64]*socks5.Connection),
		reconnectTimer: reactor.NewTimer(timers),
	}

	a.socks5Server = socks5.NewServer(socks5IP, socks5Port, loop)
	a.socks5Server.DisableAccept()
	a.socks5Server.SetOnNewConnection(a.handleSocks5NewConn)

	a.createTunnel()
	return a
}

// IsListenOk reports whether the SOCKS5 listen socket was created
// successfully.
func (a *App) IsListenOk() bool { return a.socks5Server.IsListenOk() }

// SetKey replaces the key used for every future tunnel connection attempt
// (the live connection, if any, keeps its already-negotiated keystream).
// Safe to call from any goroutine, e.g. a config.KeyWatcher callback.
func (a *App) SetKey(key []byte) {
	a.keyMu.Lock()
	a.tunnelKey = key
	a.keyMu.Unlock()
}

func (a *App) currentKey() []byte {
	a.keyMu.Lock()
	defer a.keyMu.Unlock()
	return a.tunnelKey
}

func (a *App) handleSocks5NewConn(conn *socks5.Connection) {
	a.idGenerator++
	id := a.idGenerator

	conn.SetOnClose(func() { a.handleSocks5ConnClose(id) })
	conn.SetDataHandler(func(data []byte) { a.handleSocks5ConnData(id, data) })
	conn.SetOnConnectAddress(func(host string, port uint16) { a.handleSocks5ConnAddress(id, host, port) })

	a.socks5Conns[id] = conn
}

func (a *App) handleSocks5ConnClose(id uint64) {
	a.sendTunnel(stunnel.PackClose(id).Data)
	delete(a.socks5Conns, id)
}

func (a *App) handleSocks5ConnData(id uint64, data []byte) {
	a.sendTunnel(stunnel.PackData(id, data).Data)
}

func (a *App) handleSocks5ConnAddress(id uint64, host string, port uint16) {
	a.sendTunnel(stunnel.PackOpen(id, host, port).Data)
}

func (a *App) sendTunnel(payload []byte) {
	if a.tun != nil {
		_ = a.tun.Send(payload)
	}
}

func (a *App) createTunnel() {
	a.tun = tunnel.NewClient(a.tunnelIP, a.tunnelPort, a.currentKey(), a.loop, a.timers)
	a.tun.SetErrorHandler(a.handleTunnelError)
	a.tun.SetDataHandler(a.handleTunnelData)
	a.tun.Connect(a.handleTunnelConnected)
}

func (a *App) handleTunnelError() {
	a.socks5Server.DisableAccept()
	for _, conn := range a.socks5Conns {
		conn.Close()
	}
	a.socks5Conns = make(map[uint64]*socks5.Connection)

	a.reconnectTimer.SetOnExpire(a.createTunnel)
	a.reconnectTimer.ExpireFromNow(reconnectDelay)
}

func (a *App) handleTunnelData(data []byte) {
	buf := netio.NewBuffer(data)
	switch stunnel.UnpackProtocolType(buf) {
	case stunnel.OpenSuccess:
		id, ip, port, err := stunnel.UnpackOpenSuccess(buf)
		if err != nil {
			return
		}
		if conn, ok := a.socks5Conns[id]; ok {
			conn.ReplyConnectSuccess(ip, port)
		}

	case stunnel.Data:
		id, err := stunnel.UnpackData(buf)
		if err != nil {
			return
		}
		if conn, ok := a.socks5Conns[id]; ok {
			conn.Send(buf.Remaining())
		}

	case stunnel.Close:
		id, err := stunnel.UnpackClose(buf)
		if err != nil {
			return
		}
		if conn, ok := a.socks5Conns[id]; ok {
			conn.Close()
			delete(a.socks5Conns, id)
		}
	}
}

func (a *App) handleTunnelConnected() {
	a.socks5Server.EnableAccept()
}
