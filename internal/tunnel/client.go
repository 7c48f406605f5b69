package tunnel

import (
	"github.com/quietproxy/snet/internal/netio"
	"github.com/quietproxy/snet/internal/reactor"
)

// Client owns the outbound TCP connect to a tunnel server and, once that
// succeeds, the resulting handshake. A composition layer that needs
// reconnect-on-error behavior constructs a fresh Client for every attempt,
// mirroring original_source/test/stunnel/Client.cpp's CreateTunnel.
type Client struct {
	ip     string
	port   int
	key    []byte
	loop   reactor.Loop
	timers *reactor.TimerList

	conn        *Connection
	onConnected func()
	onError     func()
	onData      func([]byte)
}

// NewClient prepares a Client for a single connection attempt. Connect
// must be called to actually start it.
func NewClient(ip string, port int, key []byte, loop reactor.Loop, timers *reactor.TimerList) *Client {
	return &Client{ip: ip, port: port, key: key, loop: loop, timers: timers}
}

// SetErrorHandler installs the callback invoked if the TCP connect fails
// or the resulting tunnel connection later errors out.
func (c *Client) SetErrorHandler(f func()) { c.onError = f }

// SetDataHandler installs the callback invoked with each decrypted
// application payload once Running.
func (c *Client) SetDataHandler(f func([]byte)) { c.onData = f }

// Connect starts the TCP connect attempt; onConnected fires once the
// handshake completes.
func (c *Client) Connect(onConnected func()) {
	c.onConnected = onConnected

	connector := netio.NewConnector(c.ip, c.port, c.loop)
	connector.Connect(func(raw *netio.Connection) {
		if raw == nil {
			c.fireError()
			return
		}
		conn, err := NewClientSide(raw, c.timers, c.key)
		if err != nil {
			raw.Close()
			c.fireError()
			return
		}
		c.conn = conn
		conn.SetErrorHandler(c.fireError)
		conn.SetDataHandler(func(p []byte) {
			if c.onData != nil {
				c.onData(p)
			}
		})
		conn.SetHandshakeOKHandler(func() {
			if c.onConnected != nil {
				c.onConnected()
			}
		})
	})
}

// Send encrypts and sends payload once Running.
func (c *Client) Send(payload []byte) error {
	if c.conn == nil {
		return ErrNotRunning
	}
	return c.conn.Send(payload)
}

func (c *Client) fireError() {
	if c.onError != nil {
		c.onError()
	}
}
