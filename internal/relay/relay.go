// Package relay implements the outbound half of one sub-stream: resolve a
// hostname, try each of its IPv4 addresses in turn until one connects, and
// then shuttle bytes to and from that upstream server. Grounded on
// original_source/test/stunnel/Relay.{h,cpp}.
package relay

import (
	"net"

	"github.com/quietproxy/snet/internal/netio"
	"github.com/quietproxy/snet/internal/reactor"
	"github.com/quietproxy/snet/internal/resolver"
)

// Event is delivered to a Client's event handler at most once per outcome;
// ConnectServerSuccess is the only non-terminal one.
type Event int

const (
	AddrInfoResolveFail Event = iota + 1
	ConnectServerFail
	ConnectServerSuccess
	ConnectionError
	PeerClosed
	RecvError
	SendError
)

func (e Event) String() string {
	switch e {
	case AddrInfoResolveFail:
		return "AddrInfoResolveFail"
	case ConnectServerFail:
		return "ConnectServerFail"
	case ConnectServerSuccess:
		return "ConnectServerSuccess"
	case ConnectionError:
		return "ConnectionError"
	case PeerClosed:
		return "PeerClosed"
	case RecvError:
		return "RecvError"
	case SendError:
		return "SendError"
	default:
		return "Unknown"
	}
}

const recvBufferSize = 2048

// Client drives one outbound relay connection on behalf of a sub-stream:
// resolve, connect (retrying across every resolved address), then forward
// bytes until something goes wrong.
type Client struct {
	loop     reactor.Loop
	resolver *resolver.Resolver
	request  *resolver.Request

	conn *netio.Connection
	port uint16

	eventHandler func(Event)
	dataHandler  func([]byte)

	pendingAddrs []net.IP
}

// NewClient creates a relay that will connect to port on whatever host
// ConnectHost resolves.
func NewClient(port uint16, loop reactor.Loop, res *resolver.Resolver) *Client {
	return &Client{loop: loop, resolver: res, port: port}
}

// SetEventHandler installs the callback invoked on every state transition
// and terminal error.
func (c *Client) SetEventHandler(f func(Event)) { c.eventHandler = f }

// SetDataHandler installs the callback invoked with each chunk received
// from the upstream server.
func (c *Client) SetDataHandler(f func([]byte)) { c.dataHandler = f }

// ConnectHost starts asynchronous resolution of host, then connects to the
// first address that accepts.
func (c *Client) ConnectHost(host string) {
	c.request = c.resolver.AsyncResolve(host, func(ips []net.IP, err error) {
		c.request = nil
		if err != nil || len(ips) == 0 {
			c.fire(AddrInfoResolveFail)
			return
		}
		c.pendingAddrs = ips
		c.connect()
	})
}

// GetPeerAddress reports the upstream address once connected.
func (c *Client) GetPeerAddress() (ip string, port int, ok bool) {
	if c.conn == nil {
		return "", 0, false
	}
	ip, port, err := c.conn.GetPeerAddress()
	if err != nil {
		return "", 0, false
	}
	return ip, port, true
}

// Send forwards data to the upstream server.
func (c *Client) Send(data []byte) {
	if err := c.conn.Send(netio.NewBuffer(data)); err != nil {
		c.fire(SendError)
	}
}

// ShutdownWrite half-closes the upstream connection for writing.
func (c *Client) ShutdownWrite() {
	if c.conn != nil {
		_ = c.conn.ShutdownWrite()
	}
}

// Close cancels any outstanding resolution and closes the upstream
// connection if one was established.
func (c *Client) Close() {
	if c.request != nil {
		c.resolver.CancelRequest(c.request)
		c.request = nil
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *Client) connect() {
	if len(c.pendingAddrs) == 0 {
		c.fire(ConnectServerFail)
		return
	}
	ip := c.pendingAddrs[0]
	c.pendingAddrs = c.pendingAddrs[1:]

	connector := netio.NewConnector(ip.String(), int(c.port), c.loop)
	connector.Connect(func(conn *netio.Connection) {
		if conn != nil {
			c.handleConnect(conn)
		} else {
			c.connect()
		}
	})
}

func (c *Client) handleConnect(conn *netio.Connection) {
	c.conn = conn
	conn.SetOnError(func() { c.fire(ConnectionError) })
	conn.SetOnReceivable(c.handleReceivable)
	c.fire(ConnectServerSuccess)
}

func (c *Client) handleReceivable() {
	buf := netio.NewBuffer(make([]byte, recvBufferSize))
	n, err := c.conn.Recv(buf)
	switch err {
	case netio.ErrNoData:
		return
	case netio.ErrPeerClosed:
		c.fire(PeerClosed)
	case nil:
		if c.dataHandler != nil {
			c.dataHandler(buf.Data[:n])
		}
	default:
		c.fire(RecvError)
	}
}

func (c *Client) fire(ev Event) {
	if c.eventHandler != nil {
		c.eventHandler(ev)
	}
}
