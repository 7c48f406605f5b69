// Package socks5 implements the client-facing edge of the tunnel: a
// SOCKS5 server supporting only the NO_AUTH method and the CONNECT
// command with a domain-name target, grounded on
// original_source/test/stunnel/Socks5.{h,cpp}.
package socks5

import (
	"encoding/binary"

	"github.com/quietproxy/snet/internal/netio"
	"github.com/quietproxy/snet/internal/reactor"
)

const (
	version = 5

	methodNoAuth   = 0
	methodNoAccept = 0xFF

	cmdConnect      = 1
	rsv             = 0
	atypIPv4        = 1
	atypDomainName  = 3
	replySuccess    = 0
	replyFailure    = 1

	maxSelectMethodSize     = 257
	replyMethodSize         = 2
	maxGetConnectAddressSize = 262
	replySize               = 10
	recvBufferSize          = 2048
)

// State is a Connection's position in the SOCKS5 negotiation.
type State int

const (
	SelectingMethod State = iota
	GettingConnectAddress
	Connecting
	Running
	Closed
)

// Connection is one accepted SOCKS5 client, from method negotiation
// through the relayed data phase.
type Connection struct {
	state State
	conn  *netio.Connection
	buf   *netio.Buffer

	onClose          func()
	onConnectAddress func(host string, port uint16)
	onEOF            func()
	dataHandler      func([]byte)
}

// NewConnection wraps an accepted, already non-blocking connection and
// starts the SOCKS5 method-selection handshake.
func NewConnection(conn *netio.Connection) *Connection {
	c := &Connection{state: SelectingMethod, conn: conn}
	conn.SetOnError(c.handleError)
	conn.SetOnReceivable(c.handleReceivable)
	return c
}

// SetOnClose installs the callback invoked once the connection is torn
// down by an error (including a rejected method or truncated handshake).
func (c *Connection) SetOnClose(f func()) { c.onClose = f }

// SetOnConnectAddress installs the callback invoked once the client has
// asked to CONNECT to host:port. The caller is expected to attempt the
// connection and eventually call ReplyConnectSuccess or Close.
func (c *Connection) SetOnConnectAddress(f func(host string, port uint16)) {
	c.onConnectAddress = f
}

// SetOnEOF installs the callback invoked when the client performs an
// orderly shutdown while in Running state.
func (c *Connection) SetOnEOF(f func()) { c.onEOF = f }

// SetDataHandler installs the callback invoked with each chunk of relayed
// application data once Running.
func (c *Connection) SetDataHandler(f func([]byte)) { c.dataHandler = f }

// State reports the connection's current negotiation state.
func (c *Connection) State() State { return c.state }

// ReplyConnectSuccess transitions Connecting to Running and sends the
// CONNECT reply carrying the upstream address the outbound relay connected
// to.
func (c *Connection) ReplyConnectSuccess(ip uint32, port uint16) {
	if c.state != Connecting {
		return
	}
	c.state = Running
	c.replyConnectResult(ip, port)
}

// Send writes data to the client. A no-op outside Running state.
func (c *Connection) Send(data []byte) {
	if c.state != Running {
		return
	}
	_ = c.conn.Send(netio.NewBuffer(data))
}

// ShutdownWrite half-closes the client connection for writing. A no-op
// outside Running state.
func (c *Connection) ShutdownWrite() {
	if c.state != Running {
		return
	}
	_ = c.conn.ShutdownWrite()
}

// Close tears the connection down. If the handshake had reached Connecting
// without a reply yet, a failure reply is sent first.
func (c *Connection) Close() {
	if c.state == Connecting {
		c.replyConnectResult(0, 0)
	}
	c.closeConnection()
}

func (c *Connection) replyConnectResult(ip uint32, port uint16) {
	reply := make([]byte, replySize)
	reply[0] = version
	if ip != 0 {
		reply[1] = replySuccess
	} else {
		reply[1] = replyFailure
	}
	reply[2] = rsv
	reply[3] = atypIPv4
	binary.BigEndian.PutUint32(reply[4:8], ip)
	binary.BigEndian.PutUint16(reply[8:10], port)
	_ = c.conn.Send(netio.NewBuffer(reply))
}

func (c *Connection) closeConnection() {
	c.conn.Close()
	c.state = Closed
}

func (c *Connection) handleError() {
	c.closeConnection()
	if c.onClose != nil {
		c.onClose()
	}
}

func (c *Connection) handleReceivable() {
	switch c.state {
	case SelectingMethod:
		c.selectMethod()
	case GettingConnectAddress:
		c.getConnectAddress()
	default:
		c.recvData()
	}
}

// selectMethod parses the client's method-selection record: version byte,
// a method count, and that many method bytes. Any non-positive read (even
// ErrNoData) is treated as fatal, matching the original: this handler only
// runs when the fd reports readable, so a non-positive read here means
// something actually went wrong.
func (c *Connection) selectMethod() {
	if c.buf == nil {
		c.buf = netio.NewBuffer(make([]byte, maxSelectMethodSize))
	}

	n, err := c.conn.Recv(c.buf)
	if err != nil || n <= 0 {
		c.handleError()
		return
	}
	c.buf.Pos += n

	if c.buf.Pos < 2 {
		return
	}
	if c.buf.Data[0] != version {
		c.handleError()
		return
	}

	num := int(c.buf.Data[1])
	if c.buf.Pos > num+2 {
		c.handleError()
		return
	}
	if c.buf.Pos < num+2 {
		return
	}

	for i := 0; i < num; i++ {
		if c.buf.Data[i+2] == methodNoAuth {
			c.replyMethod(methodNoAuth)
			return
		}
	}
	c.replyMethod(methodNoAccept)
	c.handleError()
}

func (c *Connection) replyMethod(method byte) {
	reply := make([]byte, replyMethodSize)
	reply[0] = version
	reply[1] = method

	if method == methodNoAuth {
		c.state = GettingConnectAddress
	}
	c.buf = nil
	_ = c.conn.Send(netio.NewBuffer(reply))
}

// getConnectAddress parses the CONNECT request: version, command, rsv,
// address type, domain length, domain bytes, port. Only CMD_CONNECT with
// ATYP_DOMAIN_NAME is accepted.
func (c *Connection) getConnectAddress() {
	if c.buf == nil {
		c.buf = netio.NewBuffer(make([]byte, maxGetConnectAddressSize))
	}

	n, err := c.conn.Recv(c.buf)
	if err != nil || n <= 0 {
		c.handleError()
		return
	}
	c.buf.Pos += n

	if c.buf.Pos < 4 {
		return
	}
	if c.buf.Data[1] != cmdConnect {
		c.handleError()
		return
	}
	if c.buf.Data[3] != atypDomainName {
		c.handleError()
		return
	}
	if c.buf.Pos == 4 {
		return
	}

	domainLen := int(c.buf.Data[4])
	total := domainLen + 4 + 2 + 1
	if c.buf.Pos > total {
		c.handleError()
		return
	}
	if c.buf.Pos < total {
		return
	}

	host := string(c.buf.Data[5 : 5+domainLen])
	port := binary.BigEndian.Uint16(c.buf.Data[5+domainLen:])

	c.buf = nil
	c.state = Connecting
	if c.onConnectAddress != nil {
		c.onConnectAddress(host, port)
	}
}

func (c *Connection) recvData() {
	buf := netio.NewBuffer(make([]byte, recvBufferSize))
	n, err := c.conn.Recv(buf)
	if err == netio.ErrNoData {
		return
	}
	if err == netio.ErrPeerClosed {
		if c.onEOF != nil {
			c.onEOF()
		}
		return
	}
	if err != nil || n <= 0 {
		c.handleError()
		return
	}
	if c.dataHandler != nil {
		c.dataHandler(buf.Data[:n])
	}
}

// NewConnectionFunc is invoked by Server for every accepted connection.
type NewConnectionFunc func(*Connection)

// Server is a SOCKS5-listening Acceptor that can be told to stop handing
// out new connections (e.g. while the tunnel is down) without closing the
// listen socket itself.
type Server struct {
	enableAccept bool
	onNewConn    NewConnectionFunc
	acceptor     *netio.Acceptor
}

// NewServer listens on ip:port and begins accepting SOCKS5 clients.
func NewServer(ip string, port int, loop reactor.Loop) *Server {
	s := &Server{enableAccept: true}
	s.acceptor = netio.NewAcceptor(ip, port, loop)
	s.acceptor.SetOnNewConnection(s.handleNewConnection)
	return s
}

// IsListenOk reports whether the listen socket was created successfully.
func (s *Server) IsListenOk() bool { return s.acceptor.IsListenOk() }

// SetOnNewConnection installs the callback invoked for every accepted
// connection while accepting is enabled.
func (s *Server) SetOnNewConnection(f NewConnectionFunc) { s.onNewConn = f }

// DisableAccept stops new connections from being handed to the callback;
// they are simply closed instead.
func (s *Server) DisableAccept() { s.enableAccept = false }

// EnableAccept resumes handing accepted connections to the callback.
func (s *Server) EnableAccept() { s.enableAccept = true }

func (s *Server) handleNewConnection(conn *netio.Connection) {
	if !s.enableAccept {
		conn.Close()
		return
	}
	if s.onNewConn != nil {
		s.onNewConn(NewConnection(conn))
	}
}
