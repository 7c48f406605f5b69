package tunnel

import (
	"sync"

	"github.com/quietproxy/snet/internal/netio"
	"github.com/quietproxy/snet/internal/reactor"
)

// NewConnectionFunc is invoked by Server for every accepted connection
// that successfully begins the handshake.
type NewConnectionFunc func(*Connection)

// Server listens for inbound tunnel connections and wraps each accepted
// socket as a server-side handshake, grounded on the tunnel::Server usage
// visible in original_source/test/stunnel/Server.cpp (its own header/
// source are not present in the kept original sources; the key parameter
// is added per this module's own §6 CLI surface, since the handshake
// cannot function without a symmetric key on both ends).
type Server struct {
	keyMu    sync.Mutex
	key      []byte
	timers   *reactor.TimerList
	acceptor *netio.Acceptor

	onNewConn NewConnectionFunc
}

// NewServer listens on ip:port and begins accepting tunnel clients that
// share key.
func NewServer(ip string, port int, key []byte, loop reactor.Loop, timers *reactor.TimerList) *Server {
	s := &Server{key: key, timers: timers}
	s.acceptor = netio.NewAcceptor(ip, port, loop)
	s.acceptor.SetOnNewConnection(s.handleNewConnection)
	return s
}

// IsListenOk reports whether the listen socket was created successfully.
func (s *Server) IsListenOk() bool { return s.acceptor.IsListenOk() }

// SetOnNewConnection installs the callback invoked once per accepted
// connection, immediately after its server-side handshake begins.
func (s *Server) SetOnNewConnection(f NewConnectionFunc) { s.onNewConn = f }

// SetKey replaces the key used for every tunnel connection accepted from
// now on; connections already mid-handshake or Running keep the key they
// started with. Safe to call from any goroutine, e.g. a
// config.KeyWatcher callback — the reactor loop reads the key from its
// own goroutine on every accept, so the field needs a lock rather than a
// plain assignment.
func (s *Server) SetKey(key []byte) {
	s.keyMu.Lock()
	s.key = key
	s.keyMu.Unlock()
}

func (s *Server) handleNewConnection(raw *netio.Connection) {
	s.keyMu.Lock()
	key := s.key
	s.keyMu.Unlock()

	conn, err := NewServerSide(raw, s.timers, key)
	if err != nil {
		raw.Close()
		return
	}
	if s.onNewConn != nil {
		s.onNewConn(conn)
	}
}
