// Package tunnel implements the encrypted, length-prefixed record
// transport the rest of this module multiplexes sub-streams over: framing
// and keepalive are grounded on original_source/test/stunnel/Tunnel.cpp,
// while the handshake state machine (negotiating per-direction IVs before
// any application data flows) follows this module's own protocol
// specification, since the handshake/encryption layer isn't present in
// the kept original sources — framing and crypto were separate concerns
// there and are merged into one component here.
package tunnel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"

	"github.com/quietproxy/snet/internal/cipher"
	"github.com/quietproxy/snet/internal/netio"
	"github.com/quietproxy/snet/internal/reactor"
)

const (
	heartbeatInterval  = 5 * time.Second
	clientAliveTimeout = 60 * time.Second
	serverAliveTimeout = 15 * time.Second
)

// VerifyData is the fixed constant exchanged (encrypted) during the
// handshake as a trivial peer-authentication check. It is not a security
// boundary — anyone with the key can compute it — only a sanity check that
// both sides derived the same key.
var VerifyData = []byte("#&^@!~-=`\x00")

type state int

const (
	stateAccepting state = iota
	stateAcceptingPhase2
	stateConnecting
	stateRunning
)

// ErrNotRunning is returned by Send before the handshake has completed.
var ErrNotRunning = errors.New("tunnel: connection is not yet in the running state")

// Connection is one encrypted tunnel endpoint: framing, the IV-negotiation
// handshake, and keepalive all live here, layered directly on a
// netio.Connection. In Running state every outbound payload is
// length-prefixed and encrypted and every inbound payload has been
// decrypted before delivery to the data handler.
type Connection struct {
	conn      *netio.Connection
	aliveTimer     *reactor.Timer
	heartbeatTimer *reactor.Timer
	aliveTimeout   time.Duration

	enc *cipher.Encryptor
	dec *cipher.Decryptor

	state  state
	closed bool
	failed bool

	recvLen    [2]byte
	recvLenPos int
	payload    []byte
	payloadPos int

	onError       func()
	onData        func([]byte)
	onHandshakeOK func()
}

func newConnection(conn *netio.Connection, timerList *reactor.TimerList, key []byte, st state, aliveTimeout time.Duration) (*Connection, error) {
	enc, err := cipher.NewEncryptor(key)
	if err != nil {
		return nil, err
	}
	dec, err := cipher.NewDecryptor(key)
	if err != nil {
		return nil, err
	}

	c := &Connection{
		conn:         conn,
		enc:          enc,
		dec:          dec,
		state:        st,
		aliveTimeout: aliveTimeout,
	}

	c.aliveTimer = reactor.NewTimer(timerList)
	c.heartbeatTimer = reactor.NewTimer(timerList)
	c.aliveTimer.SetOnExpire(c.handleAliveTimeout)
	c.heartbeatTimer.SetOnExpire(c.handleHeartbeat)
	c.aliveTimer.ExpireFromNow(c.aliveTimeout)
	c.heartbeatTimer.ExpireFromNow(heartbeatInterval)

	conn.SetOnError(c.handleError)
	conn.SetOnReceivable(c.handleReceivable)

	if st == stateConnecting {
		c.startClientHandshake()
	}

	return c, nil
}

// NewServerSide wraps conn as the server (accepting) half of a handshake:
// the first inbound record is expected to be the peer's IV.
func NewServerSide(conn *netio.Connection, timerList *reactor.TimerList, key []byte) (*Connection, error) {
	return newConnection(conn, timerList, key, stateAccepting, serverAliveTimeout)
}

// NewClientSide wraps conn as the client (connecting) half of a handshake:
// construction immediately sends this side's IV and VERIFY_DATA.
func NewClientSide(conn *netio.Connection, timerList *reactor.TimerList, key []byte) (*Connection, error) {
	return newConnection(conn, timerList, key, stateConnecting, clientAliveTimeout)
}

// SetErrorHandler installs the callback invoked on any fatal condition
// (I/O error, alive timeout, handshake verification failure). It fires at
// most once.
func (c *Connection) SetErrorHandler(f func()) { c.onError = f }

// SetDataHandler installs the callback invoked with each decrypted
// application payload once the connection is Running.
func (c *Connection) SetDataHandler(f func([]byte)) { c.onData = f }

// SetHandshakeOKHandler installs the callback invoked once, on the client
// side only, when the handshake completes and the connection becomes
// Running.
func (c *Connection) SetHandshakeOKHandler(f func()) { c.onHandshakeOK = f }

// Send encrypts payload and writes it as a single length-prefixed record.
// Returns ErrNotRunning if the handshake has not yet completed.
func (c *Connection) Send(payload []byte) error {
	if c.state != stateRunning {
		return ErrNotRunning
	}
	return c.sendRecord(c.enc.Encrypt(payload))
}

// Close tears down the underlying connection and stops both timers. Safe
// to call more than once.
func (c *Connection) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.aliveTimer.Cancel()
	c.heartbeatTimer.Cancel()
	c.conn.Close()
}

func (c *Connection) sendRecord(ciphertext []byte) error {
	length := make([]byte, 2)
	binary.BigEndian.PutUint16(length, uint16(len(ciphertext)))
	if err := c.conn.Send(netio.NewBuffer(length)); err != nil {
		c.handleError()
		return err
	}
	if len(ciphertext) == 0 {
		return nil
	}
	if err := c.conn.Send(netio.NewBuffer(ciphertext)); err != nil {
		c.handleError()
		return err
	}
	return nil
}

func (c *Connection) startClientHandshake() {
	var ownIV cipher.IVec
	ownIV.RandomReset()

	// The first record is encrypted under the Encryptor's initial
	// zero-IV state — both sides start there, before either has
	// negotiated anything.
	if err := c.sendRecord(c.enc.Encrypt(ownIV[:])); err != nil {
		return
	}
	c.enc.SetIVec(ownIV)

	_ = c.sendRecord(c.enc.Encrypt(VerifyData))
}

// handleReceivable reassembles length-prefixed records from the
// underlying connection and dispatches each complete one, continuing to
// drain as long as more complete records are already buffered.
func (c *Connection) handleReceivable() {
	for !c.closed {
		if c.recvLenPos < len(c.recvLen) {
			n, err := c.recvInto(c.recvLen[c.recvLenPos:])
			if err != nil {
				if err == netio.ErrNoData {
					return
				}
				c.handleError()
				return
			}
			c.recvLenPos += n
			c.aliveTimer.ExpireFromNow(c.aliveTimeout)
			if c.recvLenPos < len(c.recvLen) {
				return
			}
		}

		if c.payload == nil {
			length := binary.BigEndian.Uint16(c.recvLen[:])
			if length == 0 {
				// Heartbeat: no payload follows, just re-arm framing.
				c.recvLenPos = 0
				continue
			}
			c.payload = make([]byte, length)
			c.payloadPos = 0
		}

		if c.payloadPos < len(c.payload) {
			n, err := c.recvInto(c.payload[c.payloadPos:])
			if err != nil {
				if err == netio.ErrNoData {
					return
				}
				c.handleError()
				return
			}
			c.payloadPos += n
			c.aliveTimer.ExpireFromNow(c.aliveTimeout)
			if c.payloadPos < len(c.payload) {
				return
			}
		}

		record := c.payload
		c.payload = nil
		c.payloadPos = 0
		c.recvLenPos = 0

		c.deliverRecord(record)
	}
}

func (c *Connection) recvInto(dst []byte) (int, error) {
	buf := &netio.Buffer{Data: dst}
	return c.conn.Recv(buf)
}

func (c *Connection) deliverRecord(ciphertext []byte) {
	switch c.state {
	case stateAccepting:
		c.handleAccepting(ciphertext)
	case stateAcceptingPhase2:
		c.handleAcceptingPhase2(ciphertext)
	case stateConnecting:
		c.handleConnecting(ciphertext)
	case stateRunning:
		if c.onData != nil {
			c.onData(c.dec.Decrypt(ciphertext))
		}
	}
}

func (c *Connection) handleAccepting(ciphertext []byte) {
	plain := c.dec.Decrypt(ciphertext)
	if len(plain) != cipher.IVSize {
		c.handleError()
		return
	}
	var peerIV cipher.IVec
	copy(peerIV[:], plain)
	c.dec.SetIVec(peerIV)
	c.state = stateAcceptingPhase2
}

func (c *Connection) handleAcceptingPhase2(ciphertext []byte) {
	plain := c.dec.Decrypt(ciphertext)
	if !bytes.Equal(plain, VerifyData) {
		c.handleError()
		return
	}

	var ownIV cipher.IVec
	ownIV.RandomReset()
	if err := c.sendRecord(c.enc.Encrypt(ownIV[:])); err != nil {
		return
	}
	c.enc.SetIVec(ownIV)
	c.state = stateRunning
}

func (c *Connection) handleConnecting(ciphertext []byte) {
	plain := c.dec.Decrypt(ciphertext)
	if len(plain) != cipher.IVSize {
		c.handleError()
		return
	}
	var peerIV cipher.IVec
	copy(peerIV[:], plain)
	c.dec.SetIVec(peerIV)
	c.state = stateRunning
	if c.onHandshakeOK != nil {
		c.onHandshakeOK()
	}
}

func (c *Connection) handleAliveTimeout() {
	c.handleError()
}

func (c *Connection) handleHeartbeat() {
	if c.closed {
		return
	}
	c.heartbeatTimer.ExpireFromNow(heartbeatInterval)
	_ = c.sendRecord(nil)
}

func (c *Connection) handleError() {
	if c.closed || c.failed {
		return
	}
	c.failed = true
	c.aliveTimer.Cancel()
	c.heartbeatTimer.Cancel()
	if c.onError != nil {
		c.onError()
	}
}
