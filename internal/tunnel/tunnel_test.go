package tunnel

import (
	"testing"
	"time"

	"github.com/quietproxy/snet/internal/netio"
	"github.com/quietproxy/snet/internal/reactor"
)

func newRawPair(t *testing.T, port int) (loop reactor.Loop, timers *reactor.TimerList, serverRaw, clientRaw *netio.Connection) {
	t.Helper()
	l, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	timerList := reactor.NewTimerList()
	l.AddLoopHandler(reactor.NewTimerDriver(timerList))

	accepted := make(chan *netio.Connection, 1)
	acceptor := netio.NewAcceptor("127.0.0.1", port, l)
	if !acceptor.IsListenOk() {
		t.Fatal("acceptor failed to listen")
	}
	acceptor.SetOnNewConnection(func(c *netio.Connection) { accepted <- c })

	connected := make(chan *netio.Connection, 1)
	connector := netio.NewConnector("127.0.0.1", port, l)
	connector.Connect(func(c *netio.Connection) { connected <- c })

	go l.Run()
	t.Cleanup(l.Stop)

	select {
	case serverRaw = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}
	select {
	case clientRaw = <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect")
	}
	if clientRaw == nil {
		t.Fatal("connect failed")
	}
	return l, timerList, serverRaw, clientRaw
}

// TestHandshakeThenDataRoundTrip drives a full client/server handshake over
// real non-blocking sockets and then exchanges application payloads in both
// directions, verifying the decrypted bytes match what was sent.
func TestHandshakeThenDataRoundTrip(t *testing.T) {
	_, timers, serverRaw, clientRaw := newRawPair(t, 19201)
	key := []byte("shared-tunnel-key")

	server, err := NewServerSide(serverRaw, timers, key)
	if err != nil {
		t.Fatalf("NewServerSide: %v", err)
	}
	client, err := NewClientSide(clientRaw, timers, key)
	if err != nil {
		t.Fatalf("NewClientSide: %v", err)
	}

	handshakeOK := make(chan struct{}, 1)
	client.SetHandshakeOKHandler(func() { handshakeOK <- struct{}{} })

	select {
	case <-handshakeOK:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client handshake to complete")
	}

	serverData := make(chan []byte, 1)
	server.SetDataHandler(func(p []byte) { serverData <- append([]byte(nil), p...) })
	clientData := make(chan []byte, 1)
	client.SetDataHandler(func(p []byte) { clientData <- append([]byte(nil), p...) })

	if err := client.Send([]byte("hello from client")); err != nil {
		t.Fatalf("client.Send: %v", err)
	}
	select {
	case got := <-serverData:
		if string(got) != "hello from client" {
			t.Fatalf("server got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to receive data")
	}

	if err := server.Send([]byte("hello from server")); err != nil {
		t.Fatalf("server.Send: %v", err)
	}
	select {
	case got := <-clientData:
		if string(got) != "hello from server" {
			t.Fatalf("client got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client to receive data")
	}
}

// TestSendBeforeHandshakeFails verifies Send refuses to operate outside the
// Running state.
func TestSendBeforeHandshakeFails(t *testing.T) {
	_, timers, serverRaw, _ := newRawPair(t, 19202)
	server, err := NewServerSide(serverRaw, timers, []byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if err := server.Send([]byte("too early")); err != ErrNotRunning {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

// TestMismatchedKeysFailHandshake verifies that a client using a different
// key than the server produces a fatal error during the VERIFY_DATA check
// rather than silently proceeding into Running state.
func TestMismatchedKeysFailHandshake(t *testing.T) {
	_, timers, serverRaw, clientRaw := newRawPair(t, 19203)

	serverErr := make(chan struct{}, 1)
	server, err := NewServerSide(serverRaw, timers, []byte("server-key"))
	if err != nil {
		t.Fatal(err)
	}
	server.SetErrorHandler(func() { serverErr <- struct{}{} })

	client, err := NewClientSide(clientRaw, timers, []byte("different-client-key"))
	if err != nil {
		t.Fatal(err)
	}
	handshakeOK := make(chan struct{}, 1)
	client.SetHandshakeOKHandler(func() { handshakeOK <- struct{}{} })

	select {
	case <-serverErr:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the server to reject the mismatched VERIFY_DATA")
	}

	select {
	case <-handshakeOK:
		t.Fatal("client should not reach Running with a mismatched key")
	case <-time.After(200 * time.Millisecond):
	}
}

// TestHeartbeatIsConsumedSilently verifies that a zero-length heartbeat
// frame reaches the peer's framing layer without being handed to the data
// handler and without disturbing handshake state.
func TestHeartbeatIsConsumedSilently(t *testing.T) {
	_, timers, serverRaw, clientRaw := newRawPair(t, 19204)
	key := []byte("heartbeat-key")

	server, err := NewServerSide(serverRaw, timers, key)
	if err != nil {
		t.Fatal(err)
	}
	client, err := NewClientSide(clientRaw, timers, key)
	if err != nil {
		t.Fatal(err)
	}

	handshakeOK := make(chan struct{}, 1)
	client.SetHandshakeOKHandler(func() { handshakeOK <- struct{}{} })
	select {
	case <-handshakeOK:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handshake")
	}

	gotData := make(chan []byte, 1)
	server.SetDataHandler(func(p []byte) { gotData <- p })

	client.heartbeatTimer.Cancel()
	client.handleHeartbeat()

	// Follow the heartbeat with a real payload; if the heartbeat confused
	// the framing state the payload would arrive corrupted or not at all.
	if err := client.Send([]byte("after-heartbeat")); err != nil {
		t.Fatalf("client.Send: %v", err)
	}
	select {
	case got := <-gotData:
		if string(got) != "after-heartbeat" {
			t.Fatalf("expected payload to survive the heartbeat, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the post-heartbeat payload")
	}
}

// TestAliveTimeoutFiresErrorHandler verifies that firing the alive timer
// directly invokes the error handler exactly once.
func TestAliveTimeoutFiresErrorHandler(t *testing.T) {
	_, timers, serverRaw, _ := newRawPair(t, 19205)
	server, err := NewServerSide(serverRaw, timers, []byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	calls := 0
	server.SetErrorHandler(func() { calls++ })

	server.handleAliveTimeout()
	server.handleAliveTimeout() // a second firing must not reach the handler again

	if calls != 1 {
		t.Fatalf("expected the error handler to fire exactly once on alive timeout, got %d", calls)
	}
}

// TestInboundByteResetsAliveTimer verifies the keepalive property that
// inbound traffic keeps pushing the alive deadline forward: with a short
// custom alive timeout, a peer that keeps sending stays alive well past
// what the original deadline would have allowed, while one that goes
// silent trips the error handler once the timeout elapses.
func TestInboundByteResetsAliveTimer(t *testing.T) {
	_, timers, serverRaw, clientRaw := newRawPair(t, 19206)
	key := []byte("k")

	server, err := newConnection(serverRaw, timers, key, stateAccepting, 80*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	client, err := newConnection(clientRaw, timers, key, stateConnecting, 80*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	handshakeOK := make(chan struct{}, 1)
	client.SetHandshakeOKHandler(func() { handshakeOK <- struct{}{} })
	select {
	case <-handshakeOK:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handshake")
	}

	fired := make(chan struct{}, 1)
	server.SetErrorHandler(func() { fired <- struct{}{} })

	// Keep sending well inside the 80ms window, for longer than the
	// original deadline would have allowed without resets.
	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) {
		if err := client.Send([]byte("x")); err != nil {
			t.Fatalf("client.Send: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case <-fired:
		t.Fatal("alive timer fired despite steady inbound traffic")
	default:
	}

	// Now go silent and confirm the timeout does eventually fire.
	select {
	case <-fired:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected the alive timer to fire after inbound silence")
	}
}
