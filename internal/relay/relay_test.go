package relay

import (
	"testing"
	"time"

	"github.com/quietproxy/snet/internal/netio"
	"github.com/quietproxy/snet/internal/reactor"
	"github.com/quietproxy/snet/internal/resolver"
)

// TestConnectHostSuccessRoundTrip resolves "localhost", connects to a
// locally listening port, and exchanges a payload both ways.
func TestConnectHostSuccessRoundTrip(t *testing.T) {
	loop, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	res := resolver.New(2)
	loop.AddLoopHandler(res)
	t.Cleanup(res.Close)

	const port = 19401
	accepted := make(chan *netio.Connection, 1)
	acceptor := netio.NewAcceptor("127.0.0.1", port, loop)
	if !acceptor.IsListenOk() {
		t.Fatal("acceptor failed to listen")
	}
	acceptor.SetOnNewConnection(func(c *netio.Connection) { accepted <- c })

	go loop.Run()
	t.Cleanup(loop.Stop)

	client := NewClient(port, loop, res)
	events := make(chan Event, 8)
	client.SetEventHandler(func(e Event) { events <- e })
	dataCh := make(chan []byte, 1)
	client.SetDataHandler(func(p []byte) { dataCh <- append([]byte(nil), p...) })

	client.ConnectHost("localhost")

	select {
	case e := <-events:
		if e != ConnectServerSuccess {
			t.Fatalf("expected ConnectServerSuccess, got %v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ConnectServerSuccess")
	}

	var upstream *netio.Connection
	select {
	case upstream = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the upstream accept")
	}

	upstreamData := make(chan []byte, 1)
	upstream.SetOnReceivable(func() {
		buf := netio.NewBuffer(make([]byte, 64))
		n, err := upstream.Recv(buf)
		if err == nil && n > 0 {
			upstreamData <- append([]byte(nil), buf.Data[:n]...)
		}
	})

	client.Send([]byte("ping"))
	select {
	case got := <-upstreamData:
		if string(got) != "ping" {
			t.Fatalf("upstream got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upstream to receive data")
	}

	if err := upstream.Send(netio.NewBuffer([]byte("pong"))); err != nil {
		t.Fatalf("upstream send: %v", err)
	}
	select {
	case got := <-dataCh:
		if string(got) != "pong" {
			t.Fatalf("client got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client to receive data")
	}
}

// TestConnectHostResolveFailureFiresEvent verifies that resolving a
// nonexistent host reports AddrInfoResolveFail rather than hanging.
func TestConnectHostResolveFailureFiresEvent(t *testing.T) {
	loop, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	res := resolver.New(1)
	loop.AddLoopHandler(res)
	t.Cleanup(res.Close)

	go loop.Run()
	t.Cleanup(loop.Stop)

	client := NewClient(1234, loop, res)
	events := make(chan Event, 1)
	client.SetEventHandler(func(e Event) { events <- e })

	client.ConnectHost("this-host-definitely-does-not-exist.invalid")

	select {
	case e := <-events:
		if e != AddrInfoResolveFail {
			t.Fatalf("expected AddrInfoResolveFail, got %v", e)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for AddrInfoResolveFail")
	}
}

// TestConnectServerFailWhenNothingListening verifies ConnectServerFail
// fires once every resolved address has been tried and none accepted.
func TestConnectServerFailWhenNothingListening(t *testing.T) {
	loop, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	res := resolver.New(1)
	loop.AddLoopHandler(res)
	t.Cleanup(res.Close)

	go loop.Run()
	t.Cleanup(loop.Stop)

	const nothingListeningPort = 19402
	client := NewClient(nothingListeningPort, loop, res)
	events := make(chan Event, 1)
	client.SetEventHandler(func(e Event) { events <- e })

	client.ConnectHost("localhost")

	select {
	case e := <-events:
		if e != ConnectServerFail {
			t.Fatalf("expected ConnectServerFail, got %v", e)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ConnectServerFail")
	}
}
