package resolver

import (
	"net"
	"testing"
	"time"
)

func TestAsyncResolveLocalhost(t *testing.T) {
	r := New(2)
	defer r.Close()

	done := make(chan struct{}, 1)
	var gotIPs []net.IP
	var gotErr error

	r.AsyncResolve("localhost", func(ips []net.IP, err error) {
		gotIPs, gotErr = ips, err
		done <- struct{}{}
	})

	// OnTick normally runs on the reactor goroutine; drive it directly
	// here since this test has no Loop.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.OnTick()
		select {
		case <-done:
			if gotErr != nil {
				t.Fatalf("resolve localhost: %v", gotErr)
			}
			if len(gotIPs) == 0 {
				t.Fatal("expected at least one IPv4 address for localhost")
			}
			return
		default:
			time.Sleep(time.Millisecond)
		}
	}
	t.Fatal("timed out waiting for resolution")
}

func TestCancelRequestSuppressesCallback(t *testing.T) {
	r := New(1)
	defer r.Close()

	called := false
	req := r.AsyncResolve("localhost", func(ips []net.IP, err error) {
		called = true
	})
	r.CancelRequest(req)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.OnTick()
		time.Sleep(time.Millisecond)
	}
	if called {
		t.Fatal("cancelled request invoked its callback")
	}
}

func TestLeastLoadedBalancesAcrossWorkers(t *testing.T) {
	r := New(3)
	defer r.Close()

	// Force worker 0 and 1 busy, leave worker 2 idle.
	r.workers[0].inFlight.Add(5)
	r.workers[1].inFlight.Add(3)

	w := r.leastLoaded()
	if w != r.workers[2] {
		t.Fatal("expected the idle worker to be selected")
	}
}
