// Package resolver provides asynchronous hostname-to-IPv4 resolution for
// the reactor: a small pool of workers each resolve one request at a time
// with a blocking DNS lookup, and post results to a single shared queue
// that a LoopHandler drains once per reactor iteration. The original
// implementation parked one OS thread per worker; goroutines already give
// "a dedicated worker that blocks without stalling the reactor" for free,
// so that is the only part of the translation that changes — the
// load-balancing and draining shape is unchanged.
package resolver

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/quietproxy/snet/internal/errs"
	"github.com/quietproxy/snet/internal/reactor"
)

// Request identifies one outstanding resolution. It is returned by
// AsyncResolve so the caller can later Cancel it.
type Request struct {
	id        uint64
	host      string
	onResolve func([]net.IP, error)
	cancelled atomic.Bool
}

type result struct {
	req *Request
	ips []net.IP
	err error
}

type worker struct {
	requests *reactor.MessageQueue[*Request]
	inFlight atomic.Int64
}

// Resolver is a pool of worker goroutines plus the single result queue
// they feed. It implements reactor.LoopHandler: register it with a Loop
// via AddLoopHandler so OnTick gets a chance to drain resolved every
// iteration.
type Resolver struct {
	workers  []*worker
	resolved *reactor.MessageQueue[*result]
	nextID   atomic.Uint64
}

// New starts a pool of n worker goroutines. n must be at least 1.
func New(n int) *Resolver {
	if n < 1 {
		n = 1
	}
	r := &Resolver{resolved: reactor.NewMessageQueue[*result]()}
	for i := 0; i < n; i++ {
		w := &worker{requests: reactor.NewMessageQueue[*Request]()}
		r.workers = append(r.workers, w)
		go r.runWorker(w)
	}
	return r
}

// Close asks every worker goroutine to exit by queueing a stop sentinel
// behind whatever requests it already holds, so those are still resolved
// first. It does not wait for the workers, and results already in the
// shared queue are still delivered by later OnTick calls.
func (r *Resolver) Close() {
	for _, w := range r.workers {
		w.requests.Send(nil)
	}
}

// AsyncResolve resolves host to its IPv4 addresses on whichever worker
// currently has the fewest outstanding requests. onResolve is invoked from
// OnTick, i.e. on the reactor's own goroutine, never from a worker
// goroutine directly.
func (r *Resolver) AsyncResolve(host string, onResolve func([]net.IP, error)) *Request {
	req := &Request{id: r.nextID.Add(1), host: host, onResolve: onResolve}

	w := r.leastLoaded()
	w.inFlight.Add(1)
	w.requests.Send(req)

	return req
}

// CancelRequest detaches req's callback. The in-flight lookup still runs
// to completion (there is no way to interrupt getaddrinfo/LookupIPAddr
// mid-flight), but OnTick will silently drop the result instead of
// invoking onResolve.
func (r *Resolver) CancelRequest(req *Request) {
	req.cancelled.Store(true)
}

// OnTick implements reactor.LoopHandler by delivering every result that
// has arrived since the last tick.
func (r *Resolver) OnTick() {
	for {
		res, ok := r.resolved.TryRecv()
		if !ok {
			return
		}
		if res.req.cancelled.Load() || res.req.onResolve == nil {
			continue
		}
		res.req.onResolve(res.ips, res.err)
	}
}

// OnShutdown implements reactor.LoopHandler; the resolver has no
// loop-owned state to tear down (workers are stopped explicitly via
// Close).
func (r *Resolver) OnShutdown() {}

func (r *Resolver) leastLoaded() *worker {
	best := r.workers[0]
	min := best.inFlight.Load()
	for _, w := range r.workers[1:] {
		if c := w.inFlight.Load(); c < min {
			min = c
			best = w
		}
	}
	return best
}

func (r *Resolver) runWorker(w *worker) {
	for {
		req := w.requests.Recv()
		if req == nil {
			return
		}

		ips, err := lookupIPv4(req.host)
		r.resolved.Send(&result{req: req, ips: ips, err: err})
		w.inFlight.Add(-1)
	}
}

func lookupIPv4(host string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(context.Background(), host)
	if err != nil {
		return nil, errs.Wrap(errs.Resolve, "resolver.lookupIPv4", err)
	}

	var ips []net.IP
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			ips = append(ips, v4)
		}
	}
	return ips, nil
}
