// Package reactor implements the single-threaded, readiness-based event
// loop that every other package in this module is driven by: one fd-backed
// poller (epoll on Linux, kqueue on BSD/Darwin, a single poll(2) loop
// elsewhere), a per-iteration set of loop handlers ticked once per pass, and
// a generic MPSC queue used to hand work back onto the loop goroutine from
// other goroutines (resolver workers, in particular).
package reactor

import "fmt"

// EventMask is a bitmask of readiness conditions a handler can be
// registered for.
type EventMask uint8

const (
	// EventRead indicates the fd is readable (or a listening socket has a
	// pending connection).
	EventRead EventMask = 1 << iota
	// EventWrite indicates the fd is writable (or a connecting socket has
	// finished its handshake, successfully or not).
	EventWrite
)

func (m EventMask) String() string {
	switch m {
	case 0:
		return "none"
	case EventRead:
		return "read"
	case EventWrite:
		return "write"
	case EventRead | EventWrite:
		return "read|write"
	default:
		return fmt.Sprintf("EventMask(%d)", uint8(m))
	}
}

// HandlerID is an opaque handle returned by AddEventHandler. It carries no
// relationship to the underlying fd or to any pointer identity; callers use
// it solely to address DelEventHandler/UpdateEvents at the same
// registration.
type HandlerID uint64

// EventHandler is implemented by anything that owns a file descriptor and
// wants to be woken when it becomes readable or writable. Events reports
// the full set of conditions the handler is ever interested in (used by
// backends, such as kqueue, that register read and write interest as
// separate kernel filters); EnabledEvents reports the subset that should
// currently trigger callbacks. A handler toggles EnabledEvents over its
// lifetime (e.g. disabling EventWrite once its outbound buffer drains) and
// then calls Loop.UpdateEvents to push the change to the poller.
type EventHandler interface {
	Fd() int
	Events() EventMask
	EnabledEvents() EventMask
	OnReadable()
	OnWritable()
}

// LoopHandler is ticked once per reactor iteration, after any ready events
// for that iteration have been dispatched. TimerDriver is the canonical
// user: it is the mechanism by which timers, which have no fd of their own,
// get a chance to fire. OnShutdown runs exactly once, when the loop is
// asked to stop, after the last OnTick.
type LoopHandler interface {
	OnTick()
	OnShutdown()
}
