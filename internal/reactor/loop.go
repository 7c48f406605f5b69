package reactor

import "sync"

// Loop is the reactor's public surface: register/deregister fd-backed
// handlers, register/deregister per-tick handlers, and run until Stop is
// called. A Loop is not safe for concurrent use from multiple goroutines —
// it is meant to be owned and driven by a single goroutine, with
// cross-goroutine handoff going through a MessageQueue drained by a
// LoopHandler (see internal/resolver for the canonical example).
type Loop interface {
	// AddEventHandler registers h for the events it reports via
	// EnabledEvents and returns an opaque id for later Del/Update calls.
	AddEventHandler(h EventHandler) (HandlerID, error)
	// DelEventHandler deregisters the handler previously returned by
	// AddEventHandler. It is a no-op if id is unknown (already removed).
	DelEventHandler(id HandlerID)
	// UpdateEvents re-syncs the kernel's registration for id with the
	// handler's current EnabledEvents(). Call this whenever a handler
	// changes which events it wants to be notified for.
	UpdateEvents(id HandlerID) error
	// AddLoopHandler registers lh to be ticked once per iteration.
	AddLoopHandler(lh LoopHandler)
	// DelLoopHandler deregisters lh. Safe to call from within OnTick.
	DelLoopHandler(lh LoopHandler)
	// Run blocks, dispatching events and ticking loop handlers, until
	// Stop is called.
	Run() error
	// Stop asks Run to return after the current iteration. Safe to call
	// from any goroutine.
	Stop()
}

// New returns the platform's native reactor backend: epoll on Linux,
// kqueue on the BSDs and Darwin, and a poll(2)-based fallback everywhere
// else. See epoll_linux.go, kqueue_bsd.go and portable.go.
func New() (Loop, error) {
	return newPlatformLoop()
}

// loopHandlerSet is the bookkeeping shared by every backend for the
// per-tick handler list: a handler may add or remove itself (or another
// handler) from within OnTick, so mutation never happens while the set is
// being iterated.
type loopHandlerSet struct {
	mu       sync.Mutex
	handlers []LoopHandler
}

func (s *loopHandlerSet) add(lh LoopHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, lh)
}

func (s *loopHandlerSet) del(lh LoopHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, h := range s.handlers {
		if h == lh {
			s.handlers = append(s.handlers[:i], s.handlers[i+1:]...)
			return
		}
	}
}

// snapshot returns a copy of the current handler list so Tick/Shutdown can
// iterate without holding the lock across user callbacks.
func (s *loopHandlerSet) snapshot() []LoopHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LoopHandler, len(s.handlers))
	copy(out, s.handlers)
	return out
}

func (s *loopHandlerSet) tick() {
	for _, lh := range s.snapshot() {
		lh.OnTick()
	}
}

func (s *loopHandlerSet) shutdown() {
	for _, lh := range s.snapshot() {
		lh.OnShutdown()
	}
}
