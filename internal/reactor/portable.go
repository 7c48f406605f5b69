//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd

package reactor

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// portableLoop is the fallback backend for platforms without a dedicated
// epoll or kqueue implementation in this package. It uses poll(2), which
// x/sys/unix exposes on every remaining unix-family GOOS, rather than
// spinning one goroutine per connection: the spec's fairness and ordering
// guarantees (read before write, one pass per tick) are easiest to keep
// when a single call drives every fd, the same shape as the native
// backends.
type portableReg struct {
	id      HandlerID
	fd      int
	handler EventHandler
}

type portableLoop struct {
	mu     sync.Mutex
	nextID HandlerID
	byID   map[HandlerID]*portableReg
	byFD   map[int]*portableReg

	loopHandlers loopHandlerSet
	stopping     chan struct{}
	stopOnce     sync.Once
}

func newPlatformLoop() (Loop, error) {
	return &portableLoop{
		byID:     make(map[HandlerID]*portableReg),
		byFD:     make(map[int]*portableReg),
		stopping: make(chan struct{}),
	}, nil
}

const pollTimeout = 20 * time.Millisecond

func (l *portableLoop) AddEventHandler(h EventHandler) (HandlerID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	reg := &portableReg{id: id, fd: h.Fd(), handler: h}
	l.byID[id] = reg
	l.byFD[reg.fd] = reg
	return id, nil
}

func (l *portableLoop) DelEventHandler(id HandlerID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	reg, ok := l.byID[id]
	if !ok {
		return
	}
	delete(l.byID, id)
	delete(l.byFD, reg.fd)
}

func (l *portableLoop) UpdateEvents(id HandlerID) error {
	// Events are re-read from the handler on every poll pass, so there is
	// nothing to sync ahead of time.
	return nil
}

func (l *portableLoop) AddLoopHandler(lh LoopHandler) { l.loopHandlers.add(lh) }
func (l *portableLoop) DelLoopHandler(lh LoopHandler) { l.loopHandlers.del(lh) }

func (l *portableLoop) Run() error {
	for {
		select {
		case <-l.stopping:
			l.loopHandlers.shutdown()
			return nil
		default:
		}

		l.mu.Lock()
		fds := make([]unix.PollFd, 0, len(l.byFD))
		regs := make([]*portableReg, 0, len(l.byFD))
		for _, reg := range l.byFD {
			var events int16
			enabled := reg.handler.EnabledEvents()
			if enabled&EventRead != 0 {
				events |= unix.POLLIN
			}
			if enabled&EventWrite != 0 {
				events |= unix.POLLOUT
			}
			fds = append(fds, unix.PollFd{Fd: int32(reg.fd), Events: events})
			regs = append(regs, reg)
		}
		l.mu.Unlock()

		if len(fds) > 0 {
			_, err := unix.Poll(fds, int(pollTimeout/time.Millisecond))
			if err != nil && err != unix.EINTR {
				return err
			}
		} else {
			time.Sleep(pollTimeout)
		}

		for i, pfd := range fds {
			reg := regs[i]
			readable := pfd.Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0
			writable := pfd.Revents&(unix.POLLOUT|unix.POLLERR|unix.POLLHUP) != 0
			if readable {
				l.mu.Lock()
				_, stillRegistered := l.byFD[reg.fd]
				l.mu.Unlock()
				if stillRegistered {
					reg.handler.OnReadable()
				}
			}
			if writable {
				l.mu.Lock()
				_, stillRegistered := l.byFD[reg.fd]
				l.mu.Unlock()
				if stillRegistered {
					reg.handler.OnWritable()
				}
			}
		}

		l.loopHandlers.tick()
	}
}

func (l *portableLoop) Stop() {
	l.stopOnce.Do(func() { close(l.stopping) })
}
