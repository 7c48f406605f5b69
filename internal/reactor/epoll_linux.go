//go:build linux

package reactor

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// pollTimeout bounds how long a single epoll_wait/kevent call may block, so
// that loop handlers (timers, in particular) still get ticked even when no
// fd is ready.
const pollTimeout = 20 * time.Millisecond

type epollReg struct {
	id      HandlerID
	fd      int
	handler EventHandler
}

type epollLoop struct {
	epfd   int
	mu     sync.Mutex
	nextID HandlerID
	byID   map[HandlerID]*epollReg
	byFD   map[int]*epollReg

	loopHandlers loopHandlerSet
	stopping     chan struct{}
	stopOnce     sync.Once
}

func newPlatformLoop() (Loop, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollLoop{
		epfd:     fd,
		byID:     make(map[HandlerID]*epollReg),
		byFD:     make(map[int]*epollReg),
		stopping: make(chan struct{}),
	}, nil
}

func toEpollEvents(m EventMask) uint32 {
	var ev uint32
	if m&EventRead != 0 {
		ev |= unix.EPOLLIN
	}
	if m&EventWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (l *epollLoop) AddEventHandler(h EventHandler) (HandlerID, error) {
	fd := h.Fd()
	ev := unix.EpollEvent{Events: toEpollEvents(h.EnabledEvents()), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return 0, err
	}

	l.mu.Lock()
	l.nextID++
	id := l.nextID
	reg := &epollReg{id: id, fd: fd, handler: h}
	l.byID[id] = reg
	l.byFD[fd] = reg
	l.mu.Unlock()

	return id, nil
}

func (l *epollLoop) DelEventHandler(id HandlerID) {
	l.mu.Lock()
	reg, ok := l.byID[id]
	if !ok {
		l.mu.Unlock()
		return
	}
	delete(l.byID, id)
	delete(l.byFD, reg.fd)
	l.mu.Unlock()

	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, reg.fd, nil)
}

func (l *epollLoop) UpdateEvents(id HandlerID) error {
	l.mu.Lock()
	reg, ok := l.byID[id]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	ev := unix.EpollEvent{Events: toEpollEvents(reg.handler.EnabledEvents()), Fd: int32(reg.fd)}
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, reg.fd, &ev)
}

func (l *epollLoop) AddLoopHandler(lh LoopHandler) { l.loopHandlers.add(lh) }
func (l *epollLoop) DelLoopHandler(lh LoopHandler) { l.loopHandlers.del(lh) }

func (l *epollLoop) Run() error {
	events := make([]unix.EpollEvent, 256)
	timeoutMs := int(pollTimeout / time.Millisecond)
	for {
		select {
		case <-l.stopping:
			l.loopHandlers.shutdown()
			return nil
		default:
		}

		n, err := unix.EpollWait(l.epfd, events, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			l.mu.Lock()
			reg, ok := l.byFD[fd]
			l.mu.Unlock()
			if !ok {
				// Deregistered between epoll_wait returning and us
				// processing this slot; skip it.
				continue
			}

			flags := events[i].Events
			readable := flags&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0
			writable := flags&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0
			if readable {
				reg.handler.OnReadable()
			}
			if writable {
				// The read callback may have torn down this handler
				// (e.g. on EOF); don't dispatch to a dead registration.
				l.mu.Lock()
				_, stillRegistered := l.byFD[fd]
				l.mu.Unlock()
				if stillRegistered {
					reg.handler.OnWritable()
				}
			}
		}

		l.loopHandlers.tick()
	}
}

func (l *epollLoop) Stop() {
	l.stopOnce.Do(func() { close(l.stopping) })
}
