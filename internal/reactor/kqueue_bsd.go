//go:build darwin || freebsd || netbsd || openbsd

package reactor

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

type kqueueReg struct {
	id      HandlerID
	fd      int
	handler EventHandler
}

type kqueueLoop struct {
	kq     int
	mu     sync.Mutex
	nextID HandlerID
	byID   map[HandlerID]*kqueueReg
	byFD   map[int]*kqueueReg

	loopHandlers loopHandlerSet
	stopping     chan struct{}
	stopOnce     sync.Once
}

func newPlatformLoop() (Loop, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	return &kqueueLoop{
		kq:       fd,
		byID:     make(map[HandlerID]*kqueueReg),
		byFD:     make(map[int]*kqueueReg),
		stopping: make(chan struct{}),
	}, nil
}

// kqueue tracks read and write interest as two independent filters, unlike
// epoll's single combined event mask, so every (de)registration change is
// expressed as up to two EV_SET changelist entries.
func kqueueChanges(fd int, enabled EventMask, add bool) []unix.Kevent_t {
	var changes []unix.Kevent_t
	if add {
		if enabled&EventRead != 0 {
			changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_ENABLE})
		} else {
			changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_DISABLE})
		}
		if enabled&EventWrite != 0 {
			changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD | unix.EV_ENABLE})
		} else {
			changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD | unix.EV_DISABLE})
		}
		return changes
	}

	if enabled&EventRead != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ENABLE})
	} else {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DISABLE})
	}
	if enabled&EventWrite != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ENABLE})
	} else {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DISABLE})
	}
	return changes
}

func (l *kqueueLoop) AddEventHandler(h EventHandler) (HandlerID, error) {
	fd := h.Fd()
	changes := kqueueChanges(fd, h.EnabledEvents(), true)
	if _, err := unix.Kevent(l.kq, changes, nil, nil); err != nil {
		return 0, err
	}

	l.mu.Lock()
	l.nextID++
	id := l.nextID
	reg := &kqueueReg{id: id, fd: fd, handler: h}
	l.byID[id] = reg
	l.byFD[fd] = reg
	l.mu.Unlock()

	return id, nil
}

func (l *kqueueLoop) DelEventHandler(id HandlerID) {
	l.mu.Lock()
	reg, ok := l.byID[id]
	if !ok {
		l.mu.Unlock()
		return
	}
	delete(l.byID, id)
	delete(l.byFD, reg.fd)
	l.mu.Unlock()

	delRead := unix.Kevent_t{Ident: uint64(reg.fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE}
	delWrite := unix.Kevent_t{Ident: uint64(reg.fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE}
	_, _ = unix.Kevent(l.kq, []unix.Kevent_t{delRead, delWrite}, nil, nil)
}

func (l *kqueueLoop) UpdateEvents(id HandlerID) error {
	l.mu.Lock()
	reg, ok := l.byID[id]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	changes := kqueueChanges(reg.fd, reg.handler.EnabledEvents(), false)
	_, err := unix.Kevent(l.kq, changes, nil, nil)
	return err
}

func (l *kqueueLoop) AddLoopHandler(lh LoopHandler) { l.loopHandlers.add(lh) }
func (l *kqueueLoop) DelLoopHandler(lh LoopHandler) { l.loopHandlers.del(lh) }

func (l *kqueueLoop) Run() error {
	events := make([]unix.Kevent_t, 256)
	timeout := unix.NsecToTimespec(pollTimeout.Nanoseconds())
	for {
		select {
		case <-l.stopping:
			l.loopHandlers.shutdown()
			return nil
		default:
		}

		n, err := unix.Kevent(l.kq, nil, events, &timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Ident)
			l.mu.Lock()
			reg, ok := l.byFD[fd]
			l.mu.Unlock()
			if !ok {
				continue
			}

			switch ev.Filter {
			case unix.EVFILT_READ:
				reg.handler.OnReadable()
			case unix.EVFILT_WRITE:
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

func (l *kqueueLoop) Stop() {
	l.stopOnce.Do(func() { close(l.stopping) })
}

const pollTimeout = 20 * time.Millisecond
