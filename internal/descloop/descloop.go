// Package descloop implements the single-threaded, cooperatively scheduled
// descriptor readiness loop: a dynamic set of file descriptors, each with a
// read callback, watched by one goroutine via golang.org/x/sys/unix.Poll.
package descloop

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	cerrors "turbulenced/errors"
	"turbulenced/logging"
)

// OnReadFunc is invoked when fd becomes readable. ctx1/ctx2 are opaque
// values supplied at registration time, passed back unchanged, mirroring
// the two-context-pointer callback shape of the original loop. Returning
// false drops fd from the watched set.
type OnReadFunc func(fd int, ctx1, ctx2 any) bool

// watchedFD is one entry in the loop's live set.
type watchedFD struct {
	fd     int
	onRead OnReadFunc
	ctx1   any
	ctx2   any
}

// msgKind distinguishes inbox message types.
type msgKind int

const (
	addMsg msgKind = iota
	removeMsg
	stopMsg
)

// inboxMsg is the loop's single message type, carrying only the fields
// relevant to its kind.
type inboxMsg struct {
	kind   msgKind
	fd     int
	onRead OnReadFunc
	ctx1   any
	ctx2   any
	reply  chan struct{}
}

// pollInterval bounds how long one Poll() call blocks before re-draining
// the inbox, so Register/Unregister/Stop are never starved by a long-lived
// readable set.
const pollInterval = 250 * time.Millisecond

// Loop is a running descriptor readiness watcher. The zero value is not
// valid; use New.
type Loop struct {
	inbox chan inboxMsg

	mu      sync.Mutex // guards fds, for Len() introspection only
	fds     map[int]*watchedFD
	done    chan struct{}
	stopped bool
}

// New starts a Loop goroutine and returns a handle to it.
func New() *Loop {
	l := &Loop{
		inbox: make(chan inboxMsg, 64),
		fds:   make(map[int]*watchedFD),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

// Register adds fd to the watched set. Registration is asynchronous: it is
// guaranteed to be applied before any inbox message sent after this call
// returns, per the loop's FIFO inbox ordering.
func (l *Loop) Register(fd int, onRead OnReadFunc, ctx1, ctx2 any) {
	l.inbox <- inboxMsg{kind: addMsg, fd: fd, onRead: onRead, ctx1: ctx1, ctx2: ctx2}
}

// Unregister removes fd from the watched set. If reply is non-nil it is
// closed once the removal has been applied by the loop goroutine.
func (l *Loop) Unregister(fd int, reply chan struct{}) {
	l.inbox <- inboxMsg{kind: removeMsg, fd: fd, reply: reply}
}

// Stop drains the inbox and exits the loop goroutine. Stop is unconditional:
// it does not wait for in-flight callbacks to finish beyond the one
// currently executing.
func (l *Loop) Stop() {
	l.inbox <- inboxMsg{kind: stopMsg}
	<-l.done
}

// Len returns the number of currently watched descriptors. Intended for
// tests and diagnostics only.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fds)
}

func (l *Loop) run() {
	defer close(l.done)

	for {
		l.drainInbox()
		if l.stopped {
			return
		}

		l.mu.Lock()
		n := len(l.fds)
		l.mu.Unlock()

		if n == 0 {
			// Nothing to watch; sleep for one tick so new registrations
			// are picked up promptly without busy-spinning.
			select {
			case msg := <-l.inbox:
				l.apply(msg)
				if l.stopped {
					return
				}
			case <-time.After(pollInterval):
			}
			continue
		}

		pollFds := l.buildPollSet()
		n, err := unix.Poll(pollFds, int(pollInterval/time.Millisecond))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			logging.Error("descloop: poll failed", "error", err)
			continue
		}
		if n == 0 {
			continue
		}

		l.dispatch(pollFds)
	}
}

// drainInbox applies every inbox message currently queued without blocking,
// preserving FIFO order.
func (l *Loop) drainInbox() {
	for {
		select {
		case msg := <-l.inbox:
			l.apply(msg)
			if l.stopped {
				return
			}
		default:
			return
		}
	}
}

func (l *Loop) apply(msg inboxMsg) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch msg.kind {
	case addMsg:
		l.fds[msg.fd] = &watchedFD{fd: msg.fd, onRead: msg.onRead, ctx1: msg.ctx1, ctx2: msg.ctx2}
	case removeMsg:
		delete(l.fds, msg.fd)
		if msg.reply != nil {
			close(msg.reply)
		}
	case stopMsg:
		l.stopped = true
	}
}

func (l *Loop) buildPollSet() []unix.PollFd {
	l.mu.Lock()
	defer l.mu.Unlock()

	pollFds := make([]unix.PollFd, 0, len(l.fds))
	for fd := range l.fds {
		pollFds = append(pollFds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}
	return pollFds
}

// dispatch runs at most one callback per ready fd, dropping any fd whose
// callback returns false or that Poll reported as invalid (POLLNVAL,
// spec.md §4.3's EBADF case).
func (l *Loop) dispatch(pollFds []unix.PollFd) {
	for _, pfd := range pollFds {
		if pfd.Revents == 0 {
			continue
		}

		fd := int(pfd.Fd)
		if pfd.Revents&unix.POLLNVAL != 0 {
			l.dropBroken(fd)
			continue
		}
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
			continue
		}

		l.mu.Lock()
		w, ok := l.fds[fd]
		l.mu.Unlock()
		if !ok {
			continue
		}

		if !w.onRead(fd, w.ctx1, w.ctx2) {
			l.mu.Lock()
			delete(l.fds, fd)
			l.mu.Unlock()
		}
	}
}

// dropBroken removes fd without invoking its callback, rather than aborting
// the process. Poll's POLLNVAL already names the invalid fd, so the loop
// drops it without calling Probe first.
func (l *Loop) dropBroken(fd int) {
	logging.Warn("descloop: dropping broken descriptor", "fd", fd)
	l.mu.Lock()
	delete(l.fds, fd)
	l.mu.Unlock()
}

// Probe performs the zero-byte peek spec.md §4.3 describes for confirming a
// descriptor is actually broken before dropping it.
func Probe(fd int) error {
	var buf [1]byte
	_, err := unix.Read(fd, buf[:0])
	if err != nil && err != unix.EAGAIN {
		return cerrors.Wrap(err, cerrors.ErrTransportFault, "descloop.Probe")
	}
	return nil
}
