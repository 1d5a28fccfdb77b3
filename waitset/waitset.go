// Package waitset implements component K: a multiplexer over multiple
// event listeners and interval timers. Grounded on
// go-server/pkg/websocket/netpoll.go's EpollServer, generalized from
// epolling accept-ready listening sockets to epolling eventfds (each
// backing an attached ports/event.Listener's whole watch set) and
// timerfds (each backing an attach_interval request).
package waitset

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"shmipc/internal/ipcerr"
)

// SignalHandlingMode controls whether WaitAndProcess installs a signal
// handler, per spec.md §5's cancellation model.
type SignalHandlingMode int

const (
	// HandleTerminationRequests installs a SIGINT/SIGTERM handler; a
	// received signal causes WaitAndProcess to return ipcerr.ErrInterrupt
	// or ipcerr.ErrTerminationRequest.
	HandleTerminationRequests SignalHandlingMode = iota
	// Disabled installs no signal handler.
	Disabled
)

// Action is returned by a WaitAndProcess callback to control looping.
type Action int

const (
	// Continue moves WaitAndProcess on to the next ready attachment of the
	// current wake-up; it returns once every ready attachment is handled.
	Continue Action = iota
	// Stop ends WaitAndProcess after this callback returns.
	Stop
)

// Watchable is anything a WaitSet can multiplex readiness over: something
// backed by one or more pollable file descriptors, such as
// ports/event.Listener's eventfd-backed watch set.
type Watchable interface {
	FDs() ([]int, error)
}

// Guard keeps an attachment registered with its WaitSet; dropping it (via
// Close) detaches safely even concurrently with a WaitAndProcess call, per
// spec.md 4.K's cooperative cancellation model.
type Guard struct {
	ws *WaitSet
	id uint64
}

// Close detaches the attachment this Guard holds.
func (g *Guard) Close() error {
	return g.ws.detach(g.id)
}

type attachment struct {
	fds     []int
	isTimer bool
	timerFD int
}

// WaitSet multiplexes notification listeners and interval timers over one
// epoll instance.
type WaitSet struct {
	epfd int

	mu          sync.Mutex
	attachments map[uint64]*attachment
	byFD        map[int]uint64
	nextID      uint64

	sigMode SignalHandlingMode
	sigCh   chan os.Signal
}

// New creates a WaitSet. With HandleTerminationRequests, a SIGINT/SIGTERM
// handler is installed immediately so a signal received before the first
// WaitAndProcess call is not lost.
func New(mode SignalHandlingMode) (*WaitSet, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	ws := &WaitSet{
		epfd:        epfd,
		attachments: make(map[uint64]*attachment),
		byFD:        make(map[int]uint64),
		sigMode:     mode,
	}
	if mode == HandleTerminationRequests {
		ws.sigCh = make(chan os.Signal, 1)
		signal.Notify(ws.sigCh, os.Interrupt, syscall.SIGTERM)
	}
	return ws, nil
}

// AttachNotification registers w's whole watch set as one attachment,
// identified by the id WaitAndProcess's callback receives when any of its
// underlying fds becomes ready.
func (ws *WaitSet) AttachNotification(w Watchable) (*Guard, error) {
	fds, err := w.FDs()
	if err != nil {
		return nil, err
	}
	return ws.attach(&attachment{fds: fds}, fds)
}

// AttachInterval registers a recurring timer that fires every d,
// identified by its own attachment id.
func (ws *WaitSet) AttachInterval(d time.Duration) (*Guard, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	spec := unix.ItimerSpec{
		Interval: unix.NsecToTimespec(d.Nanoseconds()),
		Value:    unix.NsecToTimespec(d.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return ws.attach(&attachment{fds: []int{fd}, isTimer: true, timerFD: fd}, []int{fd})
}

func (ws *WaitSet) attach(a *attachment, fds []int) (*Guard, error) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	ws.nextID++
	id := ws.nextID

	for _, fd := range fds {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(ws.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			for _, prior := range fds {
				if prior == fd {
					break
				}
				unix.EpollCtl(ws.epfd, unix.EPOLL_CTL_DEL, prior, nil)
			}
			if a.isTimer {
				unix.Close(a.timerFD)
			}
			return nil, err
		}
		ws.byFD[fd] = id
	}
	ws.attachments[id] = a

	return &Guard{ws: ws, id: id}, nil
}

func (ws *WaitSet) detach(id uint64) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	a, ok := ws.attachments[id]
	if !ok {
		return nil
	}
	for _, fd := range a.fds {
		unix.EpollCtl(ws.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		delete(ws.byFD, fd)
	}
	if a.isTimer {
		unix.Close(a.timerFD)
	}
	delete(ws.attachments, id)
	return nil
}

// Callback is invoked by WaitAndProcess once per ready attachment, with
// the id returned by the Attach* call that registered it.
type Callback func(attachmentID uint64) Action

// WaitAndProcess blocks until at least one attachment is ready or timeout
// elapses (timeout <= 0 blocks indefinitely), calling cb for every ready
// attachment in this wake-up until cb returns Stop or every ready
// attachment has been handled. With HandleTerminationRequests, a pending
// SIGINT/SIGTERM is checked on entry and makes it return at once; a signal
// that arrives while it is blocked does not end the wait and is reported
// by the next call.
func (ws *WaitSet) WaitAndProcess(timeout time.Duration, cb Callback) error {
	if ws.sigMode == HandleTerminationRequests {
		select {
		case sig := <-ws.sigCh:
			if sig == syscall.SIGTERM {
				return ipcerr.ErrTerminationRequest
			}
			return ipcerr.ErrInterrupt
		default:
		}
	}

	timeoutMs := -1
	if timeout > 0 {
		timeoutMs = int(timeout.Milliseconds())
	}

	events := make([]unix.EpollEvent, 64)
	n, err := unix.EpollWait(ws.epfd, events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}

	seen := make(map[uint64]bool, n)
	var ids []uint64
	ws.mu.Lock()
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if id, ok := ws.byFD[fd]; ok && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
		if a := ws.attachmentForFD(fd); a != nil && a.isTimer {
			drainTimer(fd)
		}
	}
	ws.mu.Unlock()

	for _, id := range ids {
		if cb(id) == Stop {
			return nil
		}
	}
	return nil
}

func (ws *WaitSet) attachmentForFD(fd int) *attachment {
	id, ok := ws.byFD[fd]
	if !ok {
		return nil
	}
	return ws.attachments[id]
}

func drainTimer(fd int) {
	var buf [8]byte
	unix.Read(fd, buf[:])
}

// Close releases the epoll instance and every attached timerfd. It does
// not close eventfds owned by attached Watchables (e.g. a
// ports/event.Listener's transport), since WaitSet never created those.
func (ws *WaitSet) Close() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for id, a := range ws.attachments {
		if a.isTimer {
			unix.Close(a.timerFD)
		}
		delete(ws.attachments, id)
	}
	return unix.Close(ws.epfd)
}
