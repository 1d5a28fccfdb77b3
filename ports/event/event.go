// Package event implements component J: Notifier/Listener ports over
// internal/event's eventfd-backed Transport. Every notifier and listener
// attached to one Event service shares the same Transport, since the
// kernel eventfd behind each id is the one thing that actually needs to be
// the same object across a notifier/listener pair.
package event

import (
	"time"

	"golang.org/x/sys/unix"

	"shmipc/internal/event"
	"shmipc/internal/ipcerr"
)

// Notifier is one process's signalling side of an Event service. It
// carries an optional default event id (notify_event_id in spec.md terms);
// Notify sends that id, NotifyWithCustomEventId sends any id up to
// maxEventId.
type Notifier struct {
	transport  *event.Transport
	defaultID  uint64
	maxEventID uint64
}

// NewNotifier creates a Notifier over transport. defaultID is the id
// Notify() sends; maxEventID bounds NotifyWithCustomEventId, per spec.md
// B3.
func NewNotifier(transport *event.Transport, defaultID, maxEventID uint64) *Notifier {
	return &Notifier{transport: transport, defaultID: defaultID, maxEventID: maxEventID}
}

// Notify sends this notifier's default event id.
func (n *Notifier) Notify() error {
	return n.transport.Notify(n.defaultID)
}

// NotifyWithCustomEventId sends id, failing with EventIdOutOfBounds if id
// exceeds event_id_max_value.
func (n *Notifier) NotifyWithCustomEventId(id uint64) error {
	if id > n.maxEventID {
		return ipcerr.ErrEventIdOutOfBounds
	}
	return n.transport.Notify(id)
}

// Listener is one process's receiving side of an Event service. It waits
// across every id in its watch set, coalescing per spec.md 4.J: it MUST
// NOT drop an id notified at least once since the last wait, but may
// coalesce repeated notifications of the same id into one observation.
type Listener struct {
	transport *event.Transport
	watchIDs  []uint64

	deadline    time.Duration // 0 means no deadline configured
	deadEventID *uint64       // surfaced to Wait's result on deadline expiry, if set
}

// ListenerConfig configures a Listener's watch set and optional deadline
// behavior, derived from EventParams.
type ListenerConfig struct {
	WatchIDs    []uint64
	Deadline    time.Duration // 0 disables the deadline
	DeadEventID *uint64       // notifier_dead_event, surfaced on deadline expiry
}

// NewListener creates a Listener over transport watching cfg.WatchIDs.
func NewListener(transport *event.Transport, cfg ListenerConfig) *Listener {
	return &Listener{
		transport:   transport,
		watchIDs:    cfg.WatchIDs,
		deadline:    cfg.Deadline,
		deadEventID: cfg.DeadEventID,
	}
}

// FDs returns the underlying eventfds for this listener's whole watch set,
// for a WaitSet to register with its own epoll instance alongside other
// listeners and interval timers.
func (l *Listener) FDs() ([]int, error) {
	fds := make([]int, len(l.watchIDs))
	for i, id := range l.watchIDs {
		fd, err := l.transport.FD(id)
		if err != nil {
			return nil, err
		}
		fds[i] = fd
	}
	return fds, nil
}

// TryWait drains every watched id without blocking, returning the set that
// had at least one pending notification.
func (l *Listener) TryWait() ([]uint64, error) {
	var fired []uint64
	for _, id := range l.watchIDs {
		ok, err := l.transport.TryWait(id)
		if err != nil {
			return nil, err
		}
		if ok {
			fired = append(fired, id)
		}
	}
	return fired, nil
}

// Wait blocks until at least one watched id fires or, if a deadline is
// configured, until it elapses — in which case, if DeadEventID is set, the
// returned set surfaces it (per spec.md 4.J: "a listener not receiving
// within the deadline MAY be informed via a special event id
// notifier_dead_event"), modeling the timeout itself as evidence the
// notifier's node may be gone; WaitSet callers that can directly confirm
// liveness via internal/node.Query should prefer that signal instead.
func (l *Listener) Wait() ([]uint64, error) {
	if len(l.watchIDs) == 0 {
		return nil, nil
	}

	pfds := make([]unix.PollFd, len(l.watchIDs))
	for i, id := range l.watchIDs {
		fd, err := l.transport.FD(id)
		if err != nil {
			return nil, err
		}
		pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}

	timeoutMs := -1
	if l.deadline > 0 {
		timeoutMs = int(l.deadline.Milliseconds())
	}

	n, err := unix.Poll(pfds, timeoutMs)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if l.deadEventID != nil {
			return []uint64{*l.deadEventID}, nil
		}
		return nil, nil
	}

	var fired []uint64
	for i, pfd := range pfds {
		if pfd.Revents&unix.POLLIN == 0 {
			continue
		}
		ok, err := l.transport.TryWait(l.watchIDs[i])
		if err != nil {
			return nil, err
		}
		if ok {
			fired = append(fired, l.watchIDs[i])
		}
	}
	return fired, nil
}
