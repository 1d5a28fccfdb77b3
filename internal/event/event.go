// Package event implements component E: cross-process event signalling
// over a bounded id set. Each event id is backed by its own Linux eventfd,
// whose kernel-maintained 64-bit counter gives notify-coalescing for free
// (multiple notify(id) calls before a wait are observed as "id is ready",
// never lost, never double-counted as distinct wakeups) and a
// file-descriptor handle the WaitSet can epoll alongside other listeners.
//
// Grounded on go-server/pkg/websocket/netpoll.go's EpollServer, which
// already wraps raw epoll/fd lifecycle management in the teacher's style.
package event

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"shmipc/internal/ipcerr"
)

// Transport owns one eventfd per event id, bounded by maxEventId.
type Transport struct {
	mu    sync.Mutex
	fds   map[uint64]int
	maxID uint64
}

// NewTransport creates a Transport accepting ids in [0, maxEventId].
func NewTransport(maxEventId uint64) *Transport {
	return &Transport{fds: make(map[uint64]int), maxID: maxEventId}
}

func (t *Transport) fdFor(id uint64) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id > t.maxID {
		return 0, fmt.Errorf("event id %d > max %d: %w", id, t.maxID, ipcerr.ErrEventIdOutOfBounds)
	}
	if fd, ok := t.fds[id]; ok {
		return fd, nil
	}
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return 0, fmt.Errorf("%w: eventfd: %v", ipcerr.ErrInternal, err)
	}
	t.fds[id] = fd
	return fd, nil
}

// Notify signals id. Fails with EventIdOutOfBounds if id exceeds the
// configured maximum, per spec.md 4.E.
func (t *Transport) Notify(id uint64) error {
	fd, err := t.fdFor(id)
	if err != nil {
		return err
	}
	var buf [8]byte
	buf[0] = 1
	_, err = unix.Write(fd, buf[:])
	if err != nil {
		return fmt.Errorf("%w: eventfd write: %v", ipcerr.ErrInternal, err)
	}
	return nil
}

// FD returns the eventfd backing id, creating it if necessary, so a
// WaitSet can register it with epoll.
func (t *Transport) FD(id uint64) (int, error) { return t.fdFor(id) }

// TryWait drains id's counter without blocking. Returns true if id had at
// least one pending notification since the last wait.
func (t *Transport) TryWait(id uint64) (bool, error) {
	fd, err := t.fdFor(id)
	if err != nil {
		return false, err
	}
	return drain(fd)
}

// TimedWait blocks up to d for id to become ready.
func (t *Transport) TimedWait(id uint64, d time.Duration) (bool, error) {
	fd, err := t.fdFor(id)
	if err != nil {
		return false, err
	}
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, int(d.Milliseconds()))
	if err != nil {
		return false, fmt.Errorf("%w: poll: %v", ipcerr.ErrInternal, err)
	}
	if n == 0 {
		return false, nil
	}
	return drain(fd)
}

// BlockingWait blocks indefinitely for id to become ready.
func (t *Transport) BlockingWait(id uint64) error {
	fd, err := t.fdFor(id)
	if err != nil {
		return err
	}
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	if _, err := unix.Poll(pfd, -1); err != nil {
		return fmt.Errorf("%w: poll: %v", ipcerr.ErrInternal, err)
	}
	_, err = drain(fd)
	return err
}

func drain(fd int) (bool, error) {
	var buf [8]byte
	_, err := unix.Read(fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN {
			return false, nil
		}
		return false, fmt.Errorf("%w: eventfd read: %v", ipcerr.ErrInternal, err)
	}
	return true, nil
}

// Close releases every eventfd this transport created.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for id, fd := range t.fds {
		if err := unix.Close(fd); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.fds, id)
	}
	return firstErr
}
