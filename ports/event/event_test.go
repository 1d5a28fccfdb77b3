package event

import (
	"errors"
	"testing"
	"time"

	"shmipc/internal/event"
	"shmipc/internal/ipcerr"
)

func TestNotifyDefaultAndCustomId(t *testing.T) {
	transport := event.NewTransport(8)
	defer transport.Close()

	notifier := NewNotifier(transport, 2, 8)
	listener := NewListener(transport, ListenerConfig{WatchIDs: []uint64{0, 2, 5}})

	if err := notifier.Notify(); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := notifier.NotifyWithCustomEventId(5); err != nil {
		t.Fatalf("NotifyWithCustomEventId: %v", err)
	}

	fired, err := listener.TryWait()
	if err != nil {
		t.Fatalf("TryWait: %v", err)
	}
	if len(fired) != 2 {
		t.Fatalf("fired = %v, want 2 ids", fired)
	}
	seen := map[uint64]bool{}
	for _, id := range fired {
		seen[id] = true
	}
	if !seen[2] || !seen[5] {
		t.Fatalf("fired = %v, want {2,5}", fired)
	}
}

func TestNotifyWithCustomEventIdOutOfBounds(t *testing.T) {
	transport := event.NewTransport(4)
	defer transport.Close()

	notifier := NewNotifier(transport, 0, 4)
	if err := notifier.NotifyWithCustomEventId(5); !errors.Is(err, ipcerr.ErrEventIdOutOfBounds) {
		t.Fatalf("got %v, want ErrEventIdOutOfBounds", err)
	}
}

func TestWaitObservesNotification(t *testing.T) {
	transport := event.NewTransport(4)
	defer transport.Close()

	notifier := NewNotifier(transport, 3, 4)
	listener := NewListener(transport, ListenerConfig{WatchIDs: []uint64{3}, Deadline: time.Second})

	if err := notifier.Notify(); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	fired, err := listener.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(fired) != 1 || fired[0] != 3 {
		t.Fatalf("fired = %v, want [3]", fired)
	}
}

func TestWaitSurfacesDeadEventOnDeadlineExpiry(t *testing.T) {
	transport := event.NewTransport(4)
	defer transport.Close()

	deadID := uint64(99)
	listener := NewListener(transport, ListenerConfig{
		WatchIDs:    []uint64{1},
		Deadline:    20 * time.Millisecond,
		DeadEventID: &deadID,
	})

	fired, err := listener.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(fired) != 1 || fired[0] != deadID {
		t.Fatalf("fired = %v, want [%d]", fired, deadID)
	}
}

func TestWaitTimesOutWithNoDeadEventConfigured(t *testing.T) {
	transport := event.NewTransport(4)
	defer transport.Close()

	listener := NewListener(transport, ListenerConfig{
		WatchIDs: []uint64{1},
		Deadline: 20 * time.Millisecond,
	})

	fired, err := listener.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(fired) != 0 {
		t.Fatalf("fired = %v, want none", fired)
	}
}

func TestTryWaitCoalescesRepeatNotifications(t *testing.T) {
	transport := event.NewTransport(4)
	defer transport.Close()

	notifier := NewNotifier(transport, 1, 4)
	listener := NewListener(transport, ListenerConfig{WatchIDs: []uint64{1}})

	for i := 0; i < 3; i++ {
		if err := notifier.Notify(); err != nil {
			t.Fatalf("Notify %d: %v", i, err)
		}
	}

	fired, err := listener.TryWait()
	if err != nil {
		t.Fatalf("TryWait: %v", err)
	}
	if len(fired) != 1 || fired[0] != 1 {
		t.Fatalf("fired = %v, want [1] (coalesced)", fired)
	}

	// Nothing left pending.
	fired, err = listener.TryWait()
	if err != nil {
		t.Fatalf("second TryWait: %v", err)
	}
	if len(fired) != 0 {
		t.Fatalf("fired = %v, want none", fired)
	}
}
