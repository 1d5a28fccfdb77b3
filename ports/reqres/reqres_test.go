package reqres

import (
	"errors"
	"testing"

	"shmipc/internal/connection"
	"shmipc/internal/ipcerr"
	"shmipc/internal/shm"
)

func newReqresPool(t *testing.T) *shm.Pool {
	t.Helper()
	pool, err := shm.OpenPool(t.TempDir(), "reqres-test", 32, 16, nil)
	if err != nil {
		t.Fatalf("OpenPool: %v", err)
	}
	return pool
}

func newClientServerPair(t *testing.T, clientPool, serverPool *shm.Pool, cfg ClientConfig) (*Client, *Server) {
	t.Helper()
	requestConn := connection.New(connection.Config{DataQueueCapacity: 4, ReturnQueueCapacity: 4})
	registry := NewResponseRegistry()
	client := NewClient(clientPool, requestConn, registry, cfg)
	server := NewServer(serverPool, requestConn, registry)
	return client, server
}

func TestSendReceiveRespondReleaseRoundTrip(t *testing.T) {
	clientPool := newReqresPool(t)
	serverPool := newReqresPool(t)
	client, server := newClientServerPair(t, clientPool, serverPool, ClientConfig{
		MaxLoanedRequests: 4, MaxActiveRequestsPerClient: 4,
	})

	reqOffset, payload, err := client.LoanRequest(8)
	if err != nil {
		t.Fatalf("LoanRequest: %v", err)
	}
	copy(payload, []byte("question"))

	responseConn := connection.New(connection.Config{DataQueueCapacity: 4, ReturnQueueCapacity: 4})
	pending, err := client.Send(reqOffset, responseConn)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	active, ok := server.Receive()
	if !ok {
		t.Fatal("expected a pending request")
	}
	if active.Offset != reqOffset {
		t.Fatalf("active.Offset = %+v, want %+v", active.Offset, reqOffset)
	}
	if string(serverPool.Payload(active.Offset)[:8]) != "question" {
		t.Fatalf("server sees wrong request payload")
	}

	respOffset, respPayload, err := serverPool.Allocate(8)
	if err != nil {
		t.Fatalf("Allocate response: %v", err)
	}
	copy(respPayload, []byte("answer!!"))
	if err := active.SendResponse(respOffset); err != nil {
		t.Fatalf("SendResponse: %v", err)
	}

	got, ok, err := pending.Receive()
	if err != nil || !ok {
		t.Fatalf("Receive: ok=%v err=%v", ok, err)
	}
	if got != respOffset {
		t.Fatalf("got %+v, want %+v", got, respOffset)
	}

	if err := pending.Release(got, serverPool); err != nil {
		t.Fatalf("Release: %v", err)
	}
	active.Reclaim()
	if rc := serverPool.RefCount(respOffset).Load(); rc != 0 {
		t.Fatalf("response refcount = %d, want 0 (freed)", rc)
	}
}

func TestCloseSignalsEndOfStream(t *testing.T) {
	clientPool := newReqresPool(t)
	serverPool := newReqresPool(t)
	client, server := newClientServerPair(t, clientPool, serverPool, ClientConfig{
		MaxLoanedRequests: 4, MaxActiveRequestsPerClient: 4,
	})

	reqOffset, _, err := client.LoanRequest(8)
	if err != nil {
		t.Fatalf("LoanRequest: %v", err)
	}
	responseConn := connection.New(connection.Config{DataQueueCapacity: 4, ReturnQueueCapacity: 4})
	pending, err := client.Send(reqOffset, responseConn)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	active, ok := server.Receive()
	if !ok {
		t.Fatal("expected a pending request")
	}
	active.Close()

	_, ok, err = pending.Receive()
	if ok || !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("got ok=%v err=%v, want ErrEndOfStream", ok, err)
	}
}

func TestFireAndForgetHasNoResponseStream(t *testing.T) {
	clientPool := newReqresPool(t)
	serverPool := newReqresPool(t)
	client, server := newClientServerPair(t, clientPool, serverPool, ClientConfig{
		MaxLoanedRequests: 4, MaxActiveRequestsPerClient: 4, FireAndForget: true,
	})

	reqOffset, _, err := client.LoanRequest(8)
	if err != nil {
		t.Fatalf("LoanRequest: %v", err)
	}
	pending, err := client.Send(reqOffset, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, _, err := pending.Receive(); !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("got %v, want ErrEndOfStream immediately", err)
	}

	active, ok := server.Receive()
	if !ok {
		t.Fatal("expected a pending request")
	}
	if active.responseConn != nil {
		t.Fatal("expected no response connection for fire_and_forget request")
	}
	if err := active.SendResponse(shm.PointerOffset{}); err != nil {
		t.Fatalf("SendResponse on fire_and_forget request should be a silent no-op, got %v", err)
	}
}

func TestLoanRequestExceedsMaxLoanedRequests(t *testing.T) {
	clientPool := newReqresPool(t)
	serverPool := newReqresPool(t)
	client, _ := newClientServerPair(t, clientPool, serverPool, ClientConfig{
		MaxLoanedRequests: 1, MaxActiveRequestsPerClient: 4,
	})

	if _, _, err := client.LoanRequest(8); err != nil {
		t.Fatalf("first loan: %v", err)
	}
	if _, _, err := client.LoanRequest(8); !errors.Is(err, ipcerr.ErrExceedsMaxLoanedSamples) {
		t.Fatalf("got %v, want ErrExceedsMaxLoanedSamples", err)
	}
}

func TestSendExceedsMaxActiveRequests(t *testing.T) {
	clientPool := newReqresPool(t)
	serverPool := newReqresPool(t)
	client, _ := newClientServerPair(t, clientPool, serverPool, ClientConfig{
		MaxLoanedRequests: 4, MaxActiveRequestsPerClient: 1,
	})

	off1, _, err := client.LoanRequest(8)
	if err != nil {
		t.Fatalf("LoanRequest 1: %v", err)
	}
	conn1 := connection.New(connection.Config{DataQueueCapacity: 2, ReturnQueueCapacity: 2})
	if _, err := client.Send(off1, conn1); err != nil {
		t.Fatalf("Send 1: %v", err)
	}

	off2, _, err := client.LoanRequest(8)
	if err != nil {
		t.Fatalf("LoanRequest 2: %v", err)
	}
	conn2 := connection.New(connection.Config{DataQueueCapacity: 2, ReturnQueueCapacity: 2})
	if _, err := client.Send(off2, conn2); !errors.Is(err, ipcerr.ErrExceedsMaxActiveRequests) {
		t.Fatalf("got %v, want ErrExceedsMaxActiveRequests", err)
	}
}

func TestServerStreamsMultipleResponsesBeforeClose(t *testing.T) {
	clientPool := newReqresPool(t)
	serverPool := newReqresPool(t)
	client, server := newClientServerPair(t, clientPool, serverPool, ClientConfig{
		MaxLoanedRequests: 4, MaxActiveRequestsPerClient: 4,
	})

	reqOffset, _, err := client.LoanRequest(8)
	if err != nil {
		t.Fatalf("LoanRequest: %v", err)
	}
	responseConn := connection.New(connection.Config{DataQueueCapacity: 4, ReturnQueueCapacity: 4})
	pending, err := client.Send(reqOffset, responseConn)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	active, ok := server.Receive()
	if !ok {
		t.Fatal("expected a pending request")
	}

	for i := 0; i < 3; i++ {
		off, _, err := serverPool.Allocate(8)
		if err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}
		if err := active.SendResponse(off); err != nil {
			t.Fatalf("SendResponse %d: %v", i, err)
		}
	}
	active.Close()

	count := 0
	for {
		_, ok, err := pending.Receive()
		if errors.Is(err, ErrEndOfStream) {
			break
		}
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if !ok {
			t.Fatal("expected a response or end of stream, got neither")
		}
		count++
	}
	if count != 3 {
		t.Fatalf("received %d responses, want 3", count)
	}
}
