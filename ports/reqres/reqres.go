// Package reqres implements component I: Client/Server Request-Response
// ports. Each accepted request gets a dedicated response connection
// (grounded on internal/connection, the same primitive ports/pubsub gives
// every subscriber) so a server may stream any number of responses and
// then signal end-of-stream by dropping the ActiveRequest, without a
// shared stream mixing up responses belonging to different in-flight
// requests.
//
// The request chunk's PointerOffset is already unique among a client's
// outstanding requests (the pool never reuses an offset while its
// reference count is nonzero), so it doubles as the correlation key a
// Server uses to find the response connection a Client registered for
// that request — a ResponseRegistry, shared between one Client and the
// Server(s) it talks to the way a pubsub Connection is shared between one
// Publisher and one Subscriber.
package reqres

import (
	"sync"

	"shmipc/internal/connection"
	"shmipc/internal/ipcerr"
	"shmipc/internal/shm"
)

// ResponseRegistry hands a Server the dedicated response connection a
// Client registered for one outstanding request, keyed by the request
// chunk's offset.
type ResponseRegistry struct {
	mu  sync.Mutex
	byOffset map[shm.PointerOffset]*connection.Connection
}

// NewResponseRegistry creates an empty registry for one Client and the
// Server(s) it is wired to.
func NewResponseRegistry() *ResponseRegistry {
	return &ResponseRegistry{byOffset: make(map[shm.PointerOffset]*connection.Connection)}
}

func (r *ResponseRegistry) register(offset shm.PointerOffset, conn *connection.Connection) {
	r.mu.Lock()
	r.byOffset[offset] = conn
	r.mu.Unlock()
}

// Take looks up and removes the response connection registered for
// offset, for a Server accepting the matching request.
func (r *ResponseRegistry) Take(offset shm.PointerOffset) (*connection.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.byOffset[offset]
	if ok {
		delete(r.byOffset, offset)
	}
	return conn, ok
}

// ClientConfig bounds a Client's behavior, derived from
// RequestResponseParams.
type ClientConfig struct {
	MaxLoanedRequests          uint64
	MaxActiveRequestsPerClient uint64
	FireAndForget              bool
}

// Client is one process's request-issuing side of a Request-Response
// service. It loans request chunks from its own pool, sends them on a
// shared client->server request connection, and for every non-fire-and-
// forget request, reserves and registers a dedicated response connection.
type Client struct {
	pool        *shm.Pool
	requestConn *connection.Connection
	registry    *ResponseRegistry
	cfg         ClientConfig

	loanedMu sync.Mutex
	loaned   uint64

	mu     sync.Mutex
	active uint64
}

// NewClient creates a Client sending requests on requestConn and
// registering response connections in registry.
func NewClient(pool *shm.Pool, requestConn *connection.Connection, registry *ResponseRegistry, cfg ClientConfig) *Client {
	return &Client{pool: pool, requestConn: requestConn, registry: registry, cfg: cfg}
}

// LoanRequest reserves a request chunk able to hold size bytes, for the
// caller to fill in place before Send. Fails with ExceedsMaxLoanedSamples
// if max_loaned_requests outstanding loans are already held.
func (c *Client) LoanRequest(size uint64) (shm.PointerOffset, []byte, error) {
	c.loanedMu.Lock()
	if c.loaned >= c.cfg.MaxLoanedRequests {
		c.loanedMu.Unlock()
		return shm.PointerOffset{}, nil, ipcerr.ErrExceedsMaxLoanedSamples
	}
	c.loaned++
	c.loanedMu.Unlock()

	offset, payload, err := c.pool.Allocate(size)
	if err != nil {
		c.loanedMu.Lock()
		c.loaned--
		c.loanedMu.Unlock()
		return shm.PointerOffset{}, nil, err
	}
	return offset, payload, nil
}

// DropLoan returns an unsent loaned request chunk directly to the pool.
func (c *Client) DropLoan(offset shm.PointerOffset) {
	c.loanedMu.Lock()
	c.loaned--
	c.loanedMu.Unlock()
	c.pool.Deallocate(offset)
}

// PendingResponse is returned by Send: the handle a client polls for
// responses to one request. A fire_and_forget request's PendingResponse
// has no response connection and Receive always reports end of stream.
type PendingResponse struct {
	client       *Client
	offset       shm.PointerOffset
	responseConn *connection.Connection // nil if fire_and_forget
	eof          bool
}

// Send transmits a loaned request chunk, reserving a dedicated response
// connection for it unless the service is configured fire_and_forget.
// Fails with ExceedsMaxActiveRequests if the client already has
// max_active_requests_per_client outstanding, per spec.md 4.I.
func (c *Client) Send(offset shm.PointerOffset, responseConn *connection.Connection) (*PendingResponse, error) {
	c.loanedMu.Lock()
	c.loaned--
	c.loanedMu.Unlock()

	if !c.cfg.FireAndForget {
		c.mu.Lock()
		if c.active >= c.cfg.MaxActiveRequestsPerClient {
			c.mu.Unlock()
			return nil, ipcerr.ErrExceedsMaxActiveRequests
		}
		c.active++
		c.mu.Unlock()
		c.registry.register(offset, responseConn)
	}

	if res, _ := c.requestConn.TrySend(offset); res == connection.Full {
		if !c.cfg.FireAndForget {
			c.registry.Take(offset)
			c.mu.Lock()
			c.active--
			c.mu.Unlock()
		}
		return nil, ipcerr.ErrFull
	}

	if c.cfg.FireAndForget {
		return &PendingResponse{client: c, eof: true}, nil
	}
	return &PendingResponse{client: c, offset: offset, responseConn: responseConn}, nil
}

// Receive polls for the next response chunk on this request's dedicated
// connection. ok=false with err=nil means no response pending yet;
// ErrEndOfStream means the server dropped the matching ActiveRequest (or
// this was a fire_and_forget request, which never had a response stream).
func (pr *PendingResponse) Receive() (shm.PointerOffset, bool, error) {
	if pr.eof {
		return shm.PointerOffset{}, false, ErrEndOfStream
	}
	po, ok := pr.responseConn.TryReceive()
	if !ok {
		return shm.PointerOffset{}, false, nil
	}
	if po.Zero() {
		pr.eof = true
		return shm.PointerOffset{}, false, ErrEndOfStream
	}
	return po, true, nil
}

// Release returns a received response chunk's reference: decrements the
// refcount and pushes the offset onto the response connection's return
// queue, mirroring ports/pubsub.Subscriber.Release. Never frees directly —
// the Server, as its response pool's owner, reclaims it once the refcount
// reaches zero.
func (pr *PendingResponse) Release(po shm.PointerOffset, pool *shm.Pool) error {
	pool.RefCount(po).Add(^uint64(0))
	return pr.responseConn.Release(po)
}

// Close ends interest in this request, releasing its active-request slot.
func (pr *PendingResponse) Close() {
	if pr.eof {
		return
	}
	pr.eof = true
	pr.client.mu.Lock()
	if pr.client.active > 0 {
		pr.client.active--
	}
	pr.client.mu.Unlock()
}

// ErrEndOfStream is returned by PendingResponse.Receive once the matching
// ActiveRequest has been dropped, or immediately for a fire_and_forget
// request.
var ErrEndOfStream = &endOfStreamError{}

type endOfStreamError struct{}

func (*endOfStreamError) Error() string { return "end of stream" }

// Server is one process's request-accepting side of a Request-Response
// service. It reads requests off a shared client->server connection and,
// for each, looks up the dedicated response connection the client
// registered for it.
type Server struct {
	pool        *shm.Pool
	requestConn *connection.Connection
	registry    *ResponseRegistry
}

// NewServer creates a Server receiving requests on requestConn and
// resolving response connections from registry.
func NewServer(pool *shm.Pool, requestConn *connection.Connection, registry *ResponseRegistry) *Server {
	return &Server{pool: pool, requestConn: requestConn, registry: registry}
}

// ActiveRequest is a server's handle on one accepted request. While held,
// the server may send any number of responses; Close signals end of
// stream to the client's PendingResponse.
type ActiveRequest struct {
	server       *Server
	Offset       shm.PointerOffset
	responseConn *connection.Connection // nil for a fire_and_forget request
	closed       bool
}

// Receive pops the next available request, or reports none pending.
// Fire-and-forget requests (no registry entry found) yield an
// ActiveRequest with a nil response connection; SendResponse on one is a
// silent no-op.
func (s *Server) Receive() (*ActiveRequest, bool) {
	offset, ok := s.requestConn.TryReceive()
	if !ok {
		return nil, false
	}
	responseConn, _ := s.registry.Take(offset)
	return &ActiveRequest{server: s, Offset: offset, responseConn: responseConn}, true
}

// SendResponse pushes a response chunk's offset onto the request's
// dedicated response connection, incrementing its reference count the same
// way ports/pubsub.Publisher.Send does for each connection it lands a
// sample on. A no-op for a fire_and_forget request.
func (r *ActiveRequest) SendResponse(offset shm.PointerOffset) error {
	if r.responseConn == nil {
		return nil
	}
	r.server.pool.RefCount(offset).Add(1)
	if res, _ := r.responseConn.TrySend(offset); res == connection.Full {
		r.server.pool.RefCount(offset).Add(^uint64(0))
		return ipcerr.ErrFull
	}
	return nil
}

// Reclaim drains responses the client has released back, freeing each
// once its reference count reaches zero. Servers call this periodically,
// the same way ports/pubsub.Publisher.ReclaimReleased does.
func (r *ActiveRequest) Reclaim() {
	if r.responseConn == nil {
		return
	}
	for {
		po, ok := r.responseConn.TryReclaim()
		if !ok {
			return
		}
		if r.server.pool.RefCount(po).Load() == 0 {
			r.server.pool.Deallocate(po)
		}
	}
}

// Close signals end of stream: the client's PendingResponse.Receive will
// observe ErrEndOfStream after draining any responses already sent.
func (r *ActiveRequest) Close() {
	if r.closed || r.responseConn == nil {
		return
	}
	r.closed = true
	r.responseConn.TrySend(shm.PointerOffset{})
}
