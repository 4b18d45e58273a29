package mictcp

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"mictcp/pkg/appqueue"
	"mictcp/pkg/slidingwindow"
	"mictcp/pkg/transport"
)

// conn is the per-connection record from §3: identity, state, addresses,
// sequence counters, the sliding window, and the lock+condition pair that
// synchronize the application thread with the connection's dispatcher.
//
// Every non-atomic field below is guarded by mu; mu and cond are allocated
// fresh per connection (never shared process-wide) so that one connection's
// handshake retries can never block another's data transfer.
type conn struct {
	mu   sync.Mutex
	cond *sync.Cond

	connID string // uuid, for logs/metrics only — never touches the wire

	publicFD int
	sysFD    int
	mode     Mode

	state State

	localAddr  transport.Addr
	remoteAddr transport.Addr
	boundAddr  bool

	currentSeqNum   uint32
	receivedPackets int

	window          *slidingwindow.Window
	measuredLossPct float64
	probeMeasured   bool

	appQueue *appqueue.Queue

	// Handshake/teardown event flags, set by the dispatcher and consumed by
	// whichever facade call (Connect, Close) is waiting on cond for them.
	// Each is cleared by the consumer before the next wait.
	synAckSeen         bool // SYN_SENT: peer's SYN+ACK arrived
	resendHandshakeAck bool // ESTABLISHED: peer replayed SYN+ACK, our ACK was lost
	finAckSeen         bool // CLOSING: peer's FIN+ACK arrived
	peerClosedAck      bool // AWAITING_CLOSING: peer's final ACK arrived, -> CLOSED

	// dispatcherDone is closed when this connection's background receive
	// thread exits, so Close can join it (§5, Resource release).
	// dispatcherCtx is canceled to unstick a blocking Recv so the
	// dispatcher goroutine can observe shutdown even on a transport whose
	// Recv only wakes on ctx cancellation (pkg/transport.Fake).
	dispatcherDone   chan struct{}
	dispatcherOnce   sync.Once
	dispatcherCtx    context.Context
	cancelDispatcher context.CancelFunc

	inUse bool // true between allocate() and the slot being freed in close()
}

func newConn(windowWidth uint) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		connID:           uuid.NewString(),
		state:            StateClosed,
		window:           slidingwindow.New(windowWidth, 0),
		appQueue:         appqueue.New(16),
		dispatcherDone:   make(chan struct{}),
		dispatcherCtx:    ctx,
		cancelDispatcher: cancel,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// setState transitions the connection's state and wakes every waiter; every
// caller already holds mu.
func (c *conn) setState(s State) {
	c.state = s
	c.cond.Broadcast()
}

// resetDispatcherLifecycle prepares a fresh dispatcherDone/dispatcherOnce/
// dispatcherCtx triple so the background receive thread can be restarted
// over a new sysFD after a rebind (Engine.Bind). Caller must hold mu and
// must have already joined the previous dispatcher goroutine.
func (c *conn) resetDispatcherLifecycle() {
	ctx, cancel := context.WithCancel(context.Background())
	c.dispatcherDone = make(chan struct{})
	c.dispatcherOnce = sync.Once{}
	c.dispatcherCtx = ctx
	c.cancelDispatcher = cancel
}

// snapshot copies the metrics-relevant fields under lock, for
// mictcpmetrics.Source.
func (c *conn) snapshot() (seq uint32, onesCount, width, tolerance int, lossPct float64, measured bool, state State, fd int, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSeqNum, c.window.OnesCount(), int(c.window.Width()), int(c.window.Tolerance()),
		c.measuredLossPct, c.probeMeasured, c.state, c.publicFD, c.connID
}
