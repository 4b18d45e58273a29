// Package mictcp implements the MIC-TCP transport engine: a
// connection-oriented, partially-reliable protocol layered over an
// unreliable datagram service. See SPEC_FULL.md for the full design.
package mictcp

import (
	"context"
	"fmt"
	"net"

	"mictcp/internal/config"
	"mictcp/internal/mictcpmetrics"
	"mictcp/internal/mlog"
	"mictcp/pkg/transport"
)

// Engine owns one socket table and one underlying datagram transport. The
// C original kept this as process-wide global state; an Engine makes the
// same facade usable for multiple independent instances in one process
// (e.g. a client and a server in the same test binary), which is the one
// re-architecture the source's own global-state revisions were already
// moving away from (§9).
type Engine struct {
	cfg       config.Config
	transport transport.Datagram
	table     *socketTable
}

// New constructs an Engine over the given datagram transport (a real UDP
// transport.NewUDP() in production, transport.NewFake() in tests) and
// configuration.
func New(cfg config.Config, dgram transport.Datagram) *Engine {
	return &Engine{cfg: cfg, transport: dgram, table: newSocketTable(cfg)}
}

// Collector returns a prometheus.Collector over this Engine's live socket
// table (§ DOMAIN STACK in SPEC_FULL.md).
func (e *Engine) Collector() *mictcpmetrics.Collector {
	return mictcpmetrics.New(e.table)
}

// Socket allocates a connection record and opens the underlying UDP socket
// on an ephemeral port, returning the public descriptor (§6). Bind later
// rebinds this socket to a specific address if the caller needs one (e.g. a
// server listening on a fixed port).
func (e *Engine) Socket(mode Mode) (int, error) {
	sysFD, err := e.openTransport(nil)
	if err != nil {
		return -1, fmt.Errorf("mictcp: socket: %w", err)
	}

	fd := e.table.allocate(sysFD)
	if fd < 0 {
		_ = e.transport.Close(sysFD)
		return -1, fmt.Errorf("mictcp: socket: table full")
	}

	c, _ := e.table.byPublicFD(fd)
	c.mu.Lock()
	c.mode = mode
	c.state = StateClosed
	c.mu.Unlock()

	e.startDispatcher(c)

	mlog.For(c.connID, fd).Debugf("socket() allocated fd=%d mode=%v", fd, mode)
	return fd, nil
}

// openTransport opens a new underlying datagram socket bound to addr (nil
// for an ephemeral port) and applies the configured loss rate to it.
func (e *Engine) openTransport(addr *net.UDPAddr) (int, error) {
	sysFD, err := e.transport.Initialize(addr)
	if err != nil {
		return -1, err
	}
	e.transport.SetLossRate(e.cfg.LossRatePercent)
	return sysFD, nil
}

// LocalAddr returns the transport-level address the underlying datagram
// socket was assigned (the fake transport's equivalent of getsockname),
// independent of whether Bind was ever called.
func (e *Engine) LocalAddr(fd int) (transport.Addr, error) {
	c, ok := e.table.byPublicFD(fd)
	if !ok {
		return transport.Addr{}, fmt.Errorf("mictcp: localaddr: invalid socket %d", fd)
	}
	return e.transport.LocalAddr(c.sysFD)
}

// Bind sets the connection's local address and moves it to IDLE. Socket
// already opened the real transport on an ephemeral port, so Bind rebinds
// it: the old socket is closed, a new one is opened bound to addr, and the
// dispatcher is restarted over it. Unlike the original's simulated network
// layer, a real net.UDPConn's local address can't be changed in place
// (mictcp_socket.c's mic_tcp_bind only ever recorded sock->local_addr; see
// DESIGN.md), so this is the one place the real-transport backend needs
// more machinery than the fake one to honor the same call.
func (e *Engine) Bind(fd int, addr transport.Addr) error {
	c, ok := e.table.byPublicFD(fd)
	if !ok {
		return fmt.Errorf("mictcp: bind: invalid socket %d", fd)
	}
	if err := e.rebind(c, addr); err != nil {
		return fmt.Errorf("mictcp: bind: %w", err)
	}

	c.mu.Lock()
	c.localAddr = addr
	c.boundAddr = true
	c.setState(StateIdle)
	c.mu.Unlock()
	return nil
}

// rebind swaps c's underlying transport socket for one bound to addr,
// joining the old dispatcher goroutine before closing the old socket and
// starting a fresh one over the new sysFD.
func (e *Engine) rebind(c *conn, addr transport.Addr) error {
	c.dispatcherOnce.Do(func() { c.cancelDispatcher() })
	<-c.dispatcherDone

	oldFD := c.sysFD
	newFD, err := e.openTransport(addr.UDPAddr())
	if err != nil {
		// Rejoin a dispatcher over the old socket so the connection is left
		// usable rather than orphaned.
		c.mu.Lock()
		c.resetDispatcherLifecycle()
		c.mu.Unlock()
		e.startDispatcher(c)
		return err
	}

	c.mu.Lock()
	c.sysFD = newFD
	c.resetDispatcherLifecycle()
	c.mu.Unlock()

	_ = e.transport.Close(oldFD)
	e.startDispatcher(c)
	return nil
}

// Close implements close(fd): drives the teardown handshake if the
// connection is still live, joins the dispatcher thread, releases the
// underlying socket, and frees the socket-table slot (§5).
func (e *Engine) Close(ctx context.Context, fd int) error {
	c, ok := e.table.byPublicFD(fd)
	if !ok {
		return fmt.Errorf("mictcp: close: invalid socket %d", fd)
	}

	if err := e.closeHandshake(ctx, c); err != nil {
		mlog.For(c.connID, fd).Warnf("close() handshake did not complete cleanly: %v", err)
	}

	c.dispatcherOnce.Do(func() { c.cancelDispatcher() })
	<-c.dispatcherDone

	_ = e.transport.Close(c.sysFD)

	c.mu.Lock()
	c.setState(StateClosed)
	c.mu.Unlock()
	c.appQueue.Drain()

	return e.table.free(fd)
}
