package mictcp

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"mictcp/internal/mlog"
	"mictcp/pkg/pdu"
	"mictcp/pkg/transport"
)

// attemptBudget returns a backoff.BackOff that bounds a retransmission loop
// at one initial try plus cfg.MaxAttempts retries. The actual inter-attempt
// delay comes from waitTimeout's cond-based wait against cfg.Timeout, not
// from sleeping on this object directly — it is used purely as a retry
// counter, via NextBackOff() == backoff.Stop once MaxAttempts retries are
// used up.
func (e *Engine) attemptBudget() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(e.cfg.Timeout), uint64(e.cfg.MaxAttempts))
}

// Accept implements accept(fd): waits in ACCEPTING for a SYN, answers with
// SYN+ACK, and retries up to MaxAttempts times until the client's final ACK
// establishes the connection (§4.5).
func (e *Engine) Accept(ctx context.Context, fd int) (transport.Addr, error) {
	c, ok := e.table.byPublicFD(fd)
	if !ok {
		return transport.Addr{}, fmt.Errorf("mictcp: accept: invalid socket %d", fd)
	}
	log := mlog.For(c.connID, fd)

	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return transport.Addr{}, fmt.Errorf("mictcp: accept: wrong state %s", state)
	}
	c.setState(StateAccepting)
	c.mu.Unlock()

	c.mu.Lock()
	err := waitCond(ctx, c, func() bool {
		return c.state == StateSynReceived || c.state == StateClosed
	})
	synReceived := c.state == StateSynReceived
	c.mu.Unlock()
	if err != nil {
		return transport.Addr{}, fmt.Errorf("mictcp: accept: %w", err)
	}
	if !synReceived {
		return transport.Addr{}, fmt.Errorf("mictcp: accept: connection closed before SYN")
	}

	bo := e.attemptBudget()
	for {
		if err := ctx.Err(); err != nil {
			return transport.Addr{}, err
		}

		c.mu.Lock()
		e.sendBare(c, pdu.Flags{SYN: true, ACK: true}, 0, 1)
		waitTimeout(c, e.cfg.Timeout, func() bool { return c.state == StateEstablished })
		established := c.state == StateEstablished
		remote := c.remoteAddr
		c.mu.Unlock()

		if established {
			log.Infof("accept() established from %v", remote)
			return remote, nil
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return transport.Addr{}, fmt.Errorf("mictcp: accept: handshake did not complete after %d retries", e.cfg.MaxAttempts)
		}
	}
}

// Connect implements connect(fd, addr): the client's three-way handshake
// (SYN, SYN+ACK, ACK) followed by the connect-time reliability probe from
// §4.4. On success the connection is ESTABLISHED with its tolerance derived
// from the measured loss rate; a too-unreliable channel aborts the
// connection and returns an error instead of leaving it half-open.
func (e *Engine) Connect(ctx context.Context, fd int, addr transport.Addr) error {
	c, ok := e.table.byPublicFD(fd)
	if !ok {
		return fmt.Errorf("mictcp: connect: invalid socket %d", fd)
	}
	log := mlog.For(c.connID, fd)

	c.mu.Lock()
	if c.state != StateIdle && c.state != StateClosed {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("mictcp: connect: wrong state %s", state)
	}
	c.remoteAddr = addr
	c.synAckSeen = false
	c.setState(StateSynSent)
	c.mu.Unlock()

	bo := e.attemptBudget()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.mu.Lock()
		e.sendBare(c, pdu.Flags{SYN: true}, 0, 0)
		waitTimeout(c, e.cfg.Timeout, func() bool { return c.synAckSeen })
		seen := c.synAckSeen
		c.mu.Unlock()

		if seen {
			break
		}
		if bo.NextBackOff() == backoff.Stop {
			return fmt.Errorf("mictcp: connect: no SYN+ACK after %d retries", e.cfg.MaxAttempts)
		}
	}

	c.mu.Lock()
	e.sendBare(c, pdu.Flags{ACK: true}, 1, 1)
	c.currentSeqNum = 1
	c.receivedPackets = 0
	c.setState(StateMeasuringReliability)
	c.mu.Unlock()

	lossPct, tolerance, ok := e.runReliabilityProbe(ctx, c)
	if !ok {
		log.Warnf("connect() aborting: measured loss %.1f%% exceeds policy ceiling", lossPct)
		_ = e.Close(ctx, fd)
		return fmt.Errorf("mictcp: connect: channel too unreliable (%.1f%% loss)", lossPct)
	}

	c.mu.Lock()
	c.window.SetTolerance(tolerance)
	c.setState(StateEstablished)
	c.mu.Unlock()

	log.Infof("connect() established, measured loss %.1f%%, tolerance %d", lossPct, tolerance)
	return nil
}

// closeHandshake drives the teardown handshake from §5 for whichever side
// Close was called on. A connection that never reached ESTABLISHED (still
// IDLE, or already CLOSED) has nothing to tear down.
func (e *Engine) closeHandshake(ctx context.Context, c *conn) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case StateEstablished:
		return e.closeActive(ctx, c)
	case StateAwaitingClosing, StateClosing:
		return e.closePassive(ctx, c)
	default:
		return nil
	}
}

// closeActive is the initiator's side: send FIN, wait for FIN+ACK
// (retransmitting up to MaxAttempts times), then send the final ACK.
func (e *Engine) closeActive(ctx context.Context, c *conn) error {
	c.mu.Lock()
	c.finAckSeen = false
	c.setState(StateClosing)
	c.mu.Unlock()

	bo := e.attemptBudget()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.mu.Lock()
		e.sendBare(c, pdu.Flags{FIN: true}, 0, 0)
		waitTimeout(c, e.cfg.Timeout, func() bool { return c.finAckSeen })
		seen := c.finAckSeen
		c.mu.Unlock()

		if seen {
			break
		}
		if bo.NextBackOff() == backoff.Stop {
			return fmt.Errorf("mictcp: close: no FIN+ACK after %d retries", e.cfg.MaxAttempts)
		}
	}

	c.mu.Lock()
	e.sendBare(c, pdu.Flags{ACK: true}, 0, 0)
	c.mu.Unlock()
	return nil
}

// closePassive is the responder's side: the dispatcher has already answered
// the peer's FIN with FIN+ACK (possibly more than once, if the peer's own
// final ACK was lost); Close here only needs to wait for that final ACK,
// bounded by CloseTimeout rather than a bare Timeout per attempt since no
// further retransmission is driven from this side.
func (e *Engine) closePassive(ctx context.Context, c *conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if waitCtxTimeout(ctx, c, e.cfg.CloseTimeout(), func() bool { return c.peerClosedAck }) {
		return nil
	}
	return fmt.Errorf("mictcp: close: peer never acknowledged FIN+ACK")
}

// waitCtxTimeout combines waitTimeout's deadline with ctx cancellation: it
// returns as soon as pred() holds, timeout elapses, or ctx is done, in which
// case it reports false just like a timeout would. The caller must already
// hold c.mu.
func waitCtxTimeout(ctx context.Context, c *conn, timeout time.Duration, pred func() bool) bool {
	deadline := time.Now().Add(timeout)
	for !pred() {
		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil {
			return false
		}
		timer := time.AfterFunc(remaining, func() {
			c.mu.Lock()
			c.cond.Broadcast()
			c.mu.Unlock()
		})
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				c.mu.Lock()
				c.cond.Broadcast()
				c.mu.Unlock()
			case <-done:
			}
		}()
		c.cond.Wait()
		close(done)
		timer.Stop()
	}
	return true
}
