package mictcp

import (
	"mictcp/internal/mlog"
	"mictcp/pkg/pdu"
	"mictcp/pkg/transport"
)

// startDispatcher launches the per-connection background receive thread
// from §4.7. Per §9's unification note, one thread is started at socket()
// time and lives for the connection's whole lifetime — handshake, data
// transfer, teardown — rather than being split into a handshake-only phase
// and a separate post-handshake listener.
func (e *Engine) startDispatcher(c *conn) {
	go e.dispatchLoop(c)
}

func (e *Engine) dispatchLoop(c *conn) {
	defer close(c.dispatcherDone)
	log := mlog.For(c.connID, c.publicFD)

	for {
		p, _, remote, err := e.transport.Recv(c.dispatcherCtx, c.sysFD, 0)
		if err != nil {
			if c.dispatcherCtx.Err() != nil {
				return
			}
			log.Debugf("dispatcher: recv error: %v", err)
			continue
		}
		e.handleIncoming(c, p, remote)
	}
}

// handleIncoming demultiplexes one datagram by the connection's current
// state (§4.7). PDUs that don't match a handled state/type combination are
// silently dropped, per §4.5's "PDUs received in a state that does not
// handle them are silently dropped" rule.
func (e *Engine) handleIncoming(c *conn, p pdu.PDU, remote transport.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateAccepting:
		e.handleAccepting(c, p, remote)
	case StateSynReceived:
		e.handleSynReceived(c, p)
	case StateSynSent:
		e.handleSynSent(c, p, remote)
	case StateMeasuringReliability:
		e.handleMeasuring(c, p)
	case StateEstablished:
		e.handleEstablished(c, p)
	case StateAwaitingClosing:
		e.handleAwaitingClosing(c, p)
	case StateClosing:
		e.handleClosing(c, p)
	default:
		// IDLE, CLOSED: nothing to do with an incoming datagram in these
		// states.
	}
}

// handleAccepting implements "ACCEPTING + SYN: populate remote, →
// SYN_RECEIVED, signal."
func (e *Engine) handleAccepting(c *conn, p pdu.PDU, remote transport.Addr) {
	if !pdu.Verify(p, true, false, false, 0, 0) {
		return
	}
	c.remoteAddr = remote
	c.setState(StateSynReceived)
}

// handleSynReceived implements "SYN_RECEIVED + ACK: → ESTABLISHED,
// current_seq_num = 1, signal." The handshake's final ACK always
// acknowledges sequence 1 (the convention from §9: sequence numbers start
// at 1 after handshake).
func (e *Engine) handleSynReceived(c *conn, p pdu.PDU) {
	if !pdu.Verify(p, false, true, false, 0, 1) {
		return
	}
	c.currentSeqNum = 1
	c.setState(StateEstablished)
}

// handleSynSent implements the client side of the three-way handshake: on
// SYN+ACK, record that it arrived and signal Connect, which owns sending
// the final ACK and running the reliability probe (§4.4/§4.5).
func (e *Engine) handleSynSent(c *conn, p pdu.PDU, remote transport.Addr) {
	if !pdu.Verify(p, true, true, false, 0, 0) {
		return
	}
	if len(c.remoteAddr.IP) == 0 && c.remoteAddr.Port == 0 {
		c.remoteAddr = remote
	}
	c.synAckSeen = true
	c.cond.Broadcast()
}

// handleMeasuring implements "MEASURING_RELIABILITY + ACK (client): increment
// received_packets, signal."
func (e *Engine) handleMeasuring(c *conn, p pdu.PDU) {
	if !pdu.Verify(p, false, true, false, 0, 0) || p.HasPayload() {
		return
	}
	c.receivedPackets++
	c.cond.Broadcast()
}

// handleEstablished implements the full-duplex ESTABLISHED data plane. The
// spec's §4.7 table writes this asymmetrically ("ESTABLISHED + data PDU
// (server)" / "ESTABLISHED + ACK (client)") for the reference scenario
// where only the connecting side ever calls Send; because §4.5 explicitly
// calls ESTABLISHED "full duplex", this implementation dispatches on what
// the incoming PDU actually is rather than on which role originally called
// connect()/accept(), so either side may Send. See DESIGN.md.
func (e *Engine) handleEstablished(c *conn, p pdu.PDU) {
	switch {
	case p.FIN && !p.ACK:
		c.setState(StateAwaitingClosing)
		e.sendBare(c, pdu.Flags{FIN: true, ACK: true}, 0, 0)

	case p.SYN && p.ACK:
		// Peer replayed the handshake SYN+ACK because our final ACK was
		// lost (§4.6): ask the sender to re-emit the connection ACK and
		// retry whatever data packet is in flight.
		c.resendHandshakeAck = true
		c.cond.Broadcast()

	case p.HasPayload() && !p.ACK:
		e.handleEstablishedData(c, p)

	case p.ACK && !p.HasPayload():
		// ACK for a data PDU: current_seq_num is adopted verbatim from
		// ack_num (§5's resynchronization rule), then the sender is woken.
		c.currentSeqNum = p.AckNum
		c.cond.Broadcast()
	}
}

func (e *Engine) handleEstablishedData(c *conn, p pdu.PDU) {
	cfg := e.cfg
	if string(p.Payload) == cfg.MeasuringPayload {
		// §4.4: the responder recognises the sentinel and answers with a
		// bare ACK without delivering it to the application queue — kept
		// bug-compatible per SPEC_FULL.md's Open Question resolution. The
		// ack_num is 0 ("don't care"), exactly as original_source/mictcp_
		// asynchronism.c's measurement-ACK branch sends it, even when this
		// fires for an application message during ESTABLISHED rather than
		// an actual probe: the peer's Send still adopts it verbatim into
		// current_seq_num, which is the footgun documented on Send.
		e.sendBare(c, pdu.Flags{ACK: true}, 0, 0)
		return
	}

	if p.SeqNum == c.currentSeqNum {
		c.appQueue.Put(append([]byte(nil), p.Payload...))
		c.currentSeqNum++
	}
	// Duplicate (seq != current_seq_num) still gets ACKed but is not
	// re-delivered, per §8's idempotence property.
	e.sendBare(c, pdu.Flags{ACK: true}, 0, c.currentSeqNum)
}

// handleAwaitingClosing implements "AWAITING_CLOSING + ACK: → CLOSED.
// + repeated FIN: re-emit FIN+ACK." The connection's resources are
// released by Close, not here.
func (e *Engine) handleAwaitingClosing(c *conn, p pdu.PDU) {
	switch {
	case p.ACK && !p.FIN:
		c.peerClosedAck = true
		c.setState(StateClosed)
	case p.FIN:
		e.sendBare(c, pdu.Flags{FIN: true, ACK: true}, 0, 0)
	}
}

// handleClosing implements "CLOSING + FIN+ACK: signal closer."
func (e *Engine) handleClosing(c *conn, p pdu.PDU) {
	if p.FIN && p.ACK {
		c.finAckSeen = true
		c.cond.Broadcast()
	}
}

// sendBare transmits a flags-only PDU (no payload) to the connection's
// current remote address. Errors are logged, not propagated: per §7 the
// dispatcher's outbound ACKs are best-effort, matching IP_send's contract.
func (e *Engine) sendBare(c *conn, flags pdu.Flags, seq, ack uint32) {
	p := pdu.Build(flags, seq, ack, 0, 0, nil)
	if err := e.transport.Send(c.sysFD, p, c.remoteAddr); err != nil {
		mlog.For(c.connID, c.publicFD).Debugf("sendBare: %v", err)
	}
}
