package mictcp

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"mictcp/pkg/pdu"
)

// Send implements send(fd, buf): stop-and-wait data transfer (§4.6). One
// payload PDU is outstanding at a time; Send retransmits it up to
// MaxAttempts times on a Timeout-bounded wait for the matching ACK. If the
// peer replayed a handshake SYN+ACK because our original connection ACK was
// lost, that ACK is re-sent first before the data packet is retried (the
// tie-break the dispatcher flags via resendHandshakeAck).
//
// If no ACK arrives after the first send and MaxAttempts retransmissions,
// the loss is recorded into
// the connection's sliding window; if the resulting loss history is still
// "acceptable" per §4.3, Send reports success without advancing
// current_seq_num, matching the bug-compatible behavior documented in
// SPEC_FULL.md. Otherwise it returns an error.
//
// Known footgun: if buf's bytes exactly equal the connection's configured
// measurement sentinel (config.Config.MeasuringPayload, "mesure" by
// default), the peer's dispatcher treats it as a reliability probe rather
// than application data — it is ACKed but never delivered to the peer's
// Recv, and the bare ACK's ack_num is 0 rather than the next sequence
// number, which this side adopts verbatim into its own sequence counter.
// This is inherited unchanged from every original_source/ revision (see
// DESIGN.md); avoid sending that exact payload if you need it delivered.
func (e *Engine) Send(ctx context.Context, fd int, buf []byte) (int, error) {
	c, ok := e.table.byPublicFD(fd)
	if !ok {
		return 0, fmt.Errorf("mictcp: send: invalid socket %d", fd)
	}

	c.mu.Lock()
	if c.state != StateEstablished {
		state := c.state
		c.mu.Unlock()
		return 0, fmt.Errorf("mictcp: send: wrong state %s", state)
	}
	seq := c.currentSeqNum
	c.mu.Unlock()

	bo := e.attemptBudget()
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		c.mu.Lock()
		if c.resendHandshakeAck {
			e.sendBare(c, pdu.Flags{ACK: true}, 1, 1)
			c.resendHandshakeAck = false
		}
		p := pdu.Build(pdu.Flags{}, seq, 0, 0, 0, buf)
		_ = e.transport.Send(c.sysFD, p, c.remoteAddr)

		waitTimeout(c, e.cfg.Timeout, func() bool {
			return c.currentSeqNum != seq || c.resendHandshakeAck
		})
		advanced := c.currentSeqNum != seq
		replayed := c.resendHandshakeAck
		c.mu.Unlock()

		if advanced {
			c.mu.Lock()
			c.window.Record(true)
			c.mu.Unlock()
			return len(buf), nil
		}
		if replayed {
			// Peer re-sent SYN+ACK instead of acking our data packet; the
			// next loop iteration re-emits the connection ACK ahead of
			// retrying the data packet, without spending a retry attempt.
			continue
		}

		if seq == 1 {
			// First-packet timeout tie-break (§4.6): the peer may still be
			// sitting in SYN_RECEIVED because our original connection ACK
			// never arrived, so re-emit it alongside the data retry.
			c.mu.Lock()
			e.sendBare(c, pdu.Flags{ACK: true}, 1, 1)
			c.mu.Unlock()
		}

		if bo.NextBackOff() == backoff.Stop {
			c.mu.Lock()
			c.window.Record(false)
			acceptable := c.window.Acceptable()
			c.mu.Unlock()

			if acceptable {
				return len(buf), nil
			}
			return 0, fmt.Errorf("mictcp: send: no ack for seq %d after %d retries", seq, e.cfg.MaxAttempts)
		}
	}
}
