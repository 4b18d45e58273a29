package mictcp

import (
	"context"

	"mictcp/pkg/pdu"
	"mictcp/pkg/slidingwindow"
)

// runReliabilityProbe implements the connect-time reliability measurement
// from §4.4: the client fires MeasuringReliabilityPacketNum sentinel-payload
// PDUs at the peer and counts how many come back acked within ProbeTimeout
// each, then maps the resulting loss percentage to a sliding-window
// tolerance via slidingwindow.ToleranceForLossPercent. ok is false if the
// measured loss exceeds the 20% policy ceiling and the connection must be
// aborted.
func (e *Engine) runReliabilityProbe(ctx context.Context, c *conn) (lossPct float64, tolerance uint, ok bool) {
	n := e.cfg.MeasuringReliabilityPacketNum

	c.mu.Lock()
	c.receivedPackets = 0
	c.mu.Unlock()

	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		c.mu.Lock()
		p := pdu.Build(pdu.Flags{}, c.currentSeqNum, 0, 0, 0, []byte(e.cfg.MeasuringPayload))
		_ = e.transport.Send(c.sysFD, p, c.remoteAddr)
		waitTimeout(c, e.cfg.ProbeTimeout, func() bool { return c.receivedPackets > i })
		c.mu.Unlock()
	}

	c.mu.Lock()
	received := c.receivedPackets
	c.mu.Unlock()

	lossPct = 0
	if n > 0 {
		lossPct = 100 * float64(n-received) / float64(n)
	}
	tolerance, ok = slidingwindow.ToleranceForLossPercent(lossPct)

	c.mu.Lock()
	c.measuredLossPct = lossPct
	c.probeMeasured = true
	c.mu.Unlock()

	return lossPct, tolerance, ok
}
