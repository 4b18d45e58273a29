package mictcp

import (
	"context"
	"fmt"
)

// Recv implements recv(fd, buf): blocks until the dispatcher has delivered a
// payload to this connection's application queue, or ctx is done. Per §9's
// Open Question 3 (kept bug-compatible, see SPEC_FULL.md), a Recv already
// blocked when the peer closes the connection keeps blocking rather than
// returning an error or zero read — only ctx cancellation unblocks it.
func (e *Engine) Recv(ctx context.Context, fd int, buf []byte) (int, error) {
	c, ok := e.table.byPublicFD(fd)
	if !ok {
		return 0, fmt.Errorf("mictcp: recv: invalid socket %d", fd)
	}
	return c.appQueue.Get(ctx, buf)
}
