package mictcp

import (
	"fmt"
	"sync"

	"mictcp/internal/config"
	"mictcp/internal/mictcpmetrics"
)

// socketTable is the bounded array of connection slots from §4.2. It never
// reclaims a slot except through close(); allocate does an O(N) scan for a
// free slot, matching the source's mictcp_sock_lookup.c.
type socketTable struct {
	mu    sync.Mutex
	slots []*conn
	cfg   config.Config
}

func newSocketTable(cfg config.Config) *socketTable {
	return &socketTable{
		slots: make([]*conn, cfg.MaxSockets),
		cfg:   cfg,
	}
}

// allocate finds the first free slot, initialises a fresh connection record
// in it (state = CLOSED, current_seq_num = 0, fresh lock+condition), and
// returns its public descriptor. It returns -1 with no side effect if the
// table is full.
func (t *socketTable) allocate(sysFD int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, slot := range t.slots {
		if slot == nil || !slot.inUse {
			c := newConn(t.cfg.SlidingWindowWidth)
			c.publicFD = i
			c.sysFD = sysFD
			c.inUse = true
			t.slots[i] = c
			return i
		}
	}
	return -1
}

// byPublicFD looks up a connection by its public descriptor.
func (t *socketTable) byPublicFD(fd int) (*conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.slots) {
		return nil, false
	}
	c := t.slots[fd]
	if c == nil || !c.inUse {
		return nil, false
	}
	return c, true
}

// bySysFD looks up a connection by its system-level datagram descriptor,
// which is how the dispatcher demultiplexes an incoming datagram (§4.7).
func (t *socketTable) bySysFD(sysFD int) (*conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.slots {
		if c != nil && c.inUse && c.sysFD == sysFD {
			return c, true
		}
	}
	return nil, false
}

// free marks a slot free so allocate can reuse it; it does not zero the
// record (a stray waiter may still read its now-CLOSED state).
func (t *socketTable) free(fd int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd] == nil {
		return fmt.Errorf("mictcp: invalid socket %d", fd)
	}
	t.slots[fd].inUse = false
	return nil
}

// Snapshot implements mictcpmetrics.Source.
func (t *socketTable) Snapshot() []mictcpmetrics.ConnSnapshot {
	t.mu.Lock()
	slots := append([]*conn(nil), t.slots...)
	t.mu.Unlock()

	out := make([]mictcpmetrics.ConnSnapshot, 0, len(slots))
	for _, c := range slots {
		if c == nil || !c.inUse {
			continue
		}
		seq, ones, width, tolerance, lossPct, measured, state, fd, id := c.snapshot()
		out = append(out, mictcpmetrics.ConnSnapshot{
			ConnID:          id,
			PublicFD:        fd,
			State:           state.String(),
			CurrentSeqNum:   seq,
			WindowOnesCount: ones,
			WindowWidth:     width,
			Tolerance:       tolerance,
			MeasuredLossPct: lossPct,
			ProbeMeasured:   measured,
		})
	}
	return out
}
