package transport

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"mictcp/pkg/pdu"
)

// Fake is an in-memory Datagram implementation for unit tests: it pipes
// PDUs between sysFDs registered in the same Fake without touching a real
// socket, while still honoring SetLossRate. Grounded on the teacher's test
// style of exercising protocol logic without opening real UDP sockets
// (source/protocol/raknet_test.go constructs packets directly in memory).
type Fake struct {
	mu      sync.Mutex
	nextFD  int
	peers   map[int]*fakeEndpoint
	lossPct int
	rng     *rand.Rand
}

type fakeEndpoint struct {
	addr Addr
	in   chan fakeDatagram
}

type fakeDatagram struct {
	p    pdu.PDU
	from Addr
}

// NewFake constructs an empty in-memory fabric. Register endpoints with
// Initialize; Send routes each datagram to the endpoint whose address
// equals the destination.
func NewFake() *Fake {
	return &Fake{
		peers: make(map[int]*fakeEndpoint),
		rng:   rand.New(rand.NewSource(1)),
	}
}

func (f *Fake) Initialize(addr *net.UDPAddr) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextFD++
	fd := f.nextFD
	a := Addr{Port: uint16(fd)}
	if addr != nil {
		a = FromUDPAddr(addr)
	}
	f.peers[fd] = &fakeEndpoint{addr: a, in: make(chan fakeDatagram, 64)}
	return fd, nil
}

// SetLossRate configures a process-wide loss rate applied to every Send,
// matching set_loss_rate's single global injector in the source.
func (f *Fake) SetLossRate(percent int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lossPct = percent
}

func (f *Fake) Send(sysFD int, p pdu.PDU, dest Addr) error {
	f.mu.Lock()
	srcAddr := Addr{}
	if ep, ok := f.peers[sysFD]; ok {
		srcAddr = ep.addr
	}
	drop := f.lossPct > 0 && f.rng.Intn(100) < f.lossPct
	f.mu.Unlock()

	if drop {
		return nil
	}

	f.mu.Lock()
	var target *fakeEndpoint
	for _, ep := range f.peers {
		if ep.addr.Equal(dest) {
			target = ep
			break
		}
	}
	f.mu.Unlock()
	if target == nil {
		return fmt.Errorf("transport/fake: no peer at %+v", dest)
	}
	select {
	case target.in <- fakeDatagram{p: p, from: srcAddr}:
	default:
		// simulate a full receive queue as a silent drop, consistent with
		// IP_send's best-effort contract.
	}
	return nil
}

func (f *Fake) Recv(ctx context.Context, sysFD int, timeout time.Duration) (pdu.PDU, Addr, Addr, error) {
	f.mu.Lock()
	ep, ok := f.peers[sysFD]
	f.mu.Unlock()
	if !ok {
		return pdu.PDU{}, Addr{}, Addr{}, fmt.Errorf("transport/fake: unknown sysFD %d", sysFD)
	}

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case d := <-ep.in:
		return d.p, ep.addr, d.from, nil
	case <-timeoutCh:
		return pdu.PDU{}, Addr{}, Addr{}, fmt.Errorf("transport/fake: recv timeout")
	case <-ctx.Done():
		return pdu.PDU{}, Addr{}, Addr{}, ctx.Err()
	}
}

func (f *Fake) LocalAddr(sysFD int) (Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ep, ok := f.peers[sysFD]
	if !ok {
		return Addr{}, fmt.Errorf("transport/fake: unknown sysFD %d", sysFD)
	}
	return ep.addr, nil
}

func (f *Fake) Close(sysFD int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.peers, sysFD)
	return nil
}
