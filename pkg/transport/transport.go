// Package transport implements the "underlying datagram primitive" MIC-TCP
// treats as an external collaborator (§6): IP_send/IP_recv over a real UDP
// socket, plus the artificial loss injector used to simulate a lossy channel
// for the reliability probe and sliding-window tests. The core transport
// engine never reaches into this package beyond the Datagram interface.
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

// Addr is the opaque IP-address-and-port pair from §3. Equality is bytewise,
// matching the spec; net.UDPAddr already gives us that via its String/IP
// comparison, so Addr is a thin wrapper kept for API stability independent
// of net.
type Addr struct {
	IP   []byte
	Port uint16
}

// UDPAddr converts to the stdlib type used by the real socket underneath.
func (a Addr) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: append([]byte(nil), a.IP...), Port: int(a.Port)}
}

// FromUDPAddr builds an Addr from a net.UDPAddr.
func FromUDPAddr(u *net.UDPAddr) Addr {
	return Addr{IP: append([]byte(nil), u.IP...), Port: uint16(u.Port)}
}

// Equal implements the bytewise equality invariant from §3.
func (a Addr) Equal(b Addr) bool {
	if a.Port != b.Port || len(a.IP) != len(b.IP) {
		return false
	}
	for i := range a.IP {
		if a.IP[i] != b.IP[i] {
			return false
		}
	}
	return true
}

// Datagram is the narrow interface the transport engine consumes: send,
// receive with a timeout, and the two collaborator-management calls from
// §6 (set_loss_rate, initialize_components).
type Datagram interface {
	Initialize(addr *net.UDPAddr) (sysFD int, err error)
	Send(sysFD int, p pdu.PDU, dest Addr) error
	Recv(ctx context.Context, sysFD int, timeout time.Duration) (p pdu.PDU, local, remote Addr, err error)
	SetLossRate(percent int)
	LocalAddr(sysFD int) (Addr, error)
	Close(sysFD int) error
}

// udpDatagram implements Datagram over real net.UDPConn sockets, one per
// sysFD, with an artificial loss injector applied on Send — grounded on the
// teacher's Server.Start/listen, which owns a single *net.UDPConn per
// process; here every socket() call gets its own conn so client and server
// roles in the same test process don't share a file descriptor. mu guards
// every field below: per §5, a connection's dispatcher goroutine and its
// application-thread caller both reach Send/Recv concurrently on the one
// udpDatagram an Engine shares across every socket() it opens, exactly the
// way Fake (fake.go) already serialises its own peers/lossPct/rng.
type udpDatagram struct {
	mu              sync.Mutex
	conns           map[int]*net.UDPConn
	nextFD          int
	lossRatePercent int
	rng             *rand.Rand
}

// NewUDP constructs a Datagram backed by real UDP sockets.
func NewUDP() Datagram {
	return &udpDatagram{
		conns: make(map[int]*net.UDPConn),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Initialize opens a new UDP socket bound to addr (nil for an ephemeral
// client port) and returns its system descriptor, mirroring
// initialize_components(mode) -> sys_fd | -1.
func (u *udpDatagram) Initialize(addr *net.UDPAddr) (int, error) {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return -1, fmt.Errorf("transport: initialize: %w", err)
	}
	u.mu.Lock()
	u.nextFD++
	fd := u.nextFD
	u.conns[fd] = conn
	u.mu.Unlock()
	return fd, nil
}

func (u *udpDatagram) SetLossRate(percent int) {
	u.mu.Lock()
	u.lossRatePercent = percent
	u.mu.Unlock()
}

// Send serialises and writes p to dest, silently dropping it per the
// configured loss rate — the artificial loss injector named in §1.
func (u *udpDatagram) Send(sysFD int, p pdu.PDU, dest Addr) error {
	u.mu.Lock()
	conn, ok := u.conns[sysFD]
	drop := ok && u.lossRatePercent > 0 && u.rng.Intn(100) < u.lossRatePercent
	u.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: send: unknown sysFD %d", sysFD)
	}
	if drop {
		return nil // dropped by the injector; this is not a transport error
	}
	_, err := conn.WriteToUDP(pdu.Encode(p), dest.UDPAddr())
	if err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

// Recv blocks up to timeout (0 means indefinite) for a datagram on sysFD.
func (u *udpDatagram) Recv(ctx context.Context, sysFD int, timeout time.Duration) (pdu.PDU, Addr, Addr, error) {
	u.mu.Lock()
	conn, ok := u.conns[sysFD]
	u.mu.Unlock()
	if !ok {
		return pdu.PDU{}, Addr{}, Addr{}, fmt.Errorf("transport: recv: unknown sysFD %d", sysFD)
	}

	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	} else if dl, ok := ctx.Deadline(); ok {
		deadline = dl
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return pdu.PDU{}, Addr{}, Addr{}, fmt.Errorf("transport: recv: set deadline: %w", err)
	}

	// net.Conn reads don't observe ctx cancellation directly; a watcher
	// forces an immediate deadline so a canceled ctx unblocks the read
	// instead of waiting out the full timeout, the standard Go idiom for
	// making a blocking net.Conn call cancellable.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-watchDone:
		}
	}()

	buf := make([]byte, 65535)
	n, remote, err := conn.ReadFromUDP(buf)
	if err != nil {
		if ctx.Err() != nil {
			return pdu.PDU{}, Addr{}, Addr{}, ctx.Err()
		}
		return pdu.PDU{}, Addr{}, Addr{}, err
	}

	p, err := pdu.Decode(buf[:n])
	if err != nil {
		return pdu.PDU{}, Addr{}, Addr{}, fmt.Errorf("transport: recv: %w", err)
	}

	local := Addr{}
	if la, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		local = FromUDPAddr(la)
	}
	return p, local, FromUDPAddr(remote), nil
}

func (u *udpDatagram) LocalAddr(sysFD int) (Addr, error) {
	u.mu.Lock()
	conn, ok := u.conns[sysFD]
	u.mu.Unlock()
	if !ok {
		return Addr{}, fmt.Errorf("transport: localaddr: unknown sysFD %d", sysFD)
	}
	la, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return Addr{}, fmt.Errorf("transport: localaddr: not a UDP addr")
	}
	return FromUDPAddr(la), nil
}

func (u *udpDatagram) Close(sysFD int) error {
	u.mu.Lock()
	conn, ok := u.conns[sysFD]
	delete(u.conns, sysFD)
	u.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Close()
}
