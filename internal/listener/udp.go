package listener

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"runtime"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hydraforge/resolver/internal/dns"
	"github.com/hydraforge/resolver/internal/pool"
)

const (
	socketRecvBufferSize = 4 * 1024 * 1024
	socketSendBufferSize = 4 * 1024 * 1024
)

// DefaultWorkersPerSocket is the default number of worker goroutines per
// UDP socket.
const DefaultWorkersPerSocket = 1024

var udpBufferPool = pool.New(func() *[]byte {
	buf := make([]byte, dns.MaxIncomingDNSMessageSize)
	return &buf
})

// UDPListener serves DNS over plain UDP/53. One socket per CPU core
// (SO_REUSEPORT), a fixed worker pool per socket, pooled receive buffers,
// and EDNS-aware response truncation. Grounded on server/udp_server.go,
// adapted to the listener.QueryHandler seam and ports.Protocol stats.
type UDPListener struct {
	Handler          *QueryHandler
	Limiter          *RateLimiter
	Stats            *protocolStats
	WorkersPerSocket int

	conns []*net.UDPConn
	wg    sync.WaitGroup
}

type udpPacket struct {
	bufPtr *[]byte
	n      int
	peer   *net.UDPAddr
}

// Run starts the listener on addr and blocks until ctx is cancelled.
func (s *UDPListener) Run(ctx context.Context, addr string) error {
	if s.WorkersPerSocket <= 0 {
		s.WorkersPerSocket = DefaultWorkersPerSocket
	}

	socketCount := runtime.NumCPU()
	s.conns = make([]*net.UDPConn, 0, socketCount)

	for range socketCount {
		conn, err := listenUDPReusePort(addr)
		if err != nil {
			for _, c := range s.conns {
				_ = c.Close()
			}
			return err
		}
		_ = conn.SetReadBuffer(socketRecvBufferSize)
		_ = conn.SetWriteBuffer(socketSendBufferSize)
		s.conns = append(s.conns, conn)

		ch := make(chan udpPacket, s.WorkersPerSocket*2)
		c := conn
		s.wg.Go(func() { s.recvLoop(ctx, c, ch) })
		for range s.WorkersPerSocket {
			s.wg.Go(func() { s.workerLoop(ctx, c, ch) })
		}
	}

	<-ctx.Done()
	return s.Stop(5 * time.Second)
}

func (s *UDPListener) recvLoop(ctx context.Context, conn *net.UDPConn, out chan<- udpPacket) {
	for {
		bufPtr := udpBufferPool.Get()
		buf := *bufPtr

		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			udpBufferPool.Put(bufPtr)
			return
		}

		if s.Limiter != nil {
			ip, ok := netipAddrFromUDPAddr(peer)
			if !ok || !s.Limiter.AllowAddr(ip) {
				udpBufferPool.Put(bufPtr)
				continue
			}
		}

		select {
		case out <- udpPacket{bufPtr, n, peer}:
		default:
			udpBufferPool.Put(bufPtr)
		}
	}
}

func (s *UDPListener) workerLoop(ctx context.Context, conn *net.UDPConn, in <-chan udpPacket) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-in:
			if !ok {
				return
			}
			s.handlePacket(ctx, conn, p)
		}
	}
}

func (s *UDPListener) handlePacket(ctx context.Context, conn *net.UDPConn, p udpPacket) {
	defer udpBufferPool.Put(p.bufPtr)
	if s.Handler == nil {
		return
	}

	payload := (*p.bufPtr)[:p.n]
	peerIP := p.peer.IP.String()
	res := s.Handler.Handle(ctx, "udp", peerIP, payload)
	s.Stats.record()
	if len(res.ResponseBytes) == 0 {
		return
	}

	resp := res.ResponseBytes
	if res.ParsedOK {
		maxSize := min(dns.ClientMaxUDPSize(res.Parsed), dns.EDNSMaxUDPPayloadSize)
		resp = truncateUDPResponse(resp, maxSize)
	}
	_, _ = conn.WriteToUDP(resp, p.peer)
}

// Stop closes all sockets and waits up to timeout for goroutines to exit.
func (s *UDPListener) Stop(timeout time.Duration) error {
	for _, c := range s.conns {
		_ = c.Close()
	}
	if timeout <= 0 {
		s.wg.Wait()
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("udp listener: timeout waiting for goroutines to exit")
	}
}

func netipAddrFromUDPAddr(addr *net.UDPAddr) (netip.Addr, bool) {
	if addr == nil {
		return netip.Addr{}, false
	}
	ip, ok := netip.AddrFromSlice(addr.IP)
	if !ok {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}

func listenUDPReusePort(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp", udpAddr.String())
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}
