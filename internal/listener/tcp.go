package listener

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"runtime"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hydraforge/resolver/internal/pool"
)

var lenBufPool = pool.New(func() *[]byte {
	buf := make([]byte, 2)
	return &buf
})

const (
	maxTCPMessageSize        = 65535
	tcpReadTimeout           = 10 * time.Second
	tcpConnectionIdleTimeout = 30 * time.Second
	maxTCPConnectionsPerIP   = 10
	maxQueriesPerConnection  = 100
)

// TCPListener serves length-prefixed DNS over a net.Listener (RFC 1035
// section 4.2.2 framing). Used directly for plain DNS-over-TCP and, with
// TLSConfig set, as the DoT/853 listener (the same accept loop wrapped in
// tls.NewListener). Grounded on server/tcp_server.go, adapted to the
// listener.QueryHandler seam; protocol label ("tcp" or "dot") threaded
// through to Handler.Handle and per-listener stats.
type TCPListener struct {
	Handler       *QueryHandler
	Stats         *protocolStats
	TransportName string // "tcp" or "dot", passed to Handler.Handle
	TLSConfig     *tls.Config

	listeners []net.Listener
	wg        sync.WaitGroup
	mu        sync.Mutex
	connPerIP map[string]int
}

// Run starts the listener(s) on addr and blocks until ctx is cancelled.
func (s *TCPListener) Run(ctx context.Context, addr string) error {
	socketCount := runtime.NumCPU()
	s.listeners = make([]net.Listener, 0, socketCount)

	s.mu.Lock()
	if s.connPerIP == nil {
		s.connPerIP = map[string]int{}
	}
	s.mu.Unlock()

	for range socketCount {
		ln, err := listenTCPReusePort(ctx, addr)
		if err != nil {
			for _, l := range s.listeners {
				_ = l.Close()
			}
			return err
		}
		if s.TLSConfig != nil {
			ln = tls.NewListener(ln, s.TLSConfig)
		}
		s.listeners = append(s.listeners, ln)

		listener := ln
		s.wg.Go(func() { s.acceptLoop(ctx, listener) })
	}

	<-ctx.Done()
	return s.Stop(5 * time.Second)
}

func (s *TCPListener) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}

		remoteIP := remoteIPString(c.RemoteAddr())
		if !s.tryAcquireConn(remoteIP) {
			_ = c.Close()
			continue
		}

		conn := c
		ip := remoteIP
		s.wg.Go(func() { s.handleConnection(ctx, conn, ip) })
	}
}

func (s *TCPListener) handleConnection(ctx context.Context, conn net.Conn, ip string) {
	defer s.releaseConn(ip)
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(tcpConnectionIdleTimeout))

	transport := s.TransportName
	if transport == "" {
		transport = "tcp"
	}

	for range maxQueriesPerConnection {
		if ctx.Err() != nil {
			return
		}

		msg, ok := s.readMessage(conn)
		if !ok {
			return
		}
		if len(msg) == 0 {
			continue
		}

		_ = conn.SetDeadline(time.Now().Add(tcpConnectionIdleTimeout))

		if s.Handler == nil {
			return
		}

		remoteIP := remoteIPString(conn.RemoteAddr())
		res := s.Handler.Handle(ctx, transport, remoteIP, msg)
		s.Stats.record()
		if len(res.ResponseBytes) == 0 {
			continue
		}
		if !s.writeMessage(conn, res.ResponseBytes) {
			return
		}
	}
}

func (s *TCPListener) readMessage(conn net.Conn) ([]byte, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(tcpReadTimeout))
	lenBufPtr := lenBufPool.Get()
	lenBuf := *lenBufPtr
	_, err := io.ReadFull(conn, lenBuf)
	if err != nil {
		lenBufPool.Put(lenBufPtr)
		return nil, false
	}
	msgLen := int(binary.BigEndian.Uint16(lenBuf))
	lenBufPool.Put(lenBufPtr)

	if msgLen == 0 {
		return nil, true
	}
	if msgLen > maxTCPMessageSize {
		return nil, false
	}

	_ = conn.SetReadDeadline(time.Now().Add(tcpReadTimeout))
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(conn, msg); err != nil {
		return nil, false
	}
	return msg, true
}

func (s *TCPListener) writeMessage(conn net.Conn, response []byte) bool {
	respLen := len(response)
	if respLen > maxTCPMessageSize {
		return false
	}

	_ = conn.SetWriteDeadline(time.Now().Add(tcpReadTimeout))

	lenBufPtr := lenBufPool.Get()
	lenBuf := *lenBufPtr
	binary.BigEndian.PutUint16(lenBuf, uint16(respLen))

	bufs := net.Buffers{lenBuf, response}
	_, err := bufs.WriteTo(conn)

	lenBufPool.Put(lenBufPtr)
	return err == nil
}

// Stop closes all listeners and waits up to timeout for connections to
// finish.
func (s *TCPListener) Stop(timeout time.Duration) error {
	for _, ln := range s.listeners {
		_ = ln.Close()
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
		return errors.New("tcp listener: timeout waiting for connections")
	}
}

func listenTCPReusePort(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
		},
	}
	return lc.Listen(ctx, "tcp", addr)
}

func remoteIPString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err == nil {
		return host
	}
	return addr.String()
}

func (s *TCPListener) tryAcquireConn(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.connPerIP[ip]
	if cur >= maxTCPConnectionsPerIP {
		return false
	}
	s.connPerIP[ip] = cur + 1
	return true
}

func (s *TCPListener) releaseConn(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.connPerIP[ip]
	if cur <= 1 {
		delete(s.connPerIP, ip)
		return
	}
	s.connPerIP[ip] = cur - 1
}
