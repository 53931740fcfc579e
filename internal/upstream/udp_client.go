package upstream

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hydraforge/resolver/internal/dns"
	"github.com/hydraforge/resolver/internal/ports"
)

const udpRecvBufSize = 4096

// UDPClient sends each query over a fresh ephemeral UDP socket. On
// truncation it falls back to a TCP exchange against the same server.
type UDPClient struct {
	addr string
}

// NewUDPClient returns a UDP client for srv. srv.Address is host:port; a
// missing port defaults to 53.
func NewUDPClient(srv ports.UpstreamServer) *UDPClient {
	return &UDPClient{addr: withDefaultPort(srv.Address)}
}

func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, "53")
}

func (c *UDPClient) Resolve(ctx context.Context, queryBytes []byte) ([]byte, error) {
	start := time.Now()
	resp, err := c.attempt(ctx, queryBytes)
	if err == nil {
		return resp, nil
	}
	if !isRetryableTimeout(ctx, start, err) {
		return nil, err
	}
	resp, err = c.attempt(ctx, queryBytes)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// isRetryableTimeout reports whether err is a timeout and at least half of
// ctx's total deadline window (measured from start, when the first
// attempt began) still remains, per spec.
func isRetryableTimeout(ctx context.Context, start time.Time, err error) bool {
	var ce *ClientError
	if !errors.As(err, &ce) || ce.Kind != ErrTimeout {
		return false
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		return true
	}
	total := deadline.Sub(start)
	remaining := time.Until(deadline)
	return remaining >= total/2
}

func (c *UDPClient) attempt(ctx context.Context, queryBytes []byte) ([]byte, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "udp", c.addr)
	if err != nil {
		return nil, newClientError(ErrConnectionFailed, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(queryBytes); err != nil {
		return nil, newClientError(classifyNetErr(err), err)
	}

	buf := make([]byte, udpRecvBufSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, newClientError(classifyNetErr(err), err)
	}
	resp := buf[:n:n]

	if dns.IsTruncated(resp) {
		tcpResp, err := c.resolveTCP(ctx, queryBytes)
		if err != nil {
			return nil, err
		}
		return tcpResp, nil
	}
	return resp, nil
}

// resolveTCP performs a length-prefixed TCP exchange against the same
// server, per RFC 1035 section 4.2.2.
func (c *UDPClient) resolveTCP(ctx context.Context, queryBytes []byte) ([]byte, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, newClientError(ErrConnectionFailed, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	var prefix [2]byte
	if len(queryBytes) > 65535 {
		return nil, newClientError(ErrProtocolError, fmt.Errorf("query too large for TCP framing: %d bytes", len(queryBytes)))
	}
	binary.BigEndian.PutUint16(prefix[:], uint16(len(queryBytes)))
	if _, err := conn.Write(prefix[:]); err != nil {
		return nil, newClientError(classifyNetErr(err), err)
	}
	if _, err := conn.Write(queryBytes); err != nil {
		return nil, newClientError(classifyNetErr(err), err)
	}

	if _, err := io.ReadFull(conn, prefix[:]); err != nil {
		return nil, newClientError(classifyNetErr(err), err)
	}
	respLen := int(binary.BigEndian.Uint16(prefix[:]))
	if respLen == 0 {
		return nil, newClientError(ErrProtocolError, errors.New("zero-length TCP response"))
	}
	resp := make([]byte, respLen)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return nil, newClientError(classifyNetErr(err), err)
	}
	return resp, nil
}

func (c *UDPClient) Close() error { return nil }

func classifyNetErr(err error) ErrKind {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	return ErrConnectionFailed
}
