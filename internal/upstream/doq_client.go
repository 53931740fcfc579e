package upstream

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/hydraforge/resolver/internal/ports"
)

// doqNoError is the QUIC application error code for a clean DoQ
// connection close (RFC 9250 section 4.3).
const doqNoError = 0x00

// DoQClient is a DNS-over-QUIC client (RFC 9250). One quic-go Transport
// wraps a single local UDP socket shared by every stream opened against
// the server; a new bidirectional stream is opened per query and closed
// after the query half is written, exactly as the RFC requires. Grounded
// on folbricht-routedns's DoQClient/quicConnection, adapted to the
// package's raw-bytes Client contract instead of *dns.Msg.
type DoQClient struct {
	endpoint  string
	tlsConfig *tls.Config
	quicCfg   *quic.Config

	mu        sync.Mutex
	transport *quic.Transport
	conn      *quic.Conn
}

// NewDoQClient returns a DoQ client for srv.
func NewDoQClient(srv ports.UpstreamServer) (*DoQClient, error) {
	addr := withDefaultPort(srv.Address)
	sni := srv.ServerName
	if sni == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("doq: parsing endpoint %q: %w", addr, err)
		}
		sni = host
	}
	return &DoQClient{
		endpoint: addr,
		tlsConfig: &tls.Config{
			ServerName:         sni,
			NextProtos:         []string{"doq"},
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: srv.InsecureTLS,
		},
		quicCfg: &quic.Config{},
	}, nil
}

func (c *DoQClient) Resolve(ctx context.Context, queryBytes []byte) ([]byte, error) {
	if len(queryBytes) < 2 {
		return nil, newClientError(ErrProtocolError, errors.New("query too short for transaction id"))
	}
	// RFC 9250 section 4.2.1: the DNS message ID MUST be 0 on the wire.
	txid := binary.BigEndian.Uint16(queryBytes[:2])
	query := make([]byte, len(queryBytes))
	copy(query, queryBytes)
	query[0], query[1] = 0, 0

	stream, err := c.openStream(ctx)
	if err != nil {
		return nil, newClientError(ErrConnectionFailed, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetWriteDeadline(deadline)
		_ = stream.SetReadDeadline(deadline)
	}

	framed := make([]byte, 2+len(query))
	binary.BigEndian.PutUint16(framed, uint16(len(query)))
	copy(framed[2:], query)
	if _, err := stream.Write(framed); err != nil {
		return nil, newClientError(classifyNetErr(err), err)
	}
	if err := stream.Close(); err != nil {
		return nil, newClientError(classifyNetErr(err), err)
	}

	var prefix [2]byte
	if _, err := io.ReadFull(stream, prefix[:]); err != nil {
		return nil, newClientError(classifyNetErr(err), err)
	}
	n := binary.BigEndian.Uint16(prefix[:])
	resp := make([]byte, n)
	if _, err := io.ReadFull(stream, resp); err != nil {
		return nil, newClientError(classifyNetErr(err), err)
	}

	if len(resp) >= 2 {
		binary.BigEndian.PutUint16(resp[:2], txid)
	}
	return resp, nil
}

// openStream returns an open bidirectional stream on the pooled
// connection, dialing (or redialing, if the previous connection died) as
// needed.
func (c *DoQClient) openStream(ctx context.Context) (*quic.Stream, error) {
	rAddr, err := net.ResolveUDPAddr("udp", c.endpoint)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport == nil {
		udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
		if err != nil {
			return nil, err
		}
		c.transport = &quic.Transport{Conn: udpConn}
	}
	if c.conn == nil {
		conn, err := c.transport.Dial(ctx, rAddr, c.tlsConfig, c.quicCfg)
		if err != nil {
			return nil, err
		}
		c.conn = conn
	}

	stream, err := c.conn.OpenStreamSync(ctx)
	if err == nil {
		return stream, nil
	}

	// Existing connection is dead; redial once and retry.
	_ = c.conn.CloseWithError(doqNoError, "")
	conn, dialErr := c.transport.Dial(ctx, rAddr, c.tlsConfig, c.quicCfg)
	if dialErr != nil {
		c.conn = nil
		return nil, dialErr
	}
	c.conn = conn
	return c.conn.OpenStreamSync(ctx)
}

func (c *DoQClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.CloseWithError(doqNoError, "")
		c.conn = nil
	}
	if c.transport != nil {
		err := c.transport.Close()
		c.transport = nil
		return err
	}
	return nil
}
