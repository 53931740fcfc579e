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
	"time"

	"github.com/hydraforge/resolver/internal/ports"
)

const dotIdleTimeout = 30 * time.Second

var dotBackoffSteps = []time.Duration{100 * time.Millisecond, 400 * time.Millisecond, 1600 * time.Millisecond, 5 * time.Second}

// DoTClient maintains one pipelined TLS connection per server, matching
// responses to requests by transaction id. Connections are reopened with
// bounded backoff after a transport failure and closed after 30s idle.
type DoTClient struct {
	addr       string
	serverName string
	tlsConfig  *tls.Config

	mu        sync.Mutex
	conn      net.Conn
	pending   map[uint16]chan dotResult
	idleTimer *time.Timer
	closed    bool

	backoffIdx int
}

type dotResult struct {
	resp []byte
	err  error
}

// NewDoTClient returns a DoT client for srv.
func NewDoTClient(srv ports.UpstreamServer) *DoTClient {
	addr := withDefaultPort(srv.Address)
	sni := srv.ServerName
	if sni == "" {
		host, _, err := net.SplitHostPort(addr)
		if err == nil {
			sni = host
		} else {
			sni = addr
		}
	}
	return &DoTClient{
		addr:       addr,
		serverName: sni,
		tlsConfig: &tls.Config{
			ServerName:         sni,
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: srv.InsecureTLS,
		},
		pending: make(map[uint16]chan dotResult),
	}
}

func (c *DoTClient) Resolve(ctx context.Context, queryBytes []byte) ([]byte, error) {
	if len(queryBytes) < 2 {
		return nil, newClientError(ErrProtocolError, errors.New("query too short for transaction id"))
	}
	txid := binary.BigEndian.Uint16(queryBytes[:2])

	ch := make(chan dotResult, 1)
	conn, err := c.register(txid, ch)
	if err != nil {
		return nil, err
	}

	var framed [2]byte
	binary.BigEndian.PutUint16(framed[:], uint16(len(queryBytes)))
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(append(framed[:], queryBytes...)); err != nil {
		c.invalidate(txid, conn)
		return nil, newClientError(classifyNetErr(err), err)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return r.resp, nil
	case <-ctx.Done():
		c.unregister(txid)
		return nil, newClientError(ErrTimeout, ctx.Err())
	}
}

// register ensures a live connection and registers ch to receive the
// response for txid, starting the reader loop if this is a fresh
// connection.
func (c *DoTClient) register(txid uint16, ch chan dotResult) (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, newClientError(ErrConnectionFailed, errors.New("client closed"))
	}
	if c.conn == nil {
		conn, err := c.dial()
		if err != nil {
			return nil, err
		}
		c.conn = conn
		c.pending = make(map[uint16]chan dotResult)
		go c.readLoop(conn)
	}
	c.pending[txid] = ch
	c.resetIdleLocked()
	return c.conn, nil
}

func (c *DoTClient) dial() (net.Conn, error) {
	d := tls.Dialer{Config: c.tlsConfig}
	var lastErr error
	for i, wait := range append([]time.Duration{0}, dotBackoffSteps...) {
		if i > 0 {
			time.Sleep(wait)
		}
		conn, err := d.Dial("tcp", c.addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, newClientError(ErrConnectionFailed, lastErr)
}

func (c *DoTClient) readLoop(conn net.Conn) {
	var prefix [2]byte
	for {
		if _, err := io.ReadFull(conn, prefix[:]); err != nil {
			c.failAll(conn, newClientError(classifyNetErr(err), err))
			return
		}
		n := binary.BigEndian.Uint16(prefix[:])
		resp := make([]byte, n)
		if _, err := io.ReadFull(conn, resp); err != nil {
			c.failAll(conn, newClientError(classifyNetErr(err), err))
			return
		}
		if len(resp) < 2 {
			continue
		}
		txid := binary.BigEndian.Uint16(resp[:2])
		c.deliver(conn, txid, dotResult{resp: resp})
	}
}

func (c *DoTClient) deliver(conn net.Conn, txid uint16, r dotResult) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	ch, ok := c.pending[txid]
	if ok {
		delete(c.pending, txid)
	}
	c.mu.Unlock()
	if ok {
		ch <- r
	}
}

func (c *DoTClient) failAll(conn net.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	pending := c.pending
	c.pending = make(map[uint16]chan dotResult)
	c.conn = nil
	c.mu.Unlock()
	_ = conn.Close()
	for _, ch := range pending {
		ch <- dotResult{err: err}
	}
}

func (c *DoTClient) invalidate(txid uint16, conn net.Conn) {
	c.mu.Lock()
	delete(c.pending, txid)
	sameConn := c.conn == conn
	if sameConn {
		c.conn = nil
	}
	c.mu.Unlock()
	if sameConn {
		_ = conn.Close()
	}
}

func (c *DoTClient) unregister(txid uint16) {
	c.mu.Lock()
	delete(c.pending, txid)
	c.mu.Unlock()
}

// resetIdleLocked restarts the idle-close timer. Caller holds c.mu.
func (c *DoTClient) resetIdleLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	conn := c.conn
	c.idleTimer = time.AfterFunc(dotIdleTimeout, func() {
		c.closeIfIdle(conn)
	})
}

func (c *DoTClient) closeIfIdle(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn || len(c.pending) > 0 {
		return
	}
	_ = conn.Close()
	c.conn = nil
}

func (c *DoTClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

var _ fmt.Stringer = (*DoTClient)(nil)

func (c *DoTClient) String() string { return fmt.Sprintf("dot://%s", c.addr) }
