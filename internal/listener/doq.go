package listener

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/hydraforge/resolver/internal/dns"
)

const doqNoError = 0x00

// DoQListener serves DNS-over-QUIC (RFC 9250): each query arrives on its
// own client-initiated bidirectional stream, 2-byte length framed, and
// the server replies on the same stream then closes it. Grounded on
// other_examples's CoreDNS SQUIC listener (quic.Listen / AcceptStream /
// per-connection accept loop), updated from that example's old quic-go
// API to v0.58's *quic.Listener/*quic.Conn, and on RFC 9250 section 4.2's
// framing (matching upstream.DoQClient's wire shape on the client side).
type DoQListener struct {
	Handler    *QueryHandler
	Stats      *protocolStats
	TLSConfig  *tls.Config
	QUICConfig *quic.Config

	listener *quic.Listener
}

// Run starts the QUIC listener on addr and blocks until ctx is cancelled.
func (s *DoQListener) Run(ctx context.Context, addr string) error {
	tlsConfig := s.TLSConfig.Clone()
	tlsConfig.NextProtos = []string{"doq"}

	cfg := s.QUICConfig
	if cfg == nil {
		cfg = &quic.Config{}
	}

	ln, err := quic.ListenAddr(addr, tlsConfig, cfg)
	if err != nil {
		return err
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

// Stop closes the listener, aborting any in-flight accepts.
func (s *DoQListener) Stop(_ time.Duration) error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *DoQListener) handleConn(ctx context.Context, conn *quic.Conn) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			_ = conn.CloseWithError(doqNoError, "")
			return
		}
		go func() {
			s.handleStream(ctx, conn, stream)
			_ = stream.Close()
		}()
	}
}

func (s *DoQListener) handleStream(ctx context.Context, conn *quic.Conn, stream *quic.Stream) {
	_ = stream.SetReadDeadline(time.Now().Add(tcpReadTimeout))

	var prefix [2]byte
	if _, err := io.ReadFull(stream, prefix[:]); err != nil {
		return
	}
	n := binary.BigEndian.Uint16(prefix[:])
	if int(n) > dns.MaxIncomingDNSMessageSize {
		return
	}
	query := make([]byte, n)
	if _, err := io.ReadFull(stream, query); err != nil {
		return
	}

	if s.Handler == nil {
		return
	}

	peer := ""
	if addr := conn.RemoteAddr(); addr != nil {
		peer = addr.String()
	}

	res := s.Handler.Handle(ctx, "doq", peer, query)
	s.Stats.record()
	if len(res.ResponseBytes) == 0 {
		return
	}

	framed := make([]byte, 2+len(res.ResponseBytes))
	binary.BigEndian.PutUint16(framed, uint16(len(res.ResponseBytes)))
	copy(framed[2:], res.ResponseBytes)

	_ = stream.SetWriteDeadline(time.Now().Add(tcpReadTimeout))
	_, _ = stream.Write(framed)
}
