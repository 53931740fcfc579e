package listener

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/hydraforge/resolver/internal/cache"
	"github.com/hydraforge/resolver/internal/dns"
)

const (
	dohPath             = "/dns-query"
	dohContentTypeHdr   = "application/dns-message"
	dohMaxRequestBody   = dns.MaxIncomingDNSMessageSize
	dohReadWriteTimeout = 10 * time.Second
)

// DoHListener serves DNS-over-HTTPS (RFC 8484) on /dns-query, both
// GET (base64url "dns" query parameter) and POST
// (application/dns-message body). New relative to the source project —
// grounded in stdlib net/http and RFC 8484's wire framing, which mirrors
// the POST shape upstream.DoHClient already speaks.
type DoHListener struct {
	Handler   *QueryHandler
	Stats     *protocolStats
	TLSConfig *tls.Config

	server *http.Server
}

// Run starts the HTTPS listener on addr and blocks until ctx is
// cancelled.
func (s *DoHListener) Run(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc(dohPath, s.serveDNS)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  dohReadWriteTimeout,
		WriteTimeout: dohReadWriteTimeout,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if s.TLSConfig != nil {
		ln = tls.NewListener(ln, s.TLSConfig)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.Serve(ln) }()

	select {
	case <-ctx.Done():
		return s.Stop(5 * time.Second)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Stop gracefully shuts the HTTP server down, waiting up to timeout.
func (s *DoHListener) Stop(timeout time.Duration) error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *DoHListener) serveDNS(w http.ResponseWriter, r *http.Request) {
	var reqBytes []byte
	switch r.Method {
	case http.MethodGet:
		raw := r.URL.Query().Get("dns")
		if raw == "" {
			http.Error(w, "missing dns parameter", http.StatusBadRequest)
			return
		}
		b, err := base64.RawURLEncoding.DecodeString(raw)
		if err != nil {
			http.Error(w, "invalid dns parameter", http.StatusBadRequest)
			return
		}
		reqBytes = b
	case http.MethodPost:
		if ct := r.Header.Get("content-type"); ct != "" && ct != dohContentTypeHdr {
			http.Error(w, "unsupported content-type", http.StatusUnsupportedMediaType)
			return
		}
		b, err := io.ReadAll(io.LimitReader(r.Body, dohMaxRequestBody))
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		reqBytes = b
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.Handler == nil {
		http.Error(w, "no handler configured", http.StatusServiceUnavailable)
		return
	}

	res := s.Handler.Handle(r.Context(), "doh", r.RemoteAddr, reqBytes)
	s.Stats.record()
	if len(res.ResponseBytes) == 0 {
		http.Error(w, "resolution failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("content-type", dohContentTypeHdr)
	if maxAge, ok := answerMinTTL(res.ResponseBytes); ok {
		w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", maxAge))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.ResponseBytes)
}

// answerMinTTL reports the minimum TTL among resp's answer records, per
// RFC 8484 section 5.1's guidance that a DoH response's HTTP freshness
// lifetime track the DNS answer's own TTL. ok is false when resp fails to
// parse or carries no answers to derive a TTL from.
func answerMinTTL(resp []byte) (ttl uint32, ok bool) {
	parsed, err := dns.ParsePacket(resp)
	if err != nil || len(parsed.Answers) == 0 {
		return 0, false
	}
	ttl = cache.MinTTL(parsed.Answers)
	return ttl, true
}
