package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hydraforge/resolver/internal/ports"
)

const dohContentType = "application/dns-message"

// DoHClient speaks DNS-over-HTTPS (RFC 8484) using a POST request per
// query, the wire-format query as the request body. Grounded on
// folbricht-routedns's DoHClient.buildPostRequest/responseFromHTTP, traded
// down from its pluggable GET/POST/QUIC-transport options to the POST/TCP
// shape this pool exclusively needs.
type DoHClient struct {
	url        string
	httpClient *http.Client
}

// NewDoHClient returns a DoH client for srv. srv.Address is used as the
// request URL verbatim if it already looks like one (scheme present),
// otherwise it is treated as a host[:port] and the standard
// "/dns-query" path is assumed.
func NewDoHClient(srv ports.UpstreamServer) *DoHClient {
	endpoint := srv.Address
	if _, err := url.ParseRequestURI(endpoint); err != nil || !hasScheme(endpoint) {
		endpoint = "https://" + endpoint + "/dns-query"
	}
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: srv.InsecureTLS,
	}
	if srv.ServerName != "" {
		tlsConfig.ServerName = srv.ServerName
	}
	transport := &http.Transport{
		TLSClientConfig:     tlsConfig,
		ForceAttemptHTTP2:   true,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	return &DoHClient{
		url:        endpoint,
		httpClient: &http.Client{Transport: transport},
	}
}

func hasScheme(s string) bool {
	for i := range len(s) {
		switch s[i] {
		case ':':
			return i > 0
		case '/', '?', '#':
			return false
		}
	}
	return false
}

func (c *DoHClient) Resolve(ctx context.Context, queryBytes []byte) ([]byte, error) {
	if len(queryBytes) < 2 {
		return nil, newClientError(ErrProtocolError, errors.New("query too short for transaction id"))
	}
	txid := binary.BigEndian.Uint16(queryBytes[:2])

	// RFC 8484 recommends ID=0 so intermediate caches can share responses;
	// the client-facing id is restored below.
	query := make([]byte, len(queryBytes))
	copy(query, queryBytes)
	query[0], query[1] = 0, 0

	var resp *http.Response
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(query))
		if err != nil {
			return nil, newClientError(ErrProtocolError, err)
		}
		req.Header.Set("content-type", dohContentType)
		req.Header.Set("accept", dohContentType)

		resp, err = c.httpClient.Do(req)
		if err != nil {
			return nil, newClientError(classifyHTTPErr(err), err)
		}
		// A 5xx status is retried once; 4xx and other non-2xx statuses are not.
		if resp.StatusCode >= 500 && attempt == 0 {
			resp.Body.Close()
			continue
		}
		break
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newClientError(ErrProtocolError, fmt.Errorf("doh: unexpected HTTP status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 65535))
	if err != nil {
		return nil, newClientError(ErrProtocolError, err)
	}
	if len(body) >= 2 {
		binary.BigEndian.PutUint16(body[:2], txid)
	}
	return body, nil
}

func classifyHTTPErr(err error) ErrKind {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	return ErrConnectionFailed
}

func (c *DoHClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
