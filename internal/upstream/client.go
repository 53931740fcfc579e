// Package upstream implements the per-protocol upstream DNS clients and the
// pool that selects among them.
package upstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/hydraforge/resolver/internal/ports"
)

// ErrKind classifies why a client failed to produce an answer.
type ErrKind int

const (
	ErrTimeout ErrKind = iota
	ErrConnectionFailed
	ErrProtocolError
	ErrRemoteSERVFAIL
)

func (k ErrKind) String() string {
	switch k {
	case ErrTimeout:
		return "timeout"
	case ErrConnectionFailed:
		return "connection-failed"
	case ErrProtocolError:
		return "protocol-error"
	case ErrRemoteSERVFAIL:
		return "remote-servfail"
	default:
		return "unknown"
	}
}

// ClientError wraps a classified upstream client failure.
type ClientError struct {
	Kind ErrKind
	Err  error
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Kind, e.Err)
}

func (e *ClientError) Unwrap() error { return e.Err }

func newClientError(kind ErrKind, err error) *ClientError {
	return &ClientError{Kind: kind, Err: err}
}

// IsTimeout reports whether err is a ClientError of kind ErrTimeout.
func IsTimeout(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce) && ce.Kind == ErrTimeout
}

// Client is the uniform contract every protocol variant implements: send a
// raw, wire-encoded DNS message and return the raw, wire-encoded answer.
// Implementations MUST honor ctx's deadline and free their transport slot
// when it elapses.
type Client interface {
	Resolve(ctx context.Context, queryBytes []byte) ([]byte, error)
	Close() error
}

// NewClient builds the Client variant matching srv.Protocol.
func NewClient(srv ports.UpstreamServer) (Client, error) {
	switch srv.Protocol {
	case ports.ProtocolUDP:
		return NewUDPClient(srv), nil
	case ports.ProtocolDoT:
		return NewDoTClient(srv), nil
	case ports.ProtocolDoH:
		return NewDoHClient(srv), nil
	case ports.ProtocolDoQ:
		return NewDoQClient(srv)
	default:
		return nil, fmt.Errorf("upstream: unsupported protocol %v", srv.Protocol)
	}
}
