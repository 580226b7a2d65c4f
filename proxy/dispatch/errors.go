package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"syscall"

	"github.com/linkerd/multipass/proxy/route"
	"golang.org/x/net/http2"
)

// ErrorKind classifies a failed dispatch.
type ErrorKind int

const (
	Unknown ErrorKind = iota
	Refused
	Reset
	Timeout
	Canceled
)

type (
	// Error is a failure to get a response from a backend.
	Error struct {
		Backend route.Name
		Addr    netip.AddrPort
		Kind    ErrorKind
		Err     error
	}

	// ProtocolError is a framing or protocol violation on either side of
	// the proxy. The connection it happened on cannot be trusted, so it is
	// never answered with a synthetic response.
	ProtocolError struct {
		Err error
	}
)

func (k ErrorKind) String() string {
	switch k {
	case Refused:
		return "refused"
	case Reset:
		return "reset"
	case Timeout:
		return "timeout"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed to dispatch to %s at %s (%s): %s", e.Backend, e.Addr, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusCode is the status a client should see for this failure.
func (e *Error) StatusCode() int {
	if e.Kind == Timeout {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func classify(backend route.Name, addr netip.AddrPort, err error) error {
	if isProtocolError(err) {
		return &ProtocolError{Err: err}
	}

	kind := Unknown
	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = Refused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		kind = Reset
	case errors.Is(err, context.DeadlineExceeded):
		kind = Timeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = Timeout
	case errors.Is(err, context.Canceled):
		kind = Canceled
	}
	return &Error{Backend: backend, Addr: addr, Kind: kind, Err: err}
}

func isProtocolError(err error) bool {
	var (
		streamErr http2.StreamError
		connErr   http2.ConnectionError
		goAway    http2.GoAwayError
	)
	if errors.As(err, &streamErr) || errors.As(err, &connErr) || errors.As(err, &goAway) {
		return true
	}
	// net/http does not export its parse errors.
	msg := err.Error()
	return strings.Contains(msg, "malformed HTTP") || strings.Contains(msg, "bogus greeting")
}
