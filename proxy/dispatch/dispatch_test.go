package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/linkerd/multipass/proxy/discovery"
	"github.com/linkerd/multipass/proxy/route"
	logging "github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
)

func resolvedAt(t *testing.T, srv *httptest.Server) *discovery.ResolvedAddress {
	t.Helper()
	addr, err := netip.ParseAddrPort(strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("Failed to parse test server address %s: %s", srv.URL, err)
	}
	return &discovery.ResolvedAddress{Addr: addr, Name: "printer.local."}
}

func echoServer(t *testing.T, name string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Backend", name)
		w.Header().Set("X-Seen-Host", r.Host)
		w.Header().Set("X-Seen-Forwarded", r.Header.Get("Forwarded"))
		fmt.Fprintf(w, "%s?%s", r.URL.Path, r.URL.RawQuery)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testDispatcher(t *testing.T, config Config) *Dispatcher {
	d := New(config, logging.WithField("test", t.Name()))
	t.Cleanup(d.Close)
	return d
}

func TestDispatchForwardsRequest(t *testing.T) {
	srv := echoServer(t, "a")
	d := testDispatcher(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "http://printer.local/api/status?x=1", nil)
	rec := httptest.NewRecorder()
	if err := d.Dispatch(rec, req, "printer.local.", resolvedAt(t, srv)); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); body != "/api/status?x=1" {
		t.Fatalf("Expected path and query to be forwarded, got %q", body)
	}
	if host := rec.Header().Get("X-Seen-Host"); host != "printer.local" {
		t.Fatalf("Expected the client's Host to be kept, got %q", host)
	}
	if fwd := rec.Header().Get("X-Seen-Forwarded"); fwd != "for=192.0.2.1;host=printer.local" {
		t.Fatalf("Unexpected Forwarded header %q", fwd)
	}
}

func TestDispatchDefaultAuthority(t *testing.T) {
	srv := echoServer(t, "a")
	d := testDispatcher(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = ""
	rec := httptest.NewRecorder()
	if err := d.Dispatch(rec, req, "printer.local.", resolvedAt(t, srv)); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if host := rec.Header().Get("X-Seen-Host"); host != "printer.local" {
		t.Fatalf("Expected the advertised name as authority, got %q", host)
	}
}

func TestDispatchConnectionRefused(t *testing.T) {
	// Reserve a port and release it so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %s", err)
	}
	addr := netip.MustParseAddrPort(ln.Addr().String())
	ln.Close()

	d := testDispatcher(t, Config{})
	rec := httptest.NewRecorder()
	err = d.Dispatch(rec, httptest.NewRequest(http.MethodGet, "/", nil), "printer.local.",
		&discovery.ResolvedAddress{Addr: addr, Name: "printer.local."})

	var dispatchErr *Error
	if !errors.As(err, &dispatchErr) {
		t.Fatalf("Expected *Error, got %v", err)
	}
	if dispatchErr.Kind != Refused {
		t.Fatalf("Expected a refused connection, got %s", dispatchErr.Kind)
	}
	if dispatchErr.StatusCode() != http.StatusBadGateway {
		t.Fatalf("Expected 502, got %d", dispatchErr.StatusCode())
	}
	if rec.Body.Len() != 0 || len(rec.Header()) != 0 {
		t.Fatalf("Expected nothing to be written on failure, got %v %q", rec.Header(), rec.Body.String())
	}
}

func TestDispatchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	d := testDispatcher(t, Config{ResponseHeaderTimeout: 50 * time.Millisecond})
	err := d.Dispatch(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), "printer.local.", resolvedAt(t, srv))

	var dispatchErr *Error
	if !errors.As(err, &dispatchErr) {
		t.Fatalf("Expected *Error, got %v", err)
	}
	if dispatchErr.Kind != Timeout || dispatchErr.StatusCode() != http.StatusGatewayTimeout {
		t.Fatalf("Expected a 504 timeout, got %s (%d)", dispatchErr.Kind, dispatchErr.StatusCode())
	}
}

func TestDispatchFollowsAddressChanges(t *testing.T) {
	a := echoServer(t, "a")
	b := echoServer(t, "b")
	d := testDispatcher(t, Config{})

	for _, step := range []struct {
		srv      *httptest.Server
		expected string
	}{
		{a, "a"},
		{a, "a"},
		{b, "b"},
	} {
		rec := httptest.NewRecorder()
		target := resolvedAt(t, step.srv)
		if err := d.Dispatch(rec, httptest.NewRequest(http.MethodGet, "/", nil), "printer.local.", target); err != nil {
			t.Fatalf("Unexpected error: %s", err)
		}
		if backend := rec.Header().Get("X-Backend"); backend != step.expected {
			t.Fatalf("Expected backend %s, got %s", step.expected, backend)
		}
		if c := d.clients["printer.local."]; c.addr != target.Addr {
			t.Fatalf("Expected the pool to follow %s, got %s", target.Addr, c.addr)
		}
	}
}

func TestForwardedHeader(t *testing.T) {
	for _, tt := range []struct {
		remote   string
		backend  string
		expected string
	}{
		{"192.0.2.1:1234", "printer.local.", "for=192.0.2.1;host=printer.local"},
		{"[2001:db8::1]:1234", "nas.local.", `for="[2001:db8::1]";host=nas.local`},
		{"", "nas.local.", "host=nas.local"},
		{"10.0.0.1:80", "", "for=10.0.0.1"},
	} {
		if actual := forwardedHeader(tt.remote, route.Name(tt.backend)); actual != tt.expected {
			t.Fatalf("Expected forwardedHeader(%q, %q) to be %q, got %q", tt.remote, tt.backend, tt.expected, actual)
		}
	}
}

func TestClassify(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	reset := &net.OpError{Op: "read", Net: "tcp", Err: os.NewSyscallError("read", syscall.ECONNRESET)}

	for _, tt := range []struct {
		name     string
		err      error
		protocol bool
		kind     ErrorKind
	}{
		{"refused", refused, false, Refused},
		{"reset", reset, false, Reset},
		{"eof", io.ErrUnexpectedEOF, false, Reset},
		{"deadline", context.DeadlineExceeded, false, Timeout},
		{"canceled", context.Canceled, false, Canceled},
		{"other", errors.New("no route to host"), false, Unknown},
		{"h2 stream", http2.StreamError{StreamID: 1, Code: http2.ErrCodeProtocol}, true, Unknown},
		{"h2 goaway", http2.GoAwayError{ErrCode: http2.ErrCodeProtocol}, true, Unknown},
		{"malformed", errors.New(`net/http: HTTP/1.x transport connection broken: malformed HTTP response "garbage"`), true, Unknown},
	} {
		tt := tt // pin
		t.Run(tt.name, func(t *testing.T) {
			err := classify("printer.local.", netip.MustParseAddrPort("10.0.0.5:8080"), tt.err)

			var protocolErr *ProtocolError
			if errors.As(err, &protocolErr) != tt.protocol {
				t.Fatalf("Expected protocol=%t, got %v", tt.protocol, err)
			}
			if tt.protocol {
				return
			}
			var dispatchErr *Error
			if !errors.As(err, &dispatchErr) {
				t.Fatalf("Expected *Error, got %v", err)
			}
			if dispatchErr.Kind != tt.kind {
				t.Fatalf("Expected kind %s, got %s", tt.kind, dispatchErr.Kind)
			}
			if !errors.Is(err, tt.err) {
				t.Fatalf("Expected the cause to be preserved")
			}
		})
	}
}
