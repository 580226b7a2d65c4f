package dispatch

import (
	"context"
	"crypto/tls"
	stdlog "log"
	"net"
	"net/http"
	"net/http/httputil"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/linkerd/multipass/proxy/discovery"
	"github.com/linkerd/multipass/proxy/route"
	logging "github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
)

const (
	defaultDialTimeout     = 5 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

type (
	// Options are per-backend dispatch settings.
	Options struct {
		// HTTP2 speaks cleartext HTTP/2 with prior knowledge to the backend.
		HTTP2 bool
	}

	Config struct {
		DialTimeout           time.Duration
		IdleConnTimeout       time.Duration
		ResponseHeaderTimeout time.Duration
		Backends              map[route.Name]Options
	}

	// Dispatcher forwards requests to backends. It keeps one connection
	// pool per backend, bound to the backend's current address.
	Dispatcher struct {
		config Config

		mu      sync.Mutex
		clients map[route.Name]*client

		log      *logging.Entry
		errorLog *stdlog.Logger
	}

	client struct {
		addr      netip.AddrPort
		transport transport
		proxy     *httputil.ReverseProxy
	}

	transport interface {
		http.RoundTripper
		CloseIdleConnections()
	}

	errorSlot struct {
		err error
	}

	errorSlotKey struct{}
)

// New creates a Dispatcher.
func New(config Config, log *logging.Entry) *Dispatcher {
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaultDialTimeout
	}
	if config.IdleConnTimeout <= 0 {
		config.IdleConnTimeout = defaultIdleConnTimeout
	}
	log = log.WithField("component", "dispatcher")
	return &Dispatcher{
		config:   config,
		clients:  make(map[route.Name]*client),
		log:      log,
		errorLog: stdlog.New(log.WriterLevel(logging.DebugLevel), "", 0),
	}
}

// Dispatch forwards req to name at target and writes the backend's response
// to w. If no response could be obtained, nothing is written and the
// classified failure is returned: an *Error, or a *ProtocolError when the
// exchange itself was malformed.
func (d *Dispatcher) Dispatch(w http.ResponseWriter, req *http.Request, name route.Name, target *discovery.ResolvedAddress) error {
	c := d.client(name, target.Addr)

	slot := &errorSlot{}
	ctx := context.WithValue(req.Context(), errorSlotKey{}, slot)
	ctx = withTarget(ctx, name, target)

	c.proxy.ServeHTTP(w, req.WithContext(ctx))

	if slot.err != nil {
		err := classify(name, target.Addr, slot.err)
		dispatchErrors.WithLabelValues(name.String(), errorKind(err)).Inc()
		return err
	}
	return nil
}

// client returns the pool for name, replacing it if the backend has moved.
// The replaced pool's idle connections are closed; requests still using it
// finish on their own connections.
func (d *Dispatcher) client(name route.Name, addr netip.AddrPort) *client {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.clients[name]; ok {
		if c.addr == addr {
			return c
		}
		d.log.Infof("%s moved from %s to %s", name, c.addr, addr)
		c.transport.CloseIdleConnections()
	}

	c := d.newClient(name, addr)
	d.clients[name] = c
	clientsCreated.WithLabelValues(name.String()).Inc()
	return c
}

func (d *Dispatcher) newClient(name route.Name, addr netip.AddrPort) *client {
	dialer := &net.Dialer{
		Timeout:   d.config.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	var t transport
	if d.config.Backends[name].HTTP2 {
		t = &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return dialer.DialContext(ctx, network, addr)
			},
		}
	} else {
		t = &http.Transport{
			DialContext:           dialer.DialContext,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       d.config.IdleConnTimeout,
			ResponseHeaderTimeout: d.config.ResponseHeaderTimeout,
		}
	}

	target := &url.URL{Scheme: "http", Host: addr.String()}
	return &client{
		addr:      addr,
		transport: t,
		proxy: &httputil.ReverseProxy{
			Rewrite: func(pr *httputil.ProxyRequest) {
				pr.SetURL(target)
				rewrite(pr)
			},
			Transport:    t,
			ErrorHandler: recordError,
			ErrorLog:     d.errorLog,
		},
	}
}

// Close releases every pool's idle connections.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, c := range d.clients {
		c.transport.CloseIdleConnections()
		delete(d.clients, name)
	}
}

func recordError(_ http.ResponseWriter, req *http.Request, err error) {
	if slot, ok := req.Context().Value(errorSlotKey{}).(*errorSlot); ok {
		slot.err = err
	}
}

type targetKey struct{}

type targetInfo struct {
	name   route.Name
	target *discovery.ResolvedAddress
}

func withTarget(ctx context.Context, name route.Name, target *discovery.ResolvedAddress) context.Context {
	return context.WithValue(ctx, targetKey{}, targetInfo{name, target})
}

// rewrite keeps the client's authority, falling back to the backend's
// advertised name, and records the client in a Forwarded header.
func rewrite(pr *httputil.ProxyRequest) {
	info, _ := pr.In.Context().Value(targetKey{}).(targetInfo)

	pr.Out.Host = pr.In.Host
	if pr.Out.Host == "" && info.target != nil {
		pr.Out.Host = strings.TrimSuffix(info.target.Name, ".")
	}

	if forwarded := forwardedHeader(pr.In.RemoteAddr, info.name); forwarded != "" {
		pr.Out.Header.Set("Forwarded", forwarded)
	}
}

func forwardedHeader(remoteAddr string, backend route.Name) string {
	var parts []string
	if remoteAddr != "" {
		host, _, err := net.SplitHostPort(remoteAddr)
		if err != nil {
			host = remoteAddr
		}
		if ip, err := netip.ParseAddr(host); err == nil && ip.Is6() && !ip.Is4In6() {
			parts = append(parts, `for="[`+ip.String()+`]"`)
		} else {
			parts = append(parts, "for="+host)
		}
	}
	if backend != "" {
		parts = append(parts, "host="+backend.Host())
	}
	return strings.Join(parts, ";")
}

func errorKind(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Kind.String()
	}
	return "protocol"
}
