package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/linkerd/multipass/pkg/prometheus"
	"github.com/linkerd/multipass/pkg/version"
	"github.com/linkerd/multipass/proxy/admission"
	"github.com/linkerd/multipass/proxy/discovery"
	"github.com/linkerd/multipass/proxy/dispatch"
	"github.com/linkerd/multipass/proxy/rescue"
	"github.com/linkerd/multipass/proxy/route"
	logging "github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const (
	defaultCloseGrace    = time.Second
	defaultShutdownGrace = 10 * time.Second
)

type (
	// Discoverer hands out backend subscriptions.
	Discoverer interface {
		Discover(name route.Name) (*discovery.Subscription, error)
	}

	// Config wires the stages of the request pipeline together.
	Config struct {
		Table      *route.Table
		Discoverer Discoverer
		Queues     *admission.Queues
		Dispatcher *dispatch.Dispatcher

		// CloseGrace is how long a connection marked for closing is kept
		// open for the reply in flight.
		CloseGrace time.Duration
	}

	// Handler runs every request through route, discover, admit, and
	// dispatch. Any failure along the way is rescued into a response.
	Handler struct {
		config       Config
		serverHeader string
		log          *logging.Entry
	}

	// Server serves a Handler over HTTP/1.1 and cleartext HTTP/2.
	Server struct {
		srv           *http.Server
		shutdownGrace time.Duration
		log           *logging.Entry
	}
)

// NewHandler creates the proxy handler.
func NewHandler(config Config, log *logging.Entry) *Handler {
	if config.CloseGrace <= 0 {
		config.CloseGrace = defaultCloseGrace
	}
	return &Handler{
		config:       config,
		serverHeader: version.ServerHeader(),
		log:          log.WithField("component", "proxy"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	err := h.serve(w, req)
	if err == nil {
		return
	}

	log := h.log.WithField("client", req.RemoteAddr)
	rsp, err := rescue.Rescue(err)
	if err != nil {
		log.Warnf("%s request failed, aborting connection: %s", req.Proto, err)
		panic(http.ErrAbortHandler)
	}
	log.Infof("%s request failed: %s", req.Proto, rsp.Message)
	rsp.Write(w, req, h.serverHeader)
}

func (h *Handler) serve(w http.ResponseWriter, req *http.Request) error {
	name, err := h.config.Table.Resolve(req)
	if err != nil {
		return err
	}
	routed.WithLabelValues(name.String()).Inc()

	sub, err := h.config.Discoverer.Discover(name)
	if err != nil {
		return err
	}
	if target, _ := sub.Load(); target == nil {
		return discovery.NotResolvedError{Name: name}
	}

	ticket, err := h.config.Queues.Enqueue(req.Context(), name)
	if err != nil {
		return err
	}
	defer ticket.Release()

	// The backend may have moved or gone away while the request waited.
	target, _ := sub.Load()
	if target == nil {
		return discovery.NotResolvedError{Name: name}
	}

	h.log.WithFields(logging.Fields{"backend": name, "client": req.RemoteAddr}).
		Debugf("dispatching %s %s to %s", req.Method, req.URL, target.Addr)
	return h.config.Dispatcher.Dispatch(w, req, name, target)
}

// NewServer creates a server for handler on addr. Requests are instrumented
// and every connection carries a rescue.ClientHandle.
func NewServer(addr string, handler *Handler, log *logging.Entry) *Server {
	closeGrace := handler.config.CloseGrace
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           h2c.NewHandler(prometheus.WithTelemetry("proxy", handler), &http2.Server{}),
			ReadHeaderTimeout: 15 * time.Second,
			IdleTimeout:       2 * time.Minute,
			ConnContext: func(ctx context.Context, c net.Conn) context.Context {
				return rescue.WithClientHandle(ctx, rescue.NewClientHandle(c, closeGrace))
			},
		},
		shutdownGrace: defaultShutdownGrace,
		log:           log.WithField("component", "proxy-server"),
	}
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully,
// giving in-flight requests a bounded time to finish.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is like ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Infof("listening on %s", ln.Addr())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownGrace)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warnf("graceful shutdown incomplete: %s", err)
		s.srv.Close()
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
