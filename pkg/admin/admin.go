package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"sort"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/linkerd/multipass/pkg/version"
	"github.com/linkerd/multipass/proxy/discovery"
	"github.com/linkerd/multipass/proxy/route"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const timeout = 10 * time.Second

type (
	// Discovery is the view of the discovery registry the admin server
	// reports on.
	Discovery interface {
		Started() bool
		Snapshot() map[route.Name]*discovery.ResolvedAddress
	}

	handler struct {
		discovery   Discovery
		promHandler http.Handler
		router      *httprouter.Router
	}

	backendStatus struct {
		Backend  string `json:"backend"`
		Resolved bool   `json:"resolved"`
		Address  string `json:"address,omitempty"`
		Hostname string `json:"hostname,omitempty"`
	}

	jsonError struct {
		Error string `json:"error"`
	}
)

// NewServer returns an admin server listening on a given address. It serves
// metrics, liveness and readiness probes, the current backend resolutions,
// and pprof.
func NewServer(addr string, d Discovery) *http.Server {
	log.Infof("starting admin server on %s", addr)

	h := &handler{
		discovery:   d,
		promHandler: promhttp.Handler(),
		router: &httprouter.Router{
			RedirectTrailingSlash:  true,
			RedirectFixedPath:      true,
			HandleMethodNotAllowed: false, // disable 405s
		},
	}

	h.router.Handler(http.MethodGet, "/metrics", h.promHandler)
	h.router.GET("/ping", h.servePing)
	h.router.GET("/ready", h.serveReady)
	h.router.GET("/backends", h.serveBackends)
	h.router.GET("/version", h.serveVersion)
	h.router.GET("/debug/pprof/*item", h.servePprof)

	return &http.Server{
		Addr:         addr,
		Handler:      h.router,
		ReadTimeout:  timeout,
		WriteTimeout: time.Minute, // long enough for CPU profiles
	}
}

// Run serves srv until ctx is done, then shuts it down.
func Run(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("admin server shutdown: %s", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (h *handler) servePing(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Write([]byte("pong\n"))
}

func (h *handler) serveReady(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	if !h.discovery.Started() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("discovery not started\n"))
		return
	}
	w.Write([]byte("ok\n"))
}

func (h *handler) serveVersion(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	renderJSON(w, map[string]string{"version": version.Version})
}

func (h *handler) serveBackends(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	snapshot := h.discovery.Snapshot()
	rsp := make([]backendStatus, 0, len(snapshot))
	for name, addr := range snapshot {
		status := backendStatus{Backend: name.String()}
		if addr != nil {
			status.Resolved = true
			status.Address = addr.Addr.String()
			status.Hostname = addr.Name
		}
		rsp = append(rsp, status)
	}
	sort.Slice(rsp, func(i, j int) bool { return rsp[i].Backend < rsp[j].Backend })
	renderJSON(w, rsp)
}

func (h *handler) servePprof(w http.ResponseWriter, req *http.Request, p httprouter.Params) {
	switch p.ByName("item") {
	case "/cmdline":
		pprof.Cmdline(w, req)
	case "/profile":
		pprof.Profile(w, req)
	case "/trace":
		pprof.Trace(w, req)
	case "/symbol":
		pprof.Symbol(w, req)
	default:
		pprof.Index(w, req)
	}
}

func renderJSON(w http.ResponseWriter, rsp interface{}) {
	w.Header().Set("Content-Type", "application/json")
	body, err := json.Marshal(rsp)
	if err != nil {
		log.Errorf("failed to render admin response: %s", err)
		w.WriteHeader(http.StatusInternalServerError)
		body, _ = json.Marshal(jsonError{Error: err.Error()})
	}
	w.Write(body)
}
