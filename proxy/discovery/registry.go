package discovery

import (
	"context"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/linkerd/multipass/proxy/route"
	"github.com/miekg/dns"
	"github.com/samber/lo"
	logging "github.com/sirupsen/logrus"
)

// EventKind distinguishes advertisements from withdrawals.
type EventKind int

const (
	// Resolved means a hostname is advertised at an address.
	Resolved EventKind = iota
	// Removed means a hostname is no longer advertised.
	Removed
)

type (
	// Event is a single browse result.
	Event struct {
		Kind     EventKind
		Hostname string
		Address  netip.AddrPort
	}

	// Browser streams advertisements for a service type. Browse calls handle
	// for every event, from a single goroutine, until ctx is canceled or the
	// browse fails.
	Browser interface {
		Browse(ctx context.Context, serviceType string, handle func(Event)) error
	}

	// Backend is a configured backend and the service type it is discovered
	// under.
	Backend struct {
		Name        route.Name
		ServiceType string
	}

	// Registry owns one browse per distinct service type and routes the
	// resulting events into per-backend watches. The set of backends is fixed
	// at construction.
	Registry struct {
		browser Browser
		watches map[route.Name]*Watch
		// groups maps each service type to the watches it may update. Each
		// browse goroutine only reads its own group.
		groups map[string]map[route.Name]*Watch

		newBackOff func() backoff.BackOff

		started atomic.Bool
		cancel  context.CancelFunc
		wg      sync.WaitGroup

		log *logging.Entry
	}
)

func (k EventKind) String() string {
	switch k {
	case Resolved:
		return "resolved"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// NewRegistry creates a registry for the given backends. Names are
// canonicalized so that they compare equal to advertised hostnames.
func NewRegistry(backends []Backend, browser Browser, log *logging.Entry) *Registry {
	r := &Registry{
		browser: browser,
		watches: make(map[route.Name]*Watch, len(backends)),
		groups:  make(map[string]map[route.Name]*Watch),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			return b
		},
		log: log.WithField("component", "discovery-registry"),
	}

	for serviceType, bs := range lo.GroupBy(backends, func(b Backend) string { return b.ServiceType }) {
		group := make(map[route.Name]*Watch, len(bs))
		for _, b := range bs {
			name := CanonicalName(string(b.Name))
			w, ok := r.watches[name]
			if !ok {
				w = newWatch(name)
				r.watches[name] = w
			}
			group[name] = w
		}
		r.groups[serviceType] = group
	}

	return r
}

// CanonicalName lowercases a hostname and makes it fully qualified.
func CanonicalName(hostname string) route.Name {
	return route.Name(dns.CanonicalName(hostname))
}

// Start launches one browse goroutine per service type. It returns
// immediately; browses run until Stop is called or ctx is canceled.
func (r *Registry) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	for _, serviceType := range r.ServiceTypes() {
		serviceType := serviceType
		group := r.groups[serviceType]
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.browse(ctx, serviceType, group)
		}()
	}

	r.log.Infof("started browsing %d service types for %d backends", len(r.groups), len(r.watches))
}

// Stop cancels every browse and waits for them to exit.
func (r *Registry) Stop() {
	if !r.started.Load() {
		return
	}
	r.cancel()
	r.wg.Wait()
	for name := range r.watches {
		watchVecs.unregister(name.String())
	}
}

// Started reports whether Start has been called.
func (r *Registry) Started() bool {
	return r.started.Load()
}

// Watch returns the watch for a configured backend.
func (r *Registry) Watch(name route.Name) (*Watch, error) {
	w, ok := r.watches[CanonicalName(string(name))]
	if !ok {
		return nil, NotConfiguredError{Name: name}
	}
	return w, nil
}

// ServiceTypes returns the distinct service types being browsed, sorted.
func (r *Registry) ServiceTypes() []string {
	types := lo.Keys(r.groups)
	sort.Strings(types)
	return types
}

// Snapshot returns the current resolution of every backend. Unresolved
// backends map to nil.
func (r *Registry) Snapshot() map[route.Name]*ResolvedAddress {
	snap := make(map[route.Name]*ResolvedAddress, len(r.watches))
	for name, w := range r.watches {
		addr, _ := w.Load()
		snap[name] = addr
	}
	return snap
}

func (r *Registry) browse(ctx context.Context, serviceType string, group map[route.Name]*Watch) {
	log := r.log.WithField("service_type", serviceType)
	metrics := make(map[route.Name]watchMetrics, len(group))
	for name := range group {
		metrics[name] = watchVecs.newWatchMetrics(name.String())
	}

	handle := func(ev Event) {
		name := CanonicalName(ev.Hostname)
		w, ok := group[name]
		if !ok {
			log.Debugf("ignoring %s event for unconfigured host %s", ev.Kind, ev.Hostname)
			ignoredEvents.WithLabelValues(serviceType).Inc()
			return
		}

		var addr *ResolvedAddress
		switch ev.Kind {
		case Resolved:
			addr = &ResolvedAddress{Addr: ev.Address, Name: ev.Hostname}
			log.Infof("%s resolved to %s", name, ev.Address)
		case Removed:
			log.Infof("%s removed", name)
		default:
			log.Warnf("unknown event kind %d for %s", ev.Kind, name)
			return
		}
		w.publish(addr)
		metrics[name].observe(addr)
	}

	b := r.newBackOff()
	for {
		started := time.Now()
		err := r.browser.Browse(ctx, serviceType, handle)
		if ctx.Err() != nil {
			log.Debug("browse stopped")
			return
		}

		// A browse that ran for a while before failing starts a fresh
		// backoff sequence.
		if time.Since(started) > time.Minute {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			wait = time.Minute
		}
		browseErrors.WithLabelValues(serviceType).Inc()
		if err != nil {
			log.Errorf("browse failed: %s; retrying in %s", err, wait)
		} else {
			log.Warnf("browse ended unexpectedly; retrying in %s", wait)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
