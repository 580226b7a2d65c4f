package discovery

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	"github.com/linkerd/multipass/proxy/route"
)

type (
	// ResolvedAddress is the endpoint a backend was last advertised on.
	ResolvedAddress struct {
		Addr netip.AddrPort
		// Name is the advertised hostname, e.g. "printer.local.".
		Name string
	}

	// Watch holds the latest resolution for a single backend. It is a
	// latest-value cell: each publish overwrites the previous value and wakes
	// every waiter, and readers that fall behind only ever see the newest
	// value. A nil value means the backend is currently unresolved.
	Watch struct {
		name route.Name

		// All access to current, version and changed is synchronized by
		// this mutex.
		mu      sync.RWMutex
		current *ResolvedAddress
		version uint64
		// changed is closed and replaced on every publish.
		changed chan struct{}
	}
)

func (a ResolvedAddress) String() string {
	return fmt.Sprintf("%s (%s)", a.Addr, a.Name)
}

func newWatch(name route.Name) *Watch {
	return &Watch{
		name:    name,
		changed: make(chan struct{}),
	}
}

// Name returns the backend this watch resolves.
func (w *Watch) Name() route.Name {
	return w.name
}

// Load returns the current resolution (nil if unresolved) and its version.
// Versions start at zero and increase by one on every publish.
func (w *Watch) Load() (*ResolvedAddress, uint64) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current, w.version
}

// Changed returns a channel that is closed on the next publish after the
// call.
func (w *Watch) Changed() <-chan struct{} {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.changed
}

// Next blocks until the watch has a version newer than seen, then returns
// the newest value. Intermediate values may be skipped.
func (w *Watch) Next(ctx context.Context, seen uint64) (*ResolvedAddress, uint64, error) {
	for {
		w.mu.RLock()
		current, version, changed := w.current, w.version, w.changed
		w.mu.RUnlock()

		if version > seen {
			return current, version, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, seen, ctx.Err()
		}
	}
}

// publish replaces the current value and notifies all waiters.
func (w *Watch) publish(addr *ResolvedAddress) {
	w.mu.Lock()
	w.current = addr
	w.version++
	close(w.changed)
	w.changed = make(chan struct{})
	w.mu.Unlock()
}
