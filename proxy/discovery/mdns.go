package discovery

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/hashicorp/mdns"
	logging "github.com/sirupsen/logrus"
)

const (
	defaultQueryInterval = 10 * time.Second
	defaultExpiry        = 60 * time.Second
	maxQueryTimeout      = 5 * time.Second
)

// MDNSBrowser browses a service type by querying the local network
// periodically. hashicorp/mdns only answers queries, so withdrawals are
// inferred: a host that has not been seen for Expiry is reported as Removed.
type MDNSBrowser struct {
	// Domain is the local top-level domain, "local" if empty.
	Domain        string
	QueryInterval time.Duration
	Expiry        time.Duration
	// Interface restricts queries to a single interface when set.
	Interface   *net.Interface
	DisableIPv6 bool

	log   *logging.Entry
	query func(*mdns.QueryParam) error
	now   func() time.Time
}

type sighting struct {
	addr     netip.AddrPort
	lastSeen time.Time
}

// NewMDNSBrowser creates a browser for the given domain.
func NewMDNSBrowser(domain string, queryInterval, expiry time.Duration, log *logging.Entry) *MDNSBrowser {
	if queryInterval <= 0 {
		queryInterval = defaultQueryInterval
	}
	if expiry <= 0 {
		expiry = defaultExpiry
	}
	return &MDNSBrowser{
		Domain:        domain,
		QueryInterval: queryInterval,
		Expiry:        expiry,
		log:           log.WithField("component", "mdns-browser"),
		query:         mdns.Query,
		now:           time.Now,
	}
}

// Browse implements Browser. Query failures are logged and retried on the
// next interval; Browse only returns once ctx is done.
func (b *MDNSBrowser) Browse(ctx context.Context, serviceType string, handle func(Event)) error {
	log := b.log.WithField("service_type", serviceType)
	seen := make(map[string]sighting)

	ticker := time.NewTicker(b.QueryInterval)
	defer ticker.Stop()

	for {
		if err := b.runQuery(ctx, serviceType, seen, handle); err != nil {
			log.Errorf("mDNS query failed: %s", err)
			browseErrors.WithLabelValues(serviceType).Inc()
		}
		b.expire(seen, handle, log)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *MDNSBrowser) runQuery(ctx context.Context, serviceType string, seen map[string]sighting, handle func(Event)) error {
	timeout := b.QueryInterval / 2
	if timeout > maxQueryTimeout {
		timeout = maxQueryTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	entries := make(chan *mdns.ServiceEntry, 32)
	params := &mdns.QueryParam{
		Service:             serviceType,
		Domain:              b.Domain,
		Timeout:             timeout,
		Interface:           b.Interface,
		Entries:             entries,
		WantUnicastResponse: true,
		DisableIPv6:         b.DisableIPv6,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			if ev, ok := entryEvent(entry); ok {
				prev, known := seen[ev.Hostname]
				seen[ev.Hostname] = sighting{addr: ev.Address, lastSeen: b.now()}
				if !known || prev.addr != ev.Address {
					handle(ev)
				}
			}
		}
	}()

	err := b.query(params)
	close(entries)
	<-done
	return err
}

func (b *MDNSBrowser) expire(seen map[string]sighting, handle func(Event), log *logging.Entry) {
	now := b.now()
	for host, s := range seen {
		if now.Sub(s.lastSeen) < b.Expiry {
			continue
		}
		log.Debugf("%s not seen since %s", host, s.lastSeen.Format(time.RFC3339))
		delete(seen, host)
		handle(Event{Kind: Removed, Hostname: host})
	}
}

// entryEvent converts a complete service entry into a Resolved event,
// preferring the IPv4 address.
func entryEvent(entry *mdns.ServiceEntry) (Event, bool) {
	if entry == nil || entry.Host == "" || entry.Port == 0 {
		return Event{}, false
	}

	var ip net.IP
	switch {
	case entry.AddrV4 != nil:
		ip = entry.AddrV4
	case entry.AddrV6 != nil:
		ip = entry.AddrV6
	default:
		return Event{}, false
	}

	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return Event{}, false
	}
	return Event{
		Kind:     Resolved,
		Hostname: string(CanonicalName(entry.Host)),
		Address:  netip.AddrPortFrom(addr.Unmap(), uint16(entry.Port)),
	}, true
}
