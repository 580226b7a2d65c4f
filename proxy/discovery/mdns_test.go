package discovery

import (
	"context"
	"net"
	"net/netip"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/mdns"
	logging "github.com/sirupsen/logrus"
)

func TestEntryEvent(t *testing.T) {
	for _, tt := range []struct {
		name     string
		entry    *mdns.ServiceEntry
		expected Event
		ok       bool
	}{
		{
			name: "prefers IPv4",
			entry: &mdns.ServiceEntry{
				Host:   "printer.local.",
				AddrV4: net.ParseIP("10.0.0.5"),
				AddrV6: net.ParseIP("fe80::1"),
				Port:   8080,
			},
			expected: Event{Kind: Resolved, Hostname: "printer.local.", Address: netip.MustParseAddrPort("10.0.0.5:8080")},
			ok:       true,
		},
		{
			name: "falls back to IPv6",
			entry: &mdns.ServiceEntry{
				Host:   "NAS.local",
				AddrV6: net.ParseIP("fd00::7"),
				Port:   80,
			},
			expected: Event{Kind: Resolved, Hostname: "nas.local.", Address: netip.MustParseAddrPort("[fd00::7]:80")},
			ok:       true,
		},
		{
			name:  "no address",
			entry: &mdns.ServiceEntry{Host: "printer.local.", Port: 8080},
		},
		{
			name:  "no port",
			entry: &mdns.ServiceEntry{Host: "printer.local.", AddrV4: net.ParseIP("10.0.0.5")},
		},
		{
			name:  "no host",
			entry: &mdns.ServiceEntry{AddrV4: net.ParseIP("10.0.0.5"), Port: 8080},
		},
	} {
		tt := tt // pin
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := entryEvent(tt.entry)
			if ok != tt.ok {
				t.Fatalf("Expected ok=%t, got %t", tt.ok, ok)
			}
			if !reflect.DeepEqual(ev, tt.expected) {
				t.Fatalf("Expected %+v, got %+v", tt.expected, ev)
			}
		})
	}
}

func TestMDNSBrowserResolvesAndExpires(t *testing.T) {
	var queries atomic.Int64
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	b := NewMDNSBrowser("local", 10*time.Millisecond, 60*time.Second, logging.WithField("test", t.Name()))
	// Each query round advances the clock by 40s, so a host seen only in
	// the first round is expired after the third.
	b.now = func() time.Time {
		return base.Add(time.Duration(queries.Load()) * 40 * time.Second)
	}
	b.query = func(params *mdns.QueryParam) error {
		n := queries.Add(1)
		if params.Service != httpService || params.Domain != "local" {
			t.Errorf("Unexpected query for %s in %s", params.Service, params.Domain)
		}
		if n == 1 {
			for i := 0; i < 2; i++ {
				params.Entries <- &mdns.ServiceEntry{
					Host:   "printer.local.",
					AddrV4: net.ParseIP("10.0.0.5"),
					Port:   8080,
				}
			}
			params.Entries <- &mdns.ServiceEntry{Host: "incomplete.local."}
		}
		return nil
	}

	events := make(chan Event, 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- b.Browse(ctx, httpService, func(ev Event) { events <- ev })
	}()

	expected := []Event{
		{Kind: Resolved, Hostname: "printer.local.", Address: netip.MustParseAddrPort("10.0.0.5:8080")},
		{Kind: Removed, Hostname: "printer.local."},
	}
	for _, want := range expected {
		select {
		case ev := <-events:
			if !reflect.DeepEqual(ev, want) {
				t.Fatalf("Expected %+v, got %+v", want, ev)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("Timed out waiting for %+v", want)
		}
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("Expected browse to stop with context.Canceled, got %v", err)
	}
	select {
	case ev := <-events:
		t.Fatalf("Unexpected extra event %+v", ev)
	default:
	}
}
