package route

import (
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"
)

type (
	// Name identifies a configured backend: the configured short name joined
	// with the local top-level domain, as a fully-qualified mDNS hostname (for
	// example "printer.local."). Names are compared by exact string equality.
	Name string

	// Matcher recognizes requests for a route. Host and PathRegex are
	// independent; a request matches if either criterion that is set
	// matches. A Matcher with neither set matches nothing.
	Matcher struct {
		Host      string
		PathRegex *regexp.Regexp
	}

	// Route pairs a Matcher with the backend it selects.
	Route struct {
		Matcher Matcher
		Backend Name
	}

	// Table is an ordered, immutable list of routes. It is safe for
	// concurrent use once built.
	Table struct {
		routes []Route
	}

	// NoRouteError is returned by Table.Resolve when no route matches.
	NoRouteError struct {
		URI string
	}
)

func (e NoRouteError) Error() string {
	return fmt.Sprintf("no route for request %s", e.URI)
}

func (n Name) String() string {
	return string(n)
}

// Host returns the name as a bare hostname, without the trailing dot.
func (n Name) Host() string {
	return strings.TrimSuffix(string(n), ".")
}

// NewTable builds a routing table. Routes are evaluated in the given order.
func NewTable(routes []Route) *Table {
	rs := make([]Route, len(routes))
	copy(rs, routes)
	return &Table{routes: rs}
}

// Routes returns a copy of the table's routes in priority order.
func (t *Table) Routes() []Route {
	rs := make([]Route, len(t.routes))
	copy(rs, t.routes)
	return rs
}

// Resolve returns the backend of the first route matching req.
func (t *Table) Resolve(req *http.Request) (Name, error) {
	for _, r := range t.routes {
		if r.Matcher.Matches(req) {
			return r.Backend, nil
		}
	}
	return "", NoRouteError{URI: req.URL.String()}
}

// Matches reports whether req satisfies the matcher. The host criterion is
// checked against the request URI's authority first and then against the
// Host header, ignoring ports in both. The path criterion only sees the path,
// never the query string.
func (m *Matcher) Matches(req *http.Request) bool {
	if m.Host != "" {
		if req.URL != nil && req.URL.Host != "" {
			if stripPort(req.URL.Host) == m.Host {
				log.Debugf("request :authority matches %s", m.Host)
				return true
			}
			log.Tracef("request :authority does not match %s", m.Host)
		}

		if h := req.Host; h != "" {
			if stripPort(h) == m.Host {
				log.Debugf("request Host header matches %s", m.Host)
				return true
			}
			log.Tracef("request Host header %s does not match %s", h, m.Host)
		}
	}

	if m.PathRegex != nil && req.URL != nil {
		// Match the path as sent, so an encoded %2F is not a separator.
		path := req.URL.EscapedPath()
		if path == "" {
			path = "/"
		}
		if m.PathRegex.MatchString(path) {
			log.Debugf("request path %s matches %s", path, m.PathRegex)
			return true
		}
		log.Tracef("request path %s does not match %s", path, m.PathRegex)
	}

	return false
}

func (m Matcher) String() string {
	var parts []string
	if m.Host != "" {
		parts = append(parts, "host="+m.Host)
	}
	if m.PathRegex != nil {
		parts = append(parts, "path="+m.PathRegex.String())
	}
	if len(parts) == 0 {
		return "<none>"
	}
	return strings.Join(parts, " | ")
}

// stripPort removes an optional port and the brackets around an IPv6
// literal from a host[:port] authority.
func stripPort(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]")
	}
	return host
}
