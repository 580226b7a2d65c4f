package config

import (
	"bytes"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/linkerd/multipass/pkg/dyndns"
	"github.com/linkerd/multipass/proxy/admission"
	"github.com/linkerd/multipass/proxy/discovery"
	"github.com/linkerd/multipass/proxy/dispatch"
	"github.com/linkerd/multipass/proxy/route"
	"github.com/miekg/dns"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"
)

// Format is a configuration file syntax.
type Format int

const (
	TOML Format = iota
	YAML
)

const (
	DefaultPath        = "/etc/multipass/multipass.toml"
	DefaultLocalTLD    = "local"
	DefaultHTTPAddr    = "0.0.0.0:80"
	DefaultAdminAddr   = "127.0.0.1:9990"
	DefaultServiceType = "_http._tcp"

	defaultQueryInterval = 10 * time.Second
	defaultExpiry        = 60 * time.Second
	defaultDynDNSTTL     = 5 * time.Minute
	defaultPublicIPURL   = "https://api.ipify.org"
)

var serviceTypeRE = regexp.MustCompile(`^_[a-z0-9][a-z0-9-]*\._(tcp|udp)$`)

type (
	// Config is the gateway's configuration. It is immutable once loaded.
	Config struct {
		LocalTLD  string    `toml:"local_tld" yaml:"local_tld"`
		Listeners Listeners `toml:"listeners" yaml:"listeners"`
		Discovery Discovery `toml:"discovery" yaml:"discovery"`
		DynDNS    DynDNS    `toml:"dyn_dns" yaml:"dyn_dns"`

		// Services in declaration order, which is also route priority.
		Services []Service `toml:"-" yaml:"-"`
	}

	Listeners struct {
		HTTP  string `toml:"http" yaml:"http"`
		Admin Admin  `toml:"admin" yaml:"admin"`
		Queue Queue  `toml:"queue" yaml:"queue"`
	}

	// Admin configures the admin listener. Enabled defaults to true.
	Admin struct {
		Enabled *bool  `toml:"enabled" yaml:"enabled"`
		Addr    string `toml:"addr" yaml:"addr"`
	}

	Queue struct {
		Capacity    int           `toml:"capacity" yaml:"capacity"`
		Timeout     time.Duration `toml:"timeout" yaml:"timeout"`
		MaxInFlight int           `toml:"max_in_flight" yaml:"max_in_flight"`
	}

	Discovery struct {
		QueryInterval time.Duration `toml:"query_interval" yaml:"query_interval"`
		Expiry        time.Duration `toml:"expiry" yaml:"expiry"`
		CacheTTL      time.Duration `toml:"cache_ttl" yaml:"cache_ttl"`
		// Interface restricts mDNS queries to a single network interface.
		Interface   string `toml:"interface" yaml:"interface"`
		DisableIPv6 bool   `toml:"disable_ipv6" yaml:"disable_ipv6"`
	}

	// Service is a backend advertised over mDNS as Name.LocalTLD.
	Service struct {
		Name        string `toml:"-" yaml:"-"`
		ServiceType string `toml:"service" yaml:"service"`
		Host        string `toml:"host" yaml:"host"`
		PathRegex   string `toml:"path_regex" yaml:"path_regex"`
		HTTP2       bool   `toml:"http2" yaml:"http2"`

		pathRegex *regexp.Regexp
	}

	DynDNS struct {
		Namecheap *Namecheap `toml:"namecheap" yaml:"namecheap"`
	}

	Namecheap struct {
		Token       string        `toml:"token" yaml:"token"`
		Domain      string        `toml:"domain" yaml:"domain"`
		Subdomains  []string      `toml:"subdomains" yaml:"subdomains"`
		Interval    time.Duration `toml:"interval" yaml:"interval"`
		PublicIPURL string        `toml:"public_ip_url" yaml:"public_ip_url"`
	}

	file struct {
		Config   `yaml:",inline"`
		Services map[string]Service `toml:"services" yaml:"services"`
	}
)

// FormatFor picks a format from a file extension. Anything that is not YAML
// is read as TOML.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return YAML
	default:
		return TOML
	}
}

// Load reads, validates, and defaults the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file '%s': %w", path, err)
	}
	log.Debugf("loading config from %s", path)

	c, err := Parse(data, FormatFor(path))
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file '%s': %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates a configuration.
func Parse(data []byte, format Format) (*Config, error) {
	var (
		f     file
		order []string
		err   error
	)
	switch format {
	case YAML:
		order, err = decodeYAML(data, &f)
	default:
		order, err = decodeTOML(data, &f)
	}
	if err != nil {
		return nil, err
	}

	c := f.Config
	for _, name := range order {
		svc := f.Services[name]
		svc.Name = name
		c.Services = append(c.Services, svc)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	c.setDefaults()
	return &c, nil
}

func decodeTOML(data []byte, f *file) ([]string, error) {
	md, err := toml.Decode(string(data), f)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}

	var order []string
	for _, key := range md.Keys() {
		if len(key) == 2 && key[0] == "services" {
			order = append(order, key[1])
		}
	}
	return order, nil
}

func decodeYAML(data []byte, f *file) ([]string, error) {
	if err := yaml.UnmarshalStrict(data, f); err != nil {
		return nil, err
	}

	// Maps lose their order, so read the services again as a MapSlice.
	var ordered struct {
		Services yaml.MapSlice `yaml:"services"`
	}
	if err := yaml.Unmarshal(data, &ordered); err != nil {
		return nil, err
	}
	order := make([]string, 0, len(ordered.Services))
	for _, item := range ordered.Services {
		order = append(order, fmt.Sprint(item.Key))
	}
	return order, nil
}

func (c *Config) validate() error {
	var errs error

	tld := c.LocalTLD
	if tld == "" {
		tld = DefaultLocalTLD
	}
	if _, ok := dns.IsDomainName(tld); !ok || strings.HasPrefix(tld, ".") {
		errs = multierr.Append(errs, fmt.Errorf("local_tld: invalid domain %q", tld))
	}

	if c.Listeners.HTTP != "" {
		if _, _, err := net.SplitHostPort(c.Listeners.HTTP); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("listeners.http: %w", err))
		}
	}
	admin := c.Listeners.Admin
	if admin.Enabled != nil && !*admin.Enabled && admin.Addr != "" {
		errs = multierr.Append(errs, fmt.Errorf("listeners.admin: addr %q is set but the admin listener is disabled", admin.Addr))
	}
	if admin.Addr != "" {
		if _, _, err := net.SplitHostPort(admin.Addr); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("listeners.admin.addr: %w", err))
		}
	}

	q := c.Listeners.Queue
	if q.Capacity < 0 {
		errs = multierr.Append(errs, fmt.Errorf("listeners.queue.capacity: must be positive, got %d", q.Capacity))
	}
	if q.MaxInFlight < 0 {
		errs = multierr.Append(errs, fmt.Errorf("listeners.queue.max_in_flight: must be positive, got %d", q.MaxInFlight))
	}
	if q.Capacity > 0 && q.MaxInFlight > q.Capacity {
		errs = multierr.Append(errs, fmt.Errorf("listeners.queue.max_in_flight: %d exceeds capacity %d", q.MaxInFlight, q.Capacity))
	}
	if q.Timeout < 0 {
		errs = multierr.Append(errs, fmt.Errorf("listeners.queue.timeout: must be positive, got %s", q.Timeout))
	}

	d := c.Discovery
	if d.QueryInterval < 0 || d.Expiry < 0 || d.CacheTTL < 0 {
		errs = multierr.Append(errs, fmt.Errorf("discovery: durations must be positive"))
	}
	if d.QueryInterval > 0 && d.Expiry > 0 && d.Expiry < d.QueryInterval {
		errs = multierr.Append(errs, fmt.Errorf("discovery.expiry: %s is shorter than query_interval %s", d.Expiry, d.QueryInterval))
	}
	if d.Interface != "" {
		if _, err := net.InterfaceByName(d.Interface); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("discovery.interface: %w", err))
		}
	}

	if len(c.Services) == 0 {
		log.Warn("no services configured")
	}
	for i := range c.Services {
		errs = multierr.Append(errs, c.Services[i].validate(tld))
	}

	if nc := c.DynDNS.Namecheap; nc != nil {
		errs = multierr.Append(errs, nc.validate())
	}

	return errs
}

func (s *Service) validate(tld string) error {
	var errs error
	prefix := fmt.Sprintf("services.%s", s.Name)

	if _, ok := dns.IsDomainName(s.Name + "." + tld); !ok || s.Name == "" || strings.Contains(s.Name, ".") {
		errs = multierr.Append(errs, fmt.Errorf("%s: %q is not a valid host label", prefix, s.Name))
	}
	if s.ServiceType != "" && !serviceTypeRE.MatchString(s.ServiceType) {
		errs = multierr.Append(errs, fmt.Errorf("%s.service: %q is not a service type like \"_http._tcp\"", prefix, s.ServiceType))
	}
	if s.Host != "" {
		if _, ok := dns.IsDomainName(s.Host); !ok || strings.Contains(s.Host, ":") {
			errs = multierr.Append(errs, fmt.Errorf("%s.host: %q is not a hostname", prefix, s.Host))
		}
	}
	if s.PathRegex != "" {
		re, err := regexp.Compile(s.PathRegex)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s.path_regex: %w", prefix, err))
		}
		s.pathRegex = re
	}
	return errs
}

func (n *Namecheap) validate() error {
	var errs error
	if n.Token == "" {
		errs = multierr.Append(errs, fmt.Errorf("dyn_dns.namecheap.token: must be set"))
	}
	if _, ok := dns.IsDomainName(n.Domain); !ok || n.Domain == "" {
		errs = multierr.Append(errs, fmt.Errorf("dyn_dns.namecheap.domain: %q is not a domain", n.Domain))
	}
	if len(n.Subdomains) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("dyn_dns.namecheap.subdomains: at least one subdomain is required"))
	}
	if n.Interval < 0 {
		errs = multierr.Append(errs, fmt.Errorf("dyn_dns.namecheap.interval: must be positive, got %s", n.Interval))
	}
	if n.PublicIPURL != "" {
		if u, err := url.Parse(n.PublicIPURL); err != nil || u.Host == "" {
			errs = multierr.Append(errs, fmt.Errorf("dyn_dns.namecheap.public_ip_url: %q is not an absolute URL", n.PublicIPURL))
		}
	}
	return errs
}

func (c *Config) setDefaults() {
	if c.LocalTLD == "" {
		c.LocalTLD = DefaultLocalTLD
	}
	c.LocalTLD = strings.TrimSuffix(c.LocalTLD, ".")
	if c.Listeners.HTTP == "" {
		c.Listeners.HTTP = DefaultHTTPAddr
	}
	if c.Listeners.Admin.Enabled == nil {
		enabled := true
		c.Listeners.Admin.Enabled = &enabled
	}
	if *c.Listeners.Admin.Enabled && c.Listeners.Admin.Addr == "" {
		c.Listeners.Admin.Addr = DefaultAdminAddr
	}

	q := admission.Config{
		Capacity:    c.Listeners.Queue.Capacity,
		Timeout:     c.Listeners.Queue.Timeout,
		MaxInFlight: c.Listeners.Queue.MaxInFlight,
	}.WithDefaults()
	c.Listeners.Queue = Queue{Capacity: q.Capacity, Timeout: q.Timeout, MaxInFlight: q.MaxInFlight}

	if c.Discovery.QueryInterval == 0 {
		c.Discovery.QueryInterval = defaultQueryInterval
	}
	if c.Discovery.Expiry == 0 {
		c.Discovery.Expiry = defaultExpiry
	}
	if c.Discovery.CacheTTL == 0 {
		c.Discovery.CacheTTL = discovery.DefaultCacheTTL
	}

	for i := range c.Services {
		s := &c.Services[i]
		if s.ServiceType == "" {
			s.ServiceType = DefaultServiceType
		}
		// A service with no matcher is reachable under its own name.
		if s.Host == "" && s.PathRegex == "" {
			s.Host = s.Name + "." + c.LocalTLD
		}
	}

	if nc := c.DynDNS.Namecheap; nc != nil {
		if nc.Interval == 0 {
			nc.Interval = defaultDynDNSTTL
		}
		if nc.PublicIPURL == "" {
			nc.PublicIPURL = defaultPublicIPURL
		}
	}
}

// AdminEnabled reports whether the admin listener should run.
func (c *Config) AdminEnabled() bool {
	return c.Listeners.Admin.Enabled == nil || *c.Listeners.Admin.Enabled
}

// BackendName is the mDNS hostname a service is discovered under.
func (c *Config) BackendName(s Service) route.Name {
	return discovery.CanonicalName(s.Name + "." + c.LocalTLD)
}

// Table builds the routing table, one route per service in declaration
// order.
func (c *Config) Table() *route.Table {
	routes := make([]route.Route, 0, len(c.Services))
	for _, s := range c.Services {
		routes = append(routes, route.Route{
			Matcher: route.Matcher{Host: s.Host, PathRegex: s.pathRegex},
			Backend: c.BackendName(s),
		})
	}
	return route.NewTable(routes)
}

// Backends lists every service with the service type it is browsed under.
func (c *Config) Backends() []discovery.Backend {
	backends := make([]discovery.Backend, 0, len(c.Services))
	for _, s := range c.Services {
		backends = append(backends, discovery.Backend{Name: c.BackendName(s), ServiceType: s.ServiceType})
	}
	return backends
}

// Admission returns the per-backend queue configuration.
func (c *Config) Admission() admission.Config {
	q := c.Listeners.Queue
	return admission.Config{Capacity: q.Capacity, Timeout: q.Timeout, MaxInFlight: q.MaxInFlight}
}

// Dispatch returns the dispatcher configuration.
func (c *Config) Dispatch() dispatch.Config {
	backends := make(map[route.Name]dispatch.Options, len(c.Services))
	for _, s := range c.Services {
		backends[c.BackendName(s)] = dispatch.Options{HTTP2: s.HTTP2}
	}
	return dispatch.Config{Backends: backends}
}

// Namecheap returns the dynamic DNS updater configuration, or nil when
// dynamic DNS is off.
func (c *Config) Namecheap() *dyndns.Config {
	nc := c.DynDNS.Namecheap
	if nc == nil {
		return nil
	}
	return &dyndns.Config{
		Token:       nc.Token,
		Domain:      nc.Domain,
		Subdomains:  nc.Subdomains,
		Interval:    nc.Interval,
		PublicIPURL: nc.PublicIPURL,
	}
}

// Encode writes the effective configuration as TOML, services included.
// Secrets are redacted.
func (c *Config) Encode() ([]byte, error) {
	f := file{Config: *c, Services: make(map[string]Service, len(c.Services))}
	for _, s := range c.Services {
		f.Services[s.Name] = s
	}
	if nc := c.DynDNS.Namecheap; nc != nil {
		redacted := *nc
		redacted.Token = "<redacted>"
		f.DynDNS.Namecheap = &redacted
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
