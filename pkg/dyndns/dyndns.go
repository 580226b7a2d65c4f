package dyndns

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/linkerd/multipass/pkg/version"
	logging "github.com/sirupsen/logrus"
)

const (
	// DefaultUpdateURL is Namecheap's dynamic DNS endpoint.
	DefaultUpdateURL = "https://dynamicdns.park-your-domain.com/update"

	maxBodySize = 64 * 1024
)

// Config describes the records kept pointed at the gateway's public address.
type Config struct {
	Token       string
	Domain      string
	Subdomains  []string
	Interval    time.Duration
	PublicIPURL string
	UpdateURL   string
}

// Updater periodically publishes the public address of the host to
// Namecheap's dynamic DNS service.
type Updater struct {
	config Config
	client *http.Client
	log    *logging.Entry

	// last is the address every subdomain was last successfully set to.
	last netip.Addr
}

type interfaceResponse struct {
	XMLName  xml.Name `xml:"interface-response"`
	IP       string   `xml:"IP"`
	ErrCount int      `xml:"ErrCount"`
	Errors   struct {
		Errs []string `xml:",any"`
	} `xml:"errors"`
}

// NewUpdater returns an Updater for config. Requests are retried with
// backoff on connection errors and 5xx responses.
func NewUpdater(config Config) *Updater {
	if config.UpdateURL == "" {
		config.UpdateURL = DefaultUpdateURL
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.Logger = nil

	return newUpdater(config, retryClient)
}

func newUpdater(config Config, retryClient *retryablehttp.Client) *Updater {
	return &Updater{
		config: config,
		client: retryClient.StandardClient(),
		log: logging.WithFields(logging.Fields{
			"component": "dyndns",
			"domain":    config.Domain,
		}),
	}
}

// Run updates the records immediately and then once per interval, until ctx
// is done. Failures are logged and retried on the next tick.
func (u *Updater) Run(ctx context.Context) error {
	u.log.Infof("updating %s every %s", strings.Join(u.config.Subdomains, ", "), u.config.Interval)

	ticker := time.NewTicker(u.config.Interval)
	defer ticker.Stop()

	for {
		if err := u.Update(ctx); err != nil && ctx.Err() == nil {
			u.log.Warnf("dynamic DNS update failed: %s", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Update looks up the public address and points every subdomain at it. If
// the address hasn't changed since the last successful update, nothing is
// sent.
func (u *Updater) Update(ctx context.Context) error {
	ip, err := u.publicIP(ctx)
	if err != nil {
		lookupErrors.Inc()
		return fmt.Errorf("failed to look up the public address: %w", err)
	}
	if ip == u.last {
		u.log.Debugf("public address %s is unchanged", ip)
		return nil
	}

	failed := 0
	for _, host := range u.config.Subdomains {
		if err := u.updateHost(ctx, host, ip); err != nil {
			updates.WithLabelValues(host, "failure").Inc()
			u.log.WithField("host", host).Warnf("failed to update record: %s", err)
			failed++
			continue
		}
		updates.WithLabelValues(host, "success").Inc()
		u.log.WithField("host", host).Infof("record now points at %s", ip)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d records were not updated", failed, len(u.config.Subdomains))
	}

	u.last = ip
	return nil
}

func (u *Updater) publicIP(ctx context.Context) (netip.Addr, error) {
	body, err := u.get(ctx, u.config.PublicIPURL)
	if err != nil {
		return netip.Addr{}, err
	}
	ip, err := netip.ParseAddr(strings.TrimSpace(string(body)))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("unexpected response from %s: %w", u.config.PublicIPURL, err)
	}
	ip = ip.Unmap()
	if !ip.Is4() {
		// Only A records are published.
		return netip.Addr{}, fmt.Errorf("%s returned %s, which is not an IPv4 address", u.config.PublicIPURL, ip)
	}
	return ip, nil
}

func (u *Updater) updateHost(ctx context.Context, host string, ip netip.Addr) error {
	v := url.Values{}
	v.Set("host", host)
	v.Set("domain", u.config.Domain)
	v.Set("password", u.config.Token)
	v.Set("ip", ip.String())

	body, err := u.get(ctx, u.config.UpdateURL+"?"+v.Encode())
	if err != nil {
		return fmt.Errorf("request to %s failed: %s", u.config.UpdateURL, u.redact(err))
	}

	var rsp interfaceResponse
	if err := xml.Unmarshal(body, &rsp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if rsp.ErrCount > 0 {
		return fmt.Errorf("update rejected: %s", strings.Join(rsp.Errors.Errs, "; "))
	}
	return nil
}

func (u *Updater) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", version.UserAgent())

	rsp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer rsp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(rsp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if rsp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", rsp.Status)
	}
	return body, nil
}

// redact removes the token from errors that echo the request URL.
func (u *Updater) redact(err error) string {
	if u.config.Token == "" {
		return err.Error()
	}
	return strings.ReplaceAll(err.Error(), url.QueryEscape(u.config.Token), "<redacted>")
}
