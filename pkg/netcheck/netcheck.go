package netcheck

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Probe targets. The allowlisted host must appear in the gateway resolver and
// proxy allowlists; the denied host must not.
const (
	allowedHost  = "oauth2.googleapis.com"
	deniedHost   = "example.org"
	metadataHost = "169.254.169.254"
	proxyPort    = 3128
)

// Probe is one deterministic network policy check
type Probe struct {
	Name string
	Run  func(ctx context.Context) error
}

// Suite is the ordered egress policy probe set. Every probe must pass; the
// first failure aborts the run with the probe's name.
type Suite struct {
	gateway string
	timeout time.Duration
	client  *http.Client
	proxied *http.Client
}

// NewSuite builds the probe suite against the bridge gateway
func NewSuite(gateway string, timeout time.Duration) *Suite {
	proxyURL := &url.URL{
		Scheme: "http",
		Host:   fmt.Sprintf("%s:%d", gateway, proxyPort),
	}
	return &Suite{
		gateway: gateway,
		timeout: timeout,
		client: &http.Client{
			Timeout:   5 * time.Second,
			Transport: &http.Transport{Proxy: nil, DisableKeepAlives: true},
		},
		proxied: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				Proxy:             http.ProxyURL(proxyURL),
				DisableKeepAlives: true,
			},
		},
	}
}

// Run executes the probes in order and returns the name of the first failed
// probe, or empty when all pass.
func (s *Suite) Run() string {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	for _, p := range s.probes() {
		if err := p.Run(ctx); err != nil {
			return fmt.Sprintf("%s: %v", p.Name, err)
		}
	}
	return ""
}

func (s *Suite) probes() []Probe {
	return []Probe{
		{Name: "direct-egress-blocked", Run: s.probeDirectBlocked},
		{Name: "dns-allowlist", Run: s.probeDNSAllowed},
		{Name: "dns-sinkhole", Run: s.probeDNSSinkholed},
		{Name: "proxy-allow", Run: s.probeProxyAllowed},
		{Name: "proxy-deny", Run: s.probeProxyDenied},
		{Name: "metadata-blocked", Run: s.probeMetadataBlocked},
	}
}

// probeDirectBlocked verifies that egress bypassing the proxy is dropped
func (s *Suite) probeDirectBlocked(ctx context.Context) error {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+allowedHost+"/", nil)
	resp, err := s.client.Do(req)
	if err == nil {
		resp.Body.Close()
		return fmt.Errorf("direct egress unexpectedly succeeded")
	}
	return nil
}

// probeDNSAllowed verifies the gateway resolver answers for allowlisted
// domains
func (s *Suite) probeDNSAllowed(ctx context.Context) error {
	addrs, err := s.resolver().LookupHost(ctx, allowedHost)
	if err != nil {
		return fmt.Errorf("allowlisted domain did not resolve: %w", err)
	}
	for _, a := range addrs {
		if !sinkholed(a) {
			return nil
		}
	}
	return fmt.Errorf("allowlisted domain resolved to a sinkhole address")
}

// probeDNSSinkholed verifies non-allowlisted domains are refused or
// sinkholed
func (s *Suite) probeDNSSinkholed(ctx context.Context) error {
	addrs, err := s.resolver().LookupHost(ctx, deniedHost)
	if err != nil {
		return nil // NXDOMAIN is the expected answer
	}
	for _, a := range addrs {
		if !sinkholed(a) {
			return fmt.Errorf("denied domain resolved to %s", a)
		}
	}
	return nil
}

// probeProxyAllowed verifies the proxy forwards allowlisted hosts. Any HTTP
// response means the tunnel was established; the body is irrelevant.
func (s *Suite) probeProxyAllowed(ctx context.Context) error {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+allowedHost+"/", nil)
	resp, err := s.proxied.Do(req)
	if err != nil {
		return fmt.Errorf("proxy refused allowlisted host: %w", err)
	}
	resp.Body.Close()
	return nil
}

// probeProxyDenied verifies the proxy refuses non-allowlisted hosts
func (s *Suite) probeProxyDenied(ctx context.Context) error {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+deniedHost+"/", nil)
	resp, err := s.proxied.Do(req)
	if err == nil {
		resp.Body.Close()
		return fmt.Errorf("proxy unexpectedly forwarded a denied host")
	}
	return nil
}

// probeMetadataBlocked verifies the cloud metadata endpoint is unreachable
func (s *Suite) probeMetadataBlocked(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(reqCtx, http.MethodGet, "http://"+metadataHost+"/", nil)
	resp, err := s.client.Do(req)
	if err == nil {
		resp.Body.Close()
		return fmt.Errorf("metadata endpoint is reachable")
	}
	return nil
}

// resolver queries the gateway resolver directly so a stale /etc/resolv.conf
// cannot mask a misconfigured allowlist
func (s *Suite) resolver() *net.Resolver {
	dial := func(ctx context.Context, network, _ string) (net.Conn, error) {
		d := net.Dialer{Timeout: 3 * time.Second}
		return d.DialContext(ctx, network, net.JoinHostPort(s.gateway, "53"))
	}
	return &net.Resolver{PreferGo: true, Dial: dial}
}

// sinkholed reports whether a resolved address is a blackhole answer
func sinkholed(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return true
	}
	return ip.IsUnspecified() || ip.IsLoopback()
}
