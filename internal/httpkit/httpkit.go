// Package httpkit provides shared HTTP client construction for the
// worker's two outbound callers: the extractor's page-fetch fallback and
// the notifier's Spug delivery calls. Both want the same dial/idle
// timeouts and an optional upstream proxy, so the construction lives here
// instead of being duplicated.
package httpkit

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/alpha-watch/alpha-watch/internal/buildinfo"
)

// Default timeouts and connection pool limits for the shared transport.
const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
	DefaultResponseHeader      = 15 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultMaxIdleConns        = 20
	DefaultMaxIdleConnsPerHost = 5
)

// ClientOption configures a client built by NewClient.
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout       time.Duration
	userAgent     string
	skipUserAgent bool
	proxyURL      string
}

// WithTimeout sets the overall request timeout on the http.Client.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *clientConfig) { c.userAgent = ua }
}

// WithoutUserAgent disables the automatic User-Agent roundtripper.
func WithoutUserAgent() ClientOption {
	return func(c *clientConfig) { c.skipUserAgent = true }
}

// WithProxy routes the client's requests through the given proxy URL.
// An empty string is a no-op, so callers can pass a possibly-unset config
// field directly.
func WithProxy(rawURL string) ClientOption {
	return func(c *clientConfig) { c.proxyURL = rawURL }
}

// NewTransport creates an http.Transport with the shared dial/idle
// timeouts. proxyURL may be empty for a direct connection.
func NewTransport(proxyURL string) (*http.Transport, error) {
	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeader,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("httpkit: invalid proxy URL %q: %w", proxyURL, err)
		}
		t.Proxy = http.ProxyURL(parsed)
	}
	return t, nil
}

// NewClient builds an *http.Client with the shared transport, a default
// User-Agent, and a default 30s timeout.
func NewClient(opts ...ClientOption) (*http.Client, error) {
	cfg := &clientConfig{
		timeout:   30 * time.Second,
		userAgent: buildinfo.UserAgent(),
	}
	for _, o := range opts {
		o(cfg)
	}

	transport, err := NewTransport(cfg.proxyURL)
	if err != nil {
		return nil, err
	}

	var rt http.RoundTripper = transport
	if !cfg.skipUserAgent {
		rt = &userAgentTransport{base: transport, ua: cfg.userAgent}
	}

	return &http.Client{
		Timeout:   cfg.timeout,
		Transport: rt,
	}, nil
}

// userAgentTransport injects the User-Agent header on every request
// unless one is already set.
type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.base.RoundTrip(req)
}
