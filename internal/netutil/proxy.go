// Package netutil resolves outbound proxies from http_proxy/https_proxy/
// no_proxy in the environment. The HTTP client routes its requests through
// the resolver; the broker transport only resolves and logs the proxy for
// its ws(s):// URL (mapped onto http(s):// for proxy selection), and its
// connection does not go through the proxy.
package netutil

import (
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/net/http/httpproxy"
)

// ProxyResolver selects the proxy URL for a given outbound request URL,
// reading http_proxy/https_proxy/no_proxy once at construction time.
type ProxyResolver struct {
	cfg httpproxy.Config
}

// NewProxyResolver builds a resolver from the process environment.
func NewProxyResolver() *ProxyResolver {
	return &ProxyResolver{cfg: httpproxy.FromEnvironment()}
}

// ProxyForRequest implements the http.Transport.Proxy signature.
func (p *ProxyResolver) ProxyForRequest(req *http.Request) (*url.URL, error) {
	return p.cfg.ProxyFunc()(req.URL)
}

// ProxyForURL resolves the proxy for an arbitrary URL, mapping ws/wss
// schemes onto http/https first since the proxy-selection rules only know
// about the latter.
func (p *ProxyResolver) ProxyForURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(u.Scheme) {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	return p.cfg.ProxyFunc()(u)
}

// HTTPClient returns an *http.Client whose transport routes through this
// resolver and carries a per-request timeout of timeoutSeconds (10s when
// timeoutSeconds is zero or negative).
func (p *ProxyResolver) HTTPClient(timeoutSeconds int) *http.Client {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 10
	}
	return &http.Client{
		Timeout: time.Duration(timeoutSeconds) * time.Second,
		Transport: &http.Transport{
			Proxy: p.ProxyForRequest,
		},
	}
}

// Environ reports the three proxy-related variables this resolver honors,
// purely for diagnostics display.
func Environ() map[string]string {
	return map[string]string{
		"http_proxy":  os.Getenv("http_proxy"),
		"https_proxy": os.Getenv("https_proxy"),
		"no_proxy":    os.Getenv("no_proxy"),
	}
}
