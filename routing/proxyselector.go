package routing

import (
	"net/url"
	"strconv"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/http/httpproxy"
)

// ProxySelector chooses the proxies to attempt for a URL.
type ProxySelector interface {
	// Select returns the proxies to try, in order. An empty result
	// means connect directly.
	Select(u *url.URL) []Proxy
	// ConnectFailed is invoked when a connection through one of the
	// selected proxies fails, so the selector can adjust future
	// choices.
	ConnectFailed(u *url.URL, proxy Proxy, err error)
}

// EnvProxySelector selects proxies from the process environment
// (HTTP_PROXY, HTTPS_PROXY and NO_PROXY), with the interpretation
// rules of golang.org/x/net/http/httpproxy.
type EnvProxySelector struct {
	proxyForURL func(*url.URL) (*url.URL, error)
}

// NewEnvProxySelector captures the proxy environment at call time.
// Later changes to the environment are not observed.
func NewEnvProxySelector() *EnvProxySelector {
	return &EnvProxySelector{proxyForURL: httpproxy.FromEnvironment().ProxyFunc()}
}

func (s *EnvProxySelector) Select(u *url.URL) []Proxy {
	proxyURL, err := s.proxyForURL(u)
	if err != nil {
		log.Warn().Err(err).Str("url", u.String()).Msg("Could not select proxy from environment")
		return nil
	}
	if proxyURL == nil {
		return nil
	}
	proxyType := ProxyHTTP
	if proxyURL.Scheme == "socks5" || proxyURL.Scheme == "socks5h" {
		proxyType = ProxySOCKS
	}
	port := portOrDefault(proxyURL, proxyType)
	return []Proxy{{Type: proxyType, Host: proxyURL.Hostname(), Port: port}}
}

func (s *EnvProxySelector) ConnectFailed(u *url.URL, proxy Proxy, err error) {
	// The environment is static; there is nothing to adjust.
	log.Debug().Err(err).Str("proxy", proxy.String()).Str("url", u.String()).Msg("Proxy connect failed")
}

func portOrDefault(u *url.URL, proxyType ProxyType) int {
	if portStr := u.Port(); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			return port
		}
	}
	switch {
	case proxyType == ProxySOCKS:
		return 1080
	case u.Scheme == "https":
		return 443
	default:
		return 80
	}
}
