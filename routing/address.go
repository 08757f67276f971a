package routing

import (
	"net"
	"net/url"
	"strconv"
)

// Address is the target identity of a connection: the origin's scheme,
// host and port, together with the collaborators needed to find a way
// to reach it.
type Address struct {
	Scheme string // "http" or "https"
	Host   string
	Port   int

	DNS           DNS
	ProxySelector ProxySelector
	// Proxy, if set, is used instead of consulting ProxySelector. It
	// may be NoProxy to force direct connections.
	Proxy *Proxy
}

// NewAddress builds an address for the given URL, filling in the
// scheme's default port if the URL carries none.
func NewAddress(u *url.URL, dns DNS, selector ProxySelector) Address {
	port := 80
	if u.Scheme == "https" {
		port = 443
	}
	if portStr := u.Port(); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil {
			port = p
		}
	}
	return Address{
		Scheme:        u.Scheme,
		Host:          u.Hostname(),
		Port:          port,
		DNS:           dns,
		ProxySelector: selector,
	}
}

// IsHTTPS reports whether connections to this address require TLS.
func (a Address) IsHTTPS() bool {
	return a.Scheme == "https"
}

// URL returns the origin URL of the address, used when notifying the
// proxy selector.
func (a Address) URL() *url.URL {
	return &url.URL{
		Scheme: a.Scheme,
		Host:   net.JoinHostPort(a.Host, strconv.Itoa(a.Port)),
	}
}
