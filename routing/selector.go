package routing

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// ErrExhausted is returned by Next once every route has been emitted.
var ErrExhausted = errors.New("no more routes to attempt")

// RouteDatabase records routes that recently failed to connect, so the
// selector can prefer fresh routes first.
type RouteDatabase interface {
	// ShouldPostpone reports whether the route failed recently and
	// should be attempted only after the fresh candidates.
	ShouldPostpone(route Route) bool
	// Failed records a connectivity failure on the route.
	Failed(route Route)
}

// RouteSelector enumerates the routes to attempt for an address: every
// combination of proxy and resolved endpoint, with recently failed
// routes deferred to the end of the sequence. Every address has at
// least one route.
//
// A selector is owned by a single connection attempt and is not safe
// for concurrent use.
type RouteSelector struct {
	address Address
	routeDB RouteDatabase

	// The most recently attempted proxy.
	lastProxy Proxy

	// State for negotiating the next proxy to use.
	proxies        []Proxy
	nextProxyIndex int

	// State for negotiating the next endpoint to use.
	endpoints         []Endpoint
	nextEndpointIndex int

	// Routes skipped because they failed recently. Attempted last, in
	// the order they were skipped.
	postponedRoutes []Route
}

// NewRouteSelector creates a selector for the given address.
func NewRouteSelector(address Address, routeDB RouteDatabase) *RouteSelector {
	s := &RouteSelector{
		address: address,
		routeDB: routeDB,
	}
	s.resetNextProxy()
	return s
}

// HasNext reports whether there is another route to attempt.
func (s *RouteSelector) HasNext() bool {
	return s.hasNextEndpoint() || s.hasNextProxy() || s.hasNextPostponed()
}

// Next returns the next route to attempt. Once the proxy × endpoint
// cross-product is exhausted, postponed routes are drained in FIFO
// order; after that Next returns ErrExhausted.
func (s *RouteSelector) Next() (Route, error) {
	for {
		if !s.hasNextEndpoint() {
			if !s.hasNextProxy() {
				if !s.hasNextPostponed() {
					return Route{}, ErrExhausted
				}
				return s.nextPostponed(), nil
			}
			proxy, err := s.nextProxy()
			if err != nil {
				return Route{}, err
			}
			s.lastProxy = proxy
		}
		endpoint, err := s.nextEndpoint()
		if err != nil {
			return Route{}, err
		}
		route := Route{Address: s.address, Proxy: s.lastProxy, Endpoint: endpoint}
		if s.routeDB.ShouldPostpone(route) {
			// Skip previously failed routes for now; they are tried
			// last.
			s.postponedRoutes = append(s.postponedRoutes, route)
			continue
		}
		log.Trace().Str("route", route.String()).Msg("Selected route")
		return route, nil
	}
}

// ConnectFailed reports a connectivity failure on a route returned by
// this selector. The route is recorded as failed so future selection
// passes postpone it; for proxied routes the proxy selector is
// notified as well.
func (s *RouteSelector) ConnectFailed(failedRoute Route, failure error) {
	if failedRoute.Proxy.Type != ProxyDirect && s.address.ProxySelector != nil {
		s.address.ProxySelector.ConnectFailed(s.address.URL(), failedRoute.Proxy, failure)
	}
	log.Debug().Err(failure).Str("route", failedRoute.String()).Msg("Route failed")
	s.routeDB.Failed(failedRoute)
}

// resetNextProxy prepares the proxy servers to try. A proxy fixed on
// the address wins, even if it is NoProxy; otherwise the proxy
// selector's choices are used, falling back to a direct connection.
func (s *RouteSelector) resetNextProxy() {
	if s.address.Proxy != nil {
		s.proxies = []Proxy{*s.address.Proxy}
	} else {
		var proxies []Proxy
		if s.address.ProxySelector != nil {
			proxies = s.address.ProxySelector.Select(s.address.URL())
		}
		if len(proxies) > 0 {
			s.proxies = append([]Proxy(nil), proxies...)
		} else {
			s.proxies = []Proxy{NoProxy}
		}
	}
	s.nextProxyIndex = 0
}

func (s *RouteSelector) hasNextProxy() bool {
	return s.nextProxyIndex < len(s.proxies)
}

// nextProxy returns the next proxy to try and prepares its endpoints.
// May be NoProxy.
func (s *RouteSelector) nextProxy() (Proxy, error) {
	if !s.hasNextProxy() {
		return Proxy{}, fmt.Errorf("no route to %s: exhausted proxy configurations", s.address.Host)
	}
	proxy := s.proxies[s.nextProxyIndex]
	s.nextProxyIndex++
	if err := s.resetNextEndpoint(proxy); err != nil {
		return Proxy{}, err
	}
	return proxy, nil
}

// resetNextEndpoint prepares the endpoints to attempt for the given
// proxy. Direct and HTTP-proxied connections resolve their target via
// DNS, one endpoint per address in resolver order; SOCKS proxies get a
// single unresolved endpoint since name resolution is their job.
func (s *RouteSelector) resetNextEndpoint(proxy Proxy) error {
	s.endpoints = nil

	var socketHost string
	var socketPort int
	if proxy.Type == ProxyDirect || proxy.Type == ProxySOCKS {
		socketHost = s.address.Host
		socketPort = s.address.Port
	} else {
		if proxy.Host == "" {
			return fmt.Errorf("proxy %s has no socket address", proxy)
		}
		socketHost = proxy.Host
		socketPort = proxy.Port
	}

	if socketPort < 1 || socketPort > 65535 {
		return fmt.Errorf("no route to %s:%d: port is out of range", socketHost, socketPort)
	}

	if proxy.Type == ProxySOCKS {
		s.endpoints = []Endpoint{{Host: socketHost, Port: socketPort}}
	} else {
		ips, err := s.address.DNS.Lookup(socketHost)
		if err != nil {
			return err
		}
		for _, ip := range ips {
			s.endpoints = append(s.endpoints, Endpoint{Host: socketHost, IP: ip, Port: socketPort})
		}
	}

	s.nextEndpointIndex = 0
	return nil
}

func (s *RouteSelector) hasNextEndpoint() bool {
	return s.nextEndpointIndex < len(s.endpoints)
}

func (s *RouteSelector) nextEndpoint() (Endpoint, error) {
	if !s.hasNextEndpoint() {
		return Endpoint{}, fmt.Errorf("no route to %s: exhausted endpoints", s.address.Host)
	}
	endpoint := s.endpoints[s.nextEndpointIndex]
	s.nextEndpointIndex++
	return endpoint, nil
}

func (s *RouteSelector) hasNextPostponed() bool {
	return len(s.postponedRoutes) > 0
}

func (s *RouteSelector) nextPostponed() Route {
	route := s.postponedRoutes[0]
	s.postponedRoutes = s.postponedRoutes[1:]
	return route
}
