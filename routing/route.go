package routing

import (
	"fmt"
	"net"
	"strconv"
)

// Endpoint is a socket address to dial: a resolved IP and port, or an
// unresolved hostname and port when resolution is delegated to a SOCKS
// proxy.
type Endpoint struct {
	Host string
	IP   net.IP // nil when unresolved
	Port int
}

// Resolved reports whether the endpoint carries an IP address.
func (e Endpoint) Resolved() bool {
	return e.IP != nil
}

func (e Endpoint) String() string {
	host := e.Host
	if e.Resolved() {
		host = e.IP.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(e.Port))
}

// Route pairs a target address with a proxy choice and the concrete
// endpoint to dial. It is everything needed to open a socket.
type Route struct {
	Address  Address
	Proxy    Proxy
	Endpoint Endpoint
}

// String returns a stable identifier for the route, suitable as a
// route-database key.
func (r Route) String() string {
	return fmt.Sprintf("%s|%s", r.Proxy, r.Endpoint)
}
