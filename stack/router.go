package stack

import (
	"net/netip"
	"sync"

	"github.com/pkg/errors"
	"github.com/soypat/ustcp/link"
)

// Interface is a local IPv4 address attached to a link.
type Interface struct {
	Name string
	Addr netip.Addr
	// Network is the directly connected network.
	Network netip.Prefix
	Link    link.Link
}

// Route sends datagrams whose destination is in Prefix out of Interface.
// Via is the gateway, informational since links are point to point.
type Route struct {
	Prefix    netip.Prefix
	Interface string
	Via       netip.Addr
}

// Router holds interfaces and the routing table and selects the outgoing
// interface of a datagram by longest prefix match. It is safe for concurrent use.
type Router struct {
	mu     sync.RWMutex
	ifaces map[string]*Interface
	routes []Route
}

func NewRouter() *Router {
	return &Router{ifaces: make(map[string]*Interface)}
}

// AddInterface registers iface and a route to its directly connected network.
func (r *Router) AddInterface(iface Interface) error {
	if !iface.Addr.Is4() {
		return errors.Errorf("interface %q: address %s not IPv4", iface.Name, iface.Addr)
	} else if iface.Link == nil {
		return errors.Errorf("interface %q: nil link", iface.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ifaces[iface.Name]; ok {
		return errors.Errorf("interface %q: already exists", iface.Name)
	}
	r.ifaces[iface.Name] = &iface
	if iface.Network.IsValid() {
		r.routes = append(r.routes, Route{Prefix: iface.Network.Masked(), Interface: iface.Name})
	}
	return nil
}

// AddRoute adds a static route through an existing interface.
func (r *Router) AddRoute(rt Route) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ifaces[rt.Interface]; !ok {
		return errors.Errorf("route %s: no interface %q", rt.Prefix, rt.Interface)
	}
	rt.Prefix = rt.Prefix.Masked()
	r.routes = append(r.routes, rt)
	return nil
}

// Lookup returns the interface and route with the longest prefix containing dst.
func (r *Router) Lookup(dst netip.Addr) (*Interface, Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	best := -1
	for i, rt := range r.routes {
		if !rt.Prefix.Contains(dst) {
			continue
		}
		if best < 0 || rt.Prefix.Bits() > r.routes[best].Prefix.Bits() {
			best = i
		}
	}
	if best < 0 {
		return nil, Route{}, false
	}
	rt := r.routes[best]
	return r.ifaces[rt.Interface], rt, true
}

// IsLocal reports whether addr belongs to one of the router's interfaces.
func (r *Router) IsLocal(addr netip.Addr) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, iface := range r.ifaces {
		if iface.Addr == addr {
			return true
		}
	}
	return false
}

// Interfaces returns the registered interfaces.
func (r *Router) Interfaces() []*Interface {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ifaces := make([]*Interface, 0, len(r.ifaces))
	for _, iface := range r.ifaces {
		ifaces = append(ifaces, iface)
	}
	return ifaces
}
