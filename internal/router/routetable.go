package router

import (
	"net"
	"sync"
)

// Route is one routing-table entry: forward traffic for Dest out Iface,
// via Gateway if non-zero else directly to the destination (spec §4.2.1
// step 5: "next-hop IP N: gateway if non-zero else H.dst").
type Route struct {
	Dest    *net.IPNet
	Gateway net.IP
	Iface   string
}

// RouteTable holds the router's forwarding entries and resolves the
// longest-prefix match for a destination (spec §4.2.1 step 3). Tie-break
// is strictly "longer mask wins"; the spec states mask equality is not
// expected in well-formed tables, so ties are resolved by table order
// rather than by any documented rule.
type RouteTable struct {
	mu     sync.RWMutex
	routes []Route
}

func NewRouteTable() *RouteTable {
	return &RouteTable{}
}

// Add installs a route, replacing any existing route for the identical
// destination prefix.
func (rt *RouteTable) Add(r Route) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for i, existing := range rt.routes {
		if existing.Dest.String() == r.Dest.String() {
			rt.routes[i] = r
			return
		}
	}
	rt.routes = append(rt.routes, r)
}

// Remove deletes the route for the given destination prefix, if present.
func (rt *RouteTable) Remove(dest *net.IPNet) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for i, existing := range rt.routes {
		if existing.Dest.String() == dest.String() {
			rt.routes = append(rt.routes[:i], rt.routes[i+1:]...)
			return
		}
	}
}

// Lookup returns the route with the longest matching prefix for dst, or
// (Route{}, false) if none match.
func (rt *RouteTable) Lookup(dst net.IP) (Route, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var best Route
	bestLen := -1
	found := false
	for _, r := range rt.routes {
		if !r.Dest.Contains(dst) {
			continue
		}
		ones, _ := r.Dest.Mask.Size()
		if ones > bestLen {
			best = r
			bestLen = ones
			found = true
		}
	}
	return best, found
}

// NextHop resolves the IP that should be ARP-resolved to reach dst via
// route r: the gateway if set, otherwise the destination itself.
func (r Route) NextHop(dst net.IP) net.IP {
	if r.Gateway != nil && !r.Gateway.IsUnspecified() {
		return r.Gateway
	}
	return dst
}
