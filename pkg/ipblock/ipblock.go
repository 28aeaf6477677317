// Package ipblock tracks sender addresses and drops plot traffic from
// blocked ones, either entirely or for selected plot names.
package ipblock

import (
	"net"
	"net/netip"
	"slices"
	"sync"
)

// List is safe for concurrent use. A nil *List blocks nothing.
type List struct {
	mu      sync.RWMutex
	seen    []netip.Addr
	blocked map[netip.Addr][]string // empty slice blocks every plot
}

// New returns an empty List.
func New() *List {
	return &List{blocked: make(map[netip.Addr][]string)}
}

// AddrOf extracts the address of a TCP or UDP peer.
func AddrOf(a net.Addr) netip.Addr {
	switch v := a.(type) {
	case *net.TCPAddr:
		return v.AddrPort().Addr().Unmap()
	case *net.UDPAddr:
		return v.AddrPort().Addr().Unmap()
	}
	if ap, err := netip.ParseAddrPort(a.String()); err == nil {
		return ap.Addr().Unmap()
	}
	return netip.Addr{}
}

// Seen records addr as a known sender.
func (l *List) Seen(addr netip.Addr) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !slices.Contains(l.seen, addr) {
		l.seen = append(l.seen, addr)
	}
}

// Senders returns every address recorded by Seen.
func (l *List) Senders() []netip.Addr {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.seen)
}

// Block drops all traffic from addr.
func (l *List) Block(addr netip.Addr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocked[addr] = nil
}

// BlockPlot drops traffic from addr for one plot. It has no effect when
// addr is already fully blocked.
func (l *List) BlockPlot(addr netip.Addr, plot string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	plots, ok := l.blocked[addr]
	if ok && len(plots) == 0 {
		return
	}
	if !slices.Contains(plots, plot) {
		l.blocked[addr] = append(plots, plot)
	}
}

// Unblock removes every entry for addr.
func (l *List) Unblock(addr netip.Addr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.blocked, addr)
}

// UnblockPlot removes one plot entry; the address entry goes with its last
// plot.
func (l *List) UnblockPlot(addr netip.Addr, plot string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	plots, ok := l.blocked[addr]
	if !ok || len(plots) == 0 {
		return
	}
	plots = slices.DeleteFunc(plots, func(p string) bool { return p == plot })
	if len(plots) == 0 {
		delete(l.blocked, addr)
		return
	}
	l.blocked[addr] = plots
}

// Clear removes every block entry.
func (l *List) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.blocked)
}

// Blocked reports whether a message for plot from addr must be dropped.
func (l *List) Blocked(addr netip.Addr, plot string) bool {
	if l == nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	plots, ok := l.blocked[addr]
	return ok && (len(plots) == 0 || slices.Contains(plots, plot))
}

// BlocksAll reports whether addr is blocked for every plot.
func (l *List) BlocksAll(addr netip.Addr) bool {
	if l == nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	plots, ok := l.blocked[addr]
	return ok && len(plots) == 0
}
