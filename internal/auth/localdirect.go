// ABOUTME: Detection of local direct requests and client IP resolution
// ABOUTME: Loopback peers talking to a local hostname skip Tailscale identity checks

package auth

import (
	"net/http"
	"net/netip"
	"strings"
)

// Forwarding headers a reverse proxy is expected to stamp.
const (
	headerForwardedFor   = "X-Forwarded-For"
	headerForwardedProto = "X-Forwarded-Proto"
	headerForwardedHost  = "X-Forwarded-Host"
)

// localHostnames are Host values a local CLI legitimately dials.
// Deliberately literal: ts.net names are absent so requests arriving
// through `tailscale serve` stay on the Tailscale identity path
// instead of the local-direct skip.
var localHostnames = map[string]bool{
	"localhost":            true,
	"127.0.0.1":            true,
	"[::1]":                true,
	"::1":                  true,
	"0.0.0.0":              true,
	"host.docker.internal": true,
}

// normalizeIP strips port and zone from a remote address, returning
// the canonical IP string. Parse failure returns the input unchanged
// with ok=false.
func normalizeIP(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if ap, err := netip.ParseAddrPort(raw); err == nil {
		return ap.Addr().WithZone("").String(), true
	}
	if addr, err := netip.ParseAddr(raw); err == nil {
		return addr.WithZone("").String(), true
	}
	return raw, false
}

// isLoopbackIP reports whether raw parses to a loopback address.
func isLoopbackIP(raw string) bool {
	ip, ok := normalizeIP(raw)
	if !ok {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return addr.IsLoopback()
}

// hostIsLocal reports whether a declared Host names this machine.
func hostIsLocal(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, ok := strings.CutSuffix(host, ":443"); ok {
		host = h
	} else if h, ok := strings.CutSuffix(host, ":80"); ok {
		host = h
	} else if idx := strings.LastIndex(host, ":"); idx > 0 && !strings.Contains(host[idx:], "]") {
		host = host[:idx]
	}
	return localHostnames[host]
}

// ClientIP resolves the effective client IP for a request. The
// forwarding chain is honored only when the immediate peer is a
// trusted proxy; otherwise the socket address wins.
func ClientIP(remoteAddr string, headers http.Header, trustedProxies []string) string {
	peer, _ := normalizeIP(remoteAddr)
	if !proxyTrusted(peer, trustedProxies) {
		return peer
	}

	fwd := headers.Get(headerForwardedFor)
	if fwd == "" {
		return peer
	}
	// First hop in the chain is the original client.
	first := strings.TrimSpace(strings.Split(fwd, ",")[0])
	if ip, ok := normalizeIP(first); ok {
		return ip
	}
	return peer
}

// proxyTrusted reports whether peer is a configured trusted reverse
// proxy. Loopback peers are always trusted to forward.
func proxyTrusted(peer string, trustedProxies []string) bool {
	if isLoopbackIP(peer) {
		return true
	}
	for _, p := range trustedProxies {
		if ip, ok := normalizeIP(p); ok && ip == peer {
			return true
		}
	}
	return false
}

// isLocalDirect reports whether a request is a local CLI talking
// straight to its own gateway: loopback peer, local Host, and no
// forwarding header from an untrusted source. Local direct requests
// skip the Tailscale identity contract.
func isLocalDirect(remoteAddr, host string, headers http.Header, trustedProxies []string) bool {
	if !isLoopbackIP(remoteAddr) {
		return false
	}
	if !hostIsLocal(host) {
		return false
	}
	if headers.Get(headerForwardedFor) != "" {
		peer, _ := normalizeIP(remoteAddr)
		// A forwarded request is by definition not direct unless the
		// forwarder is a proxy we configured ourselves.
		if !proxyConfigured(peer, trustedProxies) {
			return false
		}
	}
	return true
}

// proxyConfigured checks explicit trusted-proxy config (loopback alone
// is not enough here: an untrusted local process must not spoof
// forwarding headers into the direct path).
func proxyConfigured(peer string, trustedProxies []string) bool {
	for _, p := range trustedProxies {
		if ip, ok := normalizeIP(p); ok && ip == peer {
			return true
		}
	}
	return false
}
