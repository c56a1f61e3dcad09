// Package identity derives the per-request identifiers the limiter keys on:
// the original client address and an opaque authenticated-user ID.
package identity

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// FallbackIP is keyed when no client address can be derived at all.
const FallbackIP = "127.0.0.1"

// ClientIPExtractor resolves the original client address. Forwarding headers
// are honored only when the connecting peer is a trusted proxy; an empty proxy
// list trusts every peer.
type ClientIPExtractor struct {
	prefixes []netip.Prefix
}

// NewClientIPExtractor parses the trusted proxy list. Entries are CIDR ranges
// or single addresses.
func NewClientIPExtractor(trustedProxies []string) (*ClientIPExtractor, error) {
	prefixes := make([]netip.Prefix, 0, len(trustedProxies))
	for _, raw := range trustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			addr, addrErr := netip.ParseAddr(raw)
			if addrErr != nil {
				return nil, fmt.Errorf("identity: invalid trusted proxy %q", raw)
			}
			bits := 32
			if !addr.Is4() {
				bits = 128
			}
			prefix = netip.PrefixFrom(addr, bits)
		}
		prefixes = append(prefixes, prefix)
	}
	return &ClientIPExtractor{prefixes: prefixes}, nil
}

// ClientIP never fails: requests with no derivable address key on FallbackIP.
func (e *ClientIPExtractor) ClientIP(r *http.Request) string {
	if e.trusts(r.RemoteAddr) {
		if ip := firstForwardedIP(r.Header.Get("X-Forwarded-For")); ip != "" {
			return ip
		}
		if raw := strings.TrimSpace(r.Header.Get("X-Real-IP")); raw != "" {
			if ip := net.ParseIP(raw); ip != nil {
				return ip.String()
			}
		}
	}
	if ip := remoteIP(r.RemoteAddr); ip != "" {
		return ip
	}
	return FallbackIP
}

func (e *ClientIPExtractor) trusts(remoteAddr string) bool {
	if len(e.prefixes) == 0 {
		return true
	}
	ip := remoteIP(remoteAddr)
	if ip == "" {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, prefix := range e.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	if ip := net.ParseIP(addr); ip != nil {
		return ip.String()
	}
	return ""
}

// firstForwardedIP reads the first entry of a comma separated list: the
// original client precedes any intermediate proxies.
func firstForwardedIP(header string) string {
	if header == "" {
		return ""
	}
	entry := header
	if i := strings.IndexByte(header, ','); i >= 0 {
		entry = header[:i]
	}
	if ip := net.ParseIP(strings.TrimSpace(entry)); ip != nil {
		return ip.String()
	}
	return ""
}
