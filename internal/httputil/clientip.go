package httputil

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIP returns the canonical address limiters and logs key a request by.
// With trustProxy set, the leftmost X-Forwarded-For entry and then X-Real-IP
// are used when they parse as an IP; malformed values fall through to
// RemoteAddr so a client cannot pick an arbitrary limiter key. IPv4-mapped
// IPv6 addresses are reported in their IPv4 form.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip, ok := canonical(first); ok {
				return ip
			}
		}
		if ip, ok := canonical(r.Header.Get("X-Real-IP")); ok {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip, ok := canonical(host); ok {
		return ip
	}
	return host
}

func canonical(s string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return "", false
	}
	return addr.Unmap().WithZone("").String(), true
}
