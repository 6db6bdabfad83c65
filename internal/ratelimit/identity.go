package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// UnknownClient buckets every request whose origin address cannot be determined.
const UnknownClient = "unknown"

var identityHeaders = []string{
	"CF-Connecting-IP",
	"X-Forwarded-For",
	"X-Real-IP",
}

// ClientIdentity returns the first valid IP address from the edge proxy header,
// the forwarded-for chain (first hop), the real-ip header and finally the peer address.
func ClientIdentity(r *http.Request) string {
	for _, header := range identityHeaders {
		value := r.Header.Get(header)
		if value == "" {
			continue
		}
		if i := strings.IndexByte(value, ','); i >= 0 {
			value = value[:i]
		}
		if ip := net.ParseIP(strings.TrimSpace(value)); ip != nil {
			return ip.String()
		}
	}

	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return UnknownClient
}
