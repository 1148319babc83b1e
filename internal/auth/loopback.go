package auth

import (
	"net"
	"net/http"
)

// IsLoopbackRequest reports whether r came from the local machine. Requests
// whose remote address does not parse are treated as remote.
func IsLoopbackRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
