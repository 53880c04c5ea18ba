package webhooks

import (
	"errors"
	"net"
	"net/url"
	"strings"
)

var (
	ErrURLScheme  = errors.New("webhook url must use https")
	ErrURLHost    = errors.New("webhook url host is not allowed")
	ErrURLInvalid = errors.New("webhook url is not a valid absolute url")
)

// ValidateURL enforces the registration-time safety policy: absolute https
// URLs only, with loopback and private-range hosts rejected. Only literal IP
// hosts are range-checked; no DNS resolution happens here, so a hostname
// resolving to a private address at delivery time is out of scope for this
// gate.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return ErrURLInvalid
	}
	if u.Scheme != "https" {
		return ErrURLScheme
	}
	host := u.Hostname()
	if host == "" {
		return ErrURLInvalid
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return ErrURLHost
	}
	if ip := net.ParseIP(host); ip != nil && !publicIP(ip) {
		return ErrURLHost
	}
	return nil
}

func publicIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsPrivate() {
		return false
	}
	// link-local (169.254/16, fe80::/10) and IPv6 multicast are equally
	// unreachable targets for deliveries
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() {
		return false
	}
	return true
}
