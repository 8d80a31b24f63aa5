// Package origin validates browser Origin headers for the signaling
// websocket and the ICE config endpoint.
package origin

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates a browser Origin header and returns it in the
// canonical scheme://host[:port] form, with default ports stripped.
//
// The special value "null" (sandboxed iframes, file:// pages) is returned
// as-is; Allowed only accepts it via an explicit allowlist entry.
func Normalize(header string) (string, bool) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return "", false
	}
	if trimmed == "null" {
		return "null", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	host, ok := normalizeHost(u.Host, scheme)
	if !ok {
		return "", false
	}
	return scheme + "://" + host, true
}

// Allowed reports whether a normalized origin may access the given request
// host.
//
// With a non-empty allowlist, each entry must be "*" or a normalized origin.
// With an empty allowlist the policy is same-host only. The scheme is
// intentionally not compared against the request: behind a TLS-terminating
// proxy the relay sees HTTP while the browser Origin is HTTPS.
func Allowed(normalized, requestHost string, allowlist []string) bool {
	if len(allowlist) > 0 {
		for _, entry := range allowlist {
			if entry == "*" || entry == normalized {
				return true
			}
		}
		return false
	}

	scheme, originHost, found := strings.Cut(normalized, "://")
	if !found {
		return false
	}
	reqHost, ok := normalizeHost(strings.ToLower(strings.TrimSpace(requestHost)), scheme)
	if !ok {
		return false
	}
	return originHost == reqHost
}

// normalizeHost lowercases the hostname, validates the port, and strips it
// when it is the scheme's default.
func normalizeHost(raw, scheme string) (string, bool) {
	if raw == "" {
		return "", false
	}

	hostname, port := raw, ""
	if h, p, err := net.SplitHostPort(raw); err == nil {
		hostname, port = h, p
	} else if strings.HasPrefix(raw, "[") {
		// Bracketed IPv6 without a port fails SplitHostPort.
		hostname = strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")
	} else if strings.Contains(raw, ":") {
		return "", false
	}

	hostname = strings.ToLower(hostname)
	if hostname == "" {
		return "", false
	}

	if port != "" {
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil || p == 0 {
			return "", false
		}
		if (scheme == "http" && p == 80) || (scheme == "https" && p == 443) {
			port = ""
		} else {
			port = strconv.FormatUint(p, 10)
		}
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != "" {
		host += ":" + port
	}
	return host, true
}
