package safety

import (
	"net/netip"
	"net/url"
	"strings"
)

// Host suffixes that only resolve inside private networks
var internalSuffixes = []string{
	".localhost",
	".local",
	".internal",
	".lan",
	".home.arpa",
}

// Carrier-grade NAT range (RFC 6598), not covered by netip.Addr.IsPrivate
var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// ValidateURL rejects URLs a scan must never be pointed at: anything that is
// not http(s), and hosts that address the local machine or a private network.
// It returns a *Violation with CodeUnsafeURL.
func ValidateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return NewViolation(CodeUnsafeURL, "unparseable url")
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return NewViolation(CodeUnsafeURL, "scheme %q is not allowed", u.Scheme)
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return NewViolation(CodeUnsafeURL, "url has no host")
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if unsafeAddr(addr) {
			return NewViolation(CodeUnsafeURL, "address %s is not publicly routable", host)
		}
		return nil
	}
	// Shorthand IPv4 forms such as 2130706433, 127.1 or 0x7f.1; no real
	// top-level domain starts with a digit.
	if last := host[strings.LastIndex(host, ".")+1:]; last != "" && last[0] >= '0' && last[0] <= '9' {
		return NewViolation(CodeUnsafeURL, "numeric host %s is not allowed", host)
	}

	if host == "localhost" {
		return NewViolation(CodeUnsafeURL, "localhost is not allowed")
	}
	for _, suffix := range internalSuffixes {
		if strings.HasSuffix(host, suffix) {
			return NewViolation(CodeUnsafeURL, "internal host %s is not allowed", host)
		}
	}
	if !strings.Contains(host, ".") {
		return NewViolation(CodeUnsafeURL, "single-label host %s is not allowed", host)
	}
	return nil
}

func unsafeAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified() ||
		cgnat.Contains(addr)
}
