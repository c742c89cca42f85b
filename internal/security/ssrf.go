package security

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// defaultDenied covers private, loopback, link-local, reserved and cloud
// metadata ranges. Parsed once at init; MustParsePrefix panics only on a
// malformed literal, which cannot happen here.
var defaultDenied = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("::ffff:127.0.0.0/104"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("255.255.255.255/32"),
}

// metadataOnly is the reduced deny list used when private ranges are
// explicitly allowed for trusted environments.
var metadataOnly = []netip.Prefix{
	netip.MustParsePrefix("169.254.169.254/32"),
}

// Resolver resolves a hostname to addresses. Satisfied by *net.Resolver.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// SSRFValidator rejects URLs that point at denied address ranges. Every
// resolved address must pass; resolution failure or timeout rejects the
// URL (fail closed).
type SSRFValidator struct {
	denied     []netip.Prefix
	resolver   Resolver
	dnsTimeout time.Duration
}

// SSRFOption adjusts validator construction.
type SSRFOption func(*SSRFValidator)

// WithResolver overrides the DNS resolver, mainly for tests.
func WithResolver(r Resolver) SSRFOption {
	return func(v *SSRFValidator) { v.resolver = r }
}

// WithDNSTimeout bounds each resolution attempt.
func WithDNSTimeout(d time.Duration) SSRFOption {
	return func(v *SSRFValidator) {
		if d > 0 {
			v.dnsTimeout = d
		}
	}
}

// NewSSRFValidator builds a validator from the built-in deny list plus any
// extra CIDRs. allowPrivate trims the built-ins down to the cloud metadata
// address only.
func NewSSRFValidator(allowPrivate bool, denyCIDRs []string, opts ...SSRFOption) (*SSRFValidator, error) {
	base := defaultDenied
	if allowPrivate {
		base = metadataOnly
	}

	denied := make([]netip.Prefix, 0, len(base)+len(denyCIDRs))
	denied = append(denied, base...)
	for _, cidr := range denyCIDRs {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("security: invalid deny CIDR %q: %w", cidr, err)
		}
		denied = append(denied, prefix)
	}

	v := &SSRFValidator{
		denied:     denied,
		resolver:   net.DefaultResolver,
		dnsTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// ValidateURL checks the scheme, host and every resolved address of raw.
// A nil return means the URL is safe to fetch.
func (v *SSRFValidator) ValidateURL(ctx context.Context, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("security: invalid url: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("security: scheme %q not allowed, only http and https", parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("security: url has no host")
	}
	if !isASCII(host) {
		return fmt.Errorf("security: host %q contains non-ASCII characters (possible homograph)", host)
	}

	// Literal addresses skip DNS entirely.
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return v.checkAddr(addr)
	}

	resolveCtx, cancel := context.WithTimeout(ctx, v.dnsTimeout)
	defer cancel()

	addrs, err := v.resolver.LookupNetIP(resolveCtx, "ip", host)
	if err != nil {
		return fmt.Errorf("security: resolving %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("security: host %q resolved to no addresses", host)
	}
	for _, addr := range addrs {
		if err := v.checkAddr(addr); err != nil {
			return err
		}
	}
	return nil
}

func (v *SSRFValidator) checkAddr(addr netip.Addr) error {
	for _, prefix := range v.denied {
		if prefix.Contains(addr) || prefix.Contains(addr.Unmap()) {
			return fmt.Errorf("security: address %s is in denied range %s", addr, prefix)
		}
	}
	return nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}
