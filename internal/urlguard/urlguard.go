// Package urlguard rejects outbound URLs that could reach the server's own
// network (SSRF) and resolves playlist references against a base URL.
//
// Hostnames are checked by name only and never resolved; a public name that
// resolves to a private address is not caught here.
package urlguard

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// ErrRejected is wrapped by every validation failure.
var ErrRejected = errors.New("url rejected")

var blockedHosts = map[string]struct{}{
	"localhost": {},
	"127.0.0.1": {},
	"::1":       {},
	"0.0.0.0":   {},
}

// Special-purpose ranges not covered by the netip predicates.
var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("::/96"),
	netip.MustParsePrefix("64:ff9b::/96"),
	netip.MustParsePrefix("100::/64"),
	netip.MustParsePrefix("2001:db8::/32"),
	netip.MustParsePrefix("fec0::/10"),
}

// numericLabel matches the decimal, octal and hex parts accepted by inet_aton.
var numericLabel = regexp.MustCompile(`^(0[xX][0-9a-fA-F]+|[0-9]+)$`)

var hostProfile = idna.New(idna.MapForLookup(), idna.StrictDomainName(false))

// Validate checks raw and returns it trimmed but otherwise unchanged.
func Validate(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty url", ErrRejected)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: unparseable url", ErrRejected)
	}
	if err := checkURL(u); err != nil {
		return "", err
	}
	return trimmed, nil
}

func checkURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: scheme %q not allowed", ErrRejected, u.Scheme)
	}
	return checkHost(u.Hostname())
}

func checkHost(raw string) error {
	host := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(raw)), ".")
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrRejected)
	}
	if _, ok := blockedHosts[host]; ok {
		return fmt.Errorf("%w: host %q not allowed", ErrRejected, host)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if blockedAddr(addr) {
			return fmt.Errorf("%w: address %s not allowed", ErrRejected, addr)
		}
		return nil
	}
	if addr, ok, err := parseLegacyIPv4(host); ok {
		if err != nil {
			return fmt.Errorf("%w: invalid numeric host %q", ErrRejected, host)
		}
		if blockedAddr(addr) {
			return fmt.Errorf("%w: address %s not allowed", ErrRejected, addr)
		}
		return nil
	}
	ascii, err := hostProfile.ToASCII(host)
	if err != nil {
		return fmt.Errorf("%w: invalid host", ErrRejected)
	}
	if ascii == "local" || strings.HasSuffix(ascii, ".local") ||
		ascii == "localhost" || strings.HasSuffix(ascii, ".localhost") {
		return fmt.Errorf("%w: host %q not allowed", ErrRejected, ascii)
	}
	return nil
}

// parseLegacyIPv4 reads the short and radix forms some resolvers accept
// ("127.1", "2130706433", "0x7f000001", "0177.0.0.1"). ok is false when host
// is not made of numeric labels only; err is set when it is but does not
// form a valid address.
func parseLegacyIPv4(host string) (addr netip.Addr, ok bool, err error) {
	labels := strings.Split(host, ".")
	for _, l := range labels {
		if !numericLabel.MatchString(l) {
			return netip.Addr{}, false, nil
		}
	}
	if len(labels) > 4 {
		return netip.Addr{}, true, errors.New("too many parts")
	}
	parts := make([]uint64, len(labels))
	for i, l := range labels {
		n, err := strconv.ParseUint(l, 0, 32)
		if err != nil {
			return netip.Addr{}, true, err
		}
		parts[i] = n
	}
	// All but the last part are single bytes; the last fills the rest.
	last := len(parts) - 1
	if parts[last] >= 1<<(8*(4-last)) {
		return netip.Addr{}, true, errors.New("part out of range")
	}
	v := parts[last]
	for i := 0; i < last; i++ {
		if parts[i] > 0xff {
			return netip.Addr{}, true, errors.New("part out of range")
		}
		v |= parts[i] << (8 * (3 - i))
	}
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}), true, nil
}

func blockedAddr(addr netip.Addr) bool {
	addr = addr.WithZone("").Unmap()
	if addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		addr.IsMulticast() {
		return true
	}
	if addr.Is4() && addr == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		return true
	}
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
