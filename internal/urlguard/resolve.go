package urlguard

import (
	"fmt"
	"net/url"
	"strings"
)

// Resolve resolves ref against base using RFC 3986 reference resolution and
// returns an absolute http(s) URL. Dot segments are collapsed.
func Resolve(base, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty reference", ErrRejected)
	}
	b, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("%w: unparseable base", ErrRejected)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: unparseable reference", ErrRejected)
	}
	out := b.ResolveReference(r)
	switch strings.ToLower(out.Scheme) {
	case "http", "https":
	default:
		return "", fmt.Errorf("%w: resolved scheme %q not allowed", ErrRejected, out.Scheme)
	}
	if out.Host == "" {
		return "", fmt.Errorf("%w: resolved url has no host", ErrRejected)
	}
	return out.String(), nil
}

// Origin returns scheme://host[:port] of raw, or "" if raw has no host.
func Origin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + u.Host
}

// Redact strips userinfo, query and fragment so a URL can be logged.
func Redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid-url>"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// Host returns the host part of raw for display, or "".
func Host(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
