// Package manifest rewrites HLS playlists so every media and playlist
// reference points back at this server's segment endpoint.
package manifest

import (
	"regexp"
	"strings"

	"hls-relay/internal/urlguard"
)

// ContentType is the MIME type served for rewritten playlists.
const ContentType = "application/vnd.apple.mpegurl"

var uriAttr = regexp.MustCompile(`URI="([^"]*)"`)

// SegmentURLFunc builds the same-origin URL that proxies target for a session.
type SegmentURLFunc func(sessionID, target string) string

// Rewriter resolves and proxies playlist references.
type Rewriter struct {
	// SegmentURL builds proxied URLs.
	SegmentURL SegmentURLFunc
	// Validate is applied to every resolved URL. Defaults to urlguard.Validate.
	Validate func(string) (string, error)
}

// NewRewriter returns a Rewriter using segmentURL and the default validator.
func NewRewriter(segmentURL SegmentURLFunc) *Rewriter {
	return &Rewriter{SegmentURL: segmentURL, Validate: urlguard.Validate}
}

// Rewrite returns text with every safe reference replaced. Lines whose
// references cannot be resolved or validated are kept verbatim.
func (rw *Rewriter) Rewrite(text, baseURL, sessionID string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
		case strings.HasPrefix(trimmed, "#"):
			lines[i] = rw.rewriteTag(line, baseURL, sessionID)
		default:
			if proxied, ok := rw.proxy(trimmed, baseURL, sessionID); ok {
				lines[i] = proxied
			}
		}
	}
	return strings.Join(lines, "\n")
}

func (rw *Rewriter) rewriteTag(line, baseURL, sessionID string) string {
	if !strings.Contains(line, `URI="`) {
		return line
	}
	failed := false
	out := uriAttr.ReplaceAllStringFunc(line, func(attr string) string {
		ref := uriAttr.FindStringSubmatch(attr)[1]
		proxied, ok := rw.proxy(ref, baseURL, sessionID)
		if !ok {
			failed = true
			return attr
		}
		return `URI="` + proxied + `"`
	})
	if failed {
		return line
	}
	return out
}

func (rw *Rewriter) proxy(ref, baseURL, sessionID string) (string, bool) {
	abs, err := urlguard.Resolve(baseURL, ref)
	if err != nil {
		return "", false
	}
	validate := rw.Validate
	if validate == nil {
		validate = urlguard.Validate
	}
	if abs, err = validate(abs); err != nil {
		return "", false
	}
	return rw.SegmentURL(sessionID, abs), true
}
