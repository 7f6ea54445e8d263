package manifest

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/grafov/m3u8"
)

// Kind is the playlist type reported by Classify.
type Kind string

const (
	KindMaster  Kind = "master"
	KindMedia   Kind = "media"
	KindUnknown Kind = "unknown"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// LooksLike reports whether a fetched resource is a playlist: the URL path
// ends in .m3u8, the content type mentions mpegurl, or the body starts with
// #EXTM3U.
func LooksLike(rawURL, contentType string, body []byte) bool {
	if u, err := url.Parse(rawURL); err == nil && strings.HasSuffix(strings.ToLower(u.Path), ".m3u8") {
		return true
	}
	if strings.Contains(strings.ToLower(contentType), "mpegurl") {
		return true
	}
	return HasHeader(body)
}

// HasHeader reports whether body begins with the #EXTM3U tag, ignoring a BOM
// and leading whitespace.
func HasHeader(body []byte) bool {
	body = bytes.TrimPrefix(body, utf8BOM)
	body = bytes.TrimLeft(body, " \t\r\n")
	return bytes.HasPrefix(body, []byte("#EXTM3U"))
}

// Classify decodes body leniently and reports whether it is a master or
// media playlist. Playlists the decoder cannot handle are KindUnknown.
func Classify(body []byte) (kind Kind) {
	if !HasHeader(body) {
		return KindUnknown
	}
	defer func() {
		if recover() != nil {
			kind = KindUnknown
		}
	}()
	_, listType, err := m3u8.DecodeFrom(bytes.NewReader(compact(body)), false)
	if err != nil {
		return KindUnknown
	}
	switch listType {
	case m3u8.MASTER:
		return KindMaster
	case m3u8.MEDIA:
		return KindMedia
	default:
		return KindUnknown
	}
}

// compact drops the BOM, carriage returns and blank lines. The decoder
// dereferences a nil segment when a blank line follows #EXT-X-KEY.
func compact(body []byte) []byte {
	body = bytes.TrimPrefix(body, utf8BOM)
	var out bytes.Buffer
	out.Grow(len(body))
	for _, line := range bytes.Split(body, []byte("\n")) {
		line = bytes.TrimRight(line, " \t\r")
		if len(line) == 0 {
			continue
		}
		out.Write(line)
		out.WriteByte('\n')
	}
	return out.Bytes()
}
