package transcode

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// ManifestFile is the playlist the transcoder writes in the session dir.
	ManifestFile = "playlist.m3u8"
	// LogFile receives the transcoder's stdout and stderr.
	LogFile = "transcoder.log"

	segmentTemplate = "segment_%05d.ts"
	nominalFPS      = 25
)

// Profile is one encoding tier.
type Profile struct {
	Name           string `json:"name"`
	VideoKbps      int    `json:"video_kbps"`
	MaxKbps        int    `json:"max_kbps"`
	BufferKbps     int    `json:"buffer_kbps"`
	AudioKbps      int    `json:"audio_kbps"`
	SegmentSeconds int    `json:"segment_seconds"`
	ListSize       int    `json:"list_size"`
	Preset         string `json:"preset"`
}

// DefaultProfile is used when no or an unknown profile is requested.
const DefaultProfile = "balanced"

var profiles = map[string]Profile{
	"fast": {
		Name: "fast", VideoKbps: 1800, MaxKbps: 2300, BufferKbps: 3600, AudioKbps: 128,
		SegmentSeconds: 2, ListSize: 8, Preset: "ultrafast",
	},
	"balanced": {
		Name: "balanced", VideoKbps: 1200, MaxKbps: 1800, BufferKbps: 3200, AudioKbps: 96,
		SegmentSeconds: 3, ListSize: 10, Preset: "veryfast",
	},
	"stable": {
		Name: "stable", VideoKbps: 900, MaxKbps: 1300, BufferKbps: 2800, AudioKbps: 96,
		SegmentSeconds: 4, ListSize: 12, Preset: "superfast",
	},
}

// LookupProfile returns the profile for name, falling back to DefaultProfile.
func LookupProfile(name string) Profile {
	if p, ok := profiles[strings.ToLower(strings.TrimSpace(name))]; ok {
		return p
	}
	return profiles[DefaultProfile]
}

// Profiles returns every profile in latency order.
func Profiles() []Profile {
	return []Profile{profiles["fast"], profiles["balanced"], profiles["stable"]}
}

// OutputLimits bounds the encoded picture.
type OutputLimits struct {
	MaxWidth  int
	MaxHeight int
}

// BuildArgs returns the transcoder argument vector for p reading source and
// writing an HLS playlist plus numbered segments into outDir.
func BuildArgs(p Profile, source, outDir, userAgent string, limits OutputLimits) []string {
	if limits.MaxWidth <= 0 {
		limits.MaxWidth = 1280
	}
	if limits.MaxHeight <= 0 {
		limits.MaxHeight = 720
	}
	gop := strconv.Itoa(p.SegmentSeconds * nominalFPS)
	seg := strconv.Itoa(p.SegmentSeconds)
	kbps := func(n int) string { return strconv.Itoa(n) + "k" }

	args := []string{
		"-hide_banner", "-nostdin", "-loglevel", "warning",
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_on_network_error", "1",
		"-reconnect_delay_max", "5",
		"-rw_timeout", "15000000",
	}
	if userAgent != "" {
		args = append(args, "-user_agent", userAgent)
	}
	args = append(args,
		"-i", source,
		"-map", "0:v:0?", "-map", "0:a:0?",
		"-vf", fmt.Sprintf("scale=w='min(%d,iw)':h='min(%d,ih)':force_original_aspect_ratio=decrease:force_divisible_by=2",
			limits.MaxWidth, limits.MaxHeight),
		"-c:v", "libx264",
		"-preset", p.Preset,
		"-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
		"-b:v", kbps(p.VideoKbps),
		"-maxrate", kbps(p.MaxKbps),
		"-bufsize", kbps(p.BufferKbps),
		"-g", gop,
		"-keyint_min", gop,
		"-sc_threshold", "0",
		"-force_key_frames", "expr:gte(t,n_forced*"+seg+")",
		"-c:a", "aac",
		"-b:a", kbps(p.AudioKbps),
		"-ac", "2",
		"-ar", "48000",
		"-f", "hls",
		"-hls_time", seg,
		"-hls_list_size", strconv.Itoa(p.ListSize),
		"-hls_flags", "delete_segments+independent_segments+omit_endlist",
		"-hls_segment_filename", filepath.Join(outDir, segmentTemplate),
		filepath.Join(outDir, ManifestFile),
	)
	return args
}
