package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load applies .env style files to the process environment. Missing files
// are skipped and variables already set in the environment win. With no
// paths, ".env" in the working directory is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	existing := paths[:0:0]
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// GetEnv returns the trimmed value of key, or fallback when it is unset or
// blank.
func GetEnv(key, fallback string) string {
	if s := strings.TrimSpace(os.Getenv(key)); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := GetEnv(key, ""); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration parses key as a Go duration ("90s", "2h"). A bare integer is
// read as seconds. Unset or invalid values yield fallback.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	s := GetEnv(key, "")
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

// Settings is the full server configuration.
type Settings struct {
	Port      string
	LogLevel  string
	LogFormat string

	SessionRoot  string
	PublicPrefix string

	RelayMaxSessions   int
	RelayTTL           time.Duration
	RelayMaxSegmentMiB int

	TranscodeMaxSessions int
	TranscodeTTL         time.Duration
	TranscoderBinary     string
	ReadyTimeout         time.Duration

	FetchTimeout   time.Duration
	FetchRetries   int
	FetchUserAgent string

	SweepInterval  time.Duration
	StartRateLimit int
}

// FromEnv reads Settings from the environment with defaults.
func FromEnv() Settings {
	return Settings{
		Port:      GetEnv("PORT", "8080"),
		LogLevel:  GetEnv("LOG_LEVEL", "info"),
		LogFormat: GetEnv("LOG_FORMAT", "json"),

		SessionRoot:  GetEnv("SESSION_ROOT", filepath.Join(os.TempDir(), "hls-relay")),
		PublicPrefix: GetEnv("PUBLIC_PREFIX", ""),

		RelayMaxSessions:   GetEnvInt("RELAY_MAX_SESSIONS", 12),
		RelayTTL:           GetEnvDuration("RELAY_TTL", 2*time.Hour),
		RelayMaxSegmentMiB: GetEnvInt("RELAY_MAX_SEGMENT_MIB", 16),

		TranscodeMaxSessions: GetEnvInt("TRANSCODE_MAX_SESSIONS", 6),
		TranscodeTTL:         GetEnvDuration("TRANSCODE_TTL", 3*time.Hour),
		TranscoderBinary:     GetEnv("TRANSCODER_BINARY", ""),
		ReadyTimeout:         GetEnvDuration("TRANSCODE_READY_TIMEOUT", 20*time.Second),

		FetchTimeout:   GetEnvDuration("FETCH_TIMEOUT", 20*time.Second),
		FetchRetries:   GetEnvInt("FETCH_RETRIES", 2),
		FetchUserAgent: GetEnv("FETCH_USER_AGENT", ""),

		SweepInterval:  GetEnvDuration("SWEEP_INTERVAL", 0),
		StartRateLimit: GetEnvInt("START_RATE_LIMIT", 0),
	}
}

// RelayRoot is the session directory root of the relay manager.
func (s Settings) RelayRoot() string { return filepath.Join(s.SessionRoot, "relay") }

// TranscodeRoot is the session directory root of the transcode manager.
func (s Settings) TranscodeRoot() string { return filepath.Join(s.SessionRoot, "transcode") }
