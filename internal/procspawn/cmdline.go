package procspawn

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf16"
)

// quoteWindowsArg quotes s following the MSVC argv rules.
func quoteWindowsArg(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n\v\"") {
		return s
	}
	var b strings.Builder
	b.WriteByte('"')
	backslashes := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			backslashes++
		case '"':
			b.WriteString(strings.Repeat(`\`, backslashes*2+1))
			b.WriteByte('"')
			backslashes = 0
		default:
			b.WriteString(strings.Repeat(`\`, backslashes))
			b.WriteByte(c)
			backslashes = 0
		}
	}
	b.WriteString(strings.Repeat(`\`, backslashes*2))
	b.WriteByte('"')
	return b.String()
}

// windowsLine joins path and args into one command line.
func windowsLine(path string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, quoteWindowsArg(path))
	for _, a := range args {
		parts = append(parts, quoteWindowsArg(a))
	}
	return strings.Join(parts, " ")
}

// cmdRedirectLine wraps c in cmd.exe so its output lands in the log file.
func cmdRedirectLine(c Command) string {
	inner := windowsLine(c.Path, c.Args)
	if c.LogPath == "" {
		return `cmd.exe /d /s /c "` + inner + ` > NUL 2>&1"`
	}
	return `cmd.exe /d /s /c "` + inner + ` >> ` + quoteWindowsArg(c.LogPath) + ` 2>&1"`
}

// psQuote renders s as a single-quoted PowerShell string literal.
func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// encodePowerShell encodes script for powershell -EncodedCommand.
func encodePowerShell(script string) string {
	units := utf16.Encode([]rune(script))
	buf := make([]byte, 0, len(units)*2)
	for _, u := range units {
		buf = append(buf, byte(u), byte(u>>8))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

var (
	processIDField   = regexp.MustCompile(`(?i)ProcessId\s*=\s*(\d+)`)
	returnValueField = regexp.MustCompile(`(?i)ReturnValue\s*=\s*(\d+)`)
)

// parseCreateOutput extracts the pid from a Win32_Process.Create result.
func parseCreateOutput(out string) (int, error) {
	if m := returnValueField.FindStringSubmatch(out); m != nil {
		if rc, _ := strconv.Atoi(m[1]); rc != 0 {
			return 0, fmt.Errorf("process create returned %d", rc)
		}
	}
	m := processIDField.FindStringSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("no process id in output: %q", strings.TrimSpace(out))
	}
	pid, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("parse process id: %w", err)
	}
	return pid, nil
}

// parsePIDLine reads the pid printed on the last line of out.
func parsePIDLine(out []byte) (int, error) {
	field := strings.TrimSpace(string(out))
	if i := strings.LastIndexByte(field, '\n'); i >= 0 {
		field = strings.TrimSpace(field[i+1:])
	}
	pid, err := strconv.Atoi(field)
	if err != nil {
		return 0, fmt.Errorf("shell reported no pid: %q", field)
	}
	return pid, nil
}
