package format

import (
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lithammer/shortuuid/v4"
)

var blankRuns = regexp.MustCompile(`\n{3,}`)

// CollapseBlankRuns squeezes runs of three or more newlines down to a single
// blank line and trims surrounding whitespace.
func CollapseBlankRuns(s string) string {
	return strings.TrimSpace(blankRuns.ReplaceAllString(s, "\n\n"))
}

// ShortID returns an 8-character identifier suitable for branch suffixes and
// post tags.
func ShortID() string {
	return shortuuid.New()[:8]
}

// ShortenPath replaces the user's home directory prefix with "~".
func ShortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" || home == "/" {
		return path
	}
	if path == home {
		return "~"
	}
	if strings.HasPrefix(path, home+string(os.PathSeparator)) {
		return "~" + path[len(home):]
	}
	return path
}

// TruncateMiddle shortens s to at most max runes, replacing the removed
// middle with an ellipsis. Intended for command lines in permission prompts.
func TruncateMiddle(s string, max int) string {
	if max <= 1 {
		max = 1
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	head := (max - 1) / 2
	tail := max - 1 - head
	return string(runes[:head]) + "…" + string(runes[len(runes)-tail:])
}

// TruncateTail shortens s to at most max runes, appending an ellipsis.
func TruncateTail(s string, max int) string {
	if max <= 1 {
		max = 1
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}

// RelativeTime renders t relative to now ("3 minutes ago").
func RelativeTime(t time.Time) string {
	return humanize.Time(t)
}

// Tokens renders a token count compactly ("12.3k", "1.2M").
func Tokens(n int64) string {
	switch {
	case n >= 1_000_000:
		return humanize.FtoaWithDigits(float64(n)/1_000_000, 1) + "M"
	case n >= 1_000:
		return humanize.FtoaWithDigits(float64(n)/1_000, 1) + "k"
	default:
		return humanize.Comma(n)
	}
}
