package reconcile

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// defaultEpisodeDuration is assumed when a provider gives no duration.
const defaultEpisodeDuration = 24

var (
	durationRe      = regexp.MustCompile(`(\d+)`)
	episodeNumberRe = regexp.MustCompile(`(?i)episode\s*(\d+)`)
	problemCharsRe  = regexp.MustCompile("[\"'`<>|\\\\]")
)

// parseDuration extracts the minute count from provider duration text
// like "24 min per ep". Unparseable text falls back to the given
// default.
func parseDuration(text string, fallback int) int {
	if m := durationRe.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return n
		}
	}
	if fallback > 0 {
		return fallback
	}
	return defaultEpisodeDuration
}

// episodeNumberFromTitle extracts the episode number from a streaming
// episode title. Returns 0 when the title has no parseable number.
func episodeNumberFromTitle(title string) int {
	m := episodeNumberRe.FindStringSubmatch(title)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// trailerIDFromURL extracts the YouTube video id from watch and short
// link forms. Returns "" for anything else.
func trailerIDFromURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.TrimPrefix(u.Hostname(), "www.")
	switch host {
	case "youtube.com", "m.youtube.com":
		return u.Query().Get("v")
	case "youtu.be":
		return strings.Trim(u.Path, "/")
	}
	return ""
}

// cleanTitle normalizes a provider title: trims whitespace, strips
// characters that break downstream consumers, and truncates to 250
// characters without splitting a rune. CJK titles keep everything but
// the length cap.
func cleanTitle(title string) string {
	title = strings.TrimSpace(title)
	if !containsCJK(title) {
		title = problemCharsRe.ReplaceAllString(title, "")
		title = strings.Join(strings.Fields(title), " ")
	}

	runes := []rune(title)
	if len(runes) > 250 {
		runes = runes[:250]
	}
	return strings.TrimSpace(string(runes))
}

func containsCJK(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			return true
		}
	}
	return false
}
