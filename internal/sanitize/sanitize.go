// Package sanitize folds text into the restricted ASCII subset the client
// can display and speak.
package sanitize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultMaxInput is the submission length cap in characters.
const DefaultMaxInput = 2048

var (
	inputDisallowed = regexp.MustCompile(`[^\r\n\x20-\x7E]`)
	repeatedSpace   = regexp.MustCompile(`[ \t]{2,}`)
	repeatedNewline = regexp.MustCompile(`\r?\n{2,}`)
	nonASCII        = regexp.MustCompile(`[^\x01-\x7F]`)

	punctuation = strings.NewReplacer(
		"‘", "'",
		"’", "'",
		"“", `"`,
		"”", `"`,
		"–", "--",
		"—", "---",
		"•", "*",
		"·", "*",
		"…", "...",
	)
)

// CleanInput prepares raw client input: it trims, drops control and
// non-printable characters except newlines, collapses repeated blanks and
// newlines, and caps the result at max characters. An empty result means
// nothing usable was submitted.
func CleanInput(s string, max int) string {
	s = strings.TrimSpace(s)
	s = inputDisallowed.ReplaceAllString(s, "")
	s = repeatedSpace.ReplaceAllString(s, " ")
	s = repeatedNewline.ReplaceAllString(s, "\n")
	if max > 0 {
		s = Truncate(s, max)
	}
	return s
}

// FoldASCII maps smart punctuation to ASCII, strips accents and removes
// whatever non-ASCII remains.
func FoldASCII(s string) string {
	s = punctuation.Replace(s)
	if folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s); err == nil {
		s = folded
	}
	return nonASCII.ReplaceAllString(s, "")
}

// ForDevice folds to ASCII and replaces newlines with spaces, which is
// what the client screen expects.
func ForDevice(s string) string {
	return strings.ReplaceAll(FoldASCII(s), "\n", " ")
}

// Truncate cuts s to at most n bytes. Callers fold to ASCII first, so
// bytes and characters coincide.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
