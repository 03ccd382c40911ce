package sanitize

import (
	"strings"
	"testing"
)

func TestCleanInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "hello", want: "hello"},
		{name: "trims", in: "  hello \n", want: "hello"},
		{name: "control chars", in: "he\x00ll\x1bo\x7f", want: "hello"},
		{name: "collapse spaces", in: "a  \t b", want: "a b"},
		{name: "collapse newlines", in: "a\n\n\nb", want: "a\nb"},
		{name: "crlf pairs", in: "a\r\n\nb", want: "a\nb"},
		{name: "unicode dropped", in: "café — ok", want: "caf ok"},
		{name: "only junk", in: "\x01\x02☃", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanInput(tt.in, DefaultMaxInput); got != tt.want {
				t.Fatalf("CleanInput(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCleanInputCapsLength(t *testing.T) {
	t.Parallel()

	got := CleanInput(strings.Repeat("x", 5000), DefaultMaxInput)
	if len(got) != DefaultMaxInput {
		t.Fatalf("expected %d chars, got %d", DefaultMaxInput, len(got))
	}
}

func TestFoldASCII(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "“Hi” it’s", want: `"Hi" it's`},
		{in: "1–2", want: "1--2"},
		{in: "a—b", want: "a---b"},
		{in: "• item · x", want: "* item * x"},
		{in: "wait…", want: "wait..."},
		{in: "naïve résumé", want: "naive resume"},
		{in: "snow ☃ man", want: "snow  man"},
		{in: "line\nbreak", want: "line\nbreak"},
	}

	for _, tt := range tests {
		if got := FoldASCII(tt.in); got != tt.want {
			t.Errorf("FoldASCII(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestForDeviceIsIdempotent(t *testing.T) {
	t.Parallel()

	in := "First line\nSecond “quoted” line…"
	once := ForDevice(in)
	if strings.Contains(once, "\n") {
		t.Fatalf("expected newlines replaced: %q", once)
	}
	if twice := ForDevice(once); twice != once {
		t.Fatalf("ForDevice not idempotent: %q vs %q", once, twice)
	}
	for _, r := range once {
		if r > 0x7f {
			t.Fatalf("non-ASCII rune %q in %q", r, once)
		}
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := Truncate("abcdef", 3); got != "abc" {
		t.Fatalf("Truncate = %q", got)
	}
	if got := Truncate("ab", 3); got != "ab" {
		t.Fatalf("Truncate = %q", got)
	}
}
