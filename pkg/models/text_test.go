package models

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestFirstLine(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short line kept", "  hello\nworld", 80, "hello"},
		{"ascii cut", strings.Repeat("a", 100), 80, strings.Repeat("a", 80)},
		{"multi-byte cut on rune boundary", strings.Repeat("é", 100), 80, strings.Repeat("é", 80)},
		{"cjk cut", strings.Repeat("界", 90) + "\nrest", 80, strings.Repeat("界", 80)},
		{"emoji cut", strings.Repeat("🙂", 81), 80, strings.Repeat("🙂", 80)},
		{"empty", "", 80, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FirstLine(tt.in, tt.n)
			if got != tt.want {
				t.Errorf("FirstLine() = %q, want %q", got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("FirstLine() returned invalid UTF-8 %q", got)
			}
		})
	}
}

func TestTruncateRunes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"within limit", "héllo", 5, "héllo"},
		{"cut mixed", "añb界c", 3, "añb"},
		{"zero", "abc", 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncateRunes(tt.in, tt.n); got != tt.want {
				t.Errorf("TruncateRunes() = %q, want %q", got, tt.want)
			}
		})
	}
}
