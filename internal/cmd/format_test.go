package cmd

import (
	"testing"
	"time"
)

func TestHumanAge(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		t    time.Time
		want string
	}{
		{"zero time", time.Time{}, "-"},
		{"sub-second", now.Add(-500 * time.Millisecond), "0s"},
		{"seconds", now.Add(-42 * time.Second), "42s"},
		{"minutes", now.Add(-7 * time.Minute), "7m"},
		{"hours", now.Add(-3 * time.Hour), "3h"},
		{"days", now.Add(-49 * time.Hour), "2d"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := humanAge(tt.t, now); got != tt.want {
				t.Errorf("humanAge() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHumanMs(t *testing.T) {
	tests := []struct {
		ms   int64
		want string
	}{
		{-1, "-"},
		{0, "0ms"},
		{450, "450ms"},
		{1000, "1.0s"},
		{2500, "2.5s"},
		{59999, "60.0s"},
		{60000, "1.0m"},
		{90000, "1.5m"},
	}
	for _, tt := range tests {
		if got := humanMs(tt.ms); got != tt.want {
			t.Errorf("humanMs(%d) = %q, want %q", tt.ms, got, tt.want)
		}
	}
}

func TestFormatCost(t *testing.T) {
	tests := []struct {
		usd  float64
		want string
	}{
		{0, "$0.00"},
		{0.0042, "$0.0042"},
		{0.01, "$0.01"},
		{1.5, "$1.50"},
		{12.345, "$12.35"},
	}
	for _, tt := range tests {
		if got := formatCost(tt.usd); got != tt.want {
			t.Errorf("formatCost(%v) = %q, want %q", tt.usd, got, tt.want)
		}
	}
}

func TestFormatTokens(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0"},
		{950, "950"},
		{1000, "1.0k"},
		{8200, "8.2k"},
		{999999, "1000.0k"},
		{1_300_000, "1.3M"},
	}
	for _, tt := range tests {
		if got := formatTokens(tt.n); got != tt.want {
			t.Errorf("formatTokens(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestOrDash(t *testing.T) {
	if got := orDash(""); got != "-" {
		t.Errorf("orDash(\"\") = %q, want -", got)
	}
	if got := orDash("bead-7"); got != "bead-7" {
		t.Errorf("orDash(\"bead-7\") = %q, want bead-7", got)
	}
}

func TestClip(t *testing.T) {
	tests := []struct {
		s    string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly-10", 10, "exactly-10"},
		{"this is far too long", 10, "this is..."},
		{"abc", 3, "abc"},
		{"abcdef", 3, "abcdef"}, // max too small to clip meaningfully
		{"", 5, ""},
	}
	for _, tt := range tests {
		if got := clip(tt.s, tt.max); got != tt.want {
			t.Errorf("clip(%q, %d) = %q, want %q", tt.s, tt.max, got, tt.want)
		}
	}
}
