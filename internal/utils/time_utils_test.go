package utils

import (
	"testing"
	"time"
)

func TestParseStringTime(t *testing.T) {
	tests := []struct {
		timeString string
		expected   time.Duration
	}{
		{"10s", 10 * time.Second},
		{"20M", 20 * time.Minute},
		{"48h", 48 * time.Hour},
		{"2d", 2 * time.Hour * 24},
		{"500ms", 500 * time.Millisecond},
		{"100MS", 100 * time.Millisecond},
		{"", 0},
		{"abc", 0},
		{"xs", 0},
	}

	for _, test := range tests {
		result := ParseStringTime(test.timeString)
		if result != test.expected {
			t.Errorf("ParseStringTime(%s): expected %v, got %v", test.timeString, test.expected, result)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{500 * time.Millisecond, "500ms"},
		{5 * time.Second, "5s"},
		{90 * time.Second, "90s"},
		{2 * time.Minute, "2m"},
		{48 * time.Hour, "2d"},
		{0, "0ms"},
	}

	for _, test := range tests {
		result := FormatDuration(test.duration)
		if result != test.expected {
			t.Errorf("FormatDuration(%v): expected %s, got %s", test.duration, test.expected, result)
		}
		if back := ParseStringTime(result); back != test.duration {
			t.Errorf("ParseStringTime(FormatDuration(%v)) = %v", test.duration, back)
		}
	}
}
