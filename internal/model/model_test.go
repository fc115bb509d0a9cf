package model

import "testing"

func TestTimestamp(t *testing.T) {
	tests := []struct {
		seconds float64
		want    string
	}{
		{0, "2024/01/01 00:00:00"},
		{25200, "2024/01/01 07:00:00"},
		{25260.7, "2024/01/01 07:01:00"}, // sub-second precision truncated
		{86400, "2024/01/02 00:00:00"},   // rolls over to the next day
		{90000, "2024/01/02 01:00:00"},
	}
	for _, tt := range tests {
		if got := Timestamp(tt.seconds); got != tt.want {
			t.Errorf("Timestamp(%g) = %q, want %q", tt.seconds, got, tt.want)
		}
	}
}

func TestIsLinkEvent(t *testing.T) {
	tests := []struct {
		typ  string
		want bool
	}{
		{EventEnterLink, true},
		{EventLeaveLink, true},
		{EventActivityStart, false},
		{EventActivityEnd, false},
		{"", false},
	}
	for _, tt := range tests {
		e := Event{Type: tt.typ}
		if got := e.IsLinkEvent(); got != tt.want {
			t.Errorf("IsLinkEvent(%q) = %v, want %v", tt.typ, got, tt.want)
		}
	}
}
