package ratelimit

import "testing"

func TestAsFloat(t *testing.T) {
	cases := []struct {
		in   interface{}
		want float64
	}{
		{"3.5", 3.5},
		{"", 0},
		{nil, 0},
		{42, 0}, // non-string input is not parsed, defensively returns 0
	}
	for _, tc := range cases {
		if got := asFloat(tc.in); got != tc.want {
			t.Errorf("asFloat(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestNew_DefaultsStored(t *testing.T) {
	l := New(nil, 230, 23)
	if l.defaultCapacity != 230 || l.defaultRate != 23 {
		t.Errorf("defaults not stored: %+v", l)
	}
}
