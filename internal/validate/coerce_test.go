package validate

import (
	"testing"
	"time"
)

func TestCoerceNumeric(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  float64
		ok    bool
	}{
		{"plain integer", "42", 42, true},
		{"decimal", "3.14", 3.14, true},
		{"negative", "-7", -7, true},
		{"thousands separator", "1,234.5", 1234.5, true},
		{"currency", "$99.95", 99.95, true},
		{"accounting negative", "(123.45)", -123.45, true},
		{"scientific", "1.5e3", 1500, true},
		{"whitespace padded", "  12  ", 12, true},
		{"empty", "", 0, false},
		{"letters", "abc", 0, false},
		{"mixed", "12abc", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := CoerceNumeric(tt.input)
			if ok != tt.ok {
				t.Fatalf("CoerceNumeric(%q) ok = %v, want %v", tt.input, ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("CoerceNumeric(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestCoerceDate(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string // ISO date, empty for failure
	}{
		{"iso", "2024-03-15", "2024-03-15"},
		{"us slash", "3/15/2024", "2024-03-15"},
		{"compact", "20240315", "2024-03-15"},
		{"month name", "Mar 15, 2024", "2024-03-15"},
		{"two digit year past", "3/15/99", "1999-03-15"},
		{"empty", "", ""},
		{"garbage", "not-a-date", ""},
		{"impossible day", "2024-02-31", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := CoerceDate(tt.input)
			if (tt.want == "") == ok {
				t.Fatalf("CoerceDate(%q) ok = %v, want %v", tt.input, ok, tt.want != "")
			}
			if ok && got.Format(time.DateOnly) != tt.want {
				t.Errorf("CoerceDate(%q) = %s, want %s", tt.input, got.Format(time.DateOnly), tt.want)
			}
		})
	}
}

func TestCoerceBool(t *testing.T) {
	truthy := []string{"true", "TRUE", "t", "yes", "Y", "1"}
	for _, s := range truthy {
		got, ok := CoerceBool(s)
		if !ok || !got {
			t.Errorf("CoerceBool(%q) = %v, %v, want true, true", s, got, ok)
		}
	}
	falsy := []string{"false", "F", "no", "n", "0"}
	for _, s := range falsy {
		got, ok := CoerceBool(s)
		if !ok || got {
			t.Errorf("CoerceBool(%q) = %v, %v, want false, true", s, got, ok)
		}
	}
	for _, s := range []string{"", "maybe", "2"} {
		if _, ok := CoerceBool(s); ok {
			t.Errorf("CoerceBool(%q) unexpectedly parsed", s)
		}
	}
}
