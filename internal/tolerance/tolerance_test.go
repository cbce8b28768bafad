package tolerance

import (
	"math"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Tolerance
		wantErr bool
	}{
		{"", None, false},
		{"0.1", Abs(0.1), false},
		{" 10% ", Pct(10), false},
		{"-2", Abs(2), false},
		{"abc", None, true},
		{"x%", None, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestMatchStrings(t *testing.T) {
	tests := []struct {
		name      string
		expected  float64
		tol       Tolerance
		correct   []string
		incorrect []string
	}{
		{
			name:      "exact",
			expected:  4,
			tol:       None,
			correct:   []string{"4", "4.0", "4.00", "4.", "+4", "4e0"},
			incorrect: []string{"", "3.9", "4.1", "0", "four"},
		},
		{
			name:      "absolute",
			expected:  4,
			tol:       Abs(0.1),
			correct:   []string{"4.0", "4.00", "4.09", "3.91", "4.1", "3.9"},
			incorrect: []string{"", "4.11", "3.89", "0"},
		},
		{
			name:      "percent",
			expected:  4,
			tol:       Pct(10),
			correct:   []string{"4.0", "4.3", "3.7", "4.30", "3.70", "4.4", "3.6"},
			incorrect: []string{"", "4.5", "3.5", "0", "4.41"},
		},
		{
			name:      "percent of negative expected",
			expected:  -4,
			tol:       Pct(10),
			correct:   []string{"-4.4", "-3.6"},
			incorrect: []string{"-4.5", "4"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, s := range tt.correct {
				if !MatchStrings(tt.expected, s, tt.tol) {
					t.Errorf("%q should match %v within %v", s, tt.expected, tt.tol)
				}
			}
			for _, s := range tt.incorrect {
				if MatchStrings(tt.expected, s, tt.tol) {
					t.Errorf("%q should not match %v within %v", s, tt.expected, tt.tol)
				}
			}
		})
	}
}

func TestPercentBoundIsRelativeToEachExpected(t *testing.T) {
	tol := MustParse("10%")
	if !Matches(100, 110, tol) {
		t.Error("110 should be within 10% of 100")
	}
	if Matches(4, 4.5, tol) {
		t.Error("4.5 should not be within 10% of 4")
	}
	if got := tol.Bound(-20); got != 2 {
		t.Errorf("Bound(-20) = %v, want 2", got)
	}
}

func TestMatchesNaN(t *testing.T) {
	nan := math.NaN()
	if Matches(nan, nan, Abs(1)) {
		t.Error("NaN must never match")
	}
}
