package tolerance

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind distinguishes how a tolerance bound is computed.
type Kind int

const (
	// Exact requires the values to be equal.
	Exact Kind = iota
	// Absolute allows a fixed delta.
	Absolute
	// Percent allows a delta relative to |expected|.
	Percent
)

// Tolerance is an absolute or percentage bound for numeric equality.
type Tolerance struct {
	Kind  Kind
	Value float64
}

// None is the zero tolerance.
var None = Tolerance{}

// Abs returns an absolute tolerance.
func Abs(delta float64) Tolerance {
	return Tolerance{Kind: Absolute, Value: math.Abs(delta)}
}

// Pct returns a percentage tolerance (10 means 10%).
func Pct(pct float64) Tolerance {
	return Tolerance{Kind: Percent, Value: math.Abs(pct)}
}

// Parse reads "", "0.1" or "10%".
func Parse(s string) (Tolerance, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return None, nil
	}
	if strings.HasSuffix(s, "%") {
		v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, "%")), 64)
		if err != nil {
			return None, fmt.Errorf("parse percent tolerance %q: %w", s, err)
		}
		return Pct(v), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return None, fmt.Errorf("parse tolerance %q: %w", s, err)
	}
	return Abs(v), nil
}

// MustParse is like Parse but panics on error. Intended for constants.
func MustParse(s string) Tolerance {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

// Bound returns the allowed delta around expected.
func (t Tolerance) Bound(expected float64) float64 {
	switch t.Kind {
	case Absolute:
		return t.Value
	case Percent:
		return t.Value / 100 * math.Abs(expected)
	default:
		return 0
	}
}

func (t Tolerance) String() string {
	switch t.Kind {
	case Absolute:
		return strconv.FormatFloat(t.Value, 'g', -1, 64)
	case Percent:
		return strconv.FormatFloat(t.Value, 'g', -1, 64) + "%"
	default:
		return ""
	}
}

// Matches reports whether actual is within tol of expected. The bound is inclusive.
func Matches(expected, actual float64, tol Tolerance) bool {
	if math.IsNaN(expected) || math.IsNaN(actual) {
		return false
	}
	if math.IsInf(expected, 0) || math.IsInf(actual, 0) {
		return expected == actual
	}
	if tol.Kind == Exact {
		return expected == actual
	}
	// 4.4 - 4 is 0.40000000000000036 in float64; the boundary stays inclusive.
	bound := tol.Bound(expected)
	return math.Abs(actual-expected) <= bound+epsilon(bound, expected)
}

func epsilon(bound, expected float64) float64 {
	return 1e-12 * math.Max(1, math.Max(math.Abs(bound), math.Abs(expected)))
}

// ParseNumber parses a numeric literal, accepting the variants a student may
// type for the same value ("4", "4.0", "4.", "+4", "4e0").
func ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	s = strings.TrimSuffix(s, ".")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// MatchStrings parses given and compares it with expected. Unparsable input
// never matches.
func MatchStrings(expected float64, given string, tol Tolerance) bool {
	v, ok := ParseNumber(given)
	if !ok {
		return false
	}
	return Matches(expected, v, tol)
}
