package formula

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/pavelanni/autograder/internal/tolerance"
)

func newTestSampler() *Sampler {
	return NewSampler(rand.NewPCG(1, 2))
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		expr   string
		values map[string]float64
		want   float64
	}{
		{"2+2", nil, 4},
		{"x+2*y", map[string]float64{"x": 1, "y": 2}, 5},
		{"x^2", map[string]float64{"x": 3}, 9},
		{"x**3", map[string]float64{"x": 2}, 8},
		{"sqrt(4)", nil, 2},
		{"-x + 1", map[string]float64{"x": 3}, -2},
		{"1/2", nil, 0.5},
		{"sin(pi/2)", nil, 1},
		{"fact(5)", nil, 120},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := Evaluate(tt.expr, tt.values)
			if err != nil {
				t.Fatalf("Evaluate(%q): %v", tt.expr, err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Evaluate(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestCompileErrors(t *testing.T) {
	for _, src := range []string{"", "x +", "z*2", "foo(x)"} {
		t.Run(src, func(t *testing.T) {
			err := Validate(src, []string{"x"})
			if !errors.Is(err, ErrInvalidFormula) {
				t.Errorf("Validate(%q) = %v, want ErrInvalidFormula", src, err)
			}
		})
	}
}

func TestEquivalent(t *testing.T) {
	ranges := map[string]Range{"x": {-10, 10}, "y": {-10, 10}}
	tol := tolerance.Abs(0.01)
	s := newTestSampler()
	ctx := context.Background()

	if !s.Equivalent(ctx, "x+2*y", "2*x - x + y + y", ranges, 10, tol) {
		t.Error("2*x - x + y + y should be equivalent to x+2*y")
	}
	if s.Equivalent(ctx, "x+2*y", "x + y", ranges, 10, tol) {
		t.Error("x + y should not be equivalent to x+2*y")
	}
	if s.Equivalent(ctx, "x+2*y", "x + 2*y + q", ranges, 10, tol) {
		t.Error("unknown variable must fail")
	}
	if s.Equivalent(ctx, "x+2*y", "", ranges, 10, tol) {
		t.Error("empty submission must fail")
	}
}

func TestEquivalentFailsOnUndefinedPoint(t *testing.T) {
	// log of a negative number is NaN, which never matches.
	ranges := map[string]Range{"x": {-10, -1}}
	s := newTestSampler()
	if s.Equivalent(context.Background(), "log(x)", "log(x)", ranges, 5, tolerance.Abs(0.01)) {
		t.Error("expressions undefined on the whole range must not be equivalent")
	}
}

func TestDrawStaysInRange(t *testing.T) {
	s := newTestSampler()
	ranges := map[string]Range{"x": {-10, 10}, "y": {0, 1}}
	samples := s.Draw(ranges, 100)
	if len(samples) != 100 {
		t.Fatalf("expected 100 samples, got %d", len(samples))
	}
	for _, vec := range samples {
		for name, r := range ranges {
			if v := vec[name]; v < r.Low || v > r.High {
				t.Fatalf("%s=%v outside [%v,%v]", name, v, r.Low, r.High)
			}
		}
	}
}

func TestParseSamples(t *testing.T) {
	ranges, n, err := ParseSamples("x,y@-10,-5:10,5#20")
	if err != nil {
		t.Fatalf("ParseSamples: %v", err)
	}
	if n != 20 {
		t.Errorf("expected 20 samples, got %d", n)
	}
	if ranges["x"] != (Range{-10, 10}) || ranges["y"] != (Range{-5, 5}) {
		t.Errorf("unexpected ranges %+v", ranges)
	}

	for _, bad := range []string{"x", "x@1#2", "x@1:2", "x,y@1:2#3", "x@a:2#3", "x@1:2#n"} {
		if _, _, err := ParseSamples(bad); err == nil {
			t.Errorf("ParseSamples(%q) should fail", bad)
		}
	}
}
