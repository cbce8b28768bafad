package formula

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/autograder/internal/tolerance"
)

// Range is the closed interval a variable is sampled from.
type Range struct {
	Low  float64 `json:"low" yaml:"low"`
	High float64 `json:"high" yaml:"high"`
}

// DefaultSamples is used when a problem does not declare a sample count.
const DefaultSamples = 10

var errMismatch = errors.New("sample mismatch")

// Sampler checks symbolic equivalence by evaluating both expressions at
// random points.
type Sampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSampler returns a sampler drawing from src. A nil src uses a randomly
// seeded PCG source.
func NewSampler(src rand.Source) *Sampler {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Sampler{rng: rand.New(src)}
}

// Draw returns n sample vectors over ranges.
func (s *Sampler) Draw(ranges map[string]Range, n int) []map[string]float64 {
	names := make([]string, 0, len(ranges))
	for k := range ranges {
		names = append(names, k)
	}
	sort.Strings(names)

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]float64, n)
	for i := range out {
		vec := make(map[string]float64, len(names))
		for _, name := range names {
			r := ranges[name]
			vec[name] = r.Low + s.rng.Float64()*(r.High-r.Low)
		}
		out[i] = vec
	}
	return out
}

// Equivalent reports whether submitted agrees with reference within tol at
// every one of n sampled points. A compile or evaluation failure counts as a
// failed sample.
func (s *Sampler) Equivalent(ctx context.Context, reference, submitted string, ranges map[string]Range, n int, tol tolerance.Tolerance) bool {
	if n <= 0 {
		n = DefaultSamples
	}
	vars := make([]string, 0, len(ranges))
	for k := range ranges {
		vars = append(vars, k)
	}
	ref, err := Compile(reference, vars)
	if err != nil {
		return false
	}
	sub, err := Compile(submitted, vars)
	if err != nil {
		return false
	}
	return s.equivalent(ctx, ref, sub, s.Draw(ranges, n), tol)
}

func (s *Sampler) equivalent(ctx context.Context, ref, sub *Program, samples []map[string]float64, tol tolerance.Tolerance) bool {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, vec := range samples {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			want, err := ref.Eval(vec)
			if err != nil {
				return err
			}
			got, err := sub.Eval(vec)
			if err != nil {
				return err
			}
			if !tolerance.Matches(want, got, tol) {
				return errMismatch
			}
			return nil
		})
	}
	return g.Wait() == nil
}

// ParseSamples reads the compact form "x,y@-10,-10:10,10#10": variable names,
// lower bounds, upper bounds and the sample count.
func ParseSamples(s string) (map[string]Range, int, error) {
	s = strings.TrimSpace(s)
	names, rest, ok := strings.Cut(s, "@")
	if !ok {
		return nil, 0, fmt.Errorf("parse samples %q: missing '@'", s)
	}
	bounds, count, ok := strings.Cut(rest, "#")
	if !ok {
		return nil, 0, fmt.Errorf("parse samples %q: missing '#'", s)
	}
	lows, highs, ok := strings.Cut(bounds, ":")
	if !ok {
		return nil, 0, fmt.Errorf("parse samples %q: missing ':'", s)
	}

	vars := splitList(names)
	lo, err := parseFloats(lows)
	if err != nil {
		return nil, 0, fmt.Errorf("parse samples %q: %w", s, err)
	}
	hi, err := parseFloats(highs)
	if err != nil {
		return nil, 0, fmt.Errorf("parse samples %q: %w", s, err)
	}
	if len(lo) != len(vars) || len(hi) != len(vars) {
		return nil, 0, fmt.Errorf("parse samples %q: %d variables but %d/%d bounds", s, len(vars), len(lo), len(hi))
	}
	n, err := strconv.Atoi(strings.TrimSpace(count))
	if err != nil {
		return nil, 0, fmt.Errorf("parse samples %q: %w", s, err)
	}

	ranges := make(map[string]Range, len(vars))
	for i, v := range vars {
		ranges[v] = Range{Low: lo[i], High: hi[i]}
	}
	return ranges, n, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseFloats(s string) ([]float64, error) {
	parts := splitList(s)
	out := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
