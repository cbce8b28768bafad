package response

import (
	"context"
	"maps"
	"slices"
	"strings"

	"github.com/pavelanni/autograder/internal/correctmap"
	"github.com/pavelanni/autograder/internal/formula"
	"github.com/pavelanni/autograder/internal/tolerance"
)

// DefaultFormulaTolerance applies to formula responses that declare none.
const DefaultFormulaTolerance = "0.001%"

// MsgInvalidFormula is attached to submissions that do not parse.
const MsgInvalidFormula = "Unable to parse the formula"

// resolveAnswer replaces a "$name" answer with the value of the problem
// script variable name.
func resolveAnswer(kind, answer string, env Env) (string, error) {
	answer = strings.TrimSpace(answer)
	name, ok := strings.CutPrefix(answer, "$")
	if !ok {
		return answer, nil
	}
	if env.Script == nil {
		return "", invalid(kind, "answer %q needs a problem script", answer)
	}
	v, ok := env.Script.Lookup(name)
	if !ok {
		return "", invalid(kind, "script variable %q is not defined", name)
	}
	return v, nil
}

// Numerical grades a number against a literal or script-computed value.
type Numerical struct {
	base
	expected float64
	tol      tolerance.Tolerance
	hints    []numericHint
}

type numericHint struct {
	value float64
	text  string
}

func newNumerical(b base, def Definition, env Env) (*Numerical, error) {
	answer, err := resolveAnswer(b.kind, def.Answer, env)
	if err != nil {
		return nil, err
	}
	expected, ok := tolerance.ParseNumber(answer)
	if !ok {
		return nil, invalid(b.kind, "answer %q is not a number", answer)
	}
	tol, err := tolerance.Parse(def.Tolerance)
	if err != nil {
		return nil, invalid(b.kind, "%v", err)
	}
	n := &Numerical{base: b, expected: expected, tol: tol}
	for _, h := range def.Hints {
		v, ok := tolerance.ParseNumber(h.Answer)
		if !ok {
			return nil, invalid(b.kind, "hint answer %q is not a number", h.Answer)
		}
		n.hints = append(n.hints, numericHint{value: v, text: h.Text})
	}
	return n, nil
}

// Expected returns the value submissions are compared with.
func (n *Numerical) Expected() float64 { return n.expected }

func (n *Numerical) Grade(_ context.Context, subs Submissions) (*Outcome, error) {
	return n.gradeEach(subs, func(s Submission) correctmap.Entry {
		given, ok := numericValue(s.String())
		if !ok {
			return n.entry(correctmap.Incorrect)
		}
		e := n.entry(verdict(tolerance.Matches(n.expected, given, n.tol)))
		if e.Correctness != correctmap.Correct {
			var texts []string
			for _, h := range n.hints {
				if tolerance.Matches(h.value, given, n.tol) {
					texts = append(texts, h.text)
				}
			}
			setHint(&e, texts)
		}
		return e
	}), nil
}

// numericValue reads a literal, or failing that a constant expression such
// as "2*2".
func numericValue(s string) (float64, bool) {
	if v, ok := tolerance.ParseNumber(s); ok {
		return v, true
	}
	if strings.TrimSpace(s) == "" {
		return 0, false
	}
	v, err := formula.Evaluate(s, nil)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Formula grades a symbolic expression by sampled equivalence.
type Formula struct {
	base
	answer  string
	ranges  map[string]formula.Range
	vars    []string
	samples int
	tol     tolerance.Tolerance
	hints   []HintDef
	sampler *formula.Sampler
}

func newFormula(b base, def Definition, env Env) (*Formula, error) {
	answer, err := resolveAnswer(b.kind, def.Answer, env)
	if err != nil {
		return nil, err
	}
	if def.Samples == "" {
		return nil, invalid(b.kind, "no samples")
	}
	ranges, samples, err := formula.ParseSamples(def.Samples)
	if err != nil {
		return nil, invalid(b.kind, "%v", err)
	}
	tolText := def.Tolerance
	if tolText == "" {
		tolText = DefaultFormulaTolerance
	}
	tol, err := tolerance.Parse(tolText)
	if err != nil {
		return nil, invalid(b.kind, "%v", err)
	}
	vars := slices.Sorted(maps.Keys(ranges))
	if err := formula.Validate(answer, vars); err != nil {
		return nil, invalid(b.kind, "answer: %v", err)
	}
	for _, h := range def.Hints {
		if err := formula.Validate(h.Answer, vars); err != nil {
			return nil, invalid(b.kind, "hint %q: %v", h.Name, err)
		}
	}
	sampler := env.Sampler
	if sampler == nil {
		sampler = formula.NewSampler(nil)
	}
	return &Formula{
		base:    b,
		answer:  answer,
		ranges:  ranges,
		vars:    vars,
		samples: samples,
		tol:     tol,
		hints:   def.Hints,
		sampler: sampler,
	}, nil
}

func (f *Formula) Grade(ctx context.Context, subs Submissions) (*Outcome, error) {
	return f.gradeEach(subs, func(s Submission) correctmap.Entry {
		given := strings.TrimSpace(s.String())
		if given == "" {
			return f.entry(correctmap.Incorrect)
		}
		if err := formula.Validate(given, f.vars); err != nil {
			e := f.entry(correctmap.Incorrect)
			e.Msg = MsgInvalidFormula
			return e
		}
		e := f.entry(verdict(f.sampler.Equivalent(ctx, f.answer, given, f.ranges, f.samples, f.tol)))
		if e.Correctness != correctmap.Correct {
			setHint(&e, matchingHints(f.hints, func(h HintDef) bool {
				return f.sampler.Equivalent(ctx, h.Answer, given, f.ranges, f.samples, f.tol)
			}))
		}
		return e
	}), nil
}
