package response

import (
	"context"
	"slices"
	"strings"

	"github.com/pavelanni/autograder/internal/correctmap"
)

// Option grades a selection from an enumerated list against one correct
// option.
type Option struct {
	base
	options []string
	answer  string
}

func newOption(b base, def Definition) (*Option, error) {
	if def.Answer == "" {
		return nil, invalid(b.kind, "no correct option")
	}
	if len(def.Options) > 0 && !slices.Contains(def.Options, def.Answer) {
		return nil, invalid(b.kind, "correct option %q is not among the options", def.Answer)
	}
	return &Option{base: b, options: def.Options, answer: def.Answer}, nil
}

func (o *Option) Grade(_ context.Context, subs Submissions) (*Outcome, error) {
	return o.gradeEach(subs, func(s Submission) correctmap.Entry {
		return o.entry(verdict(s.String() == o.answer))
	}), nil
}

// String grades free text against the authored answer.
type String struct {
	base
	answer        string
	caseSensitive bool
	hints         []HintDef
}

func newString(b base, def Definition) (*String, error) {
	answer := strings.TrimSpace(def.Answer)
	if answer == "" {
		return nil, invalid(b.kind, "no answer")
	}
	return &String{base: b, answer: answer, caseSensitive: def.CaseSensitive, hints: def.Hints}, nil
}

func (r *String) Grade(_ context.Context, subs Submissions) (*Outcome, error) {
	return r.gradeEach(subs, func(s Submission) correctmap.Entry {
		given := strings.TrimSpace(s.String())
		e := r.entry(verdict(r.equal(given)))
		if e.Correctness != correctmap.Correct {
			setHint(&e, matchingHints(r.hints, func(h HintDef) bool {
				return strings.EqualFold(given, strings.TrimSpace(h.Answer))
			}))
		}
		return e
	}), nil
}

func (r *String) equal(given string) bool {
	if r.caseSensitive {
		return given == r.answer
	}
	return strings.EqualFold(given, r.answer)
}

// matchingHints returns the texts of every hint accepted by match.
func matchingHints(hints []HintDef, match func(HintDef) bool) []string {
	var out []string
	for _, h := range hints {
		if match(h) {
			out = append(out, h.Text)
		}
	}
	return out
}

func setHint(e *correctmap.Entry, texts []string) {
	if len(texts) == 0 {
		return
	}
	e.Hint = strings.Join(texts, "\n")
	e.HintMode = correctmap.HintModeAlways
}
