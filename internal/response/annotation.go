package response

import (
	"context"
	"encoding/json"

	"github.com/pavelanni/autograder/internal/correctmap"
)

// AnnotationOption is one labelled choice of an annotation response.
type AnnotationOption struct {
	Text  string `yaml:"text" json:"text"`
	Label string `yaml:"label" json:"label"`
}

// DefaultAnnotationScoring gives points per option label.
var DefaultAnnotationScoring = map[correctmap.Correctness]float64{
	correctmap.Correct:          2,
	correctmap.PartiallyCorrect: 1,
	correctmap.Incorrect:        0,
}

// Annotation grades one selected option per answer id. Correctness and
// points come from the label of the selected option.
type Annotation struct {
	base
	labels  []correctmap.Correctness
	scoring map[correctmap.Correctness]float64
}

func newAnnotation(b base, def Definition) (*Annotation, error) {
	if len(def.AnnotationOptions) == 0 {
		return nil, invalid(b.kind, "no options")
	}
	a := &Annotation{base: b, scoring: make(map[correctmap.Correctness]float64)}
	for c, p := range DefaultAnnotationScoring {
		a.scoring[c] = p
	}
	for label, p := range def.Scoring {
		c := correctmap.Correctness(label)
		if _, ok := DefaultAnnotationScoring[c]; !ok {
			return nil, invalid(b.kind, "unknown scoring label %q", label)
		}
		a.scoring[c] = p
	}
	for _, opt := range def.AnnotationOptions {
		c := correctmap.Correctness(opt.Label)
		if _, ok := a.scoring[c]; !ok {
			return nil, invalid(b.kind, "option %q has unknown label %q", opt.Text, opt.Label)
		}
		a.labels = append(a.labels, c)
	}
	a.maxPoints = a.scoring[correctmap.Correct]
	return a, nil
}

func (a *Annotation) Grade(_ context.Context, subs Submissions) (*Outcome, error) {
	return a.gradeEach(subs, func(s Submission) correctmap.Entry {
		c := correctmap.Incorrect
		points := 0.0
		if i, ok := a.selected(s.String()); ok {
			c = a.labels[i]
			points = a.scoring[c]
		}
		e := a.entry(c)
		e.NPoints = correctmap.Points(points)
		return e
	}), nil
}

// selected returns the single option index chosen in a submission of the
// form {"options":[i]}.
func (a *Annotation) selected(raw string) (int, bool) {
	var v struct {
		Options []int `json:"options"`
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return 0, false
	}
	if len(v.Options) != 1 {
		return 0, false
	}
	i := v.Options[0]
	if i < 0 || i >= len(a.labels) {
		return 0, false
	}
	return i, true
}
