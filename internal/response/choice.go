package response

import (
	"context"
	"maps"
	"strconv"

	"github.com/pavelanni/autograder/internal/correctmap"
)

type selectMode int

const (
	// selectOne requires exactly one selected choice that is correct.
	selectOne selectMode = iota
	// selectSet requires the selected set to equal the correct set.
	selectSet
)

// Choice grades multiple choice, true/false sets and radio/checkbox groups.
type Choice struct {
	base
	mode    selectMode
	choices []string
	correct map[string]struct{}
}

func newChoice(b base, def Definition, mode selectMode) (*Choice, error) {
	if len(def.Choices) == 0 {
		return nil, invalid(b.kind, "no choices")
	}
	c := &Choice{base: b, mode: mode, correct: make(map[string]struct{})}
	seen := make(map[string]bool)
	for i, ch := range def.Choices {
		id := ChoiceID(i, ch.Name)
		if seen[id] {
			return nil, invalid(b.kind, "duplicate choice %q", id)
		}
		seen[id] = true
		c.choices = append(c.choices, id)
		if ch.Correct {
			c.correct[id] = struct{}{}
		}
	}
	if len(c.correct) == 0 {
		return nil, invalid(b.kind, "no correct choice")
	}
	return c, nil
}

// ChoiceID returns the identifier of the i-th choice.
func ChoiceID(i int, name string) string {
	if name != "" {
		return "choice_" + name
	}
	return "choice_" + strconv.Itoa(i)
}

// ChoiceIDs returns the choice identifiers in declared order.
func (c *Choice) ChoiceIDs() []string { return append([]string(nil), c.choices...) }

func (c *Choice) Grade(_ context.Context, subs Submissions) (*Outcome, error) {
	return c.gradeEach(subs, func(s Submission) correctmap.Entry {
		return c.entry(verdict(c.matches(s)))
	}), nil
}

func (c *Choice) matches(s Submission) bool {
	selected := s.Values()
	if c.mode == selectOne {
		if len(selected) != 1 {
			return false
		}
		_, ok := c.correct[selected[0]]
		return ok
	}
	set := make(map[string]struct{}, len(selected))
	for _, v := range selected {
		set[v] = struct{}{}
	}
	return maps.Equal(set, c.correct)
}
