package response

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pavelanni/autograder/internal/correctmap"
	"github.com/pavelanni/autograder/internal/script"
)

// Custom delegates grading to author code, either inline code that fills
// correct/messages or a check function called as fn(expect, answer_given).
type Custom struct {
	base
	code     string
	function string
	expect   string
	script   *script.Context
}

func newCustom(b base, def Definition, env Env) (*Custom, error) {
	if env.Script == nil {
		return nil, invalid(b.kind, "no script context")
	}
	c := &Custom{base: b, code: def.Answer, function: def.Function, expect: def.Expect, script: env.Script}
	switch {
	case c.function != "" && c.code != "":
		return nil, invalid(b.kind, "both inline code and a check function")
	case c.function != "":
		if !env.Script.HasFunction(c.function) {
			return nil, invalid(b.kind, "check function %q is not defined", c.function)
		}
	case c.code == "":
		return nil, invalid(b.kind, "no inline code or check function")
	}
	return c, nil
}

func (c *Custom) Grade(_ context.Context, subs Submissions) (*Outcome, error) {
	var (
		res script.Result
		err error
	)
	if c.function != "" {
		answers := make([]any, len(c.ids))
		for i, id := range c.ids {
			answers[i] = subs[id].Value()
		}
		res, err = c.script.CallCheck(c.function, c.expect, answers)
	} else {
		answers := make(map[string]any, len(c.ids))
		for _, id := range c.ids {
			answers[id] = subs[id].Value()
		}
		res, err = c.script.EvaluateInline(c.code, script.InlineVars{IDs: c.ids, Answers: answers, Expect: c.expect})
	}
	if err != nil {
		return nil, fmt.Errorf("%s response %v: %w", c.kind, c.ids, err)
	}
	return scriptOutcome(&c.base, res), nil
}

func scriptOutcome(b *base, res script.Result) *Outcome {
	out := newOutcome()
	for i, id := range b.ids {
		e := b.entry(correctmap.ParseCorrectness(res.Correct[i]))
		e.Msg = res.Messages[i]
		out.Entries[id] = e
	}
	out.OverallMessage = res.OverallMessage
	return out
}

// Schematic runs inline code with the JSON-decoded submissions bound as the
// list submission, in declared answer id order.
type Schematic struct {
	base
	code   string
	script *script.Context
}

func newSchematic(b base, def Definition, env Env) (*Schematic, error) {
	if env.Script == nil {
		return nil, invalid(b.kind, "no script context")
	}
	if def.Answer == "" {
		return nil, invalid(b.kind, "no inline code")
	}
	return &Schematic{base: b, code: def.Answer, script: env.Script}, nil
}

func (r *Schematic) Grade(_ context.Context, subs Submissions) (*Outcome, error) {
	submission := make([]any, len(r.ids))
	answers := make(map[string]any, len(r.ids))
	for i, id := range r.ids {
		raw := subs[id].String()
		answers[id] = raw
		submission[i] = decodeJSON(raw)
	}
	res, err := r.script.EvaluateInline(r.code, script.InlineVars{IDs: r.ids, Answers: answers, Submission: submission})
	if err != nil {
		return nil, fmt.Errorf("%s response %v: %w", r.kind, r.ids, err)
	}
	return scriptOutcome(&r.base, res), nil
}

// decodeJSON returns the decoded value of s, or s itself when it is not
// JSON.
func decodeJSON(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

// Javascript calls a grader function defined by the problem scripts as
// grader(params, submission) with the JSON-decoded submission.
type Javascript struct {
	base
	grader string
	params map[string]any
	script *script.Context
}

// DefaultJavascriptGrader is the function called when none is named.
const DefaultJavascriptGrader = "grade"

func newJavascript(b base, def Definition, env Env) (*Javascript, error) {
	if env.Script == nil {
		return nil, invalid(b.kind, "no script context")
	}
	grader := def.Grader
	if grader == "" {
		grader = DefaultJavascriptGrader
	}
	if !env.Script.HasFunction(grader) {
		return nil, invalid(b.kind, "grader function %q is not defined", grader)
	}
	params := def.Params
	if params == nil {
		params = map[string]any{}
	}
	return &Javascript{base: b, grader: grader, params: params, script: env.Script}, nil
}

func (r *Javascript) Grade(_ context.Context, subs Submissions) (*Outcome, error) {
	out := newOutcome()
	for _, id := range r.ids {
		var submission any
		if err := json.Unmarshal([]byte(subs[id].String()), &submission); err != nil {
			out.Entries[id] = r.entry(correctmap.Incorrect)
			continue
		}
		res, err := r.script.CallGrader(r.grader, r.params, submission)
		if err != nil {
			return nil, fmt.Errorf("%s response %s: %w", r.kind, id, err)
		}
		e := r.entry(correctmap.ParseCorrectness(res.Correct[0]))
		e.Msg = res.Messages[0]
		out.Entries[id] = e
		if res.OverallMessage != "" {
			out.OverallMessage = res.OverallMessage
		}
	}
	return out, nil
}
