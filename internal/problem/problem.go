// Package problem grades all responses of one problem instance and keeps the
// instance's correctness map across grading calls and queued deliveries.
package problem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/pavelanni/autograder/internal/correctmap"
	"github.com/pavelanni/autograder/internal/formula"
	"github.com/pavelanni/autograder/internal/response"
	"github.com/pavelanni/autograder/internal/script"
	"github.com/pavelanni/autograder/internal/xqueue"
)

// Observer is told about grading events. Implementations must be safe for
// concurrent use.
type Observer interface {
	Graded(responseType string, c correctmap.Correctness, d time.Duration)
	ScriptFailed(responseType string)
	Delivered(applied bool)
}

type nopObserver struct{}

func (nopObserver) Graded(string, correctmap.Correctness, time.Duration) {}
func (nopObserver) ScriptFailed(string)                                  {}
func (nopObserver) Delivered(bool)                                       {}

type options struct {
	submitter   xqueue.Submitter
	callbackURL string
	studentID   string
	source      rand.Source
	now         func() time.Time
	observer    Observer
}

// Option configures a Problem.
type Option func(*options)

// WithSubmitter sets where queued responses send their requests.
func WithSubmitter(s xqueue.Submitter) Option {
	return func(o *options) { o.submitter = s }
}

// WithCallbackURL sets the URL an external grader posts results to.
func WithCallbackURL(url string) Option {
	return func(o *options) { o.callbackURL = url }
}

// WithStudentID sets the anonymous student id sent with queued requests.
func WithStudentID(id string) Option {
	return func(o *options) { o.studentID = id }
}

// WithRandSource seeds formula sampling.
func WithRandSource(src rand.Source) Option {
	return func(o *options) { o.source = src }
}

// WithClock overrides time.Now for queue timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithObserver registers an observer for grading events.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// Problem is one graded instance of a problem definition.
//
// A Problem is not safe for concurrent grading; callers serialize
// GradeAnswers, UpdateScore and Restore. Queries on CorrectMap may run
// concurrently with them.
type Problem struct {
	def       *Definition
	responses []response.Response
	ids       []string
	cmap      *correctmap.CorrectMap
	submitter xqueue.Submitter
	observer  Observer
}

// New builds the script context and every response of def.
func New(def *Definition, opts ...Option) (*Problem, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	o := options{observer: nopObserver{}}
	for _, opt := range opts {
		opt(&o)
	}

	sc, err := script.NewContext(def.Scripts...)
	if err != nil {
		return nil, fmt.Errorf("problem %s: %w", def.ID, err)
	}
	env := response.Env{
		Script:      sc,
		Sampler:     formula.NewSampler(o.source),
		CallbackURL: o.callbackURL,
		StudentID:   o.studentID,
		Now:         o.now,
	}

	p := &Problem{def: def, cmap: correctmap.New(), submitter: o.submitter, observer: o.observer}
	for i, rd := range def.Responses {
		r, err := response.Build(rd, env)
		if err != nil {
			return nil, fmt.Errorf("problem %s: response %d: %w", def.ID, i, err)
		}
		p.responses = append(p.responses, r)
		p.ids = append(p.ids, r.IDs()...)
	}
	return p, nil
}

// ID returns the problem id.
func (p *Problem) ID() string { return p.def.ID }

// Definition returns the definition the problem was built from.
func (p *Problem) Definition() *Definition { return p.def }

// QuestionAnswers returns every answer id in declared order.
func (p *Problem) QuestionAnswers() []string {
	return append([]string(nil), p.ids...)
}

// MaxScore is the sum of the maximum points of every response.
func (p *Problem) MaxScore() float64 {
	var total float64
	for _, r := range p.responses {
		total += r.MaxPoints()
	}
	return total
}

// Score is the sum of the points currently recorded.
func (p *Problem) Score() float64 {
	var total float64
	for _, id := range p.ids {
		total += p.cmap.NPoints(id)
	}
	return total
}

// CorrectMap returns the live instance map.
func (p *Problem) CorrectMap() *correctmap.CorrectMap { return p.cmap }

// GradeAnswers grades every response owning at least one id in answers and
// merges the results into the instance map. Ids no response owns are
// ignored. On error the instance map is unchanged and no request reaches an
// external grader: queued requests are sent only after every response has
// graded.
func (p *Problem) GradeAnswers(ctx context.Context, answers response.Submissions) (*correctmap.CorrectMap, error) {
	var outcomes []*response.Outcome
	for _, r := range p.responses {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		subs, present := p.submissionsFor(r, answers)
		if !present {
			continue
		}
		start := time.Now()
		out, err := r.Grade(ctx, subs)
		if err != nil {
			if errors.Is(err, script.ErrScriptFailed) || errors.Is(err, script.ErrMalformedResult) {
				p.observer.ScriptFailed(r.Type())
			}
			slog.Debug("grading aborted", "problem", p.def.ID, "type", r.Type(), "error", err)
			return nil, fmt.Errorf("grade problem %s: %w", p.def.ID, err)
		}
		elapsed := time.Since(start)
		for _, e := range out.Entries {
			p.observer.Graded(r.Type(), e.Correctness, elapsed)
		}
		outcomes = append(outcomes, out)
	}

	pass := correctmap.New()
	for _, out := range outcomes {
		out.Submit(ctx, p.submitter)
		out.ApplyTo(pass)
	}
	p.cmap.Update(pass)
	return pass, nil
}

func (p *Problem) submissionsFor(r response.Response, answers response.Submissions) (response.Submissions, bool) {
	subs := make(response.Submissions)
	present := false
	for _, id := range r.IDs() {
		s, ok := answers[id]
		if ok {
			present = true
		}
		subs[id] = s
	}
	return subs, present
}

// UpdateScore applies a score message from the external grader to the answer
// queued under key. It reports false when no answer is waiting for key.
func (p *Problem) UpdateScore(_ context.Context, payload []byte, key int64) (bool, error) {
	msg, err := xqueue.ParseScoreMessage(payload)
	if err != nil {
		return false, err
	}
	for _, r := range p.responses {
		u, ok := r.(response.Updater)
		if !ok {
			continue
		}
		if id, applied := u.UpdateScore(p.cmap, msg, key); applied {
			slog.Debug("score delivered", "problem", p.def.ID, "answer_id", id, "correct", msg.Correct)
			p.observer.Delivered(true)
			return true, nil
		}
	}
	p.observer.Delivered(false)
	return false, nil
}

// IsQueued reports whether any answer is waiting for an external grader.
func (p *Problem) IsQueued() bool {
	for _, id := range p.ids {
		if p.cmap.IsQueued(id) {
			return true
		}
	}
	return false
}

// RecentmostQueuetime returns the latest time an answer was queued.
func (p *Problem) RecentmostQueuetime() (time.Time, bool) {
	return xqueue.RecentmostQueuetime(p.cmap)
}

// Snapshot returns the instance map as JSON.
func (p *Problem) Snapshot() ([]byte, error) {
	data, err := json.Marshal(p.cmap)
	if err != nil {
		return nil, fmt.Errorf("snapshot problem %s: %w", p.def.ID, err)
	}
	return data, nil
}

// Restore replaces the instance map with a snapshot.
func (p *Problem) Restore(data []byte) error {
	cm := correctmap.New()
	if err := json.Unmarshal(data, cm); err != nil {
		return fmt.Errorf("restore problem %s: %w", p.def.ID, err)
	}
	p.cmap.Replace(cm)
	return nil
}
