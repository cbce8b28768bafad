// Package response grades submissions. Each response type is one variant
// behind the Response interface; a variant owns a fixed set of answer ids
// and is the only writer of their records during a grading pass.
package response

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/autograder/internal/correctmap"
	"github.com/pavelanni/autograder/internal/formula"
	"github.com/pavelanni/autograder/internal/script"
	"github.com/pavelanni/autograder/internal/xqueue"
)

// ErrInvalidDefinition is returned when a response cannot be built from its
// definition.
var ErrInvalidDefinition = errors.New("invalid response definition")

// Response is implemented by every response variant.
type Response interface {
	// Type is the response type name, e.g. "numerical".
	Type() string
	// IDs returns the owned answer ids in declared order.
	IDs() []string
	MaxPoints() float64
	// Grade grades the owned ids. subs holds an entry for every owned id.
	// An error is fatal for the whole grading call.
	Grade(ctx context.Context, subs Submissions) (*Outcome, error)
}

// Updater is implemented by variants graded through the external queue.
type Updater interface {
	UpdateScore(cm *correctmap.CorrectMap, msg xqueue.ScoreMessage, key int64) (string, bool)
}

// Outcome is what one variant produced in one grading call.
type Outcome struct {
	Entries        map[string]correctmap.Entry
	OverallMessage string
	// Requests are built by queued variants and sent by Submit once the
	// whole grading call has succeeded.
	Requests []QueuedRequest
}

func newOutcome() *Outcome {
	return &Outcome{Entries: make(map[string]correctmap.Entry)}
}

// ApplyTo writes the outcome into cm.
func (o *Outcome) ApplyTo(cm *correctmap.CorrectMap) {
	for id, e := range o.Entries {
		cm.Set(id, e)
	}
	if o.OverallMessage != "" {
		cm.SetOverallMessage(o.OverallMessage)
	}
}

// Env carries the per-instance collaborators some variants need.
type Env struct {
	Script  *script.Context
	Sampler *formula.Sampler
	Now     func() time.Time

	// Queued variants ask for results at CallbackURL.
	CallbackURL string
	StudentID   string
}

func (e Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// base holds what every variant shares.
type base struct {
	kind      string
	ids       []string
	maxPoints float64
}

func (b *base) Type() string { return b.kind }

func (b *base) IDs() []string { return append([]string(nil), b.ids...) }

func (b *base) MaxPoints() float64 { return b.maxPoints * float64(len(b.ids)) }

// entry builds a record carrying the per-input maximum. A correct answer
// earns the maximum and an incorrect one nothing; partial credit is left to
// the variant.
func (b *base) entry(c correctmap.Correctness) correctmap.Entry {
	e := correctmap.Entry{Correctness: c, MaxPoints: b.maxPoints}
	switch c {
	case correctmap.Correct:
		e.NPoints = correctmap.Points(b.maxPoints)
	case correctmap.Incorrect:
		e.NPoints = correctmap.Points(0)
	}
	return e
}

// gradeEach grades every owned id independently with fn.
func (b *base) gradeEach(subs Submissions, fn func(Submission) correctmap.Entry) *Outcome {
	out := newOutcome()
	for _, id := range b.ids {
		out.Entries[id] = fn(subs[id])
	}
	return out
}

func verdict(ok bool) correctmap.Correctness {
	if ok {
		return correctmap.Correct
	}
	return correctmap.Incorrect
}

func invalid(kind, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidDefinition, kind, fmt.Sprintf(format, args...))
}
