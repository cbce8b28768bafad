package response

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/autograder/internal/correctmap"
	"github.com/pavelanni/autograder/internal/xqueue"
)

// Messages recorded on queued answers.
const (
	MsgQueued          = "Submitted to queue"
	MsgDeliveryFailure = "Unable to deliver your submission to grader. Please try again later."
)

var errNoSubmitter = errors.New("no external grader configured")

// Code sends each submission to an external grader and leaves the answer
// queued until a result is delivered.
type Code struct {
	base
	queue   string
	payload string
	env     Env
}

func newCode(b base, def Definition, env Env) (*Code, error) {
	if def.Queue == "" {
		return nil, invalid(b.kind, "no queue name")
	}
	return &Code{base: b, queue: def.Queue, payload: def.GraderPayload, env: env}, nil
}

// Grade records every owned id as queued and adds its request to the
// outcome. Nothing is sent until the outcome is submitted.
func (c *Code) Grade(_ context.Context, subs Submissions) (*Outcome, error) {
	out := newOutcome()
	for _, id := range c.ids {
		e := c.entry(correctmap.Incorrect)
		key, err := xqueue.NewKey()
		if err != nil {
			slog.Warn("queue key generation failed", "answer_id", id, "error", err)
			e.Msg = MsgDeliveryFailure
			out.Entries[id] = e
			continue
		}
		now := c.env.now()
		req, err := c.request(key, subs[id], now)
		if err != nil {
			slog.Warn("build external grader request", "answer_id", id, "error", err)
			e.Msg = MsgDeliveryFailure
			out.Entries[id] = e
			continue
		}
		e.Msg = MsgQueued
		e.QueueState = &correctmap.QueueState{Key: key, Time: now}
		out.Entries[id] = e
		out.Requests = append(out.Requests, QueuedRequest{ID: id, Request: req})
	}
	return out, nil
}

// QueuedRequest is a request waiting to be sent for one answer id.
type QueuedRequest struct {
	ID      string
	Request xqueue.Request
}

// Submit sends the outcome's requests to s. An answer whose request is not
// accepted is recorded as a delivery failure instead of queued.
func (o *Outcome) Submit(ctx context.Context, s xqueue.Submitter) {
	for _, q := range o.Requests {
		err := errNoSubmitter
		if s != nil {
			err = s.Submit(ctx, q.Request)
		}
		if err == nil {
			continue
		}
		slog.Warn("external grader submission failed", "answer_id", q.ID, "queue", q.Request.Header.QueueName, "error", err)
		e := o.Entries[q.ID]
		e.Msg = MsgDeliveryFailure
		e.QueueState = nil
		o.Entries[q.ID] = e
	}
	o.Requests = nil
}

func (c *Code) request(key int64, s Submission, now time.Time) (xqueue.Request, error) {
	studentResponse := s.String()
	if s.IsList() {
		b, err := json.Marshal(s.Values())
		if err != nil {
			return xqueue.Request{}, fmt.Errorf("encode student response: %w", err)
		}
		studentResponse = string(b)
	}
	return xqueue.Request{
		Header: xqueue.Header{
			LMSCallbackURL: c.env.CallbackURL,
			LMSKey:         strconv.FormatInt(key, 10),
			QueueName:      c.queue,
		},
		Body: xqueue.Body{
			SubmissionID:  uuid.NewString(),
			GraderPayload: c.payload,
			MaxScore:      c.maxPoints,
			StudentInfo: xqueue.StudentInfo{
				AnonymousStudentID: c.env.StudentID,
				SubmissionTime:     now.Format(xqueue.DateFormat),
			},
			StudentResponse: studentResponse,
		},
	}, nil
}

// UpdateScore applies a delivered result to the owned id queued under key.
func (c *Code) UpdateScore(cm *correctmap.CorrectMap, msg xqueue.ScoreMessage, key int64) (string, bool) {
	return xqueue.Deliver(cm, c.ids, msg, key)
}
