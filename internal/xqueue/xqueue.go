// Package xqueue implements the queue state machine for answers graded by an
// external service, and the wire contract spoken with that service.
package xqueue

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/pavelanni/autograder/internal/correctmap"
)

// DateFormat is the timestamp layout used on the wire.
const DateFormat = "20060102150405"

// ErrInvalidScoreMessage is returned for delivery payloads that cannot be
// decoded.
var ErrInvalidScoreMessage = errors.New("invalid score message")

// ScoreMessage is the result an external grader delivers.
type ScoreMessage struct {
	Correct bool    `json:"correct"`
	Score   float64 `json:"score"`
	Msg     string  `json:"msg"`
}

// ParseScoreMessage decodes a delivery payload.
func ParseScoreMessage(data []byte) (ScoreMessage, error) {
	var raw struct {
		Correct *bool    `json:"correct"`
		Score   *float64 `json:"score"`
		Msg     string   `json:"msg"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return ScoreMessage{}, fmt.Errorf("%w: %w", ErrInvalidScoreMessage, err)
	}
	if raw.Correct == nil || raw.Score == nil {
		return ScoreMessage{}, fmt.Errorf("%w: correct and score are required", ErrInvalidScoreMessage)
	}
	return ScoreMessage{
		Correct: *raw.Correct,
		Score:   *raw.Score,
		Msg:     strings.ReplaceAll(raw.Msg, "&nbsp;", "&#160;"),
	}, nil
}

// Queue marks ids as queued under key at t.
func Queue(cm *correctmap.CorrectMap, ids []string, key int64, t time.Time) {
	for _, id := range ids {
		cm.SetQueueState(id, &correctmap.QueueState{Key: key, Time: t})
	}
}

// Deliver applies msg to the id among ids whose queue key matches key. The
// queue state of that id is cleared and its correctness, points and message
// replaced; every other id is untouched. It reports the id it applied to.
func Deliver(cm *correctmap.CorrectMap, ids []string, msg ScoreMessage, key int64) (string, bool) {
	for _, id := range ids {
		if !cm.IsRightQueueKey(id, key) {
			continue
		}
		prev, _ := cm.Get(id)
		correctness := correctmap.Incorrect
		if msg.Correct {
			correctness = correctmap.Correct
		}
		cm.Set(id, correctmap.Entry{
			Correctness: correctness,
			NPoints:     correctmap.Points(msg.Score),
			MaxPoints:   prev.MaxPoints,
			Msg:         msg.Msg,
		})
		return id, true
	}
	slog.Debug("ignoring delivery for unknown queue key", "key", key)
	return "", false
}

// RecentmostQueuetime returns the latest queue time across the queued ids,
// at whole-second precision.
func RecentmostQueuetime(cm *correctmap.CorrectMap) (time.Time, bool) {
	var latest time.Time
	found := false
	for _, rec := range cm.Entries() {
		if rec.QueueState == nil {
			continue
		}
		t := rec.QueueState.Time.Truncate(time.Second)
		if !found || t.After(latest) {
			latest, found = t, true
		}
	}
	return latest, found
}

// NewKey returns a fresh positive queue key.
func NewKey() (int64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("generate queue key: %w", err)
	}
	key := int64(binary.BigEndian.Uint64(b[:]) >> 1)
	if key == 0 {
		key = 1
	}
	return key, nil
}

// Header addresses a request and carries the key the result must echo.
type Header struct {
	LMSCallbackURL string `json:"lms_callback_url"`
	LMSKey         string `json:"lms_key"`
	QueueName      string `json:"queue_name"`
}

// StudentInfo identifies the submission to the grader.
type StudentInfo struct {
	AnonymousStudentID string `json:"anonymous_student_id"`
	SubmissionTime     string `json:"submission_time"`
}

// Body is the grading payload.
type Body struct {
	SubmissionID    string      `json:"submission_id"`
	GraderPayload   string      `json:"grader_payload"`
	StudentInfo     StudentInfo `json:"student_info"`
	StudentResponse string      `json:"student_response"`
	// MaxScore is the most points the answer can earn. Zero means 1.
	MaxScore float64 `json:"max_score,omitempty"`
}

// Request is one message to an external grader.
type Request struct {
	Header Header `json:"xqueue_header"`
	Body   Body   `json:"xqueue_body"`
}

// Submitter transports requests to an external grader.
type Submitter interface {
	Submit(ctx context.Context, req Request) error
}

// ParseKey reads the decimal queue key carried in a header.
func ParseKey(h Header) (int64, error) {
	key, err := strconv.ParseInt(strings.TrimSpace(h.LMSKey), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse lms_key %q: %w", h.LMSKey, err)
	}
	return key, nil
}
