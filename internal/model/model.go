package model

import (
	"context"
	"encoding/json"
	"time"
)

// Grader is an account an external grader authenticates with when it posts
// results back.
type Grader struct {
	ID           int64
	Username     string
	PasswordHash string
	Active       bool
	CreatedAt    time.Time
}

type graderCtxKey struct{}

// ContextWithGrader stores an authenticated grader in the request context.
func ContextWithGrader(ctx context.Context, g *Grader) context.Context {
	return context.WithValue(ctx, graderCtxKey{}, g)
}

// GraderFromContext retrieves the authenticated grader from context, or nil.
func GraderFromContext(ctx context.Context) *Grader {
	g, _ := ctx.Value(graderCtxKey{}).(*Grader)
	return g
}

// Snapshot is the persisted correctness map of one problem instance.
type Snapshot struct {
	ProblemID  string          `json:"problem_id"`
	InstanceID string          `json:"instance_id"`
	State      json.RawMessage `json:"state"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// QueueRequest is one request handed to an external grader.
type QueueRequest struct {
	ID          int64      `json:"id"`
	ProblemID   string     `json:"problem_id"`
	InstanceID  string     `json:"instance_id"`
	QueueKey    int64      `json:"queue_key"`
	QueueName   string     `json:"queue_name"`
	CallbackURL string     `json:"callback_url"`
	Body        string     `json:"body"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// ServerConfig holds runtime parameters set via CLI flags.
type ServerConfig struct {
	BaseURL       string // Public URL external graders call back to
	Lang          string // Label language (en, ru)
	PromptVariant string // Grading prompt variant (strict, standard, lenient)
	LLMGrading    bool   // Grade queued code answers with the LLM
}

// GradeRequest is the body of a grading call.
type GradeRequest struct {
	Answers map[string]any `json:"answers"`
}

// ProblemSummary describes a loaded problem.
type ProblemSummary struct {
	ID        string   `json:"id"`
	Title     string   `json:"title,omitempty"`
	AnswerIDs []string `json:"answer_ids"`
	Types     []string `json:"types"`
}

// RecordView is one answer record with localized labels.
type RecordView struct {
	AnswerID         string  `json:"answer_id"`
	Correctness      string  `json:"correctness"`
	CorrectnessLabel string  `json:"correctness_label"`
	NPoints          float64 `json:"npoints"`
	MaxPoints        float64 `json:"max_points"`
	Msg              string  `json:"msg,omitempty"`
	Hint             string  `json:"hint,omitempty"`
	HintMode         string  `json:"hintmode,omitempty"`
	Queued           bool    `json:"queued"`
	QueueKey         *int64  `json:"queue_key,omitempty"`
	Status           string  `json:"status"`
}

// InstanceView is the API form of an instance state.
type InstanceView struct {
	ProblemID           string       `json:"problem_id"`
	InstanceID          string       `json:"instance_id"`
	Records             []RecordView `json:"records"`
	OverallMessage      string       `json:"overall_message,omitempty"`
	Queued              bool         `json:"queued"`
	RecentmostQueuetime *time.Time   `json:"recentmost_queuetime,omitempty"`
	Score               float64      `json:"score"`
	MaxScore            float64      `json:"max_score"`
	Summary             string       `json:"summary"`
}

// ScoreReply is what external graders expect back from a callback.
type ScoreReply struct {
	ReturnCode int    `json:"return_code"`
	Content    string `json:"content"`
}
