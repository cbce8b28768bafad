package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/autograder/internal/llm/prompts"
	"github.com/pavelanni/autograder/internal/xqueue"
)

// DefaultTimeout bounds one grading call to the model.
const DefaultTimeout = 2 * time.Minute

// GradeResult holds the model's assessment of a single response.
type GradeResult struct {
	Correct  bool    `json:"correct"`
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
}

// Deliverer receives finished results addressed by callback URL.
type Deliverer interface {
	DeliverCallback(ctx context.Context, callbackURL string, payload []byte, key int64) (bool, error)
}

// Grader is an external grader backed by an OpenAI-compatible API. It
// implements xqueue.Submitter: Submit returns at once and the result is
// delivered later through the Deliverer.
type Grader struct {
	api     *openai.Client
	model   string
	variant prompts.PromptVariant
	deliver Deliverer
	timeout time.Duration

	wg sync.WaitGroup
}

// New creates a grader. Prompt templates are loaded from the embedded set.
func New(baseURL, apiKey, modelName, variant string, d Deliverer) (*Grader, error) {
	if err := prompts.Load(prompts.Embedded()); err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	if !prompts.IsValidVariant(variant) {
		return nil, fmt.Errorf("invalid prompt variant %q", variant)
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Grader{
		api:     openai.NewClientWithConfig(config),
		model:   modelName,
		variant: prompts.PromptVariant(variant),
		deliver: d,
		timeout: DefaultTimeout,
	}, nil
}

// SetDeliverer replaces the deliverer. It must be called before Submit.
func (g *Grader) SetDeliverer(d Deliverer) { g.deliver = d }

// Ping checks that the endpoint answers.
func (g *Grader) Ping(ctx context.Context) error {
	if _, err := g.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// Submit starts grading req in the background.
func (g *Grader) Submit(ctx context.Context, req xqueue.Request) error {
	if g.deliver == nil {
		return errors.New("llm grader has no deliverer")
	}
	key, err := xqueue.ParseKey(req.Header)
	if err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.gradeAndDeliver(ctx, req, key)
	}()
	return nil
}

// Wait blocks until every submitted request has been delivered.
func (g *Grader) Wait() { g.wg.Wait() }

func (g *Grader) gradeAndDeliver(ctx context.Context, req xqueue.Request, key int64) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	msg, err := g.Grade(ctx, req)
	if err != nil {
		// Leave the answer queued; the request stays pending in the outbox.
		slog.Error("llm grading failed", "queue", req.Header.QueueName, "submission", req.Body.SubmissionID, "error", err)
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		slog.Error("encode score message", "error", err)
		return
	}
	applied, err := g.deliver.DeliverCallback(ctx, req.Header.LMSCallbackURL, payload, key)
	if err != nil {
		slog.Error("deliver llm result", "callback", req.Header.LMSCallbackURL, "error", err)
		return
	}
	slog.Info("llm result delivered", "submission", req.Body.SubmissionID, "applied", applied, "correct", msg.Correct)
}

// Grade asks the model to grade one request.
func (g *Grader) Grade(ctx context.Context, req xqueue.Request) (xqueue.ScoreMessage, error) {
	maxScore := req.Body.MaxScore
	if maxScore <= 0 {
		maxScore = 1
	}
	prompt, err := prompts.BuildGradePrompt(g.variant, prompts.GradeData{
		QueueName:     req.Header.QueueName,
		GraderPayload: req.Body.GraderPayload,
		Answer:        req.Body.StudentResponse,
		MaxScore:      maxScore,
	})
	if err != nil {
		return xqueue.ScoreMessage{}, fmt.Errorf("build prompt: %w", err)
	}

	resp, err := g.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return xqueue.ScoreMessage{}, fmt.Errorf("LLM grading API call: %w", err)
	}

	if len(resp.Choices) == 0 {
		return xqueue.ScoreMessage{}, fmt.Errorf("LLM returned no choices for grading")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "raw", raw)

	var result GradeResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return xqueue.ScoreMessage{}, fmt.Errorf("parse grading response: %w (raw: %s)", err, raw)
	}
	return result.scoreMessage(maxScore), nil
}

// scoreMessage clamps the score to [0, maxScore].
func (r GradeResult) scoreMessage(maxScore float64) xqueue.ScoreMessage {
	score := r.Score
	switch {
	case score < 0:
		score = 0
	case score > maxScore:
		score = maxScore
	}
	return xqueue.ScoreMessage{Correct: r.Correct, Score: score, Msg: r.Feedback}
}
