// Package prompts renders the grading prompts sent to the LLM grader.
package prompts

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"
)

//go:embed templates/*.txt
var templateFS embed.FS

// Embedded returns the built-in prompt templates.
func Embedded() fs.FS { return templateFS }

// maxAnswerRunes caps the student response quoted in a prompt.
const maxAnswerRunes = 10000

var tagRegex = regexp.MustCompile(`(?i)</?\s*(student-response|system-instructions)\b[^>]*>`)

// PromptVariant selects how demanding the grader is.
type PromptVariant string

const (
	// PromptStrict requires every requirement of the payload to be met.
	PromptStrict PromptVariant = "strict"
	// PromptStandard is the default grading variant.
	PromptStandard PromptVariant = "standard"
	// PromptLenient credits the main idea.
	PromptLenient PromptVariant = "lenient"
)

// Variants lists every prompt variant.
var Variants = []PromptVariant{PromptStrict, PromptStandard, PromptLenient}

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	for _, known := range Variants {
		if PromptVariant(v) == known {
			return true
		}
	}
	return false
}

var (
	loadOnce  sync.Once
	loadErr   error
	templates map[PromptVariant]*template.Template
)

// Load parses the base template with each variant's policy from fsys. Only
// the first call has any effect.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		set := make(map[PromptVariant]*template.Template, len(Variants))
		for _, v := range Variants {
			tmpl, err := template.ParseFS(fsys, "templates/base.txt", "templates/grade_"+string(v)+".txt")
			if err != nil {
				loadErr = fmt.Errorf("parse %s prompt: %w", v, err)
				return
			}
			set[v] = tmpl
		}
		templates = set
	})
	return loadErr
}

// GradeData is what a grading prompt is rendered from.
type GradeData struct {
	QueueName     string
	GraderPayload string
	Answer        string
	MaxScore      float64
}

// payload is the view of a grader payload the templates see.
type payload struct {
	QueueName    string
	Instructions string
	Reference    string
	Answer       string
	MaxScore     float64
}

// BuildGradePrompt renders the grading prompt of variant.
func BuildGradePrompt(variant PromptVariant, data GradeData) (string, error) {
	if templates == nil {
		if loadErr != nil {
			return "", fmt.Errorf("templates load failed: %w", loadErr)
		}
		return "", fmt.Errorf("templates not initialized: call Load first")
	}
	tmpl, ok := templates[variant]
	if !ok {
		return "", fmt.Errorf("invalid prompt variant %q", variant)
	}

	p := splitPayload(data.GraderPayload)
	p.QueueName = data.QueueName
	p.Answer = sanitizeAnswer(data.Answer)
	p.MaxScore = data.MaxScore
	if p.MaxScore <= 0 {
		p.MaxScore = 1
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, p); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", variant, err)
	}
	return buf.String(), nil
}

// splitPayload reads the instructions and reference solution out of a JSON
// grader payload. Any other payload is passed through as instructions.
func splitPayload(raw string) payload {
	var fields struct {
		Instructions string `json:"instructions"`
		Rubric       string `json:"rubric"`
		Reference    string `json:"reference"`
	}
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") || json.Unmarshal([]byte(trimmed), &fields) != nil {
		return payload{Instructions: trimmed}
	}
	instructions := strings.TrimSpace(strings.Join([]string{fields.Instructions, fields.Rubric}, "\n"))
	if instructions == "" {
		instructions = trimmed
	}
	return payload{Instructions: instructions, Reference: fields.Reference}
}

func sanitizeAnswer(answer string) string {
	answer = strings.TrimSpace(tagRegex.ReplaceAllString(answer, ""))
	if answer == "" {
		return "[No answer provided]"
	}
	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		answer = string([]rune(answer)[:maxAnswerRunes]) + "\n\n[Answer truncated due to length]"
	}
	return answer
}
