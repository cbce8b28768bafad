package model

import (
	"time"

	"github.com/pavelanni/autograder/internal/correctmap"
)

// ResultsExport is the top-level JSON structure for grading result export.
type ResultsExport struct {
	ExportedAt    time.Time        `json:"exported_at"`
	PromptVariant string           `json:"prompt_variant,omitempty"`
	Problems      []ProblemSummary `json:"problems"`
	Results       []InstanceResult `json:"results"`
}

// InstanceResult holds one instance's grading state for export.
type InstanceResult struct {
	ProblemID      string              `json:"problem_id"`
	InstanceID     string              `json:"instance_id"`
	UpdatedAt      time.Time           `json:"updated_at"`
	Records        []correctmap.Record `json:"records"`
	OverallMessage string              `json:"overall_message,omitempty"`
	Score          float64             `json:"score"`
	PendingQueue   int                 `json:"pending_queue"`
}
