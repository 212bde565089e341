package models

import (
	"time"

	"github.com/google/uuid"
)

// Feedback is a score or annotation attached to a run. Write-only from the
// core's perspective: it never affects run status or events.
type Feedback struct {
	ID         uuid.UUID      `json:"id"`
	RunID      uuid.UUID      `json:"run_id"`
	Key        string         `json:"key"`
	Score      *float64       `json:"score,omitempty"`
	Comment    *string        `json:"comment,omitempty"`
	Correction map[string]any `json:"correction,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
