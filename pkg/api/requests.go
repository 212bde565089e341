package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentspy/agentspy/pkg/models"
)

// runRequest is the LangSmith-compatible wire shape for run creation and
// patching. Every field is optional; absent keys decode to nil and are
// treated as "not set", which is what makes PATCH a partial update.
type runRequest struct {
	ID                 *string          `json:"id"`
	TraceID            *string          `json:"trace_id"`
	ParentRunID        *string          `json:"parent_run_id"`
	Name               *string          `json:"name"`
	RunType            *string          `json:"run_type"`
	Status             *string          `json:"status"`
	StartTime          *flexTime        `json:"start_time"`
	EndTime            *flexTime        `json:"end_time"`
	Inputs             map[string]any   `json:"inputs"`
	Outputs            map[string]any   `json:"outputs"`
	Extra              map[string]any   `json:"extra"`
	Serialized         map[string]any   `json:"serialized"`
	Events             []map[string]any `json:"events"`
	Error              *string          `json:"error"`
	Tags               []string         `json:"tags"`
	ReferenceExampleID *string          `json:"reference_example_id"`
	ProjectName        *string          `json:"project_name"`
	SessionName        *string          `json:"session_name"`
}

// batchRequest is the body of POST /api/v1/runs/batch.
type batchRequest struct {
	Post  []runRequest `json:"post"`
	Patch []runRequest `json:"patch"`
}

// feedbackRequest is the body of POST /api/v1/feedback.
type feedbackRequest struct {
	ID         *string        `json:"id"`
	RunID      string         `json:"run_id"`
	Key        string         `json:"key"`
	Score      *float64       `json:"score"`
	Comment    *string        `json:"comment"`
	Correction map[string]any `json:"correction"`
	Metadata   map[string]any `json:"metadata"`
}

// toUpsert converts a decoded request row into the canonical upsert shape.
// pathID, when non-nil, overrides the body id (PATCH /runs/:id).
func (r *runRequest) toUpsert(pathID *uuid.UUID, source string) (models.RunUpsert, error) {
	var out models.RunUpsert
	out.Source = source

	switch {
	case pathID != nil:
		out.ID = *pathID
	case r.ID != nil:
		id, err := uuid.Parse(*r.ID)
		if err != nil {
			return out, fmt.Errorf("invalid run id %q: %w", *r.ID, err)
		}
		out.ID = id
	default:
		return out, fmt.Errorf("run id is required")
	}

	var err error
	if out.TraceID, err = parseOptionalUUID(r.TraceID, "trace_id"); err != nil {
		return out, err
	}
	if out.ParentRunID, err = parseOptionalUUID(r.ParentRunID, "parent_run_id"); err != nil {
		return out, err
	}
	if out.ReferenceExampleID, err = parseOptionalUUID(r.ReferenceExampleID, "reference_example_id"); err != nil {
		return out, err
	}

	out.Name = r.Name
	if r.RunType != nil {
		rt := models.RunType(strings.ToLower(*r.RunType))
		out.RunType = &rt
	}
	if r.Status != nil {
		st := models.RunStatus(strings.ToLower(*r.Status))
		out.Status = &st
	}
	if r.StartTime != nil {
		t := time.Time(*r.StartTime)
		out.StartTime = &t
	}
	if r.EndTime != nil {
		t := time.Time(*r.EndTime)
		out.EndTime = &t
	}
	out.Inputs = r.Inputs
	out.Outputs = r.Outputs
	out.Extra = r.Extra
	out.Serialized = r.Serialized
	out.Events = r.Events
	out.Error = r.Error
	out.Tags = r.Tags

	// LangSmith SDKs send the project as session_name; the native field
	// wins when both are present.
	out.ProjectName = r.ProjectName
	if out.ProjectName == nil {
		out.ProjectName = r.SessionName
	}
	return out, nil
}

func parseOptionalUUID(s *string, field string) (*uuid.UUID, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(*s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", field, *s, err)
	}
	return &id, nil
}

// flexTime decodes the timestamp shapes LangSmith clients actually send:
// RFC3339 with or without nanoseconds, and naive ISO timestamps (assumed
// UTC).
type flexTime time.Time

var flexTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

func (t *flexTime) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		return fmt.Errorf("empty timestamp")
	}
	for _, layout := range flexTimeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			*t = flexTime(parsed.UTC())
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

func (t flexTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Time(t).UTC().Format(time.RFC3339Nano) + `"`), nil
}
