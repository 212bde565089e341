// Package models defines the canonical run model shared by all receivers,
// the store, and the query surface.
package models

import (
	"time"

	"github.com/google/uuid"
)

// RunType classifies what kind of agent step a run represents.
type RunType string

const (
	RunTypeChain     RunType = "chain"
	RunTypeLLM       RunType = "llm"
	RunTypeTool      RunType = "tool"
	RunTypeRetrieval RunType = "retrieval"
	RunTypePrompt    RunType = "prompt"
	RunTypeParser    RunType = "parser"
	RunTypeEmbedding RunType = "embedding"
	RunTypeInternal  RunType = "internal"
	RunTypeCustom    RunType = "custom"
)

// ValidRunType reports whether t is one of the known run types.
func ValidRunType(t RunType) bool {
	switch t {
	case RunTypeChain, RunTypeLLM, RunTypeTool, RunTypeRetrieval,
		RunTypePrompt, RunTypeParser, RunTypeEmbedding, RunTypeInternal, RunTypeCustom:
		return true
	}
	return false
}

// RunStatus is the lifecycle state of a run. It is derived from the run's
// other fields (see DeriveStatus), never trusted from clients.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether s is a terminal status. Terminal statuses are
// sticky: once persisted, later upserts never change them.
func (s RunStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ValidRunStatus reports whether s is one of the known statuses.
func ValidRunStatus(s RunStatus) bool {
	return s == StatusRunning || s.IsTerminal()
}

// DeriveStatus computes a run's status from its completion signals.
//
// A run with an end_time and an error is failed. A run with an end_time and
// outputs is completed. Everything else — including a run whose end_time is
// set but that carries neither outputs nor error — is still running: clients
// (notably OTLP exporters) sometimes close spans before output data lands,
// and the dashboard should not show such runs as done.
func DeriveStatus(endTime *time.Time, outputs map[string]any, errMsg *string) RunStatus {
	if endTime == nil {
		return StatusRunning
	}
	if errMsg != nil {
		return StatusFailed
	}
	if outputs != nil {
		return StatusCompleted
	}
	return StatusRunning
}

// Run is one node of an agent execution trace: an LLM call, tool call,
// chain step, or span, depending on the source protocol.
type Run struct {
	ID                 uuid.UUID        `json:"id"`
	TraceID            *uuid.UUID       `json:"trace_id,omitempty"`
	ParentRunID        *uuid.UUID       `json:"parent_run_id,omitempty"`
	Name               string           `json:"name"`
	RunType            RunType          `json:"run_type"`
	Status             RunStatus        `json:"status"`
	StartTime          time.Time        `json:"start_time"`
	EndTime            *time.Time       `json:"end_time,omitempty"`
	Inputs             map[string]any   `json:"inputs,omitempty"`
	Outputs            map[string]any   `json:"outputs,omitempty"`
	Extra              map[string]any   `json:"extra,omitempty"`
	Serialized         map[string]any   `json:"serialized,omitempty"`
	Events             []map[string]any `json:"events"`
	Error              *string          `json:"error,omitempty"`
	Tags               []string         `json:"tags"`
	ReferenceExampleID *uuid.UUID       `json:"reference_example_id,omitempty"`
	ProjectName        *string          `json:"project_name,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// DurationMS returns the run duration in milliseconds, or nil while running.
func (r *Run) DurationMS() *int64 {
	if r.EndTime == nil {
		return nil
	}
	d := r.EndTime.Sub(r.StartTime).Milliseconds()
	return &d
}

// IsRoot reports whether the run has no parent.
func (r *Run) IsRoot() bool {
	return r.ParentRunID == nil
}

// Ingest sources, recorded on every emitted event.
const (
	SourceLangSmith = "langsmith"
	SourceOTLPHTTP  = "otlp_http"
	SourceOTLPGRPC  = "otlp_grpc"
)

// RunUpsert is one row of an upsert plan. nil pointers and nil maps mean
// "not supplied" — the stored column is left untouched. An explicit JSON
// null in a request body decodes to nil and is likewise not applied; only
// non-null supplied fields overwrite.
type RunUpsert struct {
	ID                 uuid.UUID
	TraceID            *uuid.UUID
	ParentRunID        *uuid.UUID
	Name               *string
	RunType            *RunType
	Status             *RunStatus // client-supplied; advisory only, see DeriveStatus
	StartTime          *time.Time
	EndTime            *time.Time
	Inputs             map[string]any
	Outputs            map[string]any
	Extra              map[string]any
	Serialized         map[string]any
	Events             []map[string]any
	Error              *string
	Tags               []string
	ReferenceExampleID *uuid.UUID
	ProjectName        *string

	// Source tags which receiver produced this row. Not persisted; carried
	// into the events emitted for this upsert.
	Source string
}

// Merge applies patch atop u, field by field, returning the combined upsert.
// Used when a batch contains both a creation and a patch for the same id:
// the store sees a single row per id.
func (u RunUpsert) Merge(patch RunUpsert) RunUpsert {
	out := u
	if patch.TraceID != nil {
		out.TraceID = patch.TraceID
	}
	if patch.ParentRunID != nil {
		out.ParentRunID = patch.ParentRunID
	}
	if patch.Name != nil {
		out.Name = patch.Name
	}
	if patch.RunType != nil {
		out.RunType = patch.RunType
	}
	if patch.Status != nil {
		out.Status = patch.Status
	}
	if patch.StartTime != nil {
		out.StartTime = patch.StartTime
	}
	if patch.EndTime != nil {
		out.EndTime = patch.EndTime
	}
	if patch.Inputs != nil {
		out.Inputs = patch.Inputs
	}
	if patch.Outputs != nil {
		out.Outputs = patch.Outputs
	}
	if patch.Extra != nil {
		out.Extra = patch.Extra
	}
	if patch.Serialized != nil {
		out.Serialized = patch.Serialized
	}
	if patch.Events != nil {
		out.Events = patch.Events
	}
	if patch.Error != nil {
		out.Error = patch.Error
	}
	if patch.Tags != nil {
		out.Tags = patch.Tags
	}
	if patch.ReferenceExampleID != nil {
		out.ReferenceExampleID = patch.ReferenceExampleID
	}
	if patch.ProjectName != nil {
		out.ProjectName = patch.ProjectName
	}
	if patch.Source != "" {
		out.Source = patch.Source
	}
	return out
}

// UpsertOutcome reports what a single row of an upsert plan did. The run
// fields snapshot the row as committed so event emission does not need a
// second read.
type UpsertOutcome struct {
	ID         uuid.UUID
	Inserted   bool
	PrevStatus *RunStatus // nil when Inserted

	Status      RunStatus
	Name        string
	RunType     RunType
	TraceID     *uuid.UUID
	ParentRunID *uuid.UUID
	ProjectName *string
	StartTime   time.Time
	EndTime     *time.Time
	Error       *string

	// Err is set when this row was rejected (the rest of the plan still
	// commits). The other fields are zero in that case.
	Err error
}

// TerminalTransition reports whether this upsert moved the run into a
// terminal status in this call.
func (o *UpsertOutcome) TerminalTransition() bool {
	if !o.Status.IsTerminal() {
		return false
	}
	return o.Inserted || (o.PrevStatus != nil && !o.PrevStatus.IsTerminal())
}

// DurationMS returns the committed row's duration in milliseconds, or nil.
func (o *UpsertOutcome) DurationMS() *int64 {
	if o.EndTime == nil {
		return nil
	}
	d := o.EndTime.Sub(o.StartTime).Milliseconds()
	return &d
}
