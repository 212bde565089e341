package models

import (
	"time"

	"github.com/google/uuid"
)

// Root listing pagination bounds.
const (
	DefaultRootRunsLimit = 50
	MaxRootRunsLimit     = 1000
)

// RootRunFilter selects root runs for the dashboard listing.
// nil fields are unset.
type RootRunFilter struct {
	ProjectName  *string
	Status       *RunStatus
	Search       *string // substring match on name
	StartTimeGte *time.Time
	StartTimeLte *time.Time
	Limit        int
	Offset       int
}

// RootRun is a root run augmented with listing metadata.
type RootRun struct {
	Run
	DurationMS    *int64 `json:"duration_ms,omitempty"`
	ChildRunCount int    `json:"child_run_count"`
}

// RootRunsPage is one page of the root run listing.
type RootRunsPage struct {
	Runs       []RootRun `json:"runs"`
	TotalCount int       `json:"total_count"`
	Limit      int       `json:"limit"`
	Offset     int       `json:"offset"`
}

// HierarchyNode is one node of an assembled trace tree.
type HierarchyNode struct {
	Run
	DurationMS *int64           `json:"duration_ms,omitempty"`
	Children   []*HierarchyNode `json:"children"`
}

// HierarchyTree is the subtree rooted at a requested run, with nodes keyed
// by parent_run_id. OrphanedRuns counts nodes inside the loaded set whose
// parent was missing and whose trace_id did not match the root — they are
// omitted from the tree.
type HierarchyTree struct {
	Root         *HierarchyNode `json:"root"`
	TotalRuns    int            `json:"total_runs"`
	MaxDepth     int            `json:"max_depth"`
	OrphanedRuns int            `json:"orphaned_runs"`
}

// DashboardStats is the aggregate read for the dashboard summary.
type DashboardStats struct {
	TotalRuns           int            `json:"total_runs"`
	StatusDistribution  map[string]int `json:"status_distribution"`
	RunTypeDistribution map[string]int `json:"run_type_distribution"`
	ProjectDistribution map[string]int `json:"project_distribution"`
	RecentRuns          int            `json:"recent_runs"`
	RecentWindow        string         `json:"recent_window"`
}

// CompletenessScan is the raw store output for the completeness audit:
// per-category counts plus a bounded sample of offending run ids.
type CompletenessScan struct {
	TotalRuns int

	CompletedMissingOutputs    int
	LongRunningPotentialOrphan int
	IncompleteCompletion       int

	CompletedMissingOutputIDs []uuid.UUID
	LongRunningIDs            []uuid.UUID
	IncompleteCompletionIDs   []uuid.UUID
}

// CompletenessReport is the audited view served by /health/traces.
type CompletenessReport struct {
	Status            string      `json:"status"` // healthy, degraded, unhealthy
	CompletenessScore float64     `json:"completeness_score"`
	TotalRuns         int         `json:"total_runs"`
	Window            string      `json:"window"`
	Categories        []Anomaly   `json:"categories"`
	GeneratedAt       time.Time   `json:"generated_at"`
}

// Anomaly is one completeness anomaly category.
type Anomaly struct {
	Name       string      `json:"name"`
	Count      int         `json:"count"`
	SampleRuns []uuid.UUID `json:"sample_run_ids"`
}

// BatchError is a per-row ingestion failure.
type BatchError struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// BatchResult summarizes one ingest_batch call.
type BatchResult struct {
	CreatedCount int          `json:"created_count"`
	UpdatedCount int          `json:"updated_count"`
	Errors       []BatchError `json:"errors"`
}
