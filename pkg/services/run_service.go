package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentspy/agentspy/pkg/events"
	"github.com/agentspy/agentspy/pkg/models"
)

// maxHierarchyDepth bounds the recursive subtree query. Agent traces are
// rarely deeper than a dozen levels; 50 leaves generous headroom while
// keeping a cyclic parent chain (which the store cannot prevent) from
// recursing forever.
const maxHierarchyDepth = 50

// statsWindow is the recent-runs window for dashboard aggregates.
const statsWindow = time.Hour

// RunStore is the storage surface the repository needs. Implemented by
// store.RunStore; tests substitute an in-memory fake.
type RunStore interface {
	UpsertRuns(ctx context.Context, rows []models.RunUpsert) ([]models.UpsertOutcome, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Run, error)
	GetChildren(ctx context.Context, parentID uuid.UUID) ([]models.Run, error)
	GetSubtree(ctx context.Context, rootID uuid.UUID, maxDepth int) ([]models.Run, error)
	ListRoots(ctx context.Context, filter models.RootRunFilter) ([]models.Run, int, error)
	ChildRunCounts(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]int, error)
	AggregateStats(ctx context.Context, window time.Duration) (*models.DashboardStats, error)
	ScanIncomplete(ctx context.Context, window time.Duration, project *string, sampleLimit int) (*models.CompletenessScan, error)
}

// StatsCache memoizes the dashboard aggregates between ingest bursts.
// Implemented by cache.Memory.
type StatsCache interface {
	Get(key string) (any, bool)
	Set(key string, value any, ttl time.Duration)
}

// RunService is the run repository (canonical run CRUD, hierarchy, stats,
// completeness). All receivers converge on IngestBatch.
type RunService struct {
	store    RunStore
	hub      *events.Hub
	cache    StatsCache
	cacheTTL time.Duration

	maxTraceBytes int
}

// NewRunService creates the repository. hub may be nil in tests; events
// are then skipped. cache may be nil to disable stats memoization.
func NewRunService(store RunStore, hub *events.Hub, cache StatsCache, cacheTTL time.Duration, maxTraceBytes int) *RunService {
	return &RunService{
		store:         store,
		hub:           hub,
		cache:         cache,
		cacheTTL:      cacheTTL,
		maxTraceBytes: maxTraceBytes,
	}
}

// IngestBatch merges creations and patches into a single upsert plan,
// commits it, and emits events for the rows that committed.
//
// Event ordering: one trace.created or trace.updated per affected id, in
// commit order, followed immediately by trace.completed/trace.failed when
// that upsert moved the run into a terminal state. A trailing
// stats.updated closes the batch. Hub failures never block ingestion.
func (s *RunService) IngestBatch(ctx context.Context, post, patch []models.RunUpsert) (*models.BatchResult, error) {
	result := &models.BatchResult{Errors: []models.BatchError{}}

	// Merge patches atop posts for ids appearing in both, preserving
	// first-seen order so emitted events follow submission order. Each
	// submitted row is accounted individually — a post and a patch that
	// fold into one upsert still report one creation and one update — so
	// created + updated + errors always equals len(post) + len(patch).
	plan := make([]models.RunUpsert, 0, len(post)+len(patch))
	index := make(map[uuid.UUID]int, len(post)+len(patch))
	posts := make(map[uuid.UUID]int, len(post))
	patches := make(map[uuid.UUID]int, len(patch))
	for _, batch := range []struct {
		rows    []models.RunUpsert
		credits map[uuid.UUID]int
	}{{post, posts}, {patch, patches}} {
		for _, row := range batch.rows {
			if err := s.validateRow(&row); err != nil {
				result.Errors = append(result.Errors, models.BatchError{
					ID:      row.ID.String(),
					Message: err.Error(),
				})
				continue
			}
			batch.credits[row.ID]++
			if i, ok := index[row.ID]; ok {
				plan[i] = plan[i].Merge(row)
				continue
			}
			index[row.ID] = len(plan)
			plan = append(plan, row)
		}
	}

	if len(plan) == 0 {
		return result, nil
	}

	outcomes, err := s.store.UpsertRuns(ctx, plan)
	if err != nil {
		return nil, fmt.Errorf("ingest batch: %w", err)
	}

	for i := range outcomes {
		o := &outcomes[i]
		submissions := posts[o.ID] + patches[o.ID]
		if o.Err != nil {
			for n := 0; n < submissions; n++ {
				result.Errors = append(result.Errors, models.BatchError{
					ID:      o.ID.String(),
					Message: o.Err.Error(),
				})
			}
			continue
		}
		if o.Inserted {
			result.CreatedCount += posts[o.ID]
			result.UpdatedCount += patches[o.ID]
			if posts[o.ID] == 0 {
				// A patch that arrived before its create still inserts a
				// row; report it as the creation it effectively was.
				result.CreatedCount++
				result.UpdatedCount--
			}
		} else {
			result.UpdatedCount += submissions
		}
		s.emitRunEvents(o, plan[index[o.ID]].Source)
	}

	s.emitStats(ctx)
	return result, nil
}

// validateRow applies per-row checks: id presence, enum validity, the
// same-row time invariant, and the single-trace payload cap. Client-
// supplied status is advisory: when it disagrees with the derivation it
// is dropped (the derived value wins), never rejected.
func (s *RunService) validateRow(row *models.RunUpsert) error {
	if row.ID == uuid.Nil {
		return NewValidationError("id", "required")
	}
	if row.RunType != nil && !models.ValidRunType(*row.RunType) {
		return NewValidationError("run_type", fmt.Sprintf("unknown run type %q", *row.RunType))
	}
	if row.StartTime != nil && row.EndTime != nil && row.EndTime.Before(*row.StartTime) {
		return NewValidationError("end_time", "end_time precedes start_time")
	}
	if row.Status != nil {
		if !models.ValidRunStatus(*row.Status) {
			return NewValidationError("status", fmt.Sprintf("unknown status %q", *row.Status))
		}
		derived := models.DeriveStatus(row.EndTime, row.Outputs, row.Error)
		if *row.Status != derived {
			slog.Debug("Dropping client status in favor of derived value",
				"run_id", row.ID, "client_status", *row.Status, "derived", derived)
		}
		row.Status = nil
	}
	if s.maxTraceBytes > 0 {
		size := 0
		for _, m := range []map[string]any{row.Inputs, row.Outputs, row.Extra, row.Serialized} {
			if m == nil {
				continue
			}
			b, err := json.Marshal(m)
			if err != nil {
				return NewValidationError("payload", "unencodable JSON payload")
			}
			size += len(b)
		}
		if size > s.maxTraceBytes {
			return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrPayloadTooLarge, size, s.maxTraceBytes)
		}
	}
	return nil
}

// emitRunEvents publishes the lifecycle events for one committed row.
func (s *RunService) emitRunEvents(o *models.UpsertOutcome, source string) {
	if s.hub == nil {
		return
	}
	if o.Inserted {
		s.hub.Publish(events.TraceEvent(events.EventTraceCreated, o, source))
	} else {
		s.hub.Publish(events.TraceEvent(events.EventTraceUpdated, o, source))
	}
	if o.TerminalTransition() {
		terminal := events.EventTraceCompleted
		if o.Status == models.StatusFailed {
			terminal = events.EventTraceFailed
		}
		s.hub.Publish(events.TraceEvent(terminal, o, source))
	}
}

// emitStats publishes a stats.updated event with the aggregates from
// GetDashboardStats, which serves the cached value while it is unexpired.
// Failures are logged and swallowed — stats events are advisory.
func (s *RunService) emitStats(ctx context.Context) {
	if s.hub == nil {
		return
	}
	stats, err := s.GetDashboardStats(ctx)
	if err != nil {
		slog.Warn("Skipping stats.updated event", "error", err)
		return
	}
	s.hub.Publish(events.StatsEvent(stats))
}

// GetRun fetches one run by id.
func (s *RunService) GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	run, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, nil
}

// GetRootRuns returns one page of root runs augmented with duration and
// child counts (a single aggregate query, not per-row lookups).
func (s *RunService) GetRootRuns(ctx context.Context, filter models.RootRunFilter) (*models.RootRunsPage, error) {
	if filter.Limit <= 0 {
		filter.Limit = models.DefaultRootRunsLimit
	}
	if filter.Limit > models.MaxRootRunsLimit {
		filter.Limit = models.MaxRootRunsLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	runs, total, err := s.store.ListRoots(ctx, filter)
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, len(runs))
	for i := range runs {
		ids[i] = runs[i].ID
	}
	counts, err := s.store.ChildRunCounts(ctx, ids)
	if err != nil {
		return nil, err
	}

	page := &models.RootRunsPage{
		Runs:       make([]models.RootRun, 0, len(runs)),
		TotalCount: total,
		Limit:      filter.Limit,
		Offset:     filter.Offset,
	}
	for i := range runs {
		page.Runs = append(page.Runs, models.RootRun{
			Run:           runs[i],
			DurationMS:    runs[i].DurationMS(),
			ChildRunCount: counts[runs[i].ID],
		})
	}
	return page, nil
}

// GetHierarchy loads the subtree under rootID and assembles the tree.
//
// Nodes whose parent is missing from the loaded set are promoted to the
// root's children when they share the root's trace_id; otherwise they are
// omitted and counted as orphans. Parents may legitimately be absent —
// children can arrive first — so this is tolerance, not repair.
func (s *RunService) GetHierarchy(ctx context.Context, rootID uuid.UUID) (*models.HierarchyTree, error) {
	runs, err := s.store.GetSubtree(ctx, rootID, maxHierarchyDepth)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("run %s: %w", rootID, ErrNotFound)
	}

	nodes := make(map[uuid.UUID]*models.HierarchyNode, len(runs))
	order := make([]uuid.UUID, 0, len(runs))
	for i := range runs {
		nodes[runs[i].ID] = &models.HierarchyNode{
			Run:        runs[i],
			DurationMS: runs[i].DurationMS(),
			Children:   []*models.HierarchyNode{},
		}
		order = append(order, runs[i].ID)
	}

	root := nodes[rootID]
	tree := &models.HierarchyTree{Root: root}
	for _, id := range order {
		if id == rootID {
			continue
		}
		node := nodes[id]
		switch {
		case node.ParentRunID != nil && nodes[*node.ParentRunID] != nil:
			parent := nodes[*node.ParentRunID]
			parent.Children = append(parent.Children, node)
		case sameTrace(node.TraceID, root.TraceID) || equalsID(node.TraceID, rootID):
			root.Children = append(root.Children, node)
		default:
			tree.OrphanedRuns++
		}
	}

	tree.TotalRuns, tree.MaxDepth = measure(root, 1)
	return tree, nil
}

func sameTrace(a, b *uuid.UUID) bool {
	return a != nil && b != nil && *a == *b
}

func equalsID(a *uuid.UUID, id uuid.UUID) bool {
	return a != nil && *a == id
}

// measure walks the tree returning (node count, max depth).
func measure(node *models.HierarchyNode, depth int) (int, int) {
	total, maxDepth := 1, depth
	for _, child := range node.Children {
		n, d := measure(child, depth+1)
		total += n
		if d > maxDepth {
			maxDepth = d
		}
	}
	return total, maxDepth
}

// statsCacheKey is the single key under which aggregates are memoized.
const statsCacheKey = "dashboard.stats"

// GetDashboardStats reads the aggregates, memoized for the configured TTL.
func (s *RunService) GetDashboardStats(ctx context.Context) (*models.DashboardStats, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(statsCacheKey); ok {
			if stats, ok := v.(*models.DashboardStats); ok {
				return stats, nil
			}
		}
	}
	stats, err := s.store.AggregateStats(ctx, statsWindow)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Set(statsCacheKey, stats, s.cacheTTL)
	}
	return stats, nil
}

// completenessSampleLimit bounds the offending-id lists in the report.
const completenessSampleLimit = 25

// CheckCompleteness audits runs updated within the window and scores the
// result. Degraded below 95% completeness, unhealthy below 90%. Read-only.
func (s *RunService) CheckCompleteness(ctx context.Context, window time.Duration, project *string) (*models.CompletenessReport, error) {
	scan, err := s.store.ScanIncomplete(ctx, window, project, completenessSampleLimit)
	if err != nil {
		return nil, err
	}

	anomalies := scan.CompletedMissingOutputs + scan.LongRunningPotentialOrphan + scan.IncompleteCompletion
	score := 1.0
	if scan.TotalRuns > 0 {
		score = 1.0 - float64(anomalies)/float64(scan.TotalRuns)
		if score < 0 {
			score = 0
		}
	}

	status := "healthy"
	switch {
	case score < 0.90:
		status = "unhealthy"
	case score < 0.95:
		status = "degraded"
	}

	return &models.CompletenessReport{
		Status:            status,
		CompletenessScore: score,
		TotalRuns:         scan.TotalRuns,
		Window:            window.String(),
		Categories: []models.Anomaly{
			{
				Name:       "completed_missing_outputs",
				Count:      scan.CompletedMissingOutputs,
				SampleRuns: scan.CompletedMissingOutputIDs,
			},
			{
				Name:       "long_running_potential_orphans",
				Count:      scan.LongRunningPotentialOrphan,
				SampleRuns: scan.LongRunningIDs,
			},
			{
				Name:       "incomplete_completion",
				Count:      scan.IncompleteCompletion,
				SampleRuns: scan.IncompleteCompletionIDs,
			},
		},
		GeneratedAt: time.Now().UTC(),
	}, nil
}
