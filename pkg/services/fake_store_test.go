package services

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentspy/agentspy/pkg/models"
)

// fakeRunStore is an in-memory RunStore mirroring the SQL adapter's merge
// semantics: only supplied fields overwrite, terminal statuses stick,
// updated_at moves forward.
type fakeRunStore struct {
	mu   sync.Mutex
	runs map[uuid.UUID]models.Run

	failWith error // when set, every call returns this error
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{runs: make(map[uuid.UUID]models.Run)}
}

func (f *fakeRunStore) UpsertRuns(_ context.Context, rows []models.RunUpsert) ([]models.UpsertOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}

	now := time.Now().UTC()
	outcomes := make([]models.UpsertOutcome, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		existing, existed := f.runs[row.ID]

		var effStart time.Time
		switch {
		case row.StartTime != nil:
			effStart = *row.StartTime
		case existed:
			effStart = existing.StartTime
		case row.EndTime != nil:
			effStart = *row.EndTime
		default:
			effStart = now
		}
		if row.EndTime != nil && row.EndTime.Before(effStart) {
			outcomes = append(outcomes, models.UpsertOutcome{
				ID:  row.ID,
				Err: NewValidationError("end_time", "end_time precedes start_time"),
			})
			continue
		}

		var run models.Run
		if existed {
			run = existing
		} else {
			run = models.Run{ID: row.ID, StartTime: effStart, CreatedAt: now}
		}
		applyUpsert(&run, row)
		run.UpdatedAt = now

		if existed && existing.Status.IsTerminal() {
			run.Status = existing.Status
		} else {
			run.Status = models.DeriveStatus(run.EndTime, run.Outputs, run.Error)
		}
		f.runs[row.ID] = run

		outcome := models.UpsertOutcome{
			ID:          row.ID,
			Inserted:    !existed,
			Status:      run.Status,
			Name:        run.Name,
			RunType:     run.RunType,
			TraceID:     run.TraceID,
			ParentRunID: run.ParentRunID,
			ProjectName: run.ProjectName,
			StartTime:   run.StartTime,
			EndTime:     run.EndTime,
			Error:       run.Error,
		}
		if existed {
			st := existing.Status
			outcome.PrevStatus = &st
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func applyUpsert(run *models.Run, row *models.RunUpsert) {
	if row.TraceID != nil {
		run.TraceID = row.TraceID
	}
	if row.ParentRunID != nil {
		run.ParentRunID = row.ParentRunID
	}
	if row.Name != nil {
		run.Name = *row.Name
	}
	if row.RunType != nil {
		run.RunType = *row.RunType
	}
	if row.StartTime != nil {
		run.StartTime = *row.StartTime
	}
	if row.EndTime != nil {
		run.EndTime = row.EndTime
	}
	if row.Inputs != nil {
		run.Inputs = row.Inputs
	}
	if row.Outputs != nil {
		run.Outputs = row.Outputs
	}
	if row.Extra != nil {
		run.Extra = row.Extra
	}
	if row.Serialized != nil {
		run.Serialized = row.Serialized
	}
	if row.Events != nil {
		run.Events = row.Events
	}
	if row.Error != nil {
		run.Error = row.Error
	}
	if row.Tags != nil {
		run.Tags = row.Tags
	}
	if row.ReferenceExampleID != nil {
		run.ReferenceExampleID = row.ReferenceExampleID
	}
	if row.ProjectName != nil {
		run.ProjectName = row.ProjectName
	}
}

func (f *fakeRunStore) GetByID(_ context.Context, id uuid.UUID) (*models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	run, ok := f.runs[id]
	if !ok {
		return nil, nil
	}
	return &run, nil
}

func (f *fakeRunStore) GetChildren(_ context.Context, parentID uuid.UUID) ([]models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Run
	for _, run := range f.runs {
		if run.ParentRunID != nil && *run.ParentRunID == parentID {
			out = append(out, run)
		}
	}
	sortByStart(out)
	return out, nil
}

func (f *fakeRunStore) GetSubtree(_ context.Context, rootID uuid.UUID, maxDepth int) ([]models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}

	root, ok := f.runs[rootID]
	if !ok {
		return nil, nil
	}
	out := []models.Run{root}
	frontier := []uuid.UUID{rootID}
	for depth := 1; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []uuid.UUID
		var level []models.Run
		for _, run := range f.runs {
			for _, pid := range frontier {
				if run.ParentRunID != nil && *run.ParentRunID == pid {
					level = append(level, run)
					next = append(next, run.ID)
				}
			}
		}
		sortByStart(level)
		out = append(out, level...)
		frontier = next
	}
	return out, nil
}

func (f *fakeRunStore) ListRoots(_ context.Context, filter models.RootRunFilter) ([]models.Run, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, 0, f.failWith
	}

	var matched []models.Run
	for _, run := range f.runs {
		if run.ParentRunID != nil {
			continue
		}
		if filter.ProjectName != nil && (run.ProjectName == nil || *run.ProjectName != *filter.ProjectName) {
			continue
		}
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		if filter.Search != nil && !strings.Contains(strings.ToLower(run.Name), strings.ToLower(*filter.Search)) {
			continue
		}
		if filter.StartTimeGte != nil && run.StartTime.Before(*filter.StartTimeGte) {
			continue
		}
		if filter.StartTimeLte != nil && run.StartTime.After(*filter.StartTimeLte) {
			continue
		}
		matched = append(matched, run)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].StartTime.After(matched[j].StartTime) })

	total := len(matched)
	if filter.Offset < len(matched) {
		matched = matched[filter.Offset:]
	} else {
		matched = nil
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (f *fakeRunStore) ChildRunCounts(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uuid.UUID]int)
	wanted := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	for _, run := range f.runs {
		if run.ParentRunID != nil && wanted[*run.ParentRunID] {
			out[*run.ParentRunID]++
		}
	}
	return out, nil
}

func (f *fakeRunStore) AggregateStats(_ context.Context, window time.Duration) (*models.DashboardStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}

	stats := &models.DashboardStats{
		StatusDistribution:  map[string]int{},
		RunTypeDistribution: map[string]int{},
		ProjectDistribution: map[string]int{},
		RecentWindow:        window.String(),
	}
	cutoff := time.Now().Add(-window)
	for _, run := range f.runs {
		stats.TotalRuns++
		stats.StatusDistribution[string(run.Status)]++
		stats.RunTypeDistribution[string(run.RunType)]++
		if run.ProjectName != nil {
			stats.ProjectDistribution[*run.ProjectName]++
		}
		if run.StartTime.After(cutoff) {
			stats.RecentRuns++
		}
	}
	return stats, nil
}

func (f *fakeRunStore) ScanIncomplete(_ context.Context, window time.Duration, project *string, sampleLimit int) (*models.CompletenessScan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}

	scan := &models.CompletenessScan{}
	cutoff := time.Now().Add(-window)
	orphanCutoff := time.Now().Add(-2 * time.Hour)
	for _, run := range f.runs {
		if run.UpdatedAt.Before(cutoff) {
			continue
		}
		if project != nil && (run.ProjectName == nil || *run.ProjectName != *project) {
			continue
		}
		scan.TotalRuns++
		if run.EndTime != nil && run.Error == nil && run.Outputs == nil {
			scan.CompletedMissingOutputs++
			if len(scan.CompletedMissingOutputIDs) < sampleLimit {
				scan.CompletedMissingOutputIDs = append(scan.CompletedMissingOutputIDs, run.ID)
			}
		}
		if run.EndTime == nil && run.StartTime.Before(orphanCutoff) {
			scan.LongRunningPotentialOrphan++
			if len(scan.LongRunningIDs) < sampleLimit {
				scan.LongRunningIDs = append(scan.LongRunningIDs, run.ID)
			}
		}
		if run.EndTime != nil && run.Outputs == nil && run.Error == nil {
			scan.IncompleteCompletion++
			if len(scan.IncompleteCompletionIDs) < sampleLimit {
				scan.IncompleteCompletionIDs = append(scan.IncompleteCompletionIDs, run.ID)
			}
		}
	}
	return scan, nil
}

func sortByStart(runs []models.Run) {
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartTime.Before(runs[j].StartTime) })
}
