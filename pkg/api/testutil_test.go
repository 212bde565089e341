package api

import (
	"context"
	"database/sql"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"

	"github.com/agentspy/agentspy/pkg/cache"
	"github.com/agentspy/agentspy/pkg/config"
	"github.com/agentspy/agentspy/pkg/database"
	"github.com/agentspy/agentspy/pkg/events"
	"github.com/agentspy/agentspy/pkg/models"
	"github.com/agentspy/agentspy/pkg/services"
)

// memStore is an in-memory run + feedback store for handler tests. It
// mirrors the SQL adapter's merge semantics closely enough for the API
// surface: partial updates, sticky terminal statuses, root filtering.
type memStore struct {
	mu       sync.Mutex
	runs     map[uuid.UUID]models.Run
	feedback []models.Feedback
}

func newMemStore() *memStore {
	return &memStore{runs: make(map[uuid.UUID]models.Run)}
}

func (m *memStore) UpsertRuns(_ context.Context, rows []models.RunUpsert) ([]models.UpsertOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	outcomes := make([]models.UpsertOutcome, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		existing, existed := m.runs[row.ID]

		var run models.Run
		if existed {
			run = existing
		} else {
			start := now
			if row.StartTime != nil {
				start = *row.StartTime
			}
			run = models.Run{ID: row.ID, StartTime: start, CreatedAt: now}
		}
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
		if row.Events != nil {
			run.Events = row.Events
		}
		if row.Error != nil {
			run.Error = row.Error
		}
		if row.Tags != nil {
			run.Tags = row.Tags
		}
		if row.ProjectName != nil {
			run.ProjectName = row.ProjectName
		}
		run.UpdatedAt = now

		if existed && existing.Status.IsTerminal() {
			run.Status = existing.Status
		} else {
			run.Status = models.DeriveStatus(run.EndTime, run.Outputs, run.Error)
		}
		m.runs[row.ID] = run

		outcome := models.UpsertOutcome{
			ID:          run.ID,
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

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	return &run, nil
}

func (m *memStore) GetChildren(_ context.Context, parentID uuid.UUID) ([]models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Run
	for _, run := range m.runs {
		if run.ParentRunID != nil && *run.ParentRunID == parentID {
			out = append(out, run)
		}
	}
	return out, nil
}

func (m *memStore) GetSubtree(_ context.Context, rootID uuid.UUID, maxDepth int) ([]models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	root, ok := m.runs[rootID]
	if !ok {
		return nil, nil
	}
	out := []models.Run{root}
	frontier := []uuid.UUID{rootID}
	for depth := 1; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []uuid.UUID
		for _, run := range m.runs {
			for _, pid := range frontier {
				if run.ParentRunID != nil && *run.ParentRunID == pid {
					out = append(out, run)
					next = append(next, run.ID)
				}
			}
		}
		frontier = next
	}
	return out, nil
}

func (m *memStore) ListRoots(_ context.Context, filter models.RootRunFilter) ([]models.Run, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []models.Run
	for _, run := range m.runs {
		if run.ParentRunID != nil {
			continue
		}
		if filter.ProjectName != nil && (run.ProjectName == nil || *run.ProjectName != *filter.ProjectName) {
			continue
		}
		if filter.Status != nil && run.Status != *filter.Status {
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

func (m *memStore) ChildRunCounts(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uuid.UUID]int)
	for _, run := range m.runs {
		if run.ParentRunID == nil {
			continue
		}
		for _, id := range ids {
			if *run.ParentRunID == id {
				out[id]++
			}
		}
	}
	return out, nil
}

func (m *memStore) AggregateStats(_ context.Context, window time.Duration) (*models.DashboardStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &models.DashboardStats{
		StatusDistribution:  map[string]int{},
		RunTypeDistribution: map[string]int{},
		ProjectDistribution: map[string]int{},
		RecentWindow:        window.String(),
	}
	for _, run := range m.runs {
		stats.TotalRuns++
		stats.StatusDistribution[string(run.Status)]++
		stats.RunTypeDistribution[string(run.RunType)]++
		if run.ProjectName != nil {
			stats.ProjectDistribution[*run.ProjectName]++
		}
	}
	return stats, nil
}

func (m *memStore) ScanIncomplete(_ context.Context, window time.Duration, project *string, sampleLimit int) (*models.CompletenessScan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	scan := &models.CompletenessScan{}
	orphanCutoff := time.Now().Add(-2 * time.Hour)
	for _, run := range m.runs {
		scan.TotalRuns++
		if run.EndTime != nil && run.Error == nil && run.Outputs == nil {
			scan.CompletedMissingOutputs++
			scan.IncompleteCompletion++
		}
		if run.EndTime == nil && run.StartTime.Before(orphanCutoff) {
			scan.LongRunningPotentialOrphan++
		}
	}
	return scan, nil
}

func (m *memStore) Insert(_ context.Context, fb *models.Feedback) (*models.Feedback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := *fb
	out.CreatedAt = time.Now().UTC()
	m.feedback = append(m.feedback, out)
	return &out, nil
}

func (m *memStore) ListByRun(_ context.Context, runID uuid.UUID) ([]models.Feedback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Feedback
	for _, fb := range m.feedback {
		if fb.RunID == runID {
			out = append(out, fb)
		}
	}
	return out, nil
}

// testServer spins up the full API surface over the in-memory store.
type testServer struct {
	http   *httptest.Server
	store  *memStore
	hub    *events.Hub
	server *Server
}

func newTestServer(t *testing.T, mutate func(cfg *config.Settings)) *testServer {
	t.Helper()

	cfg, err := config.Load()
	require.NoError(t, err)
	if mutate != nil {
		mutate(cfg)
	}

	ms := newMemStore()
	hub := events.NewHub()
	runService := services.NewRunService(ms, hub, cache.NewMemory(),
		cfg.StatsCacheTTL, cfg.MaxTraceSizeBytes())
	feedbackService := services.NewFeedbackService(ms)
	connManager := events.NewConnectionManager(hub, events.ManagerConfig{
		WriteTimeout: 5 * time.Second,
		BufferSize:   cfg.WSBufferSize,
	})

	// A pool pointed at a closed port: Open succeeds lazily, pings fail,
	// which is what the readiness tests want.
	db, err := sql.Open("pgx", "host=127.0.0.1 port=1 user=t password=t dbname=t sslmode=disable")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	server := NewServer(cfg, database.NewClientFromDB(db), runService, feedbackService, hub, connManager)
	ts := httptest.NewServer(server.Echo())
	t.Cleanup(func() {
		ts.Close()
		hub.Close()
	})

	return &testServer{http: ts, store: ms, hub: hub, server: server}
}
