package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentspy/agentspy/pkg/models"
)

// RunStore provides the run table primitives. All methods are safe for
// concurrent use; the pool handles connection management.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a RunStore on the shared pool.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// runColumns is the canonical select list, kept in sync with scanRun.
const runColumns = `id, trace_id, parent_run_id, name, run_type, status,
	start_time, end_time, inputs, outputs, extra, serialized, events,
	error, tags, reference_example_id, project_name, created_at, updated_at`

// UpsertRuns applies an upsert plan atomically. Existing rows are locked
// first (in sorted id order, to keep concurrent batches deadlock-free), so
// the merge each row performs is serialized per id: only supplied fields
// overwrite, terminal statuses stick, and updated_at only moves forward.
//
// Per-row validation failures (time invariant against the stored row) are
// reported in the returned outcomes; the remaining rows still commit.
func (s *RunStore) UpsertRuns(ctx context.Context, rows []models.RunUpsert) ([]models.UpsertOutcome, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifyErr("begin upsert", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := lockExisting(ctx, tx, rows)
	if err != nil {
		return nil, err
	}

	outcomes := make([]models.UpsertOutcome, 0, len(rows))
	for i := range rows {
		outcome, err := upsertOne(ctx, tx, &rows[i], existing)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, outcome)
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyErr("commit upsert", err)
	}
	return outcomes, nil
}

// lockedRow is the pre-upsert snapshot of an existing run.
type lockedRow struct {
	status    models.RunStatus
	startTime time.Time
}

// lockExisting locks the target rows and returns their prior status and
// start time, used for insert/update discrimination and event derivation.
func lockExisting(ctx context.Context, tx *sql.Tx, rows []models.RunUpsert) (map[uuid.UUID]lockedRow, error) {
	seen := make(map[uuid.UUID]bool, len(rows))
	ids := make([]uuid.UUID, 0, len(rows))
	for i := range rows {
		if !seen[rows[i].ID] {
			seen[rows[i].ID] = true
			ids = append(ids, rows[i].ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return strings.Compare(ids[i].String(), ids[j].String()) < 0
	})

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	query := fmt.Sprintf(
		`SELECT id, status, start_time FROM runs WHERE id IN (%s) FOR UPDATE`,
		strings.Join(placeholders, ", "))
	rs, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyErr("lock runs", err)
	}
	defer rs.Close()

	out := make(map[uuid.UUID]lockedRow)
	for rs.Next() {
		var id uuid.UUID
		var lr lockedRow
		if err := rs.Scan(&id, &lr.status, &lr.startTime); err != nil {
			return nil, classifyErr("scan locked run", err)
		}
		out[id] = lr
	}
	if err := rs.Err(); err != nil {
		return nil, classifyErr("iterate locked runs", err)
	}
	return out, nil
}

const upsertRunSQL = `
INSERT INTO runs (
	id, trace_id, parent_run_id, name, run_type, status,
	start_time, end_time, inputs, outputs, extra, serialized, events,
	error, tags, reference_example_id, project_name, created_at, updated_at
) VALUES (
	$1, $2, $3, COALESCE($4, ''), COALESCE($5, 'chain'), $6,
	$7, $8, $9::jsonb, $10::jsonb, $11::jsonb, $12::jsonb,
	COALESCE($13::jsonb, '[]'::jsonb),
	$14, COALESCE($15::jsonb, '[]'::jsonb), $16, $17, now(), now()
)
ON CONFLICT (id) DO UPDATE SET
	trace_id = COALESCE($2, runs.trace_id),
	parent_run_id = COALESCE($3, runs.parent_run_id),
	name = COALESCE($4, runs.name),
	run_type = COALESCE($5, runs.run_type),
	status = CASE
		WHEN runs.status IN ('completed', 'failed') THEN runs.status
		WHEN COALESCE($8::timestamptz, runs.end_time) IS NOT NULL
			AND COALESCE($14::text, runs.error) IS NOT NULL THEN 'failed'
		WHEN COALESCE($8::timestamptz, runs.end_time) IS NOT NULL
			AND COALESCE($10::jsonb, runs.outputs) IS NOT NULL THEN 'completed'
		ELSE 'running'
	END,
	start_time = COALESCE($7, runs.start_time),
	end_time = COALESCE($8, runs.end_time),
	inputs = COALESCE($9::jsonb, runs.inputs),
	outputs = COALESCE($10::jsonb, runs.outputs),
	extra = COALESCE($11::jsonb, runs.extra),
	serialized = COALESCE($12::jsonb, runs.serialized),
	events = COALESCE($13::jsonb, runs.events),
	error = COALESCE($14, runs.error),
	tags = COALESCE($15::jsonb, runs.tags),
	reference_example_id = COALESCE($16, runs.reference_example_id),
	project_name = COALESCE($17, runs.project_name),
	updated_at = now()
RETURNING status, name, run_type, trace_id, parent_run_id, project_name,
	start_time, end_time, error`

// upsertOne validates and writes one row of the plan. The row's id is
// already locked, so the stored start_time cannot move underneath the
// end >= start check.
func upsertOne(ctx context.Context, tx *sql.Tx, row *models.RunUpsert, existing map[uuid.UUID]lockedRow) (models.UpsertOutcome, error) {
	prior, existed := existing[row.ID]

	// Effective start for validation and for the insert path.
	var effStart *time.Time
	switch {
	case row.StartTime != nil:
		effStart = row.StartTime
	case existed:
		t := prior.startTime
		effStart = &t
	case row.EndTime != nil:
		effStart = row.EndTime // patch-before-create with only an end
	default:
		now := time.Now().UTC()
		effStart = &now
	}

	if row.EndTime != nil && row.EndTime.Before(*effStart) {
		return models.UpsertOutcome{
			ID:  row.ID,
			Err: fmt.Errorf("end_time %s precedes start_time %s", row.EndTime.Format(time.RFC3339Nano), effStart.Format(time.RFC3339Nano)),
		}, nil
	}

	// Insert-path params differ from update-path params for start/status:
	// the CASE and COALESCE expressions in the UPDATE branch ignore them.
	insertStart := effStart
	if existed && row.StartTime == nil {
		insertStart = nil
	}
	insertStatus := models.DeriveStatus(row.EndTime, row.Outputs, row.Error)

	inputs, err := jsonParam(row.Inputs)
	if err != nil {
		return models.UpsertOutcome{ID: row.ID, Err: err}, nil
	}
	outputs, err := jsonParam(row.Outputs)
	if err != nil {
		return models.UpsertOutcome{ID: row.ID, Err: err}, nil
	}
	extra, err := jsonParam(row.Extra)
	if err != nil {
		return models.UpsertOutcome{ID: row.ID, Err: err}, nil
	}
	serialized, err := jsonParam(row.Serialized)
	if err != nil {
		return models.UpsertOutcome{ID: row.ID, Err: err}, nil
	}
	events, err := jsonSliceParam(row.Events)
	if err != nil {
		return models.UpsertOutcome{ID: row.ID, Err: err}, nil
	}
	tags, err := tagsParam(row.Tags)
	if err != nil {
		return models.UpsertOutcome{ID: row.ID, Err: err}, nil
	}

	outcome := models.UpsertOutcome{ID: row.ID, Inserted: !existed}
	if existed {
		st := prior.status
		outcome.PrevStatus = &st
	}

	var (
		traceID, parentID   uuid.NullUUID
		projectName, errMsg sql.NullString
		endTime             sql.NullTime
		runTypeStr          string
	)
	err = tx.QueryRowContext(ctx, upsertRunSQL,
		row.ID,
		nullUUID(row.TraceID),
		nullUUID(row.ParentRunID),
		nullStr(row.Name),
		nullStr(runTypeParam(row.RunType)),
		string(insertStatus),
		nullTime(insertStart),
		nullTime(row.EndTime),
		inputs, outputs, extra, serialized, events,
		nullStr(row.Error),
		tags,
		nullUUID(row.ReferenceExampleID),
		nullStr(row.ProjectName),
	).Scan(
		&outcome.Status, &outcome.Name, &runTypeStr,
		&traceID, &parentID, &projectName,
		&outcome.StartTime, &endTime, &errMsg,
	)
	if err != nil {
		return models.UpsertOutcome{}, classifyErr("upsert run", err)
	}

	outcome.RunType = models.RunType(runTypeStr)
	if traceID.Valid {
		outcome.TraceID = &traceID.UUID
	}
	if parentID.Valid {
		outcome.ParentRunID = &parentID.UUID
	}
	if projectName.Valid {
		outcome.ProjectName = &projectName.String
	}
	if endTime.Valid {
		t := endTime.Time
		outcome.EndTime = &t
	}
	if errMsg.Valid {
		outcome.Error = &errMsg.String
	}
	return outcome, nil
}

// GetByID fetches a single run. Returns (nil, nil) when absent.
func (s *RunStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classifyErr("get run", err)
	}
	return run, nil
}

// GetChildren returns the direct children of a run, ordered by start time.
func (s *RunStore) GetChildren(ctx context.Context, parentID uuid.UUID) ([]models.Run, error) {
	rs, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE parent_run_id = $1 ORDER BY start_time`, parentID)
	if err != nil {
		return nil, classifyErr("get children", err)
	}
	defer rs.Close()
	return collectRuns(rs, "get children")
}

// GetSubtree loads the subtree under rootID with a bounded recursive query.
// maxDepth counts the root as depth 1.
func (s *RunStore) GetSubtree(ctx context.Context, rootID uuid.UUID, maxDepth int) ([]models.Run, error) {
	rs, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE subtree AS (
			SELECT r.*, 1 AS depth FROM runs r WHERE r.id = $1
			UNION ALL
			SELECT r.*, s.depth + 1 FROM runs r
			JOIN subtree s ON r.parent_run_id = s.id
			WHERE s.depth < $2
		)
		SELECT `+runColumns+` FROM subtree ORDER BY depth, start_time`,
		rootID, maxDepth)
	if err != nil {
		return nil, classifyErr("get subtree", err)
	}
	defer rs.Close()
	return collectRuns(rs, "get subtree")
}

// ListRoots returns one page of parentless runs matching the filter, plus
// the unpaged total.
func (s *RunStore) ListRoots(ctx context.Context, filter models.RootRunFilter) ([]models.Run, int, error) {
	where := []string{"parent_run_id IS NULL"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.ProjectName != nil {
		where = append(where, "project_name = "+arg(*filter.ProjectName))
	}
	if filter.Status != nil {
		where = append(where, "status = "+arg(string(*filter.Status)))
	}
	if filter.Search != nil {
		where = append(where, "name ILIKE "+arg("%"+*filter.Search+"%"))
	}
	if filter.StartTimeGte != nil {
		where = append(where, "start_time >= "+arg(*filter.StartTimeGte))
	}
	if filter.StartTimeLte != nil {
		where = append(where, "start_time <= "+arg(*filter.StartTimeLte))
	}
	cond := strings.Join(where, " AND ")

	var total int
	err := s.db.QueryRowContext(ctx,
		"SELECT count(*) FROM runs WHERE "+cond, args...).Scan(&total)
	if err != nil {
		return nil, 0, classifyErr("count roots", err)
	}

	query := fmt.Sprintf(
		"SELECT %s FROM runs WHERE %s ORDER BY start_time DESC LIMIT %s OFFSET %s",
		runColumns, cond, arg(filter.Limit), arg(filter.Offset))
	rs, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, classifyErr("list roots", err)
	}
	defer rs.Close()

	runs, err := collectRuns(rs, "list roots")
	if err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

// ChildRunCounts returns the direct-child count for each given id in a
// single aggregate query.
func (s *RunStore) ChildRunCounts(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]int, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]int{}, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	rs, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT parent_run_id, count(*) FROM runs
		 WHERE parent_run_id IN (%s) GROUP BY parent_run_id`,
		strings.Join(placeholders, ", ")), args...)
	if err != nil {
		return nil, classifyErr("child counts", err)
	}
	defer rs.Close()

	out := make(map[uuid.UUID]int, len(ids))
	for rs.Next() {
		var id uuid.UUID
		var n int
		if err := rs.Scan(&id, &n); err != nil {
			return nil, classifyErr("scan child count", err)
		}
		out[id] = n
	}
	if err := rs.Err(); err != nil {
		return nil, classifyErr("iterate child counts", err)
	}
	return out, nil
}

// AggregateStats computes the dashboard aggregates. window bounds the
// recent-runs count only; the distributions cover the whole table.
func (s *RunStore) AggregateStats(ctx context.Context, window time.Duration) (*models.DashboardStats, error) {
	stats := &models.DashboardStats{
		StatusDistribution:  map[string]int{},
		RunTypeDistribution: map[string]int{},
		ProjectDistribution: map[string]int{},
		RecentWindow:        window.String(),
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT count(*),
			count(*) FILTER (WHERE start_time >= now() - make_interval(secs => $1))
		FROM runs`, window.Seconds()).Scan(&stats.TotalRuns, &stats.RecentRuns)
	if err != nil {
		return nil, classifyErr("stats totals", err)
	}

	if err := s.groupCount(ctx, "status", stats.StatusDistribution); err != nil {
		return nil, err
	}
	if err := s.groupCount(ctx, "run_type", stats.RunTypeDistribution); err != nil {
		return nil, err
	}
	if err := s.groupCount(ctx, "project_name", stats.ProjectDistribution); err != nil {
		return nil, err
	}
	return stats, nil
}

// groupCount fills dest with a GROUP BY over the named column. NULL groups
// (e.g. runs without a project) are skipped.
func (s *RunStore) groupCount(ctx context.Context, column string, dest map[string]int) error {
	rs, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s, count(*) FROM runs WHERE %s IS NOT NULL GROUP BY %s`,
		column, column, column))
	if err != nil {
		return classifyErr("stats "+column, err)
	}
	defer rs.Close()
	for rs.Next() {
		var key string
		var n int
		if err := rs.Scan(&key, &n); err != nil {
			return classifyErr("scan stats "+column, err)
		}
		dest[key] = n
	}
	return classifyErr("iterate stats "+column, rs.Err())
}

// orphanAge is how long a run may stay open before the completeness audit
// flags it as a potential orphan.
const orphanAge = 2 * time.Hour

// ScanIncomplete categorizes anomalies among runs updated within the
// window: terminal-looking rows missing outputs, long-open rows, and rows
// whose end_time is set with neither outputs nor error. sampleLimit bounds
// the per-category id lists. Read-only.
func (s *RunStore) ScanIncomplete(ctx context.Context, window time.Duration, project *string, sampleLimit int) (*models.CompletenessScan, error) {
	cond := "updated_at >= now() - make_interval(secs => $1)"
	args := []any{window.Seconds()}
	if project != nil {
		args = append(args, *project)
		cond += fmt.Sprintf(" AND project_name = $%d", len(args))
	}

	scan := &models.CompletenessScan{}
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT count(*),
			count(*) FILTER (WHERE end_time IS NOT NULL AND error IS NULL AND outputs IS NULL),
			count(*) FILTER (WHERE end_time IS NULL AND start_time < now() - interval '%d seconds'),
			count(*) FILTER (WHERE end_time IS NOT NULL AND outputs IS NULL AND error IS NULL)
		FROM runs WHERE %s`, int(orphanAge.Seconds()), cond), args...).
		Scan(&scan.TotalRuns, &scan.CompletedMissingOutputs,
			&scan.LongRunningPotentialOrphan, &scan.IncompleteCompletion)
	if err != nil {
		return nil, classifyErr("scan incomplete", err)
	}

	samples := []struct {
		extra string
		dest  *[]uuid.UUID
	}{
		{"end_time IS NOT NULL AND error IS NULL AND outputs IS NULL", &scan.CompletedMissingOutputIDs},
		{fmt.Sprintf("end_time IS NULL AND start_time < now() - interval '%d seconds'", int(orphanAge.Seconds())), &scan.LongRunningIDs},
		{"end_time IS NOT NULL AND outputs IS NULL AND error IS NULL", &scan.IncompleteCompletionIDs},
	}
	for _, sample := range samples {
		ids, err := s.sampleIDs(ctx, cond+" AND "+sample.extra, args, sampleLimit)
		if err != nil {
			return nil, err
		}
		*sample.dest = ids
	}
	return scan, nil
}

func (s *RunStore) sampleIDs(ctx context.Context, cond string, args []any, limit int) ([]uuid.UUID, error) {
	query := fmt.Sprintf(
		"SELECT id FROM runs WHERE %s ORDER BY updated_at DESC LIMIT %d", cond, limit)
	rs, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyErr("sample incomplete ids", err)
	}
	defer rs.Close()

	var ids []uuid.UUID
	for rs.Next() {
		var id uuid.UUID
		if err := rs.Scan(&id); err != nil {
			return nil, classifyErr("scan incomplete id", err)
		}
		ids = append(ids, id)
	}
	if err := rs.Err(); err != nil {
		return nil, classifyErr("iterate incomplete ids", err)
	}
	return ids, nil
}

// --- scanning and parameter helpers ---

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(r rowScanner) (*models.Run, error) {
	var (
		run                      models.Run
		traceID, parentID, refID uuid.NullUUID
		endTime                  sql.NullTime
		errMsg, projectName      sql.NullString
		inputs, outputs          []byte
		extra, serialized        []byte
		events, tags             []byte
	)
	err := r.Scan(
		&run.ID, &traceID, &parentID, &run.Name, &run.RunType, &run.Status,
		&run.StartTime, &endTime, &inputs, &outputs, &extra, &serialized,
		&events, &errMsg, &tags, &refID, &projectName,
		&run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if traceID.Valid {
		run.TraceID = &traceID.UUID
	}
	if parentID.Valid {
		run.ParentRunID = &parentID.UUID
	}
	if refID.Valid {
		run.ReferenceExampleID = &refID.UUID
	}
	if endTime.Valid {
		t := endTime.Time
		run.EndTime = &t
	}
	if errMsg.Valid {
		run.Error = &errMsg.String
	}
	if projectName.Valid {
		run.ProjectName = &projectName.String
	}

	if err := unmarshalJSON(inputs, &run.Inputs); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(outputs, &run.Outputs); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(extra, &run.Extra); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(serialized, &run.Serialized); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(events, &run.Events); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(tags, &run.Tags); err != nil {
		return nil, err
	}
	if run.Events == nil {
		run.Events = []map[string]any{}
	}
	if run.Tags == nil {
		run.Tags = []string{}
	}
	return &run, nil
}

func collectRuns(rs *sql.Rows, op string) ([]models.Run, error) {
	var runs []models.Run
	for rs.Next() {
		run, err := scanRun(rs)
		if err != nil {
			return nil, classifyErr(op, err)
		}
		runs = append(runs, *run)
	}
	if err := rs.Err(); err != nil {
		return nil, classifyErr(op, err)
	}
	return runs, nil
}

func unmarshalJSON(raw []byte, dest any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

// jsonParam marshals a map to a nullable jsonb parameter; nil map ⇒ SQL NULL.
func jsonParam(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal json column: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func jsonSliceParam(events []map[string]any) (sql.NullString, error) {
	if events == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(events)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal events column: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func tagsParam(tags []string) (sql.NullString, error) {
	if tags == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal tags column: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func nullStr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func runTypeParam(t *models.RunType) *string {
	if t == nil {
		return nil
	}
	s := string(*t)
	return &s
}
