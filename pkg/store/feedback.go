package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/agentspy/agentspy/pkg/models"
)

// FeedbackStore persists run feedback. Insert-only.
type FeedbackStore struct {
	db *sql.DB
}

// NewFeedbackStore creates a FeedbackStore on the shared pool.
func NewFeedbackStore(db *sql.DB) *FeedbackStore {
	return &FeedbackStore{db: db}
}

// Insert stores one feedback record and returns it with the server-stamped
// creation time.
func (s *FeedbackStore) Insert(ctx context.Context, fb *models.Feedback) (*models.Feedback, error) {
	correction, err := jsonParam(fb.Correction)
	if err != nil {
		return nil, err
	}
	metadata, err := jsonParam(fb.Metadata)
	if err != nil {
		return nil, err
	}

	var score sql.NullFloat64
	if fb.Score != nil {
		score = sql.NullFloat64{Float64: *fb.Score, Valid: true}
	}

	out := *fb
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO feedback (id, run_id, key, score, comment, correction, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, now())
		RETURNING created_at`,
		fb.ID, fb.RunID, fb.Key, score, nullStr(fb.Comment), correction, metadata,
	).Scan(&out.CreatedAt)
	if err != nil {
		return nil, classifyErr("insert feedback", err)
	}
	return &out, nil
}

// ListByRun returns the feedback attached to a run, oldest first.
func (s *FeedbackStore) ListByRun(ctx context.Context, runID uuid.UUID) ([]models.Feedback, error) {
	rs, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, key, score, comment, correction, metadata, created_at
		FROM feedback WHERE run_id = $1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, classifyErr("list feedback", err)
	}
	defer rs.Close()

	var out []models.Feedback
	for rs.Next() {
		var (
			fb         models.Feedback
			score      sql.NullFloat64
			comment    sql.NullString
			correction []byte
			metadata   []byte
		)
		err := rs.Scan(&fb.ID, &fb.RunID, &fb.Key, &score, &comment,
			&correction, &metadata, &fb.CreatedAt)
		if err != nil {
			return nil, classifyErr("scan feedback", err)
		}
		if score.Valid {
			fb.Score = &score.Float64
		}
		if comment.Valid {
			fb.Comment = &comment.String
		}
		if err := unmarshalJSON(correction, &fb.Correction); err != nil {
			return nil, classifyErr("decode feedback", err)
		}
		if err := unmarshalJSON(metadata, &fb.Metadata); err != nil {
			return nil, classifyErr("decode feedback", err)
		}
		out = append(out, fb)
	}
	if err := rs.Err(); err != nil {
		return nil, classifyErr("iterate feedback", err)
	}
	return out, nil
}
