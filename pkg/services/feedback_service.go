package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/agentspy/agentspy/pkg/models"
)

// FeedbackStore is the storage surface for feedback records.
type FeedbackStore interface {
	Insert(ctx context.Context, fb *models.Feedback) (*models.Feedback, error)
	ListByRun(ctx context.Context, runID uuid.UUID) ([]models.Feedback, error)
}

// FeedbackService records feedback against runs. Feedback never affects
// run status or events.
type FeedbackService struct {
	store FeedbackStore
}

// NewFeedbackService creates a FeedbackService.
func NewFeedbackService(store FeedbackStore) *FeedbackService {
	return &FeedbackService{store: store}
}

// Create validates and stores one feedback record. The referenced run is
// not required to exist — feedback can race ahead of its run the same way
// children race ahead of parents.
func (s *FeedbackService) Create(ctx context.Context, fb *models.Feedback) (*models.Feedback, error) {
	if fb.ID == uuid.Nil {
		fb.ID = uuid.New()
	}
	if fb.RunID == uuid.Nil {
		return nil, NewValidationError("run_id", "required")
	}
	if fb.Key == "" {
		return nil, NewValidationError("key", "required")
	}
	return s.store.Insert(ctx, fb)
}

// ListForRun returns the feedback recorded against a run.
func (s *FeedbackService) ListForRun(ctx context.Context, runID uuid.UUID) ([]models.Feedback, error) {
	return s.store.ListByRun(ctx, runID)
}
