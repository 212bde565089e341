package events

import (
	"time"

	"github.com/agentspy/agentspy/pkg/models"
)

// TraceEvent builds one trace.* event from a committed upsert outcome.
func TraceEvent(eventType string, o *models.UpsertOutcome, source string) Event {
	payload := TracePayload{
		TraceID: o.ID.String(),
		Name:    o.Name,
		RunType: string(o.RunType),
		Status:  string(o.Status),
		Source:  source,
	}
	if o.ParentRunID != nil {
		s := o.ParentRunID.String()
		payload.ParentRunID = &s
	}
	payload.ProjectName = o.ProjectName
	payload.DurationMS = o.DurationMS()
	payload.Error = o.Error

	return Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      payload,
	}
}

// StatsEvent builds a stats.updated event carrying the refreshed aggregates.
func StatsEvent(stats *models.DashboardStats) Event {
	return Event{
		Type:      EventStatsUpdated,
		Timestamp: time.Now().UTC(),
		Data:      stats,
	}
}
