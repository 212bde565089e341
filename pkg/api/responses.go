package api

import (
	"github.com/agentspy/agentspy/pkg/database"
	"github.com/agentspy/agentspy/pkg/models"
)

// batchResponse is the envelope of POST /api/v1/runs/batch. success is
// true whenever the envelope itself parsed; per-row failures are itemized.
type batchResponse struct {
	Success      bool                `json:"success"`
	CreatedCount int                 `json:"created_count"`
	UpdatedCount int                 `json:"updated_count"`
	Errors       []models.BatchError `json:"errors"`
}

// runResponse wraps a run for single-run fetches, adding duration.
type runResponse struct {
	models.Run
	DurationMS *int64 `json:"duration_ms,omitempty"`
}

// infoResponse is the LangSmith-compatible service descriptor.
type infoResponse struct {
	Version           string            `json:"version"`
	TenantHandle      string            `json:"tenant_handle"`
	BatchIngestConfig batchIngestConfig `json:"batch_ingest_config"`
	InstanceFlags     instanceFlags     `json:"instance_flags"`
}

type batchIngestConfig struct {
	SizeLimitBytes int `json:"size_limit_bytes"`
	SizeLimit      int `json:"size_limit"`
}

type instanceFlags struct {
	AuthEnabled     bool `json:"auth_enabled"`
	OTLPGRPCEnabled bool `json:"otlp_grpc_enabled"`
}

// healthResponse is returned by GET /health.
type healthResponse struct {
	Status     string                 `json:"status"`
	Version    string                 `json:"version"`
	Database   *database.HealthStatus `json:"database"`
	Events     eventsHealth           `json:"events"`
	Connection connectionHealth       `json:"websocket"`
}

type eventsHealth struct {
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
	Subscribers int   `json:"subscribers"`
}

type connectionHealth struct {
	ActiveConnections int `json:"active_connections"`
}
