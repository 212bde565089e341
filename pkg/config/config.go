// Package config loads the process-wide settings snapshot. Settings are
// read once at startup from environment variables (flags in cmd/agentspy
// override individual fields); nothing here mutates after Load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings is the immutable configuration snapshot.
type Settings struct {
	// HTTP bind (REST + OTLP HTTP + WebSocket).
	Host string
	Port int

	// OTLP gRPC receiver.
	OTLPGRPCEnabled bool
	OTLPGRPCPort    int
	OTLPHTTPPath    string

	// Payload limits.
	MaxTraceSizeMB   int // single-run payload cap
	BatchSizeLimitMB int // whole-batch request body cap

	// Request handling.
	RequestTimeout time.Duration

	// Authentication.
	RequireAuth bool
	APIKeys     []string

	// CORS.
	CORSOrigins []string

	// Logging.
	LogLevel  string
	LogFormat string

	// WebSocket tuning.
	WSWriteTimeout time.Duration
	WSPingInterval time.Duration
	WSBufferSize   int
	WSMaxDropped   int

	// Query-side tuning.
	StatsCacheTTL      time.Duration
	CompletenessWindow time.Duration

	// Rate limiting (0 = disabled).
	RateLimitRPS int
}

// Load reads settings from the environment, applying defaults.
func Load() (*Settings, error) {
	s := &Settings{
		Host:         getEnv("HOST", "0.0.0.0"),
		OTLPHTTPPath: getEnv("OTLP_HTTP_PATH", "/v1/traces"),
		LogLevel:     strings.ToUpper(getEnv("LOG_LEVEL", "INFO")),
		LogFormat:    strings.ToLower(getEnv("LOG_FORMAT", "json")),
		APIKeys:      splitCSV(os.Getenv("API_KEYS")),
		CORSOrigins:  splitCSV(getEnv("CORS_ORIGINS", "*")),
	}

	var err error
	if s.Port, err = envInt("PORT", 8000); err != nil {
		return nil, err
	}
	if s.OTLPGRPCPort, err = envInt("OTLP_GRPC_PORT", 4317); err != nil {
		return nil, err
	}
	if s.OTLPGRPCEnabled, err = envBool("OTLP_GRPC_ENABLED", true); err != nil {
		return nil, err
	}
	if s.MaxTraceSizeMB, err = envInt("MAX_TRACE_SIZE_MB", 10); err != nil {
		return nil, err
	}
	if s.BatchSizeLimitMB, err = envInt("BATCH_SIZE_LIMIT_MB", 20); err != nil {
		return nil, err
	}
	if s.RequestTimeout, err = envDuration("REQUEST_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if s.RequireAuth, err = envBool("REQUIRE_AUTH", false); err != nil {
		return nil, err
	}
	if s.WSWriteTimeout, err = envDuration("WS_WRITE_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if s.WSPingInterval, err = envDuration("WS_PING_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if s.WSBufferSize, err = envInt("WS_BUFFER_SIZE", 256); err != nil {
		return nil, err
	}
	if s.WSMaxDropped, err = envInt("WS_MAX_DROPPED", 512); err != nil {
		return nil, err
	}
	if s.StatsCacheTTL, err = envDuration("STATS_CACHE_TTL", 5*time.Second); err != nil {
		return nil, err
	}
	if s.CompletenessWindow, err = envDuration("COMPLETENESS_WINDOW", 24*time.Hour); err != nil {
		return nil, err
	}
	if s.RateLimitRPS, err = envInt("RATE_LIMIT_RPS", 0); err != nil {
		return nil, err
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks cross-field consistency.
func (s *Settings) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("PORT must be in 1..65535, got %d", s.Port)
	}
	if s.OTLPGRPCEnabled && (s.OTLPGRPCPort < 1 || s.OTLPGRPCPort > 65535) {
		return fmt.Errorf("OTLP_GRPC_PORT must be in 1..65535, got %d", s.OTLPGRPCPort)
	}
	if s.OTLPGRPCEnabled && s.OTLPGRPCPort == s.Port {
		return fmt.Errorf("OTLP_GRPC_PORT must differ from PORT (%d)", s.Port)
	}
	if !strings.HasPrefix(s.OTLPHTTPPath, "/") {
		return fmt.Errorf("OTLP_HTTP_PATH must start with '/', got %q", s.OTLPHTTPPath)
	}
	if s.MaxTraceSizeMB < 1 {
		return fmt.Errorf("MAX_TRACE_SIZE_MB must be at least 1, got %d", s.MaxTraceSizeMB)
	}
	if s.BatchSizeLimitMB < s.MaxTraceSizeMB {
		return fmt.Errorf("BATCH_SIZE_LIMIT_MB (%d) cannot be smaller than MAX_TRACE_SIZE_MB (%d)",
			s.BatchSizeLimitMB, s.MaxTraceSizeMB)
	}
	if s.RequireAuth && len(s.APIKeys) == 0 {
		return fmt.Errorf("REQUIRE_AUTH is set but API_KEYS is empty")
	}
	if s.WSBufferSize < 1 {
		return fmt.Errorf("WS_BUFFER_SIZE must be at least 1, got %d", s.WSBufferSize)
	}
	switch s.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", s.LogFormat)
	}
	if _, err := parseLogLevel(s.LogLevel); err != nil {
		return err
	}
	return nil
}

// MaxTraceSizeBytes returns the single-run payload cap in bytes.
func (s *Settings) MaxTraceSizeBytes() int {
	return s.MaxTraceSizeMB * 1024 * 1024
}

// BatchSizeLimitBytes returns the batch request body cap in bytes.
func (s *Settings) BatchSizeLimitBytes() int {
	return s.BatchSizeLimitMB * 1024 * 1024
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

// envDuration parses a Go duration string; a bare integer is taken as seconds
// (so REQUEST_TIMEOUT=30 and REQUEST_TIMEOUT=30s are equivalent).
func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
