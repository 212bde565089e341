package otlp

import (
	"context"
	"errors"
	"log/slog"

	collectortracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/agentspy/agentspy/pkg/models"
	"github.com/agentspy/agentspy/pkg/store"
)

// Ingestor is the repository surface the receivers dispatch into.
type Ingestor interface {
	IngestBatch(ctx context.Context, post, patch []models.RunUpsert) (*models.BatchResult, error)
}

// GRPCServer implements the OTLP TraceService on a dedicated port.
type GRPCServer struct {
	collectortracepb.UnimplementedTraceServiceServer
	ingestor Ingestor
}

// NewGRPCServer creates the trace export service.
func NewGRPCServer(ingestor Ingestor) *GRPCServer {
	return &GRPCServer{ingestor: ingestor}
}

// Register attaches the service to a gRPC server.
func (s *GRPCServer) Register(g *grpc.Server) {
	collectortracepb.RegisterTraceServiceServer(g, s)
}

// Export receives one trace export request. Repeated exports of the same
// span (running, then completed) are expected and converge via upsert.
func (s *GRPCServer) Export(ctx context.Context, req *collectortracepb.ExportTraceServiceRequest) (*collectortracepb.ExportTraceServiceResponse, error) {
	runs := TranslateRequest(req.GetResourceSpans(), models.SourceOTLPGRPC)
	if len(runs) == 0 {
		return &collectortracepb.ExportTraceServiceResponse{}, nil
	}

	result, err := s.ingestor.IngestBatch(ctx, runs, nil)
	if err != nil {
		if errors.Is(err, store.ErrStorageUnavailable) {
			return nil, status.Error(codes.Unavailable, "storage unavailable")
		}
		slog.Error("OTLP gRPC export failed", "error", err)
		return nil, status.Error(codes.Internal, "export failed")
	}

	resp := &collectortracepb.ExportTraceServiceResponse{}
	if len(result.Errors) > 0 {
		resp.PartialSuccess = &collectortracepb.ExportTracePartialSuccess{
			RejectedSpans: int64(len(result.Errors)),
			ErrorMessage:  result.Errors[0].Message,
		}
	}
	return resp, nil
}
