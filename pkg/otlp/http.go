package otlp

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"
	collectortracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/agentspy/agentspy/pkg/models"
	"github.com/agentspy/agentspy/pkg/store"
)

const (
	contentTypeProtobuf = "application/x-protobuf"
	contentTypeJSON     = "application/json"
)

// HTTPReceiver handles OTLP/HTTP trace exports. Binary protobuf is the
// primary encoding; the JSON mapping of ExportTraceServiceRequest is also
// accepted. The response mirrors the request encoding.
type HTTPReceiver struct {
	ingestor Ingestor
}

// NewHTTPReceiver creates the OTLP/HTTP receiver.
func NewHTTPReceiver(ingestor Ingestor) *HTTPReceiver {
	return &HTTPReceiver{ingestor: ingestor}
}

// Handle is the echo handler for the configured OTLP HTTP path.
func (h *HTTPReceiver) Handle(c *echo.Context) error {
	contentType := mediaType(c.Request().Header.Get("Content-Type"))
	if contentType != contentTypeProtobuf && contentType != contentTypeJSON {
		return echo.NewHTTPError(http.StatusUnsupportedMediaType,
			"content type must be application/x-protobuf or application/json")
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}

	req := &collectortracepb.ExportTraceServiceRequest{}
	if contentType == contentTypeProtobuf {
		err = proto.Unmarshal(body, req)
	} else {
		err = protojson.Unmarshal(body, req)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed export request: "+err.Error())
	}

	runs := TranslateRequest(req.GetResourceSpans(), models.SourceOTLPHTTP)

	resp := &collectortracepb.ExportTraceServiceResponse{}
	if len(runs) > 0 {
		result, err := h.ingestor.IngestBatch(c.Request().Context(), runs, nil)
		if err != nil {
			if errors.Is(err, store.ErrStorageUnavailable) {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "storage unavailable")
			}
			slog.Error("OTLP HTTP export failed", "error", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "export failed")
		}
		if len(result.Errors) > 0 {
			resp.PartialSuccess = &collectortracepb.ExportTracePartialSuccess{
				RejectedSpans: int64(len(result.Errors)),
				ErrorMessage:  result.Errors[0].Message,
			}
		}
	}

	if contentType == contentTypeJSON {
		out, err := protojson.Marshal(resp)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to encode response")
		}
		return c.Blob(http.StatusOK, contentTypeJSON, out)
	}
	out, err := proto.Marshal(resp)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to encode response")
	}
	return c.Blob(http.StatusOK, contentTypeProtobuf, out)
}

// mediaType strips parameters like "; charset=utf-8".
func mediaType(v string) string {
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(strings.ToLower(v))
}
