// Package otlp receives OpenTelemetry trace exports over gRPC and HTTP and
// canonicalizes spans into runs. Both transports share one translation and
// one sink (the run repository), differing only in wire format and source
// tag.
package otlp

import (
	"encoding/base64"
	"time"

	"github.com/google/uuid"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/agentspy/agentspy/pkg/models"
)

// runIDNamespace salts the span-id widening so run ids cannot collide with
// client-chosen UUIDs from other protocols.
var runIDNamespace = uuid.MustParse("9a7c1f52-31d4-4b26-86e3-cf0d65c7b2aa")

// serviceNameKey is the resource attribute mapped to project_name.
const serviceNameKey = "service.name"

// WidenSpanID deterministically maps an 8-byte OTLP span id to a run UUID.
// The trace id participates in the hash so equal span ids from different
// traces yield different run ids; the same span always maps to the same
// UUID, which is what makes repeated exports of one span converge on one
// row.
func WidenSpanID(traceID, spanID []byte) uuid.UUID {
	buf := make([]byte, 0, len(traceID)+len(spanID))
	buf = append(buf, traceID...)
	buf = append(buf, spanID...)
	return uuid.NewSHA1(runIDNamespace, buf)
}

// TraceUUID formats a 16-byte OTLP trace id as a UUID. Malformed lengths
// are hashed rather than rejected so a sloppy exporter still groups its
// spans consistently.
func TraceUUID(traceID []byte) uuid.UUID {
	if id, err := uuid.FromBytes(traceID); err == nil {
		return id
	}
	return uuid.NewSHA1(runIDNamespace, traceID)
}

// TranslateRequest canonicalizes every span in an export request into a
// run upsert, tagged with the receiving transport.
func TranslateRequest(resourceSpans []*tracepb.ResourceSpans, source string) []models.RunUpsert {
	var out []models.RunUpsert
	for _, rs := range resourceSpans {
		var project *string
		if rs.GetResource() != nil {
			if name, ok := attrString(rs.GetResource().GetAttributes(), serviceNameKey); ok {
				project = &name
			}
		}
		for _, ss := range rs.GetScopeSpans() {
			scope := ss.GetScope()
			for _, span := range ss.GetSpans() {
				run := spanToRun(span, scope, project, source)
				out = append(out, run)
			}
		}
	}
	return out
}

// spanToRun maps one span onto the canonical run shape.
func spanToRun(span *tracepb.Span, scope *commonpb.InstrumentationScope, project *string, source string) models.RunUpsert {
	traceID := TraceUUID(span.GetTraceId())
	name := span.GetName()
	runType := kindToRunType(span.GetKind())

	run := models.RunUpsert{
		ID:          WidenSpanID(span.GetTraceId(), span.GetSpanId()),
		TraceID:     &traceID,
		Name:        &name,
		RunType:     &runType,
		ProjectName: project,
		Source:      source,
	}

	if parent := span.GetParentSpanId(); len(parent) > 0 && !allZero(parent) {
		id := WidenSpanID(span.GetTraceId(), parent)
		run.ParentRunID = &id
	}

	if n := span.GetStartTimeUnixNano(); n > 0 {
		t := time.Unix(0, int64(n)).UTC()
		run.StartTime = &t
	}
	if n := span.GetEndTimeUnixNano(); n > 0 {
		t := time.Unix(0, int64(n)).UTC()
		run.EndTime = &t
	}

	// Status seeds the completion signals: ERROR contributes the error
	// string, OK contributes a minimal outputs marker so the derivation
	// can reach completed. UNSET leaves the run running.
	switch span.GetStatus().GetCode() {
	case tracepb.Status_STATUS_CODE_ERROR:
		msg := span.GetStatus().GetMessage()
		if msg == "" {
			msg = "error"
		}
		run.Error = &msg
	case tracepb.Status_STATUS_CODE_OK:
		run.Outputs = map[string]any{
			"otlp": map[string]any{"status_code": "OK"},
		}
	}

	otlpExtra := map[string]any{
		"attributes": attrMap(span.GetAttributes()),
		"span_kind":  span.GetKind().String(),
	}
	if scope != nil && scope.GetName() != "" {
		otlpExtra["scope"] = map[string]any{
			"name":    scope.GetName(),
			"version": scope.GetVersion(),
		}
	}
	run.Extra = map[string]any{"otlp": otlpExtra}

	if len(span.GetEvents()) > 0 {
		evts := make([]map[string]any, 0, len(span.GetEvents()))
		for _, e := range span.GetEvents() {
			evt := map[string]any{
				"name":      e.GetName(),
				"timestamp": time.Unix(0, int64(e.GetTimeUnixNano())).UTC().Format(time.RFC3339Nano),
			}
			if len(e.GetAttributes()) > 0 {
				evt["attributes"] = attrMap(e.GetAttributes())
			}
			evts = append(evts, evt)
		}
		run.Events = evts
	}

	return run
}

// kindToRunType maps OTLP span kinds onto run types.
func kindToRunType(kind tracepb.Span_SpanKind) models.RunType {
	switch kind {
	case tracepb.Span_SPAN_KIND_INTERNAL:
		return models.RunTypeInternal
	case tracepb.Span_SPAN_KIND_CLIENT:
		return models.RunTypeTool
	case tracepb.Span_SPAN_KIND_SERVER:
		return models.RunTypeChain
	case tracepb.Span_SPAN_KIND_PRODUCER:
		return models.RunTypeLLM
	case tracepb.Span_SPAN_KIND_CONSUMER:
		return models.RunTypeRetrieval
	default:
		return models.RunTypeCustom
	}
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// attrMap converts OTLP attributes to a plain JSON object, preserved
// verbatim under extra.otlp.attributes.
func attrMap(attrs []*commonpb.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[kv.GetKey()] = attrValue(kv.GetValue())
	}
	return out
}

func attrString(attrs []*commonpb.KeyValue, key string) (string, bool) {
	for _, kv := range attrs {
		if kv.GetKey() == key {
			if s, ok := attrValue(kv.GetValue()).(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

// attrValue converts one AnyValue into its JSON-friendly Go shape.
func attrValue(v *commonpb.AnyValue) any {
	switch val := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return val.StringValue
	case *commonpb.AnyValue_BoolValue:
		return val.BoolValue
	case *commonpb.AnyValue_IntValue:
		return val.IntValue
	case *commonpb.AnyValue_DoubleValue:
		return val.DoubleValue
	case *commonpb.AnyValue_ArrayValue:
		out := make([]any, 0, len(val.ArrayValue.GetValues()))
		for _, item := range val.ArrayValue.GetValues() {
			out = append(out, attrValue(item))
		}
		return out
	case *commonpb.AnyValue_KvlistValue:
		return attrMap(val.KvlistValue.GetValues())
	case *commonpb.AnyValue_BytesValue:
		return base64.StdEncoding.EncodeToString(val.BytesValue)
	default:
		return nil
	}
}
