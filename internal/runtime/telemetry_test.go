package runtime

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-assist/internal/config"
	"go.opentelemetry.io/otel"
)

func TestSelectTraceExporter(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.TelemetryConfig
		want traceExporter
	}{
		{"none", config.TelemetryConfig{}, exportNone},
		{"stdout", config.TelemetryConfig{TraceStdout: true}, exportStdout},
		{"otlp wins", config.TelemetryConfig{OTLPEndpoint: "localhost:4317", TraceStdout: true}, exportOTLP},
		{"blank endpoint", config.TelemetryConfig{OTLPEndpoint: "  "}, exportNone},
	}
	for _, tc := range cases {
		if got := selectTraceExporter(tc.cfg); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestTelemetryWithoutExporterStillIssuesTraceIDs(t *testing.T) {
	cfg := config.Default()
	shutdown, handler, err := setupTelemetry(cfg, newLogger())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer shutdown(context.Background())

	_, span := otel.Tracer("github.com/loqalabs/loqa-assist/assistant").Start(context.Background(), "assistant.ask")
	if !span.SpanContext().TraceID().IsValid() {
		t.Fatalf("expected a valid trace id without an exporter")
	}
	span.End()

	counter, err := otel.Meter("github.com/loqalabs/loqa-assist/assistant").Int64Counter("loqa.assist.queries")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(context.Background(), 1)

	if handler == nil {
		t.Fatal("expected a metrics handler")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "loqa_assist_queries") {
		t.Fatalf("query counter not exported:\n%s", body)
	}
}
