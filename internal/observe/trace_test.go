package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracer installs an in-memory tracer provider as the global one.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs routes the default logger into a buffer at debug level.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func logLine(buf *bytes.Buffer, msg string) string {
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, "msg=\""+msg+"\"") || strings.Contains(line, "msg="+msg) {
			return line
		}
	}
	return ""
}

func TestStartSpan_UsesHushlineTracer(t *testing.T) {
	exp := useTracer(t)

	ctx, span := StartSpan(context.Background(), "relay.session")
	if CorrelationID(ctx) == "" {
		t.Error("span context carries no trace ID")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if got := spans[0].InstrumentationScope.Name; got != tracerName {
		t.Errorf("scope = %q, want %q", got, tracerName)
	}
}

func TestCorrelationID_EmptyWithoutSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID = %q, want empty", got)
	}
}

func TestLogger_CarriesRequestSpan(t *testing.T) {
	exp := useTracer(t)
	buf := captureLogs(t)
	m, _ := newTestMetrics(t)

	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Logger(r.Context()).Info("writing speaking snapshot")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/speaking", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	sc := spans[0].SpanContext
	line := logLine(buf, "writing speaking snapshot")
	if line == "" {
		t.Fatalf("handler log missing:\n%s", buf)
	}
	if !strings.Contains(line, "trace_id="+sc.TraceID().String()) {
		t.Errorf("handler log lacks the request trace: %s", line)
	}
	if !strings.Contains(line, "span_id="+sc.SpanID().String()) {
		t.Errorf("handler log lacks the request span: %s", line)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != sc.TraceID().String() {
		t.Errorf("X-Correlation-ID = %q, want %q", got, sc.TraceID())
	}
}

func TestMiddleware_CompletionLogCarriesTrace(t *testing.T) {
	exp := useTracer(t)
	buf := captureLogs(t)
	m, _ := newTestMetrics(t)

	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/speaking", nil))

	line := logLine(buf, "request completed")
	if line == "" {
		t.Fatalf("completion log missing:\n%s", buf)
	}
	traceID := exp.GetSpans()[0].SpanContext.TraceID().String()
	for _, want := range []string{"trace_id=" + traceID, "path=/speaking", "status=418", "level=INFO"} {
		if !strings.Contains(line, want) {
			t.Errorf("completion log lacks %s: %s", want, line)
		}
	}
}

func TestMiddleware_HealthRequestsLogAtDebug(t *testing.T) {
	useTracer(t)
	buf := captureLogs(t)
	m, _ := newTestMetrics(t)

	h := Middleware(m)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/readyz", nil))

	if line := logLine(buf, "request completed"); !strings.Contains(line, "level=DEBUG") {
		t.Errorf("readiness request logged as %q, want debug", line)
	}
}

func TestLogger_NoSpan(t *testing.T) {
	buf := captureLogs(t)
	Logger(context.Background()).Info("speaking state withdrawn")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log without a span carries trace_id: %s", buf)
	}
}
