package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracer installs an in-memory tracer provider as the global one for the
// duration of the test.
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

// captureLogs routes the default logger into a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestSessionID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{"unset", context.Background(), ""},
		{"set", WithSessionID(context.Background(), "call-42"), "call-42"},
		{"empty id leaves ctx alone", WithSessionID(context.Background(), ""), ""},
		{"inner wins", WithSessionID(WithSessionID(context.Background(), "a"), "b"), "b"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := SessionID(tc.ctx); got != tc.want {
				t.Errorf("SessionID = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestStartSpan_TagsSession(t *testing.T) {
	exp := useTracer(t)

	ctx := WithSessionID(context.Background(), "call-7")
	ctx, span := StartSpan(ctx, "detect.analyze")
	if len(CorrelationID(ctx)) != 32 {
		t.Errorf("CorrelationID = %q, want a 32-char trace id", CorrelationID(ctx))
	}
	span.End()

	_, plain := StartSpan(context.Background(), "catalog.refresh")
	plain.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if spans[0].Name != "detect.analyze" || attrs["session.id"] != "call-7" {
		t.Errorf("span %q attrs = %v", spans[0].Name, attrs)
	}
	for _, kv := range spans[1].Attributes {
		if kv.Key == "session.id" {
			t.Error("span without a session carries session.id")
		}
	}
}

func TestCorrelationID_NoSpan(t *testing.T) {
	t.Parallel()
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID = %q, want empty", got)
	}
}

func TestLogger(t *testing.T) {
	useTracer(t)
	buf := captureLogs(t)

	tests := []struct {
		name    string
		ctx     func() (context.Context, func())
		want    []string
		notWant []string
	}{
		{
			name:    "bare context",
			ctx:     func() (context.Context, func()) { return context.Background(), func() {} },
			notWant: []string{"trace_id=", "session_id="},
		},
		{
			name: "session only",
			ctx: func() (context.Context, func()) {
				return WithSessionID(context.Background(), "call-1"), func() {}
			},
			want:    []string{"session_id=call-1"},
			notWant: []string{"trace_id="},
		},
		{
			name: "session and span",
			ctx: func() (context.Context, func()) {
				ctx, span := StartSpan(WithSessionID(context.Background(), "call-2"), "detect.task")
				return ctx, func() { span.End() }
			},
			want: []string{"session_id=call-2", "trace_id=", "span_id="},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			buf.Reset()
			ctx, end := tc.ctx()
			defer end()

			Logger(ctx).Warn("detect: splitter failed")
			line := buf.String()
			for _, w := range tc.want {
				if !strings.Contains(line, w) {
					t.Errorf("log line missing %q: %s", w, line)
				}
			}
			for _, w := range tc.notWant {
				if strings.Contains(line, w) {
					t.Errorf("log line has %q: %s", w, line)
				}
			}
		})
	}
}
