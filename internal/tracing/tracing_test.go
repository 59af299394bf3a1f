package tracing_test

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/torosent/swarmfire/internal/config"
	"github.com/torosent/swarmfire/internal/task"
	"github.com/torosent/swarmfire/internal/tracing"
)

func setupTestTracer(t *testing.T) (*tracetest.InMemoryExporter, trace.Tracer) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter, tp.Tracer("test")
}

func TestInit(t *testing.T) {
	tests := []struct {
		name          string
		cfg           config.TracingConfig
		wantErr       bool
		wantPropagate bool
	}{
		{name: "no endpoint", cfg: config.TracingConfig{Propagate: true}},
		{
			name:          "grpc",
			cfg:           config.TracingConfig{Endpoint: "localhost:4317", ServiceName: "checkout", SampleRate: 1, Insecure: true, Propagate: true},
			wantPropagate: true,
		},
		{
			name:          "http",
			cfg:           config.TracingConfig{Endpoint: "localhost:4318", Protocol: "HTTP", SampleRate: 0.5, Insecure: true, Propagate: true},
			wantPropagate: true,
		},
		{name: "propagation off", cfg: config.TracingConfig{Endpoint: "localhost:4317", Insecure: true}},
		{name: "unknown protocol", cfg: config.TracingConfig{Endpoint: "localhost:4317", Protocol: "thrift"}, wantErr: true},
		{name: "rate below zero", cfg: config.TracingConfig{Endpoint: "localhost:4317", SampleRate: -0.5}, wantErr: true},
		{name: "rate above one", cfg: config.TracingConfig{Endpoint: "localhost:4317", SampleRate: 1.5}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
			p, err := tracing.Init(context.Background(), tt.cfg, tracing.Node{ID: "w1", Role: tracing.RoleWorker})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Init() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
			if p.ShouldPropagate() != tt.wantPropagate {
				t.Errorf("ShouldPropagate() = %v, want %v", p.ShouldPropagate(), tt.wantPropagate)
			}
			_, span := p.Tracer().Start(context.Background(), "task")
			span.End()
		})
	}
}

func TestNodeAttributes(t *testing.T) {
	tests := []struct {
		name string
		node tracing.Node
		want map[attribute.Key]string
	}{
		{
			name: "worker",
			node: tracing.Node{ID: "host_01j", Role: tracing.RoleWorker},
			want: map[attribute.Key]string{"swarmfire.role": "worker", "service.instance.id": "host_01j"},
		},
		{
			name: "unnamed process runs locally",
			node: tracing.Node{},
			want: map[attribute.Key]string{"swarmfire.role": "local"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := map[attribute.Key]string{}
			for _, kv := range tt.node.Attributes() {
				got[kv.Key] = kv.Value.AsString()
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Attributes() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		rate    float64
		want    string
		wantErr bool
	}{
		{rate: 0, want: "AlwaysOffSampler"},
		{rate: 1, want: "AlwaysOnSampler"},
		{rate: 0.25, want: "TraceIDRatioBased{0.25}"},
		{rate: 2, wantErr: true},
	}
	for _, tt := range tests {
		s, err := tracing.Sampler(tt.rate)
		if (err != nil) != tt.wantErr {
			t.Fatalf("Sampler(%g) error = %v", tt.rate, err)
		}
		if err == nil && s.Description() != tt.want {
			t.Errorf("Sampler(%g) = %s, want %s", tt.rate, s.Description(), tt.want)
		}
	}
}

func TestNilProviderSafety(t *testing.T) {
	var p *tracing.Provider
	if p.ShouldPropagate() {
		t.Error("nil provider ShouldPropagate() = true, want false")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("nil provider Shutdown() error = %v", err)
	}
	_, span := p.Tracer().Start(context.Background(), "test")
	span.End()
}

func TestStartRequestSpan(t *testing.T) {
	exporter, tracer := setupTestTracer(t)

	tests := []struct {
		name         string
		method       string
		reqName      string
		wantSpanName string
	}{
		{"named request", "GET", "/items", "GET /items"},
		{"unnamed request", "POST", "", "POST request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exporter.Reset()

			_, span := tracing.StartRequestSpan(context.Background(), tracer, tt.method, tt.reqName)
			span.End()

			spans := exporter.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("got %d spans, want 1", len(spans))
			}
			if got := spans[0].Name; got != tt.wantSpanName {
				t.Errorf("span name = %q, want %q", got, tt.wantSpanName)
			}
			if spans[0].SpanKind != trace.SpanKindClient {
				t.Errorf("span kind = %v, want client", spans[0].SpanKind)
			}

			foundMethod := false
			for _, attr := range spans[0].Attributes {
				if string(attr.Key) == "http.request.method" && attr.Value.AsString() == tt.method {
					foundMethod = true
				}
			}
			if !foundMethod {
				t.Errorf("http.request.method attribute not found or incorrect")
			}
		})
	}
}

func TestEndSpanRecordsError(t *testing.T) {
	exporter, tracer := setupTestTracer(t)

	_, span := tracer.Start(context.Background(), "test-error")
	tracing.EndSpan(span, context.DeadlineExceeded)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("span status code = %d, want %d (Error)", spans[0].Status.Code, codes.Error)
	}
}

func TestEndSpanOk(t *testing.T) {
	exporter, tracer := setupTestTracer(t)

	_, span := tracer.Start(context.Background(), "test-ok")
	tracing.EndSpan(span, nil)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Ok {
		t.Errorf("span status code = %d, want %d (Ok)", spans[0].Status.Code, codes.Ok)
	}
}

func TestInjectHTTPHeaders(t *testing.T) {
	_, tracer := setupTestTracer(t)

	ctx, span := tracer.Start(context.Background(), "test-inject")
	defer span.End()

	headers := make(http.Header)
	tracing.InjectHTTPHeaders(ctx, headers)

	got := headers.Get("Traceparent")
	if got == "" {
		t.Error("traceparent header not injected")
	}
	// traceparent format: version-traceid-spanid-flags (e.g., 00-abc123...-def456...-01)
	if len(got) < 55 {
		t.Errorf("traceparent header too short: %q", got)
	}
}

func TestInjectHTTPHeadersNoSpan(t *testing.T) {
	// Without a span in context, injection should not panic and not set traceparent
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
	))
	headers := make(http.Header)
	tracing.InjectHTTPHeaders(context.Background(), headers)

	got := headers.Get("Traceparent")
	if got != "" {
		t.Errorf("traceparent header should be empty without span, got %q", got)
	}
}

func TestTaskMiddleware(t *testing.T) {
	exporter, tracer := setupTestTracer(t)
	mw := tracing.TaskMiddleware(tracer)

	boom := errors.New("boom")
	tests := []struct {
		name     string
		err      error
		wantCode codes.Code
	}{
		{"success", nil, codes.Ok},
		{"failure", boom, codes.Error},
		{"cancelled", context.Canceled, codes.Ok},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exporter.Reset()

			var sawSpan bool
			body := func(ctx context.Context, u *task.User) (task.Signal, error) {
				sawSpan = trace.SpanContextFromContext(ctx).IsValid()
				return task.Continue, tt.err
			}
			wrapped := mw("shopper", "checkout", body)
			u := task.NewUser(task.NewUserClass("shopper"), task.UserOptions{})
			if _, err := wrapped(context.Background(), u); !errors.Is(err, tt.err) {
				t.Fatalf("error = %v, want %v", err, tt.err)
			}
			if !sawSpan {
				t.Error("task body did not see the span context")
			}

			spans := exporter.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("got %d spans, want 1", len(spans))
			}
			if spans[0].Name != "task shopper/checkout" {
				t.Errorf("span name = %q", spans[0].Name)
			}
			if spans[0].Status.Code != tt.wantCode {
				t.Errorf("status = %v, want %v", spans[0].Status.Code, tt.wantCode)
			}
		})
	}
}
