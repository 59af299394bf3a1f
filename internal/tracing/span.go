package tracing

import (
	"context"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/torosent/swarmfire/internal/task"
)

// StartRequestSpan starts a client span for one outgoing request.
func StartRequestSpan(ctx context.Context, tracer trace.Tracer, method, name string) (context.Context, trace.Span) {
	spanName := method + " request"
	if name != "" {
		spanName = method + " " + name
	}
	ctx, span := tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(attribute.String("http.request.method", method))
	if name != "" {
		span.SetAttributes(attribute.String("swarmfire.request.name", name))
	}
	return ctx, span
}

// EndSpan finishes a span, recording error status if applicable.
func EndSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// InjectHTTPHeaders injects W3C trace context into HTTP headers.
func InjectHTTPHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

// TaskMiddleware wraps every task execution in a span named
// "task <class>/<task>". Cancellation on user stop is not recorded as an
// error.
func TaskMiddleware(tracer trace.Tracer) task.Middleware {
	return func(class, name string, next task.Func) task.Func {
		spanName := "task " + class + "/" + name
		return func(ctx context.Context, u *task.User) (task.Signal, error) {
			ctx, span := tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindInternal))
			sig, err := next(ctx, u)
			spanErr := err
			if errors.Is(err, context.Canceled) {
				spanErr = nil
			}
			EndSpan(span, spanErr,
				attribute.String("swarmfire.user_class", class),
				attribute.String("swarmfire.task", name),
				attribute.Int("swarmfire.user_id", u.ID()),
				attribute.String("swarmfire.signal", sig.String()),
			)
			return sig, err
		}
	}
}
