package internal

import (
	"context"
	"errors"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
)

type datadogLogger struct {
	logger zerolog.Logger
}

func (dl datadogLogger) Log(msg string) {
	dl.logger.Info().Str("component", "datadog").Msg(strings.TrimSpace(msg))
}

// traceLogger enriches the request logger with the review session of the route and, when tracing is enabled, the
// Datadog trace and span ids.
func traceLogger(enabled bool) func(context.Context, zerolog.Logger) (zerolog.Logger, error) {
	return func(ctx context.Context, logger zerolog.Logger) (zerolog.Logger, error) {
		if sessionID := chi.URLParamFromCtx(ctx, "id"); sessionID != "" {
			logger = logger.With().Str("sessionID", sessionID).Logger()
		}
		if !enabled {
			return logger, nil
		}

		span, ok := tracer.SpanFromContext(ctx)
		if !ok {
			return logger, errors.New("could not find a span inside the context")
		}

		traceLogger := logger.With().Fields(map[string]interface{}{
			"dd": map[string]uint64{
				"trace_id": span.Context().TraceID(),
				"span_id":  span.Context().SpanID(),
			},
		}).Logger()
		return traceLogger, nil
	}
}
