package chatbot

import (
	"context"
	"time"

	"github.com/camino-travel/switchboard/internal/observability"
)

// instrumented decorates an Engine with latency and outcome telemetry so
// provider behavior is visible without touching the providers themselves.
type instrumented struct {
	inner    Engine
	provider string
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// Instrument wraps e with per-call metrics and a span, labeled by provider.
func Instrument(e Engine, provider string, m *observability.Metrics, t *observability.Tracer) Engine {
	if provider == "" {
		provider = "rules"
	}
	return &instrumented{inner: e, provider: provider, metrics: m, tracer: t}
}

func (i *instrumented) Reply(ctx context.Context, req Request) (Answer, error) {
	ctx, span := i.tracer.Start(ctx, "chatbot.reply")
	defer span.End()
	i.tracer.SetAttributes(span, "provider", i.provider, "language", req.Language)

	start := time.Now()
	ans, err := i.inner.Reply(ctx, req)
	i.metrics.ChatbotDuration.WithLabelValues(i.provider).Observe(time.Since(start).Seconds())

	if err != nil {
		i.metrics.ChatbotRequests.WithLabelValues(i.provider, "error").Inc()
		i.tracer.RecordError(span, err)
		return ans, err
	}
	i.metrics.ChatbotRequests.WithLabelValues(i.provider, "ok").Inc()
	i.tracer.SetAttributes(span, "confidence", ans.Confidence)
	return ans, nil
}
