package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voxa"

// PrometheusObserver maps session events onto Prometheus collectors.
type PrometheusObserver struct {
	gatherer prometheus.Gatherer

	sessionsActive   prometheus.Gauge
	sessionDuration  *prometheus.HistogramVec
	chunksDropped    *prometheus.CounterVec
	toolCalls        *prometheus.CounterVec
	toolDuration     *prometheus.HistogramVec
	responses        *prometheus.CounterVec
	responseDuration *prometheus.HistogramVec
	responseTokens   *prometheus.CounterVec
	upstreamErrors   *prometheus.CounterVec
	invalidMessages  prometheus.Counter
	framesDropped    prometheus.Counter
}

// NewPrometheusObserver registers its collectors on a fresh registry.
func NewPrometheusObserver() *PrometheusObserver {
	reg := prometheus.NewRegistry()
	o := &PrometheusObserver{
		gatherer: reg,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live voice sessions",
		}),
		sessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of voice sessions in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{TagPath}),
		chunksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_dropped_total",
			Help:      "Inbound audio chunks dropped for exceeding the size bound",
		}, []string{TagPath}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of tool calls",
		}, []string{TagTool, TagStatus, TagExecutedBy}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Duration of locally executed tool calls in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{TagTool}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Completed assistant responses",
		}, []string{TagPath}),
		responseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_duration_seconds",
			Help:      "Time from response start to response end in seconds",
			Buckets:   []float64{.25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{TagPath}),
		responseTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_tokens_total",
			Help:      "Tokens reported by upstream providers",
		}, []string{TagPath, "type"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Errors reported by or while talking to upstream providers",
		}, []string{TagProvider, TagReason}),
		invalidMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalid_messages_total",
			Help:      "Inbound client frames rejected as malformed",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emitter_frames_dropped_total",
			Help:      "Outbound frames dropped because the send queue stayed full",
		}),
	}
	reg.MustRegister(
		o.sessionsActive,
		o.sessionDuration,
		o.chunksDropped,
		o.toolCalls,
		o.toolDuration,
		o.responses,
		o.responseDuration,
		o.responseTokens,
		o.upstreamErrors,
		o.invalidMessages,
		o.framesDropped,
	)
	return o
}

func (o *PrometheusObserver) RecordEvent(ev MetricsEvent) {
	tag := func(k string) string { return ev.Tags[k] }
	seconds := ev.Value / 1000
	switch ev.Name {
	case EventSessionStarted:
		o.sessionsActive.Inc()
	case EventSessionEnded:
		o.sessionsActive.Dec()
		o.sessionDuration.WithLabelValues(tag(TagPath)).Observe(seconds)
	case EventAudioChunkDropped:
		o.chunksDropped.WithLabelValues(tag(TagPath)).Inc()
	case EventToolCall:
		o.toolCalls.WithLabelValues(tag(TagTool), tag(TagStatus), tag(TagExecutedBy)).Inc()
		if tag(TagExecutedBy) == "local" {
			o.toolDuration.WithLabelValues(tag(TagTool)).Observe(seconds)
		}
	case EventResponseCompleted:
		o.responses.WithLabelValues(tag(TagPath)).Inc()
		o.responseDuration.WithLabelValues(tag(TagPath)).Observe(seconds)
		if n, ok := ev.Fields["input_tokens"].(int); ok && n > 0 {
			o.responseTokens.WithLabelValues(tag(TagPath), "input").Add(float64(n))
		}
		if n, ok := ev.Fields["output_tokens"].(int); ok && n > 0 {
			o.responseTokens.WithLabelValues(tag(TagPath), "output").Add(float64(n))
		}
	case EventUpstreamError:
		o.upstreamErrors.WithLabelValues(tag(TagProvider), tag(TagReason)).Inc()
	case EventInvalidMessage:
		o.invalidMessages.Inc()
	case EventEmitterDropped:
		o.framesDropped.Inc()
	}
}

// Handler serves the registry in the Prometheus text format.
func (o *PrometheusObserver) Handler() http.Handler {
	return promhttp.HandlerFor(o.gatherer, promhttp.HandlerOpts{})
}
