package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the centralized collector set for the routing engine.
//
// Tracks message flow per channel, router outcomes, queue behavior, outbound
// delivery, chatbot latency and escalations. Exposed via promhttp on /metrics.
type Metrics struct {
	// MessagesTotal counts inbound messages.
	// Labels: channel, status (processed|rejected|malformed|unsupported)
	MessagesTotal *prometheus.CounterVec

	// MessageDuration measures end-to-end handling latency per message.
	// Labels: channel
	MessageDuration *prometheus.HistogramVec

	// RoutingDecisions counts router outcomes.
	// Labels: action (route_to_ai|route_to_human|escalate_to_human), department
	RoutingDecisions *prometheus.CounterVec

	// EscalationsTotal counts AI→human escalations by reason.
	EscalationsTotal *prometheus.CounterVec

	// QueueDepth is the current per-department queue length.
	QueueDepth *prometheus.GaugeVec

	// QueueWaitSeconds observes realized waits at assignment time.
	QueueWaitSeconds *prometheus.HistogramVec

	// SendsTotal counts outbound deliveries.
	// Labels: channel, status (ok|retryable_error|permanent_error)
	SendsTotal *prometheus.CounterVec

	// SendRetries counts outbound retry attempts per channel.
	SendRetries *prometheus.CounterVec

	// ChatbotDuration measures chatbot provider latency.
	// Labels: provider
	ChatbotDuration *prometheus.HistogramVec

	// ChatbotRequests counts chatbot calls.
	// Labels: provider, status (success|error)
	ChatbotRequests *prometheus.CounterVec

	// ActiveSessions is the live session-registry size.
	ActiveSessions prometheus.Gauge

	// AgentNotifications counts agent push deliveries.
	// Labels: status (delivered|dropped)
	AgentNotifications *prometheus.CounterVec

	// ErrorsTotal tracks errors by component and kind.
	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics registers all collectors with the default registry. Call once at
// process startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all collectors with reg. Tests pass a fresh
// prometheus.NewRegistry to avoid duplicate registration panics.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_messages_total",
				Help: "Inbound messages by channel and processing status",
			},
			[]string{"channel", "status"},
		),

		MessageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchboard_message_duration_seconds",
				Help:    "End-to-end inbound message handling latency",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"channel"},
		),

		RoutingDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_routing_decisions_total",
				Help: "Router outcomes by action and department",
			},
			[]string{"action", "department"},
		),

		EscalationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_escalations_total",
				Help: "AI to human escalations by reason",
			},
			[]string{"reason"},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "switchboard_queue_depth",
				Help: "Waiting conversations per department",
			},
			[]string{"department"},
		),

		QueueWaitSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchboard_queue_wait_seconds",
				Help:    "Observed queue waits at assignment",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"department"},
		),

		SendsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_sends_total",
				Help: "Outbound sends by channel and outcome",
			},
			[]string{"channel", "status"},
		),

		SendRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_send_retries_total",
				Help: "Outbound send retry attempts by channel",
			},
			[]string{"channel"},
		),

		ChatbotDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchboard_chatbot_duration_seconds",
				Help:    "Chatbot provider call latency",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),

		ChatbotRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_chatbot_requests_total",
				Help: "Chatbot provider calls by status",
			},
			[]string{"provider", "status"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "switchboard_active_sessions",
				Help: "Current size of the session registry",
			},
		),

		AgentNotifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_agent_notifications_total",
				Help: "Agent push notification outcomes",
			},
			[]string{"status"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_errors_total",
				Help: "Errors by component and kind",
			},
			[]string{"component", "kind"},
		),
	}
}
