package metrics

import "github.com/prometheus/client_golang/prometheus"

// EventSubMetrics covers the callback pipeline and outbound EventSub API traffic.
type EventSubMetrics struct {
	Callbacks       *prometheus.CounterVec
	APIRequests     *prometheus.CounterVec
	TokenRefreshes  *prometheus.CounterVec
	EventsPublished *prometheus.CounterVec
}

func NewEventSubMetrics(reg prometheus.Registerer) *EventSubMetrics {
	m := &EventSubMetrics{
		Callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventsub",
			Name:      "callbacks_total",
			Help:      "Inbound EventSub callbacks, by message type and outcome.",
		}, []string{"message_type", "outcome"}),
		APIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventsub",
			Name:      "api_requests_total",
			Help:      "Outbound EventSub API requests, by operation and status code.",
		}, []string{"operation", "status_code"}),
		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "App access token fetches against the OAuth endpoint, by result.",
		}, []string{"result"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Stream events published to the message bus, by event type and result.",
		}, []string{"event_type", "result"}),
	}

	reg.MustRegister(m.Callbacks, m.APIRequests, m.TokenRefreshes, m.EventsPublished)
	return m
}
