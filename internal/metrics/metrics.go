// Package metrics holds the Prometheus instruments for the realtime client
// and the change-feed server.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance on the default registry
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for livesync. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// Client metrics
	EventsDispatched    *prometheus.CounterVec
	DuplicatesDropped   prometheus.Counter
	CallbackErrors      prometheus.Counter
	NotificationsSent   prometheus.Counter
	NotificationsDenied *prometheus.CounterVec
	ReconnectAttempts   prometheus.Counter
	ConnectionState     prometheus.Gauge
	ChannelsActive      prometheus.Gauge
	ControlFramesSent   *prometheus.CounterVec

	// Feed server metrics
	FeedConnectionsActive prometheus.Gauge
	FeedChangesAppended   *prometheus.CounterVec
	FeedFramesRelayed     *prometheus.CounterVec
}

// Default returns the metrics singleton registered on the default registry.
func Default() *Metrics {
	once.Do(func() {
		instance = New(prometheus.DefaultRegisterer)
	})
	return instance
}

// New creates and registers all metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{}

	m.EventsDispatched = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_client_events_dispatched_total",
			Help: "Change events delivered to consumer callbacks",
		},
		[]string{"op"},
	)
	m.DuplicatesDropped = f.NewCounter(prometheus.CounterOpts{
		Name: "livesync_client_duplicates_dropped_total",
		Help: "Change events dropped by the dedup cache",
	})
	m.CallbackErrors = f.NewCounter(prometheus.CounterOpts{
		Name: "livesync_client_callback_errors_total",
		Help: "Consumer callbacks that returned an error or panicked",
	})
	m.NotificationsSent = f.NewCounter(prometheus.CounterOpts{
		Name: "livesync_client_notifications_sent_total",
		Help: "User-facing notifications emitted",
	})
	m.NotificationsDenied = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_client_notifications_suppressed_total",
			Help: "Notifications suppressed, by reason",
		},
		[]string{"reason"},
	)
	m.ReconnectAttempts = f.NewCounter(prometheus.CounterOpts{
		Name: "livesync_client_reconnect_attempts_total",
		Help: "Transport connect attempts after the first",
	})
	m.ConnectionState = f.NewGauge(prometheus.GaugeOpts{
		Name: "livesync_client_connection_state",
		Help: "0=disconnected 1=connecting 2=connected 3=degraded",
	})
	m.ChannelsActive = f.NewGauge(prometheus.GaugeOpts{
		Name: "livesync_client_channels_active",
		Help: "Logical channels with at least one subscription",
	})
	m.ControlFramesSent = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_client_control_frames_sent_total",
			Help: "Subscribe and unsubscribe frames sent to the feed",
		},
		[]string{"type"},
	)

	m.FeedConnectionsActive = f.NewGauge(prometheus.GaugeOpts{
		Name: "livesync_feed_connections_active",
		Help: "Open WebSocket connections on the feed server",
	})
	m.FeedChangesAppended = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_feed_changes_appended_total",
			Help: "Change rows appended to the change log",
		},
		[]string{"resource", "op"},
	)
	m.FeedFramesRelayed = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_feed_frames_relayed_total",
			Help: "Frames written to subscribers, by type",
		},
		[]string{"type"},
	)

	return m
}

// Dispatched records a delivered event.
func (m *Metrics) Dispatched(op string) {
	if m != nil {
		m.EventsDispatched.WithLabelValues(op).Inc()
	}
}

// Duplicate records a deduplicated event.
func (m *Metrics) Duplicate() {
	if m != nil {
		m.DuplicatesDropped.Inc()
	}
}

// CallbackError records a failed consumer callback.
func (m *Metrics) CallbackError() {
	if m != nil {
		m.CallbackErrors.Inc()
	}
}

// Notification records an emitted notification, or a suppressed one when
// reason is non-empty.
func (m *Metrics) Notification(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		m.NotificationsSent.Inc()
		return
	}
	m.NotificationsDenied.WithLabelValues(reason).Inc()
}

// Reconnect records a reconnect attempt.
func (m *Metrics) Reconnect() {
	if m != nil {
		m.ReconnectAttempts.Inc()
	}
}

// State records the connection state ordinal.
func (m *Metrics) State(v int) {
	if m != nil {
		m.ConnectionState.Set(float64(v))
	}
}

// Channels records the number of active channels.
func (m *Metrics) Channels(n int) {
	if m != nil {
		m.ChannelsActive.Set(float64(n))
	}
}

// ControlFrame records a subscribe or unsubscribe frame.
func (m *Metrics) ControlFrame(typ string) {
	if m != nil {
		m.ControlFramesSent.WithLabelValues(typ).Inc()
	}
}

// FeedConnections adjusts the open connection gauge by delta.
func (m *Metrics) FeedConnections(delta int) {
	if m != nil {
		m.FeedConnectionsActive.Add(float64(delta))
	}
}

// ChangeAppended records a change appended to the log.
func (m *Metrics) ChangeAppended(resource, op string) {
	if m != nil {
		m.FeedChangesAppended.WithLabelValues(resource, op).Inc()
	}
}

// FrameRelayed records a frame written to a subscriber.
func (m *Metrics) FrameRelayed(typ string) {
	if m != nil {
		m.FeedFramesRelayed.WithLabelValues(typ).Inc()
	}
}
