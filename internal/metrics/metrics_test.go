package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestDefaultSingleton(t *testing.T) {
	m := Default()
	assert.NotNil(t, m, "Metrics should not be nil")
	assert.Same(t, m, Default(), "Default should return the same instance")
}

func TestNewRegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Dispatched("INSERT")
	m.Dispatched("INSERT")
	m.Duplicate()
	m.ControlFrame("subscribe")
	m.State(2)
	m.Channels(3)
	m.ChangeAppended("orders", "UPDATE")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsDispatched.WithLabelValues("INSERT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DuplicatesDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ControlFramesSent.WithLabelValues("subscribe")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConnectionState))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ChannelsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FeedChangesAppended.WithLabelValues("orders", "UPDATE")))

	families, err := reg.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNotificationReasons(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Notification("")
	m.Notification("own_write")
	m.Notification("rate_limited")
	m.Notification("rate_limited")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsDenied.WithLabelValues("own_write")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.NotificationsDenied.WithLabelValues("rate_limited")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Dispatched("INSERT")
		m.Duplicate()
		m.CallbackError()
		m.Notification("")
		m.Reconnect()
		m.State(1)
		m.Channels(1)
		m.ControlFrame("unsubscribe")
		m.FeedConnections(1)
		m.ChangeAppended("orders", "INSERT")
		m.FrameRelayed("change")
	})
}
