package realtime

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/ratelimit"

	"github.com/markb/livesync/internal/metrics"
	"github.com/markb/livesync/internal/protocol"
)

// Notification is an event the router decided the user should hear about.
type Notification struct {
	Channel protocol.ChannelKey
	Event   protocol.Event
}

// ActorProvider reports who the local user is, so their own writes are not
// echoed back as notifications.
type ActorProvider interface {
	ActorID() string
}

// ActorFunc adapts a function to ActorProvider.
type ActorFunc func() string

// ActorID implements ActorProvider.
func (f ActorFunc) ActorID() string { return f() }

// NotificationPolicy bounds how many notifications a channel may raise.
type NotificationPolicy struct {
	Limit  int                  // notifications per window
	Window time.Duration        // refill period
	Ops    []protocol.Operation // operations that notify; INSERT when empty
}

// Suppression reasons, used as the metrics label.
const (
	reasonOwnWrite    = "own_write"
	reasonRateLimited = "rate_limited"
	reasonOp          = "operation"
)

// NotificationRouter turns dispatched events into notifications, skipping
// the local actor's writes and rate limiting per channel.
type NotificationRouter struct {
	policy  NotificationPolicy
	actors  ActorProvider
	clock   clock.Clock
	metrics *metrics.Metrics
	buckets map[protocol.ChannelKey]*ratelimit.Bucket
}

// NewNotificationRouter creates a router. actors may be nil.
func NewNotificationRouter(policy NotificationPolicy, actors ActorProvider, clk clock.Clock, m *metrics.Metrics) *NotificationRouter {
	if policy.Limit <= 0 {
		policy.Limit = 1
	}
	if policy.Window <= 0 {
		policy.Window = time.Minute
	}
	if len(policy.Ops) == 0 {
		policy.Ops = []protocol.Operation{protocol.OpInsert}
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &NotificationRouter{
		policy:  policy,
		actors:  actors,
		clock:   clk,
		metrics: m,
		buckets: make(map[protocol.ChannelKey]*ratelimit.Bucket),
	}
}

// Route decides whether ev on channel becomes a notification.
func (r *NotificationRouter) Route(channel protocol.ChannelKey, ev protocol.Event) (Notification, bool) {
	if !r.notifies(ev.Op) {
		r.metrics.Notification(reasonOp)
		return Notification{}, false
	}
	if r.actors != nil && ev.ActorID != "" && ev.ActorID == r.actors.ActorID() {
		r.metrics.Notification(reasonOwnWrite)
		return Notification{}, false
	}
	if r.bucket(channel).TakeAvailable(1) == 0 {
		r.metrics.Notification(reasonRateLimited)
		return Notification{}, false
	}
	r.metrics.Notification("")
	return Notification{Channel: channel, Event: ev}, true
}

// forget drops the bucket of a destroyed channel.
func (r *NotificationRouter) forget(key protocol.ChannelKey) {
	delete(r.buckets, key)
}

func (r *NotificationRouter) notifies(op protocol.Operation) bool {
	for _, o := range r.policy.Ops {
		if o == op {
			return true
		}
	}
	return false
}

func (r *NotificationRouter) bucket(key protocol.ChannelKey) *ratelimit.Bucket {
	b, ok := r.buckets[key]
	if !ok {
		n := int64(r.policy.Limit)
		b = ratelimit.NewBucketWithQuantumAndClock(r.policy.Window, n, n, bucketClock{r.clock})
		r.buckets[key] = b
	}
	return b
}

// bucketClock adapts clock.Clock to the ratelimit package's clock.
type bucketClock struct {
	clk clock.Clock
}

func (c bucketClock) Now() time.Time { return c.clk.Now() }

func (c bucketClock) Sleep(d time.Duration) { <-c.clk.After(d) }
