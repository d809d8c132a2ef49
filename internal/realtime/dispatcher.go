package realtime

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/markb/livesync/internal/log"
	"github.com/markb/livesync/internal/metrics"
	"github.com/markb/livesync/internal/protocol"
)

// dispatcher delivers events to subscriptions, dropping ids a channel has
// already seen. The seen-sets outlive reconnects so replayed events are
// absorbed.
type dispatcher struct {
	capacity int
	seen     map[protocol.ChannelKey]*lru.Cache
	router   *NotificationRouter
	notify   func(Notification)
	metrics  *metrics.Metrics
}

func newDispatcher(capacity int, router *NotificationRouter, notify func(Notification), m *metrics.Metrics) *dispatcher {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	return &dispatcher{
		capacity: capacity,
		seen:     make(map[protocol.ChannelKey]*lru.Cache),
		router:   router,
		notify:   notify,
		metrics:  m,
	}
}

// dispatch delivers ev to every active subscription on ch in registration
// order. It reports false for a duplicate.
func (d *dispatcher) dispatch(ch *Channel, ev *protocol.Event) bool {
	if ev.ID != "" {
		if seen, _ := d.seenSet(ch.key).ContainsOrAdd(ev.ID, struct{}{}); seen {
			d.metrics.Duplicate()
			log.Debug("realtime: duplicate event dropped", "channel", ch.key.String(), "id", ev.ID)
			return false
		}
	}

	if !ev.Timestamp.IsZero() {
		if ev.Timestamp.Before(ch.highWater) {
			log.Debug("realtime: out-of-order event", "channel", ch.key.String(), "id", ev.ID,
				"ts", ev.Timestamp, "high_water", ch.highWater)
		} else {
			ch.highWater = ev.Timestamp
		}
	}
	if ev.ID != "" {
		ch.lastEventID = ev.ID
	}

	// Callbacks may unsubscribe; iterate the registration order as of now.
	subs := append([]*Subscription(nil), ch.subs...)
	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		d.invoke(sub, ev)
	}
	d.metrics.Dispatched(string(ev.Op))

	if d.router != nil && d.notify != nil {
		if n, ok := d.router.Route(ch.key, *ev); ok {
			d.notify(n)
		}
	}
	return true
}

// invoke runs one callback, converting a returned error or a panic into a
// CallbackError for that subscription only.
func (d *dispatcher) invoke(sub *Subscription, ev *protocol.Event) {
	var fn func(protocol.Event) error
	switch ev.Op {
	case protocol.OpInsert:
		fn = sub.callbacks.OnInsert
	case protocol.OpUpdate:
		fn = sub.callbacks.OnUpdate
	case protocol.OpDelete:
		fn = sub.callbacks.OnDelete
	}
	if fn == nil {
		return
	}

	cbErr := func() (cbErr *CallbackError) {
		defer func() {
			if r := recover(); r != nil {
				cbErr = &CallbackError{SubscriptionID: sub.id, EventID: ev.ID, Panic: r, Err: fmt.Errorf("panic: %v", r)}
			}
		}()
		if err := fn(*ev); err != nil {
			return &CallbackError{SubscriptionID: sub.id, EventID: ev.ID, Err: err}
		}
		return nil
	}()
	if cbErr == nil {
		return
	}

	d.metrics.CallbackError()
	log.Warn("realtime: callback failed", "subscription", sub.id, "consumer", sub.consumerID,
		"event", ev.ID, "error", cbErr.Error())
	reportError(sub, cbErr)
}

// resetHighWater clears ordering marks after a reconnect. Seen-sets stay.
func (d *dispatcher) resetHighWater(channels map[protocol.ChannelKey]*Channel) {
	for _, ch := range channels {
		ch.highWater = time.Time{}
	}
}

// forget drops the seen-set of a destroyed channel.
func (d *dispatcher) forget(key protocol.ChannelKey) {
	delete(d.seen, key)
}

func (d *dispatcher) seenSet(key protocol.ChannelKey) *lru.Cache {
	c, ok := d.seen[key]
	if !ok {
		// lru.New only fails for a non-positive size
		c, _ = lru.New(d.capacity)
		d.seen[key] = c
	}
	return c
}

// reportError hands err to the subscription's OnError, containing panics.
func reportError(sub *Subscription, err error) {
	if sub.callbacks.OnError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn("realtime: error callback panicked", "subscription", sub.id, "panic", fmt.Sprint(r))
		}
	}()
	sub.callbacks.OnError(err)
}
