package realtime

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/markb/livesync/internal/filter"
	"github.com/markb/livesync/internal/log"
	"github.com/markb/livesync/internal/metrics"
	"github.com/markb/livesync/internal/protocol"
)

// Callbacks receive a channel's events. Nil callbacks are skipped. A
// returned error is reported to OnError and never stops delivery to the
// channel's other subscriptions.
//
// Callbacks run on the client loop and must not block. They may call any
// Client method.
type Callbacks struct {
	OnInsert func(protocol.Event) error
	OnUpdate func(protocol.Event) error
	OnDelete func(protocol.Event) error
	OnError  func(error)
}

// SubscriptionHandle identifies one Subscribe call.
type SubscriptionHandle struct {
	id  string
	key protocol.ChannelKey
	sub *Subscription
}

// ID returns the subscription id.
func (h SubscriptionHandle) ID() string { return h.id }

// Channel returns the channel the subscription is attached to.
func (h SubscriptionHandle) Channel() protocol.ChannelKey { return h.key }

// Subscription is a consumer's attachment to a channel.
type Subscription struct {
	id         string
	key        protocol.ChannelKey
	consumerID string
	callbacks  Callbacks
	active     atomic.Bool // cleared by Unsubscribe before removal runs
}

// Channel is a logical stream shared by every subscription with the same
// resource and filter.
type Channel struct {
	key       protocol.ChannelKey
	predicate filter.Predicate
	subs      []*Subscription // registration order

	lastEventID string    // resume cursor
	highWater   time.Time // newest event timestamp since the last connect

	failures int  // consecutive subscribe rejections
	reported bool // failure already surfaced to OnError
}

// RegistryStats contains registry statistics.
type RegistryStats struct {
	Channels       int            `json:"channels"`
	Subscriptions  int            `json:"subscriptions"`
	ChannelDetails []ChannelStats `json:"channel_details"`
}

// ChannelStats contains per-channel statistics.
type ChannelStats struct {
	Channel       string `json:"channel"`
	Subscriptions int    `json:"subscriptions"`
	Live          bool   `json:"live"`
	LastEventID   string `json:"last_event_id,omitempty"`
}

// registry owns the channel and subscription tables and turns changes to
// them into control frames. It is only touched from the client loop.
type registry struct {
	channels map[protocol.ChannelKey]*Channel
	subs     map[string]*Subscription

	live  map[protocol.ChannelKey]bool     // subscribed at the transport level
	dirty map[protocol.ChannelKey]struct{} // changed since the last flush
	acks  map[string]protocol.ChannelKey   // pending subscribe ref -> channel

	send        func(protocol.Frame)
	newRef      func() string
	maxFailures int
	metrics     *metrics.Metrics

	onCreate  func(protocol.ChannelKey)
	onDestroy func(protocol.ChannelKey)
}

func newRegistry(send func(protocol.Frame), newRef func() string, maxFailures int, m *metrics.Metrics) *registry {
	return &registry{
		channels:    make(map[protocol.ChannelKey]*Channel),
		subs:        make(map[string]*Subscription),
		live:        make(map[protocol.ChannelKey]bool),
		dirty:       make(map[protocol.ChannelKey]struct{}),
		acks:        make(map[string]protocol.ChannelKey),
		send:        send,
		newRef:      newRef,
		maxFailures: maxFailures,
		metrics:     m,
	}
}

// add attaches sub, creating its channel on first use.
func (r *registry) add(sub *Subscription, pred filter.Predicate) {
	ch, ok := r.channels[sub.key]
	if !ok {
		ch = &Channel{key: sub.key, predicate: pred}
		r.channels[sub.key] = ch
		r.dirty[sub.key] = struct{}{}
		if r.onCreate != nil {
			r.onCreate(sub.key)
		}
		log.Debug("realtime: channel created", "channel", sub.key.String())
	}
	ch.subs = append(ch.subs, sub)
	r.subs[sub.id] = sub
}

// remove detaches a subscription. Unknown or already removed ids are a
// no-op. The channel is destroyed with its last subscription.
func (r *registry) remove(id string) bool {
	sub, ok := r.subs[id]
	if !ok {
		return false
	}
	delete(r.subs, id)
	sub.active.Store(false)

	ch := r.channels[sub.key]
	if ch == nil {
		return true
	}
	for i, s := range ch.subs {
		if s == sub {
			ch.subs = append(ch.subs[:i:i], ch.subs[i+1:]...)
			break
		}
	}

	if len(ch.subs) == 0 {
		delete(r.channels, sub.key)
		r.dirty[sub.key] = struct{}{}
		if r.onDestroy != nil {
			r.onDestroy(sub.key)
		}
		log.Debug("realtime: channel destroyed", "channel", sub.key.String())
	}
	return true
}

// flush sends the control frames that reconcile the live set with the
// channel table. Only keys touched since the last flush are considered, so
// a burst of subscribe/unsubscribe calls yields at most one frame per key.
func (r *registry) flush() {
	if len(r.dirty) == 0 {
		return
	}
	for _, key := range sortedKeys(r.dirty) {
		ch, want := r.channels[key]
		have := r.live[key]
		switch {
		case want && !have:
			r.subscribe(ch)
		case !want && have:
			delete(r.live, key)
			r.metrics.ControlFrame(protocol.TypeUnsubscribe)
			r.send(protocol.MustEncode(protocol.NewUnsubscribe(r.newRef(), key)))
		}
	}
	r.dirty = make(map[protocol.ChannelKey]struct{})
}

// replay re-sends a subscribe frame for every channel. The server keeps no
// subscriptions across connections.
func (r *registry) replay() {
	r.live = make(map[protocol.ChannelKey]bool)
	r.acks = make(map[string]protocol.ChannelKey)
	r.dirty = make(map[protocol.ChannelKey]struct{})

	keys := make(map[protocol.ChannelKey]struct{}, len(r.channels))
	for key := range r.channels {
		keys[key] = struct{}{}
	}
	for _, key := range sortedKeys(keys) {
		r.subscribe(r.channels[key])
	}
	if len(keys) > 0 {
		log.Info("realtime: replayed subscriptions", "channels", len(keys))
	}
}

// disconnected forgets transport-level state after a connection loss.
func (r *registry) disconnected() {
	r.live = make(map[protocol.ChannelKey]bool)
	r.acks = make(map[string]protocol.ChannelKey)
}

func (r *registry) subscribe(ch *Channel) {
	ref := r.newRef()
	r.live[ch.key] = true
	r.acks[ref] = ch.key
	r.metrics.ControlFrame(protocol.TypeSubscribe)
	r.send(protocol.MustEncode(protocol.NewSubscribe(ref, ch.key, ch.lastEventID)))
}

// ack applies a reply to a pending subscribe. It reports false when the
// reply is not for a subscribe frame.
func (r *registry) ack(reply *protocol.Reply) bool {
	key, ok := r.acks[reply.Ref]
	if !ok {
		return false
	}
	delete(r.acks, reply.Ref)

	ch := r.channels[key]
	if ch == nil {
		return true
	}

	if reply.Status == protocol.StatusOK {
		ch.failures = 0
		ch.reported = false
		if ch.lastEventID == "" {
			// Nothing delivered yet: resume from where the channel went live.
			ch.lastEventID = reply.Cursor
		}
		return true
	}

	// Rejected: not live. The next reconnect replay retries it.
	delete(r.live, key)
	ch.failures++
	log.Warn("realtime: subscribe rejected", "channel", key.String(), "attempt", ch.failures, "error", reply.Error)

	if ch.failures >= r.maxFailures && !ch.reported {
		ch.reported = true
		err := &SubscribeError{Channel: key, Attempts: ch.failures, Reason: reply.Error}
		for _, sub := range append([]*Subscription(nil), ch.subs...) {
			reportError(sub, err)
		}
	}
	return true
}

// route returns the channels an event belongs to. A server-tagged filter
// selects one channel; otherwise every channel on the resource whose
// predicate accepts the row.
func (r *registry) route(ev *protocol.Event) []*Channel {
	if ev.Filter != "" {
		if ch, ok := r.channels[protocol.ChannelKey{Resource: ev.Resource, Filter: ev.Filter}]; ok {
			return []*Channel{ch}
		}
		return nil
	}

	var out []*Channel
	for key, ch := range r.channels {
		if key.Resource == ev.Resource && ch.predicate.Match(ev.New, ev.Old) {
			out = append(out, ch)
		}
	}
	return out
}

// stats returns a snapshot of the tables.
func (r *registry) stats() RegistryStats {
	stats := RegistryStats{
		Channels:       len(r.channels),
		Subscriptions:  len(r.subs),
		ChannelDetails: make([]ChannelStats, 0, len(r.channels)),
	}
	for key, ch := range r.channels {
		stats.ChannelDetails = append(stats.ChannelDetails, ChannelStats{
			Channel:       key.String(),
			Subscriptions: len(ch.subs),
			Live:          r.live[key],
			LastEventID:   ch.lastEventID,
		})
	}
	sort.Slice(stats.ChannelDetails, func(i, j int) bool {
		return stats.ChannelDetails[i].Channel < stats.ChannelDetails[j].Channel
	})
	return stats
}

func sortedKeys(set map[protocol.ChannelKey]struct{}) []protocol.ChannelKey {
	keys := make([]protocol.ChannelKey, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
