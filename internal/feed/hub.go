package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/markb/livesync/internal/archive"
	"github.com/markb/livesync/internal/filter"
	"github.com/markb/livesync/internal/log"
	"github.com/markb/livesync/internal/metrics"
	"github.com/markb/livesync/internal/observability"
	"github.com/markb/livesync/internal/protocol"
)

var tracer = otel.Tracer("github.com/markb/livesync/internal/feed")

// Hub manages all WebSocket connections and channels
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Conn                 // connID -> Conn
	channels    map[protocol.ChannelKey]*Channel // key -> Channel

	// pubMu orders appends against subscribe replays so a subscriber sees
	// every change exactly once across the replay/live boundary.
	pubMu sync.Mutex

	store       *Store
	archive     *archive.Archive // serves cursors behind the horizon; optional
	replayBatch int
	metrics     *metrics.Metrics
}

// HubStats contains feed statistics
type HubStats struct {
	Connections    int            `json:"connections"`
	Channels       int            `json:"channels"`
	ChannelDetails []ChannelStats `json:"channel_details"`
}

// ChannelStats contains per-channel statistics
type ChannelStats struct {
	Channel     string `json:"channel"`
	Subscribers int    `json:"subscribers"`
	Presence    int    `json:"presence"`
}

// NewHub creates a new Hub
func NewHub(store *Store, replayBatch int, m *metrics.Metrics) *Hub {
	if replayBatch <= 0 {
		replayBatch = DefaultReplayBatch
	}
	return &Hub{
		connections: make(map[string]*Conn),
		channels:    make(map[protocol.ChannelKey]*Channel),
		store:       store,
		replayBatch: replayBatch,
		metrics:     m,
	}
}

// Stats returns current feed statistics, channels sorted by name.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := HubStats{
		Connections:    len(h.connections),
		Channels:       len(h.channels),
		ChannelDetails: make([]ChannelStats, 0, len(h.channels)),
	}

	for _, ch := range h.channels {
		ch.mu.RLock()
		subscribers := len(ch.subscribers)
		ch.mu.RUnlock()
		stats.ChannelDetails = append(stats.ChannelDetails, ChannelStats{
			Channel:     ch.key.String(),
			Subscribers: subscribers,
			Presence:    ch.presenceCount(),
		})
	}
	sort.Slice(stats.ChannelDetails, func(i, j int) bool {
		return stats.ChannelDetails[i].Channel < stats.ChannelDetails[j].Channel
	})

	return stats
}

// Append stores a change and fans it out to every matching channel.
func (h *Hub) Append(ctx context.Context, c Change) (protocol.Event, error) {
	ctx, span := tracer.Start(ctx, "feed.append", trace.WithAttributes(
		observability.AttrResource.String(c.Resource),
		observability.AttrOperation.String(string(c.Op)),
	))
	defer span.End()

	h.pubMu.Lock()
	defer h.pubMu.Unlock()

	ev, err := h.store.Append(ctx, c)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return protocol.Event{}, err
	}
	h.metrics.ChangeAppended(ev.Resource, string(ev.Op))

	n := h.publish(&ev)
	span.SetAttributes(observability.AttrEventID.String(ev.ID), observability.AttrDelivered.Int(n))
	log.Debug("feed: change appended", "id", ev.ID, "resource", ev.Resource, "op", ev.Op, "deliveries", n)
	return ev, nil
}

// publish sends ev to the subscribers of every matching channel, tagged with
// the channel filter. Callers hold pubMu.
func (h *Hub) publish(ev *protocol.Event) int {
	h.mu.RLock()
	matched := make([]*Channel, 0, len(h.channels))
	for _, ch := range h.channels {
		if ch.matches(ev) {
			matched = append(matched, ch)
		}
	}
	h.mu.RUnlock()

	n := 0
	for _, ch := range matched {
		tagged := *ev
		tagged.Filter = ch.key.Filter
		for _, c := range ch.getSubscribers() {
			c.Send(&tagged)
			n++
		}
	}
	return n
}

// subscribe attaches c to the channel named by ctrl. With a cursor, stored
// changes after it are sent right after the ok reply and before any live
// change. The reply carries the log head, so a subscriber that has not
// received anything yet still has a cursor to resume from.
func (h *Hub) subscribe(ctx context.Context, c *Conn, ctrl *protocol.ControlFrame) (err error) {
	ctx, span := tracer.Start(ctx, "feed.subscribe", trace.WithAttributes(
		observability.AttrResource.String(ctrl.Resource),
		observability.AttrCursor.String(ctrl.Cursor),
		observability.AttrUserRole.String(c.role),
	))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	pred, err := filter.Parse(ctrl.Filter)
	if err != nil {
		return err
	}
	key := protocol.ChannelKey{Resource: ctrl.Resource, Filter: pred.String()}
	span.SetAttributes(observability.AttrChannel.String(key.String()))

	after := int64(-1)
	if ctrl.Cursor != "" {
		if after, err = ParseCursor(ctrl.Cursor); err != nil {
			return err
		}
	}

	h.pubMu.Lock()
	defer h.pubMu.Unlock()

	var backlog []protocol.Event
	if after >= 0 {
		if backlog, err = h.replay(ctx, key, pred, after); err != nil {
			return err
		}
	}
	head, err := h.store.Head(ctx)
	if err != nil {
		return err
	}

	ch := h.getOrCreateChannel(key, pred)
	ch.addSubscriber(c)
	c.track(key)

	reply := protocol.NewReply(ctrl.Ref, "")
	reply.Cursor = strconv.FormatInt(head, 10)
	c.Send(reply)
	for _, p := range ch.presenceExcept(c.id) {
		c.Send(p)
	}
	for i := range backlog {
		c.Send(&backlog[i])
	}

	span.SetAttributes(observability.AttrReplayed.Int(len(backlog)))
	log.Debug("feed: subscribed", "conn_id", c.id, "channel", key.String(), "replayed", len(backlog))
	return nil
}

func (h *Hub) replay(ctx context.Context, key protocol.ChannelKey, pred filter.Predicate, after int64) ([]protocol.Event, error) {
	var out []protocol.Event
	keep := func(evs []protocol.Event) {
		for _, ev := range evs {
			if pred.Match(ev.New, ev.Old) {
				ev.Filter = key.Filter
				out = append(out, ev)
			}
		}
	}

	if horizon, err := h.store.Horizon(ctx); err == nil && after < horizon {
		if h.archive == nil {
			log.Warn("feed: cursor behind retention horizon, replay has a gap",
				"channel", key.String(), "cursor", after, "horizon", horizon)
		} else if archived, err := h.archive.Since(ctx, key.Resource, after, horizon); err != nil {
			log.Warn("feed: archive replay failed, replay has a gap",
				"channel", key.String(), "cursor", after, "horizon", horizon, "error", err.Error())
		} else {
			keep(archived)
			after = horizon
		}
	}

	for {
		page, err := h.store.Since(ctx, key.Resource, after, h.replayBatch)
		if err != nil {
			return nil, fmt.Errorf("replay %s: %w", key, err)
		}
		keep(page)
		if len(page) < h.replayBatch {
			return out, nil
		}
		after, _ = ParseCursor(page[len(page)-1].ID)
	}
}

// unsubscribe detaches c from a channel and announces its departure to the
// remaining members.
func (h *Hub) unsubscribe(c *Conn, key protocol.ChannelKey) error {
	if !c.untrack(key) {
		return errNotSubscribed
	}
	ch := h.getChannel(key)
	if ch == nil {
		return nil
	}
	leaves := ch.removeSubscriber(c.id)
	h.removeChannelIfEmpty(key)
	h.relay(ch, c.id, leaves...)
	return nil
}

// presence records p and relays it to the other members of its channel.
func (h *Hub) presence(c *Conn, p *protocol.PresenceFrame) {
	ch := h.getChannel(protocol.ParseChannelKey(p.Channel))
	if ch == nil || !ch.setPresence(c.id, p) {
		log.Debug("feed: presence for unsubscribed channel", "conn_id", c.id, "channel", p.Channel)
		return
	}
	h.relay(ch, c.id, p)
}

func (h *Hub) relay(ch *Channel, fromConnID string, frames ...*protocol.PresenceFrame) {
	if len(frames) == 0 {
		return
	}
	for _, sub := range ch.getSubscribers() {
		if sub.id == fromConnID {
			continue
		}
		for _, p := range frames {
			sub.Send(p)
		}
	}
}

var errNotSubscribed = errors.New("not subscribed to channel")

// registerConn adds a connection to the hub
func (h *Hub) registerConn(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[conn.id] = conn
	h.metrics.FeedConnections(1)
}

// unregisterConn removes a connection from the hub and all channels. Peers
// receive leave frames for the presence it had announced.
func (h *Hub) unregisterConn(conn *Conn) {
	type departure struct {
		ch     *Channel
		leaves []*protocol.PresenceFrame
	}
	var departures []departure

	h.mu.Lock()
	if _, ok := h.connections[conn.id]; ok {
		delete(h.connections, conn.id)
		h.metrics.FeedConnections(-1)
	}
	for key, ch := range h.channels {
		if !ch.hasSubscriber(conn.id) {
			continue
		}
		departures = append(departures, departure{ch, ch.removeSubscriber(conn.id)})
		if ch.isEmpty() {
			delete(h.channels, key)
		}
	}
	h.mu.Unlock()

	for _, d := range departures {
		h.relay(d.ch, conn.id, d.leaves...)
	}
}

// getOrCreateChannel gets or creates a channel by key
func (h *Hub) getOrCreateChannel(key protocol.ChannelKey, pred filter.Predicate) *Channel {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.channels[key]; ok {
		return ch
	}
	ch := newChannel(key, pred)
	h.channels[key] = ch
	return ch
}

// getChannel returns a channel by key, or nil if not found
func (h *Hub) getChannel(key protocol.ChannelKey) *Channel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channels[key]
}

// removeChannelIfEmpty removes a channel if it has no subscribers
func (h *Hub) removeChannelIfEmpty(key protocol.ChannelKey) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.channels[key]; ok && ch.isEmpty() {
		delete(h.channels, key)
	}
}

// closeAll disconnects every connection.
func (h *Hub) closeAll() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
}
