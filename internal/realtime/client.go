// Package realtime is the client side of livesync. A Client multiplexes
// consumer subscriptions onto one change-feed connection, tracks presence on
// each channel and survives connection loss without duplicating or losing
// events.
//
// All client state is owned by one loop goroutine. Consumer calls post to
// it and return; reads are served from snapshots the loop publishes at the
// end of every tick.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/markb/livesync/internal/filter"
	"github.com/markb/livesync/internal/log"
	"github.com/markb/livesync/internal/metrics"
	"github.com/markb/livesync/internal/protocol"
)

// Defaults for Config.
const (
	DefaultHeartbeatInterval    = 25 * time.Second
	DefaultHeartbeatTimeout     = 10 * time.Second
	DefaultTypingQuietPeriod    = 3 * time.Second
	DefaultReconnectMinDelay    = 500 * time.Millisecond
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultConnectionLostAfter  = 5 * time.Second
	DefaultDedupCapacity        = 500
	DefaultMaxSubscribeFailures = 3
	DefaultMaxMissedHeartbeats  = 3
)

// Config configures a Client. Zero durations and sizes take the defaults.
type Config struct {
	Credentials Credentials

	HeartbeatInterval   time.Duration
	HeartbeatTimeout    time.Duration
	TypingQuietPeriod   time.Duration
	ReconnectMinDelay   time.Duration
	ReconnectMaxDelay   time.Duration
	ConnectionLostAfter time.Duration

	DedupCapacity        int
	MaxSubscribeFailures int

	// MaxMissedHeartbeats is how many heartbeat timeouts in a row give up
	// on the connection and reconnect. The first one only degrades it.
	MaxMissedHeartbeats int

	// Notifications enables the notification router when set; Notify
	// receives what it lets through. Actor identifies the local user.
	Notifications *NotificationPolicy
	Actor         ActorProvider
	Notify        func(Notification)

	// OnConnectionLost fires with true once the client has been out of
	// Connected for ConnectionLostAfter, and with false when it recovers.
	OnConnectionLost func(lost bool)

	// OnFatal receives the error that stopped the client.
	OnFatal func(error)

	Clock   clock.Clock
	Metrics *metrics.Metrics
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    DefaultHeartbeatInterval,
		HeartbeatTimeout:     DefaultHeartbeatTimeout,
		TypingQuietPeriod:    DefaultTypingQuietPeriod,
		ReconnectMinDelay:    DefaultReconnectMinDelay,
		ReconnectMaxDelay:    DefaultReconnectMaxDelay,
		ConnectionLostAfter:  DefaultConnectionLostAfter,
		DedupCapacity:        DefaultDedupCapacity,
		MaxSubscribeFailures: DefaultMaxSubscribeFailures,
		MaxMissedHeartbeats:  DefaultMaxMissedHeartbeats,
		Clock:                clock.WallClock,
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.TypingQuietPeriod <= 0 {
		cfg.TypingQuietPeriod = def.TypingQuietPeriod
	}
	if cfg.ReconnectMinDelay <= 0 {
		cfg.ReconnectMinDelay = def.ReconnectMinDelay
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectMinDelay {
		cfg.ReconnectMaxDelay = max(def.ReconnectMaxDelay, cfg.ReconnectMinDelay)
	}
	if cfg.ConnectionLostAfter <= 0 {
		cfg.ConnectionLostAfter = def.ConnectionLostAfter
	}
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = def.DedupCapacity
	}
	if cfg.MaxSubscribeFailures <= 0 {
		cfg.MaxSubscribeFailures = def.MaxSubscribeFailures
	}
	if cfg.MaxMissedHeartbeats <= 0 {
		cfg.MaxMissedHeartbeats = def.MaxMissedHeartbeats
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	return cfg
}

// Client is a realtime synchronization client.
type Client struct {
	cfg       Config
	transport Transport
	clock     clock.Clock
	metrics   *metrics.Metrics
	loop      *loop

	// loop-owned
	registry   *registry
	presence   *presenceTracker
	dispatcher *dispatcher
	conn       *reconnector
	gen        int // connect attempt generation
	droppedGen int // attempt whose socket died before its result arrived
	retryTimer clock.Timer
	hbTimer    clock.Timer
	hbDeadline clock.Timer
	hbPending  map[string]struct{} // unanswered heartbeat refs
	hbMissed   int                 // heartbeat timeouts since the last reply
	lostTimer  clock.Timer
	lost       bool
	fatal      error

	ctx    context.Context
	dialWG sync.WaitGroup

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	closed  atomic.Bool

	stateView    atomic.Pointer[ConnectionState]
	presenceView atomic.Pointer[map[protocol.ChannelKey][]PresenceEntry]
}

// New creates a client on transport. A nil transport uses a WSTransport.
func New(transport Transport, cfg Config) *Client {
	cfg = cfg.withDefaults()
	if transport == nil {
		transport = NewWSTransport()
	}

	c := &Client{
		cfg:       cfg,
		transport: transport,
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
		loop:      newLoop(),
		hbPending: make(map[string]struct{}),
	}

	c.registry = newRegistry(transport.Send, uuid.NewString, cfg.MaxSubscribeFailures, cfg.Metrics)
	c.presence = newPresenceTracker(cfg.Clock, cfg.HeartbeatInterval, cfg.TypingQuietPeriod, c.sendLive, c.loop.post)

	var router *NotificationRouter
	if cfg.Notifications != nil {
		router = NewNotificationRouter(*cfg.Notifications, cfg.Actor, cfg.Clock, cfg.Metrics)
	}
	c.dispatcher = newDispatcher(cfg.DedupCapacity, router, cfg.Notify, cfg.Metrics)

	c.registry.onCreate = c.presence.open
	c.registry.onDestroy = func(key protocol.ChannelKey) {
		c.presence.close(key)
		c.dispatcher.forget(key)
		if router != nil {
			router.forget(key)
		}
	}

	c.conn = newReconnector(cfg.ReconnectMinDelay, cfg.ReconnectMaxDelay)
	c.conn.onChange = c.stateChanged

	c.loop.afterTick = c.afterTick
	c.publish()
	return c
}

// Run connects and processes events until ctx is cancelled, Close is
// called, or the credentials are rejected. It returns the fatal error, if
// any.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("realtime: client already running")
	}
	c.started = true
	c.cancel = cancel
	c.mu.Unlock()

	if c.closed.Load() {
		return nil
	}

	c.ctx = ctx
	c.transport.OnFrame(func(f protocol.Frame) {
		c.loop.post(func() { c.handleFrame(f) })
	})
	c.transport.OnDisconnect(func(err error) {
		c.loop.post(func() { c.handleDrop(err) })
	})

	c.loop.post(func() {
		c.presence.start()
		c.armLostTimer()
		c.connect()
	})
	c.loop.run(ctx)

	c.dialWG.Wait()
	c.shutdown()
	if err := c.transport.Close(); err != nil {
		log.Debug("realtime: transport close", "error", err.Error())
	}
	return c.fatal
}

// Close stops the client. Calls made afterwards return ErrClosed.
func (c *Client) Close() error {
	c.closed.Store(true)
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Subscribe attaches callbacks to the channel for resource and filter. It
// returns at once; the channel is opened on the feed at the end of the
// current tick. Only a malformed filter or a closed client fails.
func (c *Client) Subscribe(resource, filterExpr, consumerID string, cb Callbacks) (SubscriptionHandle, error) {
	if resource == "" {
		return SubscriptionHandle{}, fmt.Errorf("%w: resource is required", ErrInvalidFilter)
	}
	pred, err := filter.Parse(filterExpr)
	if err != nil {
		return SubscriptionHandle{}, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	if c.closed.Load() {
		return SubscriptionHandle{}, ErrClosed
	}

	key := protocol.ChannelKey{Resource: resource, Filter: pred.String()}
	sub := &Subscription{id: uuid.NewString(), key: key, consumerID: consumerID, callbacks: cb}
	sub.active.Store(true)

	if !c.loop.post(func() { c.registry.add(sub, pred) }) {
		return SubscriptionHandle{}, ErrClosed
	}
	return SubscriptionHandle{id: sub.id, key: key, sub: sub}, nil
}

// Unsubscribe detaches a subscription. No event reaches it once Unsubscribe
// returns. Repeated calls are no-ops.
func (c *Client) Unsubscribe(h SubscriptionHandle) {
	if h.sub == nil {
		return
	}
	h.sub.active.Store(false)
	c.loop.post(func() { c.registry.remove(h.id) })
}

// TrackPresence announces the local participant on a subscribed channel
// and keeps it alive with heartbeats. An empty participantID is generated.
func (c *Client) TrackPresence(key protocol.ChannelKey, participantID, displayName string) (string, error) {
	if participantID == "" {
		participantID = uuid.NewString()
	}
	if !c.post(func() { c.presence.track(key, participantID, displayName) }) {
		return "", ErrClosed
	}
	return participantID, nil
}

// UntrackPresence announces that the local participant left the channel.
func (c *Client) UntrackPresence(key protocol.ChannelKey) error {
	if !c.post(func() { c.presence.untrack(key) }) {
		return ErrClosed
	}
	return nil
}

// SetTyping sets the local typing flag on a tracked channel. A true flag
// clears itself after the typing quiet period unless set again.
func (c *Client) SetTyping(key protocol.ChannelKey, typing bool) error {
	if !c.post(func() { c.presence.setTyping(key, typing) }) {
		return ErrClosed
	}
	return nil
}

// PresenceSnapshot lists the live remote participants on a channel, sorted
// by participant id. It never blocks and is safe inside callbacks.
func (c *Client) PresenceSnapshot(key protocol.ChannelKey) []PresenceEntry {
	view := c.presenceView.Load()
	if view == nil {
		return nil
	}
	return visible((*view)[key], c.clock.Now(), c.presence.ttl, c.presence.quiet)
}

// State returns the current connection state. It never blocks.
func (c *Client) State() ConnectionState {
	return *c.stateView.Load()
}

// Stats returns registry statistics. It waits for the loop, so it must not
// be called from a callback.
func (c *Client) Stats(ctx context.Context) (RegistryStats, error) {
	var stats RegistryStats
	err := c.loop.call(ctx, func() { stats = c.registry.stats() })
	return stats, err
}

func (c *Client) post(fn func()) bool {
	if c.closed.Load() {
		return false
	}
	return c.loop.post(fn)
}

// connect starts a dial attempt off the loop. Whatever the transport still
// holds from the previous connection is discarded first: replay resends
// everything the new connection needs.
func (c *Client) connect() {
	if !c.conn.to(Connecting, nil) {
		return
	}
	c.gen++
	gen := c.gen
	c.dialWG.Add(1)
	go func() {
		defer c.dialWG.Done()
		if err := c.transport.Close(); err != nil {
			log.Debug("realtime: transport close", "error", err.Error())
		}
		err := c.transport.Connect(c.ctx, c.cfg.Credentials)
		c.loop.post(func() { c.connectResult(gen, err) })
	}()
}

func (c *Client) connectResult(gen int, err error) {
	if gen != c.gen || c.conn.state.State != Connecting {
		return
	}
	if err == nil && c.droppedGen == gen {
		err = &NetworkError{Err: errors.New("connection lost during handshake")}
	}
	if err == nil {
		c.conn.to(Connected, nil)
		return
	}
	if IsFatal(err) {
		c.fail(err)
		return
	}
	log.Warn("realtime: connect failed", "error", err.Error(), "attempt", c.conn.state.RetryCount+1)
	c.conn.to(Disconnected, err)
	c.scheduleRetry()
}

// handleDrop reacts to the transport losing its connection.
func (c *Client) handleDrop(err error) {
	switch c.conn.state.State {
	case Connecting:
		// The connect result is still queued behind this drop.
		c.droppedGen = c.gen
		return
	case Connected, Degraded:
	default:
		return
	}
	log.Warn("realtime: connection lost", "error", err.Error())
	c.conn.to(Disconnected, err)
	c.scheduleRetry()
}

func (c *Client) scheduleRetry() {
	delay := c.conn.nextDelay()
	c.metrics.Reconnect()
	log.Info("realtime: reconnecting", "attempt", c.conn.state.RetryCount, "delay", delay)
	c.retryTimer = c.clock.AfterFunc(delay, func() {
		c.loop.post(c.connect)
	})
}

func (c *Client) fail(err error) {
	c.fatal = err
	c.conn.to(Disconnected, err)
	log.Error("realtime: fatal error, giving up", "error", err.Error())
	if c.cfg.OnFatal != nil {
		c.cfg.OnFatal(err)
	}
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	cancel()
}

// stateChanged runs the side effects of every transition.
func (c *Client) stateChanged(from, to State) {
	c.metrics.State(int(to))

	switch {
	// Degraded -> Connected is the same socket; the server still holds its
	// subscriptions, so only a new connection replays.
	case from == Connecting && to == Connected:
		c.registry.replay()
		c.dispatcher.resetHighWater(c.registry.channels)
		c.presence.rebroadcast()
		c.startHeartbeat()
		log.Info("realtime: connected", "channels", len(c.registry.channels))
	case to == Disconnected && (from == Connected || from == Degraded):
		c.stopHeartbeat()
		c.registry.disconnected()
		c.presence.disconnected()
	case to == Degraded:
		log.Warn("realtime: heartbeat unanswered, connection degraded")
	}

	if to == Connected {
		if c.lostTimer != nil {
			c.lostTimer.Stop()
			c.lostTimer = nil
		}
		if c.lost {
			c.lost = false
			c.connectionLost(false)
		}
		return
	}
	c.armLostTimer()
}

func (c *Client) armLostTimer() {
	if c.lost || c.lostTimer != nil {
		return
	}
	c.lostTimer = c.clock.AfterFunc(c.cfg.ConnectionLostAfter, func() {
		c.loop.post(func() {
			c.lostTimer = nil
			if c.lost || c.conn.state.State == Connected {
				return
			}
			c.lost = true
			c.connectionLost(true)
		})
	})
}

func (c *Client) connectionLost(lost bool) {
	if c.cfg.OnConnectionLost == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn("realtime: connection-lost callback panicked", "panic", fmt.Sprint(r))
		}
	}()
	c.cfg.OnConnectionLost(lost)
}

func (c *Client) startHeartbeat() {
	c.stopHeartbeat()
	c.scheduleHeartbeat(c.gen)
}

// scheduleHeartbeat arms the next heartbeat for connection gen. Stale
// timers from an earlier connection find a newer gen and do nothing.
func (c *Client) scheduleHeartbeat(gen int) {
	c.hbTimer = c.clock.AfterFunc(c.cfg.HeartbeatInterval, func() {
		c.loop.post(func() { c.heartbeat(gen) })
	})
}

func (c *Client) stopHeartbeat() {
	if c.hbTimer != nil {
		c.hbTimer.Stop()
		c.hbTimer = nil
	}
	if c.hbDeadline != nil {
		c.hbDeadline.Stop()
		c.hbDeadline = nil
	}
	clear(c.hbPending)
	c.hbMissed = 0
}

func (c *Client) heartbeat(gen int) {
	if s := c.conn.state.State; gen != c.gen || (s != Connected && s != Degraded) {
		return
	}
	ref := uuid.NewString()
	c.hbPending[ref] = struct{}{}
	c.transport.Send(protocol.MustEncode(protocol.NewHeartbeat(ref)))

	if c.hbDeadline == nil {
		c.hbDeadline = c.clock.AfterFunc(c.cfg.HeartbeatTimeout, func() {
			c.loop.post(func() { c.heartbeatMissed(gen) })
		})
	}
	c.scheduleHeartbeat(gen)
}

func (c *Client) heartbeatMissed(gen int) {
	if gen != c.gen {
		return
	}
	c.hbDeadline = nil
	if len(c.hbPending) == 0 {
		return
	}
	c.hbMissed++
	switch c.conn.state.State {
	case Connected:
		c.conn.to(Degraded, errors.New("heartbeat timeout"))
	case Degraded:
		if c.hbMissed < c.cfg.MaxMissedHeartbeats {
			return
		}
		log.Warn("realtime: connection unresponsive, reconnecting", "missed", c.hbMissed)
		c.conn.to(Disconnected, &NetworkError{Err: errors.New("heartbeat timeout")})
		c.scheduleRetry()
	}
}

// heartbeatReply consumes a reply to a heartbeat.
func (c *Client) heartbeatReply(r *protocol.Reply) bool {
	if _, ok := c.hbPending[r.Ref]; !ok {
		return false
	}
	clear(c.hbPending)
	c.hbMissed = 0
	if c.hbDeadline != nil {
		c.hbDeadline.Stop()
		c.hbDeadline = nil
	}
	if c.conn.state.State == Degraded {
		c.conn.to(Connected, nil)
	}
	return true
}

func (c *Client) handleFrame(f protocol.Frame) {
	switch f.Type {
	case protocol.TypeChange:
		ev, err := f.Event()
		if err != nil {
			log.Debug("realtime: bad change frame", "error", err.Error())
			return
		}
		for _, ch := range c.registry.route(ev) {
			c.dispatcher.dispatch(ch, ev)
		}

	case protocol.TypePresence:
		p, err := f.Presence()
		if err != nil {
			log.Debug("realtime: bad presence frame", "error", err.Error())
			return
		}
		c.presence.remote(p)

	case protocol.TypeReply:
		r, err := f.Reply()
		if err != nil {
			log.Debug("realtime: bad reply frame", "error", err.Error())
			return
		}
		if !c.heartbeatReply(r) && !c.registry.ack(r) {
			log.Debug("realtime: reply for unknown ref", "ref", r.Ref)
		}

	default:
		log.Debug("realtime: ignored frame", "type", f.Type)
	}
}

// sendLive sends f only while a connection is up. Presence frames are not
// worth queueing; they are rebroadcast on reconnect.
func (c *Client) sendLive(f protocol.Frame) {
	if s := c.conn.state.State; s == Connected || s == Degraded {
		c.transport.Send(f)
	}
}

// afterTick flushes coalesced control frames and publishes snapshots.
func (c *Client) afterTick() {
	if s := c.conn.state.State; s == Connected || s == Degraded {
		c.registry.flush()
	}
	c.metrics.Channels(len(c.registry.channels))
	c.publish()
}

func (c *Client) publish() {
	st := c.conn.state
	c.stateView.Store(&st)
	if c.presence.dirty || c.presenceView.Load() == nil {
		view := c.presence.view()
		c.presenceView.Store(&view)
	}
}

// shutdown stops every timer once the loop has exited.
func (c *Client) shutdown() {
	c.closed.Store(true)
	for _, t := range []clock.Timer{c.retryTimer, c.hbTimer, c.hbDeadline, c.lostTimer} {
		if t != nil {
			t.Stop()
		}
	}
	c.presence.stop()
	c.conn.state.State = Disconnected
	c.publish()
}
