package realtime

import (
	"sort"
	"time"

	"github.com/juju/clock"

	"github.com/markb/livesync/internal/log"
	"github.com/markb/livesync/internal/protocol"
)

// PresenceEntry is one remote participant on a channel.
type PresenceEntry struct {
	Channel       protocol.ChannelKey
	ParticipantID string
	DisplayName   string
	IsTyping      bool
	LastHeartbeat time.Time // sender's timestamp

	receivedAt time.Time // local clock, drives expiry
	typingAt   time.Time // local clock, last frame reporting typing
}

// typingState is Idle when until is zero, otherwise TypingUntil(until).
type typingState struct {
	until time.Time
}

func (s typingState) active() bool { return !s.until.IsZero() }

type localPresence struct {
	participantID string
	displayName   string
	typing        typingState
	heartbeat     clock.Timer
	clearTimer    clock.Timer
}

type channelPresence struct {
	key    protocol.ChannelKey
	local  *localPresence
	remote map[string]*PresenceEntry
}

// presenceTracker keeps per-channel presence. It runs on the client loop;
// timers only post back to it. Nothing here reports errors to consumers.
type presenceTracker struct {
	clock    clock.Clock
	interval time.Duration // heartbeat period
	ttl      time.Duration
	quiet    time.Duration // typing auto-clear
	send     func(protocol.Frame)
	post     func(func()) bool

	channels map[protocol.ChannelKey]*channelPresence
	sweeper  clock.Timer
	dirty    bool // remote view changed since the last publish
}

func newPresenceTracker(clk clock.Clock, interval, quiet time.Duration, send func(protocol.Frame), post func(func()) bool) *presenceTracker {
	return &presenceTracker{
		clock:    clk,
		interval: interval,
		ttl:      3 * interval,
		quiet:    quiet,
		send:     send,
		post:     post,
		channels: make(map[protocol.ChannelKey]*channelPresence),
	}
}

// open creates presence state for a new channel.
func (p *presenceTracker) open(key protocol.ChannelKey) {
	if _, ok := p.channels[key]; ok {
		return
	}
	p.channels[key] = &channelPresence{key: key, remote: make(map[string]*PresenceEntry)}
	p.dirty = true
}

// close destroys a channel's presence state, announcing a leave if the
// local participant was tracked.
func (p *presenceTracker) close(key protocol.ChannelKey) {
	cp, ok := p.channels[key]
	if !ok {
		return
	}
	if cp.local != nil {
		p.leave(cp)
	}
	delete(p.channels, key)
	p.dirty = true
}

// track starts heartbeats for the local participant on key.
func (p *presenceTracker) track(key protocol.ChannelKey, participantID, displayName string) {
	cp, ok := p.channels[key]
	if !ok {
		log.Debug("realtime: presence on unknown channel", "channel", key.String())
		return
	}
	if cp.local != nil {
		stopLocal(cp.local)
	}
	local := &localPresence{participantID: participantID, displayName: displayName}
	cp.local = local
	p.broadcast(cp)
	p.beat(cp, local)
}

// untrack announces the local participant's departure from key.
func (p *presenceTracker) untrack(key protocol.ChannelKey) {
	cp, ok := p.channels[key]
	if !ok || cp.local == nil {
		return
	}
	p.leave(cp)
}

// setTyping changes the local typing state and rebroadcasts at once.
func (p *presenceTracker) setTyping(key protocol.ChannelKey, typing bool) {
	cp, ok := p.channels[key]
	if !ok || cp.local == nil {
		log.Debug("realtime: typing on untracked channel", "channel", key.String())
		return
	}
	local := cp.local

	if local.clearTimer != nil {
		local.clearTimer.Stop()
		local.clearTimer = nil
	}
	if typing {
		local.typing = typingState{until: p.clock.Now().Add(p.quiet)}
		local.clearTimer = p.clock.AfterFunc(p.quiet, func() {
			p.post(func() { p.autoClear(cp, local) })
		})
	} else {
		local.typing = typingState{}
	}
	p.broadcast(cp)
}

// autoClear ends a typing burst nobody refreshed.
func (p *presenceTracker) autoClear(cp *channelPresence, local *localPresence) {
	if cp.local != local || !local.typing.active() {
		return
	}
	if p.clock.Now().Before(local.typing.until) {
		return
	}
	local.typing = typingState{}
	local.clearTimer = nil
	p.broadcast(cp)
}

func (p *presenceTracker) beat(cp *channelPresence, local *localPresence) {
	local.heartbeat = p.clock.AfterFunc(p.interval, func() {
		p.post(func() {
			if cp.local != local {
				return
			}
			p.broadcast(cp)
			p.beat(cp, local)
		})
	})
}

func (p *presenceTracker) broadcast(cp *channelPresence) {
	local := cp.local
	f := protocol.NewPresence(cp.key.String(), local.participantID, local.displayName,
		local.typing.active(), p.clock.Now())
	p.send(protocol.MustEncode(f))
}

func (p *presenceTracker) leave(cp *channelPresence) {
	local := cp.local
	stopLocal(local)
	cp.local = nil

	f := protocol.NewPresence(cp.key.String(), local.participantID, local.displayName, false, p.clock.Now())
	f.Leave = true
	p.send(protocol.MustEncode(f))
}

func stopLocal(local *localPresence) {
	if local.heartbeat != nil {
		local.heartbeat.Stop()
	}
	if local.clearTimer != nil {
		local.clearTimer.Stop()
	}
}

// remote applies a presence frame from another participant.
func (p *presenceTracker) remote(f *protocol.PresenceFrame) {
	key := protocol.ParseChannelKey(f.Channel)
	cp, ok := p.channels[key]
	if !ok {
		return
	}
	if cp.local != nil && f.ParticipantID == cp.local.participantID {
		return
	}

	if f.Leave {
		delete(cp.remote, f.ParticipantID)
		p.dirty = true
		return
	}

	now := p.clock.Now()
	entry, ok := cp.remote[f.ParticipantID]
	if ok && f.Timestamp.Before(entry.LastHeartbeat) {
		log.Debug("realtime: stale presence ignored", "channel", f.Channel, "participant", f.ParticipantID)
		return
	}
	if !ok {
		entry = &PresenceEntry{Channel: key, ParticipantID: f.ParticipantID}
		cp.remote[f.ParticipantID] = entry
	}
	entry.DisplayName = f.DisplayName
	entry.IsTyping = f.Typing
	entry.LastHeartbeat = f.Timestamp
	entry.receivedAt = now
	if f.Typing {
		entry.typingAt = now
	}
	p.dirty = true
}

// start begins the periodic sweep.
func (p *presenceTracker) start() {
	p.sweeper = p.clock.AfterFunc(p.interval, func() {
		p.post(func() {
			p.sweep()
			if p.sweeper != nil {
				p.start()
			}
		})
	})
}

// stop cancels every timer the tracker owns.
func (p *presenceTracker) stop() {
	if p.sweeper != nil {
		p.sweeper.Stop()
		p.sweeper = nil
	}
	for _, cp := range p.channels {
		if cp.local != nil {
			stopLocal(cp.local)
		}
	}
}

// sweep prunes remote entries not heard from within the TTL.
func (p *presenceTracker) sweep() {
	now := p.clock.Now()
	for _, cp := range p.channels {
		for id, e := range cp.remote {
			if now.Sub(e.receivedAt) >= p.ttl {
				delete(cp.remote, id)
				p.dirty = true
				log.Debug("realtime: presence expired", "channel", cp.key.String(), "participant", id)
			}
		}
	}
}

// disconnected forgets every remote participant. The feed sends current
// presence with each replayed subscribe.
func (p *presenceTracker) disconnected() {
	for _, cp := range p.channels {
		if len(cp.remote) > 0 {
			clear(cp.remote)
			p.dirty = true
		}
	}
}

// rebroadcast announces every tracked local participant, used after a
// reconnect.
func (p *presenceTracker) rebroadcast() {
	for _, key := range p.keys() {
		if cp := p.channels[key]; cp.local != nil {
			p.broadcast(cp)
		}
	}
}

// view copies every channel's remote entries for publication. Readers
// filter the copy with visible.
func (p *presenceTracker) view() map[protocol.ChannelKey][]PresenceEntry {
	out := make(map[protocol.ChannelKey][]PresenceEntry, len(p.channels))
	for key, cp := range p.channels {
		entries := make([]PresenceEntry, 0, len(cp.remote))
		for _, e := range cp.remote {
			entries = append(entries, *e)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].ParticipantID < entries[j].ParticipantID })
		out[key] = entries
	}
	p.dirty = false
	return out
}

// visible drops entries past the TTL and clears typing flags nobody
// refreshed within the quiet period, as of now.
func visible(entries []PresenceEntry, now time.Time, ttl, quiet time.Duration) []PresenceEntry {
	out := make([]PresenceEntry, 0, len(entries))
	for _, e := range entries {
		if now.Sub(e.receivedAt) >= ttl {
			continue
		}
		if e.IsTyping && now.Sub(e.typingAt) >= quiet {
			e.IsTyping = false
		}
		out = append(out, e)
	}
	return out
}

func (p *presenceTracker) keys() []protocol.ChannelKey {
	set := make(map[protocol.ChannelKey]struct{}, len(p.channels))
	for k := range p.channels {
		set[k] = struct{}{}
	}
	return sortedKeys(set)
}
