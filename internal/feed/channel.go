package feed

import (
	"sort"
	"sync"

	"github.com/markb/livesync/internal/filter"
	"github.com/markb/livesync/internal/protocol"
)

// Channel is a server-side channel: the connections streaming one
// resource+filter pair and the presence they have announced on it.
type Channel struct {
	key         protocol.ChannelKey
	predicate   filter.Predicate
	mu          sync.RWMutex
	subscribers map[string]*Conn                              // connID -> Conn
	presence    map[string]map[string]*protocol.PresenceFrame // connID -> participantID -> latest
}

func newChannel(key protocol.ChannelKey, pred filter.Predicate) *Channel {
	return &Channel{
		key:         key,
		predicate:   pred,
		subscribers: make(map[string]*Conn),
		presence:    make(map[string]map[string]*protocol.PresenceFrame),
	}
}

// matches reports whether ev belongs on this channel.
func (ch *Channel) matches(ev *protocol.Event) bool {
	return ev.Resource == ch.key.Resource && ch.predicate.Match(ev.New, ev.Old)
}

func (ch *Channel) addSubscriber(c *Conn) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.subscribers[c.id] = c
}

// removeSubscriber drops the connection and returns leave frames for every
// participant it had announced.
func (ch *Channel) removeSubscriber(connID string) []*protocol.PresenceFrame {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	delete(ch.subscribers, connID)
	tracked := ch.presence[connID]
	delete(ch.presence, connID)

	leaves := make([]*protocol.PresenceFrame, 0, len(tracked))
	for _, p := range tracked {
		leave := *p
		leave.Typing = false
		leave.Leave = true
		leaves = append(leaves, &leave)
	}
	return leaves
}

func (ch *Channel) hasSubscriber(connID string) bool {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	_, ok := ch.subscribers[connID]
	return ok
}

// getSubscribers returns all subscribers (snapshot)
func (ch *Channel) getSubscribers() []*Conn {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	subs := make([]*Conn, 0, len(ch.subscribers))
	for _, c := range ch.subscribers {
		subs = append(subs, c)
	}
	return subs
}

func (ch *Channel) isEmpty() bool {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return len(ch.subscribers) == 0
}

// setPresence records the latest frame for a participant. It returns false
// when the connection is not subscribed to the channel.
func (ch *Channel) setPresence(connID string, p *protocol.PresenceFrame) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if _, ok := ch.subscribers[connID]; !ok {
		return false
	}
	if p.Leave {
		delete(ch.presence[connID], p.ParticipantID)
		return true
	}
	if ch.presence[connID] == nil {
		ch.presence[connID] = make(map[string]*protocol.PresenceFrame)
	}
	ch.presence[connID][p.ParticipantID] = p
	return true
}

// presenceExcept returns the announced presence of every other connection,
// ordered by participant id.
func (ch *Channel) presenceExcept(connID string) []*protocol.PresenceFrame {
	ch.mu.RLock()
	defer ch.mu.RUnlock()

	var out []*protocol.PresenceFrame
	for id, tracked := range ch.presence {
		if id == connID {
			continue
		}
		for _, p := range tracked {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

func (ch *Channel) presenceCount() int {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	n := 0
	for _, tracked := range ch.presence {
		n += len(tracked)
	}
	return n
}
