// Package protocol defines the livesync wire format.
//
// Every WebSocket text message is one JSON object carrying a "type"
// discriminator. Clients send subscribe/unsubscribe control frames and
// heartbeats; servers send change frames and replies; presence frames flow
// both ways and are relayed verbatim to the other members of a channel.
package protocol

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Frame types
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeChange      = "change"
	TypePresence    = "presence"
	TypeHeartbeat   = "heartbeat"
	TypeReply       = "reply"
)

// Reply statuses
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Operation is the kind of row change carried by an Event.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Valid reports whether op is one of the three row operations.
func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ChannelKey identifies a logical channel: a resource plus an optional
// filter predicate.
type ChannelKey struct {
	Resource string
	Filter   string
}

// String renders the key as "resource" or "resource?filter". It is the
// channel name used on presence frames.
func (k ChannelKey) String() string {
	if k.Filter == "" {
		return k.Resource
	}
	return k.Resource + "?" + k.Filter
}

// ParseChannelKey is the inverse of ChannelKey.String.
func ParseChannelKey(s string) ChannelKey {
	resource, filter, _ := strings.Cut(s, "?")
	return ChannelKey{Resource: resource, Filter: filter}
}

// Frame is a raw inbound or outbound message. Only the envelope fields are
// decoded; the typed accessors decode the rest on demand.
type Frame struct {
	Type string `json:"type"`
	Ref  string `json:"ref,omitempty"`
	Data []byte `json:"-"`
}

// ControlFrame asks the server to start or stop streaming a channel.
type ControlFrame struct {
	Type     string `json:"type"`
	Ref      string `json:"ref,omitempty"`
	Resource string `json:"resource"`
	Filter   string `json:"filter,omitempty"`
	Cursor   string `json:"cursor,omitempty"` // resume after this event id
}

// Key returns the channel identity the frame refers to.
func (c ControlFrame) Key() ChannelKey {
	return ChannelKey{Resource: c.Resource, Filter: c.Filter}
}

// Event is a single row change. It is immutable once received.
type Event struct {
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Resource  string         `json:"resource"`
	Filter    string         `json:"filter,omitempty"` // set when the server routed by channel
	Op        Operation      `json:"op"`
	New       map[string]any `json:"new,omitempty"`
	Old       map[string]any `json:"old,omitempty"`
	Timestamp time.Time      `json:"ts"`
	ActorID   string         `json:"actor,omitempty"`
}

// PresenceFrame announces a participant's presence on a channel.
type PresenceFrame struct {
	Type          string    `json:"type"`
	Channel       string    `json:"channel"`
	ParticipantID string    `json:"participantId"`
	DisplayName   string    `json:"displayName"`
	Typing        bool      `json:"typing"`
	Timestamp     time.Time `json:"ts"`
	Leave         bool      `json:"leave,omitempty"`
}

// Heartbeat is the connection-level liveness check.
type Heartbeat struct {
	Type string `json:"type"`
	Ref  string `json:"ref"`
}

// Reply acknowledges a frame carrying a ref. A subscribe reply carries the
// log head at the time the channel went live, a valid resume cursor for a
// channel that has not seen an event yet.
type Reply struct {
	Type   string `json:"type"`
	Ref    string `json:"ref"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Cursor string `json:"cursor,omitempty"`
}

// NewSubscribe creates a subscribe control frame.
func NewSubscribe(ref string, key ChannelKey, cursor string) *ControlFrame {
	return &ControlFrame{
		Type:     TypeSubscribe,
		Ref:      ref,
		Resource: key.Resource,
		Filter:   key.Filter,
		Cursor:   cursor,
	}
}

// NewUnsubscribe creates an unsubscribe control frame.
func NewUnsubscribe(ref string, key ChannelKey) *ControlFrame {
	return &ControlFrame{
		Type:     TypeUnsubscribe,
		Ref:      ref,
		Resource: key.Resource,
		Filter:   key.Filter,
	}
}

// NewHeartbeat creates a heartbeat frame.
func NewHeartbeat(ref string) *Heartbeat {
	return &Heartbeat{Type: TypeHeartbeat, Ref: ref}
}

// NewReply creates a reply; an empty errMsg means success.
func NewReply(ref, errMsg string) *Reply {
	r := &Reply{Type: TypeReply, Ref: ref, Status: StatusOK}
	if errMsg != "" {
		r.Status = StatusError
		r.Error = errMsg
	}
	return r
}

// NewPresence creates a presence frame.
func NewPresence(channel, participantID, displayName string, typing bool, ts time.Time) *PresenceFrame {
	return &PresenceFrame{
		Type:          TypePresence,
		Channel:       channel,
		ParticipantID: participantID,
		DisplayName:   displayName,
		Typing:        typing,
		Timestamp:     ts,
	}
}

// Encode serializes one of the frame structs into a Frame.
func Encode(v any) (Frame, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("encode frame: %w", err)
	}
	return Decode(data)
}

// MustEncode is Encode for frames that cannot fail to marshal.
func MustEncode(v any) Frame {
	f, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return f
}

// Decode parses the envelope of a raw message.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("invalid frame format: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("invalid frame format: missing type")
	}
	f.Data = data
	return f, nil
}

// Control decodes a subscribe/unsubscribe frame.
func (f Frame) Control() (*ControlFrame, error) {
	var c ControlFrame
	if err := f.decode(&c, TypeSubscribe, TypeUnsubscribe); err != nil {
		return nil, err
	}
	if c.Resource == "" {
		return nil, fmt.Errorf("%s frame: missing resource", f.Type)
	}
	return &c, nil
}

// Event decodes a change frame.
func (f Frame) Event() (*Event, error) {
	var e Event
	if err := f.decode(&e, TypeChange); err != nil {
		return nil, err
	}
	if e.ID == "" || e.Resource == "" {
		return nil, fmt.Errorf("change frame: missing id or resource")
	}
	if !e.Op.Valid() {
		return nil, fmt.Errorf("change frame: unknown op %q", e.Op)
	}
	return &e, nil
}

// Presence decodes a presence frame.
func (f Frame) Presence() (*PresenceFrame, error) {
	var p PresenceFrame
	if err := f.decode(&p, TypePresence); err != nil {
		return nil, err
	}
	if p.Channel == "" || p.ParticipantID == "" {
		return nil, fmt.Errorf("presence frame: missing channel or participant")
	}
	return &p, nil
}

// Reply decodes a reply frame.
func (f Frame) Reply() (*Reply, error) {
	var r Reply
	if err := f.decode(&r, TypeReply); err != nil {
		return nil, err
	}
	return &r, nil
}

func (f Frame) decode(v any, types ...string) error {
	ok := false
	for _, t := range types {
		if f.Type == t {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("unexpected frame type %q", f.Type)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("decode %s frame: %w", f.Type, err)
	}
	return nil
}
