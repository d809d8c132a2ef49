package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelKeyString(t *testing.T) {
	k := ChannelKey{Resource: "orders", Filter: "user_id=eq.42"}
	assert.Equal(t, "orders?user_id=eq.42", k.String())
	assert.Equal(t, k, ParseChannelKey(k.String()))

	bare := ChannelKey{Resource: "messages"}
	assert.Equal(t, "messages", bare.String())
	assert.Equal(t, bare, ParseChannelKey("messages"))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not json"))
	require.Error(t, err)

	_, err = Decode([]byte(`{"ref":"1"}`))
	require.Error(t, err, "missing type")
}

func TestChangeFrame(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	raw := []byte(`{"type":"change","id":"E1","resource":"orders","op":"UPDATE",` +
		`"new":{"id":1,"status":"paid"},"old":{"id":1,"status":"open"},"ts":"2026-01-02T03:04:05Z","actor":"u1"}`)

	f, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeChange, f.Type)

	ev, err := f.Event()
	require.NoError(t, err)
	assert.Equal(t, "E1", ev.ID)
	assert.Equal(t, OpUpdate, ev.Op)
	assert.Equal(t, "paid", ev.New["status"])
	assert.Equal(t, "open", ev.Old["status"])
	assert.True(t, ts.Equal(ev.Timestamp))
	assert.Equal(t, "u1", ev.ActorID)

	_, err = f.Presence()
	assert.Error(t, err, "typed accessor must check the frame type")
}

func TestChangeFrameValidation(t *testing.T) {
	for _, raw := range []string{
		`{"type":"change","resource":"orders","op":"INSERT"}`,
		`{"type":"change","id":"1","op":"INSERT"}`,
		`{"type":"change","id":"1","resource":"orders","op":"UPSERT"}`,
	} {
		f, err := Decode([]byte(raw))
		require.NoError(t, err)
		_, err = f.Event()
		assert.Error(t, err, raw)
	}
}

func TestControlFrame(t *testing.T) {
	key := ChannelKey{Resource: "orders", Filter: "user_id=eq.42"}
	f, err := Encode(NewSubscribe("r1", key, "E9"))
	require.NoError(t, err)
	assert.Equal(t, TypeSubscribe, f.Type)
	assert.Equal(t, "r1", f.Ref)

	c, err := f.Control()
	require.NoError(t, err)
	assert.Equal(t, key, c.Key())
	assert.Equal(t, "E9", c.Cursor)

	f = MustEncode(NewUnsubscribe("r2", key))
	c, err = f.Control()
	require.NoError(t, err)
	assert.Equal(t, TypeUnsubscribe, c.Type)
}

func TestPresenceFrame(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	f := MustEncode(NewPresence("orders?user_id=eq.42", "p1", "Tab A", true, now))

	p, err := f.Presence()
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ParticipantID)
	assert.Equal(t, "Tab A", p.DisplayName)
	assert.True(t, p.Typing)
	assert.False(t, p.Leave)
	assert.True(t, now.Equal(p.Timestamp))
}

func TestReplyFrame(t *testing.T) {
	r, err := MustEncode(NewReply("7", "")).Reply()
	require.NoError(t, err)
	assert.Equal(t, StatusOK, r.Status)
	assert.Empty(t, r.Cursor)

	ok := NewReply("9", "")
	ok.Cursor = "42"
	r, err = MustEncode(ok).Reply()
	require.NoError(t, err)
	assert.Equal(t, "42", r.Cursor)

	r, err = MustEncode(NewReply("8", "no such resource")).Reply()
	require.NoError(t, err)
	assert.Equal(t, StatusError, r.Status)
	assert.Equal(t, "no such resource", r.Error)
}
