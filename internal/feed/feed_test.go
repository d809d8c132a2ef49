package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/markb/livesync/internal/archive"
	"github.com/markb/livesync/internal/metrics"
	"github.com/markb/livesync/internal/protocol"
)

const testSecret = "test-secret-key-min-32-characters"

func mintKey(t *testing.T, secret, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"role": role,
		"iss":  "livesync",
		"iat":  time.Now().Unix(),
	})
	key, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return key
}

type feedServer struct {
	*httptest.Server
	svc     *Service
	metrics *metrics.Metrics
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	store, _ := newTestStore(t)
	m := metrics.New(prometheus.NewRegistry())
	cfg := DefaultConfig()
	cfg.JWTSecret = testSecret
	cfg.AnonKey = "anon"
	cfg.ServiceKey = "service"
	svc := NewService(store, cfg, m)

	mux := http.NewServeMux()
	mux.HandleFunc("/realtime/v1/websocket", svc.HandleWebSocket)
	mux.HandleFunc("/realtime/v1/changes", svc.HandleChanges)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		svc.Close()
		srv.Close()
	})
	return &feedServer{Server: srv, svc: svc, metrics: m}
}

func (s *feedServer) dial(t *testing.T, key string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/realtime/v1/websocket?apikey=" + key
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func write(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, protocol.MustEncode(v).Data))
}

func read(t *testing.T, ws *websocket.Conn) protocol.Frame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	f, err := protocol.Decode(data)
	require.NoError(t, err)
	return f
}

func readReply(t *testing.T, ws *websocket.Conn) *protocol.Reply {
	t.Helper()
	r, err := read(t, ws).Reply()
	require.NoError(t, err)
	return r
}

func TestAuthorize(t *testing.T) {
	svc := NewService(nil, Config{JWTSecret: testSecret, AnonKey: "anon", ServiceKey: "service"}, nil)

	tests := []struct {
		name string
		key  string
		role string
		ok   bool
	}{
		{"anon key", "anon", RoleAnon, true},
		{"service key", "service", RoleService, true},
		{"empty", "", "", false},
		{"unknown", "nope", "", false},
		{"anon jwt", mintKey(t, testSecret, RoleAnon), RoleAnon, true},
		{"service jwt", mintKey(t, testSecret, RoleService), RoleService, true},
		{"user jwt", mintKey(t, testSecret, "authenticated"), "", false},
		{"wrong secret", mintKey(t, "another-secret-another-secret-xx", RoleAnon), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			role, ok := svc.Authorize(tt.key)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.role, role)
		})
	}
}

func TestWebSocketRejectsBadKey(t *testing.T) {
	srv := newFeedServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/realtime/v1/websocket?apikey=bad"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketSubscribeAndStream(t *testing.T) {
	srv := newFeedServer(t)
	ws := srv.dial(t, mintKey(t, testSecret, RoleAnon))
	key := protocol.ChannelKey{Resource: "messages", Filter: "room_id=eq.1"}

	write(t, ws, protocol.NewHeartbeat("hb"))
	r := readReply(t, ws)
	assert.Equal(t, "hb", r.Ref)
	assert.Equal(t, protocol.StatusOK, r.Status)

	write(t, ws, protocol.NewSubscribe("s1", key, ""))
	r = readReply(t, ws)
	assert.Equal(t, "s1", r.Ref)
	assert.Equal(t, protocol.StatusOK, r.Status)

	ctx := context.Background()
	_, err := srv.svc.Append(ctx, insert("messages", map[string]any{"room_id": 2}))
	require.NoError(t, err)
	_, err = srv.svc.Append(ctx, insert("messages", map[string]any{"room_id": 1, "body": "hi"}))
	require.NoError(t, err)

	ev, err := read(t, ws).Event()
	require.NoError(t, err)
	assert.Equal(t, "2", ev.ID)
	assert.Equal(t, key.Filter, ev.Filter)
	assert.Equal(t, "hi", ev.New["body"])

	write(t, ws, protocol.NewUnsubscribe("u1", key))
	assert.Equal(t, protocol.StatusOK, readReply(t, ws).Status)
	write(t, ws, protocol.NewUnsubscribe("u2", key))
	assert.Equal(t, protocol.StatusError, readReply(t, ws).Status)

	assert.Equal(t, float64(2), testutil.ToFloat64(srv.metrics.FeedChangesAppended.WithLabelValues("messages", "INSERT")))
	assert.Equal(t, float64(1), testutil.ToFloat64(srv.metrics.FeedFramesRelayed.WithLabelValues(protocol.TypeChange)))
}

func TestWebSocketSubscribeErrors(t *testing.T) {
	srv := newFeedServer(t)
	ws := srv.dial(t, "anon")

	write(t, ws, protocol.NewSubscribe("bad-filter", protocol.ChannelKey{Resource: "m", Filter: "x=like.y"}, ""))
	r := readReply(t, ws)
	assert.Equal(t, protocol.StatusError, r.Status)
	assert.Contains(t, r.Error, "invalid filter")

	write(t, ws, protocol.NewSubscribe("bad-cursor", protocol.ChannelKey{Resource: "m"}, "E9"))
	r = readReply(t, ws)
	assert.Equal(t, protocol.StatusError, r.Status)
	assert.Contains(t, r.Error, "invalid cursor")
}

func TestWebSocketResumeFromCursor(t *testing.T) {
	srv := newFeedServer(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := srv.svc.Append(ctx, insert("tasks", map[string]any{"n": i}))
		require.NoError(t, err)
	}

	ws := srv.dial(t, "anon")
	write(t, ws, protocol.NewSubscribe("s", protocol.ChannelKey{Resource: "tasks"}, "1"))
	assert.Equal(t, protocol.StatusOK, readReply(t, ws).Status)

	for _, want := range []string{"2", "3"} {
		ev, err := read(t, ws).Event()
		require.NoError(t, err)
		assert.Equal(t, want, ev.ID)
	}
}

func TestWebSocketPresenceLeaveOnDisconnect(t *testing.T) {
	srv := newFeedServer(t)
	key := protocol.ChannelKey{Resource: "messages"}

	a := srv.dial(t, "anon")
	b := srv.dial(t, "anon")
	for _, ws := range []*websocket.Conn{a, b} {
		write(t, ws, protocol.NewSubscribe("s", key, ""))
		require.Equal(t, protocol.StatusOK, readReply(t, ws).Status)
	}

	write(t, b, protocol.NewPresence(key.String(), "bob", "Bob", true, epoch))
	p, err := read(t, a).Presence()
	require.NoError(t, err)
	assert.Equal(t, "bob", p.ParticipantID)
	assert.True(t, p.Typing)

	b.Close()
	p, err = read(t, a).Presence()
	require.NoError(t, err)
	assert.True(t, p.Leave)
	assert.Equal(t, "bob", p.ParticipantID)
}

func TestHandleChanges(t *testing.T) {
	srv := newFeedServer(t)

	post := func(key, body string) *http.Response {
		req, err := http.NewRequest("POST", srv.URL+"/realtime/v1/changes", strings.NewReader(body))
		require.NoError(t, err)
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	valid := `{"resource":"messages","op":"INSERT","new":{"id":1}}`
	assert.Equal(t, http.StatusUnauthorized, post("", valid).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, post("anon", valid).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post("service", `{`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post("service", `{"resource":"m","op":"MERGE"}`).StatusCode)
	assert.Equal(t, http.StatusCreated, post("service", valid).StatusCode)
	assert.Equal(t, http.StatusCreated, post(mintKey(t, testSecret, RoleService), valid).StatusCode)
}

func TestRunRetention(t *testing.T) {
	store, clk := newTestStore(t)
	cfg := DefaultConfig()
	cfg.Retain = 2
	cfg.PruneInterval = time.Minute
	svc := NewService(store, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.RunRetention(ctx)
		close(done)
	}()

	for i := 0; i < 5; i++ {
		_, err := svc.Append(ctx, insert("tasks", map[string]any{"n": i}))
		require.NoError(t, err)
	}

	require.NoError(t, clk.WaitAdvance(time.Minute, time.Second, 1))
	require.Eventually(t, func() bool {
		h, err := store.Horizon(context.Background())
		return err == nil && h == 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestResumeBehindHorizon(t *testing.T) {
	for _, withArchive := range []bool{false, true} {
		name := "without archive"
		if withArchive {
			name = "with archive"
		}
		t.Run(name, func(t *testing.T) {
			srv := newFeedServer(t)
			srv.svc.cfg.Retain = 2
			if withArchive {
				a, err := archive.Open(context.Background(), archive.Config{Kind: "local", Dir: t.TempDir()})
				require.NoError(t, err)
				srv.svc.SetArchive(a)
			}

			ctx := context.Background()
			for i := 0; i < 5; i++ {
				resource := "tasks"
				if i == 2 {
					resource = "messages"
				}
				_, err := srv.svc.Append(ctx, insert(resource, map[string]any{"n": i}))
				require.NoError(t, err)
			}
			n, err := srv.svc.Prune(ctx)
			require.NoError(t, err)
			require.Equal(t, int64(3), n)

			ws := srv.dial(t, "anon")
			write(t, ws, protocol.NewSubscribe("s", protocol.ChannelKey{Resource: "tasks"}, "1"))
			require.Equal(t, protocol.StatusOK, readReply(t, ws).Status)

			want := []string{"4", "5"}
			if withArchive {
				want = []string{"2", "4", "5"}
			}
			for _, id := range want {
				ev, err := read(t, ws).Event()
				require.NoError(t, err)
				assert.Equal(t, id, ev.ID)
				assert.Equal(t, "tasks", ev.Resource)
			}
		})
	}
}

func TestRunRetentionDisabled(t *testing.T) {
	store, _ := newTestStore(t)
	done := make(chan struct{})
	go func() {
		NewService(store, DefaultConfig(), nil).RunRetention(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("retention loop ran with Retain=0")
	}
}

// TestHubSpans installs the global tracer provider; no other test in the
// package does.
func TestHubSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { tp.Shutdown(context.Background()) })

	srv := newFeedServer(t)
	ws := srv.dial(t, "anon")
	write(t, ws, protocol.NewSubscribe("s", protocol.ChannelKey{Resource: "tasks"}, "0"))
	require.Equal(t, protocol.StatusOK, readReply(t, ws).Status)

	_, err := srv.svc.Append(context.Background(), insert("tasks", map[string]any{"n": 1}))
	require.NoError(t, err)
	_, err = read(t, ws).Event()
	require.NoError(t, err)

	names := map[string]sdktrace.ReadOnlySpan{}
	require.Eventually(t, func() bool {
		for _, s := range rec.Ended() {
			names[s.Name()] = s
		}
		return names["feed.subscribe"] != nil && names["feed.append"] != nil
	}, 2*time.Second, 10*time.Millisecond)

	attrs := map[string]string{}
	for _, kv := range names["feed.append"].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "tasks", attrs["livesync.resource"])
	assert.Equal(t, "1", attrs["livesync.event_id"])
	assert.Equal(t, "1", attrs["livesync.delivered"])
}
