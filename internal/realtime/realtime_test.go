package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-emotion/sessiond/internal/events"
	"github.com/aura-emotion/sessiond/internal/models"
	"github.com/aura-emotion/sessiond/internal/sessions"
	"github.com/aura-emotion/sessiond/internal/store"
)

const goodToken = "good"

func allowGood(token, _ string) error {
	if token != goodToken {
		return errors.New("bad token")
	}
	return nil
}

type testEnv struct {
	reg    *sessions.Registry
	hub    *Hub
	router *gin.Engine
	server *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bus := events.NewBus(64, nil)
	reg := sessions.NewRegistry(store.New(client, nil), sessions.Config{
		WorkerID:        "w1",
		SessionTimeout:  time.Hour,
		GraceTTL:        time.Minute,
		MaxParticipants: 4,
		OpTimeout:       2 * time.Second,
	}, nil, sessions.WithPublisher(bus))

	hub := NewHub(nil)
	hub.Start(bus)
	t.Cleanup(hub.Stop)

	r := gin.New()
	r.GET("/ws", ServeWs(hub, reg, allowGood, nil, zap.NewNop()))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	_, err := reg.CreateSession(ctx, sessions.CreateParams{SessionID: "s1"})
	require.NoError(t, err)
	_, err = reg.JoinSession(ctx, "s1", "p1", nil)
	require.NoError(t, err)

	return &testEnv{reg: reg, hub: hub, router: r, server: srv}
}

func (e *testEnv) dial(t *testing.T, sid, pid string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws?session_id=" + sid + "&participant_id=" + pid + "&token=" + goodToken
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return e.hub.Connections(sid) == 1 }, time.Second, 5*time.Millisecond)
	return conn
}

// readUntil reads messages until one with the given event arrives.
func readUntil(t *testing.T, conn *websocket.Conn, event string) WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg WSMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Event == event {
			return msg
		}
	}
}

func TestServeWs_RejectsBeforeUpgrade(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name  string
		query string
		code  int
	}{
		{"missing params", "session_id=s1&token=good", http.StatusBadRequest},
		{"bad token", "session_id=s1&participant_id=p1&token=nope", http.StatusUnauthorized},
		{"unknown participant", "session_id=s1&participant_id=ghost&token=good", http.StatusNotFound},
		{"wrong session", "session_id=s2&participant_id=p1&token=good", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws?"+tt.query, nil))
			assert.Equal(t, tt.code, w.Code)
		})
	}
}

func TestServeWs_HealthReportIsAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "s1", "p1")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":"health_report","data":{"latency":40,"packet_loss":0.001}}`)))
	ack := readUntil(t, conn, eventHealth)
	assert.Contains(t, string(ack.Data), `"excellent"`)

	p, err := env.reg.GetParticipant(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, models.ParticipantConnected, p.Status)
}

func TestServeWs_InvalidReportGetsError(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "s1", "p1")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":"health_report","data":{"latency":-5}}`)))
	msg := readUntil(t, conn, eventError)
	assert.Contains(t, string(msg.Data), "invalid")
}

func TestServeWs_DeliversSessionEvents(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "s1", "p1")

	_, err := env.reg.JoinSession(context.Background(), "s1", "p2", nil)
	require.NoError(t, err)

	msg := readUntil(t, conn, string(events.ParticipantJoined))
	assert.Contains(t, string(msg.Data), `"participant_id":"p2"`)
}

func TestServeWs_DropMarksReconnecting(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "s1", "p1")
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		p, err := env.reg.GetParticipant(context.Background(), "p1")
		return err == nil && p != nil && p.Status == models.ParticipantReconnecting
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, env.hub.Connections("s1"))
}

func TestServeWs_LeaveClosesConnectionAndSession(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "s1", "p1")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"leave"}`)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	sess, err := env.reg.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionTerminated, sess.Status)

	p, err := env.reg.GetParticipant(context.Background(), "p1")
	require.NoError(t, err)
	assert.Nil(t, p, "a participant that left is not marked reconnecting")
}

func newStubClient(sid, pid string) *Client {
	return &Client{
		SessionID:     sid,
		ParticipantID: pid,
		send:          make(chan WSMessage, 4),
		logger:        zap.NewNop(),
	}
}

func drain(ch chan WSMessage) (msgs []WSMessage, closed bool) {
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return msgs, true
			}
			msgs = append(msgs, m)
		default:
			return msgs, false
		}
	}
}

func TestHub_RouteParticipantLeftClosesThatClient(t *testing.T) {
	h := NewHub(nil)
	a, b := newStubClient("s1", "a"), newStubClient("s1", "b")
	h.Register(a)
	h.Register(b)
	other := newStubClient("s2", "c")
	h.Register(other)

	ev := events.New(events.ParticipantLeft, "s1", "w1", time.Now())
	ev.ParticipantID = "a"
	h.Route(ev)

	msgs, closed := drain(a.send)
	assert.True(t, closed)
	require.Len(t, msgs, 1)
	assert.Equal(t, string(events.ParticipantLeft), msgs[0].Event)
	assert.True(t, a.left.Load())

	msgs, closed = drain(b.send)
	assert.False(t, closed)
	assert.Len(t, msgs, 1)

	msgs, _ = drain(other.send)
	assert.Empty(t, msgs)
	assert.Equal(t, 1, h.Connections("s1"))
}

func TestHub_RouteSessionClosedClosesEveryone(t *testing.T) {
	h := NewHub(nil)
	a, b := newStubClient("s1", "a"), newStubClient("s1", "b")
	h.Register(a)
	h.Register(b)

	h.Route(events.New(events.SessionClosed, "s1", "w1", time.Now()))

	for _, c := range []*Client{a, b} {
		_, closed := drain(c.send)
		assert.True(t, closed)
	}
	assert.Zero(t, h.Connections("s1"))
}

func TestHub_NewConnectionSupersedesOld(t *testing.T) {
	h := NewHub(nil)
	old, cur := newStubClient("s1", "a"), newStubClient("s1", "a")
	h.Register(old)
	h.Register(cur)

	_, closed := drain(old.send)
	assert.True(t, closed)
	assert.True(t, old.superseded.Load())

	h.Unregister(old)
	assert.Equal(t, 1, h.Connections("s1"), "a stale unregister keeps the current connection")

	h.SendTo("s1", "a", eventStatus, map[string]string{"status": "connected"})
	msgs, _ := drain(cur.send)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"status":"connected"}`, string(msgs[0].Data))
}
