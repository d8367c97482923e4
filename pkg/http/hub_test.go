package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"convopulse/pkg/broadcast"
	"convopulse/pkg/errors"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hubFixture struct {
	hub    *Hub
	server *httptest.Server
}

func newHubFixture(t *testing.T, origins ...string) *hubFixture {
	t.Helper()
	s, _ := newTestServer(t)
	hub := NewHub(s.logger, origins, time.Minute)
	hub.RegisterHandlers(s)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &hubFixture{hub: hub, server: srv}
}

func (f *hubFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	if query != "" {
		url += "?" + query
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	welcome := readJSON(t, conn)
	require.Equal(t, "connected", welcome["type"])
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func send(t *testing.T, conn *websocket.Conn, msg map[string]string) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
	return readJSON(t, conn)
}

func TestHubSubscribeAndReceive(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "")
	assert.Equal(t, 1, f.hub.ClientCount())

	ack := send(t, conn, map[string]string{"type": "subscribe", "conversation_id": "c1"})
	assert.Equal(t, "subscribed", ack["type"])
	assert.Equal(t, "conversation_c1", ack["scope"])

	ctx := context.Background()
	require.NoError(t, f.hub.Publish(ctx, broadcast.ConversationScope("c2"), broadcast.KindMetricsSnapshot, map[string]interface{}{"id": "other"}))
	require.NoError(t, f.hub.Publish(ctx, broadcast.ConversationScope("c1"), broadcast.KindMetricsSnapshot, map[string]interface{}{"id": "mine"}))

	event := readJSON(t, conn)
	assert.Equal(t, "metrics.snapshot", event["type"])
	assert.Equal(t, "conversation_c1", event["scope"])
	assert.NotEmpty(t, event["timestamp"])
	assert.Equal(t, "mine", event["data"].(map[string]interface{})["id"])
}

func TestHubJoinsRoomsFromQuery(t *testing.T) {
	f := newHubFixture(t)
	conn, _, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(f.server.URL, "http")+"/ws?conversation_id=c1&dashboard=true&role=supervisor", nil)
	require.NoError(t, err)
	defer conn.Close()

	welcome := readJSON(t, conn)
	assert.Equal(t, "connected", welcome["type"])
	assert.NotEmpty(t, welcome["session_id"])
	assert.Equal(t, []interface{}{"conversation_c1", "dashboard", "supervisors"}, welcome["rooms"])

	require.NoError(t, f.hub.Publish(context.Background(), broadcast.ScopeSupervisors, broadcast.KindAlertRaised, map[string]string{"level": "critical"}))
	event := readJSON(t, conn)
	assert.Equal(t, "alert.raised", event["type"])
	assert.Equal(t, "supervisors", event["scope"])
}

func TestHubSupervisorsRequiresRole(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "")

	reply := send(t, conn, map[string]string{"type": "subscribe", "scope": "supervisors"})
	assert.Equal(t, "error", reply["type"])
	assert.Equal(t, 0, f.hub.RoomSize(broadcast.ScopeSupervisors))

	reply = send(t, conn, map[string]string{"type": "subscribe", "scope": "lobby"})
	assert.Equal(t, "error", reply["type"])
}

func TestHubUnsubscribe(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "dashboard=true")
	assert.Equal(t, 1, f.hub.RoomSize(broadcast.ScopeDashboard))

	reply := send(t, conn, map[string]string{"type": "unsubscribe", "scope": "dashboard"})
	assert.Equal(t, "unsubscribed", reply["type"])
	assert.Equal(t, 0, f.hub.RoomSize(broadcast.ScopeDashboard))

	reply = send(t, conn, map[string]string{"type": "ping"})
	assert.Equal(t, "pong", reply["type"])
}

func TestHubMalformedMessage(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	reply := readJSON(t, conn)
	assert.Equal(t, "error", reply["type"])
	assert.Equal(t, "malformed message", reply["error"])
}

func TestHubPublishValidatesScope(t *testing.T) {
	f := newHubFixture(t)
	err := f.hub.Publish(context.Background(), broadcast.Scope("lobby"), broadcast.KindAlertRaised, nil)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	assert.NoError(t, f.hub.Publish(context.Background(), broadcast.ScopeDashboard, broadcast.KindAlertRaised, nil),
		"an empty room is not an error")
}

func TestHubRejectsDisallowedOrigin(t *testing.T) {
	f := newHubFixture(t, "https://ops.example")
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://ops.example")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "dashboard=true")
	require.NoError(t, f.hub.Health(context.Background()))

	f.hub.Close()
	assert.Equal(t, 0, f.hub.ClientCount())
	assert.Error(t, f.hub.Health(context.Background()))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
