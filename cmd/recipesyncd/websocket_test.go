package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/recipesync/internal/config"
	syncpkg "github.com/kimhsiao/recipesync/internal/sync"
)

func newTestApp(t *testing.T) *app {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.Auth.OwnerID = "u1"
	cfg.Auth.Token = "token"

	a, err := newApp(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWSHub_forwardsSyncEvents(t *testing.T) {
	a := newTestApp(t)
	hub := NewWSHub()
	defer hub.Stop()

	events, unsubscribe := a.coord.Subscribe(wsSendBuffer)
	defer unsubscribe()
	go hub.Forward(events)

	srv := httptest.NewServer(a.handler(hub))
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"events": []string{string(syncpkg.EventSyncCompleted)},
	}))
	ack := readJSON(t, conn)
	assert.Equal(t, "subscribe_ack", ack["action"])

	resp, err := http.Post(srv.URL+"/api/sync/now", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// sync.started and sync.state_changed are filtered out.
	msg := readJSON(t, conn)
	assert.Equal(t, string(syncpkg.EventSyncCompleted), msg["type"])
	data, ok := msg["data"].(map[string]interface{})
	require.True(t, ok)
	assert.NotNil(t, data["result"])
}

func TestWSHub_ping(t *testing.T) {
	hub := NewWSHub()
	defer hub.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", HandleWebSocket(hub))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["action"])
}

func TestWSHub_broadcastAll(t *testing.T) {
	hub := NewWSHub()
	defer hub.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", HandleWebSocket(hub))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	first, second := dial(t, srv), dial(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	at := time.Unix(1700000000, 0)
	hub.Broadcast("sync.failed", map[string]string{"code": "REMOTE_ERROR"}, at)

	for _, conn := range []*websocket.Conn{first, second} {
		msg := readJSON(t, conn)
		assert.Equal(t, "sync.failed", msg["type"])
		assert.Equal(t, float64(at.Unix()), msg["timestamp"])
	}
}

func TestWSHub_disconnect(t *testing.T) {
	hub := NewWSHub()
	defer hub.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", HandleWebSocket(hub))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWSHub_stopClosesClients(t *testing.T) {
	hub := NewWSHub()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", HandleWebSocket(hub))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Stop()
	hub.Stop()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestLocalOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:8090", true},
		{"http://127.0.0.1:3000", true},
		{"http://[::1]:3000", true},
		{"https://example.com", false},
		{"http://192.168.1.5", false},
		{"://bad", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, localOrigin(r), "origin %q", tt.origin)
	}
}

func TestServe(t *testing.T) {
	a := newTestApp(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	body := strings.NewReader(`{"kind":"create","entity_type":"recipe","entity_id":"r1","payload":{"owner_id":"u1","updated_at":1}}`)
	resp, err := http.Post(base+"/api/sync/operations", "application/json", body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// A pass already running skips the out-of-band one, so keep asking.
	require.Eventually(t, func() bool {
		if n, err := a.queue.Size(context.Background()); err == nil && n == 0 {
			return true
		}
		if resp, err := http.Post(base+"/api/sync/now", "application/json", nil); err == nil {
			resp.Body.Close()
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)

	resp, err = http.Get(base + "/api/sync/status")
	require.NoError(t, err)
	var status map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	sched, _ := status["scheduler"].(map[string]interface{})
	assert.Equal(t, true, sched["running"])
	assert.Equal(t, true, sched["signed_in"])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
