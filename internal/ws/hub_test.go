package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		hub.Register(conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(payload, &frame); err != nil {
		t.Fatalf("decode frame %s: %v", payload, err)
	}
	return frame
}

func TestHelloFrameOnConnect(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub)

	frame := readFrame(t, conn)
	if frame["type"] != "connected" {
		t.Fatalf("hello frame = %v", frame)
	}
	if hub.Count() != 1 {
		t.Fatalf("count = %d", hub.Count())
	}
}

func TestBroadcastReachesAllClients(t *testing.T) {
	hub := NewHub()
	first := dialHub(t, hub)
	second := dialHub(t, hub)
	readFrame(t, first)
	readFrame(t, second)

	hub.Broadcast(map[string]any{"type": "message.created", "data": "x"})

	for _, conn := range []*websocket.Conn{first, second} {
		frame := readFrame(t, conn)
		if frame["type"] != "message.created" {
			t.Fatalf("frame = %v", frame)
		}
	}
}

func TestDeadConnectionPruned(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub)
	readFrame(t, conn)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("closed connection still registered, count = %d", hub.Count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
