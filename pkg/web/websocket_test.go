package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dbehnke/ptt-trunk/pkg/call"
	"github.com/dbehnke/ptt-trunk/pkg/logger"
)

func TestWebSocketHub_Run(t *testing.T) {
	log := logger.New(logger.Config{Level: "error"})
	hub := NewWebSocketHub(log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	// Broadcast should not block even with no clients
	hub.Broadcast(Event{Type: "test", Data: map[string]interface{}{"message": "hello"}})

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
}

func dialHub(t *testing.T, hub *WebSocketHub) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(hub.Handler())
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	deadline := time.Now().Add(time.Second)
	for hub.GetClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("Failed to decode event: %v", err)
	}
	return ev
}

func TestWebSocketHub_CallState(t *testing.T) {
	log := logger.New(logger.Config{Level: "error"})
	hub := NewWebSocketHub(log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn := dialHub(t, hub)

	hub.BroadcastCallState(call.StateChange{
		Group: 0x900,
		From:  call.StateIdle,
		To:    call.StateInit,
		Call:  call.CallInfo{SessionID: uuid.New(), SourceID: 2, TargetID: 0x900},
		At:    time.Now(),
	})

	ev := readEvent(t, conn)
	if ev.Type != "call_state" {
		t.Fatalf("event type = %q, want call_state", ev.Type)
	}
	if ev.Data["from"] != "idle" || ev.Data["to"] != "init" {
		t.Errorf("transition = %v -> %v", ev.Data["from"], ev.Data["to"])
	}
	if ev.Data["source"] != float64(2) {
		t.Errorf("source = %v, want 2", ev.Data["source"])
	}
}

func TestWebSocketHub_Presence(t *testing.T) {
	log := logger.New(logger.Config{Level: "error"})
	hub := NewWebSocketHub(log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn := dialHub(t, hub)

	hub.BroadcastPresence(3, "127.0.0.1:40003", true)

	ev := readEvent(t, conn)
	if ev.Type != "presence" {
		t.Fatalf("event type = %q, want presence", ev.Type)
	}
	if ev.Data["id"] != float64(3) || ev.Data["online"] != true {
		t.Errorf("unexpected presence data: %v", ev.Data)
	}
	if ev.Timestamp.IsZero() {
		t.Error("Expected timestamp to be set")
	}
}

func TestWebSocketHub_ClientDisconnect(t *testing.T) {
	log := logger.New(logger.Config{Level: "error"})
	hub := NewWebSocketHub(log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn := dialHub(t, hub)
	_ = conn.Close()

	deadline := time.Now().Add(time.Second)
	for hub.GetClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never unregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEvent_Marshal(t *testing.T) {
	event := Event{
		Type:      "presence",
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"id": 4},
	}

	data, err := event.Marshal()
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}
	if !strings.Contains(string(data), `"type":"presence"`) {
		t.Errorf("Marshaled data doesn't contain event type: %s", data)
	}
}
