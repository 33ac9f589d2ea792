package server

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/retail-a2a/host/pkg/a2a"
)

func dialWS(t *testing.T, server *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws?client_id=test-client"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("WebSocket dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// Wait for registration
	deadline := time.Now().Add(time.Second)
	for server.GetWSHub().GetClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	return conn
}

func writeWS(t *testing.T, conn *websocket.Conn, msgType, id string, payload interface{}) {
	t.Helper()
	msg := WSMessage{Type: msgType, ID: id, Timestamp: time.Now()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("Failed to encode payload: %v", err)
		}
		msg.Payload = raw
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

// readUntil reads messages until one of type msgType arrives
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("Read failed waiting for %s: %v", msgType, err)
		}
		if msg.Type == msgType {
			return msg
		}
	}
}

func TestWebSocket_Connect(t *testing.T) {
	server, _ := newTestServer(t)
	dialWS(t, server)

	if count := server.GetWSHub().GetClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}
}

func TestWebSocket_PingPong(t *testing.T) {
	server, _ := newTestServer(t)
	conn := dialWS(t, server)

	writeWS(t, conn, MessageTypePing, "ping-1", nil)

	msg := readUntil(t, conn, MessageTypePong)
	if msg.ID != "ping-1" {
		t.Errorf("Expected id ping-1, got %s", msg.ID)
	}
}

func TestWebSocket_Query(t *testing.T) {
	server, _ := newTestServer(t, inventory(t))
	conn := dialWS(t, server)

	writeWS(t, conn, MessageTypeQuery, "q-1", QueryRequest{Query: "check stock of product X"})

	msg := readUntil(t, conn, MessageTypeResponse)
	if msg.ID != "q-1" {
		t.Errorf("Expected id q-1, got %s", msg.ID)
	}
	var resp a2a.AggregatedResponse
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Status != a2a.StatusCompleted {
		t.Errorf("Expected completed, got %s", resp.Status)
	}
}

func TestWebSocket_EmptyQueryReportsError(t *testing.T) {
	server, _ := newTestServer(t)
	conn := dialWS(t, server)

	writeWS(t, conn, MessageTypeQuery, "q-2", QueryRequest{Query: " "})

	msg := readUntil(t, conn, MessageTypeError)
	if msg.ID != "q-2" {
		t.Errorf("Expected id q-2, got %s", msg.ID)
	}
}

func TestWebSocket_UnknownType(t *testing.T) {
	server, _ := newTestServer(t)
	conn := dialWS(t, server)

	writeWS(t, conn, "dance", "x-1", nil)

	msg := readUntil(t, conn, MessageTypeError)
	var payload map[string]string
	json.Unmarshal(msg.Payload, &payload)
	if !strings.Contains(payload["message"], "dance") {
		t.Errorf("Expected unknown type in message, got %q", payload["message"])
	}
}

func TestWebSocket_AgentUpdateBroadcast(t *testing.T) {
	server, _ := newTestServer(t)
	conn := dialWS(t, server)
	cs := customerService(t)

	w := doJSON(t, server, "POST", "/api/agents", RegisterParams{URL: cs.URL()})
	if w.Code != 201 {
		t.Fatalf("Expected status 201, got %d", w.Code)
	}

	msg := readUntil(t, conn, MessageTypeAgentUpdate)
	var info AgentInfo
	if err := json.Unmarshal(msg.Payload, &info); err != nil {
		t.Fatalf("Failed to decode agent info: %v", err)
	}
	if info.Name != "customer_service" {
		t.Errorf("Expected customer_service, got %s", info.Name)
	}
}

func TestWebSocket_UnsubscribeStopsAgentUpdates(t *testing.T) {
	server, _ := newTestServer(t)
	conn := dialWS(t, server)

	writeWS(t, conn, MessageTypeUnsubscribe, "", SubscribePayload{Topics: []string{MessageTypeAgentUpdate}})
	writeWS(t, conn, MessageTypePing, "sync", nil)
	readUntil(t, conn, MessageTypePong)

	doJSON(t, server, "POST", "/api/agents", RegisterParams{URL: inventory(t).URL()})
	writeWS(t, conn, MessageTypePing, "after", nil)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if msg.Type == MessageTypeAgentUpdate {
			t.Fatal("Received agent_update after unsubscribing")
		}
		if msg.Type == MessageTypePong && msg.ID == "after" {
			return
		}
	}
}

func TestWebSocket_StopDisconnectsClients(t *testing.T) {
	server, _ := newTestServer(t)
	dialWS(t, server)

	server.GetWSHub().Stop()

	deadline := time.Now().Add(time.Second)
	for server.GetWSHub().GetClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if count := server.GetWSHub().GetClientCount(); count != 0 {
		t.Errorf("Expected 0 clients after stop, got %d", count)
	}
}
