package notifier

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"printbridge/cloud"
	"printbridge/logger"
)

func testBroadcaster(t *testing.T) (*Broadcaster, *httptest.Server) {
	t.Helper()
	log := logger.New(logger.ERROR, "", 10)
	log.SetConsoleOutput(false)

	b := NewBroadcaster(0, "", log)
	srv := httptest.NewServer(http.HandlerFunc(b.handleConnection))
	t.Cleanup(func() {
		srv.Close()
		b.Stop()
	})
	return b, srv
}

// dialDevice connects and completes the register handshake.
func dialDevice(t *testing.T, srv *httptest.Server, deviceID string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	readTyped(t, conn, "welcome")

	if err := conn.WriteJSON(map[string]string{
		"type":      "register",
		"device_id": deviceID,
		"name":      "Watch " + deviceID,
		"firmware":  "2.1.0",
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	msg := readTyped(t, conn, "registered")
	if msg["device_id"] != deviceID {
		t.Fatalf("registered ack for wrong device: %v", msg)
	}
	return conn
}

func readTyped(t *testing.T, conn *websocket.Conn, want string) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read while waiting for %q: %v", want, err)
		}
		var msg map[string]interface{}
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		if msg["type"] == "ping" {
			continue
		}
		if msg["type"] != want {
			t.Fatalf("expected %q frame, got %v", want, msg)
		}
		return msg
	}
}

func waitCount(t *testing.T, b *Broadcaster, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if b.Count() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("device count never reached %d (have %d)", want, b.Count())
}

func TestRegisterHandshake(t *testing.T) {
	t.Parallel()

	b, srv := testBroadcaster(t)
	dialDevice(t, srv, "watch-1")

	waitCount(t, b, 1)
	devices := b.Devices()
	if devices[0].DeviceID != "watch-1" || devices[0].DeviceName != "Watch watch-1" {
		t.Errorf("device info: %+v", devices[0])
	}
}

func TestUnregisteredConnectionRejected(t *testing.T) {
	t.Parallel()

	b, srv := testBroadcaster(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	readTyped(t, conn, "welcome")

	// First frame is not a register.
	conn.WriteJSON(map[string]string{"type": "heartbeat"})

	readTyped(t, conn, "error")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	if b.Count() != 0 {
		t.Error("rejected connection must not register")
	}
}

func TestBroadcastReachesAllDevicesInOrder(t *testing.T) {
	t.Parallel()

	b, srv := testBroadcaster(t)
	c1 := dialDevice(t, srv, "watch-1")
	c2 := dialDevice(t, srv, "watch-2")
	waitCount(t, b, 2)

	b.Broadcast(Alert{ID: "a1", Type: "waiter_called", Message: "Table 5", Priority: PriorityHigh})
	b.Broadcast(Alert{ID: "a2", Type: "order_ready", Message: "Table 7", Priority: PriorityLow})

	for _, conn := range []*websocket.Conn{c1, c2} {
		first := readTyped(t, conn, "notification")
		if first["id"] != "a1" || first["alert"] != "waiter_called" || first["priority"] != "high" {
			t.Errorf("first notification: %v", first)
		}
		second := readTyped(t, conn, "notification")
		if second["id"] != "a2" {
			t.Errorf("second notification out of order: %v", second)
		}
	}
}

func TestBroadcastAlertFromRow(t *testing.T) {
	t.Parallel()

	b, srv := testBroadcaster(t)
	conn := dialDevice(t, srv, "watch-1")
	waitCount(t, b, 1)

	b.BroadcastAlert(cloud.AlertRow{
		ID: "a1", Table: "5", Type: "waiter_called",
		Message: "Check please", Priority: "bogus",
		CreatedAt: "2026-03-01T10:00:00Z",
	})

	msg := readTyped(t, conn, "notification")
	if msg["table"] != "5" || msg["timestamp"] != "2026-03-01T10:00:00Z" {
		t.Errorf("notification fields: %v", msg)
	}
	if msg["priority"] != PriorityMedium {
		t.Errorf("unknown priority should clamp to medium, got %v", msg["priority"])
	}
}

func TestDuplicateDeviceIDReplacesConnection(t *testing.T) {
	t.Parallel()

	b, srv := testBroadcaster(t)
	old := dialDevice(t, srv, "watch-1")
	waitCount(t, b, 1)

	fresh := dialDevice(t, srv, "watch-1")
	waitCount(t, b, 1)

	// The old connection is closed by the server.
	old.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := old.ReadMessage(); err != nil {
			break
		}
	}

	// Only the new connection receives alerts.
	b.Broadcast(Alert{ID: "a1", Type: "waiter_called", Priority: PriorityHigh})
	msg := readTyped(t, fresh, "notification")
	if msg["id"] != "a1" {
		t.Errorf("new connection missed the alert: %v", msg)
	}
}

func TestStaleDeviceEvicted(t *testing.T) {
	t.Parallel()

	b, srv := testBroadcaster(t)
	conn := dialDevice(t, srv, "watch-1")
	waitCount(t, b, 1)

	// Age the device past the threshold and sweep.
	b.mu.Lock()
	for _, d := range b.devices {
		d.mu.Lock()
		d.lastSeen = time.Now().Add(-2 * b.StaleThreshold)
		d.mu.Unlock()
	}
	b.mu.Unlock()

	b.sweep()
	waitCount(t, b, 0)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return // evicted connection is closed
		}
	}
}

func TestHeartbeatKeepsDeviceAlive(t *testing.T) {
	t.Parallel()

	b, srv := testBroadcaster(t)
	conn := dialDevice(t, srv, "watch-1")
	waitCount(t, b, 1)

	before := b.Devices()[0].LastSeen
	time.Sleep(20 * time.Millisecond)
	conn.WriteJSON(map[string]string{"type": "heartbeat"})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if b.Devices()[0].LastSeen.After(before) {
			b.sweep()
			if b.Count() != 1 {
				t.Error("fresh device must survive the sweep")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("heartbeat never refreshed last_seen")
}

func TestTruncateMessage(t *testing.T) {
	t.Parallel()

	short := "table 5 needs service"
	if got := truncateMessage(short); got != short {
		t.Errorf("short message changed: %q", got)
	}

	long := strings.Repeat("a", MaxMessageBytes+50)
	if got := truncateMessage(long); len(got) != MaxMessageBytes {
		t.Errorf("truncated length = %d", len(got))
	}

	// Multi-byte runes must not be split.
	multi := strings.Repeat("é", 200) // 2 bytes each, 400 bytes total
	got := truncateMessage(multi)
	if len(got) > MaxMessageBytes {
		t.Errorf("truncated length = %d", len(got))
	}
	for _, r := range got {
		if r != 'é' {
			t.Fatalf("rune corrupted by truncation: %q", r)
		}
	}
}
