package hub

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/michaellee1/ClaudeGod-sub002/internal/event"
	"github.com/michaellee1/ClaudeGod-sub002/internal/task"
)

func newTestHub(t *testing.T, pingInterval time.Duration) (*Hub, *event.Bus, *websocket.Conn) {
	t.Helper()

	bus := event.NewBus(nil)
	h := NewHub(bus, nil, pingInterval)
	t.Cleanup(h.Close)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	// Wait until the hub has registered the consumer.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && h.ClientCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if h.ClientCount() != 1 {
		t.Fatal("consumer never attached")
	}
	return h, bus, conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	return env
}

func TestTaskUpdateIsBroadcast(t *testing.T) {
	_, bus, conn := newTestHub(t, time.Hour)

	tk := task.New("do things", "/repo", task.ThinkNone, 10)
	bus.Publish(event.NewTaskUpdatedEvent(tk))

	env := readEnvelope(t, conn)
	if env.Type != event.TypeTaskUpdated {
		t.Errorf("Type = %q, want %q", env.Type, event.TypeTaskUpdated)
	}
	if env.TaskID != tk.ID {
		t.Errorf("TaskID = %q, want %q", env.TaskID, tk.ID)
	}
	if env.MessageID == "" {
		t.Error("MessageID must be set for consumer-side deduplication")
	}
	if env.Timestamp.IsZero() {
		t.Error("Timestamp must be set")
	}
}

func TestPerTaskOrderingPreserved(t *testing.T) {
	_, bus, conn := newTestHub(t, time.Hour)

	const n = 20
	for i := 0; i < n; i++ {
		bus.Publish(event.NewOutputEvent("task-1", task.OutputRecord{
			Phase:     task.PhaseEditor,
			Content:   string(rune('a' + i)),
			Timestamp: time.Now().UTC(),
		}))
	}

	for i := 0; i < n; i++ {
		env := readEnvelope(t, conn)
		if env.Type != event.TypeOutputAppend {
			t.Fatalf("envelope %d: Type = %q, want output", i, env.Type)
		}
		data, ok := env.Data.(map[string]any)
		if !ok {
			t.Fatalf("envelope %d: Data = %T, want object", i, env.Data)
		}
		want := string(rune('a' + i))
		if data["content"] != want {
			t.Fatalf("envelope %d: content = %v, want %q (reordered)", i, data["content"], want)
		}
	}
}

func TestSilentConsumerIsDropped(t *testing.T) {
	h, _, conn := newTestHub(t, 30*time.Millisecond)

	// Never answer the heartbeat. After three missed pongs the hub must
	// disconnect us, which surfaces as a read error.
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			break
		}
		if env.Type != TypePing {
			t.Fatalf("unexpected envelope type %q", env.Type)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && h.ClientCount() > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if got := h.ClientCount(); got != 0 {
		t.Errorf("ClientCount = %d, want 0 after missed heartbeats", got)
	}
}

func TestRespondingConsumerStaysConnected(t *testing.T) {
	h, _, conn := newTestHub(t, 25*time.Millisecond)

	// Answer every ping for a while; the connection must survive well past
	// three heartbeat intervals.
	stop := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(stop) {
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("connection dropped despite heartbeat responses: %v", err)
		}
		if env.Type == TypePing {
			if err := conn.WriteJSON(map[string]string{"type": TypePong}); err != nil {
				t.Fatalf("pong write failed: %v", err)
			}
		}
	}

	if got := h.ClientCount(); got != 1 {
		t.Errorf("ClientCount = %d, want 1", got)
	}
}

func TestCloseDisconnectsConsumers(t *testing.T) {
	h, _, conn := newTestHub(t, time.Hour)

	h.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err == nil {
		t.Error("read after Close should fail")
	}
	if got := h.ClientCount(); got != 0 {
		t.Errorf("ClientCount = %d, want 0", got)
	}
}
