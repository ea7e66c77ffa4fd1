package log

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/ddp-protocol/ddp-go/pkg/wire"
)

func logOne(t *testing.T, event Event) map[string]any {
	t.Helper()
	return logWith(t, slog.LevelDebug, func(l *slog.Logger) Logger { return NewSlogAdapter(l) }, event)
}

func logWith(t *testing.T, level slog.Level, adapter func(*slog.Logger) Logger, event Event) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: level})
	adapter(slog.New(handler)).Log(event)
	if buf.Len() == 0 {
		return nil
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output %q: %v", buf.String(), err)
	}
	return entry
}

func TestSlogAdapterLogsMessageEvent(t *testing.T) {
	entry := logOne(t, Event{
		Timestamp:    time.Now(),
		ConnectionID: "conn-1",
		SessionID:    "sess-1",
		Direction:    DirectionOut,
		Layer:        LayerWire,
		Category:     CategoryMessage,
		Message:      NewOutboundMessageEvent(wire.Changed("tasks", "t1", wire.Fields{"a": 1})),
	})

	want := map[string]any{
		"conn_id":    "conn-1",
		"session_id": "sess-1",
		"direction":  "OUT",
		"layer":      "WIRE",
		"type":       "changed",
		"id":         "t1",
		"collection": "tasks",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s: got %v, want %v", k, entry[k], v)
		}
	}
}

func TestSlogAdapterLogsStateChange(t *testing.T) {
	entry := logOne(t, Event{
		Category:    CategoryState,
		StateChange: &StateChangeEvent{Entity: StateEntitySession, OldState: "CONNECTED", NewState: "CLOSED", Reason: "heartbeat timeout"},
	})
	if entry["new_state"] != "CLOSED" || entry["reason"] != "heartbeat timeout" {
		t.Errorf("got %v", entry)
	}
}

func TestSlogAdapterLogsError(t *testing.T) {
	entry := logOne(t, Event{
		Category: CategoryError,
		Error:    &ErrorEventData{Layer: LayerSession, Message: "boom", Code: "500", Context: "while invoking method 'x'"},
	})
	if entry["error_msg"] != "boom" || entry["error_code"] != "500" {
		t.Errorf("got %v", entry)
	}
}

func TestSlogAdapterLevels(t *testing.T) {
	info := func(l *slog.Logger) Logger { return NewSlogAdapter(l).WithLevel(slog.LevelInfo) }

	// Debug events are filtered by an Info handler.
	if entry := logWith(t, slog.LevelInfo, func(l *slog.Logger) Logger { return NewSlogAdapter(l) }, Event{}); entry != nil {
		t.Errorf("debug event logged: %v", entry)
	}

	entry := logWith(t, slog.LevelInfo, info, Event{Category: CategoryControl, ControlMsg: &ControlMsgEvent{Type: ControlMsgPing, ID: "h1"}})
	if entry["level"] != "INFO" || entry["msg"] != "ddp control" || entry["control"] != "PING" {
		t.Errorf("got %v", entry)
	}

	entry = logWith(t, slog.LevelWarn, info, Event{Category: CategoryError, Error: &ErrorEventData{Message: "boom"}})
	if entry["level"] != "WARN" {
		t.Errorf("error event level: got %v", entry["level"])
	}
}
