package commands

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/ddp-protocol/ddp-go/pkg/log"
	"github.com/ddp-protocol/ddp-go/pkg/wire"
)

// createTestLogFile writes events to a capture file in a temp dir.
func createTestLogFile(t *testing.T, events []log.Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.dlog")

	logger, err := log.NewFileLogger(path)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	for _, e := range events {
		logger.Log(e)
	}
	logger.Close()
	return path
}

var testTime = time.Date(2026, 1, 28, 10, 15, 32, 123456000, time.UTC)

func sampleEvents() []log.Event {
	took := 1500 * time.Microsecond
	return []log.Event{
		{
			Timestamp:    testTime,
			ConnectionID: "abc12345-6789",
			Direction:    log.DirectionIn,
			Layer:        log.LayerTransport,
			Category:     log.CategoryMessage,
			Frame:        log.NewFrameEvent([]byte(`{"msg":"connect"}`), false),
		},
		{
			Timestamp:    testTime.Add(time.Millisecond),
			ConnectionID: "abc12345-6789",
			SessionID:    "sess0001-aaaa",
			Direction:    log.DirectionOut,
			Layer:        log.LayerSession,
			Category:     log.CategoryState,
			StateChange: &log.StateChangeEvent{
				Entity:   log.StateEntitySession,
				NewState: "CONNECTED",
			},
		},
		{
			Timestamp:    testTime.Add(2 * time.Millisecond),
			ConnectionID: "abc12345-6789",
			SessionID:    "sess0001-aaaa",
			Direction:    log.DirectionIn,
			Layer:        log.LayerWire,
			Category:     log.CategoryMessage,
			Message:      log.NewInboundMessageEvent(wire.Inbound{"msg": "method", "id": "m1", "method": "tasks.insert"}),
		},
		{
			Timestamp:    testTime.Add(3 * time.Millisecond),
			ConnectionID: "abc12345-6789",
			SessionID:    "sess0001-aaaa",
			UserID:       "alice",
			Direction:    log.DirectionOut,
			Layer:        log.LayerWire,
			Category:     log.CategoryMessage,
			Message: &log.MessageEvent{
				Type:           wire.MsgResult,
				ID:             "m1",
				ProcessingTime: &took,
			},
		},
		{
			Timestamp:    testTime.Add(4 * time.Millisecond),
			ConnectionID: "def67890-1111",
			Direction:    log.DirectionOut,
			Layer:        log.LayerSession,
			Category:     log.CategoryControl,
			ControlMsg:   &log.ControlMsgEvent{Type: log.ControlMsgTimeout},
		},
		{
			Timestamp:    testTime.Add(5 * time.Second),
			ConnectionID: "def67890-1111",
			Direction:    log.DirectionOut,
			Layer:        log.LayerSession,
			Category:     log.CategoryError,
			Error:        &log.ErrorEventData{Layer: log.LayerSession, Message: "boom", Code: "500"},
		},
	}
}

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		name  string
		event log.Event
		want  []string
	}{
		{
			name:  "frame",
			event: sampleEvents()[0],
			want:  []string{"2026-01-28T10:15:32.123456Z", "[conn:abc12345]", "IN ", "TRANSPORT Frame", "Size: 17 bytes", `Data: {"msg":"connect"}`},
		},
		{
			name:  "state",
			event: sampleEvents()[1],
			want:  []string{"SESSION State", "Session: sess0001", "-> CONNECTED"},
		},
		{
			name:  "method",
			event: sampleEvents()[2],
			want:  []string{"WIRE method", "ID: m1", "Name: tasks.insert", `"method":"tasks.insert"`},
		},
		{
			name:  "result",
			event: sampleEvents()[3],
			want:  []string{"WIRE result", "User: alice", "Duration: 1.500ms"},
		},
		{
			name:  "control",
			event: sampleEvents()[4],
			want:  []string{"CTRL TIMEOUT"},
		},
		{
			name:  "error",
			event: sampleEvents()[5],
			want:  []string{"Error", "Message: boom", "Code: 500"},
		},
		{
			name:  "binary frame",
			event: log.Event{Timestamp: testTime, Frame: log.NewFrameEvent([]byte{0xa1, 0x01}, true)},
			want:  []string{"Data: a101"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			formatEvent(&buf, tt.event)
			for _, s := range tt.want {
				if !strings.Contains(buf.String(), s) {
					t.Errorf("expected %q in output:\n%s", s, buf.String())
				}
			}
		})
	}
}

func TestRunView_Filter(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	filter, err := BuildFilter(FilterOptions{MessageType: "method"})
	if err != nil {
		t.Fatalf("BuildFilter: %v", err)
	}

	var buf bytes.Buffer
	if err := RunView(path, filter, &buf); err != nil {
		t.Fatalf("RunView: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "tasks.insert") {
		t.Errorf("expected method event, got:\n%s", out)
	}
	if strings.Contains(out, "CONNECTED") || strings.Contains(out, "Frame") {
		t.Errorf("filtered events leaked into output:\n%s", out)
	}
}

func TestBuildFilter_Errors(t *testing.T) {
	tests := []FilterOptions{
		{Layer: "service"},
		{Direction: "sideways"},
		{Category: "snapshot"},
		{TimeStart: "yesterday"},
		{TimeEnd: "tomorrow"},
	}
	for _, opts := range tests {
		if _, err := BuildFilter(opts); err == nil {
			t.Errorf("BuildFilter(%+v): expected error", opts)
		}
	}

	f, err := BuildFilter(FilterOptions{Layer: "SESSION", Direction: "Out", Category: "error"})
	if err != nil {
		t.Fatalf("BuildFilter: %v", err)
	}
	if *f.Layer != log.LayerSession || *f.Direction != log.DirectionOut || *f.Category != log.CategoryError {
		t.Errorf("unexpected filter: %+v", f)
	}
}

func TestRunFilter(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())
	out := filepath.Join(t.TempDir(), "out.dlog")

	n, err := RunFilter(path, FilterOptions{Output: out, SessionID: "sess0001-aaaa"})
	if err != nil {
		t.Fatalf("RunFilter: %v", err)
	}
	if n != 3 {
		t.Errorf("filtered events: got %d, want 3", n)
	}

	reader, err := log.NewReader(out)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer reader.Close()
	count := 0
	for {
		ev, err := reader.Next()
		if err != nil {
			break
		}
		if ev.SessionID != "sess0001-aaaa" {
			t.Errorf("unexpected session %q", ev.SessionID)
		}
		count++
	}
	if count != 3 {
		t.Errorf("events in output file: got %d", count)
	}

	n, err = RunFilter(path, FilterOptions{Output: filepath.Join(t.TempDir(), "alice.dlog"), UserID: "alice"})
	if err != nil {
		t.Fatalf("RunFilter by user: %v", err)
	}
	if n != 1 {
		t.Errorf("events for alice: got %d, want 1", n)
	}
}

func TestRunExport(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	t.Run("jsonl", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "out.jsonl")
		if err := RunExport(path, "jsonl", out); err != nil {
			t.Fatalf("RunExport: %v", err)
		}
		f, err := os.Open(out)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer f.Close()

		lines := 0
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			var v map[string]any
			if err := json.Unmarshal(scanner.Bytes(), &v); err != nil {
				t.Fatalf("line %d is not JSON: %v", lines, err)
			}
			lines++
		}
		if lines != len(sampleEvents()) {
			t.Errorf("lines: got %d", lines)
		}
	})

	t.Run("csv", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "out.csv")
		if err := RunExport(path, "csv", out); err != nil {
			t.Fatalf("RunExport: %v", err)
		}
		data, err := os.ReadFile(out)
		if err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
		text := string(data)
		if !strings.HasPrefix(text, "timestamp,connection_id,session_id") {
			t.Errorf("missing header: %s", text)
		}
		if !strings.Contains(text, "method,m1") || !strings.Contains(text, "TIMEOUT") {
			t.Errorf("missing rows: %s", text)
		}
	})

	t.Run("unknown format", func(t *testing.T) {
		if err := RunExport(path, "xml", filepath.Join(t.TempDir(), "x")); err == nil {
			t.Error("expected error")
		}
	})
}

func TestRunStats(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	var buf bytes.Buffer
	if err := RunStats(path, &buf); err != nil {
		t.Fatalf("RunStats: %v", err)
	}
	out := buf.String()

	for _, s := range []string{
		"Total Events: 6",
		"TRANSPORT:",
		"SESSION:",
		"ERROR:",
		"method:",
		"result:",
		"Method Results: 1 (avg 1.500ms, max 1.500ms)",
		"Connections: 2",
		"Session: sess0001-aaaa",
		"Users: [alice]",
		"Errors: 1",
		"Duration:   5s",
	} {
		if !strings.Contains(out, s) {
			t.Errorf("expected %q in output:\n%s", s, out)
		}
	}
}
