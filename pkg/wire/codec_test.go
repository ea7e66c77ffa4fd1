package wire

import (
	"errors"
	"math"
	"testing"
)

func TestJSONEncodeChanged(t *testing.T) {
	msg := Changed("tasks", "t1", Fields{"title": "b", "done": Undefined, "archived": Undefined})

	data, err := JSONCodec{}.Encode(msg)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := JSONCodec{}.Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.Type() != MsgChanged {
		t.Errorf("msg: got %q, want %q", got.Type(), MsgChanged)
	}
	cleared, ok := got.Strings("cleared")
	if !ok {
		t.Fatalf("cleared missing or not a string array: %v", got["cleared"])
	}
	if len(cleared) != 2 || cleared[0] != "archived" || cleared[1] != "done" {
		t.Errorf("cleared: got %v, want [archived done]", cleared)
	}
	fields, ok := got.Object("fields")
	if !ok {
		t.Fatalf("fields missing: %v", got)
	}
	if fields["title"] != "b" || len(fields) != 1 {
		t.Errorf("fields: got %v", fields)
	}
}

func TestEncodeOmitsUnsetFields(t *testing.T) {
	data, err := JSONCodec{}.Encode(Pong(""))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if string(data) != `{"msg":"pong"}` {
		t.Errorf("got %s", data)
	}

	data, err = JSONCodec{}.Encode(Pong("p1"))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if string(data) != `{"msg":"pong","id":"p1"}` {
		t.Errorf("got %s", data)
	}
}

func TestCBORRoundTrip(t *testing.T) {
	codec := CodecFor(SubprotocolCBOR)
	if codec.Name() != "cbor" || !codec.Binary() {
		t.Fatalf("CodecFor(%q) returned %s", SubprotocolCBOR, codec.Name())
	}

	msg := Added("tasks", "t1", Fields{
		"title": "write docs",
		"tags":  []any{"a", "b"},
		"meta":  map[string]any{"prio": int64(3)},
	})
	data, err := codec.Encode(msg)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if got.Type() != MsgAdded {
		t.Errorf("msg: got %q", got.Type())
	}
	if c, _ := got.String("collection"); c != "tasks" {
		t.Errorf("collection: got %q", c)
	}
	fields, ok := got.Object("fields")
	if !ok {
		t.Fatalf("fields not decoded as object: %T", got["fields"])
	}
	meta, ok := fields["meta"].(map[string]any)
	if !ok {
		t.Fatalf("nested object not decoded as map[string]any: %T", fields["meta"])
	}
	if meta["prio"] != int64(3) {
		t.Errorf("prio: got %v (%T)", meta["prio"], meta["prio"])
	}
}

func TestCodecForDefault(t *testing.T) {
	for _, sp := range []string{"", "ddp", "unknown"} {
		if c := CodecFor(sp); c.Name() != "json" || c.Binary() {
			t.Errorf("CodecFor(%q) = %s", sp, c.Name())
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
		wantNot bool
	}{
		{name: "invalid json", data: `{"msg":`, wantErr: true},
		{name: "number", data: `5`, wantErr: true, wantNot: true},
		{name: "array", data: `["msg"]`, wantErr: true, wantNot: true},
		{name: "null", data: `null`},
		{name: "object", data: `{"msg":"ping"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := JSONCodec{}.Decode([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantNot && !errors.Is(err, ErrNotObject) {
				t.Errorf("expected ErrNotObject, got %v", err)
			}
		})
	}
}

func TestInboundAccessors(t *testing.T) {
	m, err := JSONCodec{}.Decode([]byte(`{"msg":"sub","id":7,"name":"tasks","params":[1,"x"],"support":["1","pre2"]}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if _, ok := m.String("id"); ok {
		t.Error("numeric id should not be returned as string")
	}
	if !m.Has("id") || m.Has("randomSeed") {
		t.Error("Has returned wrong result")
	}
	if params, ok := m.Array("params"); !ok || len(params) != 2 {
		t.Errorf("params: got %v", params)
	}
	if _, ok := m.Strings("params"); ok {
		t.Error("mixed array should not be a string array")
	}
	if s, ok := m.Strings("support"); !ok || len(s) != 2 {
		t.Errorf("support: got %v", s)
	}
	if (Inbound{"msg": 3}).Type() != "" {
		t.Error("non-string msg should yield empty type")
	}
}

func TestClone(t *testing.T) {
	orig := map[string]any{
		"list": []any{"a", map[string]any{"x": 1}},
		"obj":  map[string]any{"y": "z"},
	}

	c := Clone(orig).(map[string]any)
	c["obj"].(map[string]any)["y"] = "changed"
	c["list"].([]any)[1].(map[string]any)["x"] = 2

	if orig["obj"].(map[string]any)["y"] != "z" {
		t.Error("modifying clone affected original object")
	}
	if orig["list"].([]any)[1].(map[string]any)["x"] != 1 {
		t.Error("modifying clone affected original array")
	}

	type point struct{ X, Y int }
	p := Clone(point{1, 2})
	if _, ok := p.(map[string]any); !ok {
		t.Errorf("struct clone: got %T, want map[string]any", p)
	}
}

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"same string", "a", "a", true},
		{"different string", "a", "b", false},
		{"map key order", map[string]any{"a": 1, "b": 2}, map[string]any{"b": 2, "a": 1}, true},
		{"nested", map[string]any{"a": []any{1, "x"}}, map[string]any{"a": []any{1, "x"}}, true},
		{"nested differs", map[string]any{"a": []any{1, "x"}}, map[string]any{"a": []any{1, "y"}}, false},
		{"fields vs map", Fields{"a": "b"}, map[string]any{"a": "b"}, true},
		{"nil", nil, nil, true},
		{"int vs float", 1, 1.0, true},
		{"int64 vs float64 in object", map[string]any{"n": int64(1)}, map[string]any{"n": float64(1)}, true},
		{"nested int vs float", []any{[]any{2}}, []any{[]any{2.0}}, true},
		{"fraction", 1, 1.5, false},
		{"negative zero", 0, math.Copysign(0, -1), true},
		{"number vs string", 1, "1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Equal(tt.a, tt.b); got != tt.want {
				t.Errorf("Equal(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}
