package log

import (
	"bytes"
	"testing"

	"github.com/ddp-protocol/ddp-go/pkg/wire"
)

func TestEnumStrings(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{DirectionIn.String(), "IN"},
		{Direction(9).String(), "UNKNOWN"},
		{LayerSession.String(), "SESSION"},
		{CategoryControl.String(), "CONTROL"},
		{StateEntitySubscription.String(), "SUBSCRIPTION"},
		{ControlMsgTimeout.String(), "TIMEOUT"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestNewFrameEventTruncates(t *testing.T) {
	data := bytes.Repeat([]byte{'x'}, MaxFrameData+10)
	fe := NewFrameEvent(data, false)
	if fe.Size != len(data) || len(fe.Data) != MaxFrameData || !fe.Truncated {
		t.Errorf("got size=%d data=%d truncated=%v", fe.Size, len(fe.Data), fe.Truncated)
	}

	fe = NewFrameEvent([]byte("abc"), true)
	if fe.Truncated || string(fe.Data) != "abc" || !fe.Binary {
		t.Errorf("small frame: got %+v", fe)
	}
}

func TestOutboundMessageEventIDs(t *testing.T) {
	if me := NewOutboundMessageEvent(wire.Ready("a", "b")); len(me.IDs) != 2 {
		t.Errorf("ready ids: got %v", me.IDs)
	}
	if me := NewOutboundMessageEvent(wire.Updated("m1")); len(me.IDs) != 1 || me.IDs[0] != "m1" {
		t.Errorf("updated ids: got %v", me.IDs)
	}
}
