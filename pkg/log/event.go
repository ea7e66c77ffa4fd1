package log

import (
	"time"

	"github.com/ddp-protocol/ddp-go/pkg/wire"
)

// Event is one capture record. Exactly one of Frame, Message, StateChange,
// ControlMsg and Error is set. CBOR keys are integers to keep files small.
type Event struct {
	Timestamp    time.Time `cbor:"1,keyasint"`
	ConnectionID string    `cbor:"2,keyasint"`
	Direction    Direction `cbor:"3,keyasint"`
	Layer        Layer     `cbor:"4,keyasint"`
	Category     Category  `cbor:"5,keyasint"`

	RemoteAddr string `cbor:"7,keyasint,omitempty"`

	// SessionID and UserID are empty until the connect handshake and
	// login respectively.
	SessionID string `cbor:"8,keyasint,omitempty"`
	UserID    string `cbor:"9,keyasint,omitempty"`

	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	ControlMsg  *ControlMsgEvent  `cbor:"13,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"`
}

// enumName returns names[v], or "UNKNOWN" when v is out of range.
func enumName(names []string, v uint8) string {
	if int(v) < len(names) {
		return names[v]
	}
	return "UNKNOWN"
}

// Direction of a captured message relative to the server.
type Direction uint8

const (
	DirectionIn Direction = iota
	DirectionOut
)

var directionNames = []string{"IN", "OUT"}

func (d Direction) String() string { return enumName(directionNames, uint8(d)) }

// Layer is where an event was captured: raw websocket frames, decoded DDP
// messages, or session state.
type Layer uint8

const (
	LayerTransport Layer = iota
	LayerWire
	LayerSession
)

var layerNames = []string{"TRANSPORT", "WIRE", "SESSION"}

func (l Layer) String() string { return enumName(layerNames, uint8(l)) }

// Category classifies an event by which payload field it carries.
type Category uint8

const (
	CategoryMessage Category = iota
	CategoryControl
	CategoryState
	CategoryError
)

var categoryNames = []string{"MESSAGE", "CONTROL", "STATE", "ERROR"}

func (c Category) String() string { return enumName(categoryNames, uint8(c)) }

// FrameEvent is a websocket frame as seen by the transport. Data holds at
// most MaxFrameData bytes; Size is the full length.
type FrameEvent struct {
	Size      int    `cbor:"1,keyasint"`
	Data      []byte `cbor:"2,keyasint,omitempty"`
	Truncated bool   `cbor:"3,keyasint,omitempty"`
	Binary    bool   `cbor:"4,keyasint,omitempty"`
}

// MaxFrameData is the number of frame bytes kept in a FrameEvent.
const MaxFrameData = 256

// NewFrameEvent captures a frame, truncating its data to MaxFrameData bytes.
func NewFrameEvent(data []byte, binary bool) *FrameEvent {
	fe := &FrameEvent{Size: len(data), Binary: binary}
	if len(data) > MaxFrameData {
		fe.Data = append([]byte(nil), data[:MaxFrameData]...)
		fe.Truncated = true
	} else {
		fe.Data = append([]byte(nil), data...)
	}
	return fe
}

// MessageEvent captures a decoded DDP message at the wire layer.
type MessageEvent struct {
	// Type is the msg discriminator (sub, method, added, ...).
	Type string `cbor:"1,keyasint"`

	// ID is the subscription, method or document id carried by the message.
	ID string `cbor:"2,keyasint,omitempty"`

	// Collection is set for added/changed/removed.
	Collection string `cbor:"3,keyasint,omitempty"`

	// Name is the publication or method name for sub/method.
	Name string `cbor:"4,keyasint,omitempty"`

	// Subs or method ids carried by ready/updated.
	IDs []string `cbor:"5,keyasint,omitempty"`

	// Payload is the decoded message (CBOR-compatible representation).
	Payload any `cbor:"6,keyasint,omitempty"`

	// ProcessingTime is the duration from method receipt to result (result only).
	ProcessingTime *time.Duration `cbor:"7,keyasint,omitempty"`
}

// NewOutboundMessageEvent summarizes an outbound message. The payload is
// the message itself so capture files can be replayed.
func NewOutboundMessageEvent(msg *wire.Message) *MessageEvent {
	me := &MessageEvent{
		Type:       msg.Msg,
		ID:         msg.ID,
		Collection: msg.Collection,
		Payload:    msg,
	}
	switch msg.Msg {
	case wire.MsgReady:
		me.IDs = msg.Subs
	case wire.MsgUpdated:
		me.IDs = msg.Methods
	}
	return me
}

// NewInboundMessageEvent summarizes a decoded inbound message.
func NewInboundMessageEvent(m wire.Inbound) *MessageEvent {
	me := &MessageEvent{Type: m.Type(), Payload: map[string]any(m)}
	me.ID, _ = m.String("id")
	switch me.Type {
	case wire.MsgSub:
		me.Name, _ = m.String("name")
	case wire.MsgMethod:
		me.Name, _ = m.String("method")
	}
	return me
}

// StateChangeEvent records a connection, session or subscription moving
// between states, e.g. CONNECTED -> USER_CHANGED.
type StateChangeEvent struct {
	Entity   StateEntity `cbor:"1,keyasint"`
	OldState string      `cbor:"2,keyasint,omitempty"`
	NewState string      `cbor:"3,keyasint"`
	Reason   string      `cbor:"4,keyasint,omitempty"`
}

// StateEntity is what changed state.
type StateEntity uint8

const (
	StateEntityConnection StateEntity = iota
	StateEntitySession
	StateEntitySubscription
)

var stateEntityNames = []string{"CONNECTION", "SESSION", "SUBSCRIPTION"}

func (s StateEntity) String() string { return enumName(stateEntityNames, uint8(s)) }

// ControlMsgEvent records heartbeat traffic and connection teardown.
type ControlMsgEvent struct {
	Type ControlMsgType `cbor:"1,keyasint"`
	ID   string         `cbor:"2,keyasint,omitempty"` // ping/pong id
}

// ControlMsgType is the kind of control event.
type ControlMsgType uint8

const (
	ControlMsgPing ControlMsgType = iota
	ControlMsgPong
	ControlMsgClose
	ControlMsgTimeout
)

var controlMsgNames = []string{"PING", "PONG", "CLOSE", "TIMEOUT"}

func (c ControlMsgType) String() string { return enumName(controlMsgNames, uint8(c)) }

// ErrorEventData records an error. Code is the client-visible error code,
// if one was sent; Context names the operation that failed.
type ErrorEventData struct {
	Layer   Layer  `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`
	Code    string `cbor:"3,keyasint,omitempty"`
	Context string `cbor:"4,keyasint,omitempty"`
}
