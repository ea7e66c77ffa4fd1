package wire

// Message types.
const (
	MsgConnect   = "connect"
	MsgConnected = "connected"
	MsgFailed    = "failed"
	MsgSub       = "sub"
	MsgUnsub     = "unsub"
	MsgNosub     = "nosub"
	MsgReady     = "ready"
	MsgAdded     = "added"
	MsgChanged   = "changed"
	MsgRemoved   = "removed"
	MsgMethod    = "method"
	MsgResult    = "result"
	MsgUpdated   = "updated"
	MsgPing      = "ping"
	MsgPong      = "pong"
	MsgError     = "error"
)

// Message is an outbound DDP message.
//
// Only the fields relevant to the message type are set; everything else is
// omitted on the wire. The client-side fields (Support, Name, Method, Params,
// RandomSeed) let the same type be used to build client requests.
type Message struct {
	Msg        string   `json:"msg"`
	ID         string   `json:"id,omitempty"`
	Session    string   `json:"session,omitempty"`
	Version    string   `json:"version,omitempty"`
	Support    []string `json:"support,omitempty"`
	Name       string   `json:"name,omitempty"`
	Method     string   `json:"method,omitempty"`
	Params     []any    `json:"params,omitempty"`
	RandomSeed string   `json:"randomSeed,omitempty"`

	Collection string         `json:"collection,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	Cleared    []string       `json:"cleared,omitempty"`

	Subs    []string `json:"subs,omitempty"`
	Methods []string `json:"methods,omitempty"`
	Result  any      `json:"result,omitempty"`
	Error   *Error   `json:"error,omitempty"`

	Reason           string `json:"reason,omitempty"`
	OffendingMessage any    `json:"offendingMessage,omitempty"`
}

// Connected builds the connect acknowledgement.
func Connected(session string) *Message {
	return &Message{Msg: MsgConnected, Session: session}
}

// Failed builds the version negotiation failure reply.
func Failed(version string) *Message {
	return &Message{Msg: MsgFailed, Version: version}
}

// Added builds an added message. Undefined values in fields are dropped.
func Added(collection, id string, fields Fields) *Message {
	set, _ := SplitFields(fields)
	return &Message{Msg: MsgAdded, Collection: collection, ID: id, Fields: set}
}

// Changed builds a changed message, moving Undefined fields into cleared.
func Changed(collection, id string, fields Fields) *Message {
	set, cleared := SplitFields(fields)
	return &Message{Msg: MsgChanged, Collection: collection, ID: id, Fields: set, Cleared: cleared}
}

// Removed builds a removed message.
func Removed(collection, id string) *Message {
	return &Message{Msg: MsgRemoved, Collection: collection, ID: id}
}

// Ready builds a ready message for the given subscription ids.
func Ready(subs ...string) *Message {
	return &Message{Msg: MsgReady, Subs: subs}
}

// Nosub builds a nosub message. err may be nil.
func Nosub(id string, err *Error) *Message {
	return &Message{Msg: MsgNosub, ID: id, Error: err}
}

// Result builds a method result. If err is non-nil result is ignored.
func Result(id string, result any, err *Error) *Message {
	if err != nil {
		return &Message{Msg: MsgResult, ID: id, Error: err}
	}
	return &Message{Msg: MsgResult, ID: id, Result: result}
}

// Updated builds an updated message for the given method ids.
func Updated(methods ...string) *Message {
	return &Message{Msg: MsgUpdated, Methods: methods}
}

// Ping builds a server heartbeat ping.
func Ping() *Message {
	return &Message{Msg: MsgPing}
}

// Pong builds a pong reply. id may be empty.
func Pong(id string) *Message {
	return &Message{Msg: MsgPong, ID: id}
}

// ProtocolError builds a socket-level error message. offending may be nil.
func ProtocolError(reason string, offending any) *Message {
	return &Message{Msg: MsgError, Reason: reason, OffendingMessage: offending}
}

// Inbound is a decoded inbound message.
//
// Values keep whatever type the codec produced, so callers must check field
// types before use.
type Inbound map[string]any

// Type returns the msg discriminator, or "" if missing or not a string.
func (m Inbound) Type() string {
	s, _ := m.String("msg")
	return s
}

// Has reports whether key is present.
func (m Inbound) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// String returns the value of key if it is a string.
func (m Inbound) String(key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}

// Array returns the value of key if it is an array.
func (m Inbound) Array(key string) ([]any, bool) {
	a, ok := m[key].([]any)
	return a, ok
}

// Strings returns the value of key if it is an array of strings.
func (m Inbound) Strings(key string) ([]string, bool) {
	a, ok := m.Array(key)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(a))
	for _, v := range a {
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// Object returns the value of key if it is an object.
func (m Inbound) Object(key string) (map[string]any, bool) {
	o, ok := m[key].(map[string]any)
	return o, ok
}
