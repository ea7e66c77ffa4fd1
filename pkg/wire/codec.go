package wire

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
)

// SubprotocolCBOR is the websocket subprotocol that selects CBORCodec.
const SubprotocolCBOR = "ddp-cbor"

// ErrNotObject is returned when a frame decodes to something other than an object.
var ErrNotObject = errors.New("message is not an object")

// encMode is the CBOR encoder mode for DDP messages.
// Configured for deterministic encoding so Equal can compare bytes.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode for DDP messages.
var decMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeUnix,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Nested objects decode as map[string]any so they look the same as JSON.
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
		DefaultMapType:    reflect.TypeOf(map[string]any(nil)),
		IntDec:            cbor.IntDecConvertSigned,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Codec encodes outbound messages and decodes inbound frames.
type Codec interface {
	// Name returns the codec name ("json" or "cbor").
	Name() string

	// Binary reports whether frames are sent as binary websocket messages.
	Binary() bool

	// Encode serializes a message.
	Encode(msg *Message) ([]byte, error)

	// Decode parses a frame into an inbound message.
	Decode(data []byte) (Inbound, error)
}

// JSONCodec is the standard DDP text encoding.
type JSONCodec struct{}

// Compile-time interface satisfaction check.
var _ Codec = JSONCodec{}

// Name implements Codec.
func (JSONCodec) Name() string { return "json" }

// Binary implements Codec.
func (JSONCodec) Binary() bool { return false }

// Encode implements Codec.
func (JSONCodec) Encode(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", msg.Msg, err)
	}
	return data, nil
}

// Decode implements Codec.
func (JSONCodec) Decode(data []byte) (Inbound, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return toInbound(v)
}

// CBORCodec encodes DDP messages as canonical CBOR.
type CBORCodec struct{}

// Compile-time interface satisfaction check.
var _ Codec = CBORCodec{}

// Name implements Codec.
func (CBORCodec) Name() string { return "cbor" }

// Binary implements Codec.
func (CBORCodec) Binary() bool { return true }

// Encode implements Codec.
func (CBORCodec) Encode(msg *Message) ([]byte, error) {
	data, err := encMode.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", msg.Msg, err)
	}
	return data, nil
}

// Decode implements Codec.
func (CBORCodec) Decode(data []byte) (Inbound, error) {
	var v any
	if err := decMode.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return toInbound(v)
}

// CodecFor returns the codec for a negotiated websocket subprotocol.
func CodecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolCBOR {
		return CBORCodec{}
	}
	return JSONCodec{}
}

// toInbound accepts a decoded object. A JSON/CBOR null yields an empty
// message, which is rejected later as a bad request rather than a parse error.
func toInbound(v any) (Inbound, error) {
	switch m := v.(type) {
	case nil:
		return Inbound{}, nil
	case map[string]any:
		return Inbound(m), nil
	default:
		return nil, ErrNotObject
	}
}

// Marshal encodes a value to canonical CBOR bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR bytes into a value.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Clone returns a deep copy of v.
//
// Objects and arrays are copied recursively. Scalars are returned as is.
// Any other type is copied through a CBOR round trip, which yields the
// generic map[string]any / []any representation.
func Clone(v any) any {
	switch t := v.(type) {
	case nil, bool, string, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64:
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Clone(e)
		}
		return out
	case Fields:
		return Fields(Clone(map[string]any(t)).(map[string]any))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Clone(e)
		}
		return out
	}

	data, err := Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// Equal reports whether two values are structurally equal.
//
// Values are compared by their canonical CBOR encoding, so map key order
// does not matter. Numbers compare by value: int 1 and float64 1.0 are
// equal.
func Equal(a, b any) bool {
	ea, errA := numericBytes(a)
	eb, errB := numericBytes(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return bytes.Equal(ea, eb)
}

// numericBytes encodes v with every integral float rewritten as an integer.
func numericBytes(v any) ([]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return Marshal(integralFloats(generic))
}

func integralFloats(v any) any {
	switch t := v.(type) {
	case float64:
		if t == math.Trunc(t) && t >= math.MinInt64 && t < math.MaxInt64 {
			return int64(t)
		}
	case map[string]any:
		for k, e := range t {
			t[k] = integralFloats(e)
		}
	case map[any]any:
		for k, e := range t {
			t[k] = integralFloats(e)
		}
	case []any:
		for i, e := range t {
			t[i] = integralFloats(e)
		}
	}
	return v
}
